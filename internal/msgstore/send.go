package msgstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/flareapp/flare/internal/bus"
	"github.com/flareapp/flare/internal/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Send appends an optimistic sending placeholder and persists the message
// through the gateway. On ack the placeholder is replaced in place with the
// server id and sent status; on failure it flips to failed and the error is
// returned so the caller can surface it.
func (s *Store) Send(ctx context.Context, msg chat.Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("send message: missing conversation id")
	}
	msg.ID = "temp-" + uuid.NewString()
	msg.Status = chat.StatusSending
	if msg.Type == "" {
		msg.Type = chat.TypeText
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	s.mu.Unlock()
	s.publish(bus.KindMessagesUpdated, msg.ConversationID)

	return s.deliver(ctx, msg.ConversationID, msg.ID)
}

// Retry re-sends a failed message. The placeholder keeps its position; only
// an explicit retry may move failed back to sending.
func (s *Store) Retry(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	idx := s.indexOf(conversationID, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("retry message: %s not found in %s", messageID, conversationID)
	}
	if err := chat.Transition(&s.messages[conversationID][idx], chat.StatusSending); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("retry message: %w", err)
	}
	s.messages[conversationID][idx].RetryCount++
	s.mu.Unlock()
	s.publish(bus.KindMessagesUpdated, conversationID)

	return s.deliver(ctx, conversationID, messageID)
}

// SendMedia is the two-phase media path: an uploading placeholder pointing
// at the device-local file, then upload for a durable URL, then a regular
// send referencing it. A failure in either phase marks the same placeholder
// failed; the caller cannot tell the phases apart beyond the terminal
// status.
func (s *Store) SendMedia(ctx context.Context, localURI, conversationID, sender string, mediaType chat.MessageType) error {
	tempID := "temp-" + uuid.NewString()
	msg := chat.Message{
		ID:             tempID,
		ConversationID: conversationID,
		Sender:         sender,
		Timestamp:      time.Now().UTC(),
		Status:         chat.StatusUploading,
		Type:           mediaType,
		LocalURI:       localURI,
	}

	s.mu.Lock()
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	s.mu.Unlock()
	s.publish(bus.KindMessagesUpdated, conversationID)

	url, err := s.gw.UploadMedia(ctx, localURI, conversationID, tempID)
	if err != nil {
		s.failPlaceholder(conversationID, tempID, err)
		return fmt.Errorf("upload media: %w", err)
	}

	s.mu.Lock()
	if idx := s.indexOf(conversationID, tempID); idx >= 0 {
		s.messages[conversationID][idx].MediaURL = url
	}
	s.mu.Unlock()

	return s.deliver(ctx, conversationID, tempID)
}

// deliver pushes the placeholder through the gateway and reconciles it in
// place. The placeholder is matched by its client id, never by position, so
// a snapshot arriving mid-send cannot misattach the ack.
func (s *Store) deliver(ctx context.Context, conversationID, clientID string) error {
	s.mu.Lock()
	idx := s.indexOf(conversationID, clientID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("deliver message: %s not found in %s", clientID, conversationID)
	}
	payload := s.messages[conversationID][idx]
	s.sending[conversationID]++
	s.mu.Unlock()

	serverID, err := s.gw.Send(ctx, payload)

	s.mu.Lock()
	s.sending[conversationID]--
	if err != nil {
		if i := s.indexOf(conversationID, clientID); i >= 0 {
			if terr := chat.Transition(&s.messages[conversationID][i], chat.StatusFailed); terr != nil {
				s.logger.Warn("placeholder not failable", zap.String("client_id", clientID), zap.Error(terr))
			}
		}
		s.mu.Unlock()
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			Timestamp: time.Now(),
			Payload:   chat.SendFailure{ConversationID: conversationID, ClientID: clientID, Reason: err.Error()},
		})
		s.publish(bus.KindMessagesUpdated, conversationID)
		return fmt.Errorf("send message: %w", err)
	}

	var snapshot []chat.Message
	if i := s.indexOf(conversationID, clientID); i >= 0 {
		m := s.messages[conversationID][i]
		m.ID = serverID
		m.LocalURI = ""
		if terr := chat.Transition(&m, chat.StatusSent); terr != nil {
			s.logger.Warn("placeholder not sendable", zap.String("client_id", clientID), zap.Error(terr))
		} else {
			s.messages[conversationID][i] = m
			snapshot = slices.Clone(s.messages[conversationID])
		}
	}
	// A missing placeholder means a newer snapshot already replaced it
	// (the server echoed the send); the ack is a no-op then.
	s.mu.Unlock()

	if snapshot != nil {
		s.cache.Save(conversationID, snapshot)
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendAck,
		Timestamp: time.Now(),
		Payload:   chat.SendAck{ConversationID: conversationID, ClientID: clientID, ServerID: serverID},
	})
	s.publish(bus.KindMessagesUpdated, conversationID)
	return nil
}

func (s *Store) failPlaceholder(conversationID, clientID string, cause error) {
	s.mu.Lock()
	if i := s.indexOf(conversationID, clientID); i >= 0 {
		if terr := chat.Transition(&s.messages[conversationID][i], chat.StatusFailed); terr != nil {
			s.logger.Warn("placeholder not failable", zap.String("client_id", clientID), zap.Error(terr))
		}
	}
	s.mu.Unlock()
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload:   chat.SendFailure{ConversationID: conversationID, ClientID: clientID, Reason: cause.Error()},
	})
	s.publish(bus.KindMessagesUpdated, conversationID)
}
