// Package msgstore is the authoritative in-memory view of per-conversation
// message sequences, merging the durable cache, optimistic local sends and
// live gateway snapshots.
package msgstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flareapp/flare/internal/bus"
	"github.com/flareapp/flare/internal/cache"
	"github.com/flareapp/flare/internal/chat"
	"github.com/flareapp/flare/internal/feed"
	"github.com/flareapp/flare/internal/gateway"
	"go.uber.org/zap"
)

// Store owns the message map. All mutation goes through its methods; the
// feed manager and cache are collaborators, never direct mutators.
type Store struct {
	gw     gateway.Gateway
	cache  *cache.Cache
	feeds  *feed.Manager
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	messages map[string][]chat.Message
	loading  map[string]bool
	sending  map[string]int
}

// NewStore creates a message store wired to its collaborators.
func NewStore(gw gateway.Gateway, c *cache.Cache, feeds *feed.Manager, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		gw:       gw,
		cache:    c,
		feeds:    feeds,
		bus:      b,
		logger:   logger,
		messages: make(map[string][]chat.Message),
		loading:  make(map[string]bool),
		sending:  make(map[string]int),
	}
}

// FetchMessages loads the cached sequence into state synchronously (instant
// paint) and then opens the live feed. Idempotent: a second call for the
// same id re-subscribes without leaking the first feed. A feed-open failure
// is returned once and leaves the store in cache-only mode.
func (s *Store) FetchMessages(ctx context.Context, conversationID string) error {
	cached := s.cache.Load(conversationID)

	s.mu.Lock()
	if cached != nil {
		s.messages[conversationID] = cached
	} else if _, ok := s.messages[conversationID]; !ok {
		s.messages[conversationID] = nil
	}
	s.loading[conversationID] = true
	s.mu.Unlock()
	s.publish(bus.KindMessagesUpdated, conversationID)

	err := s.feeds.Subscribe(ctx, conversationID, func(msgs []chat.Message) {
		s.applySnapshot(conversationID, msgs)
	})
	if err != nil {
		s.mu.Lock()
		s.loading[conversationID] = false
		s.mu.Unlock()
		return fmt.Errorf("fetch messages: %w", err)
	}
	return nil
}

// applySnapshot replaces the in-memory sequence with a live snapshot and
// re-persists it. Order is kept exactly as delivered; the store never
// re-sorts.
func (s *Store) applySnapshot(conversationID string, msgs []chat.Message) {
	snapshot := slices.Clone(msgs)

	s.mu.Lock()
	s.messages[conversationID] = snapshot
	s.loading[conversationID] = false
	s.mu.Unlock()

	s.cache.Save(conversationID, snapshot)
	s.publish(bus.KindMessagesUpdated, conversationID)
}

// MarkRead marks all messages not sent by userID as read, remotely first and
// then locally, so the UI reflects the change without waiting for the next
// snapshot.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	if err := s.gw.MarkRead(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}

	s.mu.Lock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].Sender == userID {
			continue
		}
		msgs[i].Read = true
		if chat.CanTransition(msgs[i].Status, chat.StatusRead) {
			msgs[i].Status = chat.StatusRead
		}
	}
	snapshot := slices.Clone(msgs)
	s.mu.Unlock()

	s.cache.Save(conversationID, snapshot)
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessagesRead,
		Timestamp: time.Now(),
		Payload:   chat.ReadReceipt{ConversationID: conversationID, UserID: userID},
	})
	return nil
}

// CleanupSubscription tears down the conversation's live feed. In-memory
// messages stay; use Clear to drop them.
func (s *Store) CleanupSubscription(conversationID string) {
	s.feeds.Unsubscribe(conversationID)
}

// Clear drops one conversation's in-memory entry and cached snapshot.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	delete(s.messages, conversationID)
	delete(s.loading, conversationID)
	delete(s.sending, conversationID)
	s.mu.Unlock()
	s.cache.Clear(conversationID)
}

// ClearAll empties the message, loading and sending state and removes every
// cached snapshot entry.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.messages = make(map[string][]chat.Message)
	s.loading = make(map[string]bool)
	s.sending = make(map[string]int)
	s.mu.Unlock()
	s.cache.ClearAll()
}

// Reset is the logout path: every feed torn down, every entry cleared.
func (s *Store) Reset() {
	s.feeds.UnsubscribeAll()
	s.ClearAll()
	s.bus.Publish(bus.Event{Kind: bus.KindSessionReset, Timestamp: time.Now()})
}

// Messages returns a copy of the conversation's current sequence.
func (s *Store) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[conversationID])
}

// Loading reports whether the conversation is waiting for its first live
// snapshot.
func (s *Store) Loading(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading[conversationID]
}

// Sending reports whether any send is in flight for the conversation.
func (s *Store) Sending(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending[conversationID] > 0
}

// Empty reports whether the store holds no per-conversation state at all.
func (s *Store) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages) == 0 && len(s.loading) == 0 && len(s.sending) == 0
}

func (s *Store) publish(kind, conversationID string) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}

// indexOf returns the position of a message id, or -1. Caller holds mu.
func (s *Store) indexOf(conversationID, messageID string) int {
	for i, m := range s.messages[conversationID] {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}
