// Package directory maintains the inbox view: the list of conversation
// summaries fed by the directory-level subscription, plus which conversation
// is currently focused for read-marking.
package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flareapp/flare/internal/bus"
	"github.com/flareapp/flare/internal/chat"
	"github.com/flareapp/flare/internal/gateway"
	"go.uber.org/zap"
)

// Directory owns the conversation list. Snapshots are full-replace; a
// per-feed generation guards against pushes from a torn-down feed, and a
// per-conversation monotonic guard keeps last-message previews from moving
// backwards on a stale snapshot.
type Directory struct {
	gw     gateway.Gateway
	bus    *bus.Bus
	logger *zap.Logger

	mu            sync.Mutex
	conversations []chat.Conversation
	current       *chat.Conversation
	gen           uint64
	stop          func()

	cancel context.CancelFunc
}

// New creates an empty directory.
func New(gw gateway.Gateway, b *bus.Bus, logger *zap.Logger) *Directory {
	return &Directory{gw: gw, bus: b, logger: logger}
}

// Start subscribes to read-receipt events on the bus so an explicit
// read-mark zeroes the conversation's unread count without waiting for the
// next directory snapshot. Unread counts never drop any other way locally.
func (d *Directory) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	ch, unsub := d.bus.Subscribe(bus.KindMessagesRead, 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				receipt, ok := evt.Payload.(chat.ReadReceipt)
				if !ok {
					continue
				}
				d.markRead(receipt.ConversationID)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the bus consumer.
func (d *Directory) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// FetchConversations opens the live directory feed for a user, replacing
// any previous feed. Each snapshot fully replaces the conversation list.
func (d *Directory) FetchConversations(ctx context.Context, userID string) error {
	d.mu.Lock()
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	stop, err := d.gw.SubscribeConversations(ctx, userID, func(convs []chat.Conversation) {
		d.apply(gen, convs)
	})
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}

	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		stop()
		return nil
	}
	d.stop = stop
	d.mu.Unlock()
	return nil
}

func (d *Directory) apply(gen uint64, convs []chat.Conversation) {
	incoming := slices.Clone(convs)

	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		d.logger.Debug("discarding directory snapshot from superseded feed", zap.Uint64("gen", gen))
		return
	}

	known := make(map[string]chat.Conversation, len(d.conversations))
	for _, c := range d.conversations {
		known[c.ID] = c
	}
	for i := range incoming {
		prev, ok := known[incoming[i].ID]
		if !ok {
			continue
		}
		// last-message previews only move forward in time
		if incoming[i].LastMessage.Timestamp.Before(prev.LastMessage.Timestamp) {
			incoming[i].LastMessage = prev.LastMessage
		}
	}
	d.conversations = incoming
	d.mu.Unlock()

	d.bus.Publish(bus.Event{Kind: bus.KindConversationsUpdate, Timestamp: time.Now()})
}

// markRead zeroes the unread count for one conversation.
func (d *Directory) markRead(conversationID string) {
	d.mu.Lock()
	changed := false
	for i := range d.conversations {
		if d.conversations[i].ID == conversationID && d.conversations[i].UnreadCount != 0 {
			d.conversations[i].UnreadCount = 0
			changed = true
		}
	}
	d.mu.Unlock()
	if changed {
		d.bus.Publish(bus.Event{Kind: bus.KindConversationsUpdate, Timestamp: time.Now()})
	}
}

// SetCurrent records which conversation is focused. Pass nil on screen exit
// so messages are not marked read while nobody is looking at them.
func (d *Directory) SetCurrent(conv *chat.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv == nil {
		d.current = nil
		return
	}
	c := *conv
	d.current = &c
}

// Current returns a copy of the focused conversation, or nil.
func (d *Directory) Current() *chat.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	c := *d.current
	return &c
}

// Conversations returns a copy of the current list.
func (d *Directory) Conversations() []chat.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.conversations)
}

// Cleanup tears down the directory feed and drops the list. Must be called
// on unmount and logout so no listener leaks across navigation.
func (d *Directory) Cleanup() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.gen++
	d.conversations = nil
	d.current = nil
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}
