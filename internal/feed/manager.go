// Package feed owns the live message subscriptions: at most one handle per
// conversation id, with a monotonic generation counter so snapshots from a
// torn-down handle can never overwrite newer state.
package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/flareapp/flare/internal/chat"
	"github.com/flareapp/flare/internal/gateway"
	"go.uber.org/zap"
)

type handle struct {
	gen  uint64
	stop func()
}

// Manager guarantees the single-live-subscription-per-conversation
// invariant on top of the backend gateway.
type Manager struct {
	gw     gateway.Gateway
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
	gens    map[string]uint64
}

// NewManager creates an empty subscription manager.
func NewManager(gw gateway.Gateway, logger *zap.Logger) *Manager {
	return &Manager{
		gw:      gw,
		logger:  logger,
		handles: make(map[string]*handle),
		gens:    make(map[string]uint64),
	}
}

// Subscribe opens a live feed for the conversation. If a handle already
// exists it is torn down first, so re-subscribing is idempotent. onUpdate
// receives every snapshot from the current handle; snapshots from a
// superseded handle are discarded. A feed-open failure is returned once; the
// manager never retries on its own.
func (m *Manager) Subscribe(ctx context.Context, conversationID string, onUpdate func([]chat.Message)) error {
	m.mu.Lock()
	if h := m.handles[conversationID]; h != nil {
		h.stop()
		delete(m.handles, conversationID)
	}
	m.gens[conversationID]++
	gen := m.gens[conversationID]
	m.mu.Unlock()

	stop, err := m.gw.SubscribeMessages(ctx, conversationID, func(msgs []chat.Message) {
		if !m.current(conversationID, gen) {
			m.logger.Debug("discarding snapshot from superseded feed",
				zap.String("conversation_id", conversationID), zap.Uint64("gen", gen))
			return
		}
		onUpdate(msgs)
	})
	if err != nil {
		return fmt.Errorf("open feed for %s: %w", conversationID, err)
	}

	m.mu.Lock()
	// A competing Subscribe may have bumped the generation while the feed
	// was being opened; in that case this handle is already stale.
	if m.gens[conversationID] != gen {
		m.mu.Unlock()
		stop()
		return nil
	}
	m.handles[conversationID] = &handle{gen: gen, stop: stop}
	m.mu.Unlock()
	return nil
}

// Unsubscribe tears down the conversation's handle. Calling it when no
// handle exists is a no-op.
func (m *Manager) Unsubscribe(conversationID string) {
	m.mu.Lock()
	h := m.handles[conversationID]
	if h != nil {
		delete(m.handles, conversationID)
		// Bump the generation so an in-flight snapshot from this handle
		// is discarded even if the gateway fires it after stop.
		m.gens[conversationID]++
	}
	m.mu.Unlock()
	if h != nil {
		h.stop()
	}
}

// UnsubscribeAll tears down every live handle. Called on app backgrounding
// and logout.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	stops := make([]func(), 0, len(m.handles))
	for id, h := range m.handles {
		stops = append(stops, h.stop)
		delete(m.handles, id)
		m.gens[id]++
	}
	m.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// Active reports whether a live handle exists for the conversation.
func (m *Manager) Active(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[conversationID] != nil
}

// Count returns the number of live handles.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) current(conversationID string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[conversationID] == gen
}
