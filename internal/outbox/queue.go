// Package outbox is the durable offline queue around the message store:
// sends that failed while offline are parked here and replayed through the
// same Send entry point when the caller asks. The queue never retries on a
// timer; replay is always an explicit action.
package outbox

import (
	"context"
	"time"

	"github.com/flareapp/flare/internal/bus"
	"github.com/flareapp/flare/internal/cache"
	"github.com/flareapp/flare/internal/chat"
	"github.com/flareapp/flare/internal/msgstore"
	"go.uber.org/zap"
)

// Entry is one parked message.
type Entry struct {
	ID             int64
	ConversationID string
	Sender         string
	Body           string
	Type           chat.MessageType
	Attempts       int
	LastError      string
}

// Queue persists parked sends in the cache database.
type Queue struct {
	db     *cache.DB
	store  *msgstore.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewQueue creates a queue over an opened, migrated cache database.
func NewQueue(db *cache.DB, store *msgstore.Store, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{db: db, store: store, bus: b, logger: logger}
}

// Enqueue parks a message for later replay.
func (q *Queue) Enqueue(msg chat.Message) error {
	now := time.Now().UnixMilli()
	mt := msg.Type
	if mt == "" {
		mt = chat.TypeText
	}
	_, err := q.db.Exec(`
		INSERT INTO outbox (conversation_id, sender, body, message_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		msg.ConversationID, msg.Sender, msg.Text, string(mt), now, now)
	return err
}

// Pending returns parked entries oldest first.
func (q *Queue) Pending() ([]Entry, error) {
	rows, err := q.db.Query(`
		SELECT id, conversation_id, sender, body, message_type, attempts, last_error
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var mt string
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Sender, &e.Body, &mt, &e.Attempts, &e.LastError); err != nil {
			return nil, err
		}
		e.Type = chat.MessageType(mt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Flush replays every parked entry through the message store. A successful
// send removes the entry; a failure keeps it queued with an incremented
// attempt count. The first error does not stop the remaining entries.
func (q *Queue) Flush(ctx context.Context) error {
	pending, err := q.Pending()
	if err != nil {
		return err
	}

	var firstErr error
	for _, e := range pending {
		msg := chat.Message{
			ConversationID: e.ConversationID,
			Sender:         e.Sender,
			Text:           e.Body,
			Type:           e.Type,
			OfflineQueued:  true,
			RetryCount:     e.Attempts,
		}
		if err := q.store.Send(ctx, msg); err != nil {
			q.logger.Warn("outbox replay failed",
				zap.Int64("entry_id", e.ID),
				zap.String("conversation_id", e.ConversationID),
				zap.Error(err))
			q.markFailed(e.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		q.remove(e.ID)
	}
	return firstErr
}

// Size returns the number of parked entries.
func (q *Queue) Size() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status = 'queued'`).Scan(&n)
	return n, err
}

func (q *Queue) markFailed(id int64, cause error) {
	now := time.Now().UnixMilli()
	if _, err := q.db.Exec(`
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		cause.Error(), now, id); err != nil {
		q.logger.Warn("outbox update failed", zap.Int64("entry_id", id), zap.Error(err))
	}
}

func (q *Queue) remove(id int64) {
	if _, err := q.db.Exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
		q.logger.Warn("outbox delete failed", zap.Int64("entry_id", id), zap.Error(err))
	}
}
