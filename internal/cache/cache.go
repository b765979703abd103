// Package cache is the durable on-device store for the sync core: one JSON
// snapshot entry per conversation, read synchronously at fetch time so the
// UI paints before the live feed delivers. Caching is best-effort; a broken
// entry is treated as an empty one and never surfaces as an error.
package cache

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/flareapp/flare/internal/chat"
	"go.uber.org/zap"
)

// KeyPrefix is the key namespace for per-conversation snapshot entries.
const KeyPrefix = "messages_"

// Cache stores the last known message sequence per conversation.
type Cache struct {
	db     *DB
	logger *zap.Logger
}

// New creates a cache over an opened, migrated database.
func New(db *DB, logger *zap.Logger) *Cache {
	return &Cache{db: db, logger: logger}
}

// Load returns the cached message sequence for a conversation, or nil when
// nothing usable is cached. It never fails outward: a missing or corrupt
// entry is logged and treated as empty.
func (c *Cache) Load(conversationID string) []chat.Message {
	var raw []byte
	err := c.db.QueryRow(`SELECT value FROM entries WHERE key = ?`, KeyPrefix+conversationID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		c.logger.Warn("cache read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}

	var msgs []chat.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		c.logger.Warn("cache entry corrupt", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	return msgs
}

// Save persists the message sequence for a conversation. Fire-and-forget:
// failures are logged, not retried, not surfaced.
func (c *Cache) Save(conversationID string, msgs []chat.Message) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		c.logger.Warn("cache marshal failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	now := time.Now().UnixMilli()
	_, err = c.db.Exec(`
		INSERT INTO entries (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		KeyPrefix+conversationID, raw, now)
	if err != nil {
		c.logger.Warn("cache write failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	c.reindex(conversationID, msgs)
}

// Clear removes the cached entry for one conversation.
func (c *Cache) Clear(conversationID string) {
	if _, err := c.db.Exec(`DELETE FROM entries WHERE key = ?`, KeyPrefix+conversationID); err != nil {
		c.logger.Warn("cache clear failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if _, err := c.db.Exec(`DELETE FROM messages_fts WHERE conversation_id = ?`, conversationID); err != nil {
		c.logger.Warn("search index clear failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// ClearAll removes every messages_* entry and the whole search index.
// Called on logout.
func (c *Cache) ClearAll() {
	if _, err := c.db.Exec(`DELETE FROM entries WHERE key LIKE ?`, KeyPrefix+"%"); err != nil {
		c.logger.Warn("cache clear-all failed", zap.Error(err))
	}
	if _, err := c.db.Exec(`DELETE FROM messages_fts`); err != nil {
		c.logger.Warn("search index clear-all failed", zap.Error(err))
	}
}

// reindex rebuilds the FTS rows for one conversation from its snapshot.
// Snapshots are full-replace, so the index is too.
func (c *Cache) reindex(conversationID string, msgs []chat.Message) {
	tx, err := c.db.Begin()
	if err != nil {
		c.logger.Warn("search reindex begin failed", zap.Error(err))
		return
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages_fts WHERE conversation_id = ?`, conversationID); err != nil {
		c.logger.Warn("search reindex delete failed", zap.Error(err))
		return
	}
	for _, m := range msgs {
		if m.Type != chat.TypeText || m.Text == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO messages_fts (conversation_id, msg_id, sender, body)
			VALUES (?, ?, ?, ?)`,
			conversationID, m.ID, m.Sender, m.Text); err != nil {
			c.logger.Warn("search reindex insert failed", zap.Error(err))
			return
		}
	}
	if err := tx.Commit(); err != nil {
		c.logger.Warn("search reindex commit failed", zap.Error(err))
	}
}
