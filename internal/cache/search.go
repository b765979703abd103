package cache

// SearchHit is one full-text match over cached message bodies.
type SearchHit struct {
	ConversationID string
	MessageID      string
	Sender         string
	Snippet        string
}

// Search performs a full-text search over cached message bodies. An empty
// conversationID searches every cached conversation.
func (c *Cache) Search(query, conversationID string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT conversation_id, msg_id, sender,
		       snippet(messages_fts, 3, '<<', '>>', '...', 32)
		FROM messages_fts
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ConversationID, &h.MessageID, &h.Sender, &h.Snippet); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
