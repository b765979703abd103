package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core. Subscribers filter by prefix,
// e.g. "message." receives every message event.
const (
	KindMessagesUpdated     = "message.updated"
	KindMessageSendAck      = "message.send_ack"
	KindMessageSendFailed   = "message.send_failed"
	KindMessagesRead        = "message.read"
	KindConversationsUpdate = "conversation.updated"
	KindSessionReset        = "session.reset"
)
