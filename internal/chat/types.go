package chat

import "time"

// MessageType identifies the payload kind of a message.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeImage   MessageType = "image"
	TypeGIF     MessageType = "gif"
	TypeSticker MessageType = "sticker"
)

// Message is one chat message as the client sees it. The JSON field names
// are the on-device persisted format; the cache stores ordered sequences of
// these verbatim.
type Message struct {
	// ID is a client-generated temp id ("temp-<uuid>") until the gateway
	// acks the send, after which it holds the server-assigned id.
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender         string      `json:"sender"`
	Text           string      `json:"text"`
	Timestamp      time.Time   `json:"timestamp"`
	Read           bool        `json:"read"`
	Status         Status      `json:"status"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	LocalURI       string      `json:"localUri,omitempty"`
	OfflineQueued  bool        `json:"isOfflineQueued,omitempty"`
	RetryCount     int         `json:"retryCount,omitempty"`
}

// Peer is the summary of the other participant shown in the inbox.
type Peer struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Photo      string  `json:"photo,omitempty"`
	Online     bool    `json:"online"`
	DistanceKm float64 `json:"distance,omitempty"`
}

// LastMessage is the inbox preview of a conversation's newest message.
type LastMessage struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// TypingStatus reports whether the peer is currently typing.
type TypingStatus struct {
	IsTyping  bool      `json:"isTyping"`
	LastTyped time.Time `json:"lastTyped"`
}

// Conversation is a match's chat thread as listed in the inbox.
type Conversation struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Peer        Peer         `json:"user"`
	LastMessage LastMessage  `json:"lastMessage"`
	Typing      TypingStatus `json:"typingStatus"`
	UnreadCount int          `json:"unreadCount"`
}

// ReadReceipt is the bus payload published after a successful read-mark.
type ReadReceipt struct {
	ConversationID string
	UserID         string
}

// SendAck is the bus payload published when the gateway confirms a send.
type SendAck struct {
	ConversationID string
	ClientID       string
	ServerID       string
}

// SendFailure is the bus payload published when a send or upload fails.
type SendFailure struct {
	ConversationID string
	ClientID       string
	Reason         string
}
