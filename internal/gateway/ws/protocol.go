package ws

import "github.com/flareapp/flare/internal/chat"

// Frame is the JSON wire unit exchanged with the backend gateway. Ops from
// the client carry a requestId; the server answers with an ack or error
// frame echoing it. Pushes (snapshot, directory) carry no requestId.
type frame struct {
	Op             string              `json:"op"`
	RequestID      string              `json:"requestId,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	UserID         string              `json:"userId,omitempty"`
	Message        *chat.Message       `json:"message,omitempty"`
	Messages       []chat.Message      `json:"messages,omitempty"`
	Conversations  []chat.Conversation `json:"conversations,omitempty"`
	MessageID      string              `json:"messageId,omitempty"`
	LocalURI       string              `json:"localUri,omitempty"`
	TempID         string              `json:"tempId,omitempty"`
	URL            string              `json:"url,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// Client -> server ops.
const (
	opSubscribe            = "subscribe"
	opUnsubscribe          = "unsubscribe"
	opSend                 = "send"
	opMarkRead             = "mark_read"
	opUpload               = "upload"
	opSubscribeDirectory   = "subscribe_directory"
	opUnsubscribeDirectory = "unsubscribe_directory"
)

// Server -> client ops.
const (
	opSnapshot          = "snapshot"
	opDirectorySnapshot = "directory_snapshot"
	opAck               = "ack"
	opError             = "error"
)
