// Package gateway defines the port to the remote backend. The sync core
// never talks to the backend directly; everything goes through this
// interface so the transport stays swappable and tests can run against an
// in-memory fake.
package gateway

import (
	"context"
	"errors"

	"github.com/flareapp/flare/internal/chat"
)

// ErrClosed is returned when the gateway connection has been shut down.
var ErrClosed = errors.New("gateway: connection closed")

// SnapshotFunc receives the full ordered message sequence of one
// conversation. Delivery is full-replace, never deltas.
type SnapshotFunc func(messages []chat.Message)

// DirectorySnapshotFunc receives the full conversation list of one user.
type DirectorySnapshotFunc func(conversations []chat.Conversation)

// Gateway is the backend collaborator the sync core consumes.
type Gateway interface {
	// SubscribeMessages opens a live feed for one conversation. onSnapshot
	// fires with the complete sequence on every server-side change. The
	// returned function tears the feed down.
	SubscribeMessages(ctx context.Context, conversationID string, onSnapshot SnapshotFunc) (func(), error)

	// Send persists one message and returns the server-assigned id.
	Send(ctx context.Context, msg chat.Message) (string, error)

	// MarkRead marks every message in the conversation not sent by userID
	// as read on the server.
	MarkRead(ctx context.Context, conversationID, userID string) error

	// UploadMedia uploads a device-local file and returns its durable URL.
	UploadMedia(ctx context.Context, localURI, conversationID, tempID string) (string, error)

	// SubscribeConversations opens the directory-level feed for a user.
	SubscribeConversations(ctx context.Context, userID string, onSnapshot DirectorySnapshotFunc) (func(), error)
}
