// Package ws implements the backend gateway port over a WebSocket
// connection speaking JSON frames: request/ack for writes, server pushes
// for live snapshots.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/flareapp/flare/internal/chat"
	"github.com/flareapp/flare/internal/gateway"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a websocket-backed gateway.Gateway. One read-loop goroutine
// routes pushes to the registered snapshot callbacks and acks to their
// waiting requests.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex // serializes WriteJSON

	mu      sync.Mutex
	pending map[string]chan frame
	msgSubs map[string]gateway.SnapshotFunc
	dirSubs map[string]gateway.DirectorySnapshotFunc

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the backend gateway and starts the read loop. The token
// is sent as a bearer Authorization header on the upgrade request.
func Dial(ctx context.Context, url, token string, logger *zap.Logger) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan frame),
		msgSubs: make(map[string]gateway.SnapshotFunc),
		dirSubs: make(map[string]gateway.DirectorySnapshotFunc),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection and fails every in-flight request.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
	return err
}

func (c *Client) readLoop() {
	defer func() { _ = c.Close() }()
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("gateway read loop ended", zap.Error(err))
			}
			return
		}

		switch f.Op {
		case opSnapshot:
			c.mu.Lock()
			fn := c.msgSubs[f.ConversationID]
			c.mu.Unlock()
			if fn != nil {
				fn(f.Messages)
			}
		case opDirectorySnapshot:
			c.mu.Lock()
			fn := c.dirSubs[f.UserID]
			c.mu.Unlock()
			if fn != nil {
				fn(f.Conversations)
			}
		case opAck, opError:
			c.mu.Lock()
			ch := c.pending[f.RequestID]
			delete(c.pending, f.RequestID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
				close(ch)
			}
		default:
			c.logger.Warn("unknown gateway frame", zap.String("op", f.Op))
		}
	}
}

// request writes a frame and waits for its ack or error.
func (c *Client) request(ctx context.Context, f frame) (frame, error) {
	f.RequestID = uuid.NewString()
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[f.RequestID] = ch
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		return frame{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, gateway.ErrClosed
		}
		if resp.Op == opError {
			return frame{}, fmt.Errorf("gateway: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		return frame{}, ctx.Err()
	case <-c.closed:
		return frame{}, gateway.ErrClosed
	}
}

func (c *Client) write(f frame) error {
	select {
	case <-c.closed:
		return gateway.ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) SubscribeMessages(ctx context.Context, conversationID string, onSnapshot gateway.SnapshotFunc) (func(), error) {
	// Register before the ack: the first snapshot can race the ack frame.
	c.mu.Lock()
	c.msgSubs[conversationID] = onSnapshot
	c.mu.Unlock()

	if _, err := c.request(ctx, frame{Op: opSubscribe, ConversationID: conversationID}); err != nil {
		c.mu.Lock()
		delete(c.msgSubs, conversationID)
		c.mu.Unlock()
		return nil, err
	}

	return func() {
		c.mu.Lock()
		delete(c.msgSubs, conversationID)
		c.mu.Unlock()
		// Best-effort: the server drops the feed on its own if the
		// connection dies.
		if err := c.write(frame{Op: opUnsubscribe, ConversationID: conversationID}); err != nil && !errors.Is(err, gateway.ErrClosed) {
			c.logger.Warn("unsubscribe write failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}, nil
}

func (c *Client) Send(ctx context.Context, msg chat.Message) (string, error) {
	resp, err := c.request(ctx, frame{Op: opSend, ConversationID: msg.ConversationID, Message: &msg})
	if err != nil {
		return "", err
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("gateway: send ack missing message id")
	}
	return resp.MessageID, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, userID string) error {
	_, err := c.request(ctx, frame{Op: opMarkRead, ConversationID: conversationID, UserID: userID})
	return err
}

func (c *Client) UploadMedia(ctx context.Context, localURI, conversationID, tempID string) (string, error) {
	resp, err := c.request(ctx, frame{Op: opUpload, ConversationID: conversationID, LocalURI: localURI, TempID: tempID})
	if err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("gateway: upload ack missing url")
	}
	return resp.URL, nil
}

func (c *Client) SubscribeConversations(ctx context.Context, userID string, onSnapshot gateway.DirectorySnapshotFunc) (func(), error) {
	c.mu.Lock()
	c.dirSubs[userID] = onSnapshot
	c.mu.Unlock()

	if _, err := c.request(ctx, frame{Op: opSubscribeDirectory, UserID: userID}); err != nil {
		c.mu.Lock()
		delete(c.dirSubs, userID)
		c.mu.Unlock()
		return nil, err
	}

	return func() {
		c.mu.Lock()
		delete(c.dirSubs, userID)
		c.mu.Unlock()
		if err := c.write(frame{Op: opUnsubscribeDirectory, UserID: userID}); err != nil && !errors.Is(err, gateway.ErrClosed) {
			c.logger.Warn("directory unsubscribe write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}, nil
}

var _ gateway.Gateway = (*Client)(nil)
