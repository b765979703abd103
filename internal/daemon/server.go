package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/flareapp/flare/internal/bus"
	"github.com/flareapp/flare/internal/cache"
	"github.com/flareapp/flare/internal/chat"
	"github.com/flareapp/flare/internal/directory"
	"github.com/flareapp/flare/internal/msgstore"
	"github.com/flareapp/flare/internal/outbox"
	"github.com/flareapp/flare/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Command is one UI request over the daemon socket.
type Command struct {
	Op             string `json:"op"`
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Sender         string `json:"sender,omitempty"`
	Text           string `json:"text,omitempty"`
	MessageType    string `json:"messageType,omitempty"`
	LocalURI       string `json:"localUri,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Query          string `json:"query,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Result answers one command.
type Result struct {
	Op             string              `json:"op"`
	RequestID      string              `json:"requestId"`
	OK             bool                `json:"ok"`
	Error          string              `json:"error,omitempty"`
	Messages       []chat.Message      `json:"messages,omitempty"`
	Conversations  []chat.Conversation `json:"conversations,omitempty"`
	Hits           []cache.SearchHit   `json:"hits,omitempty"`
	PendingOutbox  int                 `json:"pendingOutbox,omitempty"`
	LoadingMessage bool                `json:"loading,omitempty"`
}

// EventEnvelope wraps a bus event for the watch stream.
type EventEnvelope struct {
	Op               string `json:"op"`
	EventID          string `json:"eventId"`
	Kind             string `json:"kind"`
	OccurredAtUnixMs int64  `json:"occurredAtUnixMs"`
	Payload          any    `json:"payload,omitempty"`
}

// Server exposes the sync core to UI clients over a websocket endpoint on
// the session's unix socket: bus events stream down, commands come up.
type Server struct {
	httpSrv    *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	bus   *bus.Bus
	store *msgstore.Store
	dir   *directory.Directory
	cache *cache.Cache
	queue *outbox.Queue

	upgrader websocket.Upgrader
}

// NewServer creates the API server bound to the session's unix socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	b *bus.Bus,
	store *msgstore.Store,
	dir *directory.Directory,
	c *cache.Cache,
	queue *outbox.Queue,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		bus:        b,
		store:      store,
		dir:        dir,
		cache:      c,
		queue:      queue,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}
	return s, nil
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	err := s.httpSrv.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	_ = s.httpSrv.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	// Each connection gets a bus subscription filtered by the watch prefix
	// ("" watches everything).
	prefix := r.URL.Query().Get("watch")
	ch, unsub := s.bus.Subscribe(prefix, 256)
	defer unsub()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case evt := <-ch:
				env := EventEnvelope{
					Op:               "event",
					EventID:          uuid.NewString(),
					Kind:             evt.Kind,
					OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
					Payload:          evt.Payload,
				}
				if err := writeJSON(env); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		res := s.handleCommand(r.Context(), cmd)
		if err := writeJSON(res); err != nil {
			return
		}
	}
}

func (s *Server) handleCommand(ctx context.Context, cmd Command) Result {
	res := Result{Op: "result", RequestID: cmd.RequestID, OK: true}
	fail := func(err error) Result {
		res.OK = false
		res.Error = err.Error()
		return res
	}

	switch cmd.Op {
	case "fetch":
		if err := s.store.FetchMessages(ctx, cmd.ConversationID); err != nil {
			return fail(err)
		}
		res.Messages = s.store.Messages(cmd.ConversationID)
		res.LoadingMessage = s.store.Loading(cmd.ConversationID)
	case "messages":
		res.Messages = s.store.Messages(cmd.ConversationID)
		res.LoadingMessage = s.store.Loading(cmd.ConversationID)
	case "send":
		if err := s.store.Send(ctx, chat.Message{
			ConversationID: cmd.ConversationID,
			Sender:         cmd.Sender,
			Text:           cmd.Text,
			Type:           chat.MessageType(cmd.MessageType),
		}); err != nil {
			return fail(err)
		}
	case "send_media":
		mt := chat.MessageType(cmd.MessageType)
		if mt == "" {
			mt = chat.TypeImage
		}
		if err := s.store.SendMedia(ctx, cmd.LocalURI, cmd.ConversationID, cmd.Sender, mt); err != nil {
			return fail(err)
		}
	case "retry":
		if err := s.store.Retry(ctx, cmd.ConversationID, cmd.MessageID); err != nil {
			return fail(err)
		}
	case "mark_read":
		if err := s.store.MarkRead(ctx, cmd.ConversationID, cmd.UserID); err != nil {
			return fail(err)
		}
	case "fetch_conversations":
		if err := s.dir.FetchConversations(ctx, cmd.UserID); err != nil {
			return fail(err)
		}
		res.Conversations = s.dir.Conversations()
	case "conversations":
		res.Conversations = s.dir.Conversations()
	case "search":
		hits, err := s.cache.Search(cmd.Query, cmd.ConversationID, cmd.Limit)
		if err != nil {
			return fail(err)
		}
		res.Hits = hits
	case "queue_send":
		// Park the send durably instead of attempting delivery; used by
		// clients that know the gateway is unreachable.
		if err := s.queue.Enqueue(chat.Message{
			ConversationID: cmd.ConversationID,
			Sender:         cmd.Sender,
			Text:           cmd.Text,
			Type:           chat.MessageType(cmd.MessageType),
		}); err != nil {
			return fail(err)
		}
		n, err := s.queue.Size()
		if err != nil {
			return fail(err)
		}
		res.PendingOutbox = n
	case "flush_outbox":
		if err := s.queue.Flush(ctx); err != nil {
			return fail(err)
		}
		n, err := s.queue.Size()
		if err != nil {
			return fail(err)
		}
		res.PendingOutbox = n
	case "cleanup":
		s.store.CleanupSubscription(cmd.ConversationID)
	case "clear":
		if cmd.ConversationID == "" {
			s.store.ClearAll()
		} else {
			s.store.Clear(cmd.ConversationID)
		}
	case "logout":
		s.dir.Cleanup()
		s.store.Reset()
	default:
		return fail(fmt.Errorf("unknown op %q", cmd.Op))
	}
	return res
}

// WaitListening polls until the socket accepts connections, for callers
// that start the server in a goroutine.
func (s *Server) WaitListening(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", s.socketPath)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("socket %s not accepting connections", s.socketPath)
}
