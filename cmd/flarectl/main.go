package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/flareapp/flare/internal/daemon"
	"github.com/flareapp/flare/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	asFlag := flag.String("as", "", "acting user id (for send/read)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	conn, err := dial(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	switch args[0] {
	case "messages":
		requireArgs(args, 2, "flarectl messages <conversation-id>")
		res := do(conn, daemon.Command{Op: "fetch", ConversationID: args[1]})
		printMessages(res, *jsonFlag)
	case "send":
		requireArgs(args, 3, "flarectl --as <user> send <conversation-id> <text>")
		requireUser(*asFlag)
		res := do(conn, daemon.Command{Op: "send", ConversationID: args[1], Sender: *asFlag, Text: args[2]})
		printOK(res, *jsonFlag)
	case "read":
		requireArgs(args, 2, "flarectl --as <user> read <conversation-id>")
		requireUser(*asFlag)
		res := do(conn, daemon.Command{Op: "mark_read", ConversationID: args[1], UserID: *asFlag})
		printOK(res, *jsonFlag)
	case "conversations":
		requireUser(*asFlag)
		res := do(conn, daemon.Command{Op: "fetch_conversations", UserID: *asFlag})
		printConversations(res, *jsonFlag)
	case "search":
		requireArgs(args, 2, "flarectl search <query> [conversation-id]")
		cmd := daemon.Command{Op: "search", Query: args[1], Limit: 20}
		if len(args) > 2 {
			cmd.ConversationID = args[2]
		}
		res := do(conn, cmd)
		printHits(res, *jsonFlag)
	case "queue":
		requireArgs(args, 3, "flarectl --as <user> queue <conversation-id> <text>")
		requireUser(*asFlag)
		res := do(conn, daemon.Command{Op: "queue_send", ConversationID: args[1], Sender: *asFlag, Text: args[2]})
		if res.OK {
			fmt.Printf("Queued, %d pending\n", res.PendingOutbox)
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
			os.Exit(1)
		}
	case "flush":
		res := do(conn, daemon.Command{Op: "flush_outbox"})
		if res.OK {
			fmt.Printf("Outbox flushed, %d pending\n", res.PendingOutbox)
		} else {
			fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
			os.Exit(1)
		}
	case "tail":
		tail(conn)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: flarectl [--session <name>] [--as <user-id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  messages <conv-id>        Fetch and print a conversation")
	fmt.Fprintln(os.Stderr, "  send <conv-id> <text>     Send a message (requires --as)")
	fmt.Fprintln(os.Stderr, "  read <conv-id>            Mark a conversation read (requires --as)")
	fmt.Fprintln(os.Stderr, "  conversations             List conversations (requires --as)")
	fmt.Fprintln(os.Stderr, "  search <query> [conv-id]  Full-text search cached messages")
	fmt.Fprintln(os.Stderr, "  queue <conv-id> <text>    Park a send for later replay (requires --as)")
	fmt.Fprintln(os.Stderr, "  flush                     Replay the offline outbox")
	fmt.Fprintln(os.Stderr, "  tail                      Stream daemon events")
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: %s\n", usage)
		os.Exit(1)
	}
}

func requireUser(userID string) {
	if userID == "" {
		fmt.Fprintln(os.Stderr, "error: --as <user-id> required")
		os.Exit(1)
	}
}

func dial(socketPath string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := dialer.DialContext(ctx, "ws://flared/ws", nil)
	return conn, err
}

// do sends one command and waits for its result, skipping event frames.
func do(conn *websocket.Conn, cmd daemon.Command) daemon.Result {
	cmd.RequestID = uuid.NewString()
	if err := conn.WriteJSON(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		var res daemon.Result
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		if res.Op == "result" && res.RequestID == cmd.RequestID {
			return res
		}
	}
}

func tail(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Time{})
		_, data, err := conn.ReadMessage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		var env daemon.EventEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Op != "event" {
			continue
		}
		fmt.Printf("%s %s %v\n", time.UnixMilli(env.OccurredAtUnixMs).Format(time.RFC3339), env.Kind, env.Payload)
	}
}

func printOK(res daemon.Result, jsonOut bool) {
	if !res.OK {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(res)
		return
	}
	fmt.Println("ok")
}

func printMessages(res daemon.Result, jsonOut bool) {
	if !res.OK {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(res.Messages)
		return
	}
	if res.LoadingMessage {
		fmt.Println("(refreshing from gateway)")
	}
	for _, m := range res.Messages {
		marker := " "
		if m.Status != "" && m.Status != "sent" && m.Status != "delivered" && m.Status != "read" {
			marker = string(m.Status[0])
		}
		fmt.Printf("%s [%s] %s: %s\n", marker, m.Timestamp.Format("15:04"), m.Sender, m.Text)
	}
}

func printConversations(res daemon.Result, jsonOut bool) {
	if !res.OK {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(res.Conversations)
		return
	}
	if len(res.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, c := range res.Conversations {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Printf("%-24s %s%s\n", c.Peer.Name, c.LastMessage.Text, unread)
	}
}

func printHits(res daemon.Result, jsonOut bool) {
	if !res.OK {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Error)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(res.Hits)
		return
	}
	if len(res.Hits) == 0 {
		fmt.Println("No results.")
		return
	}
	for _, h := range res.Hits {
		fmt.Printf("%s %s: %s\n", h.ConversationID, h.Sender, h.Snippet)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
