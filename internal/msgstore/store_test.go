package msgstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flareapp/flare/internal/bus"
	"github.com/flareapp/flare/internal/cache"
	"github.com/flareapp/flare/internal/chat"
	"github.com/flareapp/flare/internal/feed"
	"github.com/flareapp/flare/internal/gateway/gatewaytest"
	"go.uber.org/zap"
)

type fixture struct {
	store *Store
	fake  *gatewaytest.Fake
	cache *cache.Cache
	feeds *feed.Manager
	bus   *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	c := cache.New(db, logger)
	fake := gatewaytest.New()
	feeds := feed.NewManager(fake, logger)
	b := bus.New()
	return &fixture{
		store: NewStore(fake, c, feeds, b, logger),
		fake:  fake,
		cache: c,
		feeds: feeds,
		bus:   b,
	}
}

func sentMsg(convID, id, sender, text string) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: convID,
		Sender:         sender,
		Text:           text,
		Timestamp:      time.Unix(1000, 0).UTC(),
		Status:         chat.StatusSent,
		Type:           chat.TypeText,
	}
}

// TestCacheFirstPaint: with a populated cache and a live feed that has not
// delivered yet, FetchMessages must populate state from cache immediately.
func TestCacheFirstPaint(t *testing.T) {
	f := newFixture(t)
	f.cache.Save("c1", []chat.Message{sentMsg("c1", "m1", "peer", "hey")})

	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatalf("FetchMessages() error = %v", err)
	}

	msgs := f.store.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v, want cached m1 before any snapshot", msgs)
	}
	if !f.store.Loading("c1") {
		t.Error("Loading = false, want true until the first snapshot arrives")
	}
}

func TestSnapshotReplacesCacheAndPersists(t *testing.T) {
	f := newFixture(t)
	f.cache.Save("c1", []chat.Message{sentMsg("c1", "m1", "peer", "hey")})

	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	f.fake.PushSnapshot("c1", []chat.Message{
		sentMsg("c1", "m1", "peer", "hey"),
		sentMsg("c1", "m2", "peer", "you there?"),
	})

	msgs := f.store.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (full replace)", len(msgs))
	}
	if f.store.Loading("c1") {
		t.Error("Loading = true after first snapshot, want false")
	}
	if got := f.cache.Load("c1"); len(got) != 2 {
		t.Errorf("cache holds %d messages, want 2 (re-persisted)", len(got))
	}
}

// TestFetchIdempotent: fetching twice must not leak a second live feed.
func TestFetchIdempotent(t *testing.T) {
	f := newFixture(t)

	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if n := f.fake.ActiveSubs("c1"); n != 1 {
		t.Errorf("active feeds = %d, want 1", n)
	}
}

// TestFetchDegradesToCacheOnly: a feed-open failure surfaces once but the
// cached messages stay visible.
func TestFetchDegradesToCacheOnly(t *testing.T) {
	f := newFixture(t)
	f.cache.Save("c1", []chat.Message{sentMsg("c1", "m1", "peer", "hey")})
	f.fake.SubscribeErr = errors.New("missing index")

	err := f.store.FetchMessages(context.Background(), "c1")
	if err == nil {
		t.Fatal("FetchMessages() should surface the feed-open error")
	}
	if msgs := f.store.Messages("c1"); len(msgs) != 1 {
		t.Errorf("cached messages gone after feed failure: %+v", msgs)
	}
	if f.store.Loading("c1") {
		t.Error("Loading should be cleared after a failed subscribe")
	}
}

// The placeholder appends at the end with status sending and is reconciled
// at the same index with the server id and status sent.
func TestOptimisticSendOrdering(t *testing.T) {
	f := newFixture(t)
	f.cache.Save("c1", []chat.Message{sentMsg("c1", "m1", "u1", "hey")})
	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	observed := make(chan chat.Message, 1)
	f.fake.SendDelay = func() {
		msgs := f.store.Messages("c1")
		observed <- msgs[len(msgs)-1]
	}

	err := f.store.Send(context.Background(), chat.Message{ConversationID: "c1", Sender: "u1", Text: "yo"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// While the gateway call was in flight the placeholder was visible.
	placeholder := <-observed
	if placeholder.Status != chat.StatusSending {
		t.Errorf("in-flight status = %s, want sending", placeholder.Status)
	}
	if !strings.HasPrefix(placeholder.ID, "temp-") {
		t.Errorf("in-flight id = %q, want temp- prefix", placeholder.ID)
	}
	if placeholder.Text != "yo" {
		t.Errorf("in-flight text = %q, want yo", placeholder.Text)
	}

	// After the ack the same index holds the confirmed message.
	msgs := f.store.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	final := msgs[1]
	if final.ID != "srv-1" {
		t.Errorf("final id = %q, want srv-1", final.ID)
	}
	if final.Status != chat.StatusSent {
		t.Errorf("final status = %s, want sent", final.Status)
	}
	if msgs[0].ID != "m1" {
		t.Errorf("first message = %q, want m1 (no reorder)", msgs[0].ID)
	}
}

// TestFailedSendStaysVisible: on gateway rejection the placeholder flips to
// failed, stays in the sequence, and Send returns the error.
func TestFailedSendStaysVisible(t *testing.T) {
	f := newFixture(t)
	f.fake.SendErr = fmt.Errorf("network down")

	err := f.store.Send(context.Background(), chat.Message{ConversationID: "c1", Sender: "u1", Text: "yo"})
	if err == nil {
		t.Fatal("Send() should return the gateway error")
	}

	msgs := f.store.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (failed send not dropped)", len(msgs))
	}
	if msgs[0].Status != chat.StatusFailed {
		t.Errorf("status = %s, want failed", msgs[0].Status)
	}
	if !strings.HasPrefix(msgs[0].ID, "temp-") {
		t.Errorf("id = %q, want client temp id kept", msgs[0].ID)
	}
}

func TestRetryFailedSend(t *testing.T) {
	f := newFixture(t)
	f.fake.SendErr = fmt.Errorf("network down")

	_ = f.store.Send(context.Background(), chat.Message{ConversationID: "c1", Sender: "u1", Text: "yo"})
	failed := f.store.Messages("c1")[0]

	f.fake.SendErr = nil
	if err := f.store.Retry(context.Background(), "c1", failed.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	msgs := f.store.Messages("c1")
	if msgs[0].Status != chat.StatusSent {
		t.Errorf("status = %s, want sent after retry", msgs[0].Status)
	}
	if msgs[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", msgs[0].RetryCount)
	}
}

func TestConcurrentSendsGetDistinctPlaceholders(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = f.store.Send(context.Background(), chat.Message{
				ConversationID: "c1", Sender: "u1", Text: fmt.Sprintf("msg %d", n),
			})
		}(i)
	}
	wg.Wait()

	msgs := f.store.Messages("c1")
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	seen := make(map[string]bool)
	for _, m := range msgs {
		if seen[m.ID] {
			t.Errorf("duplicate id %q", m.ID)
		}
		seen[m.ID] = true
		if m.Status != chat.StatusSent {
			t.Errorf("status = %s, want sent", m.Status)
		}
	}
}

func TestSendMedia(t *testing.T) {
	f := newFixture(t)

	observed := make(chan chat.Message, 1)
	f.fake.SendDelay = func() {
		msgs := f.store.Messages("c1")
		observed <- msgs[len(msgs)-1]
	}

	err := f.store.SendMedia(context.Background(), "file:///tmp/pic.jpg", "c1", "u1", chat.TypeImage)
	if err != nil {
		t.Fatalf("SendMedia() error = %v", err)
	}

	inFlight := <-observed
	if inFlight.MediaURL == "" {
		t.Error("in-flight message should carry the uploaded URL")
	}

	msgs := f.store.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Status != chat.StatusSent {
		t.Errorf("status = %s, want sent", m.Status)
	}
	if m.Type != chat.TypeImage {
		t.Errorf("type = %s, want image", m.Type)
	}
	if m.LocalURI != "" {
		t.Errorf("local uri = %q, want cleared after send", m.LocalURI)
	}
	if m.MediaURL == "" {
		t.Error("media url missing after upload")
	}
}

func TestSendMediaUploadFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.UploadErr = fmt.Errorf("storage quota")

	err := f.store.SendMedia(context.Background(), "file:///tmp/pic.jpg", "c1", "u1", chat.TypeImage)
	if err == nil {
		t.Fatal("SendMedia() should return the upload error")
	}

	msgs := f.store.Messages("c1")
	if len(msgs) != 1 || msgs[0].Status != chat.StatusFailed {
		t.Errorf("messages = %+v, want one failed placeholder", msgs)
	}
	if msgs[0].LocalURI == "" {
		t.Error("failed media placeholder should keep its local uri for retry")
	}
}

func TestSendMediaSendFailure(t *testing.T) {
	f := newFixture(t)
	f.fake.SendErr = fmt.Errorf("rejected")

	err := f.store.SendMedia(context.Background(), "file:///tmp/pic.jpg", "c1", "u1", chat.TypeGIF)
	if err == nil {
		t.Fatal("SendMedia() should return the send error")
	}
	msgs := f.store.Messages("c1")
	if len(msgs) != 1 || msgs[0].Status != chat.StatusFailed {
		t.Errorf("messages = %+v, want one failed placeholder", msgs)
	}
}

// TestReadMarkingSymmetry: after MarkRead(c, alice) every message not sent
// by alice is read locally, alice's own messages untouched, and the gateway
// saw the remote call.
func TestReadMarkingSymmetry(t *testing.T) {
	f := newFixture(t)
	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	f.fake.PushSnapshot("c1", []chat.Message{
		sentMsg("c1", "m1", "bob", "hi"),
		sentMsg("c1", "m2", "alice", "hey"),
		sentMsg("c1", "m3", "bob", "coffee?"),
	})

	if err := f.store.MarkRead(context.Background(), "c1", "alice"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}

	for _, m := range f.store.Messages("c1") {
		if m.Sender == "alice" {
			if m.Read {
				t.Errorf("alice's own message %s flipped to read", m.ID)
			}
			continue
		}
		if !m.Read {
			t.Errorf("peer message %s not marked read", m.ID)
		}
		if m.Status != chat.StatusRead {
			t.Errorf("peer message %s status = %s, want read", m.ID, m.Status)
		}
	}

	calls := f.fake.ReadCalls()
	if len(calls) != 1 || calls[0].UserID != "alice" {
		t.Errorf("gateway read calls = %+v, want one for alice", calls)
	}
}

func TestMarkReadRemoteFailureLeavesLocalState(t *testing.T) {
	f := newFixture(t)
	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	f.fake.PushSnapshot("c1", []chat.Message{sentMsg("c1", "m1", "bob", "hi")})
	f.fake.MarkReadErr = fmt.Errorf("offline")

	if err := f.store.MarkRead(context.Background(), "c1", "alice"); err == nil {
		t.Fatal("MarkRead() should surface the gateway error")
	}
	if f.store.Messages("c1")[0].Read {
		t.Error("message marked read locally despite remote failure")
	}
}

// TestTeardownCorrectness: after CleanupSubscription a simulated server
// push must not mutate the conversation's messages.
func TestTeardownCorrectness(t *testing.T) {
	f := newFixture(t)
	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	f.fake.PushSnapshot("c1", []chat.Message{sentMsg("c1", "m1", "bob", "hi")})

	f.store.CleanupSubscription("c1")

	// Fire every callback the gateway ever saw, live or stale.
	for _, cb := range f.fake.Callbacks("c1") {
		cb([]chat.Message{sentMsg("c1", "ghost", "bob", "late push")})
	}

	msgs := f.store.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("messages mutated after teardown: %+v", msgs)
	}
}

// TestFullClear: ClearAll empties messages, loading and sending state and
// removes every messages_* cache entry.
func TestFullClear(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"c1", "c2"} {
		if err := f.store.FetchMessages(context.Background(), id); err != nil {
			t.Fatal(err)
		}
		f.fake.PushSnapshot(id, []chat.Message{sentMsg(id, "m1", "bob", "hi")})
	}

	f.store.ClearAll()

	if !f.store.Empty() {
		t.Error("store state not empty after ClearAll")
	}
	if f.cache.Load("c1") != nil || f.cache.Load("c2") != nil {
		t.Error("cache entries survive ClearAll")
	}
}

func TestClearSingleConversation(t *testing.T) {
	f := newFixture(t)
	f.cache.Save("c1", []chat.Message{sentMsg("c1", "m1", "bob", "hi")})
	f.cache.Save("c2", []chat.Message{sentMsg("c2", "m2", "carol", "yo")})
	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	f.store.Clear("c1")

	if msgs := f.store.Messages("c1"); msgs != nil {
		t.Errorf("messages survive Clear: %+v", msgs)
	}
	if f.cache.Load("c1") != nil {
		t.Error("cache entry survives Clear")
	}
	if f.cache.Load("c2") == nil {
		t.Error("unrelated cache entry removed by Clear(c1)")
	}
}

func TestResetTearsDownEverything(t *testing.T) {
	f := newFixture(t)

	ch, unsub := f.bus.Subscribe(bus.KindSessionReset, 1)
	defer unsub()

	if err := f.store.FetchMessages(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	f.fake.PushSnapshot("c1", []chat.Message{sentMsg("c1", "m1", "bob", "hi")})

	f.store.Reset()

	if n := f.fake.ActiveSubs("c1"); n != 0 {
		t.Errorf("active feeds = %d, want 0 after Reset", n)
	}
	if !f.store.Empty() {
		t.Error("store state not empty after Reset")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session.reset event")
	}
}

func TestSendAckEventPublished(t *testing.T) {
	f := newFixture(t)

	ch, unsub := f.bus.Subscribe(bus.KindMessageSendAck, 4)
	defer unsub()

	if err := f.store.Send(context.Background(), chat.Message{ConversationID: "c1", Sender: "u1", Text: "yo"}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		ack, ok := evt.Payload.(chat.SendAck)
		if !ok {
			t.Fatalf("payload type = %T, want chat.SendAck", evt.Payload)
		}
		if ack.ServerID != "srv-1" {
			t.Errorf("server id = %q, want srv-1", ack.ServerID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}
}
