// Package gatewaytest provides an in-memory gateway fake for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/flareapp/flare/internal/chat"
	"github.com/flareapp/flare/internal/gateway"
)

// Fake is an in-memory gateway.Gateway. Tests drive it by pushing
// snapshots and configuring errors.
type Fake struct {
	mu sync.Mutex

	SendErr      error
	UploadErr    error
	SubscribeErr error
	MarkReadErr  error
	SendDelay    func() // called inside Send while holding no lock, for interleaving tests

	nextID    int
	sendCalls []chat.Message
	readCalls []ReadCall

	msgSubs map[string][]*msgSub
	dirSubs map[string][]*dirSub
}

// ReadCall records one MarkRead invocation.
type ReadCall struct {
	ConversationID string
	UserID         string
}

type msgSub struct {
	fn     gateway.SnapshotFunc
	active bool
}

type dirSub struct {
	fn     gateway.DirectorySnapshotFunc
	active bool
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		msgSubs: make(map[string][]*msgSub),
		dirSubs: make(map[string][]*dirSub),
	}
}

func (f *Fake) SubscribeMessages(_ context.Context, conversationID string, onSnapshot gateway.SnapshotFunc) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	sub := &msgSub{fn: onSnapshot, active: true}
	f.msgSubs[conversationID] = append(f.msgSubs[conversationID], sub)
	return func() {
		f.mu.Lock()
		sub.active = false
		f.mu.Unlock()
	}, nil
}

func (f *Fake) Send(_ context.Context, msg chat.Message) (string, error) {
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, msg)
	delay := f.SendDelay
	err := f.SendErr
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.mu.Unlock()

	if delay != nil {
		delay()
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (f *Fake) MarkRead(_ context.Context, conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MarkReadErr != nil {
		return f.MarkReadErr
	}
	f.readCalls = append(f.readCalls, ReadCall{ConversationID: conversationID, UserID: userID})
	return nil
}

func (f *Fake) UploadMedia(_ context.Context, localURI, conversationID, tempID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	return "https://media.flare.app/" + conversationID + "/" + tempID, nil
}

func (f *Fake) SubscribeConversations(_ context.Context, userID string, onSnapshot gateway.DirectorySnapshotFunc) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	sub := &dirSub{fn: onSnapshot, active: true}
	f.dirSubs[userID] = append(f.dirSubs[userID], sub)
	return func() {
		f.mu.Lock()
		sub.active = false
		f.mu.Unlock()
	}, nil
}

// PushSnapshot simulates a server push to every live feed of a conversation.
func (f *Fake) PushSnapshot(conversationID string, msgs []chat.Message) {
	f.mu.Lock()
	var fns []gateway.SnapshotFunc
	for _, sub := range f.msgSubs[conversationID] {
		if sub.active {
			fns = append(fns, sub.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msgs)
	}
}

// PushDirectory simulates a server push on a user's directory feed.
func (f *Fake) PushDirectory(userID string, convs []chat.Conversation) {
	f.mu.Lock()
	var fns []gateway.DirectorySnapshotFunc
	for _, sub := range f.dirSubs[userID] {
		if sub.active {
			fns = append(fns, sub.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(convs)
	}
}

// Callbacks returns every snapshot callback ever registered for a
// conversation, active or not, so tests can fire stale ones directly.
func (f *Fake) Callbacks(conversationID string) []gateway.SnapshotFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	var fns []gateway.SnapshotFunc
	for _, sub := range f.msgSubs[conversationID] {
		fns = append(fns, sub.fn)
	}
	return fns
}

// ActiveSubs returns the number of live feeds for a conversation.
func (f *Fake) ActiveSubs(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.msgSubs[conversationID] {
		if sub.active {
			n++
		}
	}
	return n
}

// SendCalls returns a copy of all recorded Send calls.
func (f *Fake) SendCalls() []chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Message, len(f.sendCalls))
	copy(out, f.sendCalls)
	return out
}

// ReadCalls returns a copy of all recorded MarkRead calls.
func (f *Fake) ReadCalls() []ReadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReadCall, len(f.readCalls))
	copy(out, f.readCalls)
	return out
}
