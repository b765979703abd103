package chat

import (
	"fmt"
	"slices"
)

// Status represents a message delivery state.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusUploading Status = "uploading"
)

// validTransitions defines allowed status transitions. A failed message
// never becomes sent on its own; it must go back through sending via an
// explicit retry. delivered and read are only ever driven by the live feed.
var validTransitions = map[Status][]Status{
	StatusSending:   {StatusSent, StatusFailed},
	StatusUploading: {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusFailed:    {StatusSending},
	StatusRead:      {},
}

// InvalidTransitionError is returned when a status transition is not allowed.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid message status transition from %s to %s", e.From, e.To)
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition moves the message to a new status, rejecting illegal moves.
func Transition(m *Message, to Status) error {
	if !CanTransition(m.Status, to) {
		return &InvalidTransitionError{From: m.Status, To: to}
	}
	m.Status = to
	return nil
}
