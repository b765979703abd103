package chat

import (
	"errors"
	"testing"
)

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
	}{
		{StatusSending, StatusSent},
		{StatusSending, StatusFailed},
		{StatusUploading, StatusSent},
		{StatusUploading, StatusFailed},
		{StatusFailed, StatusSending},
		{StatusSent, StatusDelivered},
		{StatusSent, StatusRead},
		{StatusDelivered, StatusRead},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := &Message{ID: "m1", Status: tt.from}
			if err := Transition(m, tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Status != tt.to {
				t.Errorf("status = %s, want %s", m.Status, tt.to)
			}
		})
	}
}

// TestFailedNeverBecomesSent is the core invariant of the send pipeline: a
// failed message requires an explicit retry (failed -> sending) before it
// can ever reach sent.
func TestFailedNeverBecomesSent(t *testing.T) {
	m := &Message{ID: "m1", Status: StatusFailed}
	if err := Transition(m, StatusSent); err == nil {
		t.Fatal("Transition(failed -> sent) should fail")
	}
	if m.Status != StatusFailed {
		t.Errorf("status = %s, want failed (unchanged)", m.Status)
	}

	// The retry path works.
	if err := Transition(m, StatusSending); err != nil {
		t.Fatalf("failed -> sending: %v", err)
	}
	if err := Transition(m, StatusSent); err != nil {
		t.Fatalf("sending -> sent: %v", err)
	}
}

func TestFailedNeverBecomesRead(t *testing.T) {
	m := &Message{ID: "m1", Status: StatusFailed}
	err := Transition(m, StatusRead)
	if err == nil {
		t.Fatal("Transition(failed -> read) should fail")
	}
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Errorf("error type = %T, want *InvalidTransitionError", err)
	}
	if invalid.From != StatusFailed || invalid.To != StatusRead {
		t.Errorf("error = %v, want failed -> read", invalid)
	}
}

func TestReadIsTerminal(t *testing.T) {
	for _, to := range []Status{StatusSending, StatusSent, StatusDelivered, StatusFailed, StatusUploading} {
		if CanTransition(StatusRead, to) {
			t.Errorf("CanTransition(read -> %s) = true, want false", to)
		}
	}
}

func TestUploadLifecycle(t *testing.T) {
	m := &Message{ID: "m1", Status: StatusUploading, Type: TypeImage}

	steps := []Status{StatusFailed, StatusSending, StatusSent, StatusRead}
	for _, s := range steps {
		if err := Transition(m, s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Status)
		}
	}
	if m.Status != StatusRead {
		t.Errorf("final status = %s, want read", m.Status)
	}
}
