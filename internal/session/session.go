package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/infergate/infergate/internal/reconstruct"
	"github.com/infergate/infergate/internal/upstream"
)

// Outcome is the tri-state terminal status of a session. It transitions
// pending -> complete or pending -> failed exactly once.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeComplete Outcome = "complete"
	OutcomeFailed   Outcome = "failed"
)

// Input is the payload a session was created with.
type Input struct {
	Model       string
	Messages    []upstream.Message
	Temperature *float64
	MaxTokens   int
	Shape       reconstruct.Shape
}

// Subscriber is a live push-connection handle attached to one session.
// Send returns an error when the client is gone; the relay then removes the
// subscriber without affecting delivery to others. Close ends the
// connection after a terminal frame.
type Subscriber interface {
	Send(Frame) error
	Close()
}

// Session holds the state of one in-flight or completed streaming inference
// request. All mutable fields are guarded by mu; the Store serializes every
// mutation per session.
type Session struct {
	ID        string
	Input     Input
	CreatedAt time.Time

	mu      sync.Mutex
	subs    []Subscriber
	buf     strings.Builder
	outcome Outcome
	result  reconstruct.Result
	failure string
	started bool
	cancel  context.CancelFunc // abort handle for the in-flight upstream call
}

// Snapshot is a read-only view of session state served to polling clients.
type Snapshot struct {
	ID          string    `json:"id"`
	Outcome     Outcome   `json:"outcome"`
	Subscribers int       `json:"subscribers"`
	OutputBytes int       `json:"output_bytes"`
	Failure     string    `json:"failure,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// terminalFrame returns the cached complete/error frame, if any. Caller
// holds mu.
func (s *Session) terminalFrame() (Frame, bool) {
	switch s.outcome {
	case OutcomeComplete:
		return completeFrame(s.result), true
	case OutcomeFailed:
		return errorFrame(s.failure), true
	default:
		return Frame{}, false
	}
}
