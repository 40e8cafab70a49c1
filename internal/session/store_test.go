package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/infergate/infergate/internal/reconstruct"
)

// recordingSub is an in-memory Subscriber for exercising the store and relay.
type recordingSub struct {
	mu      sync.Mutex
	frames  []Frame
	sendErr error
	closed  bool
	done    chan struct{}
}

func newRecordingSub() *recordingSub {
	return &recordingSub{done: make(chan struct{})}
}

func (s *recordingSub) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, f)
	if f.Terminal() {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
	return nil
}

func (s *recordingSub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSub) kinds() []FrameKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FrameKind, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.Kind)
	}
	return out
}

func (s *recordingSub) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for terminal frame")
	}
}

func TestMarkStartedSingleFlight(t *testing.T) {
	st := NewStore()
	s := st.Create(Input{Model: "gpt-4o-mini"})

	const callers = 32
	var wg sync.WaitGroup
	var winners int
	var mu sync.Mutex
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if st.MarkStarted(s.ID) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one MarkStarted winner, got %d", winners)
	}
	if st.MarkStarted("sess_unknown") {
		t.Fatalf("MarkStarted should refuse unknown sessions")
	}
}

func TestAttachAndDetach(t *testing.T) {
	st := NewStore()
	s := st.Create(Input{})
	sub := newRecordingSub()

	if _, done, err := st.Attach(s.ID, sub); err != nil || done {
		t.Fatalf("Attach pending: done=%t err=%v", done, err)
	}
	snap, _ := st.Snapshot(s.ID)
	if snap.Subscribers != 1 {
		t.Fatalf("expected 1 subscriber, got %d", snap.Subscribers)
	}

	st.Detach(s.ID, sub)
	snap, _ = st.Snapshot(s.ID)
	if snap.Subscribers != 0 {
		t.Fatalf("expected 0 subscribers after detach, got %d", snap.Subscribers)
	}

	if _, _, err := st.Attach("sess_unknown", sub); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachAfterTerminalReplaysOnlyFinalFrame(t *testing.T) {
	st := NewStore()
	s := st.Create(Input{})
	st.AppendOutput(s.ID, "hello ")
	st.AppendOutput(s.ID, "world")
	if !st.Complete(s.ID, reconstruct.Result{Text: "hello world"}) {
		t.Fatalf("Complete failed")
	}

	sub := newRecordingSub()
	frame, done, err := st.Attach(s.ID, sub)
	if err != nil || !done {
		t.Fatalf("Attach terminal: done=%t err=%v", done, err)
	}
	if frame.Kind != FrameComplete {
		t.Fatalf("expected complete frame, got %s", frame.Kind)
	}
	snap, _ := st.Snapshot(s.ID)
	if snap.Subscribers != 0 {
		t.Fatalf("late subscriber must not be attached, got %d", snap.Subscribers)
	}
}

func TestOutcomeTransitionsOnce(t *testing.T) {
	st := NewStore()
	s := st.Create(Input{})

	if !st.Complete(s.ID, reconstruct.Result{Text: "ok"}) {
		t.Fatalf("first Complete must win")
	}
	if st.Complete(s.ID, reconstruct.Result{Text: "again"}) {
		t.Fatalf("second Complete must be refused")
	}
	if st.Fail(s.ID, "late failure") {
		t.Fatalf("Fail after Complete must be refused")
	}
	snap, _ := st.Snapshot(s.ID)
	if snap.Outcome != OutcomeComplete || snap.Failure != "" {
		t.Fatalf("terminal state overwritten: %+v", snap)
	}

	f := st.Create(Input{})
	if !st.Fail(f.ID, "upstream gone") {
		t.Fatalf("first Fail must win")
	}
	if st.Complete(f.ID, reconstruct.Result{}) {
		t.Fatalf("Complete after Fail must be refused")
	}
}

func TestAppendOutputStopsAtTerminal(t *testing.T) {
	st := NewStore()
	s := st.Create(Input{})
	st.AppendOutput(s.ID, "abc")
	st.Complete(s.ID, reconstruct.Result{Text: "abc"})
	st.AppendOutput(s.ID, "late delta")
	if got := st.Output(s.ID); got != "abc" {
		t.Fatalf("buffer mutated after terminal transition: %q", got)
	}
}

func TestEvictIfIdle(t *testing.T) {
	st := NewStore()

	idle := st.Create(Input{})
	if !st.EvictIfIdle(idle.ID) {
		t.Fatalf("idle session should be evicted")
	}
	if _, ok := st.Get(idle.ID); ok {
		t.Fatalf("evicted session still present")
	}

	watched := st.Create(Input{})
	st.Attach(watched.ID, newRecordingSub())
	if st.EvictIfIdle(watched.ID) {
		t.Fatalf("session with a subscriber must not be evicted")
	}

	started := st.Create(Input{})
	st.MarkStarted(started.ID)
	if st.EvictIfIdle(started.ID) {
		t.Fatalf("started session must not be evicted")
	}
}

func TestAbort(t *testing.T) {
	st := NewStore()
	s := st.Create(Input{})

	if st.Abort(s.ID) {
		t.Fatalf("abort without an active call should report false")
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.SetCancel(s.ID, cancel)
	if !st.Abort(s.ID) {
		t.Fatalf("abort with an active call should report true")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("abort did not cancel the session context")
	}
}
