package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/infergate/infergate/internal/reconstruct"
)

type countingObserver struct {
	mu     sync.Mutex
	frames map[string]int
	drops  int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{frames: make(map[string]int)}
}

func (o *countingObserver) RecordFrame(kind string) {
	o.mu.Lock()
	o.frames[kind]++
	o.mu.Unlock()
}

func (o *countingObserver) RecordSubscriberDrop() {
	o.mu.Lock()
	o.drops++
	o.mu.Unlock()
}

func TestBroadcastFanOut(t *testing.T) {
	st := NewStore()
	r := NewRelay(st, nil)
	s := st.Create(Input{})

	subs := []*recordingSub{newRecordingSub(), newRecordingSub(), newRecordingSub()}
	for _, sub := range subs {
		st.Attach(s.ID, sub)
	}

	if n := r.Broadcast(s.ID, chunkFrame("hi")); n != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n)
	}
	for i, sub := range subs {
		kinds := sub.kinds()
		if len(kinds) != 1 || kinds[0] != FrameChunk {
			t.Fatalf("subscriber %d frames: %v", i, kinds)
		}
	}

	if n := r.Broadcast("sess_unknown", chunkFrame("hi")); n != 0 {
		t.Fatalf("broadcast to unknown session delivered %d", n)
	}
}

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	st := NewStore()
	r := NewRelay(st, nil)
	obs := newCountingObserver()
	r.SetObserver(obs)
	s := st.Create(Input{})

	healthy := newRecordingSub()
	broken := newRecordingSub()
	broken.sendErr = errors.New("client gone")
	st.Attach(s.ID, healthy)
	st.Attach(s.ID, broken)

	if n := r.Broadcast(s.ID, chunkFrame("one")); n != 1 {
		t.Fatalf("expected 1 delivery past the broken subscriber, got %d", n)
	}
	if !broken.isClosed() {
		t.Fatalf("failing subscriber was not closed")
	}
	if obs.drops != 1 {
		t.Fatalf("expected 1 recorded drop, got %d", obs.drops)
	}

	// The healthy subscriber keeps receiving after the drop.
	if n := r.Broadcast(s.ID, chunkFrame("two")); n != 1 {
		t.Fatalf("expected 1 delivery after drop, got %d", n)
	}
	if kinds := healthy.kinds(); len(kinds) != 2 {
		t.Fatalf("healthy subscriber frames: %v", kinds)
	}
	if obs.frames[string(FrameChunk)] != 2 {
		t.Fatalf("frame counts: %v", obs.frames)
	}
}

func TestBroadcastTerminalClosesAll(t *testing.T) {
	st := NewStore()
	r := NewRelay(st, nil)
	s := st.Create(Input{})

	subs := []*recordingSub{newRecordingSub(), newRecordingSub()}
	for _, sub := range subs {
		st.Attach(s.ID, sub)
	}

	if n := r.Broadcast(s.ID, completeFrame(reconstruct.Result{Text: "done"})); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	for i, sub := range subs {
		if !sub.isClosed() {
			t.Fatalf("subscriber %d not closed after terminal frame", i)
		}
	}
	if n := r.Broadcast(s.ID, chunkFrame("late")); n != 0 {
		t.Fatalf("delivery after terminal frame: %d", n)
	}
}
