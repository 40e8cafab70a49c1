package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infergate/infergate/internal/reconstruct"
)

// ErrNotFound is returned for unknown or already-evicted session ids.
var ErrNotFound = errors.New("session: not found")

// Store is the in-memory session registry. The map lock covers only
// create/get/evict; every per-session mutation is serialized by the
// session's own mutex so sessions mutate independently.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty registry.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// newID builds a time-based id with a random suffix. Collisions are
// negligible: nanosecond timestamp plus a uuid fragment.
func newID() string {
	suffix := strings.SplitN(uuid.New().String(), "-", 2)[0]
	return fmt.Sprintf("sess_%d_%s", time.Now().UnixNano(), suffix)
}

// Create registers a new pending session and returns it.
func (st *Store) Create(input Input) *Session {
	s := &Session{
		ID:        newID(),
		Input:     input,
		CreatedAt: time.Now(),
		outcome:   OutcomePending,
	}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	return s
}

// Get returns the session for id, if present.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	return s, ok
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Attach adds a subscriber to a pending session. If the session already
// reached a terminal outcome the subscriber is not attached; instead the
// cached terminal frame is returned with done=true so the caller can replay
// it and close. Earlier chunks are never replayed.
func (st *Store) Attach(id string, sub Subscriber) (Frame, bool, error) {
	s, ok := st.Get(id)
	if !ok {
		return Frame{}, false, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame, done := s.terminalFrame(); done {
		return frame, true, nil
	}
	s.subs = append(s.subs, sub)
	return Frame{}, false, nil
}

// Detach removes a subscriber. Detaching the last subscriber does not
// cancel an in-flight upstream call.
func (st *Store) Detach(id string, sub Subscriber) {
	s, ok := st.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = removeSubscriber(s.subs, sub)
}

func removeSubscriber(subs []Subscriber, sub Subscriber) []Subscriber {
	for i, cur := range subs {
		if cur == sub {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// MarkStarted is the single-flight gate: it returns true for exactly one
// caller per session, false for every later (or concurrent) caller.
func (st *Store) MarkStarted(id string) bool {
	s, ok := st.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

// SetCancel installs the abort handle for the in-flight upstream call.
func (st *Store) SetCancel(id string, cancel context.CancelFunc) {
	s, ok := st.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Abort cancels the in-flight upstream call irrespective of subscriber
// count. Returns false when the session is unknown or has no active call.
func (st *Store) Abort(id string) bool {
	s, ok := st.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// AppendOutput appends a content delta to the accumulated buffer. The
// buffer is append-only until an outcome is set; deltas arriving after a
// terminal transition are dropped.
func (st *Store) AppendOutput(id string, delta string) {
	s, ok := st.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.outcome == OutcomePending {
		s.buf.WriteString(delta)
	}
	s.mu.Unlock()
}

// Output returns the accumulated buffer.
func (st *Store) Output(id string) string {
	s, ok := st.Get(id)
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Complete transitions pending -> complete. Returns false if the session is
// unknown or already terminal; the first terminal write wins, once only.
func (st *Store) Complete(id string, result reconstruct.Result) bool {
	s, ok := st.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != OutcomePending {
		return false
	}
	s.outcome = OutcomeComplete
	s.result = result
	s.cancel = nil
	return true
}

// Fail transitions pending -> failed. Same once-only semantics as Complete.
func (st *Store) Fail(id string, reason string) bool {
	s, ok := st.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != OutcomePending {
		return false
	}
	s.outcome = OutcomeFailed
	s.failure = reason
	s.cancel = nil
	return true
}

// EvictIfIdle removes a session that has zero subscribers, no result and no
// active upstream call, to bound memory for abandoned sessions. Returns
// true when the session was evicted.
func (st *Store) EvictIfIdle(id string) bool {
	s, ok := st.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	idle := len(s.subs) == 0 && s.outcome == OutcomePending && !s.started
	s.mu.Unlock()
	if !idle {
		return false
	}
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
	return true
}

// Evict removes a session unconditionally. Used after the post-terminal
// grace window has passed.
func (st *Store) Evict(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Snapshot returns a read-only view of the session for status queries.
func (st *Store) Snapshot(id string) (Snapshot, bool) {
	s, ok := st.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:          s.ID,
		Outcome:     s.outcome,
		Subscribers: len(s.subs),
		OutputBytes: s.buf.Len(),
		Failure:     s.failure,
		CreatedAt:   s.CreatedAt,
	}, true
}
