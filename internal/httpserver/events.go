package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/infergate/infergate/internal/session"
)

// sseSubscriber buffers frames between the relay goroutine and the HTTP
// writer. Send never blocks the relay: a full buffer means the client
// cannot keep up and the subscriber is dropped.
type sseSubscriber struct {
	frames chan session.Frame

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSESubscriber() *sseSubscriber {
	return &sseSubscriber{
		frames: make(chan session.Frame, 64),
		done:   make(chan struct{}),
	}
}

func (s *sseSubscriber) Send(frame session.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subscriber closed")
	}
	select {
	case s.frames <- frame:
		return nil
	default:
		return errors.New("subscriber buffer full")
	}
}

func (s *sseSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	defer s.recordRequest("sessions.events", reqStart)

	id := chi.URLParam(r, "id")
	sub := newSSESubscriber()
	cached, finished, err := s.store.Attach(id, sub)
	if err != nil {
		s.recordError("sessions.events")
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("unknown or expired session %s", id))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.store.Detach(id, sub)
		s.recordError("sessions.events")
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Late subscriber on a finished session: replay the cached terminal
	// frame only, never earlier chunks.
	if finished {
		s.writeFrame(w, flusher, cached)
		s.debugf("events.replay session=%s kind=%s", id, cached.Kind)
		return
	}

	s.controller.EnsureStarted(id)

	var ticker *time.Ticker
	var pings <-chan time.Time
	if s.pingInterval > 0 {
		ticker = time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case frame := <-sub.frames:
			if err := s.writeFrame(w, flusher, frame); err != nil {
				s.store.Detach(id, sub)
				return
			}
			if frame.Terminal() {
				return
			}
		case <-sub.done:
			// The relay closed us after a terminal frame; flush whatever is
			// still buffered.
			for {
				select {
				case frame := <-sub.frames:
					if err := s.writeFrame(w, flusher, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-pings:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				s.store.Detach(id, sub)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			s.store.Detach(id, sub)
			s.debugf("events.disconnect session=%s", id)
			return
		}
	}
}

func (s *Server) writeFrame(w http.ResponseWriter, flusher http.Flusher, frame session.Frame) error {
	data, err := json.Marshal(frame.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Kind, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
