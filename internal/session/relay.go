package session

import "log"

// Relay fans event frames out to every subscriber currently attached to a
// session. A subscriber whose write fails is dropped without affecting
// delivery to the others; terminal frames close every subscriber after the
// write. Frames for one session are delivered in broadcast order because
// sends happen under the session mutex and there is a single producer per
// session (guaranteed by MarkStarted).
type Relay struct {
	store  *Store
	logger *log.Logger
	obs    RelayObserver
}

// RelayObserver counts delivered frames and dropped subscribers.
type RelayObserver interface {
	RecordFrame(kind string)
	RecordSubscriberDrop()
}

// NewRelay creates a relay over the given store.
func NewRelay(store *Store, logger *log.Logger) *Relay {
	return &Relay{store: store, logger: logger}
}

// SetObserver installs an optional frame/drop counter.
func (r *Relay) SetObserver(obs RelayObserver) { r.obs = obs }

// Broadcast writes the frame to every attached subscriber of the session.
// Returns the number of subscribers the frame reached.
func (r *Relay) Broadcast(id string, frame Frame) int {
	s, ok := r.store.Get(id)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.subs[:0]
	delivered := 0
	for _, sub := range s.subs {
		if err := sub.Send(frame); err != nil {
			if r.logger != nil {
				r.logger.Printf("relay.drop session=%s kind=%s err=%v", id, frame.Kind, err)
			}
			if r.obs != nil {
				r.obs.RecordSubscriberDrop()
			}
			sub.Close()
			continue
		}
		delivered++
		kept = append(kept, sub)
	}
	s.subs = kept
	if r.obs != nil {
		r.obs.RecordFrame(string(frame.Kind))
	}

	if frame.Terminal() {
		for _, sub := range s.subs {
			sub.Close()
		}
		s.subs = nil
	}
	return delivered
}
