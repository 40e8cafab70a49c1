package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/infergate/infergate/internal/reconstruct"
	"github.com/infergate/infergate/internal/upstream"
)

// Config holds the lifecycle knobs of the controller.
type Config struct {
	// MaxAttempts is the retry ceiling for transient upstream failures,
	// counting the first attempt.
	MaxAttempts int
	// RetryBaseDelay is the backoff before the second attempt; the delay
	// doubles per attempt up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// TerminalGrace is how long a completed/failed session stays queryable
	// so late reconnects still receive the cached terminal frame.
	TerminalGrace time.Duration
	// IdleWindow bounds how long an unstarted session with no subscribers
	// is retained.
	IdleWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 8 * time.Second
	}
	if c.TerminalGrace <= 0 {
		c.TerminalGrace = 30 * time.Second
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 2 * time.Minute
	}
	return c
}

// Recorder observes terminal sessions. Implementations feed the usage
// ledger and metrics; a nil recorder is valid.
type Recorder interface {
	RecordSession(id, model string, outcome Outcome, promptChars, completionChars int64, attempts int)
}

// Controller orchestrates session lifecycle: single-flight start, the
// upstream call with retry and backoff, terminal transition and deferred
// eviction.
type Controller struct {
	store    *Store
	relay    *Relay
	client   upstream.Client
	cfg      Config
	logger   *log.Logger
	rec      Recorder
	evictObs EvictionObserver
}

// NewController wires the controller over its collaborators.
func NewController(store *Store, relay *Relay, client upstream.Client, cfg Config, logger *log.Logger) *Controller {
	return &Controller{
		store:  store,
		relay:  relay,
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// SetRecorder installs the terminal-session observer.
func (c *Controller) SetRecorder(rec Recorder) { c.rec = rec }

// EvictionObserver counts sessions removed from the store.
type EvictionObserver interface {
	RecordEviction()
}

// SetEvictionObserver installs an optional eviction counter.
func (c *Controller) SetEvictionObserver(obs EvictionObserver) { c.evictObs = obs }

// Create registers a new session and arms the idle-eviction timer: a
// session nobody ever subscribes to is dropped after the idle window.
func (c *Controller) Create(input Input) *Session {
	s := c.store.Create(input)
	id := s.ID
	time.AfterFunc(c.cfg.IdleWindow, func() {
		if c.store.EvictIfIdle(id) {
			c.logf("controller.evict_idle session=%s", id)
			if c.evictObs != nil {
				c.evictObs.RecordEviction()
			}
		}
	})
	return s
}

// EnsureStarted launches the upstream call for the session unless one is
// already in flight or finished. Safe to call from every subscriber attach;
// MarkStarted admits exactly one caller.
func (c *Controller) EnsureStarted(id string) {
	if !c.store.MarkStarted(id) {
		return
	}
	go c.run(id)
}

// Abort cancels the in-flight upstream call irrespective of subscriber count.
func (c *Controller) Abort(id string) bool {
	return c.store.Abort(id)
}

func (c *Controller) run(id string) {
	s, ok := c.store.Get(id)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.store.SetCancel(id, cancel)

	req := upstream.Request{
		Model:       s.Input.Model,
		Messages:    s.Input.Messages,
		Temperature: s.Input.Temperature,
		MaxTokens:   s.Input.MaxTokens,
	}

	c.relay.Broadcast(id, statusFrame("upstream call starting"))
	c.logf("controller.start session=%s model=%s", id, req.Model)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff(attempt)
			c.logf("controller.retry session=%s attempt=%d delay_ms=%d err=%v", id, attempt, delay.Milliseconds(), lastErr)
			c.relay.Broadcast(id, statusFrame(fmt.Sprintf("retrying upstream call (attempt %d of %d)", attempt, c.cfg.MaxAttempts)))
			select {
			case <-ctx.Done():
				c.fail(id, attempt, "upstream call aborted")
				return
			case <-time.After(delay):
			}
		}

		ch, err := c.client.StreamCompletion(ctx, req)
		if err != nil {
			if upstream.IsAuthError(err) {
				c.fail(id, attempt, "authentication with upstream provider failed: "+err.Error())
				return
			}
			if !upstream.IsRetryable(err) {
				c.fail(id, attempt, "upstream request rejected: "+err.Error())
				return
			}
			lastErr = err
			continue
		}

		emitted := false
		finished := false
		var streamErr error
	stream:
		for ev := range ch {
			switch {
			case ev.Err != nil:
				streamErr = ev.Err
				break stream
			case ev.Done:
				finished = true
				break stream
			case ev.Delta != "":
				c.store.AppendOutput(id, ev.Delta)
				c.relay.Broadcast(id, chunkFrame(ev.Delta))
				emitted = true
			}
		}

		if streamErr != nil {
			if upstream.IsAuthError(streamErr) {
				c.fail(id, attempt, "authentication with upstream provider failed: "+streamErr.Error())
				return
			}
			// Retry only while nothing reached subscribers: chunks are never
			// replayed, so a mid-stream failure after output is terminal.
			if !emitted && upstream.IsRetryable(streamErr) {
				lastErr = streamErr
				continue
			}
			c.fail(id, attempt, "upstream stream failed: "+streamErr.Error())
			return
		}
		if finished {
			c.finalize(id, attempt)
			return
		}
		// Channel closed without a terminal event: truncated connection.
		truncated := errors.New("upstream closed stream before completion")
		if !emitted {
			lastErr = truncated
			continue
		}
		c.fail(id, attempt, truncated.Error())
		return
	}

	c.fail(id, c.cfg.MaxAttempts, fmt.Sprintf("upstream unavailable after %d attempts: %v", c.cfg.MaxAttempts, lastErr))
}

// backoff returns the non-decreasing delay before the given attempt
// (attempt >= 2): base * 2^(attempt-2), capped at RetryMaxDelay.
func (c *Controller) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.RetryMaxDelay {
			return c.cfg.RetryMaxDelay
		}
	}
	if d > c.cfg.RetryMaxDelay {
		return c.cfg.RetryMaxDelay
	}
	return d
}

func (c *Controller) finalize(id string, attempts int) {
	s, ok := c.store.Get(id)
	if !ok {
		return
	}
	raw := c.store.Output(id)
	res, err := reconstruct.Finalize(raw, s.Input.Shape)
	if err != nil {
		c.fail(id, attempts, "could not parse model output: "+err.Error())
		return
	}
	if !c.store.Complete(id, res) {
		return
	}
	c.logf("controller.complete session=%s attempts=%d output_bytes=%d", id, attempts, len(raw))
	c.relay.Broadcast(id, completeFrame(res))
	c.record(id, OutcomeComplete, attempts)
	c.scheduleEvict(id)
}

func (c *Controller) fail(id string, attempts int, reason string) {
	if !c.store.Fail(id, reason) {
		return
	}
	c.logf("controller.fail session=%s attempts=%d reason=%q", id, attempts, reason)
	c.relay.Broadcast(id, errorFrame(reason))
	c.record(id, OutcomeFailed, attempts)
	c.scheduleEvict(id)
}

// scheduleEvict retains the session for the grace window so duplicate or
// slightly late subscribers still observe the cached terminal frame.
func (c *Controller) scheduleEvict(id string) {
	time.AfterFunc(c.cfg.TerminalGrace, func() {
		c.store.Evict(id)
		if c.evictObs != nil {
			c.evictObs.RecordEviction()
		}
	})
}

func (c *Controller) record(id string, outcome Outcome, attempts int) {
	if c.rec == nil {
		return
	}
	s, ok := c.store.Get(id)
	if !ok {
		return
	}
	var promptChars int64
	for _, m := range s.Input.Messages {
		promptChars += int64(len(m.Content))
	}
	c.rec.RecordSession(id, s.Input.Model, outcome, promptChars, int64(len(c.store.Output(id))), attempts)
}

func (c *Controller) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
