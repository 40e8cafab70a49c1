// Package subscribe implements the consumer side of the event stream: an
// SSE client that attaches to a session, accumulates chunk frames locally
// and reconnects a bounded number of times when the connection drops.
// Chunks are never replayed by the server, so the local buffer is the only
// full copy of the streamed text; after a reconnect the terminal frame is
// still delivered and carries the authoritative result.
package subscribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Config holds connection options for the agent.
type Config struct {
	// BaseURL is the daemon root, e.g. http://127.0.0.1:8085.
	BaseURL string
	// MaxAttempts bounds connection attempts, counting the first.
	MaxAttempts int
	// RetryDelay is the fixed pause between reconnect attempts.
	RetryDelay time.Duration
	// HTTPClient overrides the default client; nil uses a no-timeout
	// client suitable for long-lived streams.
	HTTPClient *http.Client
}

// Result is the terminal state observed on the stream.
type Result struct {
	Outcome  string          // "complete" or "error"
	Data     json.RawMessage // terminal frame payload
	Text     string          // locally accumulated chunk text
	Attempts int
}

// Agent subscribes to one session's event stream.
type Agent struct {
	cfg    Config
	logger *log.Logger
	// OnFrame, when set, observes every frame as it arrives.
	OnFrame func(kind string, data json.RawMessage)
}

// New creates an Agent. BaseURL is required.
func New(cfg Config, logger *log.Logger) (*Agent, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("subscribe: base url required")
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Agent{cfg: cfg, logger: logger}, nil
}

// errStreamClosed marks a connection that ended without a terminal frame.
var errStreamClosed = errors.New("subscribe: stream closed before terminal frame")

// endToken is the in-band terminator some providers emit as ordinary
// content instead of a structured terminal frame. It is never part of the
// accumulated text.
const endToken = "[DONE]"

// Run attaches to the session's event stream and blocks until a terminal
// frame arrives, the retry budget is exhausted or ctx is canceled. The
// accumulated text survives reconnects.
func (a *Agent) Run(ctx context.Context, sessionID string) (Result, error) {
	var text strings.Builder
	res := Result{}

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			a.logf("subscribe.reconnect session=%s attempt=%d", sessionID, attempt)
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(a.cfg.RetryDelay):
			}
		}

		err := a.consume(ctx, sessionID, &text, &res)
		if err == nil {
			res.Text = text.String()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return res, pe.err
		}
		a.logf("subscribe.drop session=%s attempt=%d err=%v", sessionID, attempt, err)
	}
	res.Text = text.String()
	return res, fmt.Errorf("subscribe: gave up after %d attempts", a.cfg.MaxAttempts)
}

// permanentError wraps failures not worth reconnecting for, such as an
// unknown session id.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

// consume opens one connection and reads frames until a terminal frame or
// a transport error. Returns nil once a terminal frame was seen.
func (a *Agent) consume(ctx context.Context, sessionID string, text *strings.Builder, res *Result) error {
	url := fmt.Sprintf("%s/api/v1/sessions/%s/events", a.cfg.BaseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &permanentError{err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("subscribe: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &permanentError{err: err}
		}
		return err
	}

	var event string
	buf := make([]byte, 8192)
	leftover := ""
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			data := leftover + string(buf[:n])
			lines := strings.Split(data, "\n")
			leftover = lines[len(lines)-1]
			lines = lines[:len(lines)-1]
			for _, line := range lines {
				line = strings.TrimRight(line, "\r")
				switch {
				case strings.HasPrefix(line, ":"):
					// keepalive comment
				case strings.HasPrefix(line, "event:"):
					event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				case strings.HasPrefix(line, "data:"):
					payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
					if done := a.dispatch(event, json.RawMessage(payload), text, res); done {
						return nil
					}
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return errStreamClosed
			}
			return rerr
		}
	}
}

// dispatch handles one frame; true means the stream is finished.
func (a *Agent) dispatch(kind string, data json.RawMessage, text *strings.Builder, res *Result) bool {
	if a.OnFrame != nil {
		a.OnFrame(kind, data)
	}
	switch kind {
	case "chunk":
		var delta string
		if err := json.Unmarshal(data, &delta); err == nil {
			if delta == endToken {
				// Equivalent to a complete frame carrying the buffer.
				res.Outcome = "complete"
				res.Data, _ = json.Marshal(text.String())
				return true
			}
			text.WriteString(delta)
		}
		return false
	case "status":
		return false
	case "complete", "error":
		res.Outcome = kind
		res.Data = append(json.RawMessage(nil), data...)
		return true
	default:
		return false
	}
}

func (a *Agent) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
