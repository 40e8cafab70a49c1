package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/infergate/infergate/internal/upstream"
)

// Ensure Adapter implements upstream.Client.
var _ upstream.Client = (*Adapter)(nil)

// Adapter streams chat completions from an OpenAI-compatible API.
type Adapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	org        string // optional organization ID
	logger     *log.Logger
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	APIKey       string
	BaseURL      string // optional, defaults to https://api.openai.com/v1
	Organization string // optional
	// RequestTimeout bounds a single upstream call, independent of the
	// session-level lifetime managed by the caller.
	RequestTimeout time.Duration
	// Logger receives warnings about skipped records; nil disables them.
	Logger *log.Logger
}

// New creates an Adapter instance.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		org:     cfg.Organization,
		logger:  cfg.Logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// chunk is the minimal schema read from streaming responses.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamCompletion opens a chunked completion request and feeds deltas to the
// returned channel until the provider emits its [DONE] marker.
func (a *Adapter) StreamCompletion(ctx context.Context, req upstream.Request) (<-chan upstream.Event, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}

	payload := map[string]interface{}{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &upstream.StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	ch := make(chan upstream.Event, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		reader := resp.Body
		buf := make([]byte, 8192)
		leftover := ""
		emitted := false
		for {
			select {
			case <-ctx.Done():
				ch <- upstream.Event{Err: ctx.Err()}
				return
			default:
			}

			n, err := reader.Read(buf)
			if n > 0 {
				data := leftover + string(buf[:n])
				lines := strings.Split(data, "\n")
				// The last element may be a partial record; hold it until the
				// next read completes it.
				leftover = lines[len(lines)-1]
				lines = lines[:len(lines)-1]
				for _, line := range lines {
					line = strings.TrimSpace(line)
					if line == "" || !strings.HasPrefix(line, "data:") {
						continue
					}
					payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
					if payload == "" {
						continue
					}
					if payload == "[DONE]" {
						ch <- upstream.Event{Done: true}
						return
					}
					var c chunk
					if perr := json.Unmarshal([]byte(payload), &c); perr != nil {
						// A single malformed record is skipped, not fatal.
						if a.logger != nil {
							a.logger.Printf("openai.skip_record err=%v", perr)
						}
						continue
					}
					if len(c.Choices) == 0 {
						continue
					}
					if text := c.Choices[0].Delta.Content; text != "" {
						ch <- upstream.Event{Delta: text}
						emitted = true
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					// Provider closed without [DONE]. Partial output still
					// ends the stream so the accumulated text can be
					// reconstructed; with nothing emitted the channel just
					// closes and the caller sees a truncated stream.
					if emitted {
						ch <- upstream.Event{Done: true}
					}
					return
				}
				ch <- upstream.Event{Err: fmt.Errorf("openai: read stream: %w", err)}
				return
			}
		}
	}()
	return ch, nil
}
