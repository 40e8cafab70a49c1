// Package testutil provides loopback HTTP servers and canned upstream
// handlers shared by the streaming tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
)

type IPv4Server struct {
	URL       string
	listener  net.Listener
	server    *http.Server
	transport *http.Transport
	client    *http.Client
}

// NewIPv4Server starts an HTTP server bound to the IPv4 loopback interface.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		listener:  l,
		server:    &http.Server{Handler: handler},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log via testing.T to aid debugging without failing the test.
			t.Logf("IPv4Server serve error: %v", err)
		}
	}()
	return s
}

// Client returns an HTTP client configured for the server.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Close shuts down the underlying server and frees resources.
func (s *IPv4Server) Close() {
	_ = s.server.Shutdown(context.Background())
	s.transport.CloseIdleConnections()
}

// ChatStreamHandler replies to any request with an OpenAI-style SSE
// completion stream carrying the given deltas followed by [DONE]. When
// done is false the connection is closed without the end marker, which
// clients should treat as a truncated stream.
func ChatStreamHandler(deltas []string, done bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// StatusHandler replies with a fixed status code and body, for exercising
// the upstream error taxonomy (401 auth, 429/5xx transient).
func StatusHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

// FailThenStreamHandler responds with failStatus for the first failCount
// requests and then streams the deltas, for retry/backoff tests.
func FailThenStreamHandler(failCount, failStatus int, deltas []string) http.HandlerFunc {
	calls := 0
	stream := ChatStreamHandler(deltas, true)
	return func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= failCount {
			w.WriteHeader(failStatus)
			_, _ = w.Write([]byte(`{"error":"temporarily unavailable"}`))
			return
		}
		stream(w, r)
	}
}
