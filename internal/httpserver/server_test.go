package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/infergate/infergate/internal/config"
	"github.com/infergate/infergate/internal/ledger"
	"github.com/infergate/infergate/internal/metrics"
	"github.com/infergate/infergate/internal/reconstruct"
	"github.com/infergate/infergate/internal/session"
	"github.com/infergate/infergate/internal/testutil"
	"github.com/infergate/infergate/internal/upstream"
	"github.com/infergate/infergate/internal/upstream/openai"
)

func newTestServer(t *testing.T, client upstream.Client) (*Server, *session.Store, *testutil.IPv4Server) {
	t.Helper()
	store := session.NewStore()
	relay := session.NewRelay(store, nil)
	ctrl := session.NewController(store, relay, client, session.Config{
		MaxAttempts:    2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  4 * time.Millisecond,
		TerminalGrace:  time.Minute,
		IdleWindow:     time.Minute,
	}, nil)
	srv := New(store, ctrl)
	api := testutil.NewIPv4Server(t, srv.Router())
	t.Cleanup(api.Close)
	return srv, store, api
}

func postJSON(t *testing.T, client *http.Client, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := client.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("POST %s: bad response body %q: %v", url, data, err)
		}
	}
	return resp, payload
}

func getJSON(t *testing.T, client *http.Client, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("GET %s: bad response body %q: %v", url, data, err)
		}
	}
	return resp, payload
}

func TestCreateSessionValidation(t *testing.T) {
	_, _, api := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `{{{`, "not valid JSON"},
		{"missing content", `{"options": {"shape": "text"}}`, "content"},
		{"missing options", `{"content": "hi"}`, "options"},
		{"unknown shape", `{"content": "hi", "options": {"shape": "xml"}}`, "shape"},
		{"missing shape", `{"content": "hi", "options": {}}`, "options.shape"},
		{"unknown preset", `{"content": "hi", "options": {"shape": "text", "preset": "nope"}}`, "preset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, payload := postJSON(t, api.Client(), api.URL+"/api/v1/sessions", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status %d", resp.StatusCode)
			}
			msg, _ := payload["error"].(string)
			if !strings.Contains(msg, tt.want) {
				t.Fatalf("error %q does not mention %q", msg, tt.want)
			}
		})
	}
}

func TestCreateSessionAndSnapshot(t *testing.T) {
	_, store, api := newTestServer(t, nil)

	resp, payload := postJSON(t, api.Client(), api.URL+"/api/v1/sessions",
		`{"content": "hello", "options": {"shape": "text"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d", resp.StatusCode)
	}
	id, _ := payload["session_id"].(string)
	if id == "" {
		t.Fatalf("no session_id in %v", payload)
	}
	if _, ok := store.Get(id); !ok {
		t.Fatalf("session %s not registered", id)
	}

	resp, payload = getJSON(t, api.Client(), api.URL+"/api/v1/sessions/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status %d", resp.StatusCode)
	}
	if payload["outcome"] != "pending" {
		t.Fatalf("snapshot %v", payload)
	}

	resp, _ = getJSON(t, api.Client(), api.URL+"/api/v1/sessions/sess_unknown")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown snapshot status %d", resp.StatusCode)
	}
}

func TestCreateSessionAppliesPreset(t *testing.T) {
	srv, store, api := newTestServer(t, nil)
	path := filepath.Join(t.TempDir(), "presets.yaml")
	yaml := "presets:\n  - name: extract\n    model: gpt-4o\n    shape: object\n    temperature: 0.1\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write presets: %v", err)
	}
	catalog, err := config.LoadPresets(path)
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	srv.SetPresets(catalog, "gpt-4o-mini")

	_, payload := postJSON(t, api.Client(), api.URL+"/api/v1/sessions",
		`{"content": "hello", "options": {"preset": "extract"}}`)
	id, _ := payload["session_id"].(string)
	s, ok := store.Get(id)
	if !ok {
		t.Fatalf("session %s not registered", id)
	}
	if s.Input.Model != "gpt-4o" || s.Input.Shape != reconstruct.ShapeObject {
		t.Fatalf("preset not applied: %+v", s.Input)
	}
	if s.Input.Temperature == nil || *s.Input.Temperature != 0.1 {
		t.Fatalf("preset temperature not applied: %+v", s.Input)
	}
}

type sseEvent struct {
	name string
	data string
}

// readSSE consumes the stream until a terminal event or EOF.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
				if cur.name == "complete" || cur.name == "error" {
					return events
				}
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return events
}

func TestSessionEventsEndToEnd(t *testing.T) {
	model := testutil.NewIPv4Server(t, testutil.ChatStreamHandler([]string{"Hel", "lo"}, true))
	defer model.Close()
	client, err := openai.New(openai.Config{APIKey: "sk-test", BaseURL: model.URL})
	if err != nil {
		t.Fatalf("openai.New: %v", err)
	}
	_, _, api := newTestServer(t, client)

	_, payload := postJSON(t, api.Client(), api.URL+"/api/v1/sessions",
		`{"content": "greet", "options": {"shape": "text"}}`)
	id, _ := payload["session_id"].(string)

	resp, err := api.Client().Get(api.URL + "/api/v1/sessions/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	events := readSSE(t, resp.Body)
	if len(events) == 0 || events[0].name != "status" {
		t.Fatalf("expected leading status event, got %v", events)
	}
	var text strings.Builder
	for _, ev := range events {
		if ev.name == "chunk" {
			var s string
			if err := json.Unmarshal([]byte(ev.data), &s); err != nil {
				t.Fatalf("chunk payload %q: %v", ev.data, err)
			}
			text.WriteString(s)
		}
	}
	last := events[len(events)-1]
	if last.name != "complete" {
		t.Fatalf("expected terminal complete event, got %v", events)
	}
	if text.String() != "Hello" {
		t.Fatalf("accumulated chunks %q", text.String())
	}
	var final string
	if err := json.Unmarshal([]byte(last.data), &final); err != nil || final != "Hello" {
		t.Fatalf("complete payload %q (err %v)", last.data, err)
	}
}

func TestSessionEventsUnknownSession(t *testing.T) {
	_, _, api := newTestServer(t, nil)
	resp, payload := getJSON(t, api.Client(), api.URL+"/api/v1/sessions/sess_gone/events")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	msg, _ := payload["error"].(string)
	if !strings.Contains(msg, "unknown or expired") {
		t.Fatalf("error %q", msg)
	}
}

func TestSessionEventsTerminalReplay(t *testing.T) {
	_, store, api := newTestServer(t, nil)

	s := store.Create(session.Input{Shape: reconstruct.ShapeText})
	store.AppendOutput(s.ID, "earlier output")
	store.Complete(s.ID, reconstruct.Result{Shape: reconstruct.ShapeText, Text: "earlier output"})

	resp, err := api.Client().Get(api.URL + "/api/v1/sessions/" + s.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	events := readSSE(t, resp.Body)
	if len(events) != 1 || events[0].name != "complete" {
		t.Fatalf("late subscriber must see only the terminal frame, got %v", events)
	}
}

func TestAbortSession(t *testing.T) {
	_, store, api := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodDelete, api.URL+"/api/v1/sessions/sess_gone", nil)
	resp, err := api.Client().Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown abort status %d", resp.StatusCode)
	}

	s := store.Create(session.Input{Shape: reconstruct.ShapeText})
	req, _ = http.NewRequest(http.MethodDelete, api.URL+"/api/v1/sessions/"+s.ID, nil)
	resp, err = api.Client().Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("abort status %d", resp.StatusCode)
	}
	// No upstream call in flight, so nothing was actually cancelled.
	if payload["aborted"] != false {
		t.Fatalf("abort payload %v", payload)
	}
}

func TestRenderNotConfigured(t *testing.T) {
	_, _, api := newTestServer(t, nil)
	resp, payload := postJSON(t, api.Client(), api.URL+"/api/v1/render",
		`{"content": "hi", "format": "pdf"}`)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status %d", resp.StatusCode)
	}
	msg, _ := payload["error"].(string)
	if !strings.Contains(msg, "renderer not configured") {
		t.Fatalf("error %q", msg)
	}
}

type fakeLedger struct {
	entries []ledger.Entry
}

func (f *fakeLedger) Record(ctx context.Context, e ledger.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeLedger) Summary(ctx context.Context) (ledger.Summary, error) {
	var s ledger.Summary
	for _, e := range f.entries {
		s.Sessions++
		if e.Outcome == "complete" {
			s.Completed++
		} else {
			s.Failed++
		}
		s.PromptChars += e.PromptChars
		s.CompletionChars += e.CompletionChars
	}
	return s, nil
}

func (f *fakeLedger) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit > len(f.entries) {
		limit = len(f.entries)
	}
	return f.entries[:limit], nil
}

func (f *fakeLedger) Close() error { return nil }

func TestUsageEndpoints(t *testing.T) {
	srv, _, api := newTestServer(t, nil)

	resp, _ := getJSON(t, api.Client(), api.URL+"/api/v1/usage/summary")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("summary without ledger: status %d", resp.StatusCode)
	}

	fl := &fakeLedger{}
	for i := 0; i < 3; i++ {
		fl.entries = append(fl.entries, ledger.Entry{
			SessionID: fmt.Sprintf("sess_%d", i), Model: "gpt-4o-mini",
			Outcome: "complete", PromptChars: 10, CompletionChars: 20,
		})
	}
	srv.SetLedger(fl)

	resp, payload := getJSON(t, api.Client(), api.URL+"/api/v1/usage/summary")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d", resp.StatusCode)
	}
	if payload["sessions"] != float64(3) || payload["completed"] != float64(3) {
		t.Fatalf("summary %v", payload)
	}

	resp, payload = getJSON(t, api.Client(), api.URL+"/api/v1/usage/logs?limit=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs status %d", resp.StatusCode)
	}
	if payload["count"] != float64(2) {
		t.Fatalf("logs %v", payload)
	}
}

func TestHealth(t *testing.T) {
	_, _, api := newTestServer(t, nil)
	resp, payload := getJSON(t, api.Client(), api.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if payload["status"] != "ok" {
		t.Fatalf("health %v", payload)
	}
	if payload["ledger"] != false || payload["renderer"] != false {
		t.Fatalf("health flags %v", payload)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, api := newTestServer(t, nil)

	resp, _ := getJSON(t, api.Client(), api.URL+"/metrics")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("metrics without collector: status %d", resp.StatusCode)
	}

	srv.SetMetrics(metrics.NewCollector())
	httpResp, err := api.Client().Get(api.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", httpResp.StatusCode)
	}
	body, _ := io.ReadAll(httpResp.Body)
	if !strings.Contains(string(body), "inferd_uptime_seconds") {
		t.Fatalf("metrics body missing uptime gauge:\n%s", body)
	}
}
