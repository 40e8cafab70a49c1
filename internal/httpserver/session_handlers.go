package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/infergate/infergate/internal/reconstruct"
	"github.com/infergate/infergate/internal/schema"
	"github.com/infergate/infergate/internal/session"
	"github.com/infergate/infergate/internal/upstream"
)

// startRequest mirrors the start-request schema in internal/schema.
type startRequest struct {
	Content string       `json:"content"`
	Options startOptions `json:"options"`
}

type startOptions struct {
	Model        string   `json:"model"`
	Preset       string   `json:"preset"`
	Shape        string   `json:"shape"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    int      `json:"max_tokens"`
	SystemPrompt string   `json:"system_prompt"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	defer s.recordRequest("sessions.create", reqStart)

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()
	if err != nil {
		s.recordError("sessions.create")
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := schema.ValidateStartRequest(raw); err != nil {
		s.recordError("sessions.create")
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	var req startRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.recordError("sessions.create")
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	input, err := s.buildInput(req)
	if err != nil {
		s.recordError("sessions.create")
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	sess := s.controller.Create(input)
	if s.collector != nil {
		s.collector.RecordSessionStart()
	}
	if s.logger != nil {
		s.logger.Printf("sessions.create session=%s model=%s shape=%s prompt_chars=%d",
			sess.ID, input.Model, input.Shape, len(req.Content))
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"session_id": sess.ID})
}

// buildInput resolves the effective session input: request options win over
// the named preset, the preset over server defaults.
func (s *Server) buildInput(req startRequest) (session.Input, error) {
	opts := req.Options
	model := strings.TrimSpace(opts.Model)
	shapeName := strings.TrimSpace(opts.Shape)
	temperature := opts.Temperature
	maxTokens := opts.MaxTokens

	if name := strings.TrimSpace(opts.Preset); name != "" {
		preset, ok := s.presets.Lookup(name)
		if !ok {
			return session.Input{}, fmt.Errorf("unknown preset %q", name)
		}
		if model == "" {
			model = preset.Model
		}
		if shapeName == "" {
			shapeName = preset.Shape
		}
		if temperature == nil {
			temperature = preset.Temperature
		}
		if maxTokens == 0 {
			maxTokens = preset.MaxTokens
		}
	}
	if model == "" {
		model = s.defaultModel
	}
	if shapeName == "" {
		return session.Input{}, errors.New("missing field options.shape")
	}
	shape, err := reconstruct.ParseShape(shapeName)
	if err != nil {
		return session.Input{}, err
	}

	var messages []upstream.Message
	if sys := strings.TrimSpace(opts.SystemPrompt); sys != "" {
		messages = append(messages, upstream.Message{Role: "system", Content: sys})
	}
	messages = append(messages, upstream.Message{Role: "user", Content: req.Content})

	return session.Input{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Shape:       shape,
	}, nil
}

func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	defer s.recordRequest("sessions.get", reqStart)

	id := chi.URLParam(r, "id")
	snap, ok := s.store.Snapshot(id)
	if !ok {
		s.recordError("sessions.get")
		s.respondError(w, http.StatusNotFound, fmt.Errorf("unknown session %s", id))
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	defer s.recordRequest("sessions.abort", reqStart)

	id := chi.URLParam(r, "id")
	if _, ok := s.store.Get(id); !ok {
		s.recordError("sessions.abort")
		s.respondError(w, http.StatusNotFound, fmt.Errorf("unknown session %s", id))
		return
	}
	aborted := s.controller.Abort(id)
	if s.logger != nil {
		s.logger.Printf("sessions.abort session=%s aborted=%t", id, aborted)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "aborted": aborted})
}
