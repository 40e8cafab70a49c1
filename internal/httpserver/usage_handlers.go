package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	defer s.recordRequest("usage.summary", reqStart)

	if s.ledger == nil {
		s.recordError("usage.summary")
		s.respondError(w, http.StatusNotFound, errors.New("usage ledger disabled"))
		return
	}
	summary, err := s.ledger.Summary(r.Context())
	if err != nil {
		s.recordError("usage.summary")
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUsageLogs(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	defer s.recordRequest("usage.logs", reqStart)

	if s.ledger == nil {
		s.recordError("usage.logs")
		s.respondError(w, http.StatusNotFound, errors.New("usage ledger disabled"))
		return
	}
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	entries, err := s.ledger.ListRecent(r.Context(), limit)
	if err != nil {
		s.recordError("usage.logs")
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
