package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/infergate/infergate/internal/render"
)

type renderRequest struct {
	Content string `json:"content"`
	Format  string `json:"format"`
}

var renderContentTypes = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"html": "text/html; charset=utf-8",
	"txt":  "text/plain; charset=utf-8",
}

// handleRender invokes the external rendering toolchain for finalized text.
// Rendering failures are terminal: they are reported once and never retried.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	defer s.recordRequest("render", reqStart)

	if s.renderer == nil || !s.renderer.Enabled() {
		s.recordError("render")
		s.respondError(w, http.StatusNotImplemented, errors.New("renderer not configured"))
		return
	}

	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recordError("render")
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.recordError("render")
		s.respondError(w, http.StatusBadRequest, errors.New("missing field content"))
		return
	}
	if !render.SupportedFormat(req.Format) {
		s.recordError("render")
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("unsupported format %q", req.Format))
		return
	}

	out, err := s.renderer.Render(r.Context(), req.Content, req.Format)
	if err != nil {
		s.recordError("render")
		if s.logger != nil {
			s.logger.Printf("render.fail format=%s err=%v", req.Format, err)
		}
		s.respondError(w, http.StatusBadGateway, err)
		return
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	w.Header().Set("Content-Type", renderContentTypes[format])
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "document."+format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
	if s.logger != nil {
		s.logger.Printf("render format=%s bytes=%d total_ms=%d", format, len(out), time.Since(reqStart).Milliseconds())
	}
}
