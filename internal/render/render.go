package render

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Config captures render-related settings exposed via files/env.
type Config struct {
	Enabled    bool              `json:"enabled"`
	ScriptPath string            `json:"script_path"`
	ScriptArgs []string          `json:"script_args"`
	Env        map[string]string `json:"env"`
	Timeout    time.Duration     `json:"timeout"`
}

// Validate ensures the configuration is coherent before we wire the renderer.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("render: script_path required when enabled")
	}
	return nil
}

// Error reports a rendering failure. Rendering failures are terminal;
// callers must not retry them.
type Error struct {
	Format string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render: %s output failed: %s: %v", e.Format, e.Detail, e.Err)
	}
	return fmt.Sprintf("render: %s output failed: %s", e.Format, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Renderer converts finalized text into a binary document by invoking an
// external toolchain. The content is piped via STDIN and the requested
// output format is passed as the final argument.
type Renderer struct {
	cfg Config
}

// New builds a Renderer from validated config.
func New(cfg Config) (*Renderer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Renderer{cfg: cfg}, nil
}

// Enabled reports whether an external toolchain is configured.
func (r *Renderer) Enabled() bool { return r.cfg.Enabled }

var supportedFormats = map[string]bool{
	"pdf":  true,
	"docx": true,
	"html": true,
	"txt":  true,
}

// SupportedFormat reports whether format names a known output target.
func SupportedFormat(format string) bool {
	return supportedFormats[strings.ToLower(strings.TrimSpace(format))]
}

// Render pipes content to the configured command and returns its stdout.
// Failures come back as *Error so callers can distinguish them from
// upstream or reconstruction problems.
func (r *Renderer) Render(parentCtx context.Context, content string, format string) ([]byte, error) {
	if !r.cfg.Enabled {
		return nil, &Error{Format: format, Detail: "renderer not configured"}
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if !SupportedFormat(format) {
		return nil, &Error{Format: format, Detail: "unsupported output format"}
	}

	ctx := parentCtx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parentCtx, r.cfg.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.cfg.ScriptArgs...), format)
	cmd := exec.CommandContext(ctx, r.cfg.ScriptPath, args...)
	if len(r.cfg.Env) > 0 {
		env := cmd.Environ()
		for key, val := range r.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
		cmd.Env = env
	}
	cmd.Stdin = strings.NewReader(content)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = "command failed"
		}
		if len(detail) > 512 {
			detail = detail[:512]
		}
		return nil, &Error{Format: format, Detail: detail, Err: err}
	}
	return stdout.Bytes(), nil
}
