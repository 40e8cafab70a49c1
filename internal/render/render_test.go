package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeScript drops an executable shell script into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable on windows")
	}
	path := filepath.Join(t.TempDir(), "render.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err != nil {
		t.Fatalf("disabled config must validate: %v", err)
	}
	if err := (Config{Enabled: true}).Validate(); err == nil {
		t.Fatalf("enabled config without script must be rejected")
	}
}

func TestSupportedFormat(t *testing.T) {
	for _, f := range []string{"pdf", "DOCX", " html ", "txt"} {
		if !SupportedFormat(f) {
			t.Fatalf("format %q should be supported", f)
		}
	}
	for _, f := range []string{"", "xml", "md"} {
		if SupportedFormat(f) {
			t.Fatalf("format %q should be rejected", f)
		}
	}
}

func TestRenderPipesContentAndFormat(t *testing.T) {
	// The script echoes the requested format and the stdin content so the
	// test can verify both ends of the contract.
	script := writeScript(t, `fmt="$1"`+"\n"+`printf 'format=%s content=' "$fmt"`+"\n"+`cat`)
	r, err := New(Config{Enabled: true, ScriptPath: script, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := r.Render(context.Background(), "hello doc", "pdf")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(out) != "format=pdf content=hello doc" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRenderExtraArgsPrecedeFormat(t *testing.T) {
	script := writeScript(t, `printf '%s|%s' "$1" "$2"`)
	r, _ := New(Config{Enabled: true, ScriptPath: script, ScriptArgs: []string{"--layout=a4"}})

	out, err := r.Render(context.Background(), "", "html")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(out) != "--layout=a4|html" {
		t.Fatalf("argument order wrong: %q", out)
	}
}

func TestRenderFailureCarriesStderr(t *testing.T) {
	script := writeScript(t, `echo "toolchain exploded" >&2`+"\n"+`exit 3`)
	r, _ := New(Config{Enabled: true, ScriptPath: script})

	_, err := r.Render(context.Background(), "doc", "pdf")
	if err == nil {
		t.Fatalf("expected error")
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if re.Format != "pdf" || !strings.Contains(re.Detail, "toolchain exploded") {
		t.Fatalf("error detail: %+v", re)
	}
}

func TestRenderUnsupportedFormat(t *testing.T) {
	script := writeScript(t, `cat`)
	r, _ := New(Config{Enabled: true, ScriptPath: script})
	if _, err := r.Render(context.Background(), "doc", "xml"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestRenderDisabled(t *testing.T) {
	r, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Enabled() {
		t.Fatalf("renderer should be disabled")
	}
	if _, err := r.Render(context.Background(), "doc", "pdf"); err == nil {
		t.Fatalf("disabled renderer must refuse to render")
	}
}

func TestRenderTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	r, _ := New(Config{Enabled: true, ScriptPath: script, Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := r.Render(context.Background(), "doc", "pdf")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced")
	}
}
