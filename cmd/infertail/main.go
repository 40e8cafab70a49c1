// Command infertail starts a streaming inference session and tails its
// event stream, reconnecting when the connection drops. With -session it
// attaches to an existing session instead of creating one.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/infergate/infergate/internal/config"
	"github.com/infergate/infergate/internal/logging"
	"github.com/infergate/infergate/internal/subscribe"
	"github.com/infergate/infergate/internal/version"
)

func main() {
	var (
		baseURL   = flag.String("base", "", "daemon base URL (default from config/env)")
		sessionID = flag.String("session", "", "attach to an existing session instead of creating one")
		content   = flag.String("content", "", "prompt text; \"-\" reads stdin")
		model     = flag.String("model", "", "model override")
		preset    = flag.String("preset", "", "preset name from the daemon's catalog")
		shape     = flag.String("shape", "text", "expected response shape: text or object")
		attempts  = flag.Int("attempts", 3, "reconnect attempts")
		delay     = flag.Duration("delay", 2*time.Second, "pause between reconnects")
		quiet     = flag.Bool("quiet", false, "suppress chunk output, print only the final result")
		showVer   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("infertail " + version.FullInfo())
		return
	}

	cfg, cfgErr := config.LoadDaemonConfig(".")
	if cfgErr == nil && strings.TrimSpace(cfg.LogFileCLI) != "" {
		if rot, err := logging.NewRotatingWriter(cfg.LogFileCLI, 50*1024*1024); err == nil {
			log.SetOutput(rot)
			log.SetFlags(log.LstdFlags | log.Lmicroseconds)
			log.SetPrefix("[infertail] ")
			defer rot.Close()
		}
	}

	base := strings.TrimSpace(*baseURL)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("INFERGATE_BASE_URL"))
	}
	if base == "" {
		port := 8085
		if cfgErr == nil {
			port = cfg.ListenPort
		}
		base = fmt.Sprintf("http://127.0.0.1:%d", port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := strings.TrimSpace(*sessionID)
	if id == "" {
		text := *content
		if text == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				fatalf("read stdin: %v", err)
			}
			text = string(data)
		}
		if strings.TrimSpace(text) == "" {
			fatalf("nothing to do: pass -content or -session")
		}
		var err error
		id, err = createSession(ctx, base, text, *model, *preset, *shape)
		if err != nil {
			fatalf("create session: %v", err)
		}
		fmt.Fprintf(os.Stderr, "session %s\n", id)
	}

	agent, err := subscribe.New(subscribe.Config{
		BaseURL:     base,
		MaxAttempts: *attempts,
		RetryDelay:  *delay,
	}, log.Default())
	if err != nil {
		fatalf("%v", err)
	}
	if !*quiet {
		agent.OnFrame = func(kind string, data json.RawMessage) {
			switch kind {
			case "chunk":
				var delta string
				if json.Unmarshal(data, &delta) == nil {
					fmt.Print(delta)
				}
			case "status":
				var msg string
				if json.Unmarshal(data, &msg) == nil {
					fmt.Fprintf(os.Stderr, "-- %s\n", msg)
				}
			}
		}
	}

	res, err := agent.Run(ctx, id)
	if err != nil {
		fatalf("subscribe: %v", err)
	}
	if !*quiet {
		fmt.Println()
	}
	switch res.Outcome {
	case "complete":
		if *quiet {
			fmt.Println(string(res.Data))
		}
		log.Printf("session=%s outcome=complete attempts=%d chars=%d", id, res.Attempts, len(res.Text))
	case "error":
		fmt.Fprintf(os.Stderr, "session failed: %s\n", string(res.Data))
		os.Exit(1)
	}
}

func createSession(ctx context.Context, base, content, model, preset, shape string) (string, error) {
	opts := map[string]any{"shape": shape}
	if strings.TrimSpace(model) != "" {
		opts["model"] = model
	}
	if strings.TrimSpace(preset) != "" {
		opts["preset"] = preset
	}
	body, err := json.Marshal(map[string]any{"content": content, "options": opts})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+"/api/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}
	if payload.SessionID == "" {
		return "", fmt.Errorf("daemon returned no session id")
	}
	return payload.SessionID, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
