package main

import (
	"context"
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
	"github.com/infergate/infergate/internal/httpserver"
	"github.com/infergate/infergate/internal/ledger"
	ledgerasync "github.com/infergate/infergate/internal/ledger/async"
	ledgerpg "github.com/infergate/infergate/internal/ledger/postgres"
	ledgersql "github.com/infergate/infergate/internal/ledger/sqlite"
	"github.com/infergate/infergate/internal/logging"
	"github.com/infergate/infergate/internal/metrics"
	"github.com/infergate/infergate/internal/render"
	"github.com/infergate/infergate/internal/session"
	"github.com/infergate/infergate/internal/upstream/openai"
	"github.com/infergate/infergate/internal/version"
)

func main() {
	cfg, err := config.LoadDaemonConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file logging (enabled when log_file provided)
	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFileDaemon); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[inferd] ")
		defer rot.Close()
	}

	log.Printf("inferd %s starting env=%s", version.FullInfo(), cfg.Environment)

	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		log.Fatalf("no upstream api key configured (set INFERGATE_OPENAI_API_KEY or openai_api_key)")
	}
	client, err := openai.New(openai.Config{
		APIKey:         cfg.OpenAIAPIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		Organization:   cfg.OpenAIOrg,
		RequestTimeout: cfg.UpstreamTimeout,
		Logger:         log.Default(),
	})
	if err != nil {
		log.Fatalf("upstream adapter init failed: %v", err)
	}

	collector := metrics.NewCollector()

	store := session.NewStore()
	relay := session.NewRelay(store, log.Default())
	relay.SetObserver(collector)
	controller := session.NewController(store, relay, client, session.Config{
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		TerminalGrace:  cfg.TerminalGrace,
		IdleWindow:     cfg.IdleWindow,
	}, log.Default())
	controller.SetEvictionObserver(collector)

	ledgerStore := openLedger(cfg)
	if ledgerStore != nil {
		defer ledgerStore.Close()
	}
	controller.SetRecorder(&usageRecorder{ledger: ledgerStore, collector: collector})

	var renderer *render.Renderer
	if cfg.Render.Enabled {
		renderer, err = render.New(cfg.Render)
		if err != nil {
			log.Fatalf("renderer init failed: %v", err)
		}
		log.Printf("renderer enabled script=%s timeout=%s", cfg.Render.ScriptPath, cfg.Render.Timeout)
	}

	var presets *config.PresetCatalog
	if strings.TrimSpace(cfg.PresetsFile) != "" {
		presets, err = config.LoadPresets(cfg.PresetsFile)
		if err != nil {
			log.Fatalf("load presets: %v", err)
		}
		log.Printf("model presets loaded file=%s count=%d", cfg.PresetsFile, len(presets.Presets))
	}

	httpSrv := httpserver.New(store, controller)
	httpSrv.SetLedger(ledgerStore)
	httpSrv.SetRenderer(renderer)
	httpSrv.SetMetrics(collector)
	httpSrv.SetPresets(presets, cfg.DefaultModel)
	httpSrv.SetSSEPingInterval(cfg.SSEPingInterval)
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[inferd/http] ", log.LstdFlags|log.Lmicroseconds))

	addr := fmt.Sprintf(":%d", cfg.ListenPort)
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset: event streams outlive any fixed bound.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("inferd listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// openLedger builds the configured usage ledger, optionally wrapped with
// async batching. Returns nil when the ledger is disabled.
func openLedger(cfg config.DaemonConfig) ledger.Store {
	var store ledger.Store
	var err error
	switch cfg.LedgerDriver {
	case "none":
		log.Printf("usage ledger disabled")
		return nil
	case "postgres":
		store, err = ledgerpg.New(cfg.PostgresDSN, 10, 5, 30*time.Minute, 5*time.Minute)
	default:
		store, err = ledgersql.New(cfg.LedgerPath)
	}
	if err != nil {
		log.Fatalf("open ledger (%s): %v", cfg.LedgerDriver, err)
	}
	if cfg.LedgerAsync {
		store = ledgerasync.New(store, ledgerasync.Config{
			BatchSize:     cfg.LedgerBatchSize,
			FlushInterval: cfg.LedgerFlushInterval,
			Logger:        log.Default(),
		})
		log.Printf("usage ledger driver=%s async=true batch=%d", cfg.LedgerDriver, cfg.LedgerBatchSize)
	} else {
		log.Printf("usage ledger driver=%s async=false", cfg.LedgerDriver)
	}
	return store
}

// usageRecorder feeds terminal sessions into the ledger and metrics.
type usageRecorder struct {
	ledger    ledger.Store
	collector *metrics.Collector
}

func (r *usageRecorder) RecordSession(id, model string, outcome session.Outcome, promptChars, completionChars int64, attempts int) {
	if r.collector != nil {
		r.collector.RecordSessionOutcome(outcome == session.OutcomeComplete, promptChars, completionChars)
		for i := 1; i < attempts; i++ {
			r.collector.RecordRetry()
		}
	}
	if r.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.ledger.Record(ctx, ledger.Entry{
		SessionID:       id,
		Model:           model,
		Outcome:         string(outcome),
		PromptChars:     promptChars,
		CompletionChars: completionChars,
		Attempts:        attempts,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		log.Printf("ledger.record session=%s err=%v", id, err)
	}
}
