package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/infergate/infergate/internal/render"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/inferd.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// DaemonConfig describes runtime options for the inference daemon.
type DaemonConfig struct {
	Environment string
	ListenPort  int
	// Backward-compatible base log file; used if specific files unset
	LogFile string
	// Separate log files for CLI and daemon (preferred)
	LogFileCLI    string
	LogFileDaemon string
	LogLevel      string
	// Upstream provider configuration
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIOrg       string
	UpstreamTimeout time.Duration
	DefaultModel    string
	// Session lifecycle tuning
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	TerminalGrace  time.Duration
	IdleWindow     time.Duration
	// SSE keepalive interval for event streams (0 = disabled)
	SSEPingInterval time.Duration
	// Usage ledger: sqlite|postgres|none
	LedgerDriver        string
	LedgerPath          string
	PostgresDSN         string
	LedgerAsync         bool
	LedgerBatchSize     int
	LedgerFlushInterval time.Duration
	// Model preset catalog (YAML); empty disables presets
	PresetsFile string
	// External document renderer
	Render render.Config
}

// LoadDaemonConfig reads the current environment and loads the appropriate daemon config file.
func LoadDaemonConfig(root string) (DaemonConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return DaemonConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return DaemonConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := DaemonConfig{
		Environment: s.Environment,
		ListenPort:  parseOptionalInt(firstNonEmpty(os.Getenv("INFERGATE_PORT"), merged["port"]), 8085),
		LogFile:     firstNonEmpty(os.Getenv("INFERGATE_LOG_FILE"), merged["log_file"]),
		LogLevel:    firstNonEmpty(os.Getenv("INFERGATE_LOG_LEVEL"), merged["log_level"], "info"),
	}
	// Preferred separate log files with env override precedence
	cfg.LogFileCLI = firstNonEmpty(os.Getenv("INFERGATE_LOG_FILE_CLI"), os.Getenv("INFERGATE_LOG_FILE"), merged["log_file_cli"], merged["log_file"])
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("INFERGATE_LOG_FILE_DAEMON"), os.Getenv("INFERGATE_LOG_FILE"), merged["log_file_daemon"], merged["log_file"])

	cfg.OpenAIAPIKey = firstNonEmpty(os.Getenv("INFERGATE_OPENAI_API_KEY"), os.Getenv("OPENAI_API_KEY"), merged["openai_api_key"])
	cfg.OpenAIBaseURL = firstNonEmpty(os.Getenv("INFERGATE_OPENAI_BASE_URL"), merged["openai_base_url"])
	cfg.OpenAIOrg = firstNonEmpty(os.Getenv("INFERGATE_OPENAI_ORG"), merged["openai_org"])
	cfg.DefaultModel = firstNonEmpty(os.Getenv("INFERGATE_DEFAULT_MODEL"), merged["default_model"], "gpt-4o-mini")

	var derr error
	cfg.UpstreamTimeout, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("INFERGATE_UPSTREAM_TIMEOUT"), merged["upstream_timeout"]), 120*time.Second)
	if derr != nil {
		return DaemonConfig{}, fmt.Errorf("invalid upstream_timeout: %w", derr)
	}

	cfg.MaxAttempts = parseOptionalInt(firstNonEmpty(os.Getenv("INFERGATE_MAX_ATTEMPTS"), merged["max_attempts"]), 3)
	cfg.RetryBaseDelay, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("INFERGATE_RETRY_BASE_DELAY"), merged["retry_base_delay"]), 500*time.Millisecond)
	if derr != nil {
		return DaemonConfig{}, fmt.Errorf("invalid retry_base_delay: %w", derr)
	}
	cfg.RetryMaxDelay, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("INFERGATE_RETRY_MAX_DELAY"), merged["retry_max_delay"]), 8*time.Second)
	if derr != nil {
		return DaemonConfig{}, fmt.Errorf("invalid retry_max_delay: %w", derr)
	}
	cfg.TerminalGrace, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("INFERGATE_TERMINAL_GRACE"), merged["terminal_grace"]), 30*time.Second)
	if derr != nil {
		return DaemonConfig{}, fmt.Errorf("invalid terminal_grace: %w", derr)
	}
	cfg.IdleWindow, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("INFERGATE_IDLE_WINDOW"), merged["idle_window"]), 2*time.Minute)
	if derr != nil {
		return DaemonConfig{}, fmt.Errorf("invalid idle_window: %w", derr)
	}
	cfg.SSEPingInterval, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("INFERGATE_SSE_PING_INTERVAL"), merged["sse_ping_interval"]), 15*time.Second)
	if derr != nil {
		return DaemonConfig{}, fmt.Errorf("invalid sse_ping_interval: %w", derr)
	}

	cfg.LedgerDriver = strings.ToLower(strings.TrimSpace(firstNonEmpty(os.Getenv("INFERGATE_LEDGER_DRIVER"), merged["ledger_driver"], "sqlite")))
	switch cfg.LedgerDriver {
	case "sqlite", "postgres", "none":
	default:
		return DaemonConfig{}, fmt.Errorf("invalid ledger_driver %q: want sqlite, postgres or none", cfg.LedgerDriver)
	}
	cfg.LedgerPath = firstNonEmpty(os.Getenv("INFERGATE_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath())
	cfg.PostgresDSN = firstNonEmpty(os.Getenv("INFERGATE_POSTGRES_DSN"), merged["postgres_dsn"])
	if cfg.LedgerDriver == "postgres" && cfg.PostgresDSN == "" {
		return DaemonConfig{}, fmt.Errorf("ledger_driver postgres requires postgres_dsn")
	}
	cfg.LedgerAsync = parseOptionalBool(firstNonEmpty(os.Getenv("INFERGATE_LEDGER_ASYNC"), merged["ledger_async"]), false)
	cfg.LedgerBatchSize = parseOptionalInt(firstNonEmpty(os.Getenv("INFERGATE_LEDGER_BATCH_SIZE"), merged["ledger_batch_size"]), 50)
	cfg.LedgerFlushInterval, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("INFERGATE_LEDGER_FLUSH_INTERVAL"), merged["ledger_flush_interval"]), time.Second)
	if derr != nil {
		return DaemonConfig{}, fmt.Errorf("invalid ledger_flush_interval: %w", derr)
	}

	cfg.PresetsFile = firstNonEmpty(os.Getenv("INFERGATE_PRESETS_FILE"), merged["presets_file"])

	renderArgs := firstNonEmpty(os.Getenv("INFERGATE_RENDER_ARGS"), merged["render_args"])
	renderEnv := firstNonEmpty(os.Getenv("INFERGATE_RENDER_ENV"), merged["render_env"])
	cfg.Render = render.Config{
		Enabled:    parseBool(firstNonEmpty(os.Getenv("INFERGATE_RENDER_ENABLED"), merged["render_enabled"])),
		ScriptPath: firstNonEmpty(os.Getenv("INFERGATE_RENDER_SCRIPT"), merged["render_script_path"]),
		ScriptArgs: parseCSV(renderArgs),
		Env:        parseMap(renderEnv),
	}
	cfg.Render.Timeout, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("INFERGATE_RENDER_TIMEOUT"), merged["render_timeout"]), 30*time.Second)
	if derr != nil {
		return DaemonConfig{}, fmt.Errorf("invalid render_timeout: %w", derr)
	}
	if err := cfg.Render.Validate(); err != nil {
		return DaemonConfig{}, err
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	return dur, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	entries := strings.Split(input, ",")
	result := make(map[string]string)
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		if key != "" {
			result[key] = value
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultLedgerPath returns the fallback usage database location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage.db"
	}
	return filepath.Join(home, ".infergate", "usage.db")
}
