package ledger

import (
	"context"
	"time"
)

// Entry represents one usage record written after a session terminates.
// Sizes are character counts of the prompt and the accumulated completion;
// the gateway does not tokenize.
type Entry struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	Model           string    `json:"model"`
	Outcome         string    `json:"outcome"`
	PromptChars     int64     `json:"prompt_chars"`
	CompletionChars int64     `json:"completion_chars"`
	Attempts        int       `json:"attempts"`
	CreatedAt       time.Time `json:"created_at"`
}

// Summary aggregates usage across all recorded sessions.
type Summary struct {
	Sessions        int64 `json:"sessions"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	PromptChars     int64 `json:"prompt_chars"`
	CompletionChars int64 `json:"completion_chars"`
}

// Store defines persistence behaviour for the usage ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context) (Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
