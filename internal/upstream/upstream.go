package upstream

import "context"

// Message is one entry in the transcript sent to the inference provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the parameters for one streaming completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Event is one item read from an upstream stream. Exactly one terminal event
// is delivered per stream: Done=true on the provider's end-of-stream marker,
// or Err set on failure. Delta events carry incremental content only.
type Event struct {
	Delta string
	Done  bool
	Err   error
}

// Client opens a chunked completion request against an inference provider and
// yields content deltas until the provider signals end of stream. The client
// does not retry; callers decide using IsRetryable/IsAuthError.
type Client interface {
	StreamCompletion(ctx context.Context, req Request) (<-chan Event, error)
}
