package metrics

import (
	"sync"
	"time"
)

// Collector collects and exports metrics for Prometheus.
// This implementation uses manual metric tracking without external dependencies.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests    map[string]int64 // by endpoint
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by endpoint

	// Session metrics
	sessionsStarted   int64
	sessionsCompleted int64
	sessionsFailed    int64
	sessionsEvicted   int64
	upstreamRetries   int64

	// Stream metrics
	framesByKind    map[string]int64 // frames broadcast, by frame kind
	subscriberDrops int64            // subscribers removed after a failed write

	// Usage metrics
	totalPromptChars     int64
	totalCompletionChars int64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		framesByKind:     make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestErrors[endpoint]++
}

// RecordSessionStart records the launch of an upstream call.
func (c *Collector) RecordSessionStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsStarted++
}

// RecordSessionOutcome records a terminal session transition with its usage.
func (c *Collector) RecordSessionOutcome(completed bool, promptChars, completionChars int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if completed {
		c.sessionsCompleted++
	} else {
		c.sessionsFailed++
	}
	c.totalPromptChars += promptChars
	c.totalCompletionChars += completionChars
}

// RecordRetry records one upstream retry.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreamRetries++
}

// RecordEviction records a session removed from the store.
func (c *Collector) RecordEviction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsEvicted++
}

// RecordFrame records one broadcast frame of the given kind.
func (c *Collector) RecordFrame(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesByKind[kind]++
}

// RecordSubscriberDrop records a subscriber removed after a write failure.
func (c *Collector) RecordSubscriberDrop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriberDrops++
}

// Snapshot is an immutable copy of the collector state.
type Snapshot struct {
	Uptime               int64
	TotalRequests        map[string]int64
	TotalRequestsDur     map[string]int64
	RequestErrors        map[string]int64
	SessionsStarted      int64
	SessionsCompleted    int64
	SessionsFailed       int64
	SessionsEvicted      int64
	UpstreamRetries      int64
	FramesByKind         map[string]int64
	SubscriberDrops      int64
	TotalPromptChars     int64
	TotalCompletionChars int64
}

// GetSnapshot returns a copy of the current state.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Uptime:               int64(time.Since(c.startTime).Seconds()),
		TotalRequests:        copyMap(c.totalRequests),
		TotalRequestsDur:     copyMap(c.totalRequestsDur),
		RequestErrors:        copyMap(c.requestErrors),
		SessionsStarted:      c.sessionsStarted,
		SessionsCompleted:    c.sessionsCompleted,
		SessionsFailed:       c.sessionsFailed,
		SessionsEvicted:      c.sessionsEvicted,
		UpstreamRetries:      c.upstreamRetries,
		FramesByKind:         copyMap(c.framesByKind),
		SubscriberDrops:      c.subscriberDrops,
		TotalPromptChars:     c.totalPromptChars,
		TotalCompletionChars: c.totalCompletionChars,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
