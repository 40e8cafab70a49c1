package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP inferd_uptime_seconds Time since the daemon started\n")
	sb.WriteString("# TYPE inferd_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("inferd_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP inferd_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE inferd_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("inferd_requests_total{endpoint=%q} %d\n", endpoint, snap.TotalRequests[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP inferd_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE inferd_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("inferd_request_errors_total{endpoint=%q} %d\n", endpoint, snap.RequestErrors[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP inferd_request_duration_ms_total Cumulative request duration in ms by endpoint\n")
	sb.WriteString("# TYPE inferd_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		sb.WriteString(fmt.Sprintf("inferd_request_duration_ms_total{endpoint=%q} %d\n", endpoint, snap.TotalRequestsDur[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP inferd_sessions_total Session lifecycle counters\n")
	sb.WriteString("# TYPE inferd_sessions_total counter\n")
	sb.WriteString(fmt.Sprintf("inferd_sessions_total{state=\"started\"} %d\n", snap.SessionsStarted))
	sb.WriteString(fmt.Sprintf("inferd_sessions_total{state=\"completed\"} %d\n", snap.SessionsCompleted))
	sb.WriteString(fmt.Sprintf("inferd_sessions_total{state=\"failed\"} %d\n", snap.SessionsFailed))
	sb.WriteString(fmt.Sprintf("inferd_sessions_total{state=\"evicted\"} %d\n", snap.SessionsEvicted))
	sb.WriteString("\n")

	sb.WriteString("# HELP inferd_upstream_retries_total Total upstream retry attempts\n")
	sb.WriteString("# TYPE inferd_upstream_retries_total counter\n")
	sb.WriteString(fmt.Sprintf("inferd_upstream_retries_total %d\n", snap.UpstreamRetries))
	sb.WriteString("\n")

	sb.WriteString("# HELP inferd_frames_total Broadcast frames by kind\n")
	sb.WriteString("# TYPE inferd_frames_total counter\n")
	for _, kind := range sortedKeys(snap.FramesByKind) {
		sb.WriteString(fmt.Sprintf("inferd_frames_total{kind=%q} %d\n", kind, snap.FramesByKind[kind]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP inferd_subscriber_drops_total Subscribers removed after a failed write\n")
	sb.WriteString("# TYPE inferd_subscriber_drops_total counter\n")
	sb.WriteString(fmt.Sprintf("inferd_subscriber_drops_total %d\n", snap.SubscriberDrops))
	sb.WriteString("\n")

	sb.WriteString("# HELP inferd_usage_chars_total Characters exchanged with the provider\n")
	sb.WriteString("# TYPE inferd_usage_chars_total counter\n")
	sb.WriteString(fmt.Sprintf("inferd_usage_chars_total{direction=\"prompt\"} %d\n", snap.TotalPromptChars))
	sb.WriteString(fmt.Sprintf("inferd_usage_chars_total{direction=\"completion\"} %d\n", snap.TotalCompletionChars))

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
