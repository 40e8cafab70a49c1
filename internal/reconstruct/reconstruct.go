// Package reconstruct turns the noisy text accumulated from a token stream
// into a finalized result. Providers routinely terminate structured output
// mid-token, wrap it in prose, or smuggle typographic quotes into it; the
// recovery ladder tries increasingly permissive strategies before giving up.
package reconstruct

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Shape declares the result form the caller expects. It is decided when the
// session is created, never sniffed from content.
type Shape string

const (
	// ShapeObject means the accumulated text must yield a JSON object.
	ShapeObject Shape = "object"
	// ShapeText means the accumulated text is the result, verbatim.
	ShapeText Shape = "text"
)

// ParseShape maps a request-level format string to a Shape.
func ParseShape(v string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "text", "plain":
		return ShapeText, nil
	case "object", "json", "json_object":
		return ShapeObject, nil
	default:
		return "", fmt.Errorf("reconstruct: unknown response format %q", v)
	}
}

// Result is a finalized session outcome: exactly one of Object or Text is
// meaningful, selected by Shape.
type Result struct {
	Shape  Shape
	Object map[string]interface{}
	Text   string
}

// MarshalJSON emits the payload carried by a complete frame: the object
// itself for structured results, a JSON string for free text.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Shape == ShapeObject {
		return json.Marshal(r.Object)
	}
	return json.Marshal(r.Text)
}

// Error reports that no rung of the recovery ladder produced a usable
// object. Raw carries the accumulated text for diagnosis.
type Error struct {
	Reason string
	Raw    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconstruct: %s (raw %d bytes): %s", e.Reason, len(e.Raw), preview(e.Raw, 256))
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Finalize converts the accumulated buffer into a Result according to the
// declared shape. For ShapeText the buffer is returned as-is. For
// ShapeObject the recovery ladder is applied in order:
//
//  1. direct parse
//  2. bracket-balance scan extracting the first balanced {...} region
//  3. normalization (smart quotes, control chars, whitespace, trailing
//     commas) followed by re-parse of the balanced region
//  4. last-resort property extraction rebuilding a minimal object from
//     "key": value fragments
//
// An empty ladder result is a failure, never an empty success object.
func Finalize(buf string, shape Shape) (Result, error) {
	if shape == ShapeText {
		return Result{Shape: ShapeText, Text: buf}, nil
	}

	trimmed := strings.TrimSpace(buf)
	if trimmed == "" {
		return Result{}, &Error{Reason: "empty stream output", Raw: buf}
	}

	// Rung 1: the happy path.
	if obj, ok := parseObject(trimmed); ok {
		return Result{Shape: ShapeObject, Object: obj}, nil
	}

	// Rung 2: discard leading/trailing noise around the first balanced region.
	if region, ok := balancedRegion(trimmed); ok {
		if obj, ok := parseObject(region); ok {
			return Result{Shape: ShapeObject, Object: obj}, nil
		}

		// Rung 3: normalize the region and re-parse.
		if obj, ok := parseObject(normalize(region)); ok {
			return Result{Shape: ShapeObject, Object: obj}, nil
		}
	}

	// Rung 3 (no balanced region): normalize the whole buffer and rescan.
	norm := normalize(trimmed)
	if obj, ok := parseObject(norm); ok {
		return Result{Shape: ShapeObject, Object: obj}, nil
	}
	if region, ok := balancedRegion(norm); ok {
		if obj, ok := parseObject(region); ok {
			return Result{Shape: ShapeObject, Object: obj}, nil
		}
	}

	// Rung 4: salvage whatever "key": value pairs survive in the wreckage.
	if obj := extractProperties(norm); len(obj) > 0 {
		return Result{Shape: ShapeObject, Object: obj}, nil
	}

	return Result{}, &Error{Reason: "no parseable object after recovery", Raw: buf}
}

// parseObject attempts a strict parse into a JSON object.
func parseObject(s string) (map[string]interface{}, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		return nil, false
	}
	return obj, true
}
