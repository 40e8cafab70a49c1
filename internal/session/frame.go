package session

import "github.com/infergate/infergate/internal/reconstruct"

// FrameKind discriminates the event frames pushed to subscribers.
type FrameKind string

const (
	FrameStatus   FrameKind = "status"
	FrameChunk    FrameKind = "chunk"
	FrameComplete FrameKind = "complete"
	FrameError    FrameKind = "error"
)

// Frame is one normalized event pushed to every subscriber of a session.
// Data is JSON-marshaled into the SSE data field: a string for status,
// chunk and error frames, the finalized result for complete frames.
type Frame struct {
	Kind FrameKind
	Data interface{}
}

// Terminal reports whether the frame ends the session's event sequence.
func (f Frame) Terminal() bool {
	return f.Kind == FrameComplete || f.Kind == FrameError
}

func statusFrame(msg string) Frame { return Frame{Kind: FrameStatus, Data: msg} }

func chunkFrame(delta string) Frame { return Frame{Kind: FrameChunk, Data: delta} }

func completeFrame(res reconstruct.Result) Frame { return Frame{Kind: FrameComplete, Data: res} }

func errorFrame(reason string) Frame { return Frame{Kind: FrameError, Data: reason} }
