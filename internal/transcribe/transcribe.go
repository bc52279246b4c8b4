// Package transcribe turns speech segments into text. A Transcriber runs one
// inference; the Pool schedules inferences across streams with bounded
// per-stream queues so one busy stream cannot starve the rest.
package transcribe

import (
	"context"
	"fmt"
	"runtime"
)

// LanguageAuto asks the engine to detect the spoken language.
const LanguageAuto = "auto"

// Request is one speech segment to transcribe.
type Request struct {
	// Seq orders segments within a stream.
	Seq uint64

	// PCM is 16 kHz mono s16le audio.
	PCM []byte

	// StartMs and EndMs locate the segment on the stream clock.
	StartMs int64
	EndMs   int64

	// Language is a hint ("en", "ja", ...) or [LanguageAuto].
	Language string
}

// Result is the transcription of one segment.
type Result struct {
	Seq     uint64
	StartMs int64
	EndMs   int64

	// Text is empty when the segment held no intelligible speech.
	Text string

	// Language is the detected language of the segment.
	Language string

	Err error
}

// Transcriber runs speech-to-text inference on one segment at a time.
// Implementations must be safe for concurrent calls.
type Transcriber interface {
	// Transcribe converts the request's PCM into text. A segment without
	// intelligible speech yields an empty Text and a nil error.
	Transcribe(ctx context.Context, req Request) Result

	// Accelerated reports whether inference runs on a GPU.
	Accelerated() bool

	Close() error
}

// InferenceError wraps an engine failure so callers can tell inference
// problems from scheduling ones.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string { return fmt.Sprintf("transcribe: inference: %v", e.Err) }
func (e *InferenceError) Unwrap() error { return e.Err }

// Workers returns the worker count for an engine: a single worker when a GPU
// serializes inference anyway, otherwise a small CPU pool.
func Workers(accelerated bool) int {
	if accelerated {
		return 1
	}
	if n := runtime.NumCPU(); n < 4 {
		return n
	}
	return 4
}
