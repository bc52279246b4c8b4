// Package media produces raw PCM audio for a stream URL by driving two child
// processes: a downloader that resolves the direct media URL and a decoder
// that emits 16 kHz mono s16le on a pipe. The pipeline consumes the byte
// stream; nothing above this package knows about the child processes.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// SampleRate is the PCM rate every stream yields.
	SampleRate = 16000

	// Channels is always mono.
	Channels = 1

	// killGrace is how long children get to exit after the stop signal
	// before they are killed.
	killGrace = 2 * time.Second
)

// Metadata describes the media behind a URL.
type Metadata struct {
	Title    string
	VideoID  string
	Duration time.Duration // zero for live streams
	IsLive   bool
}

// Stream is an open PCM byte stream. Read returns io.EOF at natural end of
// stream. Close is idempotent and releases the child processes on every
// path.
type Stream interface {
	io.ReadCloser

	// Metadata returns what is known about the media, resolved at open time.
	Metadata() Metadata
}

// Source opens PCM streams for URLs. Implementations must classify start
// failures via [StartError].
type Source interface {
	// Probe resolves metadata without starting audio.
	Probe(ctx context.Context, url string, cookies []byte) (Metadata, error)

	// Open starts the audio pipeline. The cookies blob is the user's jar in
	// cookies.txt format; it may be nil for public streams.
	Open(ctx context.Context, url string, cookies []byte) (Stream, error)
}

// StartClass classifies why a media source could not begin.
type StartClass int

const (
	// StartAuth means the source rejected the user's credentials; the
	// remediation is re-uploading cookies.
	StartAuth StartClass = iota

	// StartNotFound means the URL does not resolve to media.
	StartNotFound

	// StartNetwork covers connectivity failures.
	StartNetwork

	// StartUnavailable means the media exists but cannot be streamed right
	// now (not live yet, region-locked, removed).
	StartUnavailable
)

func (c StartClass) String() string {
	switch c {
	case StartAuth:
		return "auth"
	case StartNotFound:
		return "not_found"
	case StartNetwork:
		return "network"
	case StartUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("StartClass(%d)", int(c))
	}
}

// StartError is a classified media start failure.
type StartError struct {
	Class StartClass

	// Hint is the user-facing remediation line posted to the thread.
	Hint string

	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("media: start failed (%s): %v", e.Class, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// AsStartError extracts a [StartError] from err, if any.
func AsStartError(err error) (*StartError, bool) {
	var se *StartError
	ok := errors.As(err, &se)
	return se, ok
}
