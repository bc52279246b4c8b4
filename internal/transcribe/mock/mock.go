// Package mock provides a canned [transcribe.Transcriber] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/kmizuno/streamscribe/internal/transcribe"
)

// Compile-time interface check.
var _ transcribe.Transcriber = (*Transcriber)(nil)

// Transcriber is a test double. Set TranscribeFunc to control results; the
// default echoes a deterministic text per sequence number and records every
// request.
type Transcriber struct {
	TranscribeFunc  func(ctx context.Context, req transcribe.Request) transcribe.Result
	AcceleratedFunc func() bool
	CloseFunc       func() error

	mu   sync.Mutex
	reqs []transcribe.Request
}

func (t *Transcriber) Transcribe(ctx context.Context, req transcribe.Request) transcribe.Result {
	t.mu.Lock()
	t.reqs = append(t.reqs, req)
	t.mu.Unlock()
	if t.TranscribeFunc != nil {
		return t.TranscribeFunc(ctx, req)
	}
	return transcribe.Result{
		Seq:      req.Seq,
		StartMs:  req.StartMs,
		EndMs:    req.EndMs,
		Text:     "segment text",
		Language: "en",
	}
}

func (t *Transcriber) Accelerated() bool {
	if t.AcceleratedFunc != nil {
		return t.AcceleratedFunc()
	}
	return false
}

func (t *Transcriber) Close() error {
	if t.CloseFunc != nil {
		return t.CloseFunc()
	}
	return nil
}

// Requests returns a copy of every request seen so far.
func (t *Transcriber) Requests() []transcribe.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transcribe.Request, len(t.reqs))
	copy(out, t.reqs)
	return out
}
