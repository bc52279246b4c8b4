// Package whispercpp runs speech-to-text inference through the whisper.cpp
// CGO bindings. The static library (libwhisper.a) and headers must be
// reachable via LIBRARY_PATH and C_INCLUDE_PATH at link time. The model file
// is loaded once and shared; each inference gets a fresh context because
// contexts are not safe for concurrent use.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/kmizuno/streamscribe/internal/transcribe"
	"github.com/kmizuno/streamscribe/pkg/audio"
)

// Compile-time interface check.
var _ transcribe.Transcriber = (*Engine)(nil)

// Engine is a whisper.cpp-backed [transcribe.Transcriber].
type Engine struct {
	model       whisperlib.Model
	accelerated bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithAccelerated marks the engine as GPU-backed, which pins the pool to a
// single worker.
func WithAccelerated() Option {
	return func(e *Engine) { e.accelerated = true }
}

// New loads the model at modelPath. Call Close when done.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: model path is required")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}
	e := &Engine{model: model}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Transcribe runs one inference. An empty Text with nil Err means the
// segment carried no intelligible speech.
func (e *Engine) Transcribe(ctx context.Context, req transcribe.Request) transcribe.Result {
	res := transcribe.Result{Seq: req.Seq, StartMs: req.StartMs, EndMs: req.EndMs}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		res.Err = &transcribe.InferenceError{Err: fmt.Errorf("create context: %w", err)}
		return res
	}

	lang := req.Language
	if lang == "" {
		lang = transcribe.LanguageAuto
	}
	if err := wctx.SetLanguage(lang); err != nil {
		res.Err = &transcribe.InferenceError{Err: fmt.Errorf("set language %q: %w", lang, err)}
		return res
	}

	samples := audio.Int16ToFloat32(req.PCM)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		res.Err = &transcribe.InferenceError{Err: fmt.Errorf("process audio: %w", err)}
		return res
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.Err = &transcribe.InferenceError{Err: fmt.Errorf("read segment: %w", err)}
			return res
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	res.Text = strings.Join(parts, " ")
	if lang == transcribe.LanguageAuto {
		res.Language = wctx.DetectedLanguage()
	} else {
		res.Language = lang
	}
	return res
}

// Accelerated reports whether the model runs on a GPU.
func (e *Engine) Accelerated() bool { return e.accelerated }

// Close releases the model.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}
