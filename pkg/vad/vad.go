// Package vad implements frame-level voice activity detection and speech
// segmentation for a single PCM stream.
//
// The detector classifies fixed-size audio frames as speech or silence using
// short-term energy and zero-crossing rate against an adaptive noise floor.
// The [Segmenter] layers boundary logic on top: padding around speech onsets
// and offsets, a minimum segment length, and a hard length cap.
//
// A Detector or Segmenter serves exactly one stream and must not be shared
// across goroutines.
package vad

import (
	"fmt"
	"slices"

	"github.com/kmizuno/streamscribe/pkg/audio"
)

// ValidFrameMs lists the supported frame durations in milliseconds.
var ValidFrameMs = []int{10, 20, 30}

const (
	// DefaultFrameMs is the frame duration used when none is configured.
	DefaultFrameMs = 30

	// DefaultAggressiveness is the detection strictness used when none is
	// configured.
	DefaultAggressiveness = 2
)

// Config holds the parameters for a frame detector.
type Config struct {
	// SampleRate is the PCM sample rate in Hz. Must match the frames passed to
	// Classify.
	SampleRate int

	// FrameMs is the duration of each frame in milliseconds. Must be one of
	// [ValidFrameMs].
	FrameMs int

	// Aggressiveness selects detection strictness in {0,1,2,3}. Higher values
	// require more energy above the noise floor to classify a frame as speech,
	// reducing false positives at the cost of clipping quiet speech onsets.
	Aggressiveness int
}

// withDefaults returns cfg with zero values replaced by package defaults.
func (c Config) withDefaults() Config {
	if c.FrameMs == 0 {
		c.FrameMs = DefaultFrameMs
	}
	return c
}

// validate checks the configuration. Aggressiveness 0 is a valid setting, so
// only the explicit fields are range-checked.
func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("vad: sample rate %d is invalid", c.SampleRate)
	}
	if !slices.Contains(ValidFrameMs, c.FrameMs) {
		return fmt.Errorf("vad: frame_ms %d is invalid; valid values: 10, 20, 30", c.FrameMs)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("vad: aggressiveness %d is out of range [0, 3]", c.Aggressiveness)
	}
	return nil
}

// profile maps an aggressiveness level to detection thresholds.
type profile struct {
	// snr is the multiple of the noise floor a frame's RMS must exceed to be
	// classified as speech.
	snr float64

	// minRMS is the absolute RMS below which a frame is never speech,
	// regardless of the noise floor estimate.
	minRMS float64

	// maxZCR rejects frames whose zero-crossing rate marks them as broadband
	// noise rather than voiced speech.
	maxZCR float64
}

var profiles = [4]profile{
	{snr: 1.5, minRMS: 0.0040, maxZCR: 0.60},
	{snr: 2.0, minRMS: 0.0060, maxZCR: 0.55},
	{snr: 2.5, minRMS: 0.0080, maxZCR: 0.50},
	{snr: 3.5, minRMS: 0.0120, maxZCR: 0.45},
}

// Detector classifies fixed-size PCM frames as speech or silence. It keeps an
// exponentially-decayed estimate of the background noise floor that adapts to
// the stream; the estimate only absorbs frames classified as silence.
type Detector struct {
	cfg        Config
	prof       profile
	frameBytes int
	noiseFloor float64
}

// NewDetector creates a Detector for the given configuration. A zero FrameMs
// selects [DefaultFrameMs].
func NewDetector(cfg Config) (*Detector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:        cfg,
		prof:       profiles[cfg.Aggressiveness],
		frameBytes: audio.BytesPerSample * cfg.SampleRate * cfg.FrameMs / 1000,
	}, nil
}

// FrameBytes returns the required byte length of frames passed to Classify.
func (d *Detector) FrameBytes() int { return d.frameBytes }

// Classify reports whether a single frame contains speech. The frame must be
// exactly [Detector.FrameBytes] long.
func (d *Detector) Classify(frame []byte) (bool, error) {
	if len(frame) != d.frameBytes {
		return false, fmt.Errorf("vad: frame is %d bytes, want %d", len(frame), d.frameBytes)
	}

	rms := audio.RMS(frame)
	zcr := audio.ZeroCrossingRate(frame)

	speech := rms >= d.prof.minRMS &&
		rms >= d.noiseFloor*d.prof.snr &&
		zcr <= d.prof.maxZCR

	if !speech {
		// Slow decay towards the observed silence level.
		d.noiseFloor = d.noiseFloor*0.95 + rms*0.05
	}
	return speech, nil
}

// Reset clears the noise floor estimate. Use when the audio stream is
// interrupted or restarted so stale state does not affect new frames.
func (d *Detector) Reset() {
	d.noiseFloor = 0
}
