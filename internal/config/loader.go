package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/kmizuno/streamscribe/internal/store"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are ignored so configs written for newer versions still load.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Whisper.Model != "" && !slices.Contains(store.WhisperModels, cfg.Whisper.Model) {
		errs = append(errs, fmt.Errorf("whisper.model %q is invalid; valid values: %v", cfg.Whisper.Model, store.WhisperModels))
	}
	if cfg.Whisper.Workers < 0 {
		errs = append(errs, fmt.Errorf("whisper.workers %d is negative", cfg.Whisper.Workers))
	}
	if cfg.Whisper.ModelPath == "" {
		slog.Warn("whisper.model_path is empty; transcription cannot start until a model is configured")
	}

	if cfg.Slack.BotToken == "" {
		slog.Warn("slack.bot_token is empty; only workspaces registered in the store will be served")
	}
	if cfg.Slack.AppToken == "" && cfg.Slack.SigningSecret == "" && cfg.Slack.BotToken != "" {
		slog.Warn("neither slack.app_token nor slack.signing_secret is set; no command transport will reach the fallback workspace")
	}

	switch cfg.VAD.FrameMs {
	case 0, 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("vad.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.VAD.FrameMs))
	}
	if agg := cfg.VAD.Aggressiveness; agg != nil && (*agg < 0 || *agg > 3) {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is invalid; valid values: 0 through 3", *agg))
	}
	if cfg.VAD.PrePadFrames < 0 || cfg.VAD.PostPadFrames < 0 {
		errs = append(errs, errors.New("vad padding frame counts must not be negative"))
	}
	if cfg.VAD.MinSegment < 0 || cfg.VAD.MaxSegment < 0 {
		errs = append(errs, errors.New("vad segment durations must not be negative"))
	}
	if cfg.VAD.MinSegment > 0 && cfg.VAD.MaxSegment > 0 && cfg.VAD.MinSegment >= cfg.VAD.MaxSegment {
		errs = append(errs, fmt.Errorf("vad.min_segment %v must be below vad.max_segment %v", cfg.VAD.MinSegment, cfg.VAD.MaxSegment))
	}

	if cfg.Sentence.SoftLen < 0 || cfg.Sentence.HardLen < 0 {
		errs = append(errs, errors.New("sentence lengths must not be negative"))
	}
	if cfg.Sentence.SoftLen > 0 && cfg.Sentence.HardLen > 0 && cfg.Sentence.SoftLen >= cfg.Sentence.HardLen {
		errs = append(errs, fmt.Errorf("sentence.soft_len %d must be below sentence.hard_len %d", cfg.Sentence.SoftLen, cfg.Sentence.HardLen))
	}
	if cfg.Sentence.FlushSilence < 0 {
		errs = append(errs, errors.New("sentence.flush_silence must not be negative"))
	}

	return errors.Join(errs...)
}
