// Package config provides the configuration schema, loader, and file watcher
// for the streamscribe server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Slack    SlackConfig    `yaml:"slack"`
	Whisper  WhisperConfig  `yaml:"whisper"`
	YouTube  YouTubeConfig  `yaml:"youtube"`
	Storage  StorageConfig  `yaml:"storage"`
	VAD      VADConfig      `yaml:"vad"`
	Sentence SentenceConfig `yaml:"sentence"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SlackConfig holds the single-workspace fallback credentials. Multi-workspace
// deployments register their credentials through the workspace store instead;
// these values serve lookups under the default team sentinel.
type SlackConfig struct {
	// BotToken is the xoxb- token used for Web API calls.
	BotToken string `yaml:"bot_token"`

	// AppToken is the xapp- token enabling socket mode. Leave empty to
	// receive commands over the HTTP webhook only.
	AppToken string `yaml:"app_token"`

	// SigningSecret verifies inbound webhook requests.
	SigningSecret string `yaml:"signing_secret"`
}

// WhisperConfig selects the transcription model.
type WhisperConfig struct {
	// ModelPath is the path to the ggml model file.
	ModelPath string `yaml:"model_path"`

	// Model names the default model size (tiny, base, small, medium, large).
	// Users can override it per stream with a setting.
	Model string `yaml:"model"`

	// Accelerated declares that GPU inference is available. With acceleration
	// a single worker serialises model access; without it the pool sizes
	// itself from the CPU count.
	Accelerated bool `yaml:"accelerated"`

	// Workers overrides the inference worker count. Zero means automatic.
	Workers int `yaml:"workers"`
}

// YouTubeConfig locates the external media tools.
type YouTubeConfig struct {
	// YTDLPPath is the yt-dlp executable. Defaults to "yt-dlp" on PATH.
	YTDLPPath string `yaml:"ytdlp_path"`

	// FFmpegPath is the ffmpeg executable. Defaults to "ffmpeg" on PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// StorageConfig locates the encrypted credential store.
type StorageConfig struct {
	// Path is the SQLite database file. The encryption key comes from the
	// environment, never from this file.
	Path string `yaml:"path"`
}

// VADConfig tunes voice activity detection. Zero values select the built-in
// defaults.
type VADConfig struct {
	// FrameMs is the analysis frame length in milliseconds: 10, 20, or 30.
	FrameMs int `yaml:"frame_ms"`

	// Aggressiveness selects the detector profile, 0 (permissive) through 3
	// (strict). A pointer because 0 is a valid explicit choice; nil selects
	// the built-in default.
	Aggressiveness *int `yaml:"aggressiveness"`

	// PrePadFrames is how many frames before detected speech are kept.
	PrePadFrames int `yaml:"pre_pad_frames"`

	// PostPadFrames is how much trailing silence closes a segment.
	PostPadFrames int `yaml:"post_pad_frames"`

	// MinSegment discards speech spans shorter than this.
	MinSegment time.Duration `yaml:"min_segment"`

	// MaxSegment force-cuts a segment that never goes silent.
	MaxSegment time.Duration `yaml:"max_segment"`
}

// SentenceConfig tunes sentence assembly. Zero values select the built-in
// defaults.
type SentenceConfig struct {
	// SoftLen is the length past which soft punctuation may split a sentence.
	SoftLen int `yaml:"soft_len"`

	// HardLen force-splits a sentence that never hits punctuation.
	HardLen int `yaml:"hard_len"`

	// FlushSilence flushes a pending sentence after this much quiet.
	FlushSilence time.Duration `yaml:"flush_silence"`
}
