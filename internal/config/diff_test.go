package config_test

import (
	"testing"
	"time"

	"github.com/kmizuno/streamscribe/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	d := config.Diff(cfg, cfg)
	if d.Any() {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
}

func TestDiff_TuningChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	new := &config.Config{}
	new.VAD.MaxSegment = 30 * time.Second
	new.Sentence.HardLen = 500

	d := config.Diff(old, new)
	if !d.VADChanged {
		t.Error("expected VADChanged=true")
	}
	if !d.SentenceChanged {
		t.Error("expected SentenceChanged=true")
	}
}

func TestDiff_AggressivenessComparedByValue(t *testing.T) {
	t.Parallel()
	two, alsoTwo, three := 2, 2, 3

	old := &config.Config{}
	old.VAD.Aggressiveness = &two
	new := &config.Config{}
	new.VAD.Aggressiveness = &alsoTwo

	// Reloading re-parses the file into fresh pointers; equal values must not
	// count as a change.
	if d := config.Diff(old, new); d.VADChanged {
		t.Error("equal aggressiveness behind distinct pointers flagged as changed")
	}

	new.VAD.Aggressiveness = &three
	if d := config.Diff(old, new); !d.VADChanged {
		t.Error("aggressiveness 2 → 3 not flagged as a VAD change")
	}
	new.VAD.Aggressiveness = nil
	if d := config.Diff(old, new); !d.VADChanged {
		t.Error("dropping an explicit aggressiveness not flagged as a VAD change")
	}
}

func TestDiff_RestartOnlyChangesIgnored(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{ListenAddr: ":8080"}}
	new := &config.Config{Server: config.ServerConfig{ListenAddr: ":9090"}}
	new.Slack.BotToken = "xoxb-other"

	if d := config.Diff(old, new); d.Any() {
		t.Errorf("diff = %+v, want empty for restart-only changes", d)
	}
}
