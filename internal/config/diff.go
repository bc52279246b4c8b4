package config

// ConfigDiff describes what changed between two configs. Only fields that can
// be safely hot-reloaded are tracked: the log level takes effect immediately,
// tuning changes apply to streams started after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged marks a change to any voice-activity tuning value.
	VADChanged bool

	// SentenceChanged marks a change to any sentence-assembly tuning value.
	SentenceChanged bool
}

// Any reports whether the diff contains any applicable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VADChanged || d.SentenceChanged
}

// Diff compares old and new configs and returns what changed. Changes that
// require a restart (listen address, credentials, model paths) are ignored.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !vadEqual(old.VAD, new.VAD) {
		d.VADChanged = true
	}
	if old.Sentence != new.Sentence {
		d.SentenceChanged = true
	}

	return d
}

// vadEqual compares by value; the aggressiveness pointer would otherwise
// compare by identity and flag every reload as a change.
func vadEqual(a, b VADConfig) bool {
	if (a.Aggressiveness == nil) != (b.Aggressiveness == nil) {
		return false
	}
	if a.Aggressiveness != nil && *a.Aggressiveness != *b.Aggressiveness {
		return false
	}
	a.Aggressiveness, b.Aggressiveness = nil, nil
	return a == b
}
