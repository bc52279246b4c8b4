package sentence

import (
	"strings"
	"unicode"
)

const (
	// DefaultDedupeWindow is how many recent sentences are compared against.
	DefaultDedupeWindow = 10

	// DefaultDedupeThreshold is the word-overlap ratio above which a
	// sentence counts as a repeat.
	DefaultDedupeThreshold = 0.8
)

// Deduper suppresses near-identical sentences, which live transcription
// produces when the engine re-decodes overlapping audio. Not safe for
// concurrent use.
type Deduper struct {
	window    int
	threshold float64
	recent    [][]string
}

// NewDeduper creates a deduper. Non-positive arguments take the defaults.
func NewDeduper(window int, threshold float64) *Deduper {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	if threshold <= 0 {
		threshold = DefaultDedupeThreshold
	}
	return &Deduper{window: window, threshold: threshold}
}

// Duplicate reports whether text repeats a recent sentence. Fresh text is
// recorded; repeats are not.
func (d *Deduper) Duplicate(text string) bool {
	toks := tokenize(text)
	if len(toks) == 0 {
		return false
	}
	for _, prev := range d.recent {
		if similarity(toks, prev) > d.threshold {
			return true
		}
	}
	d.recent = append(d.recent, toks)
	if len(d.recent) > d.window {
		d.recent = d.recent[1:]
	}
	return false
}

// tokenize lowercases and splits on spaces; text without spaces (CJK) falls
// back to per-rune tokens so the overlap measure still works.
func tokenize(text string) []string {
	text = strings.ToLower(strings.TrimSpace(text))
	toks := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len(toks) > 1 {
		return toks
	}
	var runes []string
	for _, r := range text {
		if unicode.IsPunct(r) || unicode.IsSpace(r) {
			continue
		}
		runes = append(runes, string(r))
	}
	return runes
}

// similarity is the Jaccard index of the two token sets.
func similarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	var inter int
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
