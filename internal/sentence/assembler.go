// Package sentence turns the transcriber's segment texts into readable
// sentences. Segment boundaries follow pauses in speech, not grammar, so the
// assembler buffers text and cuts on punctuation, silence gaps, and length.
package sentence

import (
	"strings"
	"time"
	"unicode"
)

const (
	// DefaultSoftLen is the buffer length past which a soft punctuation
	// boundary may cut.
	DefaultSoftLen = 120

	// DefaultHardLen is the buffer length at which a cut is forced even
	// without punctuation.
	DefaultHardLen = 400

	// DefaultFlushSilence is the speech gap that flushes the buffer before
	// the next segment is appended. It outranks every other rule.
	DefaultFlushSilence = 1500 * time.Millisecond
)

// Sentence is one unit of posted text.
type Sentence struct {
	// Ord orders sentences within a stream, starting at 0.
	Ord uint64

	Text    string
	StartMs int64
	EndMs   int64
}

// Config tunes an [Assembler]. Zero values take the defaults.
type Config struct {
	SoftLen      int
	HardLen      int
	FlushSilence time.Duration
}

func (c Config) withDefaults() Config {
	if c.SoftLen <= 0 {
		c.SoftLen = DefaultSoftLen
	}
	if c.HardLen <= 0 {
		c.HardLen = DefaultHardLen
	}
	if c.FlushSilence <= 0 {
		c.FlushSilence = DefaultFlushSilence
	}
	return c
}

// Assembler accumulates segment text and emits sentences. Not safe for
// concurrent use; each stream owns one.
type Assembler struct {
	cfg Config

	buf       []rune
	bufStart  int64
	lastEndMs int64
	ord       uint64
}

// NewAssembler creates an assembler with cfg.
func NewAssembler(cfg Config) *Assembler {
	return &Assembler{cfg: cfg.withDefaults()}
}

// Push appends one segment's text and returns any sentences it completed.
// Empty text still advances the silence clock.
func (a *Assembler) Push(text string, startMs, endMs int64) []Sentence {
	var out []Sentence

	// A long enough speech gap flushes whatever is buffered, before the new
	// text is considered.
	if len(a.buf) > 0 && a.lastEndMs > 0 {
		gap := time.Duration(startMs-a.lastEndMs) * time.Millisecond
		if gap >= a.cfg.FlushSilence {
			out = append(out, a.emit(a.lastEndMs))
		}
	}

	text = strings.TrimSpace(text)
	if text != "" {
		if len(a.buf) == 0 {
			a.bufStart = startMs
		} else if needsSpace(a.buf[len(a.buf)-1], []rune(text)[0]) {
			a.buf = append(a.buf, ' ')
		}
		a.buf = append(a.buf, []rune(text)...)
	}
	a.lastEndMs = endMs

	out = append(out, a.cut(startMs, endMs)...)
	return out
}

// Flush emits the remaining buffer, if any. Call at end of stream.
func (a *Assembler) Flush() []Sentence {
	if len(a.buf) == 0 {
		return nil
	}
	return []Sentence{a.emit(a.lastEndMs)}
}

// cut repeatedly slices completed sentences off the front of the buffer.
func (a *Assembler) cut(segStart, segEnd int64) []Sentence {
	var out []Sentence
	for {
		idx := a.boundary()
		if idx < 0 {
			break
		}
		s := Sentence{
			Ord:     a.ord,
			Text:    strings.TrimSpace(string(a.buf[:idx+1])),
			StartMs: a.bufStart,
			EndMs:   segEnd,
		}
		a.ord++
		a.buf = []rune(strings.TrimLeftFunc(string(a.buf[idx+1:]), unicode.IsSpace))
		a.bufStart = segStart
		if s.Text != "" {
			out = append(out, s)
		}
	}
	return out
}

// boundary returns the index of the first rune a sentence may end on, or -1.
func (a *Assembler) boundary() int {
	n := len(a.buf)
	for i, r := range a.buf {
		next := rune(-1)
		if i+1 < n {
			next = a.buf[i+1]
		}
		if isStrongBoundary(r, next) {
			return i
		}
		if n > a.cfg.SoftLen && isSoftBoundary(r, next) && i+1 >= a.cfg.SoftLen/2 {
			return i
		}
	}
	if n >= a.cfg.HardLen {
		return hardCut(a.buf, a.cfg.HardLen)
	}
	return -1
}

func (a *Assembler) emit(endMs int64) Sentence {
	s := Sentence{
		Ord:     a.ord,
		Text:    strings.TrimSpace(string(a.buf)),
		StartMs: a.bufStart,
		EndMs:   endMs,
	}
	a.ord++
	a.buf = nil
	return s
}

// isStrongBoundary reports whether r ends a sentence. The CJK marks are
// unambiguous. The ASCII marks count only when nothing or whitespace follows,
// which keeps dots inside hostnames and question marks inside URL queries
// from splitting a URL token.
func isStrongBoundary(r, next rune) bool {
	switch r {
	case '。', '？', '！':
		return true
	case '.', '?', '!':
		return next == -1 || unicode.IsSpace(next)
	}
	return false
}

// isSoftBoundary reports whether r is a clause break usable once the buffer
// is long. Same token guard as the strong ASCII marks, so "1,000" and URL
// colons stay intact.
func isSoftBoundary(r, next rune) bool {
	switch r {
	case '、':
		return true
	case ',', ';', ':':
		return next == -1 || unicode.IsSpace(next)
	}
	return false
}

// hardCut picks the forced cut index: the last space before limit, or limit
// itself when the text has no spaces.
func hardCut(buf []rune, limit int) int {
	if limit > len(buf) {
		limit = len(buf)
	}
	for i := limit - 1; i > limit/2; i-- {
		if unicode.IsSpace(buf[i]) {
			return i
		}
	}
	return limit - 1
}

// needsSpace reports whether a space belongs between two joined segments.
// CJK text joins directly.
func needsSpace(prev, next rune) bool {
	if unicode.IsSpace(prev) {
		return false
	}
	if isCJK(prev) && isCJK(next) {
		return false
	}
	return true
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
