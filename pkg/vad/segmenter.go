package vad

import (
	"time"

	"github.com/kmizuno/streamscribe/pkg/audio"
)

const (
	// DefaultPrePadFrames is how many silent frames preceding a speech onset
	// are included in the emitted segment.
	DefaultPrePadFrames = 5

	// DefaultPostPadFrames is how many consecutive silent frames end an open
	// segment.
	DefaultPostPadFrames = 10

	// MinSegment is the shortest speech span emitted on its own. Shorter
	// bursts are absorbed into the next segment or dropped if nothing follows.
	MinSegment = 300 * time.Millisecond

	// MaxSegment is the hard length cap. A segment reaching it is force-cut
	// and its successor begins immediately with no gap.
	MaxSegment = 20 * time.Second
)

// Segment is a contiguous span of detected speech. Seq increases by exactly
// one per emitted segment and time ranges of consecutive segments never
// overlap.
type Segment struct {
	Seq     uint64
	StartMs int64
	EndMs   int64
	PCM     []byte
}

// SegmenterConfig holds the parameters for a [Segmenter]. Zero values select
// the package defaults.
type SegmenterConfig struct {
	Detector      Config
	PrePadFrames  int
	PostPadFrames int
	MinSegment    time.Duration
	MaxSegment    time.Duration
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	if c.PrePadFrames == 0 {
		c.PrePadFrames = DefaultPrePadFrames
	}
	if c.PostPadFrames == 0 {
		c.PostPadFrames = DefaultPostPadFrames
	}
	if c.MinSegment == 0 {
		c.MinSegment = MinSegment
	}
	if c.MaxSegment == 0 {
		c.MaxSegment = MaxSegment
	}
	return c
}

// Segmenter turns a stream of fixed-size PCM frames into speech segments.
// Push frames in arrival order; each call may emit zero or more completed
// segments. Call Flush once at end of stream to drain the open segment.
//
// Not safe for concurrent use; one Segmenter serves one stream.
type Segmenter struct {
	cfg SegmenterConfig
	det *Detector

	clockMs int64 // start time of the next pushed frame
	frameMs int64
	seq     uint64

	// idle state: ring of recent silent frames for onset padding.
	prePad [][]byte

	// active state.
	active        bool
	continuation  bool // opened by a force-cut, exempt from MinSegment
	startMs       int64
	speechStartMs int64 // onset frame start; MinSegment measures speech, not padding
	speechEndMs   int64 // end of the most recent speech frame
	buf          []byte
	silentRun    int

	// carry holds a closed-but-too-short burst awaiting absorption.
	carry        []byte
	carryStartMs int64
}

// NewSegmenter creates a Segmenter. The detector configuration is validated
// the same way as [NewDetector].
func NewSegmenter(cfg SegmenterConfig) (*Segmenter, error) {
	cfg = cfg.withDefaults()
	det, err := NewDetector(cfg.Detector)
	if err != nil {
		return nil, err
	}
	return &Segmenter{
		cfg:     cfg,
		det:     det,
		frameMs: int64(det.cfg.FrameMs),
	}, nil
}

// FrameBytes returns the required byte length of frames passed to Push.
func (s *Segmenter) FrameBytes() int { return s.det.FrameBytes() }

// Push classifies one frame and advances the segmentation state machine.
// Returns the segments completed by this frame, usually none or one; a
// force-cut at [SegmenterConfig.MaxSegment] can complete one while the next
// is already open.
func (s *Segmenter) Push(frame []byte) ([]Segment, error) {
	speech, err := s.det.Classify(frame)
	if err != nil {
		return nil, err
	}
	frameStart := s.clockMs
	s.clockMs += s.frameMs

	var out []Segment

	if !s.active {
		if !speech {
			s.pushPrePad(frame)
			return nil, nil
		}
		s.open(frameStart)
	}

	s.buf = append(s.buf, frame...)
	if speech {
		s.silentRun = 0
		s.speechEndMs = frameStart + s.frameMs
	} else {
		s.silentRun++
		if s.silentRun >= s.cfg.PostPadFrames {
			if seg, ok := s.close(); ok {
				out = append(out, seg)
			}
			return out, nil
		}
	}

	if time.Duration(s.clockMs-s.startMs)*time.Millisecond >= s.cfg.MaxSegment {
		out = append(out, s.forceCut())
	}
	return out, nil
}

// Flush drains the open segment at end of stream. A pending short burst with
// no successor is dropped here. The Segmenter is ready for reuse afterwards
// only via Reset.
func (s *Segmenter) Flush() []Segment {
	if !s.active {
		s.carry = nil
		return nil
	}
	seg, ok := s.closeAt(s.speechEndMs, s.continuation)
	s.active = false
	if !ok {
		return nil
	}
	return []Segment{seg}
}

// Reset clears all state, including the sequence counter and the stream
// clock. Use only when the whole stream restarts from zero.
func (s *Segmenter) Reset() {
	s.det.Reset()
	s.clockMs = 0
	s.seq = 0
	s.prePad = nil
	s.active = false
	s.continuation = false
	s.buf = nil
	s.silentRun = 0
	s.carry = nil
}

// open begins a new segment at the given frame start, pulling in any carried
// short burst and the pre-pad ring.
func (s *Segmenter) open(frameStart int64) {
	s.active = true
	s.continuation = false
	s.silentRun = 0
	s.buf = s.buf[:0]
	s.speechStartMs = frameStart
	s.speechEndMs = frameStart + s.frameMs

	padFrames := min(len(s.prePad), s.cfg.PrePadFrames)
	s.startMs = frameStart - int64(padFrames)*s.frameMs
	if s.carry != nil {
		// Absorb the preceding short burst; its audio leads the new segment.
		s.buf = append(s.buf, s.carry...)
		s.startMs = s.carryStartMs
		s.carry = nil
	} else {
		for _, f := range s.prePad[len(s.prePad)-padFrames:] {
			s.buf = append(s.buf, f...)
		}
	}
	s.prePad = s.prePad[:0]
}

// close ends the open segment after post-pad silence. Trailing silent frames
// are trimmed from the PCM; the boundary is the last speech frame's end.
func (s *Segmenter) close() (Segment, bool) {
	seg, ok := s.closeAt(s.speechEndMs, s.continuation)
	s.active = false
	return seg, ok
}

// closeAt finalises the buffered audio up to endMs. Returns false when the
// span is below the minimum and must be carried instead of emitted.
func (s *Segmenter) closeAt(endMs int64, exemptMin bool) (Segment, bool) {
	trim := audio.BytesForDuration(time.Duration(s.clockMs-endMs)*time.Millisecond, s.det.cfg.SampleRate)
	pcm := s.buf
	switch {
	case trim >= len(pcm):
		pcm = nil
	case trim > 0:
		pcm = pcm[:len(pcm)-trim]
	}

	if endMs <= s.startMs || len(pcm) == 0 {
		s.buf = nil
		return Segment{}, false
	}
	speechSpan := time.Duration(endMs-s.speechStartMs) * time.Millisecond
	if !exemptMin && speechSpan < s.cfg.MinSegment {
		s.carry = append([]byte(nil), pcm...)
		s.carryStartMs = s.startMs
		s.buf = nil
		return Segment{}, false
	}

	seg := Segment{
		Seq:     s.seq,
		StartMs: s.startMs,
		EndMs:   endMs,
		PCM:     append([]byte(nil), pcm...),
	}
	s.seq++
	s.buf = nil
	return seg, true
}

// forceCut emits the capped segment and opens its continuation at the cut
// point with no gap and no padding.
func (s *Segmenter) forceCut() Segment {
	cut := s.clockMs
	seg := Segment{
		Seq:     s.seq,
		StartMs: s.startMs,
		EndMs:   cut,
		PCM:     append([]byte(nil), s.buf...),
	}
	s.seq++
	s.buf = s.buf[:0]
	s.startMs = cut
	s.speechStartMs = cut
	s.speechEndMs = cut
	s.continuation = true
	s.silentRun = 0
	return seg
}

// pushPrePad appends a silent frame to the onset padding ring.
func (s *Segmenter) pushPrePad(frame []byte) {
	s.prePad = append(s.prePad, append([]byte(nil), frame...))
	if len(s.prePad) > s.cfg.PrePadFrames {
		s.prePad = s.prePad[1:]
	}
}
