package vad

import (
	"math"
	"testing"
)

const testSampleRate = 16000

// speechFrame returns one frame of a loud 200 Hz tone, which the detector
// classifies as speech at every aggressiveness level.
func speechFrame(frameMs int) []byte {
	n := testSampleRate * frameMs / 1000
	out := make([]byte, n*2)
	for i := range n {
		s := int16(24000 * math.Sin(2*math.Pi*200*float64(i)/testSampleRate))
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// silentFrame returns one frame of digital silence.
func silentFrame(frameMs int) []byte {
	return make([]byte, testSampleRate*frameMs/1000*2)
}

func newTestSegmenter(t *testing.T, frameMs int) *Segmenter {
	t.Helper()
	seg, err := NewSegmenter(SegmenterConfig{
		Detector: Config{SampleRate: testSampleRate, FrameMs: frameMs, Aggressiveness: 2},
	})
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	return seg
}

// push feeds count copies of frame and collects emitted segments.
func push(t *testing.T, s *Segmenter, frame []byte, count int) []Segment {
	t.Helper()
	var out []Segment
	for range count {
		segs, err := s.Push(frame)
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		out = append(out, segs...)
	}
	return out
}

func TestSegmenter_SingleSegmentWithPadding(t *testing.T) {
	s := newTestSegmenter(t, 30)

	var got []Segment
	got = append(got, push(t, s, silentFrame(30), 5)...)
	got = append(got, push(t, s, speechFrame(30), 20)...) // 600 ms of speech
	got = append(got, push(t, s, silentFrame(30), 10)...)

	if len(got) != 1 {
		t.Fatalf("emitted %d segments, want 1", len(got))
	}
	seg := got[0]
	if seg.Seq != 0 {
		t.Errorf("seq = %d, want 0", seg.Seq)
	}
	// Onset at 150 ms, five pre-pad frames reach back to 0.
	if seg.StartMs != 0 {
		t.Errorf("start_ms = %d, want 0", seg.StartMs)
	}
	if seg.EndMs != 750 {
		t.Errorf("end_ms = %d, want 750", seg.EndMs)
	}
	// Trailing post-pad silence is trimmed from the PCM.
	wantBytes := testSampleRate * 750 / 1000 * 2
	if len(seg.PCM) != wantBytes {
		t.Errorf("pcm length = %d, want %d", len(seg.PCM), wantBytes)
	}
}

func TestSegmenter_IsolatedShortBurstNotEmitted(t *testing.T) {
	s := newTestSegmenter(t, 10)

	var got []Segment
	got = append(got, push(t, s, silentFrame(10), 10)...)
	got = append(got, push(t, s, speechFrame(10), 29)...) // 290 ms, below the 300 ms minimum
	got = append(got, push(t, s, silentFrame(10), 20)...)
	got = append(got, s.Flush()...)

	if len(got) != 0 {
		t.Fatalf("emitted %d segments for an isolated short burst, want 0", len(got))
	}
}

func TestSegmenter_MinimumLengthBurstEmitted(t *testing.T) {
	s := newTestSegmenter(t, 10)

	var got []Segment
	got = append(got, push(t, s, silentFrame(10), 10)...)
	got = append(got, push(t, s, speechFrame(10), 30)...) // exactly 300 ms
	got = append(got, push(t, s, silentFrame(10), 20)...)

	if len(got) != 1 {
		t.Fatalf("emitted %d segments, want 1", len(got))
	}
}

func TestSegmenter_ShortBurstAbsorbedIntoNext(t *testing.T) {
	s := newTestSegmenter(t, 10)

	var got []Segment
	got = append(got, push(t, s, silentFrame(10), 10)...)
	got = append(got, push(t, s, speechFrame(10), 20)...) // 200 ms burst, too short alone
	got = append(got, push(t, s, silentFrame(10), 15)...)
	got = append(got, push(t, s, speechFrame(10), 40)...) // 400 ms burst
	got = append(got, push(t, s, silentFrame(10), 15)...)

	if len(got) != 1 {
		t.Fatalf("emitted %d segments, want 1", len(got))
	}
	seg := got[0]
	// The absorbed burst's audio leads the segment, so its start reaches back
	// to the burst's padded start.
	if seg.StartMs > 100 {
		t.Errorf("start_ms = %d, want the absorbed burst's start (≤ 100)", seg.StartMs)
	}
	if seg.Seq != 0 {
		t.Errorf("seq = %d, want 0", seg.Seq)
	}
}

func TestSegmenter_ForceCutAtCapNoGap(t *testing.T) {
	s := newTestSegmenter(t, 10)

	// 20,010 ms of continuous speech: one capped segment plus a continuation.
	got := push(t, s, speechFrame(10), 2001)
	got = append(got, s.Flush()...)

	if len(got) != 2 {
		t.Fatalf("emitted %d segments, want 2", len(got))
	}
	first, second := got[0], got[1]
	if first.EndMs-first.StartMs != 20000 {
		t.Errorf("first segment spans %d ms, want 20000", first.EndMs-first.StartMs)
	}
	if second.StartMs != first.EndMs {
		t.Errorf("gap between segments: first ends %d, second starts %d", first.EndMs, second.StartMs)
	}
	if total := second.EndMs - first.StartMs; total != 20010 {
		t.Errorf("segments cover %d ms, want 20010", total)
	}
	if first.Seq != 0 || second.Seq != 1 {
		t.Errorf("seq = %d,%d, want 0,1", first.Seq, second.Seq)
	}
}

func TestSegmenter_SeqIncreasesAndRangesDoNotOverlap(t *testing.T) {
	s := newTestSegmenter(t, 30)

	var got []Segment
	for range 3 {
		got = append(got, push(t, s, speechFrame(30), 12)...) // 360 ms
		got = append(got, push(t, s, silentFrame(30), 12)...)
	}

	if len(got) != 3 {
		t.Fatalf("emitted %d segments, want 3", len(got))
	}
	for i, seg := range got {
		if seg.Seq != uint64(i) {
			t.Errorf("segment %d: seq = %d", i, seg.Seq)
		}
		if i > 0 && got[i-1].EndMs > seg.StartMs {
			t.Errorf("segment %d starts at %d before previous end %d", i, seg.StartMs, got[i-1].EndMs)
		}
	}
}

func TestSegmenter_WrongFrameSize(t *testing.T) {
	s := newTestSegmenter(t, 30)
	if _, err := s.Push(make([]byte, 10)); err == nil {
		t.Fatal("expected error for wrong frame size")
	}
}

func TestNewSegmenter_InvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"bad frame_ms", Config{SampleRate: 16000, FrameMs: 15}},
		{"bad aggressiveness", Config{SampleRate: 16000, FrameMs: 30, Aggressiveness: 4}},
		{"bad sample rate", Config{FrameMs: 30}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSegmenter(SegmenterConfig{Detector: tc.cfg}); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}
