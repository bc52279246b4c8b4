// Package audio provides small helpers for working with raw PCM audio as it
// flows through the transcription pipeline: sample format conversion, energy
// measurement, and duration arithmetic.
//
// All functions operate on little-endian signed 16-bit mono PCM, which is the
// only format the pipeline carries (the media decoder is pinned to
// 16 kHz / mono / s16le).
package audio

import (
	"math"
	"time"
)

// BytesPerSample is the size of one s16le sample.
const BytesPerSample = 2

// Int16ToFloat32 converts little-endian int16 PCM bytes to normalised float32
// samples in [-1, 1]. A trailing odd byte is ignored.
func Int16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// RMS computes the root-mean-square amplitude of int16 PCM bytes, normalised
// to [0, 1]. Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose signs
// differ. Voiced speech has a low rate; fricatives and broadband noise a high
// one. Returns 0 for fewer than two samples.
func ZeroCrossingRate(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n < 2 {
		return 0
	}
	crossings := 0
	prev := int16(pcm[0]) | int16(pcm[1])<<8
	for i := 1; i < n; i++ {
		cur := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if (prev < 0) != (cur < 0) {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(n-1)
}

// Duration returns the wall-clock duration of int16 mono PCM bytes at the
// given sample rate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesForDuration returns the byte length of int16 mono PCM covering d at
// the given sample rate. The result is always sample-aligned.
func BytesForDuration(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	samples := int(int64(d) * int64(sampleRate) / int64(time.Second))
	return samples * BytesPerSample
}
