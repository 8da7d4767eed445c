package engineclient

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndReadMonoPCM16RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.wav")

	samples := make([]float64, 4000)
	for i := range samples {
		samples[i] = math.Sin(2 * math.Pi * 440 * float64(i) / 16000)
	}

	require.NoError(t, writeMonoPCM16WAV(path, samples, 16000))

	got, sr, err := readPCM16Mono(path)
	require.NoError(t, err)
	require.Equal(t, float64(16000), sr)
	require.Len(t, got, len(samples))
	for i := range samples {
		require.InDelta(t, samples[i], got[i], 0.01)
	}
}

func TestVadSplitProducesBoundedSegments(t *testing.T) {
	dir := t.TempDir()
	audioPath := filepath.Join(dir, "audio.wav")

	sr := 16000.0
	totalSeconds := 40
	n := int(sr) * totalSeconds
	samples := make([]float64, n)
	for i := range samples {
		// 20s of tone, 2s silence, 18s of tone: forces one
		// silence-triggered boundary at 20s; the remaining ~20s closes
		// as the final segment, under the hard cap.
		sec := float64(i) / sr
		if sec >= 20 && sec < 22 {
			samples[i] = 0
		} else {
			samples[i] = 0.5 * math.Sin(2*math.Pi*220*float64(i)/sr)
		}
	}
	require.NoError(t, writeMonoPCM16WAV(audioPath, samples, sr))

	segments, err := vadSplit(audioPath, dir)
	require.NoError(t, err)
	require.NotEmpty(t, segments)

	for i, seg := range segments {
		require.LessOrEqual(t, seg.EndMS-seg.StartMS, int64(maxSegmentMS))
		require.Equal(t, i, seg.Index)
		if i > 0 {
			require.Equal(t, segments[i-1].EndMS, seg.StartMS)
		}
	}
}
