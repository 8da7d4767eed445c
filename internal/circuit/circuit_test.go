package circuit

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"subtitler/pkg/models"
)

// writeWAV writes a minimal canonical mono 16-bit PCM WAV file containing
// samples generated by gen(i), used to drive AnalyzeWAV deterministically
// without needing real audio fixtures.
func writeWAV(t *testing.T, sampleRate int, n int, gen func(i int) int16) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk.wav")

	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(gen(i)))
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	write := func(b []byte) { _, err := f.Write(b); require.NoError(t, err) }
	u32 := func(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }

	fmtBody := append(append(u16(1), u16(1)...), append(u32(uint32(sampleRate)), append(u32(uint32(sampleRate*2)), append(u16(2), u16(16)...)...)...)...)

	write([]byte("RIFF"))
	write(u32(uint32(4 + 8 + len(fmtBody) + 8 + len(data))))
	write([]byte("WAVE"))
	write([]byte("fmt "))
	write(u32(uint32(len(fmtBody))))
	write(fmtBody)
	write([]byte("data"))
	write(u32(uint32(len(data))))
	write(data)

	return path
}

func TestAnalyzeWAVSteadyToneScoresHighMusicality(t *testing.T) {
	path := writeWAV(t, 16000, frameSize+hopSize*3, func(i int) int16 {
		return int16(8000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	})
	j, err := AnalyzeWAV(path, 0.35, 0.65)
	require.NoError(t, err)
	require.Greater(t, j.Score, 0.5)
	require.True(t, j.ShouldSeparate)
}

func TestAnalyzeWAVNoisyShortSignalScoresBelowOne(t *testing.T) {
	path := writeWAV(t, 16000, frameSize+hopSize*3, func(i int) int16 {
		// Pseudo-random-looking but deterministic; high ZCR, but ZCR and
		// centroid barely vary from frame to frame, so the score stays
		// close to (though below) 1.
		v := (i*2654435761 + 7) % 20001
		return int16(v - 10000)
	})
	j, err := AnalyzeWAV(path, 0.35, 0.65)
	require.NoError(t, err)
	require.Less(t, j.Score, 1.0)
}

func TestAnalyzeWAVTooShortIsLevelNone(t *testing.T) {
	path := writeWAV(t, 16000, frameSize-1, func(i int) int16 { return 0 })
	j, err := AnalyzeWAV(path, 0.35, 0.65)
	require.NoError(t, err)
	require.Equal(t, LevelNone, j.Level)
	require.False(t, j.ShouldSeparate)
}

func TestAnalyzeWAVRejectsNonRIFF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file at all"), 0o644))
	_, err := AnalyzeWAV(path, 0.35, 0.65)
	require.Error(t, err)
}

func TestTierNextWalksChainAndStopsAtTop(t *testing.T) {
	require.Equal(t, TierWeak, TierNone.Next())
	require.Equal(t, TierStrong, TierWeak.Next())
	require.Equal(t, TierFallback, TierStrong.Next())
	require.Equal(t, TierFallback, TierFallback.Next())
}

func TestResolveSeparationTier(t *testing.T) {
	require.Equal(t, TierNone, ResolveSeparationTier(models.SeparationOff, LevelHeavy, true))
	require.Equal(t, TierNone, ResolveSeparationTier(models.SeparationAuto, LevelHeavy, false))
	require.Equal(t, TierStrong, ResolveSeparationTier(models.SeparationAuto, LevelHeavy, true))
	require.Equal(t, TierWeak, ResolveSeparationTier(models.SeparationAuto, LevelLight, true))
	require.Equal(t, TierNone, ResolveSeparationTier(models.SeparationAuto, LevelNone, true))
	require.Equal(t, TierWeak, ResolveSeparationTier(models.SeparationAlways, LevelNone, true))
}

func TestConfidenceGateAcceptsHighConfidence(t *testing.T) {
	e := New(DefaultThresholds())
	d := e.ConfidenceGate("job1", 0, TierWeak, 0.9, false)
	require.Equal(t, DecisionAccept, d.Kind)
}

func TestConfidenceGateUpgradesOnNoiseTag(t *testing.T) {
	e := New(DefaultThresholds())
	d := e.ConfidenceGate("job1", 0, TierWeak, 0.5, true)
	require.Equal(t, DecisionUpgradeSeparation, d.Kind)
	require.Equal(t, TierStrong, d.NextTier)
}

func TestConfidenceGateUpgradesOnVeryLowConfidence(t *testing.T) {
	e := New(DefaultThresholds())
	d := e.ConfidenceGate("job1", 0, TierNone, 0.1, false)
	require.Equal(t, DecisionUpgradeSeparation, d.Kind)
	require.Equal(t, TierWeak, d.NextTier)
}

func TestConfidenceGateRetriesWhenNoTierLeftAndConfidenceModerate(t *testing.T) {
	e := New(DefaultThresholds())
	d := e.ConfidenceGate("job1", 0, TierFallback, 0.5, false)
	require.Equal(t, DecisionRecognizerRetry, d.Kind)
}

func TestConfidenceGateTripsCircuitOnConsecutiveFailures(t *testing.T) {
	e := New(DefaultThresholds())
	var last Decision
	for i := 0; i < 3; i++ {
		last = e.ConfidenceGate("job1", i, TierFallback, 0.2, false)
	}
	require.Equal(t, DecisionCircuitBreak, last.Kind)
}

func TestConfidenceGateResetsConsecutiveOnAccept(t *testing.T) {
	e := New(DefaultThresholds())
	e.ConfidenceGate("job1", 0, TierFallback, 0.2, false)
	e.ConfidenceGate("job1", 1, TierFallback, 0.2, false)
	d := e.ConfidenceGate("job1", 2, TierFallback, 0.9, false)
	require.Equal(t, DecisionAccept, d.Kind)

	// Another low-confidence retry should not trip immediately since the
	// consecutive counter was reset by the accept above.
	d = e.ConfidenceGate("job1", 3, TierFallback, 0.2, false)
	require.Equal(t, DecisionRecognizerRetry, d.Kind)
}

func TestForgetJobDropsState(t *testing.T) {
	e := New(DefaultThresholds())
	e.ConfidenceGate("job1", 0, TierWeak, 0.5, true)
	require.Len(t, e.TierHistory("job1"), 1)
	e.ForgetJob("job1")
	require.Len(t, e.TierHistory("job1"), 0)
}
