package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"subtitler/internal/checkpoint"
	"subtitler/internal/circuit"
	"subtitler/internal/engineclient"
	"subtitler/internal/eventbus"
	"subtitler/internal/modelsup"
	"subtitler/internal/monitor"
	"subtitler/internal/persistence"
	"subtitler/internal/subtitle"
	"subtitler/pkg/models"
)

// writeTinyWAV writes a canonical mono 16-bit PCM WAV short enough that
// circuit.AnalyzeWAV takes its "below one frame" fast path (LevelNone),
// keeping these tests independent of the spectral math.
func writeTinyWAV(t *testing.T, path string) {
	t.Helper()
	const n = 64
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(i%7-3)*1000))
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	write := func(b []byte) { _, err := f.Write(b); require.NoError(t, err) }
	u32 := func(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }

	fmtBody := append(append(u16(1), u16(1)...), append(u32(16000), append(u32(32000), append(u16(2), u16(16)...)...)...)...)

	write([]byte("RIFF"))
	write(u32(uint32(4 + 8 + len(fmtBody) + 8 + len(data))))
	write([]byte("WAVE"))
	write([]byte("fmt "))
	write(u32(uint32(len(fmtBody))))
	write(fmtBody)
	write([]byte("data"))
	write(u32(uint32(len(data))))
	write(data)
}

// fakeTranscoder produces numSegments tiny WAV segments under the
// requested output dir and nothing else; it never shells out to ffmpeg.
type fakeTranscoder struct {
	t           *testing.T
	numSegments int
}

func (f *fakeTranscoder) Extract(ctx context.Context, req engineclient.ExtractRequest, progress engineclient.ProgressFunc) (engineclient.ExtractResult, error) {
	segDir := filepath.Join(req.OutputDir, "segments")
	require.NoError(f.t, os.MkdirAll(segDir, 0o755))

	segs := make([]models.Segment, f.numSegments)
	for i := 0; i < f.numSegments; i++ {
		path := filepath.Join(segDir, fmt.Sprintf("%d.wav", i))
		writeTinyWAV(f.t, path)
		segs[i] = models.Segment{Index: i, StartMS: int64(i * 1000), EndMS: int64((i + 1) * 1000), FilePath: path}
		progress(float64(i+1) / float64(f.numSegments))
	}
	return engineclient.ExtractResult{AudioPath: filepath.Join(req.OutputDir, "audio.wav"), Segments: segs}, nil
}

func (f *fakeTranscoder) Proxy(ctx context.Context, req engineclient.ProxyRequest, progress engineclient.ProgressFunc) error {
	return nil
}

// fakeRecognizer always returns a fixed confidence/noise-tag pair,
// letting each test drive the circuit engine deterministically.
type fakeRecognizer struct {
	confidence float64
	noiseTag   bool
	calls      *int
}

func (f *fakeRecognizer) Recognize(ctx context.Context, req engineclient.RecognizeRequest) (engineclient.RecognizeResult, error) {
	if f.calls != nil {
		*f.calls++
	}
	return engineclient.RecognizeResult{
		Language:        "en",
		Confidence:      f.confidence,
		NoiseTagPresent: f.noiseTag,
		Entries: []models.FragmentEntry{
			{LocalID: 0, GlobalStartMS: int64(req.SegmentIndex * 1000), GlobalEndMS: int64(req.SegmentIndex*1000 + 900), Text: "hello there.", Confidence: f.confidence},
		},
	}, nil
}

type fakeSeparator struct{}

func (fakeSeparator) Separate(ctx context.Context, req engineclient.SeparateRequest) (engineclient.SeparateResult, error) {
	return engineclient.SeparateResult{VocalsPath: req.AudioPath}, nil
}

type fakeAligner struct{}

func (fakeAligner) Align(ctx context.Context, req engineclient.AlignRequest) (engineclient.AlignResult, error) {
	segs := make([]models.AlignedSegmentEntry, len(req.Segments))
	for i, s := range req.Segments {
		segs[i] = models.AlignedSegmentEntry{ID: s.ID, Start: s.Start, End: s.End, Text: s.Text}
	}
	return engineclient.AlignResult{Segments: segs}, nil
}

func newTestRunner(t *testing.T, tc engineclient.Transcoder, recognizer engineclient.Recognizer) (*Runner, *checkpoint.Store) {
	t.Helper()
	root, err := persistence.NewRoot(t.TempDir())
	require.NoError(t, err)

	store := checkpoint.NewStore(root)
	bus := eventbus.New(nil)
	ce := circuit.New(circuit.DefaultThresholds())

	loader := func(ctx context.Context, kind modelsup.Kind, variant string) (interface{}, error) {
		switch kind {
		case modelsup.KindRecognizerPrimary, modelsup.KindRecognizerFallback:
			return recognizer, nil
		case modelsup.KindSeparator:
			return fakeSeparator{}, nil
		case modelsup.KindAligner:
			return fakeAligner{}, nil
		}
		return nil, fmt.Errorf("unexpected kind %s", kind)
	}
	sup := modelsup.New(context.Background(), monitor.New("no_gpu"), loader)

	r := NewRunner(store, bus, root, sup, ce, tc, false)
	return r, store
}

func baseSettings() models.EngineSettings {
	return models.EngineSettings{
		RecognizerModel:   "base",
		WordTimestamps:    true, // skip the align stage in most tests
		SeparationPolicy:  models.SeparationOff,
		OnBreak:           models.OnBreakFail,
		MusicalityLight:   0.35,
		MusicalityHeavy:   0.65,
		AcceptConfidence:  0.6,
		UpgradeConfidence: 0.4,
	}
}

func neverPause(string) bool { return false }

func TestRunCompletesAllSegmentsAndWritesSubtitle(t *testing.T) {
	calls := 0
	recognizer := &fakeRecognizer{confidence: 0.9, calls: &calls}
	tc := &fakeTranscoder{t: t, numSegments: 3}
	r, _ := newTestRunner(t, tc, recognizer)

	job := &models.Job{ID: "job-1", InputPath: "in.mp4", OutputPath: "out.srt", Settings: baseSettings()}
	outcome, err := r.Run(context.Background(), job, neverPause)

	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, outcome)
	require.Equal(t, models.StatusFinished, job.Status)
	require.Equal(t, 3, calls)
	require.InDelta(t, 100, job.OverallPercent, 0.5)

	srtPath := filepath.Join(r.Root.JobDir(job.ID), "output.srt")
	data, err := os.ReadFile(srtPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello there.")
}

func TestRunResumesFromCheckpointSkippingProcessedSegments(t *testing.T) {
	calls := 0
	recognizer := &fakeRecognizer{confidence: 0.9, calls: &calls}
	tc := &fakeTranscoder{t: t, numSegments: 2}
	r, store := newTestRunner(t, tc, recognizer)

	job := &models.Job{ID: "job-resume", InputPath: "in.mp4", OutputPath: "out.srt", Settings: baseSettings(), TotalSegments: 2}

	segDir := t.TempDir()
	seg0 := filepath.Join(segDir, "0.wav")
	seg1 := filepath.Join(segDir, "1.wav")
	writeTinyWAV(t, seg0)
	writeTinyWAV(t, seg1)

	cp := &models.Checkpoint{
		JobID:            job.ID,
		Phase:            models.PhaseTranscribe,
		TotalSegments:    2,
		ProcessedIndices: []int{0},
		Segments: []models.Segment{
			{Index: 0, FilePath: seg0},
			{Index: 1, FilePath: seg1},
		},
		OriginalSettings: job.Settings,
		EngineName:       "subtitler",
	}
	require.NoError(t, store.Save(cp))

	outcome, err := r.Run(context.Background(), job, neverPause)
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, outcome)
	require.Equal(t, 1, calls, "only the unprocessed segment should reach the recognizer")
}

func TestRunCircuitBreaksAndFailsUnderOnBreakFail(t *testing.T) {
	recognizer := &fakeRecognizer{confidence: 0.1, noiseTag: false}
	tc := &fakeTranscoder{t: t, numSegments: 1}
	r, _ := newTestRunner(t, tc, recognizer)

	settings := baseSettings()
	settings.OnBreak = models.OnBreakFail
	job := &models.Job{ID: "job-break", InputPath: "in.mp4", OutputPath: "out.srt", Settings: settings}

	outcome, err := r.Run(context.Background(), job, neverPause)
	require.Error(t, err)
	require.ErrorIs(t, err, errCircuitBreakFail)
	require.Equal(t, OutcomeFailed, outcome)
	require.Equal(t, models.StatusFailed, job.Status)
}

func TestRunCircuitBreaksAndPausesUnderOnBreakPause(t *testing.T) {
	recognizer := &fakeRecognizer{confidence: 0.1, noiseTag: false}
	tc := &fakeTranscoder{t: t, numSegments: 1}
	r, _ := newTestRunner(t, tc, recognizer)

	settings := baseSettings()
	settings.OnBreak = models.OnBreakPause
	job := &models.Job{ID: "job-break-pause", InputPath: "in.mp4", OutputPath: "out.srt", Settings: settings}

	outcome, err := r.Run(context.Background(), job, neverPause)
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, outcome)
	require.Equal(t, models.StatusPaused, job.Status)
}

func TestRunCircuitBreaksAndContinuesFlaggingProblemSegment(t *testing.T) {
	recognizer := &fakeRecognizer{confidence: 0.1, noiseTag: false}
	tc := &fakeTranscoder{t: t, numSegments: 1}
	r, _ := newTestRunner(t, tc, recognizer)

	settings := baseSettings()
	settings.OnBreak = models.OnBreakContinue
	job := &models.Job{ID: "job-break-continue", InputPath: "in.mp4", OutputPath: "out.srt", Settings: settings}

	outcome, err := r.Run(context.Background(), job, neverPause)
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, outcome)

	srtPath := filepath.Join(r.Root.JobDir(job.ID), "output.srt")
	data, err := os.ReadFile(srtPath)
	require.NoError(t, err)
	require.Contains(t, string(data), strings.TrimSpace(subtitle.DefaultProblemSegmentSuffix))
}

func TestRunHonorsCooperativePauseBetweenStages(t *testing.T) {
	recognizer := &fakeRecognizer{confidence: 0.9}
	tc := &fakeTranscoder{t: t, numSegments: 2}
	r, _ := newTestRunner(t, tc, recognizer)

	job := &models.Job{ID: "job-pause", InputPath: "in.mp4", OutputPath: "out.srt", Settings: baseSettings()}

	pauseAfterExtract := false
	pause := func(jobID string) bool {
		p := pauseAfterExtract
		pauseAfterExtract = true
		return p
	}

	outcome, err := r.Run(context.Background(), job, pause)
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, outcome)
	require.Equal(t, models.StatusPaused, job.Status)
}
