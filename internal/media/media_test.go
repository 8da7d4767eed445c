package media

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"subtitler/internal/engineclient"
	"subtitler/internal/eventbus"
	"subtitler/internal/persistence"
	"subtitler/pkg/models"
)

// fakeTranscoder writes a one-byte placeholder at OutputPath for every
// Proxy/Extract call and optionally blocks on a per-kind gate so tests
// can observe the generating state before completion.
type fakeTranscoder struct {
	mu    sync.Mutex
	gates map[engineclient.ProxyKind]chan struct{}
	fail  map[engineclient.ProxyKind]bool
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{gates: make(map[engineclient.ProxyKind]chan struct{}), fail: make(map[engineclient.ProxyKind]bool)}
}

func (f *fakeTranscoder) gate(kind engineclient.ProxyKind) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[kind] = ch
	return ch
}

func (f *fakeTranscoder) failNext(kind engineclient.ProxyKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[kind] = true
}

func (f *fakeTranscoder) Extract(ctx context.Context, req engineclient.ExtractRequest, progress engineclient.ProgressFunc) (engineclient.ExtractResult, error) {
	audioPath := filepath.Join(req.OutputDir, "audio.wav")
	if err := os.WriteFile(audioPath, []byte("wav"), 0o644); err != nil {
		return engineclient.ExtractResult{}, err
	}
	progress(1)
	return engineclient.ExtractResult{AudioPath: audioPath}, nil
}

func (f *fakeTranscoder) Proxy(ctx context.Context, req engineclient.ProxyRequest, progress engineclient.ProgressFunc) error {
	f.mu.Lock()
	ch := f.gates[req.Kind]
	shouldFail := f.fail[req.Kind]
	f.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if shouldFail {
		return os.ErrInvalid
	}
	progress(1)
	return os.WriteFile(req.OutputPath, []byte("data"), 0o644)
}

func newTestSupervisor(t *testing.T, tc engineclient.Transcoder) *Supervisor {
	t.Helper()
	root, err := persistence.NewRoot(t.TempDir())
	require.NoError(t, err)
	_, err = root.EnsureJobDir("job-1")
	require.NoError(t, err)
	bus := eventbus.New(nil)
	return New(root, bus, tc, 2)
}

func waitState(t *testing.T, s *Supervisor, jobID string, kind models.ArtifactKind, state models.ArtifactState) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, a := range s.Status(jobID) {
			if a.Kind == kind {
				return a.State == state
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRequestAllGeneratesEveryArtifactInPriorityOrder(t *testing.T) {
	tc := newFakeTranscoder()
	s := newTestSupervisor(t, tc)

	s.RequestAll("job-1", "input.mp4")

	for _, kind := range models.ArtifactPriority {
		waitState(t, s, "job-1", kind, models.ArtifactReady)
	}

	kind, url, ok := s.BestAvailableURL("job-1")
	require.True(t, ok)
	require.Equal(t, models.ArtifactProxy720p, kind)
	require.FileExists(t, url)
}

func TestRequestIsIdempotentWhileGenerating(t *testing.T) {
	tc := newFakeTranscoder()
	gate := tc.gate(engineclient.ProxyPreview360p)
	s := newTestSupervisor(t, tc)

	s.Request("job-1", "input.mp4", models.ArtifactPreview360p)
	waitState(t, s, "job-1", models.ArtifactPreview360p, models.ArtifactGenerating)

	// A second request while generating must not reset progress/state.
	s.Request("job-1", "input.mp4", models.ArtifactPreview360p)

	close(gate)
	waitState(t, s, "job-1", models.ArtifactPreview360p, models.ArtifactReady)
}

func TestFailedArtifactReportsError(t *testing.T) {
	tc := newFakeTranscoder()
	tc.failNext(engineclient.ProxyThumbnails)
	s := newTestSupervisor(t, tc)

	s.Request("job-1", "input.mp4", models.ArtifactThumbnails)
	waitState(t, s, "job-1", models.ArtifactThumbnails, models.ArtifactFailed)

	for _, a := range s.Status("job-1") {
		if a.Kind == models.ArtifactThumbnails {
			require.NotEmpty(t, a.LastError)
		}
	}
}

func TestPeaksWaitsForAudioWavDependency(t *testing.T) {
	tc := newFakeTranscoder()
	s := newTestSupervisor(t, tc)

	s.Request("job-1", "input.mp4", models.ArtifactPeaks)

	// Give the dependency loop a moment; peaks should not be ready yet
	// because audio_wav was never requested.
	time.Sleep(30 * time.Millisecond)
	for _, a := range s.Status("job-1") {
		if a.Kind == models.ArtifactPeaks {
			require.Equal(t, models.ArtifactGenerating, a.State)
		}
	}

	s.Request("job-1", "input.mp4", models.ArtifactAudioWAV)
	waitState(t, s, "job-1", models.ArtifactAudioWAV, models.ArtifactReady)
	waitState(t, s, "job-1", models.ArtifactPeaks, models.ArtifactReady)
}

func TestBestAvailableURLFallsBackToSourceWithNothingReady(t *testing.T) {
	tc := newFakeTranscoder()
	s := newTestSupervisor(t, tc)

	kind, url, ok := s.BestAvailableURL("job-unknown")
	require.False(t, ok)
	require.Empty(t, string(kind))
	require.Empty(t, url)

	// Touching the job state (without finishing anything) should fall back
	// to the source path.
	s.Request("job-1", "input.mp4", models.ArtifactThumbnails)
	_, url, ok = s.BestAvailableURL("job-1")
	require.True(t, ok)
	require.Equal(t, "input.mp4", url)
}

func TestPurgeResetsReadyArtifactToAbsentAndRemovesFile(t *testing.T) {
	tc := newFakeTranscoder()
	s := newTestSupervisor(t, tc)

	s.Request("job-1", "input.mp4", models.ArtifactThumbnails)
	waitState(t, s, "job-1", models.ArtifactThumbnails, models.ArtifactReady)

	var path string
	for _, a := range s.Status("job-1") {
		if a.Kind == models.ArtifactThumbnails {
			path = a.URL
		}
	}
	require.FileExists(t, path)

	require.NoError(t, s.Purge("job-1"))
	require.NoFileExists(t, path)

	for _, a := range s.Status("job-1") {
		require.Equal(t, models.ArtifactAbsent, a.State)
	}
}
