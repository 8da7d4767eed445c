package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"subtitler/internal/checkpoint"
	"subtitler/internal/engineclient"
	"subtitler/internal/eventbus"
	"subtitler/internal/jobqueue"
	"subtitler/internal/media"
	"subtitler/internal/persistence"
	"subtitler/internal/pipeline"
	"subtitler/pkg/models"
)

type blockingTranscoder struct{}

func (blockingTranscoder) Extract(ctx context.Context, req engineclient.ExtractRequest, progress engineclient.ProgressFunc) (engineclient.ExtractResult, error) {
	return engineclient.ExtractResult{}, nil
}
func (blockingTranscoder) Proxy(ctx context.Context, req engineclient.ProxyRequest, progress engineclient.ProgressFunc) error {
	return nil
}

type fakeClients struct {
	mu         sync.Mutex
	registered []string
}

func (f *fakeClients) Register(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, id)
}
func (f *fakeClients) Heartbeat(id string) error { return nil }
func (f *fakeClients) Unregister(id string)       {}

type fakeShutdowner struct{ forced int }

func (f *fakeShutdowner) Force() { f.forced++ }

func newTestServer(t *testing.T, run jobqueue.RunFunc) (*Server, *jobqueue.Queue) {
	t.Helper()
	root, err := persistence.NewRoot(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New(func(ch models.Channel) interface{} { return "snapshot" })
	q := jobqueue.New(root, bus, run, nil, models.PrioritizeGentle)
	q.Start()
	t.Cleanup(q.Stop)

	cp := checkpoint.NewStore(root)
	ms := media.New(root, bus, blockingTranscoder{}, 2)

	s := New(q, ms, bus, cp, root, &fakeClients{}, &fakeShutdowner{}, models.PrioritizeGentle)
	return s, q
}

func gatedRun(gate chan struct{}) jobqueue.RunFunc {
	return func(ctx context.Context, job *models.Job, pause pipeline.PauseCheck) (pipeline.Outcome, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return pipeline.OutcomeCanceled, ctx.Err()
		}
		return pipeline.OutcomeFinished, nil
	}
}

func createAndStartJob(t *testing.T, s *Server) string {
	t.Helper()
	body, _ := json.Marshal(createJobRequest{InputPath: "/tmp/in.mp4"})
	req := httptest.NewRequest(http.MethodPost, "/api/create-job", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	startBody, _ := json.Marshal(startRequest{JobID: created.JobID, Settings: models.EngineSettings{RecognizerModel: "base"}})
	startReq := httptest.NewRequest(http.MethodPost, "/api/start", bytes.NewReader(startBody))
	startRec := httptest.NewRecorder()
	s.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusOK, startRec.Code)

	return created.JobID
}

func TestCreateJobThenStartEnqueues(t *testing.T) {
	gate := make(chan struct{})
	s, q := newTestServer(t, gatedRun(gate))
	id := createAndStartJob(t, s)

	require.Eventually(t, func() bool {
		j, ok := q.Job(id)
		return ok && j.Status == models.StatusProcessing
	}, time.Second, 5*time.Millisecond)

	close(gate)
}

func TestStatusEndpointReportsJobAndMedia(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, _ := newTestServer(t, gatedRun(gate))
	id := createAndStartJob(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/status/"+id, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, id, resp.Job.ID)
	require.Len(t, resp.Media, len(models.ArtifactPriority))
}

func TestPauseThenResumeRoundTrip(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	run := func(ctx context.Context, job *models.Job, pause pipeline.PauseCheck) (pipeline.Outcome, error) {
		once.Do(func() { close(started) })
		for {
			if pause(job.ID) {
				return pipeline.OutcomePaused, nil
			}
			select {
			case <-ctx.Done():
				return pipeline.OutcomeCanceled, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	s, q := newTestServer(t, run)
	id := createAndStartJob(t, s)
	<-started

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/pause/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		j, _ := q.Job(id)
		return j.Status == models.StatusPaused
	}, time.Second, 5*time.Millisecond)

	resumeRec := httptest.NewRecorder()
	s.ServeHTTP(resumeRec, httptest.NewRequest(http.MethodPost, "/api/resume/"+id, nil))
	require.Equal(t, http.StatusOK, resumeRec.Code)

	j, _ := q.Job(id)
	require.Equal(t, models.StatusQueued, j.Status)
}

func TestCancelUnknownJobReturnsValidationError(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, _ := newTestServer(t, gatedRun(gate))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cancel/does-not-exist", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "validation", body.Code)
}

func TestQueueStatusReflectsRunningJob(t *testing.T) {
	gate := make(chan struct{})
	s, _ := newTestServer(t, gatedRun(gate))
	id := createAndStartJob(t, s)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue-status", nil))
		var state models.QueueState
		_ = json.Unmarshal(rec.Body.Bytes(), &state)
		return state.Running == id
	}, time.Second, 5*time.Millisecond)

	close(gate)
}

func TestStreamGlobalDeliversInitialStateFirst(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, _ := newTestServer(t, gatedRun(gate))

	req := httptest.NewRequest(http.MethodGet, "/api/events/global", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, "event: initial_state")
}

func TestSystemRegisterHeartbeatUnregister(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, _ := newTestServer(t, gatedRun(gate))

	regBody, _ := json.Marshal(clientRequest{ClientID: "editor-1"})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/system/register", bytes.NewReader(regBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	hbRec := httptest.NewRecorder()
	s.ServeHTTP(hbRec, httptest.NewRequest(http.MethodPost, "/api/system/heartbeat", bytes.NewReader(regBody)))
	require.Equal(t, http.StatusOK, hbRec.Code)

	unregRec := httptest.NewRecorder()
	s.ServeHTTP(unregRec, httptest.NewRequest(http.MethodPost, "/api/system/unregister", bytes.NewReader(regBody)))
	require.Equal(t, http.StatusOK, unregRec.Code)
}

func TestPingAndShutdown(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, _ := newTestServer(t, gatedRun(gate))

	pingRec := httptest.NewRecorder()
	s.ServeHTTP(pingRec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	require.Equal(t, http.StatusOK, pingRec.Code)

	shutdownRec := httptest.NewRecorder()
	s.ServeHTTP(shutdownRec, httptest.NewRequest(http.MethodPost, "/api/shutdown", nil))
	require.Equal(t, http.StatusOK, shutdownRec.Code)
}

func seedCheckpoint(t *testing.T, s *Server, jobID string, settings models.EngineSettings) {
	t.Helper()
	_, err := s.root.EnsureJobDir(jobID)
	require.NoError(t, err)
	require.NoError(t, s.checkpoints.Save(&models.Checkpoint{
		JobID:            jobID,
		Version:          1,
		Phase:            models.PhaseTranscribe,
		TotalSegments:    4,
		ProcessedIndices: []int{0, 1},
		OriginalSettings: settings,
	}))
}

func TestMediaSRTRoundTripsThroughCanonicalForm(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, _ := newTestServer(t, gatedRun(gate))
	id := createAndStartJob(t, s)

	body := []byte("1\n00:00:01,000 --> 00:00:02,500\nhand-edited line\n")
	postRec := httptest.NewRecorder()
	s.ServeHTTP(postRec, httptest.NewRequest(http.MethodPost, "/api/media/"+id+"/srt", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, postRec.Code)

	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/api/media/"+id+"/srt", nil))
	require.Equal(t, http.StatusOK, getRec.Code)
	require.Contains(t, getRec.Body.String(), "00:00:01,000 --> 00:00:02,500")
	require.Contains(t, getRec.Body.String(), "hand-edited line")
}

func TestMediaSRTRejectsMalformedUpload(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, _ := newTestServer(t, gatedRun(gate))
	id := createAndStartJob(t, s)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/media/"+id+"/srt", bytes.NewReader([]byte("not an srt file"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestoreJobResumesWithCheckpointedSettings(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, q := newTestServer(t, gatedRun(gate))
	settings := models.EngineSettings{RecognizerModel: "base", ComputePrecision: "fp16", Device: "cpu"}
	seedCheckpoint(t, s, "job-restore", settings)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/restore-job/job-restore", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	j, ok := q.Job("job-restore")
	require.True(t, ok)
	require.Equal(t, models.PhaseTranscribe, j.Phase)
	require.Equal(t, 2, j.ProcessedSegments)
	require.Equal(t, settings, j.Settings)
}

func TestRestoreJobRejectsModelIdentityChangeWithoutFreshRun(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, _ := newTestServer(t, gatedRun(gate))
	original := models.EngineSettings{RecognizerModel: "base", ComputePrecision: "fp16", Device: "cpu"}
	seedCheckpoint(t, s, "job-restore-reject", original)

	changed := original
	changed.RecognizerModel = "large"
	body, _ := json.Marshal(restoreRequest{Settings: &changed})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/restore-job/job-restore-reject", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestoreJobAllowsModelIdentityChangeWithFreshRun(t *testing.T) {
	gate := make(chan struct{})
	close(gate)
	s, q := newTestServer(t, gatedRun(gate))
	original := models.EngineSettings{RecognizerModel: "base", ComputePrecision: "fp16", Device: "cpu"}
	seedCheckpoint(t, s, "job-restore-fresh", original)

	changed := original
	changed.RecognizerModel = "large"
	body, _ := json.Marshal(restoreRequest{Settings: &changed, FreshRun: true})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/restore-job/job-restore-fresh", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	j, ok := q.Job("job-restore-fresh")
	require.True(t, ok)
	require.Equal(t, "large", j.Settings.RecognizerModel)
	require.Equal(t, models.Phase(""), j.Phase)
	require.Equal(t, 0, j.ProcessedSegments)
}
