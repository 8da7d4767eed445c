// Package media implements the Media Supervisor (C7): post-finish (or
// on-demand) generation of derived editor media -- audio_wav, peaks,
// a 360p preview proxy, a thumbnail sprite, and a 720p quality proxy --
// each tracked through a tiny per-artifact state machine and produced
// by a small, globally-bounded pool of generator workers.
//
// Grounded on the teacher's internal/transcoder package: Engine's
// codec/hardware probing (engine.go/probe.go) and the
// exec.CommandContext-plus-stderr-scanning execution shape
// (transcoder.go) are reused via the engineclient.Transcoder boundary
// that internal/pipeline already drives for extraction; this package
// adds the artifact state machine, priority scheduling, and the
// worker-pool semaphore that the teacher's single-job Execute lifecycle
// never needed.
package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"subtitler/internal/engineclient"
	"subtitler/internal/eventbus"
	"subtitler/internal/ids"
	"subtitler/internal/persistence"
	"subtitler/pkg/models"
)

// depPollInterval bounds how often a dependent artifact (peaks, which
// needs audio_wav on disk first) rechecks its dependency's state.
const depPollInterval = 20 * time.Millisecond

func artifactFileName(kind models.ArtifactKind) string {
	switch kind {
	case models.ArtifactAudioWAV:
		return "audio.wav"
	case models.ArtifactPeaks:
		return "peaks.json"
	case models.ArtifactPreview360p:
		return "proxy_360p.mp4"
	case models.ArtifactThumbnails:
		return "thumbs.jpg"
	case models.ArtifactProxy720p:
		return "proxy_720p.mp4"
	default:
		return string(kind)
	}
}

func completionSignal(kind models.ArtifactKind) (models.SignalName, bool) {
	switch kind {
	case models.ArtifactPreview360p:
		return models.SignalPreview360pComplete, true
	case models.ArtifactProxy720p:
		return models.SignalProxy720pComplete, true
	default:
		return "", false
	}
}

type jobState struct {
	mu        sync.Mutex
	inputPath string
	artifacts map[models.ArtifactKind]*models.Artifact
	tokens    map[models.ArtifactKind]string
	cancels   map[models.ArtifactKind]context.CancelFunc
}

func newJobState(inputPath string) *jobState {
	js := &jobState{
		inputPath: inputPath,
		artifacts: make(map[models.ArtifactKind]*models.Artifact),
		tokens:    make(map[models.ArtifactKind]string),
		cancels:   make(map[models.ArtifactKind]context.CancelFunc),
	}
	for _, k := range models.ArtifactPriority {
		js.artifacts[k] = &models.Artifact{Kind: k, State: models.ArtifactAbsent}
	}
	return js
}

// Supervisor owns per-job artifact state and a bounded pool of
// generator workers shared across every job (spec.md §4.7: "across jobs
// a global worker pool caps concurrent external-tool processes").
type Supervisor struct {
	root *persistence.Root
	bus  *eventbus.Bus
	tc   engineclient.Transcoder
	sem  *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*jobState
}

// New builds a Supervisor with maxWorkers concurrent generator slots.
func New(root *persistence.Root, bus *eventbus.Bus, tc engineclient.Transcoder, maxWorkers int64) *Supervisor {
	if maxWorkers < 1 {
		maxWorkers = 2
	}
	return &Supervisor{
		root: root,
		bus:  bus,
		tc:   tc,
		sem:  semaphore.NewWeighted(maxWorkers),
		jobs: make(map[string]*jobState),
	}
}

func (s *Supervisor) jobStateFor(jobID, inputPath string) *jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[jobID]
	if !ok {
		js = newJobState(inputPath)
		s.jobs[jobID] = js
	}
	return js
}

// RequestAll kicks off generation of every artifact not already
// generating or ready, in the documented priority order. Safe to call
// repeatedly (e.g. once post-finish and again if the editor re-opens the
// job); in-flight or completed artifacts are left alone.
func (s *Supervisor) RequestAll(jobID, inputPath string) {
	for _, kind := range models.ArtifactPriority {
		s.Request(jobID, inputPath, kind)
	}
}

// Request generates one artifact if it is not already generating or
// ready. Idempotent and cancellable: a second call while generation is
// already underway is a no-op.
func (s *Supervisor) Request(jobID, inputPath string, kind models.ArtifactKind) {
	js := s.jobStateFor(jobID, inputPath)

	js.mu.Lock()
	a := js.artifacts[kind]
	if a.State == models.ArtifactGenerating || a.State == models.ArtifactReady {
		js.mu.Unlock()
		return
	}
	token := ids.NewToken()
	ctx, cancel := context.WithCancel(context.Background())
	js.tokens[kind] = token
	js.cancels[kind] = cancel
	js.artifacts[kind] = &models.Artifact{Kind: kind, State: models.ArtifactGenerating}
	js.mu.Unlock()

	s.publishProgress(jobID, kind, 0)

	go s.generate(ctx, jobID, js, kind, token)
}

func (s *Supervisor) generate(ctx context.Context, jobID string, js *jobState, kind models.ArtifactKind, token string) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.settle(jobID, js, kind, token, "", err)
		return
	}
	defer s.sem.Release(1)

	outPath := s.root.JobFile(jobID, artifactFileName(kind))
	progress := func(frac float64) { s.publishProgress(jobID, kind, frac) }

	var err error
	switch kind {
	case models.ArtifactAudioWAV:
		err = s.ensureAudioWAV(ctx, jobID, js, outPath, progress)
	case models.ArtifactPeaks:
		if err = s.waitForDependency(ctx, js, models.ArtifactAudioWAV); err == nil {
			audioPath := s.root.JobFile(jobID, artifactFileName(models.ArtifactAudioWAV))
			err = s.tc.Proxy(ctx, engineclient.ProxyRequest{InputPath: audioPath, OutputPath: outPath, Kind: engineclient.ProxyPeaks}, progress)
		}
	case models.ArtifactPreview360p:
		err = s.tc.Proxy(ctx, engineclient.ProxyRequest{InputPath: js.inputPath, OutputPath: outPath, Kind: engineclient.ProxyPreview360p}, progress)
	case models.ArtifactThumbnails:
		err = s.tc.Proxy(ctx, engineclient.ProxyRequest{InputPath: js.inputPath, OutputPath: outPath, Kind: engineclient.ProxyThumbnails}, progress)
	case models.ArtifactProxy720p:
		err = s.tc.Proxy(ctx, engineclient.ProxyRequest{InputPath: js.inputPath, OutputPath: outPath, Kind: engineclient.ProxyHQ720p}, progress)
	default:
		err = fmt.Errorf("media: unknown artifact kind %q", kind)
	}

	s.settle(jobID, js, kind, token, outPath, err)
}

// ensureAudioWAV extracts the mono PCM track into the job directory so
// the editor has audio whether or not the pipeline's own extract stage
// has run. It runs the transcoder's Extract on every call, even when
// audio.wav already exists; the result is copied to outPath only when
// the extracted file lives elsewhere.
func (s *Supervisor) ensureAudioWAV(ctx context.Context, jobID string, js *jobState, outPath string, progress engineclient.ProgressFunc) error {
	res, err := s.tc.Extract(ctx, engineclient.ExtractRequest{InputPath: js.inputPath, OutputDir: s.root.JobDir(jobID)}, progress)
	if err != nil {
		return err
	}
	if res.AudioPath != outPath && res.AudioPath != "" {
		return copyFile(res.AudioPath, outPath)
	}
	return nil
}

// waitForDependency blocks until dep reaches a terminal state (ready or
// failed) or ctx is done, polling at depPollInterval -- there is no
// shared condition variable because dep and this artifact may belong to
// distinct generate() goroutines racing independently.
func (s *Supervisor) waitForDependency(ctx context.Context, js *jobState, dep models.ArtifactKind) error {
	for {
		js.mu.Lock()
		state := js.artifacts[dep].State
		js.mu.Unlock()

		switch state {
		case models.ArtifactReady:
			return nil
		case models.ArtifactFailed:
			return fmt.Errorf("media: dependency %s failed", dep)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(depPollInterval):
		}
	}
}

func (s *Supervisor) settle(jobID string, js *jobState, kind models.ArtifactKind, token, outPath string, err error) {
	js.mu.Lock()
	if js.tokens[kind] != token {
		// superseded by a purge or a later request; drop this result.
		js.mu.Unlock()
		return
	}
	if err != nil {
		js.artifacts[kind] = &models.Artifact{Kind: kind, State: models.ArtifactFailed, LastError: err.Error()}
		js.mu.Unlock()
		return
	}
	js.artifacts[kind] = &models.Artifact{Kind: kind, State: models.ArtifactReady, Progress: 100, URL: outPath}
	js.mu.Unlock()

	s.publishProgress(jobID, kind, 1)
	if signal, ok := completionSignal(kind); ok {
		s.bus.Publish(models.Event{
			Channel: models.JobChannel(jobID),
			Kind:    models.KindSignal,
			Payload: models.SignalPayload{JobID: jobID, Signal: signal},
		})
	}
}

// Cancel stops all in-flight generation for jobID; already-ready
// artifacts are left untouched (spec.md §4.7: "each tier, once ready,
// remains readable until explicit purge").
func (s *Supervisor) Cancel(jobID string) {
	s.mu.Lock()
	js, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	for kind, cancel := range js.cancels {
		if js.artifacts[kind].State == models.ArtifactGenerating {
			cancel()
		}
	}
}

// Purge removes every on-disk artifact for jobID and resets state to
// absent, the only path back from ready (spec.md §4.7).
func (s *Supervisor) Purge(jobID string) error {
	s.Cancel(jobID)

	s.mu.Lock()
	js, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	for _, kind := range models.ArtifactPriority {
		path := s.root.JobFile(jobID, artifactFileName(kind))
		if kind != models.ArtifactAudioWAV { // audio.wav belongs to the pipeline too; leave it
			_ = removeFile(path)
		}
		js.artifacts[kind] = &models.Artifact{Kind: kind, State: models.ArtifactAbsent}
		js.tokens[kind] = ""
	}
	return nil
}

// Status returns a snapshot of every artifact's state for jobID, used by
// GET /api/media/{id}/*.
func (s *Supervisor) Status(jobID string) []models.Artifact {
	s.mu.Lock()
	js, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		out := make([]models.Artifact, len(models.ArtifactPriority))
		for i, k := range models.ArtifactPriority {
			out[i] = models.Artifact{Kind: k, State: models.ArtifactAbsent}
		}
		return out
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	out := make([]models.Artifact, len(models.ArtifactPriority))
	for i, k := range models.ArtifactPriority {
		out[i] = *js.artifacts[k]
	}
	return out
}

// BestAvailableURL returns the highest-tier ready playback URL, falling
// back 720p -> 360p -> the original source, per spec.md §4.7.
func (s *Supervisor) BestAvailableURL(jobID string) (models.ArtifactKind, string, bool) {
	s.mu.Lock()
	js, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return "", "", false
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	for _, k := range []models.ArtifactKind{models.ArtifactProxy720p, models.ArtifactPreview360p} {
		if a := js.artifacts[k]; a.State == models.ArtifactReady {
			return k, a.URL, true
		}
	}
	return "", js.inputPath, js.inputPath != ""
}

func (s *Supervisor) publishProgress(jobID string, kind models.ArtifactKind, frac float64) {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	s.bus.Publish(models.Event{
		Channel: models.JobChannel(jobID),
		Kind:    models.KindJobProgress,
		Payload: models.JobProgressPayload{JobID: jobID, PhasePercent: frac * 100, Artifact: kind},
	})
}

func copyFile(src, dst string) error {
	if src == dst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("media: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("media: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("media: copy %s -> %s: %w", src, dst, err)
	}
	return out.Close()
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
