// Package pipeline implements the Pipeline Runner (C5): the per-job
// stage machine that walks extract -> split -> bgm_detect -> separate
// -> transcribe -> align -> render -> complete, consulting the Model
// Supervisor (C3) for handles and the Circuit Engine (C4) for
// per-segment decisions, journaling to the Checkpoint Store (C1), and
// publishing to the Event Bus (C2).
//
// Grounded on the teacher's internal/transcoder/transcoder.go Execute
// lifecycle: probe -> build args -> run with progress channel -> move
// outputs, generalized from one ffmpeg invocation into a multi-stage
// runner with the same probe-then-execute-then-relocate shape per
// stage.
package pipeline

import (
	"context"
	"errors"
	"time"

	"subtitler/internal/checkpoint"
	"subtitler/internal/circuit"
	"subtitler/internal/engineclient"
	"subtitler/internal/errs"
	"subtitler/internal/eventbus"
	"subtitler/internal/modelsup"
	"subtitler/internal/persistence"
	"subtitler/internal/subtitle"
	"subtitler/pkg/models"
)

// MaxSegmentRetries bounds transient-failure retries before the circuit
// engine is consulted (spec.md §4.5: "retries at most K times with
// exponential back-off").
const MaxSegmentRetries = 3

const baseBackoff = 250 * time.Millisecond

// PauseCheck reports whether a cooperative pause has been requested for
// a job; consulted at every stage/segment boundary (spec.md §4.6).
type PauseCheck func(jobID string) bool

// Outcome is the terminal status the runner reached.
type Outcome string

const (
	OutcomeFinished Outcome = "finished"
	OutcomeCanceled Outcome = "canceled"
	OutcomePaused   Outcome = "paused"
	OutcomeFailed   Outcome = "failed"
)

// Runner drives one job through the full stage machine.
type Runner struct {
	Checkpoints *checkpoint.Store
	Bus         *eventbus.Bus
	Root        *persistence.Root
	ModelSup    *modelsup.Supervisor
	Circuit     *circuit.Engine
	Transcoder  engineclient.Transcoder
	HasGPU      bool

	SplitOptions         subtitle.SplitOptions
	ProblemSegmentSuffix string
}

// NewRunner builds a Runner with the teacher-style sentence-splitting
// and suffix defaults.
func NewRunner(cp *checkpoint.Store, bus *eventbus.Bus, root *persistence.Root, sup *modelsup.Supervisor, ce *circuit.Engine, tc engineclient.Transcoder, hasGPU bool) *Runner {
	return &Runner{
		Checkpoints:          cp,
		Bus:                  bus,
		Root:                 root,
		ModelSup:             sup,
		Circuit:              ce,
		Transcoder:           tc,
		HasGPU:               hasGPU,
		SplitOptions:         subtitle.DefaultSplitOptions(),
		ProblemSegmentSuffix: subtitle.DefaultProblemSegmentSuffix,
	}
}

// jobState threads per-run data between stage methods that the fixed
// Checkpoint schema has no room for (per-segment tier assignment,
// running retry-fraction estimate).
type jobState struct {
	job             *models.Job
	cp              *models.Checkpoint
	jobDir          string
	weights         Weights
	tierBySegment   map[int]circuit.Tier
	retries         int
	alignmentUsed   bool
	alignedArtifact *models.AlignedArtifact
}

func idxOfPhase(p models.Phase) int {
	for i, x := range phaseOrder {
		if x == p {
			return i
		}
	}
	return 0
}

// Run drives job through the stage machine until it reaches a terminal
// outcome, a cooperative pause, or cancellation. job is mutated in
// place as phases/progress advance; the caller (the Job Queue &
// Scheduler, C6) owns persisting job-level status transitions.
func (r *Runner) Run(ctx context.Context, job *models.Job, pause PauseCheck) (Outcome, error) {
	cp, err := r.Checkpoints.Load(job.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if cp == nil {
		cp = &models.Checkpoint{
			JobID:            job.ID,
			OriginalSettings: job.Settings,
			EngineName:       "subtitler",
		}
	}

	jobDir, err := r.Root.EnsureJobDir(job.ID)
	if err != nil {
		return OutcomeFailed, err
	}

	st := &jobState{
		job:           job,
		cp:            cp,
		jobDir:        jobDir,
		tierBySegment: make(map[int]circuit.Tier),
		alignmentUsed: !job.Settings.WordTimestamps,
	}
	st.weights = ComputeWeights(cp.TotalSegments, 0, 0, st.alignmentUsed)

	type stageFn func(context.Context, *jobState) (Outcome, error)
	stages := []struct {
		entry models.Phase
		fn    stageFn
	}{
		{models.PhaseExtract, r.runExtractSplit},
		{models.PhaseBGMDetect, r.runBGMDetectSeparate},
		{models.PhaseTranscribe, r.runTranscribe},
		{models.PhaseAlign, r.runAlign},
		{models.PhaseRender, r.runRender},
	}

	startIdx := idxOfPhase(currentStageEntryPhase(cp))
	for _, s := range stages {
		if idxOfPhase(s.entry) < startIdx {
			continue
		}
		if ctx.Err() != nil {
			return r.cancel(job, cp)
		}
		if pause(job.ID) {
			return r.pauseJob(job, cp)
		}

		outcome, err := s.fn(ctx, st)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return r.cancel(job, cp)
			}
			job.LastError = err.Error()
			job.Status = models.StatusFailed
			now := timeNow()
			job.FailedAt = &now
			r.Bus.Publish(models.Event{
				Channel: models.JobChannel(job.ID),
				Kind:    models.KindSignal,
				Payload: models.SignalPayload{JobID: job.ID, Signal: models.SignalJobFailed, Rationale: err.Error()},
			})
			r.publishStatus(job)
			return OutcomeFailed, err
		}
		if outcome != "" {
			return outcome, nil
		}
	}

	return r.complete(job, cp)
}

func currentStageEntryPhase(cp *models.Checkpoint) models.Phase {
	if cp.Phase == "" {
		return models.PhaseExtract
	}
	// bgm_detect/separate both restart at bgm_detect; split folds into
	// extract in this implementation (the transcoder produces VAD
	// segments as part of extraction).
	if cp.Phase == models.PhaseSplit {
		return models.PhaseBGMDetect
	}
	if cp.Phase == models.PhaseSeparate {
		return models.PhaseBGMDetect
	}
	return cp.Phase
}

func (r *Runner) cancel(job *models.Job, cp *models.Checkpoint) (Outcome, error) {
	_ = r.Checkpoints.Save(cp)
	job.Status = models.StatusCanceled
	r.Bus.Publish(models.Event{
		Channel: models.JobChannel(job.ID),
		Kind:    models.KindSignal,
		Payload: models.SignalPayload{JobID: job.ID, Signal: models.SignalJobCanceled},
	})
	return OutcomeCanceled, nil
}

func (r *Runner) pauseJob(job *models.Job, cp *models.Checkpoint) (Outcome, error) {
	if err := r.Checkpoints.Save(cp); err != nil {
		return OutcomeFailed, err
	}
	job.Status = models.StatusPaused
	now := timeNow()
	job.PausedAt = &now
	r.Bus.Publish(models.Event{
		Channel: models.JobChannel(job.ID),
		Kind:    models.KindSignal,
		Payload: models.SignalPayload{JobID: job.ID, Signal: models.SignalJobPaused},
	})
	return OutcomePaused, nil
}

func (r *Runner) complete(job *models.Job, cp *models.Checkpoint) (Outcome, error) {
	job.Status = models.StatusFinished
	job.Phase = models.PhaseComplete
	job.OverallPercent = 100
	job.PhasePercent = 100
	now := timeNow()
	job.CompletedAt = &now
	r.Bus.Publish(models.Event{
		Channel: models.JobChannel(job.ID),
		Kind:    models.KindSignal,
		Payload: models.SignalPayload{JobID: job.ID, Signal: models.SignalJobComplete},
	})
	r.publishStatus(job)
	return OutcomeFinished, nil
}

func (r *Runner) publishStatus(job *models.Job) {
	r.Bus.Publish(models.Event{
		Channel: models.GlobalChannel,
		Kind:    models.KindJobStatus,
		Payload: models.JobStatusPayload{JobID: job.ID, Status: job.Status, Phase: job.Phase, Message: job.Message},
	})
	r.Bus.Publish(models.Event{
		Channel: models.JobChannel(job.ID),
		Kind:    models.KindJobStatus,
		Payload: models.JobStatusPayload{JobID: job.ID, Status: job.Status, Phase: job.Phase, Message: job.Message},
	})
}

func (r *Runner) publishProgress(job *models.Job, weights Weights) {
	job.OverallPercent = weights.overallPercent(job.Phase, job.PhasePercent/100)
	job.Clamp()
	r.Bus.Publish(models.Event{
		Channel: models.JobChannel(job.ID),
		Kind:    models.KindJobProgress,
		Payload: models.JobProgressPayload{
			JobID:          job.ID,
			Phase:          job.Phase,
			OverallPercent: job.OverallPercent,
			PhasePercent:   job.PhasePercent,
			Processed:      job.ProcessedSegments,
			Total:          job.TotalSegments,
		},
	})
}

func (r *Runner) setPhase(job *models.Job, cp *models.Checkpoint, phase models.Phase) {
	job.Phase = phase
	job.PhasePercent = 0
	cp.Phase = phase
	r.publishStatus(job)
}

func retryable(err error) bool {
	return errs.KindOf(err) == errs.KindExternalTool
}

func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseBackoff * time.Duration(1<<uint(i))):
		}
	}
	return lastErr
}

var errCircuitBreakFail = errors.New("pipeline: job failed by circuit breaker on_break=fail policy")

func timeNow() (t time.Time) {
	return time.Now()
}
