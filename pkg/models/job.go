// Package models holds the wire types shared by the HTTP surface, the
// pipeline runner, and every other internal package. Field tags and doc
// density follow the teacher's pkg/models/models.go.
package models

import "time"

// Status is the job's lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusPaused     Status = "paused"
)

// Phase is the current pipeline stage, see Pipeline Runner (C5).
type Phase string

const (
	PhaseExtract    Phase = "extract"
	PhaseSplit      Phase = "split"
	PhaseBGMDetect  Phase = "bgm_detect"
	PhaseSeparate   Phase = "separate"
	PhaseTranscribe Phase = "transcribe"
	PhaseAlign      Phase = "align"
	PhaseRender     Phase = "render"
	PhaseComplete   Phase = "complete"
)

// SeparationPolicy controls whether/when vocal separation runs.
type SeparationPolicy string

const (
	SeparationOff    SeparationPolicy = "off"
	SeparationAuto   SeparationPolicy = "auto"
	SeparationAlways SeparationPolicy = "always"
)

// OnBreakAction is the user-configured response to a circuit break.
type OnBreakAction string

const (
	OnBreakContinue      OnBreakAction = "continue"
	OnBreakFallbackOrig  OnBreakAction = "fallback_original"
	OnBreakFail          OnBreakAction = "fail"
	OnBreakPause         OnBreakAction = "pause"
)

// EngineSettings is a snapshot of the recognition/alignment/separation
// configuration for one job. It is authoritative once checkpointed —
// restart requests that change model-identity fields are rejected.
type EngineSettings struct {
	RecognizerModel    string           `json:"recognizer_model"`
	ComputePrecision   string           `json:"compute_precision"`
	Device             string           `json:"device"`
	BatchSize          int              `json:"batch_size"`
	WordTimestamps     bool             `json:"word_timestamps"`
	SeparationPolicy   SeparationPolicy `json:"separation_policy"`
	OnBreak            OnBreakAction    `json:"on_break"`
	MusicalityLight    float64          `json:"musicality_light,omitempty"`
	MusicalityHeavy    float64          `json:"musicality_heavy,omitempty"`
	AcceptConfidence   float64          `json:"accept_confidence,omitempty"`
	UpgradeConfidence  float64          `json:"upgrade_confidence,omitempty"`
}

// ModelIdentity returns the subset of settings that restart validation
// treats as immutable across a resumed run.
func (e EngineSettings) ModelIdentity() [3]string {
	return [3]string{e.RecognizerModel, e.ComputePrecision, e.Device}
}

// PreemptionInfo records a force-prioritization link.
type PreemptionInfo struct {
	InterruptedBy string `json:"interrupted_by,omitempty"`
}

// Job is the unit of work tracked by the scheduler and pipeline runner.
type Job struct {
	ID         string         `json:"id"`
	InputPath  string         `json:"input_path"`
	OutputPath string         `json:"output_path"`
	Settings   EngineSettings `json:"settings"`

	Status  Status `json:"status"`
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`

	OverallPercent float64 `json:"overall_percent"`
	PhasePercent   float64 `json:"phase_percent"`

	Language string `json:"language,omitempty"`

	ProcessedSegments int `json:"processed_segments"`
	TotalSegments      int `json:"total_segments"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LastError string `json:"last_error,omitempty"`

	Preemption *PreemptionInfo `json:"preemption,omitempty"`
}

// Clamp rounds OverallPercent/PhasePercent to one decimal and clamps to
// [0,100], matching the "0-100, one decimal" invariant in spec.md §3.
func (j *Job) Clamp() {
	j.OverallPercent = clampPercent(j.OverallPercent)
	j.PhasePercent = clampPercent(j.PhasePercent)
}

func clampPercent(p float64) float64 {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return float64(int(p*10+0.5)) / 10
}
