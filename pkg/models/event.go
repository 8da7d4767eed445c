package models

// Kind is the closed set of event kinds the bus can publish (spec.md §4.2).
// Using a tagged variant instead of ad-hoc maps is the redesign §9 calls
// for ("Dynamic typing and ad-hoc dicts as events").
type Kind string

const (
	KindInitialState  Kind = "initial_state"
	KindQueueUpdate   Kind = "queue_update"
	KindJobStatus     Kind = "job_status"
	KindJobProgress   Kind = "job_progress"
	KindFragment      Kind = "fragment"
	KindSignal        Kind = "signal"
	KindPing          Kind = "ping"
)

// SignalName is the closed set of signal payloads carried by a
// KindSignal event.
type SignalName string

const (
	SignalJobPaused          SignalName = "job_paused"
	SignalJobResumed         SignalName = "job_resumed"
	SignalJobCanceled        SignalName = "job_canceled"
	SignalJobComplete        SignalName = "job_complete"
	SignalJobFailed          SignalName = "job_failed"
	SignalAlignmentReady     SignalName = "alignment_ready"
	SignalProxy720pComplete  SignalName = "proxy_720p_complete"
	SignalPreview360pComplete SignalName = "preview_360p_complete"
	SignalModelEscalated     SignalName = "model_escalated"
	SignalCircuitBreak       SignalName = "circuit_break"
)

// Channel identifies a subscription scope: "global" or "job:<id>".
type Channel string

const GlobalChannel Channel = "global"

// JobChannel returns the per-job channel scope for id.
func JobChannel(id string) Channel { return Channel("job:" + id) }

// Event is the single envelope type published on the bus. Payload is one
// of the *Payload structs below depending on Kind.
type Event struct {
	Channel    Channel     `json:"channel"`
	Kind       Kind        `json:"kind"`
	Payload    interface{} `json:"payload"`
	MonotonicID uint64     `json:"monotonic_id"`
}

// QueueUpdatePayload mirrors QueueState for the wire.
type QueueUpdatePayload struct {
	Queue         []string          `json:"queue"`
	Running       string            `json:"running,omitempty"`
	Paused        []string          `json:"paused"`
	InterruptedBy map[string]string `json:"interrupted_by"`
}

// JobStatusPayload announces a status/phase transition.
type JobStatusPayload struct {
	JobID   string `json:"id"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Phase   Phase  `json:"phase"`
}

// JobProgressPayload announces progress within the current phase and
// overall. Counters mirror Job.Processed/TotalSegments.
type JobProgressPayload struct {
	JobID          string  `json:"id"`
	Phase          Phase   `json:"phase"`
	PhasePercent   float64 `json:"phase_percent"`
	OverallPercent float64 `json:"overall_percent"`
	Processed      int     `json:"processed"`
	Total          int     `json:"total"`
	// Artifact is set when this progress event describes Media Supervisor
	// artifact generation rather than pipeline stage progress.
	Artifact ArtifactKind `json:"artifact,omitempty"`
}

// FragmentPayload carries sentence-split output for one segment.
type FragmentPayload struct {
	JobID        string     `json:"id"`
	SegmentIndex int        `json:"segment_index"`
	Sentences    []Sentence `json:"sentences"`
	Language     string     `json:"language,omitempty"`
	IsFinal      bool       `json:"is_final"`
}

// SignalPayload carries a named one-shot signal with free-form rationale.
type SignalPayload struct {
	JobID     string     `json:"id,omitempty"`
	Signal    SignalName `json:"signal"`
	Rationale string     `json:"rationale,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// PingPayload is the keepalive event.
type PingPayload struct {
	MonotonicMS int64 `json:"monotonic_ms"`
}
