package models

// QueueState is the global scheduler state persisted to
// <root>/queue_state.json (spec.md §6, §9 "cyclic structure" note: the
// preempted/preempting relationship is a plain map, never bidirectional
// pointers).
type QueueState struct {
	Queue          []string          `json:"queue"`
	Running        string            `json:"running,omitempty"`
	Paused         []string          `json:"paused"`
	InterruptedBy  map[string]string `json:"interrupted_by"`
}

// PrioritizeMode selects between gentle and force prioritization
// (spec.md §4.6).
type PrioritizeMode string

const (
	PrioritizeGentle PrioritizeMode = "gentle"
	PrioritizeForce  PrioritizeMode = "force"
)
