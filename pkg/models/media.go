package models

// Segment is a VAD-produced chunk of source audio, non-overlapping and
// sorted by start. Duration is capped at 30s and targets 15s (spec.md §3).
type Segment struct {
	Index      int    `json:"index"`
	StartMS    int64  `json:"start_ms"`
	EndMS      int64  `json:"end_ms"`
	FilePath   string `json:"file_path"`
	Separated  bool   `json:"separated"`
	Tier       string `json:"tier,omitempty"` // "", weak, strong, fallback
}

// DurationMS is the segment length in milliseconds.
func (s Segment) DurationMS() int64 { return s.EndMS - s.StartMS }

// Word is a single recognized token with optional per-word timing.
type Word struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms,omitempty"`
	EndMS      int64   `json:"end_ms,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// FragmentEntry is one recognized utterance inside a fragment.
type FragmentEntry struct {
	LocalID    int     `json:"local_id"`
	GlobalStartMS int64 `json:"global_start_ms"`
	GlobalEndMS   int64 `json:"global_end_ms"`
	Text       string  `json:"text"`
	Words      []Word  `json:"words,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Fragment is the recognizer's structured output for one segment.
type Fragment struct {
	SegmentIndex int             `json:"segment_index"`
	Language     string          `json:"language,omitempty"`
	Entries      []FragmentEntry `json:"entries"`
}

// Sentence is a user-facing subtitle unit produced by the sentence
// splitter (internal/subtitle).
type Sentence struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words,omitempty"`
	// ProblemSegment marks a sentence whose backing segment tripped the
	// circuit breaker or was force-accepted under on_break=continue.
	ProblemSegment bool `json:"problem_segment,omitempty"`
}

// ArtifactKind names a derived media artifact produced by the Media
// Supervisor (C7), in its documented priority order.
type ArtifactKind string

const (
	ArtifactAudioWAV     ArtifactKind = "audio_wav"
	ArtifactPeaks        ArtifactKind = "peaks"
	ArtifactPreview360p  ArtifactKind = "preview_360p"
	ArtifactThumbnails   ArtifactKind = "thumbnails"
	ArtifactProxy720p    ArtifactKind = "proxy_720p"
)

// ArtifactPriority is the fixed generation order from spec.md §4.7.
var ArtifactPriority = []ArtifactKind{
	ArtifactAudioWAV,
	ArtifactPeaks,
	ArtifactPreview360p,
	ArtifactThumbnails,
	ArtifactProxy720p,
}

// ArtifactState is the tiny per-artifact state machine:
// absent -> generating -> ready | failed.
type ArtifactState string

const (
	ArtifactAbsent     ArtifactState = "absent"
	ArtifactGenerating ArtifactState = "generating"
	ArtifactReady      ArtifactState = "ready"
	ArtifactFailed     ArtifactState = "failed"
)

// Artifact tracks one derived media artifact for a job.
type Artifact struct {
	Kind      ArtifactKind  `json:"kind"`
	State     ArtifactState `json:"state"`
	Progress  float64       `json:"progress"`
	LastError string        `json:"last_error,omitempty"`
	URL       string        `json:"url,omitempty"`
}
