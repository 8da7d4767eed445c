// Package engineclient defines the external collaborator interfaces
// (spec.md §6): the primary/fallback recognizers, the aligner, the
// tiered separator, and the transcoder used for extraction and proxy
// generation. These engines are out of scope for this repository --
// only the boundary is specified here, with process- and HTTP-backed
// adapters grounded on the teacher's internal/client (retryablehttp)
// and internal/transcoder (exec.CommandContext + stderr scanning)
// styles.
package engineclient

import (
	"context"

	"subtitler/pkg/models"
)

// RecognizeRequest is one segment submitted to a recognizer.
type RecognizeRequest struct {
	SegmentIndex int
	AudioPath    string
	Language     string // empty means auto-detect
	WordTimestamps bool
}

// RecognizeResult is a recognizer's structured output for one segment,
// prior to sentence splitting (the "Transcription Fragment" of spec.md
// §3).
type RecognizeResult struct {
	Language   string
	Confidence float64
	NoiseTagPresent bool
	Entries    []models.FragmentEntry
}

// Recognizer is implemented by both the primary (fast) and fallback
// (heavier) speech recognition engines.
type Recognizer interface {
	Recognize(ctx context.Context, req RecognizeRequest) (RecognizeResult, error)
}

// AlignRequest carries the full unaligned transcript for a job.
type AlignRequest struct {
	JobID    string
	Language string
	Segments []models.UnalignedSegmentEntry
	AudioPath string
}

// AlignResult is the forced-alignment output, ready to persist as
// aligned.json (spec.md §6, "Aligned artifact").
type AlignResult struct {
	Segments     []models.AlignedSegmentEntry
	WordSegments []models.Word
}

// Aligner performs forced alignment of a full transcript against audio.
type Aligner interface {
	Align(ctx context.Context, req AlignRequest) (AlignResult, error)
}

// SeparateTier names a vocal-separation model strength. Defined here
// (rather than importing internal/circuit) to keep engineclient free of
// a dependency on the escalation engine; internal/pipeline maps
// circuit.Tier to SeparateTier at the call site.
type SeparateTier string

const (
	SeparateWeak   SeparateTier = "weak"
	SeparateStrong SeparateTier = "strong"
)

// SeparateRequest asks the separator to isolate vocals from one
// segment's audio.
type SeparateRequest struct {
	SegmentIndex int
	AudioPath    string
	Tier         SeparateTier
}

// SeparateResult is the path to the vocals-only rendering.
type SeparateResult struct {
	VocalsPath string
}

// Separator isolates vocals from background audio at a requested tier.
type Separator interface {
	Separate(ctx context.Context, req SeparateRequest) (SeparateResult, error)
}

// ExtractRequest asks the transcoder to pull a mono PCM WAV track and
// split it into VAD-bounded segments.
type ExtractRequest struct {
	InputPath string
	OutputDir string
}

// ExtractResult is the extracted audio track and the detected segment
// boundaries (spec.md §4.5 "split (VAD)" stage).
type ExtractResult struct {
	AudioPath string
	Segments  []models.Segment
}

// ProxyKind selects which derived media artifact the transcoder should
// produce (spec.md §4.7).
type ProxyKind string

const (
	ProxyPreview360p ProxyKind = "preview_360p"
	ProxyHQ720p      ProxyKind = "proxy_720p"
	ProxyThumbnails  ProxyKind = "thumbnails"
	ProxyPeaks       ProxyKind = "peaks"
)

// ProxyRequest asks the transcoder to produce one derived-media
// artifact for the editor.
type ProxyRequest struct {
	InputPath string
	OutputPath string
	Kind       ProxyKind
}

// ProgressFunc receives fractional [0,1] progress updates from a
// long-running transcoder invocation.
type ProgressFunc func(fraction float64)

// Transcoder extracts audio/VAD segments and produces proxy media.
// Implemented by an exec.CommandContext-backed adapter in process.go,
// mirroring the teacher's FFmpegTranscoder.
type Transcoder interface {
	Extract(ctx context.Context, req ExtractRequest, progress ProgressFunc) (ExtractResult, error)
	Proxy(ctx context.Context, req ProxyRequest, progress ProgressFunc) error
}
