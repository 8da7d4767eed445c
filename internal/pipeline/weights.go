package pipeline

import "subtitler/pkg/models"

// Weights are the dynamically computed per-stage contributions to
// overall progress (spec.md §4.5). They always sum to 100.
type Weights struct {
	Extract    float64
	Split      float64
	BGMDetect  float64
	Separate   float64
	Transcribe float64
	Align      float64
	Render     float64
	Complete   float64
}

const (
	weightExtract  = 5
	weightSplit    = 5
	weightRender   = 10
	weightComplete = 5

	maxSeparateWeight = 15
	maxRetryWeight    = 20
	alignWeight       = 10
	minTranscribe     = 40
)

// ComputeWeights derives the stage weight table from the job's current
// estimate of separation/retry demand. totalSegments==0 yields a
// reasonable default (no separation/retry demand yet known).
func ComputeWeights(totalSegments, segmentsRequiringSeparation int, retryFraction float64, alignmentUsed bool) Weights {
	sepFraction := 0.0
	if totalSegments > 0 {
		sepFraction = float64(segmentsRequiringSeparation) / float64(totalSegments)
	}
	separate := clampWeight(maxSeparateWeight*sepFraction, maxSeparateWeight)
	retry := clampWeight(maxRetryWeight*retryFraction, maxRetryWeight)

	align := 0.0
	if alignmentUsed {
		align = alignWeight
	}

	fixed := weightExtract + weightSplit + weightRender + weightComplete
	transcribe := 100 - fixed - separate - retry - align
	if transcribe < minTranscribe {
		// Shrink separate/retry proportionally rather than align, since
		// alignment is a fixed on/off cost, not a demand estimate.
		deficit := minTranscribe - transcribe
		total := separate + retry
		if total > 0 {
			separate -= deficit * (separate / total)
			retry -= deficit * (retry / total)
		}
		transcribe = minTranscribe
	}

	// Recognizer retries run inside the transcribe stage, so the retry
	// weight is carried by the Transcribe entry.
	return Weights{
		Extract:    weightExtract,
		Split:      weightSplit,
		BGMDetect:  0,
		Separate:   separate,
		Transcribe: transcribe + retry,
		Align:      align,
		Render:     weightRender,
		Complete:   weightComplete,
	}
}

func clampWeight(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// phaseWeight looks up the weight assigned to a given phase.
func (w Weights) phaseWeight(p models.Phase) float64 {
	switch p {
	case models.PhaseExtract:
		return w.Extract
	case models.PhaseSplit:
		return w.Split
	case models.PhaseBGMDetect:
		return w.BGMDetect
	case models.PhaseSeparate:
		return w.Separate
	case models.PhaseTranscribe:
		return w.Transcribe
	case models.PhaseAlign:
		return w.Align
	case models.PhaseRender:
		return w.Render
	case models.PhaseComplete:
		return w.Complete
	default:
		return 0
	}
}

var phaseOrder = []models.Phase{
	models.PhaseExtract,
	models.PhaseSplit,
	models.PhaseBGMDetect,
	models.PhaseSeparate,
	models.PhaseTranscribe,
	models.PhaseAlign,
	models.PhaseRender,
	models.PhaseComplete,
}

// overallPercent sums the weight of every phase strictly before
// `current`, plus `fraction` of the current phase's own weight.
func (w Weights) overallPercent(current models.Phase, fraction float64) float64 {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	total := 0.0
	for _, p := range phaseOrder {
		if p == current {
			total += w.phaseWeight(p) * fraction
			break
		}
		total += w.phaseWeight(p)
	}
	return total
}
