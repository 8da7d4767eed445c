// Package circuit implements the Circuit / Escalation Engine (C4):
// per-segment BGM analysis, separation-tier resolution, confidence
// gating, model escalation, and the consecutive/ratio circuit break.
//
// Grounded on jordigilh-kubernaut's use of sony/gobreaker for exactly
// this consecutive-failure/ratio trip shape (wrapped here per job), and
// on the teacher's stderr-regex telemetry-parsing style
// (transcoder.go's reTime/reFPS) for the musicality feature extraction
// in musicality.go.
package circuit

import (
	"sync"

	"github.com/sony/gobreaker"

	"subtitler/pkg/models"
)

// Tier is a rung on the separation escalation chain:
// none -> weak -> strong -> fallback.
type Tier string

const (
	TierNone     Tier = "none"
	TierWeak     Tier = "weak"
	TierStrong   Tier = "strong"
	TierFallback Tier = "fallback"
)

var tierOrder = []Tier{TierNone, TierWeak, TierStrong, TierFallback}

func tierIndex(t Tier) int {
	for i, x := range tierOrder {
		if x == t {
			return i
		}
	}
	return 0
}

// Next returns the next rung up the chain, or the same tier if already
// at the top.
func (t Tier) Next() Tier {
	i := tierIndex(t)
	if i+1 >= len(tierOrder) {
		return t
	}
	return tierOrder[i+1]
}

// DecisionKind is the fuse decision from spec.md §3.
type DecisionKind string

const (
	DecisionAccept            DecisionKind = "accept"
	DecisionUpgradeSeparation DecisionKind = "upgrade_separation"
	DecisionRecognizerRetry   DecisionKind = "recognizer_retry"
	DecisionCircuitBreak      DecisionKind = "circuit_break"
)

// Decision is the outcome of one confidence-gate evaluation.
type Decision struct {
	Kind      DecisionKind
	NextTier  Tier
	Rationale string
}

// Thresholds are the tunable confidence gates (spec.md §4.4, and the
// open question in spec.md §9: these must remain configurable, never
// hard-coded past the shipped defaults).
type Thresholds struct {
	MusicalityLight   float64
	MusicalityHeavy   float64
	AcceptConfidence  float64
	UpgradeConfidence float64
	ConsecutiveLimit  int
	RatioLimit        float64
	MinProcessed      int
}

// DefaultThresholds mirrors spec.md §4.4's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MusicalityLight:   0.35,
		MusicalityHeavy:   0.65,
		AcceptConfidence:  0.6,
		UpgradeConfidence: 0.4,
		ConsecutiveLimit:  3,
		RatioLimit:        0.2,
		MinProcessed:      5,
	}
}

// jobState is the per-job Circuit State from spec.md §3.
type jobState struct {
	breaker           *gobreaker.CircuitBreaker
	processed         int
	consecutiveRetries int
	totalRetries      int
	tierByIndex       map[int]Tier
	escalationCount   int
	history           []string
}

var errLowConfidence = lowConfidenceError{}

type lowConfidenceError struct{}

func (lowConfidenceError) Error() string { return "segment confidence below accept threshold" }

// Engine evaluates per-segment fuse decisions and tracks per-job circuit
// state.
type Engine struct {
	mu         sync.Mutex
	thresholds Thresholds
	jobs       map[string]*jobState
}

// New constructs an Engine with the given thresholds.
func New(thresholds Thresholds) *Engine {
	return &Engine{thresholds: thresholds, jobs: make(map[string]*jobState)}
}

func (e *Engine) stateFor(jobID string) *jobState {
	e.mu.Lock()
	defer e.mu.Unlock()
	js, ok := e.jobs[jobID]
	if !ok {
		t := e.thresholds
		js = &jobState{
			tierByIndex: make(map[int]Tier),
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name: "job:" + jobID,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					if counts.ConsecutiveFailures >= uint32(t.ConsecutiveLimit) {
						return true
					}
					if counts.Requests >= uint32(t.MinProcessed) {
						ratio := float64(counts.TotalFailures) / float64(counts.Requests)
						return ratio >= t.RatioLimit
					}
					return false
				},
			}),
		}
		e.jobs[jobID] = js
	}
	return js
}

// ForgetJob drops per-job circuit state once a job is purged.
func (e *Engine) ForgetJob(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, jobID)
}

// ResolveSeparationTier implements spec.md §4.4 step 2: given the user
// policy, the BGM level from the spectral pre-judgment, and whether the
// host has GPU capacity, select the initial separator tier.
func ResolveSeparationTier(policy models.SeparationPolicy, level Level, hasGPU bool) Tier {
	if policy == models.SeparationOff {
		return TierNone
	}
	if !hasGPU && policy != models.SeparationAlways {
		return TierNone
	}
	if policy == models.SeparationAlways {
		if level == LevelNone {
			return TierWeak
		}
	}
	switch level {
	case LevelHeavy:
		return TierStrong
	case LevelLight:
		return TierWeak
	default:
		return TierNone
	}
}

// ConfidenceGate implements spec.md §4.4 steps 4-5: given a segment's
// aggregated confidence and whether a known noise-event tag was present,
// decide accept / upgrade / retry / circuit_break, and update the job's
// circuit state.
//
// Separation upgrade is always tried before recognizer retry (spec.md
// §4.4): a noise tag or very low confidence prefers upgrading the
// separator over asking the fallback recognizer to fight noise it could
// have removed.
func (e *Engine) ConfidenceGate(jobID string, segmentIndex int, currentTier Tier, confidence float64, noiseTagPresent bool) Decision {
	js := e.stateFor(jobID)

	e.mu.Lock()
	js.processed++
	processed := js.processed
	e.mu.Unlock()

	t := e.thresholds

	if confidence >= t.AcceptConfidence {
		e.recordOutcome(js, segmentIndex, currentTier, nil)
		e.mu.Lock()
		js.consecutiveRetries = 0
		e.mu.Unlock()
		return Decision{Kind: DecisionAccept, NextTier: currentTier, Rationale: "confidence above accept threshold"}
	}

	atTop := currentTier == TierFallback

	if noiseTagPresent && !atTop {
		next := currentTier.Next()
		e.noteEscalation(js, segmentIndex, currentTier, next)
		return Decision{Kind: DecisionUpgradeSeparation, NextTier: next, Rationale: "noise event tag present, escalating separation"}
	}

	if confidence < t.UpgradeConfidence && !atTop {
		next := currentTier.Next()
		e.noteEscalation(js, segmentIndex, currentTier, next)
		return Decision{Kind: DecisionUpgradeSeparation, NextTier: next, Rationale: "confidence below upgrade threshold"}
	}

	// No separation rung left (or confidence is merely sub-accept, not
	// sub-upgrade): fall back to the secondary recognizer.
	tripped := e.recordOutcome(js, segmentIndex, currentTier, errLowConfidence)
	e.mu.Lock()
	js.consecutiveRetries++
	js.totalRetries++
	ratio := float64(js.totalRetries) / float64(maxInt(processed, 1))
	consecutive := js.consecutiveRetries
	e.mu.Unlock()

	if tripped || (processed >= t.MinProcessed && (consecutive >= t.ConsecutiveLimit || ratio >= t.RatioLimit)) {
		return Decision{Kind: DecisionCircuitBreak, NextTier: currentTier, Rationale: "consecutive/ratio low-confidence threshold exceeded"}
	}

	return Decision{Kind: DecisionRecognizerRetry, NextTier: currentTier, Rationale: "confidence below accept threshold, retrying on fallback recognizer"}
}

// recordOutcome feeds the job's breaker and reports whether this
// outcome tripped it open.
func (e *Engine) recordOutcome(js *jobState, segmentIndex int, tier Tier, outcome error) (tripped bool) {
	wasOpen := js.breaker.State() == gobreaker.StateOpen
	_, _ = js.breaker.Execute(func() (interface{}, error) {
		return nil, outcome
	})
	isOpen := js.breaker.State() == gobreaker.StateOpen

	e.mu.Lock()
	js.tierByIndex[segmentIndex] = tier
	e.mu.Unlock()

	return isOpen && !wasOpen
}

func (e *Engine) noteEscalation(js *jobState, segmentIndex int, from, to Tier) {
	e.mu.Lock()
	js.escalationCount++
	js.tierByIndex[segmentIndex] = to
	js.history = append(js.history, string(from)+"->"+string(to))
	e.mu.Unlock()
}

// TierHistory returns the ordered escalation history for a job, used by
// tests asserting the "non-decreasing walk" invariant (spec.md §8).
func (e *Engine) TierHistory(jobID string) []string {
	js := e.stateFor(jobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(js.history))
	copy(out, js.history)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
