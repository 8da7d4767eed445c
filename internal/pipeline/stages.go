package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"subtitler/internal/circuit"
	"subtitler/internal/engineclient"
	"subtitler/internal/errs"
	"subtitler/internal/modelsup"
	"subtitler/internal/persistence"
	"subtitler/internal/subtitle"
	"subtitler/pkg/models"
)

// runExtractSplit drives the fused extract+split stage: the transcoder
// pulls a mono PCM track and VAD-chunks it in one pass (engineclient's
// Extract), after which the checkpoint is created (spec.md §3:
// "created at end of the split stage").
func (r *Runner) runExtractSplit(ctx context.Context, st *jobState) (Outcome, error) {
	r.setPhase(st.job, st.cp, models.PhaseExtract)

	result, err := r.Transcoder.Extract(ctx, engineclient.ExtractRequest{
		InputPath: st.job.InputPath,
		OutputDir: st.jobDir,
	}, func(frac float64) {
		st.job.PhasePercent = frac * 100
		r.publishProgress(st.job, st.weights)
	})
	if err != nil {
		return "", errs.Wrap(errs.KindExternalTool, "extract audio/segments", err)
	}

	st.cp.Segments = result.Segments
	st.cp.TotalSegments = len(result.Segments)
	st.job.TotalSegments = len(result.Segments)
	st.weights = ComputeWeights(st.cp.TotalSegments, 0, 0, st.alignmentUsed)

	r.setPhase(st.job, st.cp, models.PhaseSplit)
	st.job.PhasePercent = 100
	r.publishProgress(st.job, st.weights)
	st.cp.Phase = models.PhaseBGMDetect
	if err := r.Checkpoints.Save(st.cp); err != nil {
		return "", err
	}
	return "", nil
}

// runBGMDetectSeparate runs the spectral pre-judgment and initial
// separation-tier resolution for every segment (spec.md §4.4 steps
// 1-2), then performs the initial separator pass where indicated.
func (r *Runner) runBGMDetectSeparate(ctx context.Context, st *jobState) (Outcome, error) {
	r.setPhase(st.job, st.cp, models.PhaseBGMDetect)

	n := len(st.cp.Segments)
	sepCount := 0
	for i := range st.cp.Segments {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		seg := &st.cp.Segments[i]

		judgment, err := circuit.AnalyzeWAV(seg.FilePath, st.job.Settings.MusicalityLight, st.job.Settings.MusicalityHeavy)
		if err != nil {
			return "", errs.Wrap(errs.KindExternalTool, "bgm analysis", err)
		}

		tier := circuit.ResolveSeparationTier(st.job.Settings.SeparationPolicy, judgment.Level, r.HasGPU)
		st.tierBySegment[seg.Index] = tier

		r.Bus.Publish(models.Event{
			Channel: models.JobChannel(st.job.ID),
			Kind:    models.KindSignal,
			Payload: models.SignalPayload{
				JobID:  st.job.ID,
				Signal: models.SignalModelEscalated,
				Detail: map[string]string{"segment": fmt.Sprintf("%d", seg.Index), "bgm_level": string(judgment.Level), "tier": string(tier)},
			},
		})

		if tier == circuit.TierWeak || tier == circuit.TierStrong {
			sepCount++
			if err := r.applySeparation(ctx, seg, tier); err != nil {
				return "", err
			}
		}

		st.job.PhasePercent = float64(i+1) / float64(maxInt(n, 1)) * 100
		r.publishProgress(st.job, st.weights)
	}

	st.weights = ComputeWeights(st.cp.TotalSegments, sepCount, 0, st.alignmentUsed)

	st.cp.Phase = models.PhaseTranscribe
	if err := r.Checkpoints.Save(st.cp); err != nil {
		return "", err
	}
	return "", nil
}

func (r *Runner) applySeparation(ctx context.Context, seg *models.Segment, tier circuit.Tier) error {
	handle, err := r.ModelSup.Acquire(ctx, modelsup.KindSeparator, string(tier))
	if err != nil {
		return err
	}
	defer handle.Release()

	separator, ok := handle.Instance().(engineclient.Separator)
	if !ok {
		return errs.New(errs.KindInternal, "model supervisor returned non-Separator instance")
	}

	result, err := separator.Separate(ctx, engineclient.SeparateRequest{
		SegmentIndex: seg.Index,
		AudioPath:    seg.FilePath,
		Tier:         engineclient.SeparateTier(tier),
	})
	if err != nil {
		return errs.Wrap(errs.KindExternalTool, "separate vocals", err)
	}

	seg.FilePath = result.VocalsPath
	seg.Separated = true
	seg.Tier = string(tier)
	return nil
}

// runTranscribe is the segment-granular core loop: recognize, consult
// the circuit engine, escalate separation or fall back to the
// secondary recognizer, and on acceptance journal the fragment and
// publish its sentences (spec.md §4.5 "Execution invariants").
func (r *Runner) runTranscribe(ctx context.Context, st *jobState) (Outcome, error) {
	r.setPhase(st.job, st.cp, models.PhaseTranscribe)

	const maxAttemptsPerSegment = 8

	for {
		idx := st.cp.NextUnprocessed()
		if idx < 0 {
			break
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		seg := st.cp.Segments[idx]
		tier := st.tierBySegment[seg.Index]
		usingFallback := false
		problem := false

		var accepted, result engineclient.RecognizeResult
		for attempt := 0; attempt < maxAttemptsPerSegment; attempt++ {
			err := withRetry(ctx, MaxSegmentRetries, func() error {
				kind := modelsup.KindRecognizerPrimary
				if usingFallback {
					kind = modelsup.KindRecognizerFallback
				}
				handle, err := r.ModelSup.Acquire(ctx, kind, st.job.Settings.RecognizerModel)
				if err != nil {
					return err
				}
				defer handle.Release()

				recognizer, ok := handle.Instance().(engineclient.Recognizer)
				if !ok {
					return errs.New(errs.KindInternal, "model supervisor returned non-Recognizer instance")
				}

				var recErr error
				result, recErr = recognizer.Recognize(ctx, engineclient.RecognizeRequest{
					SegmentIndex:   seg.Index,
					AudioPath:      seg.FilePath,
					WordTimestamps: st.job.Settings.WordTimestamps,
				})
				if recErr != nil {
					return errs.Wrap(errs.KindExternalTool, "recognize segment", recErr)
				}
				return nil
			})
			if err != nil {
				return "", err
			}

			decision := r.Circuit.ConfidenceGate(st.job.ID, seg.Index, tier, result.Confidence, result.NoiseTagPresent)

			switch decision.Kind {
			case circuit.DecisionAccept:
				accepted = result
				goto segmentDone

			case circuit.DecisionUpgradeSeparation:
				tier = decision.NextTier
				st.tierBySegment[seg.Index] = tier
				if tier == circuit.TierWeak || tier == circuit.TierStrong {
					if err := r.applySeparation(ctx, &st.cp.Segments[idx], tier); err != nil {
						return "", err
					}
					seg = st.cp.Segments[idx]
				}
				r.Bus.Publish(models.Event{
					Channel: models.JobChannel(st.job.ID),
					Kind:    models.KindSignal,
					Payload: models.SignalPayload{JobID: st.job.ID, Signal: models.SignalModelEscalated, Rationale: decision.Rationale},
				})
				continue

			case circuit.DecisionRecognizerRetry:
				usingFallback = true
				st.retries++
				continue

			case circuit.DecisionCircuitBreak:
				r.Bus.Publish(models.Event{
					Channel: models.JobChannel(st.job.ID),
					Kind:    models.KindSignal,
					Payload: models.SignalPayload{JobID: st.job.ID, Signal: models.SignalCircuitBreak, Rationale: decision.Rationale, Detail: map[string]string{"action": string(st.job.Settings.OnBreak)}},
				})
				switch st.job.Settings.OnBreak {
				case models.OnBreakFail:
					return "", errCircuitBreakFail
				case models.OnBreakPause:
					if err := r.Checkpoints.Save(st.cp); err != nil {
						return "", err
					}
					return r.pauseJob(st.job, st.cp)
				case models.OnBreakFallbackOrig:
					tier = circuit.TierNone
					st.tierBySegment[seg.Index] = tier
					usingFallback = false
					problem = true
					accepted = result
					goto segmentDone
				default: // continue
					problem = true
					accepted = result
					goto segmentDone
				}
			}
		}
		// Attempts exhausted without an explicit accept/break: journal
		// whatever the last recognizer call returned and flag it.
		problem = true
		accepted = result

	segmentDone:
		if err := r.journalSegment(st, seg, accepted, problem); err != nil {
			return "", err
		}

		sepCount := countSeparated(st.tierBySegment)
		retryFraction := 0.0
		if st.job.ProcessedSegments > 0 {
			retryFraction = float64(st.retries) / float64(st.job.ProcessedSegments)
		}
		st.weights = ComputeWeights(st.cp.TotalSegments, sepCount, retryFraction, st.alignmentUsed)
	}

	st.cp.Phase = models.PhaseAlign
	if err := r.Checkpoints.Save(st.cp); err != nil {
		return "", err
	}
	return "", nil
}

func countSeparated(tiers map[int]circuit.Tier) int {
	n := 0
	for _, t := range tiers {
		if t == circuit.TierWeak || t == circuit.TierStrong {
			n++
		}
	}
	return n
}

func (r *Runner) journalSegment(st *jobState, seg models.Segment, result engineclient.RecognizeResult, problem bool) error {
	entries := make([]models.UnalignedSegmentEntry, len(result.Entries))
	var words []models.Word
	for i, e := range result.Entries {
		entries[i] = models.UnalignedSegmentEntry{ID: e.LocalID, Start: e.GlobalStartMS, End: e.GlobalEndMS, Text: e.Text}
		if len(e.Words) > 0 {
			words = append(words, e.Words...)
		} else {
			words = append(words, models.Word{Text: e.Text, StartMS: e.GlobalStartMS, EndMS: e.GlobalEndMS, Confidence: e.Confidence})
		}
	}

	if err := r.Checkpoints.AppendFragment(st.job.ID, seg.Index, models.UnalignedResult{
		SegmentIndex: seg.Index,
		Language:     result.Language,
		Segments:     entries,
	}); err != nil {
		return err
	}
	// AppendFragment reloads and re-saves under its own lock; keep our
	// in-memory copy in sync so NextUnprocessed reflects the append.
	if !st.cp.HasProcessed(seg.Index) {
		st.cp.ProcessedIndices = append(st.cp.ProcessedIndices, seg.Index)
	}

	if result.Language != "" {
		st.job.Language = result.Language
	}

	sentences := subtitle.Split(words, r.SplitOptions)
	if problem {
		for i := range sentences {
			sentences[i].ProblemSegment = true
		}
	}

	r.Bus.Publish(models.Event{
		Channel: models.JobChannel(st.job.ID),
		Kind:    models.KindFragment,
		Payload: models.FragmentPayload{
			JobID:        st.job.ID,
			SegmentIndex: seg.Index,
			Sentences:    sentences,
			Language:     result.Language,
			IsFinal:      !st.alignmentUsed,
		},
	})

	st.job.ProcessedSegments++
	st.job.PhasePercent = float64(st.job.ProcessedSegments) / float64(maxInt(st.cp.TotalSegments, 1)) * 100
	r.publishProgress(st.job, st.weights)
	return nil
}

// runAlign performs forced alignment over the full accumulated
// transcript when the recognizer does not natively emit reliable word
// timestamps (spec.md §4.5, §9 open question 1).
func (r *Runner) runAlign(ctx context.Context, st *jobState) (Outcome, error) {
	r.setPhase(st.job, st.cp, models.PhaseAlign)

	if !st.alignmentUsed {
		st.job.PhasePercent = 100
		r.publishProgress(st.job, st.weights)
		st.cp.Phase = models.PhaseRender
		return "", r.Checkpoints.Save(st.cp)
	}

	handle, err := r.ModelSup.Acquire(ctx, modelsup.KindAligner, "default")
	if err != nil {
		return "", err
	}
	defer handle.Release()

	aligner, ok := handle.Instance().(engineclient.Aligner)
	if !ok {
		return "", errs.New(errs.KindInternal, "model supervisor returned non-Aligner instance")
	}

	var allSegments []models.UnalignedSegmentEntry
	for _, ur := range st.cp.UnalignedResults {
		allSegments = append(allSegments, ur.Segments...)
	}

	result, err := aligner.Align(ctx, engineclient.AlignRequest{
		JobID:     st.job.ID,
		Language:  st.job.Language,
		Segments:  allSegments,
		AudioPath: filepath.Join(st.jobDir, "audio.wav"),
	})
	if err != nil {
		return "", errs.Wrap(errs.KindExternalTool, "align transcript", err)
	}

	artifact := models.AlignedArtifact{
		JobID:        st.job.ID,
		Language:     st.job.Language,
		Segments:     result.Segments,
		WordSegments: result.WordSegments,
	}
	st.alignedArtifact = &artifact
	if err := r.writeAlignedArtifact(st.jobDir, artifact); err != nil {
		return "", err
	}

	r.Bus.Publish(models.Event{
		Channel: models.JobChannel(st.job.ID),
		Kind:    models.KindSignal,
		Payload: models.SignalPayload{JobID: st.job.ID, Signal: models.SignalAlignmentReady},
	})

	st.job.PhasePercent = 100
	r.publishProgress(st.job, st.weights)
	st.cp.Phase = models.PhaseRender
	return "", r.Checkpoints.Save(st.cp)
}

func (r *Runner) writeAlignedArtifact(jobDir string, artifact models.AlignedArtifact) error {
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return persistence.AtomicWriteFile(filepath.Join(jobDir, "aligned.json"), data, 0o644)
}

// runRender writes the final subtitle file from the aligned result
// (preferred) or the raw checkpoint transcript, applying the
// problem-segment suffix to any flagged sentence.
func (r *Runner) runRender(ctx context.Context, st *jobState) (Outcome, error) {
	r.setPhase(st.job, st.cp, models.PhaseRender)

	var sentences []models.Sentence
	if st.alignedArtifact != nil {
		var words []models.Word
		for _, seg := range st.alignedArtifact.Segments {
			words = append(words, models.Word{Text: seg.Text, StartMS: seg.Start, EndMS: seg.End, Confidence: 1})
		}
		sentences = subtitle.Split(words, r.SplitOptions)
	} else {
		var words []models.Word
		for _, ur := range st.cp.UnalignedResults {
			for _, e := range ur.Segments {
				words = append(words, models.Word{Text: e.Text, StartMS: e.Start, EndMS: e.End, Confidence: 1})
			}
		}
		sentences = subtitle.Split(words, r.SplitOptions)
	}

	out := subtitle.WriteSRT(sentences, r.ProblemSegmentSuffix)
	if err := persistence.AtomicWriteFile(filepath.Join(st.jobDir, "output.srt"), []byte(out), 0o644); err != nil {
		return "", err
	}

	st.job.PhasePercent = 100
	r.publishProgress(st.job, st.weights)
	st.cp.Phase = models.PhaseComplete
	return "", r.Checkpoints.Save(st.cp)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
