// Package subtitle splits recognizer word streams into sentences and
// renders them to the supported output formats (SRT/VTT/TXT/JSON).
// Grounded on the teacher's buildArgs style in
// internal/transcoder/transcoder.go: small, composable, plain functions
// that build up a format string piece by piece, applied here to
// subtitle block formatting instead of ffmpeg argument lists.
package subtitle

import (
	"strings"
	"unicode"

	"subtitler/pkg/models"
)

// SplitOptions configures the sentence splitter (spec.md §3 Sentence
// invariants).
type SplitOptions struct {
	PauseThresholdMS int64
	HardMaxMS        int64
	MaxChars         int
	MinChars         int
}

// DefaultSplitOptions mirrors the values implied by spec.md's testable
// properties and the ≤30s segment cap.
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{
		PauseThresholdMS: 700,
		HardMaxMS:        7000,
		MaxChars:         90,
		MinChars:         1,
	}
}

// Split walks a flat, time-sorted word list and produces Sentences
// according to spec.md §3: split at terminal punctuation, at an
// inter-word gap exceeding the pause threshold, or when duration/length
// caps are hit; sentences under MinChars are dropped.
func Split(words []models.Word, opts SplitOptions) []models.Sentence {
	var sentences []models.Sentence
	var current []models.Word

	flush := func() {
		if len(current) == 0 {
			return
		}
		s := buildSentence(current)
		current = nil
		if len(strings.TrimSpace(s.Text)) < opts.MinChars {
			return
		}
		sentences = append(sentences, s)
	}

	for i, w := range words {
		current = append(current, w)

		if i+1 < len(words) {
			gap := words[i+1].StartMS - w.EndMS
			if gap > opts.PauseThresholdMS {
				flush()
				continue
			}
		}

		if endsWithTerminalPunctuation(w.Text) {
			flush()
			continue
		}

		duration := w.EndMS - current[0].StartMS
		length := sentenceLength(current)
		if duration >= opts.HardMaxMS || length >= opts.MaxChars {
			flush()
		}
	}
	flush()

	return sentences
}

func buildSentence(words []models.Word) models.Sentence {
	var b strings.Builder
	var confSum float64
	for i, w := range words {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(w.Text)
		confSum += w.Confidence
	}
	ws := make([]models.Word, len(words))
	copy(ws, words)
	return models.Sentence{
		Text:       b.String(),
		StartMS:    words[0].StartMS,
		EndMS:      words[len(words)-1].EndMS,
		Confidence: confSum / float64(len(words)),
		Words:      ws,
	}
}

func sentenceLength(words []models.Word) int {
	n := 0
	for i, w := range words {
		if i > 0 {
			n++
		}
		n += len(w.Text)
	}
	return n
}

func endsWithTerminalPunctuation(text string) bool {
	text = strings.TrimRightFunc(text, unicode.IsSpace)
	if text == "" {
		return false
	}
	last := []rune(text)[len([]rune(text))-1]
	switch last {
	case '.', '!', '?', '。', '！', '？':
		return true
	default:
		return false
	}
}
