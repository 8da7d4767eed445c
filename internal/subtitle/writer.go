package subtitle

import (
	"encoding/json"
	"fmt"
	"strings"

	"subtitler/pkg/models"
)

// DefaultProblemSegmentSuffix is appended to a sentence's rendered text when
// its backing segment tripped the circuit breaker or was force-accepted
// under on_break=continue (SPEC_FULL.md supplemented feature; spec.md
// §8 scenario 4 requires "the final subtitle marks affected segment
// indices with the configured problem-segment suffix").
const DefaultProblemSegmentSuffix = " [LOW-CONF]"

// RenderText returns a sentence's subtitle text, with the problem
// suffix appended when flagged.
func RenderText(s models.Sentence, suffix string) string {
	if s.ProblemSegment && suffix != "" {
		return s.Text + suffix
	}
	return s.Text
}

// WriteSRT renders sentences as a standard numbered SRT file: 1-based
// block index, "HH:MM:SS,mmm --> HH:MM:SS,mmm" timestamp line, text,
// blank separator, UTF-8, no BOM (spec.md §6).
func WriteSRT(sentences []models.Sentence, suffix string) string {
	var b strings.Builder
	for i, s := range sentences {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(s.StartMS), srtTimestamp(s.EndMS))
		b.WriteString(RenderText(s, suffix))
		b.WriteString("\n\n")
	}
	return b.String()
}

// WriteVTT renders sentences as a WebVTT file.
func WriteVTT(sentences []models.Sentence, suffix string) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, s := range sentences {
		fmt.Fprintf(&b, "%s --> %s\n", vttTimestamp(s.StartMS), vttTimestamp(s.EndMS))
		b.WriteString(RenderText(s, suffix))
		b.WriteString("\n\n")
	}
	return b.String()
}

// WriteTXT renders sentences as a plain-text transcript, one sentence
// per line with no timestamps.
func WriteTXT(sentences []models.Sentence, suffix string) string {
	var b strings.Builder
	for _, s := range sentences {
		b.WriteString(RenderText(s, suffix))
		b.WriteString("\n")
	}
	return b.String()
}

// jsonSentence is the wire shape for WriteJSON, decoupled from
// models.Sentence so renamed/reordered fields don't silently change the
// exported transcript shape.
type jsonSentence struct {
	Text           string  `json:"text"`
	StartMS        int64   `json:"start_ms"`
	EndMS          int64   `json:"end_ms"`
	Confidence     float64 `json:"confidence"`
	ProblemSegment bool    `json:"problem_segment,omitempty"`
}

// WriteJSON renders sentences as an indented JSON array, used by the
// editor's transcript pull endpoint.
func WriteJSON(sentences []models.Sentence) ([]byte, error) {
	out := make([]jsonSentence, len(sentences))
	for i, s := range sentences {
		out[i] = jsonSentence{
			Text:           s.Text,
			StartMS:        s.StartMS,
			EndMS:          s.EndMS,
			Confidence:     s.Confidence,
			ProblemSegment: s.ProblemSegment,
		}
	}
	return json.MarshalIndent(out, "", "  ")
}

func srtTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := (ms % 3_600_000) / 60_000
	s := (ms % 60_000) / 1000
	rem := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, rem)
}

func vttTimestamp(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3_600_000
	m := (ms % 3_600_000) / 60_000
	s := (ms % 60_000) / 1000
	rem := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, rem)
}
