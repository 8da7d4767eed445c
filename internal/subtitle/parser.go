package subtitle

import (
	"fmt"
	"strconv"
	"strings"

	"subtitler/pkg/models"
)

// ParseSRT parses a standard numbered SRT document back into
// Sentences, the inverse of WriteSRT. Timings round-trip bit-for-bit
// through srtTimestamp/parseSRTTimestamp (spec.md §8).
func ParseSRT(data string) ([]models.Sentence, error) {
	data = strings.ReplaceAll(data, "\r\n", "\n")
	blocks := strings.Split(strings.TrimSpace(data), "\n\n")

	sentences := make([]models.Sentence, 0, len(blocks))
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		s, err := parseSRTBlock(block)
		if err != nil {
			return nil, err
		}
		sentences = append(sentences, s)
	}
	return sentences, nil
}

func parseSRTBlock(block string) (models.Sentence, error) {
	lines := strings.Split(block, "\n")

	line := 0
	if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
		line = 1
	}
	if line >= len(lines) {
		return models.Sentence{}, fmt.Errorf("subtitle: block missing timestamp line: %q", block)
	}

	start, end, err := parseSRTTimestampLine(lines[line])
	if err != nil {
		return models.Sentence{}, err
	}

	text := strings.TrimRight(strings.Join(lines[line+1:], "\n"), "\n")
	return models.Sentence{
		Text:    text,
		StartMS: start,
		EndMS:   end,
	}, nil
}

func parseSRTTimestampLine(line string) (startMS, endMS int64, err error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("subtitle: invalid timestamp line %q", line)
	}
	start, err := parseSRTTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	end, err := parseSRTTimestamp(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseSRTTimestamp parses "HH:MM:SS,mmm", the inverse of srtTimestamp.
func parseSRTTimestamp(s string) (int64, error) {
	var h, m, sec, ms int64
	n, err := fmt.Sscanf(s, "%d:%d:%d,%d", &h, &m, &sec, &ms)
	if err != nil || n != 4 {
		return 0, fmt.Errorf("subtitle: invalid timestamp %q", s)
	}
	return h*3_600_000 + m*60_000 + sec*1000 + ms, nil
}
