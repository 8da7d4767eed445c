package subtitle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"subtitler/pkg/models"
)

func word(text string, start, end int64) models.Word {
	return models.Word{Text: text, StartMS: start, EndMS: end, Confidence: 0.9}
}

func TestSplitBreaksOnTerminalPunctuation(t *testing.T) {
	words := []models.Word{
		word("Hello", 0, 300),
		word("there.", 300, 600),
		word("Bye", 650, 900),
	}
	sentences := Split(words, DefaultSplitOptions())
	require.Len(t, sentences, 2)
	require.Equal(t, "Hello there.", sentences[0].Text)
	require.Equal(t, "Bye", sentences[1].Text)
}

func TestSplitBreaksOnPauseGap(t *testing.T) {
	opts := DefaultSplitOptions()
	words := []models.Word{
		word("one", 0, 300),
		word("two", 2000, 2300), // gap of 1700ms > 700ms threshold
	}
	sentences := Split(words, opts)
	require.Len(t, sentences, 2)
}

func TestSplitDropsUnderMinChars(t *testing.T) {
	opts := DefaultSplitOptions()
	opts.MinChars = 5
	words := []models.Word{word("hi.", 0, 100)}
	sentences := Split(words, opts)
	require.Empty(t, sentences)
}

func TestSplitRespectsHardMax(t *testing.T) {
	opts := DefaultSplitOptions()
	opts.HardMaxMS = 1000
	words := []models.Word{
		word("a", 0, 200),
		word("b", 200, 400),
		word("c", 400, 600),
		word("d", 600, 1200), // duration from sentence start now >= hard max
		word("e", 1200, 1400),
	}
	sentences := Split(words, opts)
	require.GreaterOrEqual(t, len(sentences), 2)
}

func TestWriteSRTFormatsTimestampsAndAppendsSuffix(t *testing.T) {
	sentences := []models.Sentence{
		{Text: "Hello world", StartMS: 1234, EndMS: 5678, ProblemSegment: true},
	}
	out := WriteSRT(sentences, DefaultProblemSegmentSuffix)
	require.True(t, strings.HasPrefix(out, "1\n"))
	require.Contains(t, out, "00:00:01,234 --> 00:00:05,678")
	require.Contains(t, out, "Hello world [LOW-CONF]")
}

func TestWriteVTTHasHeader(t *testing.T) {
	sentences := []models.Sentence{{Text: "hi", StartMS: 0, EndMS: 1000}}
	out := WriteVTT(sentences, "")
	require.True(t, strings.HasPrefix(out, "WEBVTT\n\n"))
	require.Contains(t, out, "00:00:00.000 --> 00:00:01.000")
}

func TestWriteTXTOneLinePerSentence(t *testing.T) {
	sentences := []models.Sentence{
		{Text: "first", StartMS: 0, EndMS: 100},
		{Text: "second", StartMS: 100, EndMS: 200},
	}
	out := WriteTXT(sentences, "")
	require.Equal(t, "first\nsecond\n", out)
}

func TestWriteJSONRoundTripsFields(t *testing.T) {
	sentences := []models.Sentence{
		{Text: "hi", StartMS: 0, EndMS: 500, Confidence: 0.75, ProblemSegment: true},
	}
	b, err := WriteJSON(sentences)
	require.NoError(t, err)
	require.Contains(t, string(b), `"problem_segment": true`)
	require.Contains(t, string(b), `"confidence": 0.75`)
}
