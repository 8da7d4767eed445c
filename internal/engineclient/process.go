package engineclient

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"subtitler/pkg/models"
)

// maxSegmentMS / targetSegmentMS bound the VAD chunker (spec.md §3:
// "every segment's duration <= 30s hard cap and targets 15s").
const (
	maxSegmentMS    = 30_000
	targetSegmentMS = 15_000
	// silenceRMSThreshold below this normalized RMS over a 20ms window is
	// treated as silence eligible for a segment boundary.
	silenceRMSThreshold = 0.01
	windowMS            = 20
)

var reTime = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}\.\d+)`)

// FFmpegTranscoder extracts audio and produces proxy media by shelling
// out to ffmpeg, exactly as the teacher's FFmpegTranscoder drives the
// transcode pipeline: build args, start the process, scan stderr for a
// time= marker to report fractional progress, wait, done.
type FFmpegTranscoder struct {
	binPath   string
	probePath string
}

// NewFFmpegTranscoder constructs a Transcoder backed by the ffmpeg/ffprobe
// binaries on PATH.
func NewFFmpegTranscoder() *FFmpegTranscoder {
	return &FFmpegTranscoder{binPath: "ffmpeg", probePath: "ffprobe"}
}

func (t *FFmpegTranscoder) Extract(ctx context.Context, req ExtractRequest, progress ProgressFunc) (ExtractResult, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return ExtractResult{}, fmt.Errorf("engineclient: create output dir: %w", err)
	}
	audioPath := filepath.Join(req.OutputDir, "audio.wav")

	durationSec, err := t.probeDuration(ctx, req.InputPath)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("engineclient: probe duration: %w", err)
	}

	args := []string{
		"-y", "-i", req.InputPath, "-hide_banner",
		"-vn", "-ac", "1", "-ar", "16000", "-c:a", "pcm_s16le",
		audioPath,
	}
	if err := t.run(ctx, args, durationSec, progress); err != nil {
		return ExtractResult{}, err
	}

	segments, err := vadSplit(audioPath, req.OutputDir)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("engineclient: vad split: %w", err)
	}

	return ExtractResult{AudioPath: audioPath, Segments: segments}, nil
}

func (t *FFmpegTranscoder) Proxy(ctx context.Context, req ProxyRequest, progress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("engineclient: create proxy output dir: %w", err)
	}

	durationSec, err := t.probeDuration(ctx, req.InputPath)
	if err != nil {
		return fmt.Errorf("engineclient: probe duration: %w", err)
	}

	var args []string
	switch req.Kind {
	case ProxyPreview360p:
		args = []string{"-y", "-i", req.InputPath, "-hide_banner",
			"-vf", "scale=-2:360", "-c:v", "libx264", "-preset", "veryfast",
			"-c:a", "aac", req.OutputPath}
	case ProxyHQ720p:
		args = []string{"-y", "-i", req.InputPath, "-hide_banner",
			"-vf", "scale=-2:720", "-c:v", "libx264", "-preset", "medium",
			"-c:a", "aac", req.OutputPath}
	case ProxyThumbnails:
		args = []string{"-y", "-i", req.InputPath, "-hide_banner",
			"-vf", "fps=1/10,scale=160:-1,tile=10x10", req.OutputPath}
	case ProxyPeaks:
		// Peaks are computed directly from audio samples, not via ffmpeg;
		// callers should not route ProxyPeaks through this transcoder.
		return fmt.Errorf("engineclient: peaks are not ffmpeg-backed")
	default:
		return fmt.Errorf("engineclient: unknown proxy kind %q", req.Kind)
	}

	return t.run(ctx, args, durationSec, progress)
}

func (t *FFmpegTranscoder) run(ctx context.Context, args []string, durationSec float64, progress ProgressFunc) error {
	cmd := exec.CommandContext(ctx, t.binPath, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("engineclient: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("engineclient: start ffmpeg: %w", err)
	}

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			if progress == nil || durationSec <= 0 {
				continue
			}
			m := reTime.FindStringSubmatch(scanner.Text())
			if len(m) != 4 {
				continue
			}
			h, _ := strconv.Atoi(m[1])
			mi, _ := strconv.Atoi(m[2])
			s, _ := strconv.ParseFloat(m[3], 64)
			cur := float64(h*3600+mi*60) + s
			frac := cur / durationSec
			if frac > 1 {
				frac = 1
			}
			progress(frac)
		}
	}()

	waitErr := cmd.Wait()
	<-scanDone
	if waitErr != nil {
		return fmt.Errorf("engineclient: ffmpeg: %w", waitErr)
	}
	return nil
}

func (t *FFmpegTranscoder) probeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{"-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path}
	cmd := exec.CommandContext(ctx, t.probePath, args...)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	var s string
	for _, b := range out {
		if b == '\n' || b == '\r' {
			break
		}
		s += string(b)
	}
	return strconv.ParseFloat(s, 64)
}

// vadSplit chunks a mono 16-bit PCM WAV file into speech segments by a
// simple RMS-energy threshold over 20ms windows, closing a segment once
// it reaches the target duration and a silent window is found, or once
// it hits the hard cap regardless of silence (spec.md §3 Segment
// invariants). No VAD library exists anywhere in the retrieved corpus,
// so this hand-rolled energy gate stands in for it, mirroring the
// hand-rolled WAV parsing already used for the musicality pre-judgment.
func vadSplit(audioPath, outputDir string) ([]models.Segment, error) {
	samples, sampleRate, err := readPCM16Mono(audioPath)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty audio track")
	}

	segDir := filepath.Join(outputDir, "segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, err
	}

	windowSize := int(sampleRate * windowMS / 1000)
	if windowSize < 1 {
		windowSize = 1
	}

	var segments []models.Segment
	startIdx := 0
	idx := 0
	totalMS := func(sampleIdx int) int64 { return int64(float64(sampleIdx) / sampleRate * 1000) }

	for pos := 0; pos < len(samples); pos += windowSize {
		end := pos + windowSize
		if end > len(samples) {
			end = len(samples)
		}
		curMS := int(totalMS(pos) - totalMS(startIdx))
		atCap := int(totalMS(end+windowSize)-totalMS(startIdx)) > maxSegmentMS
		atTarget := curMS >= targetSegmentMS && isSilent(samples[pos:end])
		isLast := end >= len(samples)

		if atCap || atTarget || isLast {
			segEnd := end
			seg, err := writeSegment(samples[startIdx:segEnd], sampleRate, segDir, idx, totalMS(startIdx), totalMS(segEnd))
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			idx++
			startIdx = segEnd
		}
	}

	return segments, nil
}

func isSilent(window []float64) bool {
	if len(window) == 0 {
		return true
	}
	var sumSq float64
	for _, s := range window {
		sumSq += s * s
	}
	rms := sumSq / float64(len(window))
	return rms < silenceRMSThreshold*silenceRMSThreshold
}

func writeSegment(samples []float64, sampleRate float64, segDir string, idx int, startMS, endMS int64) (models.Segment, error) {
	path := filepath.Join(segDir, fmt.Sprintf("%d.wav", idx))
	if err := writeMonoPCM16WAV(path, samples, sampleRate); err != nil {
		return models.Segment{}, err
	}
	return models.Segment{
		Index:    idx,
		StartMS:  startMS,
		EndMS:    endMS,
		FilePath: path,
		Tier:     "none",
	}, nil
}

func writeMonoPCM16WAV(path string, samples []float64, sampleRate float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dataSize := len(samples) * 2
	sr := uint32(sampleRate)
	byteRate := sr * 2

	write := func(b []byte) error { _, err := f.Write(b); return err }
	u32 := func(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }

	if err := write([]byte("RIFF")); err != nil {
		return err
	}
	if err := write(u32(uint32(36 + dataSize))); err != nil {
		return err
	}
	if err := write([]byte("WAVE")); err != nil {
		return err
	}
	if err := write([]byte("fmt ")); err != nil {
		return err
	}
	if err := write(u32(16)); err != nil {
		return err
	}
	if err := write(u16(1)); err != nil {
		return err
	}
	if err := write(u16(1)); err != nil {
		return err
	}
	if err := write(u32(sr)); err != nil {
		return err
	}
	if err := write(u32(byteRate)); err != nil {
		return err
	}
	if err := write(u16(2)); err != nil {
		return err
	}
	if err := write(u16(16)); err != nil {
		return err
	}
	if err := write([]byte("data")); err != nil {
		return err
	}
	if err := write(u32(uint32(dataSize))); err != nil {
		return err
	}

	buf := make([]byte, dataSize)
	for i, s := range samples {
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return write(buf)
}

func readPCM16Mono(path string) ([]float64, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var header [12]byte
	if _, err := f.Read(header[:]); err != nil {
		return nil, 0, err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE file: %s", path)
	}

	var numChannels uint16 = 1
	var sampleRate uint32 = 16000
	var bitsPerSample uint16 = 16
	var samples []float64

	for {
		var chunkHeader [8]byte
		if _, err := f.Read(chunkHeader[:]); err != nil {
			break
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		body := make([]byte, chunkSize)
		if _, err := f.Read(body); err != nil {
			return nil, 0, err
		}

		switch chunkID {
		case "fmt ":
			if len(body) >= 16 {
				numChannels = binary.LittleEndian.Uint16(body[2:4])
				sampleRate = binary.LittleEndian.Uint32(body[4:8])
				bitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			}
		case "data":
			if bitsPerSample != 16 {
				return nil, 0, fmt.Errorf("unsupported bits per sample: %d", bitsPerSample)
			}
			nCh := int(numChannels)
			if nCh == 0 {
				nCh = 1
			}
			frameCount := len(body) / (2 * nCh)
			samples = make([]float64, frameCount)
			for i := 0; i < frameCount; i++ {
				var sum float64
				for c := 0; c < nCh; c++ {
					off := (i*nCh + c) * 2
					v := int16(binary.LittleEndian.Uint16(body[off : off+2]))
					sum += float64(v) / 32768.0
				}
				samples[i] = sum / float64(nCh)
			}
		}
		if chunkSize%2 == 1 {
			var pad [1]byte
			_, _ = f.Read(pad[:])
		}
	}

	if samples == nil {
		return nil, 0, fmt.Errorf("no data chunk found in %s", path)
	}
	return samples, float64(sampleRate), nil
}
