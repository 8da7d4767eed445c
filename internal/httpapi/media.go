package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"subtitler/internal/errs"
	"subtitler/internal/persistence"
	"subtitler/internal/subtitle"
	"subtitler/pkg/models"
)

func (s *Server) handleMediaVideo(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	_, path, ok := s.mediaSup.BestAvailableURL(id)
	if !ok {
		notFound(w, "no video available for job")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleMediaAudio(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	path := s.root.JobFile(id, "audio.wav")
	if _, err := os.Stat(path); err != nil {
		notFound(w, "audio not available")
		return
	}
	http.ServeFile(w, r, path)
}

// peaksFile is the wire shape of peaks.json: one float per waveform
// bucket, pre-normalized to [-1, 1] by the transcoder.
type peaksFile struct {
	Peaks []float64 `json:"peaks"`
}

func (s *Server) handleMediaPeaks(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	path := s.root.JobFile(id, "peaks.json")
	data, err := os.ReadFile(path)
	if err != nil {
		notFound(w, "peaks not available")
		return
	}
	var pf peaksFile
	if err := json.Unmarshal(data, &pf); err != nil {
		writeError(w, errs.Wrap(errs.KindIO, "peaks file is corrupt", err))
		return
	}

	if samples, convErr := strconv.Atoi(r.URL.Query().Get("samples")); convErr == nil && samples > 0 && samples < len(pf.Peaks) {
		pf.Peaks = decimate(pf.Peaks, samples)
	}
	writeJSON(w, http.StatusOK, pf)
}

// decimate downsamples peaks to exactly n buckets by averaging
// consecutive runs, used so the editor's waveform view can request a
// resolution matching its pixel width.
func decimate(peaks []float64, n int) []float64 {
	out := make([]float64, n)
	bucket := float64(len(peaks)) / float64(n)
	for i := 0; i < n; i++ {
		start := int(float64(i) * bucket)
		end := int(float64(i+1) * bucket)
		if end <= start {
			end = start + 1
		}
		if end > len(peaks) {
			end = len(peaks)
		}
		var sum float64
		count := 0
		for j := start; j < end; j++ {
			sum += peaks[j]
			count++
		}
		if count > 0 {
			out[i] = sum / float64(count)
		}
	}
	return out
}

func (s *Server) handleMediaThumbnails(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	sprite, _ := strconv.ParseBool(r.URL.Query().Get("sprite"))
	if sprite {
		path := s.root.JobFile(id, "thumbs.jpg")
		if _, err := os.Stat(path); err != nil {
			notFound(w, "thumbnail sprite not available")
			return
		}
		http.ServeFile(w, r, path)
		return
	}

	path := s.root.JobFile(id, "thumbs.json")
	data, err := os.ReadFile(path)
	if err != nil {
		notFound(w, "thumbnail index not available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleMediaSRT(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	path := s.root.JobFile(id, "output.srt")

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(r.Body)
		defer r.Body.Close()
		if err != nil {
			writeError(w, errs.Wrap(errs.KindValidation, "read request body", err))
			return
		}
		// Round-trip the upload through the canonical sentence form
		// (spec.md §8: "any SRT is parseable back into the canonical
		// sentence form with bit-identical timings") so an editor's
		// hand-edited SRT is rejected here rather than at playback time.
		sentences, err := subtitle.ParseSRT(string(body))
		if err != nil {
			writeError(w, errs.Wrap(errs.KindValidation, "malformed srt", err))
			return
		}
		canonical := subtitle.WriteSRT(sentences, "")
		if err := persistence.AtomicWriteFile(path, []byte(canonical), 0o644); err != nil {
			writeError(w, errs.Wrap(errs.KindIO, "write srt", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		notFound(w, "subtitle not available")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

type mediaInfoResponse struct {
	BestKind  models.ArtifactKind `json:"best_kind,omitempty"`
	BestURL   string              `json:"best_url,omitempty"`
	Artifacts []models.Artifact   `json:"artifacts"`
}

func (s *Server) handleMediaInfo(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	kind, url, _ := s.mediaSup.BestAvailableURL(id)
	writeJSON(w, http.StatusOK, mediaInfoResponse{
		BestKind:  kind,
		BestURL:   url,
		Artifacts: s.mediaSup.Status(id),
	})
}

func (s *Server) handleMediaProgressiveStatus(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	writeJSON(w, http.StatusOK, s.mediaSup.Status(id))
}

func (s *Server) handleMediaPostProcess(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	job, ok := s.jobFromAny(id)
	if !ok {
		notFound(w, "unknown job id")
		return
	}
	s.mediaSup.RequestAll(id, job.InputPath)
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

// handleMediaGeneratePreview kicks off just the scrubbing-preview
// artifacts (the 360p proxy and the thumbnail sprite) rather than the
// full RequestAll set, since a caller hitting "generate preview"
// explicitly wants the lightweight editor artifacts rather than the
// 720p quality proxy as well.
func (s *Server) handleMediaGeneratePreview(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	job, ok := s.jobFromAny(id)
	if !ok {
		notFound(w, "unknown job id")
		return
	}
	s.mediaSup.Request(id, job.InputPath, models.ArtifactPreview360p)
	s.mediaSup.Request(id, job.InputPath, models.ArtifactThumbnails)
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}
