package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"subtitler/internal/errs"
	"subtitler/internal/ids"
	"subtitler/internal/subtitle"
	"subtitler/pkg/models"
)

const maxUploadBytes = 4 << 30 // 4 GiB, generous for source video uploads

// jobFromAny looks up id first among created-but-not-started jobs, then
// among jobs known to the scheduler (queued/running/terminal).
func (s *Server) jobFromAny(id string) (*models.Job, bool) {
	s.mu.Lock()
	job, ok := s.created[id]
	s.mu.Unlock()
	if ok {
		return job, true
	}
	return s.queue.Job(id)
}

func (s *Server) queuePositionOf(id string) int {
	state := s.queue.State()
	if state.Running == id {
		return 0
	}
	for i, qid := range state.Queue {
		if qid == id {
			return i + 1
		}
	}
	return -1
}

type uploadResponse struct {
	JobID         string `json:"job_id"`
	Filename      string `json:"filename"`
	QueuePosition int    `json:"queue_position"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, errs.Wrap(errs.KindValidation, "parse multipart form", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, errs.Wrap(errs.KindValidation, "missing file field", err))
		return
	}
	defer file.Close()

	jobID := ids.NewJobID()
	if _, err := s.root.EnsureJobDir(jobID); err != nil {
		writeError(w, errs.Wrap(errs.KindIO, "create job directory", err))
		return
	}

	ext := filepath.Ext(header.Filename)
	inputPath := s.root.JobFile(jobID, "input"+ext)
	out, err := os.Create(inputPath)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindIO, "create input file", err))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		writeError(w, errs.Wrap(errs.KindIO, "write input file", err))
		return
	}
	out.Close()

	job := &models.Job{
		ID:         jobID,
		InputPath:  inputPath,
		OutputPath: s.root.JobFile(jobID, "output.srt"),
		Status:     models.StatusCreated,
		CreatedAt:  time.Now(),
	}
	s.mu.Lock()
	s.created[jobID] = job
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, uploadResponse{JobID: jobID, Filename: header.Filename, QueuePosition: 0})
}

type createJobRequest struct {
	InputPath string `json:"input_path"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.InputPath == "" {
		writeError(w, errs.New(errs.KindValidation, "input_path is required"))
		return
	}

	jobID := ids.NewJobID()
	if _, err := s.root.EnsureJobDir(jobID); err != nil {
		writeError(w, errs.Wrap(errs.KindIO, "create job directory", err))
		return
	}

	job := &models.Job{
		ID:         jobID,
		InputPath:  req.InputPath,
		OutputPath: s.root.JobFile(jobID, "output.srt"),
		Status:     models.StatusCreated,
		CreatedAt:  time.Now(),
	}
	s.mu.Lock()
	s.created[jobID] = job
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, uploadResponse{JobID: jobID, Filename: filepath.Base(req.InputPath), QueuePosition: 0})
}

type startRequest struct {
	JobID    string                `json:"job_id"`
	Settings models.EngineSettings `json:"settings"`
}

type startResponse struct {
	Started       bool `json:"started"`
	QueuePosition int  `json:"queue_position"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	job, ok := s.created[req.JobID]
	if ok {
		delete(s.created, req.JobID)
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, errs.New(errs.KindValidation, "unknown or already-started job id"))
		return
	}

	job.Settings = req.Settings
	s.queue.Enqueue(job)

	writeJSON(w, http.StatusOK, startResponse{Started: true, QueuePosition: s.queuePositionOf(job.ID)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	if err := s.queue.Pause(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	if err := s.queue.Resume(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	deleteData, _ := strconv.ParseBool(r.URL.Query().Get("delete_data"))

	s.mu.Lock()
	_, wasCreated := s.created[id]
	delete(s.created, id)
	s.mu.Unlock()

	if wasCreated {
		if deleteData {
			_ = s.root.PurgeJobDir(id)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"canceled": true})
		return
	}

	if err := s.queue.Cancel(id, deleteData); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": true})
}

func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	mode := models.PrioritizeMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = s.defaultPolicy
	}
	if mode != models.PrioritizeGentle && mode != models.PrioritizeForce {
		writeError(w, errs.New(errs.KindValidation, "mode must be gentle or force"))
		return
	}
	if err := s.queue.Prioritize(id, mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"prioritized": true})
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleReorderQueue(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Reorder(req.IDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reordered": true})
}

type statusResponse struct {
	Job   *models.Job       `json:"job"`
	Media []models.Artifact `json:"media,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	job, ok := s.jobFromAny(id)
	if !ok {
		notFound(w, "unknown job id")
		return
	}
	resp := statusResponse{Job: job}
	if s.mediaSup != nil {
		resp.Media = s.mediaSup.Status(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.State())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	path := s.root.JobFile(id, "output.srt")
	if _, err := os.Stat(path); err != nil {
		notFound(w, "subtitle output not available")
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+id+".srt\"")
	http.ServeFile(w, r, path)
}

func (s *Server) handleIncompleteJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.IncompleteJobs())
}

type checkResumeResponse struct {
	Resumable bool        `json:"resumable"`
	Phase     models.Phase `json:"phase,omitempty"`
	Processed int         `json:"processed"`
	Total     int         `json:"total"`
}

func (s *Server) handleCheckResume(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	cp, err := s.checkpoints.Load(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if cp == nil {
		writeJSON(w, http.StatusOK, checkResumeResponse{Resumable: false})
		return
	}
	writeJSON(w, http.StatusOK, checkResumeResponse{
		Resumable: true,
		Phase:     cp.Phase,
		Processed: len(cp.ProcessedIndices),
		Total:     cp.TotalSegments,
	})
}

type restoreRequest struct {
	Settings *models.EngineSettings `json:"settings,omitempty"`
	FreshRun bool                   `json:"fresh_run,omitempty"`
}

type restoreResponse struct {
	Restored      bool `json:"restored"`
	QueuePosition int  `json:"queue_position"`
}

// handleRestoreJob re-enqueues a job from its last checkpoint (spec.md
// §4.5). A caller may supply settings to run with instead of the
// checkpointed ones, but changing a model-identity field (recognizer
// model, compute precision, device) invalidates the checkpoint's
// progress; such a request is rejected unless fresh_run=true, in which
// case the job restarts from scratch rather than resuming.
func (s *Server) handleRestoreJob(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")
	cp, err := s.checkpoints.Load(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if cp == nil {
		writeError(w, errs.New(errs.KindValidation, "no checkpoint to restore from"))
		return
	}

	var req restoreRequest
	_ = decodeJSON(r, &req) // an empty/absent body just means "resume as checkpointed"

	settings := cp.OriginalSettings
	phase := cp.Phase
	totalSegments := cp.TotalSegments
	processedSegments := len(cp.ProcessedIndices)

	if req.Settings != nil {
		settings = *req.Settings
		if settings.ModelIdentity() != cp.OriginalSettings.ModelIdentity() {
			if !req.FreshRun {
				writeError(w, errs.New(errs.KindValidation,
					"settings change the recognizer model, compute precision, or device; "+
						"retry with fresh_run=true to discard the checkpoint and restart"))
				return
			}
			if err := s.checkpoints.Purge(id); err != nil {
				writeError(w, err)
				return
			}
			phase = ""
			totalSegments = 0
			processedSegments = 0
		}
	}

	matches, _ := filepath.Glob(s.root.JobFile(id, "input.*"))
	inputPath := ""
	if len(matches) > 0 {
		inputPath = matches[0]
	}

	job := &models.Job{
		ID:                id,
		InputPath:         inputPath,
		OutputPath:        s.root.JobFile(id, "output.srt"),
		Settings:          settings,
		Status:            models.StatusQueued,
		Phase:             phase,
		TotalSegments:     totalSegments,
		ProcessedSegments: processedSegments,
		CreatedAt:         time.Now(),
	}
	s.queue.Enqueue(job)

	writeJSON(w, http.StatusOK, restoreResponse{Restored: true, QueuePosition: s.queuePositionOf(id)})
}

type transcriptionTextResponse struct {
	Aligned  bool   `json:"aligned"`
	Language string `json:"language,omitempty"`
	Text     string `json:"text"`
}

func (s *Server) handleTranscriptionText(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "job_id")

	if artifact, ok := s.loadAlignedArtifact(id); ok {
		var sentences []models.Sentence
		for _, seg := range artifact.Segments {
			sentences = append(sentences, models.Sentence{Text: seg.Text, StartMS: seg.Start, EndMS: seg.End})
		}
		writeJSON(w, http.StatusOK, transcriptionTextResponse{
			Aligned:  true,
			Language: artifact.Language,
			Text:     subtitle.WriteTXT(sentences, ""),
		})
		return
	}

	cp, err := s.checkpoints.Load(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if cp == nil {
		notFound(w, "no transcript available")
		return
	}

	var sentences []models.Sentence
	language := ""
	for _, ur := range cp.UnalignedResults {
		if ur.Language != "" {
			language = ur.Language
		}
		for _, seg := range ur.Segments {
			sentences = append(sentences, models.Sentence{Text: seg.Text, StartMS: seg.Start, EndMS: seg.End})
		}
	}
	writeJSON(w, http.StatusOK, transcriptionTextResponse{
		Aligned:  false,
		Language: language,
		Text:     subtitle.WriteTXT(sentences, ""),
	})
}

func (s *Server) loadAlignedArtifact(jobID string) (*models.AlignedArtifact, bool) {
	path := s.root.JobFile(jobID, "aligned.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var artifact models.AlignedArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, false
	}
	return &artifact, true
}
