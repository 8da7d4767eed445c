// Package httpapi implements the HTTP/SSE Surface (C8): stateless
// request handlers binding every other component, registering the full
// endpoint list from spec.md §6 on a gorilla/mux router.
//
// Grounded on _examples/jontk-slurm-client/tests/mocks/server.go's route
// registration style (mux.NewRouter().StrictSlash(false), one
// HandleFunc per path template with .Methods(...)) and on the teacher's
// internal/server.JobServer for the shape of decoding a posted job into
// a typed struct before handing it to the scheduler. Error handling
// follows spec.md §7: validation failures are 4xx with a structured
// {code, detail} body; everything else is 5xx; SSE handlers never
// reject mid-stream.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"subtitler/internal/checkpoint"
	"subtitler/internal/errs"
	"subtitler/internal/eventbus"
	"subtitler/internal/jobqueue"
	"subtitler/internal/media"
	"subtitler/internal/persistence"
	"subtitler/pkg/models"
)

// ClientRegistry is the Shutdown Supervisor's liveness-tracking surface,
// injected so httpapi has no compile-time dependency on internal/shutdown.
type ClientRegistry interface {
	Register(clientID string)
	Heartbeat(clientID string) error
	Unregister(clientID string)
}

// Shutdowner forces the drain sequence immediately, used by POST
// /api/shutdown.
type Shutdowner interface {
	Force()
}

// Server binds the Job Queue & Scheduler, Media Supervisor, Event Bus,
// Checkpoint Store, and Persistence Root behind one router. It holds no
// job-lifecycle state of its own beyond the small "created, not yet
// started" set that /api/upload and /api/create-job populate ahead of
// /api/start enqueuing the job.
type Server struct {
	queue       *jobqueue.Queue
	mediaSup    *media.Supervisor
	bus         *eventbus.Bus
	checkpoints *checkpoint.Store
	root        *persistence.Root
	clients     ClientRegistry
	shutdown    Shutdowner

	defaultPolicy models.PrioritizeMode

	mu      sync.Mutex
	created map[string]*models.Job

	router *mux.Router
}

// New builds a Server and registers every route. clients/shutdown may be
// nil in tests that do not exercise /api/system/* or /api/shutdown.
func New(queue *jobqueue.Queue, mediaSup *media.Supervisor, bus *eventbus.Bus, cp *checkpoint.Store, root *persistence.Root, clients ClientRegistry, shutdown Shutdowner, defaultPolicy models.PrioritizeMode) *Server {
	s := &Server{
		queue:         queue,
		mediaSup:      mediaSup,
		bus:           bus,
		checkpoints:   cp,
		root:          root,
		clients:       clients,
		shutdown:      shutdown,
		defaultPolicy: defaultPolicy,
		created:       make(map[string]*models.Job),
	}
	s.router = mux.NewRouter().StrictSlash(false)
	s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/upload", s.handleUpload).Methods("POST")
	api.HandleFunc("/create-job", s.handleCreateJob).Methods("POST")
	api.HandleFunc("/start", s.handleStart).Methods("POST")
	api.HandleFunc("/pause/{job_id}", s.handlePause).Methods("POST")
	api.HandleFunc("/resume/{job_id}", s.handleResume).Methods("POST")
	api.HandleFunc("/cancel/{job_id}", s.handleCancel).Methods("POST")
	api.HandleFunc("/prioritize/{job_id}", s.handlePrioritize).Methods("POST")
	api.HandleFunc("/reorder-queue", s.handleReorderQueue).Methods("POST")
	api.HandleFunc("/status/{job_id}", s.handleStatus).Methods("GET")
	api.HandleFunc("/queue-status", s.handleQueueStatus).Methods("GET")
	api.HandleFunc("/download/{job_id}", s.handleDownload).Methods("GET")
	api.HandleFunc("/incomplete-jobs", s.handleIncompleteJobs).Methods("GET")
	api.HandleFunc("/check-resume/{job_id}", s.handleCheckResume).Methods("GET")
	api.HandleFunc("/restore-job/{job_id}", s.handleRestoreJob).Methods("POST")
	api.HandleFunc("/transcription-text/{job_id}", s.handleTranscriptionText).Methods("GET")

	api.HandleFunc("/stream/{job_id}", s.handleStreamJob).Methods("GET")
	api.HandleFunc("/events/global", s.handleStreamGlobal).Methods("GET")

	api.HandleFunc("/media/{job_id}/video", s.handleMediaVideo).Methods("GET")
	api.HandleFunc("/media/{job_id}/audio", s.handleMediaAudio).Methods("GET")
	api.HandleFunc("/media/{job_id}/peaks", s.handleMediaPeaks).Methods("GET")
	api.HandleFunc("/media/{job_id}/thumbnails", s.handleMediaThumbnails).Methods("GET")
	api.HandleFunc("/media/{job_id}/srt", s.handleMediaSRT).Methods("GET", "POST")
	api.HandleFunc("/media/{job_id}/info", s.handleMediaInfo).Methods("GET")
	api.HandleFunc("/media/{job_id}/progressive-status", s.handleMediaProgressiveStatus).Methods("GET")
	api.HandleFunc("/media/{job_id}/post-process", s.handleMediaPostProcess).Methods("POST")
	api.HandleFunc("/media/{job_id}/generate-preview", s.handleMediaGeneratePreview).Methods("POST")

	api.HandleFunc("/system/register", s.handleSystemRegister).Methods("POST")
	api.HandleFunc("/system/heartbeat", s.handleSystemHeartbeat).Methods("POST")
	api.HandleFunc("/system/unregister", s.handleSystemUnregister).Methods("POST")
	api.HandleFunc("/shutdown", s.handleShutdown).Methods("POST")
	api.HandleFunc("/ping", s.handlePing).Methods("GET")
}

// apiError is the structured 4xx/5xx body from spec.md §4.8.
type apiError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error's errs.Kind to an HTTP status per spec.md §7:
// validation -> 4xx, everything else -> 5xx, with cancelled mapped to
// 409 Conflict since it names a state transition rather than a bad
// request or a server fault.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	code := string(kind)
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindCancelled:
		status = http.StatusConflict
	}
	writeJSON(w, status, apiError{Code: code, Detail: err.Error()})
}

func notFound(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, apiError{Code: "not_found", Detail: what})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.KindValidation, "malformed request body", err)
	}
	return nil
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
