// Package jobqueue implements the Job Queue & Scheduler (C6): an
// ordered queue of job ids, at most one running job, and pause/resume/
// cancel/prioritize/reorder operations serialized by a single lock over
// {queue, running, jobs}, matching spec.md §9's "one lock over the
// whole scheduling surface, no finer-grained locking" note.
//
// Grounded on the teacher's internal/server.JobServer (a channel fed by
// HTTP handlers, drained by one worker loop), generalized from a single
// unbuffered job channel into an ordered, mutable queue with its own
// promote/preempt/reorder state machine, plus the teacher's
// internal/heartbeat.Service ticker shape adapted for the scheduler's
// own wake-on-change loop instead of a polling interval.
package jobqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"subtitler/internal/errs"
	"subtitler/internal/eventbus"
	"subtitler/internal/persistence"
	"subtitler/internal/pipeline"
	"subtitler/pkg/models"
)

// RunFunc drives one job through the pipeline runner. Injected so the
// queue has no direct dependency on pipeline.Runner's own
// dependencies (model supervisor, circuit engine, transcoder, ...).
type RunFunc func(ctx context.Context, job *models.Job, pause pipeline.PauseCheck) (pipeline.Outcome, error)

// Purger deletes a job's on-disk directory when cancel is called with
// delete_data=true. Implemented by whatever owns the Checkpoint Store
// and Persistence Root at the call site (cmd/subtitlerd wiring).
type Purger interface {
	PurgeJob(jobID string) error
}

type entry struct {
	job       *models.Job
	cancel    context.CancelFunc
	pauseFlag bool
}

// Queue is the sole owner of scheduling state; everyone else (HTTP
// surface, tests) calls its methods instead of touching jobs directly.
type Queue struct {
	mu            sync.Mutex
	order         []string
	runningID     string
	jobs          map[string]*entry
	interruptedBy map[string]string

	root          *persistence.Root
	bus           *eventbus.Bus
	run           RunFunc
	purger        Purger
	defaultPolicy models.PrioritizeMode

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// New constructs a Queue. run drives a job to a terminal/paused/
// canceled outcome; purger may be nil if delete_data is never used.
func New(root *persistence.Root, bus *eventbus.Bus, run RunFunc, purger Purger, defaultPolicy models.PrioritizeMode) *Queue {
	return &Queue{
		jobs:          make(map[string]*entry),
		interruptedBy: make(map[string]string),
		root:          root,
		bus:           bus,
		run:           run,
		purger:        purger,
		defaultPolicy: defaultPolicy,
		wake:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
}

// Start launches the scheduler loop in the background. Call once.
func (q *Queue) Start() {
	go q.loop()
	q.wakeUp()
}

// Stop halts the scheduler loop; any in-flight job is left running (the
// Shutdown Supervisor cancels it separately via CancelRunning).
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stop) })
}

func (q *Queue) loop() {
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
		q.tick()
	}
}

func (q *Queue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// tick promotes the head of the queue if no job is currently running.
func (q *Queue) tick() {
	q.mu.Lock()
	if q.runningID != "" || len(q.order) == 0 {
		q.mu.Unlock()
		return
	}
	id := q.order[0]
	q.order = q.order[1:]
	e := q.jobs[id]
	e.pauseFlag = false

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.job.Status = models.StatusProcessing
	now := time.Now()
	e.job.StartedAt = &now
	q.runningID = id
	q.mu.Unlock()

	q.publishQueueUpdate()
	q.publishStatus(e.job)
	q.persist()

	go q.runEntry(ctx, e)
}

func (q *Queue) runEntry(ctx context.Context, e *entry) {
	pauseCheck := func(string) bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return e.pauseFlag
	}

	outcome, err := q.run(ctx, e.job, pauseCheck)
	if err != nil && outcome == "" {
		outcome = pipeline.OutcomeFailed
	}
	q.onSettle(e, outcome)
}

// onSettle records the run's outcome as e.job.Status, clears the
// running slot, auto-resumes any job e preempted, and re-evaluates
// promotion.
func (q *Queue) onSettle(e *entry, outcome pipeline.Outcome) {
	q.mu.Lock()
	if q.runningID == e.job.ID {
		q.runningID = ""
	}

	switch outcome {
	case pipeline.OutcomeFinished:
		e.job.Status = models.StatusFinished
	case pipeline.OutcomePaused:
		e.job.Status = models.StatusPaused
	case pipeline.OutcomeCanceled:
		e.job.Status = models.StatusCanceled
	case pipeline.OutcomeFailed:
		e.job.Status = models.StatusFailed
	}

	var resumeID string
	for preempted, preemptor := range q.interruptedBy {
		if preemptor == e.job.ID {
			resumeID = preempted
			break
		}
	}
	if resumeID != "" {
		delete(q.interruptedBy, resumeID)
		if re, ok := q.jobs[resumeID]; ok {
			re.job.Status = models.StatusQueued
			re.job.Preemption = nil
			q.order = append([]string{resumeID}, q.order...)
		}
	}
	q.mu.Unlock()

	q.publishQueueUpdate()
	q.publishStatus(e.job)
	q.persist()
	q.wakeUp()
}

// Enqueue admits a newly created job at the tail of the queue. If
// nothing is running, the scheduler loop picks it up on its next tick.
func (q *Queue) Enqueue(job *models.Job) {
	q.mu.Lock()
	job.Status = models.StatusQueued
	q.jobs[job.ID] = &entry{job: job}
	q.order = append(q.order, job.ID)
	q.mu.Unlock()

	q.publishQueueUpdate()
	q.persist()
	q.wakeUp()
}

// HasActiveWork reports whether any job is running or queued, consulted
// by the Shutdown Supervisor's idle-drain condition.
func (q *Queue) HasActiveWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runningID != "" || len(q.order) > 0
}

// CancelRunning cooperatively cancels whatever job is currently running,
// if any, used by the Shutdown Supervisor's drain sequence.
func (q *Queue) CancelRunning() {
	q.mu.Lock()
	id := q.runningID
	var cancel context.CancelFunc
	if id != "" {
		cancel = q.jobs[id].cancel
	}
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Job returns the live job record for id, if known.
func (q *Queue) Job(id string) (*models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return e.job, true
}

// IncompleteJobs lists jobs in {queued, processing, paused}, matching
// GET /api/incomplete-jobs (spec.md §6).
func (q *Queue) IncompleteJobs() []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Job
	for _, e := range q.jobs {
		switch e.job.Status {
		case models.StatusQueued, models.StatusProcessing, models.StatusPaused:
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns a snapshot of the queue for /api/queue-status and
// queue_update events.
func (q *Queue) State() models.QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stateLocked()
}

func (q *Queue) stateLocked() models.QueueState {
	var paused []string
	for id, e := range q.jobs {
		if e.job.Status == models.StatusPaused {
			paused = append(paused, id)
		}
	}
	sort.Strings(paused)

	interrupted := make(map[string]string, len(q.interruptedBy))
	for k, v := range q.interruptedBy {
		interrupted[k] = v
	}

	order := make([]string, len(q.order))
	copy(order, q.order)

	return models.QueueState{
		Queue:         order,
		Running:       q.runningID,
		Paused:        paused,
		InterruptedBy: interrupted,
	}
}

// Pause implements spec.md §4.6 pause(id): a running job gets a
// cooperative flag consumed at its next checkpoint boundary; a queued
// job is removed from the queue and marked paused immediately. Idempotent
// if id is already paused.
func (q *Queue) Pause(id string) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return errs.New(errs.KindValidation, "unknown job id")
	}

	if id == q.runningID {
		e.pauseFlag = true
		q.mu.Unlock()
		return nil
	}

	if e.job.Status == models.StatusPaused {
		q.mu.Unlock()
		return nil
	}

	idx := indexOf(q.order, id)
	if idx < 0 {
		q.mu.Unlock()
		return errs.New(errs.KindValidation, "job is not running or queued")
	}
	q.order = append(q.order[:idx], q.order[idx+1:]...)
	e.job.Status = models.StatusPaused
	now := time.Now()
	e.job.PausedAt = &now
	q.mu.Unlock()

	q.publishQueueUpdate()
	q.publishStatus(e.job)
	q.persist()
	return nil
}

// Resume implements spec.md §4.6 resume(id): requires status paused;
// appends to the queue tail and marks queued.
func (q *Queue) Resume(id string) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return errs.New(errs.KindValidation, "unknown job id")
	}
	if e.job.Status == models.StatusQueued {
		q.mu.Unlock()
		return nil
	}
	if e.job.Status != models.StatusPaused {
		q.mu.Unlock()
		return errs.New(errs.KindValidation, "job is not paused")
	}

	e.job.Status = models.StatusQueued
	q.order = append(q.order, id)
	q.mu.Unlock()

	q.publishQueueUpdate()
	q.publishStatus(e.job)
	q.persist()
	q.wakeUp()
	return nil
}

// Cancel implements spec.md §4.6 cancel(id, delete_data): removes id
// from the queue if present, or signals cooperative cancellation if it
// is running. When deleteData is set, the job's directory is purged
// once the caller is done (callers should await settle for a running
// job before relying on the purge having taken effect).
func (q *Queue) Cancel(id string, deleteData bool) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return errs.New(errs.KindValidation, "unknown job id")
	}

	if id == q.runningID {
		cancel := e.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	} else {
		idx := indexOf(q.order, id)
		if idx >= 0 {
			q.order = append(q.order[:idx], q.order[idx+1:]...)
		}
		if !isTerminal(e.job.Status) {
			e.job.Status = models.StatusCanceled
		}
		q.mu.Unlock()

		q.publishQueueUpdate()
		q.publishStatus(e.job)
		q.persist()
	}

	if deleteData && q.purger != nil {
		return q.purger.PurgeJob(id)
	}
	return nil
}

// Prioritize implements spec.md §4.6 prioritize(id, mode). Gentle moves
// id to the queue head and lets the running job finish naturally; force
// additionally preempts the running job, recording a single
// preempted-by-preempting link cleared once id terminates.
func (q *Queue) Prioritize(id string, mode models.PrioritizeMode) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return errs.New(errs.KindValidation, "unknown job id")
	}
	if id == q.runningID {
		q.mu.Unlock()
		return nil
	}

	idx := indexOf(q.order, id)
	if idx < 0 {
		q.mu.Unlock()
		return errs.New(errs.KindValidation, "job is not queued")
	}
	q.order = append(q.order[:idx], q.order[idx+1:]...)
	q.order = append([]string{id}, q.order...)

	if mode == models.PrioritizeForce && q.runningID != "" {
		victim := q.jobs[q.runningID]
		victim.pauseFlag = true
		q.interruptedBy[q.runningID] = id
		victim.job.Preemption = &models.PreemptionInfo{InterruptedBy: id}
	}
	_ = e
	q.mu.Unlock()

	q.wakeUp()
	q.publishQueueUpdate()
	q.persist()
	return nil
}

// Reorder implements spec.md §4.6 reorder(ids): ids must be a
// permutation of the exact current queued set, or the whole call is
// rejected and no event is published (spec.md §8 scenario 5).
func (q *Queue) Reorder(ids []string) error {
	q.mu.Lock()
	if !sameSet(ids, q.order) {
		q.mu.Unlock()
		return errs.New(errs.KindValidation, "reorder ids must be a permutation of the current queue")
	}
	q.order = append([]string(nil), ids...)
	q.mu.Unlock()

	q.publishQueueUpdate()
	q.persist()
	return nil
}

func (q *Queue) publishQueueUpdate() {
	state := q.State()
	q.bus.Publish(models.Event{
		Channel: models.GlobalChannel,
		Kind:    models.KindQueueUpdate,
		Payload: models.QueueUpdatePayload{
			Queue:         state.Queue,
			Running:       state.Running,
			Paused:        state.Paused,
			InterruptedBy: state.InterruptedBy,
		},
	})
}

func (q *Queue) publishStatus(job *models.Job) {
	payload := models.JobStatusPayload{JobID: job.ID, Status: job.Status, Phase: job.Phase, Message: job.Message}
	q.bus.Publish(models.Event{Channel: models.GlobalChannel, Kind: models.KindJobStatus, Payload: payload})
	q.bus.Publish(models.Event{Channel: models.JobChannel(job.ID), Kind: models.KindJobStatus, Payload: payload})
}

func (q *Queue) persist() {
	state := q.State()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	_ = persistence.AtomicWriteFile(q.root.QueueStatePath(), data, 0o644)
}

func isTerminal(s models.Status) bool {
	switch s {
	case models.StatusFinished, models.StatusFailed, models.StatusCanceled:
		return true
	default:
		return false
	}
}

func indexOf(haystack []string, needle string) int {
	for i, v := range haystack {
		if v == needle {
			return i
		}
	}
	return -1
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
