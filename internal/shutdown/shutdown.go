// Package shutdown implements the Shutdown Supervisor (C10): tracks
// connected clients via a heartbeat endpoint and triggers a graceful
// drain once no client has checked in within a grace window and no job
// is running or queued. An explicit force request runs the same drain
// immediately regardless of activity.
//
// Grounded on the teacher's internal/heartbeat.Service ticker/goroutine
// shape (heartbeat.go), inverted: the teacher's Service is a client that
// pushes pulses to an orchestrator on a ticker; this Supervisor is the
// server side, polling its own liveness table on the same kind of
// ticker instead of waiting on inbound requests to drive it.
package shutdown

import (
	"sync"
	"time"

	"subtitler/internal/errs"
	"subtitler/internal/eventbus"
)

// DefaultGrace is the idle window from spec.md §4.10.
const DefaultGrace = 30 * time.Second

// pollInterval is how often the supervisor re-checks liveness; kept well
// under DefaultGrace so the drain fires promptly once the window lapses.
const pollInterval = 5 * time.Second

// ActivityChecker reports whether the scheduler has running or queued
// work, the other half of the "no clients and no work" drain condition.
type ActivityChecker interface {
	HasActiveWork() bool
}

// Canceller signals cooperative cancellation to any running job.
type Canceller interface {
	CancelRunning()
}

// DrainFunc performs the rest of the shutdown sequence once the job
// layer has been told to stop: release model handles, close listeners,
// and so on. Called at most once per process.
type DrainFunc func()

// Supervisor owns the client liveness table and the one-shot drain
// sequence. Constructed once by cmd/subtitlerd's wiring and passed by
// handle to the HTTP surface's /api/system/* and /api/shutdown handlers.
type Supervisor struct {
	mu       sync.Mutex
	clients  map[string]time.Time
	lastSeen time.Time
	grace    time.Duration

	checker ActivityChecker
	queue   Canceller
	bus     *eventbus.Bus
	drain   DrainFunc

	done     chan struct{}
	doneOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Supervisor with the given grace window. grace <= 0 uses
// DefaultGrace.
func New(grace time.Duration, checker ActivityChecker, queue Canceller, bus *eventbus.Bus, drain DrainFunc) *Supervisor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	s := &Supervisor{
		clients: make(map[string]time.Time),
		grace:   grace,
		checker: checker,
		queue:   queue,
		bus:     bus,
		drain:   drain,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	// Process start is the idle baseline until a first client registers,
	// so a daemon no client ever visits still drains.
	s.lastSeen = time.Now()
	return s
}

// Start launches the background liveness poll. Call once.
func (s *Supervisor) Start() {
	go s.loop()
}

// Stop halts the poll loop without running the drain sequence, used by
// tests.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done reports when the drain sequence has completed; cmd/subtitlerd's
// main selects on it to exit the process.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) loop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			if s.shouldDrain() {
				s.Force()
				return
			}
		}
	}
}

func (s *Supervisor) shouldDrain() bool {
	s.mu.Lock()
	last := s.lastSeen
	hasClients := len(s.clients) > 0
	s.mu.Unlock()

	if hasClients {
		return false
	}
	if last.IsZero() {
		// Only a Supervisor not built by New has no baseline; New seeds
		// lastSeen with the process start time.
		return false
	}
	if time.Since(last) < s.grace {
		return false
	}
	return s.checker == nil || !s.checker.HasActiveWork()
}

// Register admits a new client into the liveness table.
func (s *Supervisor) Register(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.clients[clientID] = now
	s.lastSeen = now
}

// Heartbeat refreshes clientID's liveness. Unknown ids are admitted
// rather than rejected -- a missed register (e.g. after a daemon
// restart) should not wedge a client out of keeping the process alive.
func (s *Supervisor) Heartbeat(clientID string) error {
	if clientID == "" {
		return errs.New(errs.KindValidation, "client id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.clients[clientID] = now
	s.lastSeen = now
	return nil
}

// Unregister removes clientID from the liveness table. If it was the
// last client, the grace window starts counting down from now.
func (s *Supervisor) Unregister(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	if len(s.clients) == 0 {
		s.lastSeen = time.Now()
	}
}

// ClientCount reports how many clients are currently registered, used by
// tests.
func (s *Supervisor) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Force runs the drain sequence immediately, regardless of client or job
// activity (spec.md §4.10: "An explicit shutdown endpoint forces the
// same sequence"). Safe to call more than once; only the first call
// does anything.
func (s *Supervisor) Force() {
	s.doneOnce.Do(func() {
		if s.queue != nil {
			s.queue.CancelRunning()
		}
		if s.bus != nil {
			s.bus.Shutdown()
		}
		if s.drain != nil {
			s.drain()
		}
		close(s.done)
	})
}
