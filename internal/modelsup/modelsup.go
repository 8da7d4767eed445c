// Package modelsup implements the Model Supervisor (C3): it serializes
// loading/unloading of heavyweight models and enforces a one-heavy-at-a-
// time (or N-heavy, on larger hardware) VRAM discipline.
//
// Grounded on the teacher's internal/transcoder/probe.go (ProbeCapabilities
// populates a single resident bestCodec from a hardware probe) generalized
// from one resident resource to an LRU of N resident model slots, and on
// golang.org/x/sync/semaphore for acquire/evict serialization (also used
// by jordigilh-kubernaut and MrWong99-glyphoxa for bounded concurrency).
package modelsup

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"subtitler/internal/errs"
	"subtitler/internal/monitor"
)

// Kind names a class of model this supervisor manages.
type Kind string

const (
	KindRecognizerPrimary  Kind = "recognizer_primary"
	KindRecognizerFallback Kind = "recognizer_fallback"
	KindAligner            Kind = "aligner"
	KindSeparator          Kind = "separator"
)

// Loader instantiates a model variant. Supplied by the caller (usually
// internal/engineclient) so the supervisor stays agnostic of how a
// model is actually loaded (subprocess, in-process, HTTP sidecar).
type Loader func(ctx context.Context, kind Kind, variant string) (instance interface{}, err error)

// Handle is a bounded-lifetime reference to a loaded model. It must be
// released (Release) on stage exit or cancel (spec.md §9).
type Handle struct {
	slot *slot
}

// Instance returns the loaded model object the Loader produced.
func (h *Handle) Instance() interface{} { return h.slot.instance }

// Release marks the slot available again.
func (h *Handle) Release() {
	h.slot.sup.release(h.slot)
}

type slot struct {
	sup       *Supervisor
	kind      Kind
	variant   string
	instance  interface{}
	refCount  int
	element   *list.Element // position in the LRU list
}

func (s *slot) key() string { return string(s.kind) + ":" + s.variant }

// Supervisor is the sole owner of loaded model instances (spec.md §5).
// Everyone else holds Handles.
type Supervisor struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	slots    map[string]*slot
	lru      *list.List // front = most recently used
	loader   Loader
	draining bool
	sem      *semaphore.Weighted
}

// New constructs a Supervisor whose capacity is derived from the host's
// GPU tier (spec.md §4.3).
func New(ctx context.Context, mon *monitor.Monitor, loader Loader) *Supervisor {
	capacity := capacityFor(mon.GPUTier(ctx))
	s := &Supervisor{
		capacity: capacity,
		slots:    make(map[string]*slot),
		lru:      list.New(),
		loader:   loader,
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func capacityFor(tier monitor.GPUTier) int {
	switch tier {
	case monitor.TierLargeGPU:
		return 2
	case monitor.TierSmallGPU:
		return 1
	default:
		return 1
	}
}

// Acquire returns a handle to (kind, variant), loading it if necessary.
// If the slot table is full and a different heavy model must be evicted,
// Acquire waits until no handle on the victim is outstanding before
// unloading it, then loads the requested one (spec.md §4.3).
func (s *Supervisor) Acquire(ctx context.Context, kind Kind, variant string) (*Handle, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "model supervisor: acquire semaphore", err)
	}

	s.mu.Lock()
	for s.draining {
		s.mu.Unlock()
		s.sem.Release(1)
		return nil, errs.New(errs.KindCancelled, "model supervisor is draining")
	}

	key := string(kind) + ":" + variant
	if sl, ok := s.slots[key]; ok {
		sl.refCount++
		s.lru.MoveToFront(sl.element)
		s.mu.Unlock()
		return &Handle{slot: sl}, nil
	}

	if len(s.slots) >= s.capacity {
		if err := s.evictOneLocked(ctx); err != nil {
			s.mu.Unlock()
			s.sem.Release(1)
			return nil, err
		}
	}
	s.mu.Unlock()

	instance, err := s.loader(ctx, kind, variant)
	if err != nil {
		s.sem.Release(1)
		return nil, errs.Wrap(errs.KindModelLoadFailed, fmt.Sprintf("load %s/%s", kind, variant), err)
	}

	s.mu.Lock()
	sl := &slot{sup: s, kind: kind, variant: variant, instance: instance, refCount: 1}
	sl.element = s.lru.PushFront(sl)
	s.slots[key] = sl
	s.mu.Unlock()

	return &Handle{slot: sl}, nil
}

// evictOneLocked waits for the least-recently-used slot with zero
// outstanding handles and unloads it. Caller holds s.mu; it is released
// and re-acquired while waiting.
func (s *Supervisor) evictOneLocked(ctx context.Context) error {
	for {
		var victim *slot
		for e := s.lru.Back(); e != nil; e = e.Prev() {
			candidate := e.Value.(*slot)
			if candidate.refCount == 0 {
				victim = candidate
				break
			}
		}
		if victim != nil {
			delete(s.slots, victim.key())
			s.lru.Remove(victim.element)
			return nil
		}

		// Nothing evictable yet: wait for a release, honoring context
		// cancellation via a watcher goroutine.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()
		s.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindCancelled, "model supervisor: wait for eviction", ctx.Err())
		}
	}
}

func (s *Supervisor) release(sl *slot) {
	s.mu.Lock()
	sl.refCount--
	if sl.refCount < 0 {
		sl.refCount = 0
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.sem.Release(1)
}

// Drain unloads everything and blocks new acquires, used by the
// Shutdown Supervisor (C10).
func (s *Supervisor) Drain() {
	s.mu.Lock()
	s.draining = true
	s.slots = make(map[string]*slot)
	s.lru.Init()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ResidentCount reports how many model slots are currently loaded
// (tests and introspection).
func (s *Supervisor) ResidentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}
