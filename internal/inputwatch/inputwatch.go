// Package inputwatch watches the configured input directory for new
// media files, so a thin CLI/UI client can list create-job candidates
// without re-scanning the filesystem on every request. Structured the
// same way the rest of the daemon's background services are: a
// constructor that starts a goroutine, a done channel, and a
// sync.Once-guarded Stop.
package inputwatch

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long a file's size must remain unchanged before it
// is announced as a candidate, so a file still being copied into the
// input directory isn't offered to create-job mid-write.
const settleDelay = 2 * time.Second

// Candidate describes a file sitting in the input directory.
type Candidate struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Watcher announces stable files dropped into an input directory.
type Watcher struct {
	dir string

	mu         sync.Mutex
	candidates map[string]Candidate
	pending    map[string]int64 // path -> last observed size, awaiting settle

	onAdd    func(Candidate)
	onRemove func(path string)

	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithOnAdd registers a callback invoked when a new stable candidate appears.
func WithOnAdd(fn func(Candidate)) Option {
	return func(w *Watcher) { w.onAdd = fn }
}

// WithOnRemove registers a callback invoked when a candidate disappears.
func WithOnRemove(fn func(path string)) Option {
	return func(w *Watcher) { w.onRemove = fn }
}

// New creates a Watcher over dir, performs an initial scan, and starts
// watching in a background goroutine.
func New(dir string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:        dir,
		candidates: make(map[string]Candidate),
		pending:    make(map[string]int64),
		fsw:        fsw,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.scan()
	go w.run()
	return w, nil
}

// Candidates returns a snapshot of currently stable files, sorted by path.
func (w *Watcher) Candidates() []Candidate {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Candidate, 0, len(w.candidates))
	for _, c := range w.candidates {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Stop releases the underlying fsnotify watch.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("[inputwatch] initial scan of %s failed: %v", w.dir, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.touch(filepath.Join(w.dir, e.Name()))
	}
}

func (w *Watcher) run() {
	settle := time.NewTicker(settleDelay)
	defer settle.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[inputwatch] watch error: %v", err)
		case <-settle.C:
			w.checkPending()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.forget(ev.Name)
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.touch(ev.Name)
	}
}

// touch records the file's current size as a pending candidate; it is
// only promoted to a stable Candidate once checkPending observes the
// same size across a full settle interval.
func (w *Watcher) touch(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	w.mu.Lock()
	w.pending[path] = info.Size()
	w.mu.Unlock()
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	_, was := w.candidates[path]
	delete(w.candidates, path)
	delete(w.pending, path)
	w.mu.Unlock()
	if was && w.onRemove != nil {
		w.onRemove(path)
	}
}

func (w *Watcher) checkPending() {
	w.mu.Lock()
	pending := make(map[string]int64, len(w.pending))
	for p, s := range w.pending {
		pending[p] = s
	}
	w.mu.Unlock()

	for path, lastSize := range pending {
		info, err := os.Stat(path)
		if err != nil {
			w.forget(path)
			continue
		}
		if info.Size() != lastSize {
			w.mu.Lock()
			w.pending[path] = info.Size()
			w.mu.Unlock()
			continue
		}

		cand := Candidate{Path: path, Size: info.Size(), ModTime: info.ModTime()}
		w.mu.Lock()
		delete(w.pending, path)
		w.candidates[path] = cand
		w.mu.Unlock()

		if w.onAdd != nil {
			w.onAdd(cand)
		}
	}
}
