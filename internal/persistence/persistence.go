// Package persistence implements the Persistence Root (C9): the on-disk
// directory layout for the queue state file and per-job directories, plus
// the atomic-write primitive every other stateful package builds on.
//
// Grounded on the teacher's internal/transcoder/transcoder.go, which
// writes into a job-specific temp directory and relocates finished
// output with os.Rename; this package generalizes that into a reusable
// write-temp-fsync-rename helper.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
)

// Root owns the on-disk layout described in spec.md §4.9:
//
//	<root>/
//	  queue_state.json
//	  jobs/<job_id>/
//	    input.<ext>
//	    audio.wav
//	    segments/<n>.wav
//	    checkpoint.json
//	    aligned.json
//	    output.srt
//	    proxy_360p.mp4
//	    proxy_720p.mp4
//	    peaks.json
//	    thumbs.jpg / thumbs.json
type Root struct {
	path string
}

// NewRoot ensures path exists and is writable, then returns a Root
// rooted there.
func NewRoot(path string) (*Root, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create root %s: %w", path, err)
	}
	probe := filepath.Join(path, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("persistence: root %s is not writable: %w", path, err)
	}
	_ = os.Remove(probe)
	return &Root{path: path}, nil
}

// Path returns the root directory.
func (r *Root) Path() string { return r.path }

// QueueStatePath is the global scheduler state file.
func (r *Root) QueueStatePath() string {
	return filepath.Join(r.path, "queue_state.json")
}

// JobDir returns (and does not create) the per-job directory path.
func (r *Root) JobDir(jobID string) string {
	return filepath.Join(r.path, "jobs", jobID)
}

// EnsureJobDir creates the per-job directory tree (including segments/).
func (r *Root) EnsureJobDir(jobID string) (string, error) {
	dir := r.JobDir(jobID)
	if err := os.MkdirAll(filepath.Join(dir, "segments"), 0o755); err != nil {
		return "", fmt.Errorf("persistence: create job dir %s: %w", dir, err)
	}
	return dir, nil
}

// JobFile joins the job directory with one of the well-known file names
// (checkpoint.json, aligned.json, output.srt, ...).
func (r *Root) JobFile(jobID, name string) string {
	return filepath.Join(r.JobDir(jobID), name)
}

// PurgeJobDir removes a job's entire directory, used by cancel(delete_data=true)
// and checkpoint purge.
func (r *Root) PurgeJobDir(jobID string) error {
	return os.RemoveAll(r.JobDir(jobID))
}

// AtomicWriteFile writes data to path via a temp file in the same
// directory, fsyncs it, then renames it into place — the write is never
// observed partially by a reader (spec.md §4.1 checkpoint invariant,
// generalized to every durable file in the repo).
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("persistence: create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: write temp %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: fsync temp %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: close temp %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("persistence: chmod temp %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persistence: rename %s -> %s: %w", tmpPath, path, err)
	}
	return nil
}

// MoveAside relocates a corrupt file out of the way for inspection rather
// than silently overwriting it (spec.md §4.1).
func MoveAside(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dest := path + ".corrupt"
	return os.Rename(path, dest)
}
