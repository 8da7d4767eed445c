// Package checkpoint implements the Checkpoint Store (C1): atomic
// read/write of the per-job journal. Concurrent writers are serialized
// per job id; concurrent readers are allowed.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"subtitler/internal/errs"
	"subtitler/internal/persistence"
	"subtitler/pkg/models"
)

// Store is the sole owner of mutable journal files; every other
// component accesses journals through it (spec.md §5).
type Store struct {
	root *persistence.Root

	mu      sync.Mutex // guards locks
	locks   map[string]*sync.Mutex
}

// NewStore returns a Store rooted at root.
func NewStore(root *persistence.Root) *Store {
	return &Store{root: root, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

// Load reads the checkpoint for jobID. A missing file returns
// (nil, nil); a present-but-corrupt file is moved aside and returns a
// errs.KindIO error rather than being silently overwritten.
func (s *Store) Load(jobID string) (*models.Checkpoint, error) {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()
	return s.loadLocked(jobID)
}

func (s *Store) loadLocked(jobID string) (*models.Checkpoint, error) {
	path := s.root.JobFile(jobID, "checkpoint.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindIO, "read checkpoint", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		if moveErr := persistence.MoveAside(path); moveErr != nil {
			return nil, errs.Wrap(errs.KindIO, "checkpoint corrupt and could not move aside", moveErr)
		}
		return nil, errs.Wrap(errs.KindIO, "checkpoint corrupt, moved aside for inspection", err)
	}
	return &cp, nil
}

// Save writes cp atomically for its JobID.
func (s *Store) Save(cp *models.Checkpoint) error {
	l := s.lockFor(cp.JobID)
	l.Lock()
	defer l.Unlock()
	return s.saveLocked(cp)
}

func (s *Store) saveLocked(cp *models.Checkpoint) error {
	if cp.Version == 0 {
		cp.Version = models.CheckpointSchemaVersion
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal checkpoint", err)
	}
	path := s.root.JobFile(cp.JobID, "checkpoint.json")
	if err := persistence.AtomicWriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindIO, "write checkpoint", err)
	}
	return nil
}

// AppendFragment is implemented as load+mutate+save, per spec.md §4.1,
// under the job's single lock so no writer interleaves.
func (s *Store) AppendFragment(jobID string, segmentIndex int, result models.UnalignedResult) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	cp, err := s.loadLocked(jobID)
	if err != nil {
		return err
	}
	if cp == nil {
		return errs.New(errs.KindValidation, fmt.Sprintf("no checkpoint for job %s", jobID))
	}

	if !cp.HasProcessed(segmentIndex) {
		cp.ProcessedIndices = append(cp.ProcessedIndices, segmentIndex)
	}
	cp.UnalignedResults = append(cp.UnalignedResults, result)

	return s.saveLocked(cp)
}

// Purge deletes the checkpoint file (and the job's whole directory, via
// the caller's use of persistence.Root.PurgeJobDir) — only called when a
// job is explicitly purged.
func (s *Store) Purge(jobID string) error {
	l := s.lockFor(jobID)
	l.Lock()
	defer l.Unlock()

	path := s.root.JobFile(jobID, "checkpoint.json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIO, "purge checkpoint", err)
	}
	return nil
}
