package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"subtitler/internal/checkpoint"
	"subtitler/internal/config"
	"subtitler/internal/engineclient"
	"subtitler/internal/modelsup"
	"subtitler/internal/persistence"
	"subtitler/pkg/models"
)

func TestLoaderForDispatchesByKind(t *testing.T) {
	cfg := &config.Config{
		RecognizerURL:         "http://recognizer.local",
		FallbackRecognizerURL: "http://fallback.local",
		AlignerURL:            "http://aligner.local",
		SeparatorURL:          "http://separator.local",
	}
	loader := loaderFor(cfg)

	inst, err := loader(context.Background(), modelsup.KindRecognizerPrimary, "base")
	require.NoError(t, err)
	require.IsType(t, &engineclient.HTTPRecognizer{}, inst)

	inst, err = loader(context.Background(), modelsup.KindAligner, "default")
	require.NoError(t, err)
	require.IsType(t, &engineclient.HTTPAligner{}, inst)

	inst, err = loader(context.Background(), modelsup.KindSeparator, "default")
	require.NoError(t, err)
	require.IsType(t, &engineclient.HTTPSeparator{}, inst)

	_, err = loader(context.Background(), modelsup.Kind("unknown"), "")
	require.Error(t, err)
}

func TestCheckpointPurgerRemovesJobDirAndCheckpoint(t *testing.T) {
	root, err := persistence.NewRoot(t.TempDir())
	require.NoError(t, err)
	cp := checkpoint.NewStore(root)

	jobID := "job-1"
	_, err = root.EnsureJobDir(jobID)
	require.NoError(t, err)
	require.NoError(t, cp.Save(&models.Checkpoint{JobID: jobID, Version: 1}))

	p := checkpointPurger{cp: cp, root: root}
	require.NoError(t, p.PurgeJob(jobID))

	_, err = os.Stat(root.JobDir(jobID))
	require.True(t, os.IsNotExist(err))
}

func TestRehydrateJobReconstructsFromCheckpoint(t *testing.T) {
	root, err := persistence.NewRoot(t.TempDir())
	require.NoError(t, err)
	cp := checkpoint.NewStore(root)

	jobID := "job-restart"
	_, err = root.EnsureJobDir(jobID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(root.JobFile(jobID, "input.mp4"), []byte("src"), 0o644))
	require.NoError(t, cp.Save(&models.Checkpoint{
		JobID:            jobID,
		Version:          1,
		Phase:            models.PhaseTranscribe,
		TotalSegments:    10,
		ProcessedIndices: []int{0, 1, 2},
	}))

	job, err := rehydrateJob(jobID, cp, root)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, models.StatusQueued, job.Status)
	require.Equal(t, models.PhaseTranscribe, job.Phase)
	require.Equal(t, 3, job.ProcessedSegments)
	require.Contains(t, job.InputPath, "input.mp4")
}

func TestRehydrateJobErrorsWithoutCheckpoint(t *testing.T) {
	root, err := persistence.NewRoot(t.TempDir())
	require.NoError(t, err)
	cp := checkpoint.NewStore(root)

	_, err = rehydrateJob("never-existed", cp, root)
	require.Error(t, err)
}

func TestPurgerIsNoOpWhenJobDirNeverExisted(t *testing.T) {
	root, err := persistence.NewRoot(t.TempDir())
	require.NoError(t, err)
	cp := checkpoint.NewStore(root)

	p := checkpointPurger{cp: cp, root: root}
	require.NoError(t, p.PurgeJob(filepath.Join("never-created")))
}
