package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"subtitler/internal/checkpoint"
	"subtitler/internal/circuit"
	"subtitler/internal/config"
	"subtitler/internal/engineclient"
	"subtitler/internal/eventbus"
	"subtitler/internal/httpapi"
	"subtitler/internal/inputwatch"
	"subtitler/internal/jobqueue"
	"subtitler/internal/media"
	"subtitler/internal/modelsup"
	"subtitler/internal/monitor"
	"subtitler/internal/persistence"
	"subtitler/internal/pipeline"
	"subtitler/internal/shutdown"
	"subtitler/pkg/models"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("[subtitlerd] exited with error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	root, err := persistence.NewRoot(cfg.RootPath)
	if err != nil {
		return fmt.Errorf("open persistence root: %w", err)
	}

	// queueRef is filled in once the queue is constructed; the event
	// bus needs an initial-state function before the queue exists
	// because the queue itself publishes onto the bus.
	var queueRef *jobqueue.Queue
	bus := eventbus.New(func(ch models.Channel) interface{} {
		if ch == models.GlobalChannel && queueRef != nil {
			return queueRef.State()
		}
		return nil
	})
	cp := checkpoint.NewStore(root)

	mon := monitor.New(cfg.GPUTierHint)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := modelsup.New(ctx, mon, loaderFor(cfg))

	ce := circuit.New(circuit.DefaultThresholds())
	tc := engineclient.NewFFmpegTranscoder()
	hasGPU := mon.GPUTier(ctx) != monitor.TierNoGPU

	runner := pipeline.NewRunner(cp, bus, root, sup, ce, tc, hasGPU)
	runFn := func(ctx context.Context, job *models.Job, pause pipeline.PauseCheck) (pipeline.Outcome, error) {
		return runner.Run(ctx, job, pause)
	}

	policy := cfg.Policy()
	queue := jobqueue.New(root, bus, runFn, checkpointPurger{cp: cp, root: root}, policy)
	queueRef = queue
	rehydrateQueue(queue, cp, root)
	queue.Start()
	defer queue.Stop()

	mediaSup := media.New(root, bus, tc, cfg.MaxMediaWorkers)

	clients := shutdown.New(cfg.HeartbeatGrace, queue, queue, bus, func() {
		log.Printf("[shutdown] draining: no clients and no active work")
		sup.Drain()
	})
	clients.Start()
	defer clients.Stop()

	srv := httpapi.New(queue, mediaSup, bus, cp, root, clients, clients, policy)

	watcher, err := inputwatch.New(cfg.InputDir, inputwatch.WithOnAdd(func(c inputwatch.Candidate) {
		log.Printf("[inputwatch] candidate detected: %s (%d bytes)", c.Path, c.Size)
	}))
	if err != nil {
		log.Printf("[inputwatch] unavailable for dir %s: %v", cfg.InputDir, err)
	} else {
		defer watcher.Stop()
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: srv,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[subtitlerd] listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Printf("[subtitlerd] received signal %s, shutting down", sig.String())
		clients.Force()
	case <-clients.Done():
		log.Printf("[shutdown] supervisor triggered drain")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// rehydrateQueue reconstructs each incomplete job from queue_state.json
// plus its last checkpoint and re-enqueues it, since the persisted queue
// state only records job ids (internal/jobqueue's own state has no
// durable home for InputPath/OutputPath/Settings across a restart).
func rehydrateQueue(queue *jobqueue.Queue, cp *checkpoint.Store, root *persistence.Root) {
	data, err := os.ReadFile(root.QueueStatePath())
	if err != nil {
		return
	}
	var state models.QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("[subtitlerd] rehydrate: corrupt queue_state.json: %v", err)
		return
	}

	ids := append([]string{}, state.Queue...)
	if state.Running != "" {
		ids = append(ids, state.Running)
	}
	ids = append(ids, state.Paused...)

	for _, id := range ids {
		job, err := rehydrateJob(id, cp, root)
		if err != nil {
			log.Printf("[subtitlerd] rehydrate: skipping job %s: %v", id, err)
			continue
		}
		queue.Enqueue(job)
	}
}

func rehydrateJob(id string, cp *checkpoint.Store, root *persistence.Root) (*models.Job, error) {
	snapshot, err := cp.Load(id)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, fmt.Errorf("no checkpoint for job %s", id)
	}

	matches, _ := filepath.Glob(root.JobFile(id, "input.*"))
	inputPath := ""
	if len(matches) > 0 {
		inputPath = matches[0]
	}

	return &models.Job{
		ID:                id,
		InputPath:         inputPath,
		OutputPath:        root.JobFile(id, "output.srt"),
		Settings:          snapshot.OriginalSettings,
		Status:            models.StatusQueued,
		Phase:             snapshot.Phase,
		TotalSegments:     snapshot.TotalSegments,
		ProcessedSegments: len(snapshot.ProcessedIndices),
		CreatedAt:         time.Now(),
	}, nil
}

// loaderFor adapts the configured sidecar URLs into a modelsup.Loader,
// keyed by model kind rather than by the caller's choice of transport.
func loaderFor(cfg *config.Config) modelsup.Loader {
	return func(ctx context.Context, kind modelsup.Kind, variant string) (interface{}, error) {
		switch kind {
		case modelsup.KindRecognizerPrimary:
			return engineclient.NewHTTPRecognizer(cfg.RecognizerURL), nil
		case modelsup.KindRecognizerFallback:
			return engineclient.NewHTTPRecognizer(cfg.FallbackRecognizerURL), nil
		case modelsup.KindAligner:
			return engineclient.NewHTTPAligner(cfg.AlignerURL), nil
		case modelsup.KindSeparator:
			return engineclient.NewHTTPSeparator(cfg.SeparatorURL), nil
		default:
			return nil, fmt.Errorf("unknown model kind %q", kind)
		}
	}
}

// checkpointPurger adapts the checkpoint store and persistence root into
// jobqueue.Purger, invoked when a job is cancelled with delete_data=true.
type checkpointPurger struct {
	cp   *checkpoint.Store
	root *persistence.Root
}

func (p checkpointPurger) PurgeJob(jobID string) error {
	if err := p.cp.Purge(jobID); err != nil {
		return err
	}
	return p.root.PurgeJobDir(jobID)
}
