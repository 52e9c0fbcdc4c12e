package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heimdex/heimdex-motion/internal/analysis"
	"github.com/heimdex/heimdex-motion/internal/logging"
)

// Analyzer runs one analysis. *analysis.Pipeline implements it.
type Analyzer interface {
	Run(ctx context.Context, path string, progress analysis.ProgressFunc) (*analysis.Result, error)
}

// PipelineFactory builds the analyzer for one queued analysis, honouring its
// debug output options.
type PipelineFactory func(a *Analysis) (Analyzer, error)

type Runner struct {
	repo         Repository
	pipelines    PipelineFactory
	workers      int
	logger       *slog.Logger
	pollInterval time.Duration

	wake    chan struct{}
	running atomic.Bool
	paused  atomic.Bool
	active  atomic.Int32
}

func NewRunner(repo Repository, pipelines PipelineFactory, workers int, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		repo:         repo,
		pipelines:    pipelines,
		workers:      workers,
		logger:       logging.WithComponent(logger, "runner"),
		pollInterval: 2 * time.Second,
		wake:         make(chan struct{}, 1),
	}
}

// Start dispatches pending analyses until ctx is cancelled, then waits for
// in-flight runs to return.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}
	defer r.running.Store(false)

	r.logger.Info("job runner started", "workers", r.workers)

	queue := make(chan *Analysis)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range queue {
				r.process(ctx, a)
				r.active.Add(-1)
				r.Wake()
			}
		}()
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		r.dispatch(ctx, queue)
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping")
			close(queue)
			wg.Wait()
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Wake asks the runner to look for pending work without waiting for the
// next poll.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("job runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("job runner resumed")
	r.Wake()
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// Workers returns the size of the worker pool.
func (r *Runner) Workers() int {
	return r.workers
}

// ActiveCount returns the number of analyses currently being processed.
func (r *Runner) ActiveCount() int {
	return int(r.active.Load())
}

func (r *Runner) dispatch(ctx context.Context, queue chan<- *Analysis) {
	if r.paused.Load() || ctx.Err() != nil {
		return
	}
	idle := r.workers - int(r.active.Load())
	if idle <= 0 {
		return
	}

	pending, err := r.repo.ListPendingAnalyses(ctx, idle)
	if err != nil {
		r.logger.Error("failed to list pending analyses", "error", err)
		return
	}

	for _, a := range pending {
		claimed, err := r.repo.ClaimAnalysis(ctx, a.ID)
		if err != nil {
			r.logger.Error("failed to claim analysis", "job_id", a.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		a.Status = StatusRunning
		r.active.Add(1)
		select {
		case queue <- a:
		case <-ctx.Done():
			r.active.Add(-1)
			r.finishFailed(ctx, a, "cancelled before start")
			return
		}
	}
}

func (r *Runner) process(ctx context.Context, a *Analysis) {
	logger := logging.WithJobID(r.logger, a.ID)
	logger.Info("processing analysis", "video", logging.SanitizePath(a.VideoPath))
	start := time.Now()

	p, err := r.pipelines(a)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		r.finishFailed(ctx, a, err.Error())
		return
	}

	// progress writes are serialized through one goroutine
	store := context.WithoutCancel(ctx)
	updates := make(chan int, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for pct := range updates {
			if err := r.repo.UpdateAnalysisProgress(store, a.ID, pct); err != nil {
				logger.Warn("failed to update progress", "progress", pct, "error", err)
			}
		}
	}()

	res, err := p.Run(ctx, a.VideoPath, func(pct int) { updates <- pct })
	close(updates)
	<-done

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			msg = "cancelled: runner stopped"
		}
		logger.Error("analysis failed", "error", err, "input_error", analysis.IsInputError(err))
		r.finishFailed(ctx, a, msg)
		return
	}

	if err := r.repo.CompleteAnalysis(store, a.ID, res); err != nil {
		logger.Error("failed to store result", "error", err)
		r.finishFailed(ctx, a, "failed to store result: "+err.Error())
		return
	}
	logger.Info("analysis completed",
		"rep_count", res.RepCount,
		"frames", res.FrameCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (r *Runner) finishFailed(ctx context.Context, a *Analysis, msg string) {
	if err := r.repo.FailAnalysis(context.WithoutCancel(ctx), a.ID, truncateStr(msg, 512)); err != nil {
		r.logger.Error("failed to mark analysis failed", "job_id", a.ID, "error", err)
	}
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
