// Package analysis runs one exercise video through frame extraction, pose
// estimation, metric computation and repetition counting.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/heimdex/heimdex-motion/internal/config"
	"github.com/heimdex/heimdex-motion/internal/logging"
	"github.com/heimdex/heimdex-motion/internal/metrics"
	"github.com/heimdex/heimdex-motion/internal/pose"
	"github.com/heimdex/heimdex-motion/internal/reps"
	"github.com/heimdex/heimdex-motion/internal/video"
)

// Phase names one pipeline stage.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseExtract  Phase = "extract"
	PhaseEstimate Phase = "estimate"
	PhaseAnalyze  Phase = "analyze"
	PhaseRender   Phase = "render"
	PhasePersist  Phase = "persist"
)

// Progress checkpoints. Extraction maps onto [0, progressExtracted] and
// estimation onto [progressExtracted, progressEstimated].
const (
	progressExtracted = 40
	progressEstimated = 80
	progressAnalyzed  = 85
	progressRendered  = 90
	progressPersisted = 95
	progressDone      = 100
)

// ProgressFunc receives monotonically non-decreasing percentages. It is
// called synchronously from the goroutine running the pipeline.
type ProgressFunc func(percent int)

// EstimatorFactory builds a fresh estimator for one run from the analysis
// configuration.
type EstimatorFactory func(cfg *config.Analysis) (pose.Estimator, error)

// Renderer writes the debug overlay video.
type Renderer interface {
	Render(originals []gocv.Mat, poses []pose.PoseFrame, working image.Point, outPath string, fps float64) error
}

// Deps are the collaborators a pipeline needs.
type Deps struct {
	Source     video.Source
	Estimators EstimatorFactory
	// Renderer may be nil when debug rendering is never enabled.
	Renderer Renderer
	Logger   *slog.Logger
	// OutputDir is used for debug outputs when the analysis config does not
	// set debug.output_dir. When both are empty, outputs go next to the
	// input video.
	OutputDir string
}

// Result is the outcome of one run.
type Result struct {
	RunID          string                  `json:"run_id"`
	RepCount       int                     `json:"rep_count"`
	Metrics        *metrics.Table          `json:"metrics_table"`
	DebugVideoPath string                  `json:"debug_video_path,omitempty"`
	MetricsPath    string                  `json:"metrics_path,omitempty"`
	Faults         []reps.Fault            `json:"faults"`
	FPS            float64                 `json:"fps"`
	FrameCount     int                     `json:"frame_count"`
	Timings        map[Phase]time.Duration `json:"timings"`
}

// Pipeline is immutable and may serve concurrent runs; every run builds its
// own estimator.
type Pipeline struct {
	cfg    *config.Analysis
	deps   Deps
	engine *metrics.Engine
	logger *slog.Logger
}

// New validates the wiring and prepares the metric engine.
func New(cfg *config.Analysis, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("analysis config is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("frame source is required")
	}
	if deps.Estimators == nil {
		return nil, fmt.Errorf("estimator factory is required")
	}
	if cfg.Debug.RenderVideo && deps.Renderer == nil {
		return nil, fmt.Errorf("debug rendering enabled without a renderer")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	engine, err := metrics.NewEngine(cfg.Definitions(), deps.Logger)
	if err != nil {
		return nil, &config.ValidationError{Field: "metric_definitions", Reason: "invalid metric set", Err: err}
	}

	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		engine: engine,
		logger: logging.WithComponent(deps.Logger, "analysis"),
	}, nil
}

// run carries per-run state.
type run struct {
	id       string
	logger   *slog.Logger
	progress ProgressFunc
	last     int
	timings  map[Phase]time.Duration
}

func (r *run) report(p int) {
	if p <= r.last {
		return
	}
	r.last = p
	if r.progress != nil {
		r.progress(p)
	}
}

func (r *run) timed(phase Phase, fn func() error) error {
	start := time.Now()
	r.logger.Debug("phase started", "phase", phase)
	err := fn()
	elapsed := time.Since(start)
	r.timings[phase] = elapsed
	if err != nil {
		r.logger.Error("phase failed", "phase", phase, "duration_ms", elapsed.Milliseconds(), "error", err)
		return err
	}
	r.logger.Info("phase completed", "phase", phase, "duration_ms", elapsed.Milliseconds())
	return nil
}

// Run analyzes the video at path. progress may be nil. Frames are processed
// strictly in order on the calling goroutine; ctx is checked once per frame.
// The estimator is closed on every return path.
func (p *Pipeline) Run(ctx context.Context, path string, progress ProgressFunc) (*Result, error) {
	r := &run{
		id:       uuid.NewString(),
		progress: progress,
		last:     -1,
		timings:  make(map[Phase]time.Duration),
	}
	r.logger = logging.WithRunID(p.logger, r.id)
	r.logger.Info("analysis started", "video", logging.SanitizePath(path))
	r.report(0)

	var est pose.Estimator
	if err := r.timed(PhaseInit, func() error {
		var err error
		est, err = p.deps.Estimators(p.cfg)
		return err
	}); err != nil {
		return nil, err
	}
	var closed bool
	closeEstimator := func() {
		if closed {
			return
		}
		closed = true
		if err := est.Close(); err != nil {
			r.logger.Warn("failed to close estimator", "error", err)
		}
	}
	defer closeEstimator()

	var frames []video.Frame
	defer func() {
		for i := range frames {
			frames[i].Close()
		}
	}()

	var fps float64
	if err := r.timed(PhaseExtract, func() error {
		var err error
		frames, fps, err = p.extract(ctx, path, r)
		return err
	}); err != nil {
		return nil, err
	}
	r.report(progressExtracted)

	var poses []pose.PoseFrame
	if err := r.timed(PhaseEstimate, func() error {
		var err error
		poses, err = p.estimate(ctx, est, frames, r)
		return err
	}); err != nil {
		return nil, err
	}
	r.report(progressEstimated)

	effectiveFPS := fps / float64(p.cfg.Performance.SampleRate)
	res := &Result{
		RunID:      r.id,
		FPS:        effectiveFPS,
		FrameCount: len(frames),
		Timings:    r.timings,
	}

	r.timed(PhaseAnalyze, func() error {
		res.Metrics = p.engine.Calculate(poses, effectiveFPS)
		res.RepCount = reps.Count(res.Metrics, p.cfg.RepParams())
		res.Faults = reps.DetectFaults(res.Metrics)
		return nil
	})
	closeEstimator()
	r.report(progressAnalyzed)

	if p.cfg.Debug.RenderVideo {
		// render problems never fail the run
		r.timed(PhaseRender, func() error {
			out, err := p.render(frames, poses, path, effectiveFPS)
			if err != nil {
				r.logger.Warn("debug video skipped", "error", err)
				return nil
			}
			res.DebugVideoPath = out
			return nil
		})
		r.report(progressRendered)
	}

	if p.cfg.Debug.SaveMetrics {
		r.timed(PhasePersist, func() error {
			out, err := p.persist(res.Metrics, path)
			if err != nil {
				r.logger.Warn("metrics file skipped", "error", err)
				return nil
			}
			res.MetricsPath = out
			return nil
		})
		r.report(progressPersisted)
	}

	r.report(progressDone)
	r.logger.Info("analysis completed",
		"rep_count", res.RepCount,
		"frames", res.FrameCount,
		"fps", effectiveFPS,
	)
	return res, nil
}

func (p *Pipeline) extract(ctx context.Context, path string, r *run) ([]video.Frame, float64, error) {
	opts := p.cfg.ExtractOptions()
	opts.Progress = func(pct int) {
		r.report(pct * progressExtracted / 100)
	}

	stream, err := p.deps.Source.Open(ctx, path, opts)
	if err != nil {
		return nil, 0, err
	}
	defer stream.Close()

	var frames []video.Frame
	for {
		f, ok := stream.Next()
		if !ok {
			break
		}
		frames = append(frames, f)
		if err := ctx.Err(); err != nil {
			closeFrames(frames)
			return nil, 0, err
		}
	}
	if err := stream.Err(); err != nil {
		closeFrames(frames)
		return nil, 0, err
	}
	if len(frames) == 0 {
		return nil, 0, fmt.Errorf("%w: no frames in %s", video.ErrCorruptMedia, filepath.Base(path))
	}
	return frames, stream.FPS(), nil
}

func (p *Pipeline) estimate(ctx context.Context, est pose.Estimator, frames []video.Frame, r *run) ([]pose.PoseFrame, error) {
	poses := make([]pose.PoseFrame, len(frames))
	detected := 0
	span := progressEstimated - progressExtracted
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pf, err := est.Estimate(f.Working)
		if err != nil {
			return nil, fmt.Errorf("pose estimation failed at frame %d: %w", f.Index, err)
		}
		if pf.Detected() {
			detected++
		}
		poses[i] = pf
		r.report(progressExtracted + (i+1)*span/len(frames))
	}
	r.logger.Info("poses estimated", "frames", len(frames), "detected", detected)
	return poses, nil
}

func (p *Pipeline) render(frames []video.Frame, poses []pose.PoseFrame, path string, fps float64) (string, error) {
	originals := make([]gocv.Mat, 0, len(frames))
	for _, f := range frames {
		if f.Original == nil {
			return "", fmt.Errorf("frame %d has no source-resolution copy", f.Index)
		}
		originals = append(originals, *f.Original)
	}
	working := image.Pt(frames[0].Working.Cols(), frames[0].Working.Rows())

	out, err := p.outputPath(path, "_debug.mp4")
	if err != nil {
		return "", err
	}
	if err := p.deps.Renderer.Render(originals, poses, working, out, fps); err != nil {
		return "", err
	}
	return out, nil
}

func (p *Pipeline) persist(t *metrics.Table, path string) (string, error) {
	out, err := p.outputPath(path, "_metrics.csv")
	if err != nil {
		return "", err
	}
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("failed to create metrics file: %w", err)
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write metrics file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close metrics file: %w", err)
	}
	return out, nil
}

// outputPath names an output after the input video. The input file itself
// is never a candidate.
func (p *Pipeline) outputPath(videoPath, suffix string) (string, error) {
	dir := p.cfg.Debug.OutputDir
	if dir == "" {
		dir = p.deps.OutputDir
	}
	if dir == "" {
		dir = filepath.Dir(videoPath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	return filepath.Join(dir, base+suffix), nil
}

func closeFrames(frames []video.Frame) {
	for i := range frames {
		frames[i].Close()
	}
}

// IsInputError reports whether err was caused by the video or the
// configuration rather than by the environment.
func IsInputError(err error) bool {
	return errors.Is(err, video.ErrUnsupportedFormat) ||
		errors.Is(err, video.ErrCorruptMedia) ||
		errors.Is(err, config.ErrValidation)
}
