package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-motion/internal/logging"
	"github.com/heimdex/heimdex-motion/internal/video"
)

type AnalysisService interface {
	Submit(ctx context.Context, videoPath string, opts SubmitOptions) (*Analysis, error)
	Get(ctx context.Context, id string) (*Analysis, error)
	List(ctx context.Context, limit int) ([]*Analysis, error)
	Result(ctx context.Context, id string) (*Analysis, *Result, error)
	Counts(ctx context.Context) (map[string]int, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Submit queues an analysis of the video at videoPath. The format and the
// file's existence are checked here so bad requests never reach a worker.
func (s *Service) Submit(ctx context.Context, videoPath string, opts SubmitOptions) (*Analysis, error) {
	if videoPath == "" {
		return nil, fmt.Errorf("%w: video_path is required", ErrInvalidRequest)
	}
	absPath, err := filepath.Abs(videoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !video.IsSupported(absPath) {
		return nil, fmt.Errorf("%w: %q", video.ErrUnsupportedFormat, filepath.Ext(absPath))
	}

	info, err := os.Stat(absPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrVideoNotFound, filepath.Base(absPath))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat video: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: path is a directory", ErrInvalidRequest)
	}

	now := time.Now()
	a := &Analysis{
		ID:          uuid.NewString(),
		VideoPath:   absPath,
		Status:      StatusPending,
		RenderVideo: opts.RenderVideo,
		SaveMetrics: opts.SaveMetrics,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateAnalysis(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to queue analysis: %w", err)
	}

	if s.logger != nil {
		logging.WithJobID(s.logger, a.ID).Info("analysis queued",
			"video", logging.SanitizePath(absPath),
			"render_video", opts.RenderVideo,
			"save_metrics", opts.SaveMetrics,
		)
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Analysis, error) {
	a, err := s.repo.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]*Analysis, error) {
	return s.repo.ListAnalyses(ctx, limit)
}

// Result returns a completed analysis together with its stored result.
func (s *Service) Result(ctx context.Context, id string) (*Analysis, *Result, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Status != StatusCompleted {
		return a, nil, ErrNotReady
	}
	res, err := s.repo.GetResult(ctx, id)
	if err != nil {
		return a, nil, err
	}
	if res == nil {
		return a, nil, fmt.Errorf("%w: result missing", ErrNotFound)
	}
	return a, res, nil
}

func (s *Service) Counts(ctx context.Context) (map[string]int, error) {
	return s.repo.CountByStatus(ctx)
}
