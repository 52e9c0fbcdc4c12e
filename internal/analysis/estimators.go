package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/heimdex/heimdex-motion/internal/config"
	"github.com/heimdex/heimdex-motion/internal/pose"
)

// WorkerEstimators returns a factory that backs every estimator with
// landmark worker processes. The analysis config's estimator.command wins
// over defaultCommand, which normally comes from the environment.
func WorkerEstimators(ctx context.Context, defaultCommand []string, logger *slog.Logger) EstimatorFactory {
	return func(cfg *config.Analysis) (pose.Estimator, error) {
		command, args := defaultCommand, []string(nil)
		if cfg.Estimator.Command != "" {
			command = []string{cfg.Estimator.Command}
			args = cfg.Estimator.Args
		}
		if len(command) == 0 {
			return nil, fmt.Errorf("%w: no landmark worker command configured", pose.ErrEstimationUnavailable)
		}

		wc := pose.DefaultWorkerConfig(command[0], logger)
		wc.Args = append(append([]string(nil), command[1:]...), args...)
		wc.World = cfg.World()
		if t := cfg.StartTimeout(); t > 0 {
			wc.StartTimeout = t
		}

		return NewEstimator(cfg, pose.WorkerFactory(ctx, wc))
	}
}

// NewEstimator picks the estimator variant the config asks for.
func NewEstimator(cfg *config.Analysis, models pose.ModelFactory) (pose.Estimator, error) {
	if cfg.Estimator.Cropped {
		est, err := pose.NewCropped(models, cfg.PoseOptions())
		if err != nil {
			return nil, err
		}
		return est, nil
	}
	est, err := pose.NewDirect(models, cfg.PoseOptions())
	if err != nil {
		return nil, err
	}
	return est, nil
}
