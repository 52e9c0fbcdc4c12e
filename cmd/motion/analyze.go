package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cheggaaa/pb/v3"

	"github.com/heimdex/heimdex-motion/internal/analysis"
	"github.com/heimdex/heimdex-motion/internal/config"
	"github.com/heimdex/heimdex-motion/internal/logging"
	"github.com/heimdex/heimdex-motion/internal/render"
	"github.com/heimdex/heimdex-motion/internal/video"
)

const barTemplate = `{{ string . "prefix" }} {{ bar . }} {{ percent . }} {{ etime . "%s elapsed" }}`

func analyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := fs.String("config", "", "analysis config file (YAML), overrides "+config.EnvAnalysisConfig)
	renderVideo := fs.Bool("render", false, "write a debug video with the skeleton overlay")
	saveMetrics := fs.Bool("save-metrics", false, "write the per-frame metrics as CSV")
	outDir := fs.String("out", "", "directory for debug outputs (default: next to the video)")
	logLevel := fs.String("log-level", "warn", "log level: debug, info, warn, error")
	quiet := fs.Bool("quiet", false, "hide the progress bar")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("analyze takes exactly one video path")
	}
	videoPath := fs.Arg(0)

	env, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.NewLoggerTo(os.Stderr, *logLevel)

	if *configPath == "" {
		*configPath = env.AnalysisConfigPath()
	}
	base, err := loadAnalysisConfig(*configPath)
	if err != nil {
		return err
	}
	cfg := base.WithDebug(*renderVideo, *saveMetrics, *outDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := analysis.New(cfg, analysis.Deps{
		Source:     video.FileSource{},
		Estimators: analysis.WorkerEstimators(ctx, env.EstimatorCommand(), logger),
		Renderer:   render.New(cfg.Style(), logger),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	progress := func(int) {}
	if !*quiet {
		bar := pb.ProgressBarTemplate(barTemplate).New(100)
		bar.SetWriter(os.Stderr)
		bar.Set("prefix", "analyzing")
		bar.Start()
		defer bar.Finish()
		progress = func(p int) { bar.SetCurrent(int64(p)) }
	}

	res, err := pipeline.Run(ctx, videoPath, progress)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
