package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/heimdex/heimdex-motion/internal/analysis"
	"github.com/heimdex/heimdex-motion/internal/api"
	"github.com/heimdex/heimdex-motion/internal/config"
	"github.com/heimdex/heimdex-motion/internal/db"
	"github.com/heimdex/heimdex-motion/internal/jobs"
	"github.com/heimdex/heimdex-motion/internal/logging"
	"github.com/heimdex/heimdex-motion/internal/playback"
	"github.com/heimdex/heimdex-motion/internal/render"
	"github.com/heimdex/heimdex-motion/internal/video"
)

func serve() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex motion", "version", config.Version, "data_dir", cfg.DataDir())

	base, err := loadAnalysisConfig(cfg.AnalysisConfigPath())
	if err != nil {
		return fmt.Errorf("failed to load analysis config: %w", err)
	}

	outputRoot := base.Debug.OutputDir
	if outputRoot == "" {
		outputRoot = cfg.OutputDir()
	}
	if err := os.MkdirAll(outputRoot, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := jobs.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                  HEIMDEX MOTION v%-25s║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Workers:    %-45d ║\n", cfg.Workers())
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	estimators := analysis.WorkerEstimators(ctx, cfg.EstimatorCommand(), logger)
	pipelines := func(a *jobs.Analysis) (jobs.Analyzer, error) {
		runCfg := base.WithDebug(a.RenderVideo, a.SaveMetrics, filepath.Join(outputRoot, a.ID))
		p, err := analysis.New(runCfg, analysis.Deps{
			Source:     video.FileSource{},
			Estimators: estimators,
			Renderer:   render.New(runCfg.Style(), logger),
			Logger:     logging.WithJobID(logger, a.ID),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	service := jobs.NewService(repo, logger)
	runner := jobs.NewRunner(repo, pipelines, cfg.Workers(), logger)

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Start(ctx)
	}()

	apiServer := api.NewServer(api.ServerConfig{
		Port:      cfg.Port(),
		Service:   service,
		Playback:  playback.NewServer(outputRoot, logger),
		Config:    repo,
		Runner:    runner,
		Logger:    logger,
		StartTime: startTime,
		Version:   config.Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var startErr error
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case startErr = <-serverErr:
		if startErr != nil {
			logger.Error("HTTP server error", "error", startErr)
		}
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	cancel()
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("runner did not stop in time")
	}

	logger.Info("shutdown complete")
	return startErr
}

func ensureAuthToken(repo jobs.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
