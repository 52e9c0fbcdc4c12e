package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-motion/internal/jobs"
	"github.com/heimdex/heimdex-motion/internal/video"
)

const maxListLimit = 200

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Config, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/analyses", submitHandler(cfg))
		r.Get("/analyses", listAnalysesHandler(cfg))
		r.Get("/analyses/{id}", getAnalysisHandler(cfg))
		r.Get("/analyses/{id}/metrics", metricsHandler(cfg))
		r.Post("/runner/pause", pauseHandler(cfg, true))
		r.Post("/runner/resume", pauseHandler(cfg, false))

		r.Group(func(r chi.Router) {
			r.Use(LoopbackGuard())
			r.Get("/analyses/{id}/debug-video", debugVideoHandler(cfg))
			r.Head("/analyses/{id}/debug-video", debugVideoHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		counts, err := cfg.Service.Counts(ctx)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to count analyses", "INTERNAL_ERROR")
			return
		}
		recent, _ := cfg.Service.List(ctx, 10)

		resp := StatusResponse{State: "idle", Counts: counts}
		if cfg.Runner != nil {
			resp.Workers = cfg.Runner.Workers()
			resp.Active = cfg.Runner.ActiveCount()
		}

		for _, a := range recent {
			switch a.Status {
			case jobs.StatusRunning:
				resp.State = "analyzing"
				resp.Running = append(resp.Running, AnalysisToResponse(a))
			case jobs.StatusFailed:
				if resp.LastError == "" {
					resp.LastError = a.Error
				}
			}
		}
		if cfg.Runner != nil && cfg.Runner.IsPaused() {
			resp.State = "paused"
		} else if resp.State == "idle" && resp.LastError != "" && recent[0].Status == jobs.StatusFailed {
			resp.State = "error"
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func submitHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.VideoPath == "" {
			WriteError(w, http.StatusBadRequest, "video_path is required", "BAD_REQUEST")
			return
		}

		a, err := cfg.Service.Submit(r.Context(), req.VideoPath, jobs.SubmitOptions{
			RenderVideo: req.RenderVideo,
			SaveMetrics: req.SaveMetrics,
		})
		switch {
		case errors.Is(err, video.ErrUnsupportedFormat):
			WriteError(w, http.StatusBadRequest, err.Error(), "UNSUPPORTED_FORMAT")
			return
		case errors.Is(err, jobs.ErrVideoNotFound):
			WriteError(w, http.StatusBadRequest, err.Error(), "VIDEO_NOT_FOUND")
			return
		case errors.Is(err, jobs.ErrInvalidRequest):
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		case err != nil:
			cfg.Logger.Error("failed to submit analysis", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to queue analysis", "INTERNAL_ERROR")
			return
		}

		if cfg.Runner != nil {
			cfg.Runner.Wake()
		}
		WriteJSON(w, http.StatusAccepted, SubmitResponse{ID: a.ID})
	}
}

func listAnalysesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = min(n, maxListLimit)
		}

		list, err := cfg.Service.List(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list analyses", "INTERNAL_ERROR")
			return
		}

		resp := AnalysesResponse{Analyses: make([]AnalysisResponse, len(list))}
		for i, a := range list {
			resp.Analyses[i] = AnalysisToResponse(a)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getAnalysisHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := cfg.Service.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeLookupError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, AnalysisToResponse(a))
	}
}

// metricsHandler returns the per-frame table as JSON, or as CSV with
// ?format=csv.
func metricsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, res, err := cfg.Service.Result(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeLookupError(w, err)
			return
		}

		switch r.URL.Query().Get("format") {
		case "", "json":
			WriteJSON(w, http.StatusOK, ResultToMetrics(a, res))
		case "csv":
			w.Header().Set("Content-Type", "text/csv")
			w.WriteHeader(http.StatusOK)
			if err := res.Metrics.WriteCSV(w); err != nil {
				cfg.Logger.Error("failed to write metrics csv", "analysis_id", a.ID, "error", err)
			}
		default:
			WriteError(w, http.StatusBadRequest, "format must be json or csv", "BAD_REQUEST")
		}
	}
}

func debugVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := cfg.Service.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeLookupError(w, err)
			return
		}
		if a.DebugVideoPath == "" {
			WriteError(w, http.StatusNotFound, "analysis has no debug video", "NO_DEBUG_VIDEO")
			return
		}

		if err := cfg.Playback.ServeFile(w, r, a.DebugVideoPath); err != nil {
			cfg.Logger.Error("playback error", "error", err, "analysis_id", a.ID)
		}
	}
}

func pauseHandler(cfg ServerConfig, pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "runner not configured", "UNAVAILABLE")
			return
		}
		if pause {
			cfg.Runner.Pause()
		} else {
			cfg.Runner.Resume()
		}
		WriteJSON(w, http.StatusOK, RunnerResponse{Paused: cfg.Runner.IsPaused()})
	}
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		WriteError(w, http.StatusNotFound, "analysis not found", "NOT_FOUND")
	case errors.Is(err, jobs.ErrNotReady):
		WriteError(w, http.StatusConflict, "analysis has not completed", "NOT_READY")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}
