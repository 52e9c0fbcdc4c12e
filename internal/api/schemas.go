package api

import (
	"time"

	"github.com/heimdex/heimdex-motion/internal/jobs"
	"github.com/heimdex/heimdex-motion/internal/metrics"
	"github.com/heimdex/heimdex-motion/internal/reps"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State     string             `json:"state"`
	LastError string             `json:"last_error,omitempty"`
	Workers   int                `json:"workers"`
	Active    int                `json:"active"`
	Counts    map[string]int     `json:"counts"`
	Running   []AnalysisResponse `json:"running,omitempty"`
}

type SubmitRequest struct {
	VideoPath   string `json:"video_path"`
	RenderVideo bool   `json:"render_video,omitempty"`
	SaveMetrics bool   `json:"save_metrics,omitempty"`
}

type SubmitResponse struct {
	ID string `json:"id"`
}

type AnalysisResponse struct {
	ID            string `json:"id"`
	VideoPath     string `json:"video_path"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	RepCount      *int   `json:"rep_count,omitempty"`
	HasDebugVideo bool   `json:"has_debug_video"`
	MetricsPath   string `json:"metrics_path,omitempty"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type AnalysesResponse struct {
	Analyses []AnalysisResponse `json:"analyses"`
}

type MetricsResponse struct {
	AnalysisID string                  `json:"analysis_id"`
	RepCount   int                     `json:"rep_count"`
	FPS        float64                 `json:"fps"`
	FrameCount int                     `json:"frame_count"`
	Columns    []string                `json:"columns"`
	Rows       []metrics.Row           `json:"rows"`
	Summary    []metrics.ColumnSummary `json:"summary"`
	Faults     []reps.Fault            `json:"faults"`
}

type RunnerResponse struct {
	Paused bool `json:"paused"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func AnalysisToResponse(a *jobs.Analysis) AnalysisResponse {
	return AnalysisResponse{
		ID:            a.ID,
		VideoPath:     a.VideoPath,
		Status:        a.Status,
		Progress:      a.Progress,
		RepCount:      a.RepCount,
		HasDebugVideo: a.DebugVideoPath != "",
		MetricsPath:   a.MetricsPath,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     a.UpdatedAt.Format(time.RFC3339),
	}
}

func ResultToMetrics(a *jobs.Analysis, res *jobs.Result) MetricsResponse {
	resp := MetricsResponse{
		AnalysisID: a.ID,
		Columns:    []string{},
		Rows:       []metrics.Row{},
		Summary:    []metrics.ColumnSummary{},
	}
	if a.RepCount != nil {
		resp.RepCount = *a.RepCount
	}
	if res != nil {
		resp.FPS = res.FPS
		resp.FrameCount = res.FrameCount
		resp.Faults = res.Faults
		resp.Summary = res.Metrics.Summary()
		if res.Metrics != nil {
			resp.Columns = res.Metrics.Columns
			resp.Rows = res.Metrics.Rows
		}
	}
	if resp.Faults == nil {
		resp.Faults = []reps.Fault{}
	}
	return resp
}
