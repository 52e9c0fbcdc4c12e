// Package jobs queues analysis requests in the local store and runs them on a
// bounded pool of workers.
package jobs

import (
	"errors"
	"time"

	"github.com/heimdex/heimdex-motion/internal/metrics"
	"github.com/heimdex/heimdex-motion/internal/reps"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	ErrNotFound       = errors.New("analysis not found")
	ErrNotReady       = errors.New("analysis has not completed")
	ErrInvalidRequest = errors.New("invalid analysis request")
	ErrVideoNotFound  = errors.New("video file not found")
)

// Analysis is one queued or finished analysis request.
type Analysis struct {
	ID             string    `json:"id"`
	VideoPath      string    `json:"video_path"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	RenderVideo    bool      `json:"render_video"`
	SaveMetrics    bool      `json:"save_metrics"`
	RepCount       *int      `json:"rep_count,omitempty"`
	DebugVideoPath string    `json:"debug_video_path,omitempty"`
	MetricsPath    string    `json:"metrics_path,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Done reports whether the analysis reached a terminal status.
func (a *Analysis) Done() bool {
	return a.Status == StatusCompleted || a.Status == StatusFailed
}

// Result is the stored outcome of a completed analysis.
type Result struct {
	AnalysisID string         `json:"analysis_id"`
	RunID      string         `json:"run_id"`
	FPS        float64        `json:"fps"`
	FrameCount int            `json:"frame_count"`
	Metrics    *metrics.Table `json:"metrics_table"`
	Faults     []reps.Fault   `json:"faults"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SubmitOptions selects the optional debug outputs of one analysis.
type SubmitOptions struct {
	RenderVideo bool
	SaveMetrics bool
}

const timeLayout = time.RFC3339

// sqliteLayout is what datetime('now') produces.
const sqliteLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(sqliteLayout, s)
	return t
}
