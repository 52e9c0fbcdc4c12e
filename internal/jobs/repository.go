package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-motion/internal/analysis"
	"github.com/heimdex/heimdex-motion/internal/db"
)

type Repository interface {
	CreateAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, id string) (*Analysis, error)
	ListAnalyses(ctx context.Context, limit int) ([]*Analysis, error)
	ListPendingAnalyses(ctx context.Context, limit int) ([]*Analysis, error)
	CountByStatus(ctx context.Context) (map[string]int, error)

	// ClaimAnalysis moves a pending analysis to running. It returns false
	// when another worker got there first.
	ClaimAnalysis(ctx context.Context, id string) (bool, error)
	UpdateAnalysisProgress(ctx context.Context, id string, progress int) error
	FailAnalysis(ctx context.Context, id, errorMsg string) error
	CompleteAnalysis(ctx context.Context, id string, res *analysis.Result) error

	GetResult(ctx context.Context, analysisID string) (*Result, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const analysisColumns = `id, video_path, status, progress, render_video, save_metrics,
	rep_count, debug_video_path, metrics_path, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLiteRepository) CreateAnalysis(ctx context.Context, a *Analysis) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO analyses (id, video_path, status, progress, render_video, save_metrics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.VideoPath, a.Status, a.Progress, boolToInt(a.RenderVideo), boolToInt(a.SaveMetrics),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func scanAnalysis(row rowScanner) (*Analysis, error) {
	var a Analysis
	var render, save int
	var repCount sql.NullInt64
	var debugPath, metricsPath, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.VideoPath, &a.Status, &a.Progress, &render, &save,
		&repCount, &debugPath, &metricsPath, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	a.RenderVideo = render == 1
	a.SaveMetrics = save == 1
	if repCount.Valid {
		n := int(repCount.Int64)
		a.RepCount = &n
	}
	a.DebugVideoPath = debugPath.String
	a.MetricsPath = metricsPath.String
	a.Error = errMsg.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func (r *SQLiteRepository) ListAnalyses(ctx context.Context, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+analysisColumns+` FROM analyses ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnalyses(rows)
}

func (r *SQLiteRepository) ListPendingAnalyses(ctx context.Context, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+analysisColumns+` FROM analyses WHERE status = 'pending' ORDER BY created_at ASC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnalyses(rows)
}

func scanAnalyses(rows *sql.Rows) ([]*Analysis, error) {
	var out []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM analyses GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepository) ClaimAnalysis(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE analyses SET status = 'running', progress = 0, updated_at = ? WHERE id = ? AND status = 'pending'
	`, formatTime(time.Now()), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateAnalysisProgress never moves progress backwards.
func (r *SQLiteRepository) UpdateAnalysisProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE analyses SET progress = ?, updated_at = ? WHERE id = ? AND status = 'running' AND progress < ?
	`, progress, formatTime(time.Now()), id, progress)
	return err
}

func (r *SQLiteRepository) FailAnalysis(ctx context.Context, id, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE analyses SET status = 'failed', error = ?, updated_at = ? WHERE id = ?
	`, nullString(errorMsg), formatTime(time.Now()), id)
	return err
}

// CompleteAnalysis stores the result and marks the analysis completed in one
// transaction.
func (r *SQLiteRepository) CompleteAnalysis(ctx context.Context, id string, res *analysis.Result) error {
	table, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics table: %w", err)
	}
	faults, err := json.Marshal(res.Faults)
	if err != nil {
		return fmt.Errorf("failed to encode faults: %w", err)
	}
	now := formatTime(time.Now())

	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO results (analysis_id, run_id, fps, frame_count, metrics_json, faults_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(analysis_id) DO UPDATE SET
				run_id = excluded.run_id,
				fps = excluded.fps,
				frame_count = excluded.frame_count,
				metrics_json = excluded.metrics_json,
				faults_json = excluded.faults_json,
				created_at = excluded.created_at
		`, id, res.RunID, res.FPS, res.FrameCount, string(table), string(faults), now); err != nil {
			return fmt.Errorf("failed to store result: %w", err)
		}

		out, err := tx.ExecContext(ctx, `
			UPDATE analyses SET status = 'completed', progress = 100, rep_count = ?,
				debug_video_path = ?, metrics_path = ?, error = NULL, updated_at = ?
			WHERE id = ?
		`, res.RepCount, nullString(res.DebugVideoPath), nullString(res.MetricsPath), now, id)
		if err != nil {
			return fmt.Errorf("failed to complete analysis: %w", err)
		}
		if n, _ := out.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *SQLiteRepository) GetResult(ctx context.Context, analysisID string) (*Result, error) {
	var res Result
	var table, faults, createdAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT analysis_id, run_id, fps, frame_count, metrics_json, faults_json, created_at
		FROM results WHERE analysis_id = ?
	`, analysisID).Scan(&res.AnalysisID, &res.RunID, &res.FPS, &res.FrameCount, &table, &faults, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(table), &res.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics table: %w", err)
	}
	if err := json.Unmarshal([]byte(faults), &res.Faults); err != nil {
		return nil, fmt.Errorf("failed to decode faults: %w", err)
	}
	res.CreatedAt = parseTime(createdAt)
	return &res, nil
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
