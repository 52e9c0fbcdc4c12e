package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/heimdex/heimdex-motion/internal/analysis"
	"github.com/heimdex/heimdex-motion/internal/db"
	"github.com/heimdex/heimdex-motion/internal/metrics"
	"github.com/heimdex/heimdex-motion/internal/reps"
	"github.com/heimdex/heimdex-motion/internal/video"
)

func setupTestDB(t *testing.T) Repository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewRepository(database.Conn())
}

func writeVideo(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("not really a video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sampleResult(repCount int) *analysis.Result {
	v := 101.5
	return &analysis.Result{
		RunID:    "run-1",
		RepCount: repCount,
		Metrics: &metrics.Table{
			Columns: []string{"left_knee_angle", "left_hip_height"},
			Rows: []metrics.Row{
				{FrameIndex: 0, Time: 0, Values: []*float64{&v, nil}},
				{FrameIndex: 1, Time: 1.0 / 30, Values: []*float64{nil, nil}},
			},
		},
		Faults:     []reps.Fault{},
		FPS:        30,
		FrameCount: 2,
	}
}

func TestService_Submit(t *testing.T) {
	repo := setupTestDB(t)
	svc := NewService(repo, nil)
	path := writeVideo(t, "squat.MP4")

	a, err := svc.Submit(context.Background(), path, SubmitOptions{RenderVideo: true})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if a.ID == "" || a.Status != StatusPending || !a.RenderVideo || a.SaveMetrics {
		t.Errorf("Submit() = %+v", a)
	}

	got, err := svc.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.VideoPath != path || got.RepCount != nil || got.CreatedAt.IsZero() {
		t.Errorf("Get() = %+v", got)
	}
}

func TestService_Submit_Rejects(t *testing.T) {
	repo := setupTestDB(t)
	svc := NewService(repo, nil)

	tests := []struct {
		name string
		path string
		want error
	}{
		{"empty path", "", ErrInvalidRequest},
		{"unsupported extension", writeVideo(t, "notes.txt"), video.ErrUnsupportedFormat},
		{"missing file", filepath.Join(t.TempDir(), "gone.mp4"), ErrVideoNotFound},
		{"directory", filepath.Join(t.TempDir(), "clips.mov"), ErrInvalidRequest},
	}
	if err := os.Mkdir(tests[3].path, 0o755); err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.path, SubmitOptions{})
			if !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}

	list, err := svc.List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("rejected submissions were stored: %d", len(list))
	}
}

func TestService_Get_NotFound(t *testing.T) {
	svc := NewService(setupTestDB(t), nil)
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestService_Result(t *testing.T) {
	ctx := context.Background()
	repo := setupTestDB(t)
	svc := NewService(repo, nil)

	a, err := svc.Submit(ctx, writeVideo(t, "squat.mp4"), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Result(ctx, a.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Result() on pending error = %v, want ErrNotReady", err)
	}

	if ok, err := repo.ClaimAnalysis(ctx, a.ID); err != nil || !ok {
		t.Fatalf("ClaimAnalysis() = %v, %v", ok, err)
	}
	if err := repo.CompleteAnalysis(ctx, a.ID, sampleResult(3)); err != nil {
		t.Fatalf("CompleteAnalysis() error = %v", err)
	}

	got, res, err := svc.Result(ctx, a.ID)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if got.Status != StatusCompleted || got.Progress != 100 || got.RepCount == nil || *got.RepCount != 3 {
		t.Errorf("analysis = %+v", got)
	}
	if res.FPS != 30 || res.FrameCount != 2 || res.RunID != "run-1" {
		t.Errorf("result = %+v", res)
	}
	if res.Metrics.Len() != 2 || res.Metrics.Columns[1] != "left_hip_height" {
		t.Fatalf("metrics = %+v", res.Metrics)
	}
	if v := res.Metrics.Rows[0].Values[0]; v == nil || *v != 101.5 {
		t.Errorf("first value = %v", v)
	}
	if res.Metrics.Rows[1].Values[0] != nil {
		t.Error("missing values must survive the round trip as nil")
	}
	if res.Faults == nil || len(res.Faults) != 0 {
		t.Errorf("faults = %#v, want empty list", res.Faults)
	}
}

func TestRepository_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	repo := setupTestDB(t)
	a, err := NewService(repo, nil).Submit(ctx, writeVideo(t, "a.mp4"), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}

	first, err := repo.ClaimAnalysis(ctx, a.ID)
	if err != nil || !first {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := repo.ClaimAnalysis(ctx, a.ID)
	if err != nil || second {
		t.Fatalf("second claim = %v, %v", second, err)
	}
}

func TestRepository_ProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := setupTestDB(t)
	a, err := NewService(repo, nil).Submit(ctx, writeVideo(t, "a.mp4"), SubmitOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// pending analyses ignore progress
	repo.UpdateAnalysisProgress(ctx, a.ID, 30)
	repo.ClaimAnalysis(ctx, a.ID)
	for _, p := range []int{10, 60, 40} {
		if err := repo.UpdateAnalysisProgress(ctx, a.ID, p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.GetAnalysis(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 60 {
		t.Errorf("Progress = %d, want 60", got.Progress)
	}
}

func TestRepository_Counts(t *testing.T) {
	ctx := context.Background()
	repo := setupTestDB(t)
	svc := NewService(repo, nil)

	var ids []string
	for _, name := range []string{"a.mp4", "b.mov", "c.avi"} {
		a, err := svc.Submit(ctx, writeVideo(t, name), SubmitOptions{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
	}
	repo.ClaimAnalysis(ctx, ids[0])
	repo.FailAnalysis(ctx, ids[0], "boom")

	counts, err := svc.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusPending] != 2 || counts[StatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}

	pending, err := repo.ListPendingAnalyses(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}
}

func TestRepository_Config(t *testing.T) {
	ctx := context.Background()
	repo := setupTestDB(t)

	if v, err := repo.GetConfig(ctx, "auth_token"); err != nil || v != "" {
		t.Fatalf("GetConfig() = %q, %v", v, err)
	}
	repo.SetConfig(ctx, "auth_token", "a")
	repo.SetConfig(ctx, "auth_token", "b")
	if v, _ := repo.GetConfig(ctx, "auth_token"); v != "b" {
		t.Errorf("GetConfig() = %q, want b", v)
	}
}
