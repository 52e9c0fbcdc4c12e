package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-motion/internal/jobs"
	"github.com/heimdex/heimdex-motion/internal/metrics"
	"github.com/heimdex/heimdex-motion/internal/playback"
	"github.com/heimdex/heimdex-motion/internal/reps"
	"github.com/heimdex/heimdex-motion/internal/video"
)

const testToken = "test-token"

type fakeService struct {
	analyses  map[string]*jobs.Analysis
	results   map[string]*jobs.Result
	submitErr error
	submitted []string
}

func newFakeService() *fakeService {
	return &fakeService{analyses: map[string]*jobs.Analysis{}, results: map[string]*jobs.Result{}}
}

func (f *fakeService) add(a *jobs.Analysis) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
		a.UpdatedAt = a.CreatedAt
	}
	f.analyses[a.ID] = a
}

func (f *fakeService) Submit(ctx context.Context, videoPath string, opts jobs.SubmitOptions) (*jobs.Analysis, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	a := &jobs.Analysis{ID: fmt.Sprintf("a-%d", len(f.submitted)+1), VideoPath: videoPath, Status: jobs.StatusPending}
	f.submitted = append(f.submitted, videoPath)
	f.add(a)
	return a, nil
}

func (f *fakeService) Get(ctx context.Context, id string) (*jobs.Analysis, error) {
	a, ok := f.analyses[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return a, nil
}

func (f *fakeService) List(ctx context.Context, limit int) ([]*jobs.Analysis, error) {
	var out []*jobs.Analysis
	for _, a := range f.analyses {
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeService) Result(ctx context.Context, id string) (*jobs.Analysis, *jobs.Result, error) {
	a, err := f.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Status != jobs.StatusCompleted {
		return a, nil, jobs.ErrNotReady
	}
	return a, f.results[id], nil
}

func (f *fakeService) Counts(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	for _, a := range f.analyses {
		counts[a.Status]++
	}
	return counts, nil
}

type fakeRunner struct {
	paused bool
	wakes  int
}

func (f *fakeRunner) Wake()            { f.wakes++ }
func (f *fakeRunner) Pause()           { f.paused = true }
func (f *fakeRunner) Resume()          { f.paused = false }
func (f *fakeRunner) IsPaused() bool   { return f.paused }
func (f *fakeRunner) Workers() int     { return 2 }
func (f *fakeRunner) ActiveCount() int { return 1 }

func testConfig(svc *fakeService, runner *fakeRunner, root string) ServerConfig {
	cfg := ServerConfig{
		Service:   svc,
		Playback:  playback.NewServer(root, nil),
		Config:    &fakeConfig{values: map[string]string{AuthTokenKey: testToken}},
		Logger:    discardLogger(),
		StartTime: time.Now(),
		Version:   "test",
	}
	if runner != nil {
		cfg.Runner = runner
	}
	return cfg
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body %q: %v", rr.Body.String(), err)
	}
	return body
}

func completedAnalysis(svc *fakeService, id, debugPath string) {
	n := 3
	v := 95.0
	svc.add(&jobs.Analysis{
		ID:             id,
		VideoPath:      "/videos/squat.mp4",
		Status:         jobs.StatusCompleted,
		Progress:       100,
		RepCount:       &n,
		DebugVideoPath: debugPath,
	})
	svc.results[id] = &jobs.Result{
		AnalysisID: id,
		FPS:        30,
		FrameCount: 2,
		Metrics: &metrics.Table{
			Columns: []string{"left_knee_angle"},
			Rows: []metrics.Row{
				{FrameIndex: 0, Time: 0, Values: []*float64{&v}},
				{FrameIndex: 1, Time: 1.0 / 30, Values: []*float64{nil}},
			},
		},
		Faults: []reps.Fault{},
	}
}

func TestHealth_NoAuth(t *testing.T) {
	router := NewRouter(testConfig(newFakeService(), nil, ""))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	router := NewRouter(testConfig(newFakeService(), nil, ""))
	for _, path := range []string{"/status", "/analyses", "/analyses/x", "/analyses/x/metrics"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, rr.Code)
		}
	}
}

func TestSubmit(t *testing.T) {
	svc := newFakeService()
	runner := &fakeRunner{}
	router := NewRouter(testConfig(svc, runner, ""))

	rr := do(t, router, http.MethodPost, "/analyses", SubmitRequest{VideoPath: "/videos/squat.mp4", RenderVideo: true})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if id := decodeJSONBody(t, rr)["id"]; id != "a-1" {
		t.Errorf("id = %v, want a-1", id)
	}
	if runner.wakes != 1 {
		t.Errorf("runner woken %d times, want 1", runner.wakes)
	}
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode string
	}{
		{"bad json", "{", nil, "BAD_REQUEST"},
		{"missing path", `{}`, nil, "BAD_REQUEST"},
		{"unsupported format", `{"video_path": "/v/a.gif"}`, fmt.Errorf("%w: \".gif\"", video.ErrUnsupportedFormat), "UNSUPPORTED_FORMAT"},
		{"missing video", `{"video_path": "/v/a.mp4"}`, fmt.Errorf("%w: a.mp4", jobs.ErrVideoNotFound), "VIDEO_NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.submitErr = tt.err
			router := NewRouter(testConfig(svc, nil, ""))

			req := httptest.NewRequest(http.MethodPost, "/analyses", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+testToken)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if code := decodeJSONBody(t, rr)["code"]; code != tt.wantCode {
				t.Errorf("code = %v, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestGetAnalysis(t *testing.T) {
	svc := newFakeService()
	completedAnalysis(svc, "done", "/out/done/squat_debug.mp4")
	router := NewRouter(testConfig(svc, nil, ""))

	rr := do(t, router, http.MethodGet, "/analyses/done", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["rep_count"] != float64(3) || body["has_debug_video"] != true || body["status"] != "completed" {
		t.Errorf("body = %v", body)
	}

	if rr := do(t, router, http.MethodGet, "/analyses/missing", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing analysis status = %d, want 404", rr.Code)
	}
}

func TestListAnalyses(t *testing.T) {
	svc := newFakeService()
	completedAnalysis(svc, "a", "")
	svc.add(&jobs.Analysis{ID: "b", Status: jobs.StatusPending})
	router := NewRouter(testConfig(svc, nil, ""))

	rr := do(t, router, http.MethodGet, "/analyses?limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp AnalysesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Analyses) != 2 {
		t.Errorf("analyses = %d, want 2", len(resp.Analyses))
	}

	if rr := do(t, router, http.MethodGet, "/analyses?limit=-1", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rr.Code)
	}
}

func TestMetrics(t *testing.T) {
	svc := newFakeService()
	completedAnalysis(svc, "done", "")
	svc.add(&jobs.Analysis{ID: "busy", Status: jobs.StatusRunning})
	router := NewRouter(testConfig(svc, nil, ""))

	rr := do(t, router, http.MethodGet, "/analyses/done/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp MetricsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RepCount != 3 || resp.FPS != 30 || len(resp.Rows) != 2 || resp.Columns[0] != "left_knee_angle" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Rows[1].Values[0] != nil {
		t.Error("missing value should encode as null")
	}
	if len(resp.Summary) != 1 || resp.Summary[0].Valid != 1 || resp.Summary[0].Mean != 95 {
		t.Errorf("summary = %+v", resp.Summary)
	}
	if resp.Faults == nil {
		t.Error("faults should be an empty list")
	}

	csv := do(t, router, http.MethodGet, "/analyses/done/metrics?format=csv", nil)
	if csv.Code != http.StatusOK || csv.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("csv status = %d, type %q", csv.Code, csv.Header().Get("Content-Type"))
	}
	lines := strings.Split(strings.TrimSpace(csv.Body.String()), "\n")
	if len(lines) != 3 || lines[0] != "frame_idx,time_s,left_knee_angle" {
		t.Errorf("csv = %q", csv.Body.String())
	}

	if rr := do(t, router, http.MethodGet, "/analyses/busy/metrics", nil); rr.Code != http.StatusConflict {
		t.Errorf("running analysis status = %d, want 409", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/analyses/done/metrics?format=xml", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad format status = %d, want 400", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	svc := newFakeService()
	svc.add(&jobs.Analysis{ID: "r", Status: jobs.StatusRunning, Progress: 40})
	runner := &fakeRunner{}
	router := NewRouter(testConfig(svc, runner, ""))

	rr := do(t, router, http.MethodGet, "/status", nil)
	var resp StatusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != "analyzing" || resp.Workers != 2 || len(resp.Running) != 1 || resp.Counts[jobs.StatusRunning] != 1 {
		t.Errorf("status = %+v", resp)
	}

	if rr := do(t, router, http.MethodPost, "/runner/pause", nil); rr.Code != http.StatusOK || !runner.paused {
		t.Fatalf("pause status = %d, paused = %v", rr.Code, runner.paused)
	}
	rr = do(t, router, http.MethodGet, "/status", nil)
	if state := decodeJSONBody(t, rr)["state"]; state != "paused" {
		t.Errorf("state = %v, want paused", state)
	}
	do(t, router, http.MethodPost, "/runner/resume", nil)
	if runner.paused {
		t.Error("runner still paused after resume")
	}
}

func TestDebugVideo(t *testing.T) {
	root := t.TempDir()
	videoPath := filepath.Join(root, "done", "squat_debug.mp4")
	if err := os.MkdirAll(filepath.Dir(videoPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(videoPath, bytes.Repeat([]byte("x"), 500), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := newFakeService()
	completedAnalysis(svc, "done", videoPath)
	completedAnalysis(svc, "plain", "")
	server := httptest.NewServer(NewRouter(testConfig(svc, nil, root)))
	defer server.Close()

	get := func(method, path, rng string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(method, server.URL+path, nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		if rng != "" {
			req.Header.Set("Range", rng)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request error: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get(http.MethodGet, "/analyses/done/debug-video", "bytes=0-99")
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 100 || resp.Header.Get("Content-Range") != "bytes 0-99/500" {
		t.Errorf("body = %d bytes, Content-Range %q", len(body), resp.Header.Get("Content-Range"))
	}

	head := get(http.MethodHead, "/analyses/done/debug-video", "")
	if head.StatusCode != http.StatusOK || head.Header.Get("Accept-Ranges") != "bytes" {
		t.Errorf("HEAD status = %d", head.StatusCode)
	}

	if resp := get(http.MethodGet, "/analyses/plain/debug-video", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("no debug video status = %d, want 404", resp.StatusCode)
	}
	if resp := get(http.MethodGet, "/analyses/missing/debug-video", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing analysis status = %d, want 404", resp.StatusCode)
	}
}

func TestDebugVideo_RemoteRejected(t *testing.T) {
	svc := newFakeService()
	completedAnalysis(svc, "done", "/out/squat_debug.mp4")
	router := NewRouter(testConfig(svc, nil, ""))

	req := httptest.NewRequest(http.MethodGet, "/analyses/done/debug-video", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.RemoteAddr = "10.0.0.7:5555"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}
