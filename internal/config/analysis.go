package config

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heimdex/heimdex-motion/internal/metrics"
	"github.com/heimdex/heimdex-motion/internal/pose"
	"github.com/heimdex/heimdex-motion/internal/render"
	"github.com/heimdex/heimdex-motion/internal/reps"
	"github.com/heimdex/heimdex-motion/internal/video"
)

// Mode selects which landmark set drives the metrics.
type Mode string

const (
	// Mode2D computes metrics on image-space landmarks.
	Mode2D Mode = "2d"
	// Mode3D requests world-space landmarks and prefers them for metrics.
	Mode3D Mode = "3d"
)

// Analysis is the per-run analysis configuration. Build it with Default or
// LoadAnalysis and treat it as read-only afterwards; use WithDebug to derive
// a variant.
type Analysis struct {
	Mode              Mode               `yaml:"mode"`
	MetricDefinitions []MetricDefinition `yaml:"metric_definitions"`
	RepCounter        RepCounterConfig   `yaml:"rep_counter"`
	Drawing           DrawingConfig      `yaml:"drawing"`
	Performance       PerformanceConfig  `yaml:"performance"`
	Estimator         EstimatorConfig    `yaml:"estimator"`
	Debug             DebugConfig        `yaml:"debug"`

	defs []metrics.Definition
}

// MetricDefinition is one metric as written in YAML.
type MetricDefinition struct {
	Name   string   `yaml:"name"`
	Kind   string   `yaml:"kind"`        // angle, height
	Points []string `yaml:"points,flow"` // landmark names, vertex in the middle for angles
}

// RepCounterConfig selects the metric and thresholds for counting.
type RepCounterConfig struct {
	Metric         string  `yaml:"metric"`
	LowThresh      float64 `yaml:"low_thresh"`
	HighThresh     float64 `yaml:"high_thresh"`
	PeakProminence float64 `yaml:"peak_prominence"`
	PeakDistance   int     `yaml:"peak_distance"` // frames
	Extremum       string  `yaml:"extremum"`      // valley (default), peak
}

// DrawingConfig styles the debug overlay. Colors are [r, g, b].
type DrawingConfig struct {
	LineColor     []int   `yaml:"line_color,flow"`
	PointColor    []int   `yaml:"point_color,flow"`
	Thickness     int     `yaml:"thickness"`
	Radius        int     `yaml:"radius"`
	MinVisibility float64 `yaml:"min_visibility"`
}

// PerformanceConfig trades accuracy for speed.
type PerformanceConfig struct {
	SampleRate   int `yaml:"sample_rate"`   // keep 1 of every N frames
	TargetWidth  int `yaml:"target_width"`  // 0 keeps source size
	TargetHeight int `yaml:"target_height"` // 0 keeps source size
	Rotation     int `yaml:"rotation"`      // 0, 90, 180, 270 clockwise
}

// EstimatorConfig configures pose estimation and the landmark worker.
type EstimatorConfig struct {
	Cropped       bool     `yaml:"cropped"`
	Margin        float64  `yaml:"margin"`
	CropSize      int      `yaml:"crop_size"`
	Command       string   `yaml:"command"`
	Args          []string `yaml:"args"`
	StartTimeoutS int      `yaml:"start_timeout_s"`
}

// DebugConfig enables optional outputs.
type DebugConfig struct {
	RenderVideo bool   `yaml:"render_video"`
	SaveMetrics bool   `yaml:"save_metrics"`
	OutputDir   string `yaml:"output_dir"`
}

// Default returns a validated squat preset: both knee angles and the left
// hip height, counting knee-angle valleys.
func Default() *Analysis {
	a := &Analysis{
		Mode: Mode2D,
		MetricDefinitions: []MetricDefinition{
			{Name: "left_knee_angle", Kind: "angle", Points: []string{"LEFT_HIP", "LEFT_KNEE", "LEFT_ANKLE"}},
			{Name: "right_knee_angle", Kind: "angle", Points: []string{"RIGHT_HIP", "RIGHT_KNEE", "RIGHT_ANKLE"}},
			{Name: "left_hip_height", Kind: "height", Points: []string{"LEFT_HIP"}},
		},
		RepCounter: RepCounterConfig{
			Metric:         "left_knee_angle",
			LowThresh:      100,
			HighThresh:     160,
			PeakProminence: 10,
			PeakDistance:   15,
			Extremum:       string(reps.Valley),
		},
		Drawing: DrawingConfig{
			LineColor:     []int{0, 255, 0},
			PointColor:    []int{255, 0, 0},
			Thickness:     2,
			Radius:        4,
			MinVisibility: 0.5,
		},
		Performance: PerformanceConfig{
			SampleRate: 1,
		},
		Estimator: EstimatorConfig{
			Margin:        0.2,
			CropSize:      256,
			StartTimeoutS: 30,
		},
	}
	if err := a.Validate(); err != nil {
		panic(fmt.Sprintf("default analysis config is invalid: %v", err))
	}
	return a
}

// LoadAnalysis reads a YAML file. Keys left out keep their Default values;
// unknown keys are rejected.
func LoadAnalysis(path string) (*Analysis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis config: %w", err)
	}
	return ParseAnalysis(data)
}

// ParseAnalysis decodes and validates YAML bytes.
func ParseAnalysis(data []byte) (*Analysis, error) {
	a := Default()
	a.defs = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(a); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse analysis config: %w", err)
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate checks every section and resolves metric definitions. It returns
// a *ValidationError for the first problem found.
func (a *Analysis) Validate() error {
	switch a.Mode {
	case Mode2D, Mode3D:
	default:
		return invalid("mode", "must be %q or %q, got %q", Mode2D, Mode3D, a.Mode)
	}

	defs, err := resolveDefinitions(a.MetricDefinitions)
	if err != nil {
		return err
	}

	if err := a.RepCounter.validate(defs); err != nil {
		return err
	}
	if err := a.Drawing.validate(); err != nil {
		return err
	}
	if err := a.Performance.validate(); err != nil {
		return err
	}
	if err := a.Estimator.validate(); err != nil {
		return err
	}

	a.defs = defs
	return nil
}

func resolveDefinitions(in []MetricDefinition) ([]metrics.Definition, error) {
	defs := make([]metrics.Definition, 0, len(in))
	for i, md := range in {
		field := fmt.Sprintf("metric_definitions[%d]", i)

		kind, err := metrics.ParseKind(md.Kind)
		if err != nil {
			return nil, &ValidationError{Field: field + ".kind", Reason: "unknown metric kind", Err: err}
		}
		points := make([]pose.LandmarkName, 0, len(md.Points))
		for j, p := range md.Points {
			name, err := pose.ParseLandmarkName(p)
			if err != nil {
				return nil, &ValidationError{Field: fmt.Sprintf("%s.points[%d]", field, j), Reason: "not a skeleton landmark", Err: err}
			}
			points = append(points, name)
		}

		d := metrics.Definition{Name: md.Name, Kind: kind, Points: points}
		if err := d.Validate(); err != nil {
			return nil, &ValidationError{Field: field, Reason: "invalid metric", Err: err}
		}
		defs = append(defs, d)
	}

	if err := metrics.ValidateDefinitions(defs); err != nil {
		return nil, &ValidationError{Field: "metric_definitions", Reason: "invalid metric set", Err: err}
	}
	return defs, nil
}

func (r RepCounterConfig) validate(defs []metrics.Definition) error {
	if r.Metric == "" {
		return invalid("rep_counter.metric", "is required")
	}
	found := false
	for _, d := range defs {
		if d.Name == r.Metric {
			found = true
			break
		}
	}
	if !found {
		return invalid("rep_counter.metric", "%q is not among metric_definitions", r.Metric)
	}
	if _, err := reps.ParseExtremum(r.Extremum); err != nil {
		return &ValidationError{Field: "rep_counter.extremum", Reason: "unknown extremum", Err: err}
	}
	if r.PeakProminence < 0 {
		return invalid("rep_counter.peak_prominence", "must not be negative")
	}
	if r.PeakDistance < 1 {
		return invalid("rep_counter.peak_distance", "must be at least 1 frame")
	}
	return nil
}

func (d DrawingConfig) validate() error {
	for field, c := range map[string][]int{"drawing.line_color": d.LineColor, "drawing.point_color": d.PointColor} {
		if len(c) != 3 {
			return invalid(field, "must be [r, g, b], got %v", c)
		}
		for _, v := range c {
			if v < 0 || v > 255 {
				return invalid(field, "channel %d out of range 0-255", v)
			}
		}
	}
	if d.Thickness < 1 {
		return invalid("drawing.thickness", "must be at least 1")
	}
	if d.Radius < 0 {
		return invalid("drawing.radius", "must not be negative")
	}
	if d.MinVisibility < 0 || d.MinVisibility > 1 {
		return invalid("drawing.min_visibility", "must be between 0 and 1")
	}
	return nil
}

func (p PerformanceConfig) validate() error {
	if p.SampleRate < 1 {
		return invalid("performance.sample_rate", "must be at least 1")
	}
	if !video.ValidRotation(p.Rotation) {
		return invalid("performance.rotation", "must be 0, 90, 180 or 270, got %d", p.Rotation)
	}
	if p.TargetWidth < 0 || p.TargetHeight < 0 {
		return invalid("performance.target_width", "size must not be negative")
	}
	if (p.TargetWidth == 0) != (p.TargetHeight == 0) {
		return invalid("performance.target_width", "target_width and target_height must be set together")
	}
	return nil
}

func (e EstimatorConfig) validate() error {
	if e.Margin < 0 {
		return invalid("estimator.margin", "must not be negative")
	}
	if e.Cropped && e.CropSize < 1 {
		return invalid("estimator.crop_size", "must be positive in cropped mode")
	}
	if e.StartTimeoutS < 0 {
		return invalid("estimator.start_timeout_s", "must not be negative")
	}
	return nil
}

// Definitions returns the resolved metric definitions.
func (a *Analysis) Definitions() []metrics.Definition {
	return append([]metrics.Definition(nil), a.defs...)
}

// World reports whether world-space landmarks are requested.
func (a *Analysis) World() bool {
	return a.Mode == Mode3D
}

// RepParams converts the rep_counter section.
func (a *Analysis) RepParams() reps.Params {
	ext, _ := reps.ParseExtremum(a.RepCounter.Extremum)
	return reps.Params{
		Metric:     a.RepCounter.Metric,
		LowThresh:  a.RepCounter.LowThresh,
		HighThresh: a.RepCounter.HighThresh,
		Prominence: a.RepCounter.PeakProminence,
		Distance:   a.RepCounter.PeakDistance,
		Extremum:   ext,
	}
}

// Style converts the drawing section.
func (a *Analysis) Style() render.Style {
	return render.Style{
		LineColor:     rgba(a.Drawing.LineColor),
		PointColor:    rgba(a.Drawing.PointColor),
		Thickness:     a.Drawing.Thickness,
		Radius:        a.Drawing.Radius,
		MinVisibility: a.Drawing.MinVisibility,
	}
}

// PoseOptions converts the estimator section.
func (a *Analysis) PoseOptions() pose.Options {
	return pose.Options{
		World:    a.World(),
		Margin:   a.Estimator.Margin,
		CropSize: a.Estimator.CropSize,
	}
}

// ExtractOptions converts the performance section. Source-resolution frames
// are kept only when the debug video is enabled.
func (a *Analysis) ExtractOptions() video.ExtractOptions {
	return video.ExtractOptions{
		Rotation:      a.Performance.Rotation,
		SampleRate:    a.Performance.SampleRate,
		TargetWidth:   a.Performance.TargetWidth,
		TargetHeight:  a.Performance.TargetHeight,
		KeepOriginals: a.Debug.RenderVideo,
	}
}

// StartTimeout is the landmark worker startup limit.
func (a *Analysis) StartTimeout() time.Duration {
	return time.Duration(a.Estimator.StartTimeoutS) * time.Second
}

// WithDebug returns a copy with the debug outputs switched on where
// renderVideo or saveMetrics is true. False flags leave the existing setting
// alone.
func (a *Analysis) WithDebug(renderVideo, saveMetrics bool, outputDir string) *Analysis {
	b := *a
	b.defs = a.Definitions()
	b.Debug.RenderVideo = b.Debug.RenderVideo || renderVideo
	b.Debug.SaveMetrics = b.Debug.SaveMetrics || saveMetrics
	if outputDir != "" {
		b.Debug.OutputDir = outputDir
	}
	return &b
}

func rgba(c []int) color.RGBA {
	if len(c) != 3 {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: uint8(c[0]), G: uint8(c[1]), B: uint8(c[2]), A: 255}
}
