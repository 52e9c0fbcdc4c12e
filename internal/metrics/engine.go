package metrics

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/golang/geo/r3"

	"github.com/heimdex/heimdex-motion/internal/pose"
)

const (
	// VisibilityThreshold is the minimum visibility for a landmark to be
	// used by any metric.
	VisibilityThreshold = 0.5

	angleEpsilon = 1e-6
)

// AngleBetween returns the angle in degrees at p2 between p1-p2 and p3-p2.
// Coincident points yield a finite value.
func AngleBetween(p1, p2, p3 r3.Vector) float64 {
	a := p1.Sub(p2)
	b := p3.Sub(p2)
	cos := a.Dot(b) / (a.Norm()*b.Norm() + angleEpsilon)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi
}

// Engine computes a Table from pose frames. It is immutable and safe for
// concurrent use.
type Engine struct {
	defs   []Definition
	logger *slog.Logger
}

// NewEngine validates defs once; Calculate never re-checks them.
func NewEngine(defs []Definition, logger *slog.Logger) (*Engine, error) {
	if err := ValidateDefinitions(defs); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		defs:   append([]Definition(nil), defs...),
		logger: logger.With("component", "metrics"),
	}, nil
}

// Columns returns the metric names in definition order.
func (e *Engine) Columns() []string {
	cols := make([]string, len(e.defs))
	for i, d := range e.defs {
		cols[i] = d.Name
	}
	return cols
}

// Calculate returns one row per frame. Row i has frame index i and time
// i/fps; a value is nil when its landmarks are missing or not visible.
func (e *Engine) Calculate(frames []pose.PoseFrame, fps float64) *Table {
	t := &Table{
		Columns: e.Columns(),
		Rows:    make([]Row, len(frames)),
	}
	for i, f := range frames {
		row := Row{
			FrameIndex: i,
			Values:     make([]*float64, len(e.defs)),
		}
		if fps > 0 {
			row.Time = float64(i) / fps
		}

		points := visiblePoints(f)
		if points != nil {
			for j, d := range e.defs {
				row.Values[j] = e.evaluate(d, points, i)
			}
		}
		t.Rows[i] = row
	}
	return t
}

// evaluate computes one cell. Failures are logged and yield nil.
func (e *Engine) evaluate(d Definition, points map[pose.LandmarkName]r3.Vector, frame int) (v *float64) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("metric computation failed", "metric", d.Name, "frame", frame, "error", fmt.Sprint(r))
			v = nil
		}
	}()

	var val float64
	switch d.Kind {
	case KindAngle:
		p1, ok1 := points[d.Points[0]]
		p2, ok2 := points[d.Points[1]]
		p3, ok3 := points[d.Points[2]]
		if !ok1 || !ok2 || !ok3 {
			return nil
		}
		val = AngleBetween(p1, p2, p3)
	case KindHeight:
		p, ok := points[d.Points[0]]
		if !ok {
			return nil
		}
		val = p.Y
	default:
		panic(fmt.Sprintf("unhandled metric kind %q", d.Kind))
	}

	if math.IsNaN(val) || math.IsInf(val, 0) {
		e.logger.Debug("metric value not finite", "metric", d.Name, "frame", frame)
		return nil
	}
	return &val
}

// visiblePoints maps landmark names to coordinates, keeping only landmarks
// above VisibilityThreshold. World landmarks win over image landmarks when
// present. Image landmarks have no usable depth, so their Z is dropped.
func visiblePoints(f pose.PoseFrame) map[pose.LandmarkName]r3.Vector {
	world := len(f.World) == pose.NumLandmarks
	if !world && !f.Detected() {
		return nil
	}

	src := f.Landmarks
	if world {
		src = f.World
	}

	points := make(map[pose.LandmarkName]r3.Vector, len(src))
	for i, lm := range src {
		if lm.Visibility <= VisibilityThreshold || !lm.Finite() {
			continue
		}
		v := r3.Vector{X: lm.X, Y: lm.Y}
		if world {
			v.Z = lm.Z
		}
		points[pose.LandmarkName(i)] = v
	}
	return points
}
