// Package render draws skeleton overlays onto source-resolution frames and
// writes them out as a debug video.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/heimdex/heimdex-motion/internal/pose"
)

// ErrWriterUnavailable is returned when the output video cannot be opened.
// Nothing is written in that case; callers treat it as a warning.
var ErrWriterUnavailable = errors.New("debug video writer unavailable")

// Style controls the overlay appearance.
type Style struct {
	LineColor  color.RGBA
	PointColor color.RGBA
	Thickness  int
	Radius     int
	// MinVisibility hides landmarks the model is unsure about.
	MinVisibility float64
}

// DefaultStyle draws green bones with red joints.
func DefaultStyle() Style {
	return Style{
		LineColor:     color.RGBA{G: 255, A: 255},
		PointColor:    color.RGBA{R: 255, A: 255},
		Thickness:     2,
		Radius:        4,
		MinVisibility: 0.5,
	}
}

// Renderer writes debug videos. It holds no per-run state.
type Renderer struct {
	style  Style
	logger *slog.Logger
}

func New(style Style, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Renderer{style: style, logger: logger.With("component", "render")}
}

// Render writes originals to outPath at fps, overlaying poses[i] on
// originals[i]. working is the size the poses were estimated on. Frames
// without a detection are written unchanged.
func (r *Renderer) Render(originals []gocv.Mat, poses []pose.PoseFrame, working image.Point, outPath string, fps float64) error {
	if len(originals) == 0 {
		return fmt.Errorf("no frames to render")
	}
	if fps <= 0 {
		return fmt.Errorf("invalid frame rate %v", fps)
	}

	size := image.Pt(originals[0].Cols(), originals[0].Rows())
	writer, err := gocv.VideoWriterFile(outPath, fourcc(outPath), fps, size.X, size.Y, true)
	if err != nil || !writer.IsOpened() {
		if writer != nil {
			writer.Close()
		}
		r.logger.Warn("could not open debug video writer", "path", outPath, "error", err)
		return fmt.Errorf("%w: %s", ErrWriterUnavailable, outPath)
	}
	defer writer.Close()

	overlaid := 0
	for i, src := range originals {
		if i >= len(poses) || !r.drawable(poses[i]) {
			if err := writer.Write(src); err != nil {
				return fmt.Errorf("failed to write frame %d: %w", i, err)
			}
			continue
		}

		img := src.Clone()
		r.draw(&img, poses[i], working, image.Pt(src.Cols(), src.Rows()))
		err := writer.Write(img)
		img.Close()
		if err != nil {
			return fmt.Errorf("failed to write frame %d: %w", i, err)
		}
		overlaid++
	}

	r.logger.Info("debug video written", "frames", len(originals), "overlaid", overlaid)
	return nil
}

// drawable is false for no detection or when every coordinate is NaN.
func (r *Renderer) drawable(pf pose.PoseFrame) bool {
	if !pf.Detected() {
		return false
	}
	for _, lm := range pf.Landmarks {
		if !math.IsNaN(lm.X) && !math.IsNaN(lm.Y) {
			return true
		}
	}
	return false
}

func (r *Renderer) draw(img *gocv.Mat, pf pose.PoseFrame, working, original image.Point) {
	points := make([]image.Point, len(pf.Landmarks))
	ok := make([]bool, len(pf.Landmarks))
	for i, lm := range pf.Landmarks {
		if lm.Visibility < r.style.MinVisibility {
			continue
		}
		points[i], ok[i] = MapToOriginal(lm, pf.Crop, working, original)
	}

	for _, c := range pose.Connections {
		a, b := c[0], c[1]
		if ok[a] && ok[b] {
			gocv.Line(img, points[a], points[b], r.style.LineColor, r.style.Thickness)
		}
	}
	for i, p := range points {
		if ok[i] {
			gocv.Circle(img, p, r.style.Radius, r.style.PointColor, -1)
		}
	}
}

// MapToOriginal converts a landmark to source-resolution pixels. With a
// crop, the landmark is normalized to the crop, which is in working-frame
// pixels; without one it is normalized to the whole frame. ok is false for
// non-finite coordinates or an empty working size.
func MapToOriginal(lm pose.Landmark, crop *pose.CropBox, working, original image.Point) (image.Point, bool) {
	if math.IsNaN(lm.X) || math.IsNaN(lm.Y) || math.IsInf(lm.X, 0) || math.IsInf(lm.Y, 0) {
		return image.Point{}, false
	}

	if crop == nil {
		return image.Pt(
			int(math.Round(lm.X*float64(original.X))),
			int(math.Round(lm.Y*float64(original.Y))),
		), true
	}

	if working.X <= 0 || working.Y <= 0 {
		return image.Point{}, false
	}
	sx := float64(original.X) / float64(working.X)
	sy := float64(original.Y) / float64(working.Y)

	originX := float64(crop.X1) * sx
	originY := float64(crop.Y1) * sy
	width := float64(crop.Width()) * sx
	height := float64(crop.Height()) * sy

	return image.Pt(
		int(math.Round(originX+lm.X*width)),
		int(math.Round(originY+lm.Y*height)),
	), true
}

func fourcc(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".avi":
		return "MJPG"
	default:
		return "mp4v"
	}
}
