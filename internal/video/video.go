// Package video reads exercise recordings into working-resolution frames.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

var (
	// ErrUnsupportedFormat is returned for files whose extension is not a
	// known video container.
	ErrUnsupportedFormat = errors.New("unsupported video format")
	// ErrOpenFailed is returned when the container cannot be opened.
	ErrOpenFailed = errors.New("cannot open video")
	// ErrCorruptMedia is returned when the container reports no usable frame
	// rate or yields no frames.
	ErrCorruptMedia = errors.New("corrupt media")
)

// SupportedExtensions lists the accepted container extensions.
var SupportedExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".mpg", ".mpeg", ".wmv"}

// IsSupported reports whether path has an accepted extension. The check is
// case-insensitive.
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ValidRotation reports whether deg is one of 0, 90, 180, 270.
func ValidRotation(deg int) bool {
	switch deg {
	case 0, 90, 180, 270:
		return true
	}
	return false
}

// Rotate writes src rotated clockwise by deg into dst. Only exact multiples
// of 90 are accepted, so the transform is lossless.
func Rotate(src gocv.Mat, dst *gocv.Mat, deg int) error {
	switch deg {
	case 0:
		src.CopyTo(dst)
	case 90:
		gocv.Rotate(src, dst, gocv.Rotate90Clockwise)
	case 180:
		gocv.Rotate(src, dst, gocv.Rotate180Clockwise)
	case 270:
		gocv.Rotate(src, dst, gocv.Rotate90CounterClockwise)
	default:
		return fmt.Errorf("rotation must be 0, 90, 180 or 270, got %d", deg)
	}
	return nil
}

// Frame is one sampled frame. The caller owns the mats and must Close the
// frame when done with it.
type Frame struct {
	// Index is the frame number in the source container.
	Index int
	// Time is Index divided by the source frame rate, in seconds.
	Time float64
	// Working is the rotated frame resized to the working resolution.
	Working gocv.Mat
	// Original is the rotated frame at source resolution. It is nil unless
	// ExtractOptions.KeepOriginals is true.
	Original *gocv.Mat
}

// Close releases the frame's mats.
func (f *Frame) Close() {
	f.Working.Close()
	if f.Original != nil {
		f.Original.Close()
		f.Original = nil
	}
}

// ExtractOptions controls sampling and geometry.
type ExtractOptions struct {
	Rotation   int
	SampleRate int
	// TargetWidth and TargetHeight are the working size. Zero keeps the
	// rotated source size.
	TargetWidth  int
	TargetHeight int
	// KeepOriginals retains the rotated source-resolution frame alongside
	// the working one, for the debug overlay.
	KeepOriginals bool
	// Progress receives integer percentages, monotonically, at most once
	// per value.
	Progress func(percent int)
}

// Validate checks the option ranges.
func (o ExtractOptions) Validate() error {
	if !ValidRotation(o.Rotation) {
		return fmt.Errorf("rotation must be 0, 90, 180 or 270, got %d", o.Rotation)
	}
	if o.SampleRate < 1 {
		return fmt.Errorf("sample rate must be at least 1, got %d", o.SampleRate)
	}
	if o.TargetWidth < 0 || o.TargetHeight < 0 {
		return fmt.Errorf("target size must not be negative, got %dx%d", o.TargetWidth, o.TargetHeight)
	}
	if (o.TargetWidth == 0) != (o.TargetHeight == 0) {
		return fmt.Errorf("target width and height must both be set or both be zero")
	}
	return nil
}

// Stream is a finite, single-use sequence of frames.
type Stream interface {
	// FPS is the frame rate reported by the container.
	FPS() float64
	// Next returns the next sampled frame, or false when the stream is
	// exhausted, cancelled or failed.
	Next() (Frame, bool)
	// Err reports why Next returned false, nil at a normal end.
	Err() error
	Close() error
}

// Source opens streams. The pipeline depends on this rather than on files so
// tests can feed synthetic frames.
type Source interface {
	Open(ctx context.Context, path string, opts ExtractOptions) (Stream, error)
}

// FileSource opens video files through OpenCV.
type FileSource struct{}

func (FileSource) Open(ctx context.Context, path string, opts ExtractOptions) (Stream, error) {
	return Extract(ctx, path, opts)
}

// Extraction reads a container sequentially. It is not safe for concurrent use.
type Extraction struct {
	ctx  context.Context
	opts ExtractOptions
	cap  *gocv.VideoCapture
	raw  gocv.Mat

	fps   float64
	total int

	pos          int
	lastProgress int
	done         bool
	err          error
	closed       bool
}

// Extract opens path for reading. The input file is never written.
func Extract(ctx context.Context, path string, opts ExtractOptions) (*Extraction, error) {
	if !IsSupported(path) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", ErrOpenFailed, path)
	}

	fps := vc.Get(gocv.VideoCaptureFPS)
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		vc.Close()
		return nil, fmt.Errorf("%w: frame rate %v", ErrCorruptMedia, fps)
	}

	total := int(vc.Get(gocv.VideoCaptureFrameCount))
	if total < 0 {
		total = 0
	}

	return &Extraction{
		ctx:          ctx,
		opts:         opts,
		cap:          vc,
		raw:          gocv.NewMat(),
		fps:          fps,
		total:        total,
		lastProgress: -1,
	}, nil
}

func (e *Extraction) FPS() float64 { return e.fps }

// FrameCount is the container's reported frame count; it may be zero when
// the container does not know.
func (e *Extraction) FrameCount() int { return e.total }

func (e *Extraction) Err() error { return e.err }

func (e *Extraction) Next() (Frame, bool) {
	for !e.done {
		if err := e.ctx.Err(); err != nil {
			e.finish(err)
			return Frame{}, false
		}
		if ok := e.cap.Read(&e.raw); !ok || e.raw.Empty() {
			e.finish(nil)
			return Frame{}, false
		}

		idx := e.pos
		e.pos++
		e.report(e.percent())

		if idx%e.opts.SampleRate != 0 {
			continue
		}
		return e.convert(idx)
	}
	return Frame{}, false
}

func (e *Extraction) convert(idx int) (Frame, bool) {
	rotated := gocv.NewMat()
	if err := Rotate(e.raw, &rotated, e.opts.Rotation); err != nil {
		rotated.Close()
		e.finish(err)
		return Frame{}, false
	}

	frame := Frame{
		Index: idx,
		Time:  float64(idx) / e.fps,
	}

	if e.opts.TargetWidth > 0 {
		working := gocv.NewMat()
		gocv.Resize(rotated, &working, image.Pt(e.opts.TargetWidth, e.opts.TargetHeight), 0, 0, gocv.InterpolationArea)
		frame.Working = working
	} else {
		frame.Working = rotated.Clone()
	}

	if e.opts.KeepOriginals {
		frame.Original = &rotated
	} else {
		rotated.Close()
	}
	return frame, true
}

func (e *Extraction) percent() int {
	if e.total <= 0 {
		return 0
	}
	p := e.pos * 100 / e.total
	if p > 99 {
		// 100 is reserved for the end of the stream
		p = 99
	}
	return p
}

func (e *Extraction) report(p int) {
	if e.opts.Progress == nil || p <= e.lastProgress {
		return
	}
	e.lastProgress = p
	e.opts.Progress(p)
}

func (e *Extraction) finish(err error) {
	e.done = true
	e.err = err
	if err == nil {
		e.report(100)
	}
}

// Close releases the capture. It is safe to call more than once.
func (e *Extraction) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.done = true
	e.raw.Close()
	return e.cap.Close()
}
