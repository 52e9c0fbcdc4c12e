package pose

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"gocv.io/x/gocv"
)

// ErrEstimationUnavailable is returned when the landmark model cannot be
// loaded. There is no fallback estimator.
var ErrEstimationUnavailable = errors.New("pose estimation unavailable")

// Detection is the raw output of one model call. A nil Detection, or one with
// no landmarks, means no body was found.
type Detection struct {
	Landmarks []Landmark `msgpack:"landmarks"`
	World     []Landmark `msgpack:"world_landmarks"`
}

// LandmarkModel is the external detection capability. Implementations are
// typically stateful (temporal smoothing), so one instance must never be
// shared between pipeline runs.
type LandmarkModel interface {
	Detect(img gocv.Mat) (*Detection, error)
	Close() error
}

// ModelFactory loads a fresh model instance.
type ModelFactory func() (LandmarkModel, error)

// Estimator turns one working frame into a PoseFrame.
type Estimator interface {
	Estimate(frame gocv.Mat) (PoseFrame, error)
	// Close releases every model owned by the estimator. Calling it more
	// than once is safe; only the first call does any work.
	Close() error
}

// Options configures both estimator variants.
type Options struct {
	// World keeps world-space landmarks when the model provides them.
	World bool
	// Margin expands the first-pass bounding box by this fraction of its
	// width and height before cropping.
	Margin float64
	// CropSize is the square side, in pixels, the crop is resized to for the
	// second pass.
	CropSize int
}

// DefaultOptions returns the cropped-mode defaults.
func DefaultOptions() Options {
	return Options{
		World:    false,
		Margin:   0.2,
		CropSize: 256,
	}
}

// DirectEstimator runs a single inference on the full frame.
type DirectEstimator struct {
	model LandmarkModel
	opts  Options

	closeOnce sync.Once
	closeErr  error
}

// NewDirect loads one model instance.
func NewDirect(factory ModelFactory, opts Options) (*DirectEstimator, error) {
	model, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEstimationUnavailable, err)
	}
	return &DirectEstimator{model: model, opts: opts}, nil
}

func (e *DirectEstimator) Estimate(frame gocv.Mat) (PoseFrame, error) {
	det, err := e.model.Detect(frame)
	if err != nil {
		return PoseFrame{}, err
	}
	if det == nil || len(det.Landmarks) != NumLandmarks {
		return PoseFrame{}, nil
	}
	return PoseFrame{
		Landmarks: det.Landmarks,
		World:     e.world(det),
	}, nil
}

func (e *DirectEstimator) world(det *Detection) []Landmark {
	if !e.opts.World || len(det.World) != NumLandmarks {
		return nil
	}
	return det.World
}

func (e *DirectEstimator) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.model.Close()
	})
	return e.closeErr
}

// CroppedEstimator locates the body on the full frame, then refines the
// landmarks on a crop around it. Both models are owned by the estimator and
// released by its Close.
type CroppedEstimator struct {
	locator LandmarkModel
	refiner LandmarkModel
	opts    Options

	closeOnce sync.Once
	closeErr  error
}

// NewCropped loads two independent model instances from factory.
func NewCropped(factory ModelFactory, opts Options) (*CroppedEstimator, error) {
	if opts.CropSize <= 0 {
		return nil, fmt.Errorf("crop size must be positive, got %d", opts.CropSize)
	}
	if opts.Margin < 0 {
		return nil, fmt.Errorf("crop margin must not be negative, got %g", opts.Margin)
	}

	locator, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: locator: %w", ErrEstimationUnavailable, err)
	}
	refiner, err := factory()
	if err != nil {
		locator.Close()
		return nil, fmt.Errorf("%w: refiner: %w", ErrEstimationUnavailable, err)
	}

	return &CroppedEstimator{locator: locator, refiner: refiner, opts: opts}, nil
}

func (e *CroppedEstimator) Estimate(frame gocv.Mat) (PoseFrame, error) {
	first, err := e.locator.Detect(frame)
	if err != nil {
		return PoseFrame{}, fmt.Errorf("locate: %w", err)
	}
	if first == nil || len(first.Landmarks) == 0 {
		return PoseFrame{}, nil
	}

	box, ok := BoundingCrop(first.Landmarks, frame.Cols(), frame.Rows(), e.opts.Margin)
	if !ok {
		return PoseFrame{}, nil
	}

	region := frame.Region(box.Rect())
	defer region.Close()

	crop := gocv.NewMat()
	defer crop.Close()
	gocv.Resize(region, &crop, image.Pt(e.opts.CropSize, e.opts.CropSize), 0, 0, gocv.InterpolationLinear)

	refined, err := e.refiner.Detect(crop)
	if err != nil {
		return PoseFrame{}, fmt.Errorf("refine: %w", err)
	}
	if refined == nil || len(refined.Landmarks) != NumLandmarks {
		return PoseFrame{}, nil
	}

	pf := PoseFrame{Landmarks: refined.Landmarks, Crop: &box}
	if e.opts.World && len(refined.World) == NumLandmarks {
		pf.World = refined.World
	}
	return pf, nil
}

func (e *CroppedEstimator) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = errors.Join(e.locator.Close(), e.refiner.Close())
	})
	return e.closeErr
}

// BoundingCrop returns the axis-aligned box around the normalized landmarks in
// a width x height frame, grown by margin times its own width and height and
// clamped to the frame. ok is false when the result has zero area.
func BoundingCrop(landmarks []Landmark, width, height int, margin float64) (box CropBox, ok bool) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	seen := 0
	for _, lm := range landmarks {
		if !lm.Finite() {
			continue
		}
		px, py := lm.X*float64(width), lm.Y*float64(height)
		minX, maxX = math.Min(minX, px), math.Max(maxX, px)
		minY, maxY = math.Min(minY, py), math.Max(maxY, py)
		seen++
	}
	if seen == 0 {
		return CropBox{}, false
	}

	padX := (maxX - minX) * margin
	padY := (maxY - minY) * margin
	box = NewCropBox(minX-padX, minY-padY, maxX+padX, maxY+padY, width, height)
	if box.Empty() {
		return CropBox{}, false
	}
	return box, true
}
