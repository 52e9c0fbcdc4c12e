package pose

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"
)

type fakeModel struct {
	detectFn func(img gocv.Mat) (*Detection, error)
	calls    int
	closed   int
	sizes    [][2]int
}

func (f *fakeModel) Detect(img gocv.Mat) (*Detection, error) {
	f.calls++
	f.sizes = append(f.sizes, [2]int{img.Cols(), img.Rows()})
	if f.detectFn != nil {
		return f.detectFn(img)
	}
	return nil, nil
}

func (f *fakeModel) Close() error {
	f.closed++
	return nil
}

func skeletonAt(x, y float64) []Landmark {
	lms := make([]Landmark, NumLandmarks)
	for i := range lms {
		lms[i] = Landmark{X: x, Y: y, Visibility: 0.9}
	}
	return lms
}

// spread places landmarks on a diagonal between (x1,y1) and (x2,y2).
func spread(x1, y1, x2, y2 float64) []Landmark {
	lms := make([]Landmark, NumLandmarks)
	for i := range lms {
		t := float64(i) / float64(NumLandmarks-1)
		lms[i] = Landmark{X: x1 + t*(x2-x1), Y: y1 + t*(y2-y1), Visibility: 0.9}
	}
	return lms
}

func factoryOf(models ...*fakeModel) ModelFactory {
	i := 0
	return func() (LandmarkModel, error) {
		m := models[i]
		i++
		return m, nil
	}
}

func newFrame(t *testing.T, w, h int) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestParseLandmarkName(t *testing.T) {
	tests := []struct {
		in      string
		want    LandmarkName
		wantErr bool
	}{
		{"LEFT_KNEE", LeftKnee, false},
		{"left_knee", LeftKnee, false},
		{"right-foot-index", RightFootIndex, false},
		{" nose ", Nose, false},
		{"LEFT_TOE", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLandmarkName(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownLandmark) {
				t.Errorf("ParseLandmarkName(%q) error = %v, want ErrUnknownLandmark", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseLandmarkName(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestLandmarkIndicesAreFixed(t *testing.T) {
	fixed := map[LandmarkName]int{
		Nose: 0, LeftShoulder: 11, RightShoulder: 12, LeftHip: 23,
		LeftKnee: 25, RightKnee: 26, LeftAnkle: 27, RightFootIndex: 32,
	}
	for name, idx := range fixed {
		if int(name) != idx {
			t.Errorf("%s = %d, want %d", name, int(name), idx)
		}
	}
	if RightFootIndex.String() != "RIGHT_FOOT_INDEX" {
		t.Errorf("String() = %q", RightFootIndex.String())
	}
}

func TestNewCropBox_Clamped(t *testing.T) {
	box := NewCropBox(-20.5, -3, 700.2, 500, 640, 480)
	want := CropBox{X1: 0, Y1: 0, X2: 640, Y2: 480}
	if box != want {
		t.Errorf("NewCropBox() = %+v, want %+v", box, want)
	}
}

func TestBoundingCrop(t *testing.T) {
	lms := spread(0.25, 0.25, 0.75, 0.75)

	box, ok := BoundingCrop(lms, 400, 200, 0.1)
	if !ok {
		t.Fatal("expected a box")
	}
	// bbox 100..300 x 50..150, padded by 20 and 10
	want := CropBox{X1: 80, Y1: 40, X2: 320, Y2: 160}
	if box != want {
		t.Errorf("BoundingCrop() = %+v, want %+v", box, want)
	}
}

func TestBoundingCrop_ClampsToFrame(t *testing.T) {
	lms := spread(0.0, 0.0, 1.0, 1.0)
	box, ok := BoundingCrop(lms, 100, 100, 0.5)
	if !ok {
		t.Fatal("expected a box")
	}
	if box.X1 < 0 || box.Y1 < 0 || box.X2 > 100 || box.Y2 > 100 {
		t.Errorf("box %+v exceeds frame", box)
	}
}

func TestBoundingCrop_Degenerate(t *testing.T) {
	// every landmark on one pixel column → zero width after padding
	lms := skeletonAt(0.5, 0.5)
	if _, ok := BoundingCrop(lms, 100, 100, 0.2); ok {
		t.Error("expected zero-area crop to be rejected")
	}
	if _, ok := BoundingCrop(nil, 100, 100, 0.2); ok {
		t.Error("expected empty landmark set to be rejected")
	}
}

func TestDirectEstimator(t *testing.T) {
	model := &fakeModel{detectFn: func(gocv.Mat) (*Detection, error) {
		return &Detection{Landmarks: skeletonAt(0.5, 0.5), World: skeletonAt(0, 0)}, nil
	}}
	est, err := NewDirect(factoryOf(model), Options{World: true})
	if err != nil {
		t.Fatalf("NewDirect() error = %v", err)
	}

	pf, err := est.Estimate(newFrame(t, 64, 48))
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if !pf.Detected() || pf.Crop != nil {
		t.Errorf("direct estimate = %+v, want landmarks without crop", pf)
	}
	if len(pf.World) != NumLandmarks {
		t.Errorf("world landmarks = %d, want %d", len(pf.World), NumLandmarks)
	}

	est.Close()
	est.Close()
	if model.closed != 1 {
		t.Errorf("model closed %d times, want 1", model.closed)
	}
}

func TestDirectEstimator_NoDetection(t *testing.T) {
	est, err := NewDirect(factoryOf(&fakeModel{}), DefaultOptions())
	if err != nil {
		t.Fatalf("NewDirect() error = %v", err)
	}
	defer est.Close()

	pf, err := est.Estimate(newFrame(t, 64, 48))
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if pf.Detected() {
		t.Error("expected no detection")
	}
}

func TestNewDirect_Unavailable(t *testing.T) {
	_, err := NewDirect(func() (LandmarkModel, error) {
		return nil, errors.New("model file missing")
	}, DefaultOptions())
	if !errors.Is(err, ErrEstimationUnavailable) {
		t.Errorf("error = %v, want ErrEstimationUnavailable", err)
	}
}

func TestCroppedEstimator(t *testing.T) {
	locator := &fakeModel{detectFn: func(gocv.Mat) (*Detection, error) {
		return &Detection{Landmarks: spread(0.25, 0.25, 0.75, 0.75)}, nil
	}}
	refiner := &fakeModel{detectFn: func(gocv.Mat) (*Detection, error) {
		return &Detection{Landmarks: spread(0.1, 0.1, 0.9, 0.9)}, nil
	}}

	est, err := NewCropped(factoryOf(locator, refiner), Options{Margin: 0.1, CropSize: 128})
	if err != nil {
		t.Fatalf("NewCropped() error = %v", err)
	}

	pf, err := est.Estimate(newFrame(t, 400, 200))
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if pf.Crop == nil {
		t.Fatal("expected crop box")
	}
	if *pf.Crop != (CropBox{X1: 80, Y1: 40, X2: 320, Y2: 160}) {
		t.Errorf("crop = %+v", *pf.Crop)
	}
	if pf.Landmarks[0].X != 0.1 {
		t.Errorf("landmarks should be the refined, crop-normalized set")
	}
	if got := refiner.sizes[0]; got != [2]int{128, 128} {
		t.Errorf("refiner input size = %v, want 128x128", got)
	}

	if err := est.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	est.Close()
	if locator.closed != 1 || refiner.closed != 1 {
		t.Errorf("closed locator=%d refiner=%d, want 1 each", locator.closed, refiner.closed)
	}
}

func TestCroppedEstimator_NoFirstPassDetection(t *testing.T) {
	locator := &fakeModel{}
	refiner := &fakeModel{}
	est, err := NewCropped(factoryOf(locator, refiner), DefaultOptions())
	if err != nil {
		t.Fatalf("NewCropped() error = %v", err)
	}
	defer est.Close()

	pf, err := est.Estimate(newFrame(t, 64, 64))
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if pf.Detected() || pf.Crop != nil {
		t.Errorf("expected empty PoseFrame, got %+v", pf)
	}
	if refiner.calls != 0 {
		t.Errorf("refiner called %d times, want 0", refiner.calls)
	}
}

func TestCroppedEstimator_DegenerateCrop(t *testing.T) {
	locator := &fakeModel{detectFn: func(gocv.Mat) (*Detection, error) {
		return &Detection{Landmarks: skeletonAt(0.5, 0.5)}, nil
	}}
	refiner := &fakeModel{}
	est, err := NewCropped(factoryOf(locator, refiner), DefaultOptions())
	if err != nil {
		t.Fatalf("NewCropped() error = %v", err)
	}
	defer est.Close()

	pf, err := est.Estimate(newFrame(t, 64, 64))
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if pf.Detected() {
		t.Error("zero-area crop should be treated as no detection")
	}
	if refiner.calls != 0 {
		t.Errorf("refiner called %d times, want 0", refiner.calls)
	}
}

func TestNewCropped_RefinerUnavailableReleasesLocator(t *testing.T) {
	locator := &fakeModel{}
	calls := 0
	_, err := NewCropped(func() (LandmarkModel, error) {
		calls++
		if calls == 1 {
			return locator, nil
		}
		return nil, errors.New("out of memory")
	}, DefaultOptions())
	if !errors.Is(err, ErrEstimationUnavailable) {
		t.Fatalf("error = %v, want ErrEstimationUnavailable", err)
	}
	if locator.closed != 1 {
		t.Errorf("locator closed %d times, want 1", locator.closed)
	}
}
