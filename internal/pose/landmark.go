// Package pose wraps an external body-landmark detection capability behind a
// small Estimator contract and defines the fixed 33-point skeleton that every
// downstream stage refers to.
package pose

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
)

// SchemaVersion identifies the landmark layout below. Bump it if the set or
// the index assignment ever changes.
const SchemaVersion = "blazepose-33/v1"

// NumLandmarks is the size of the skeleton.
const NumLandmarks = 33

// LandmarkName is an index into the fixed skeleton. Index N always denotes the
// same joint.
type LandmarkName int

const (
	Nose LandmarkName = iota
	LeftEyeInner
	LeftEye
	LeftEyeOuter
	RightEyeInner
	RightEye
	RightEyeOuter
	LeftEar
	RightEar
	MouthLeft
	MouthRight
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftPinky
	RightPinky
	LeftIndex
	RightIndex
	LeftThumb
	RightThumb
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
	LeftHeel
	RightHeel
	LeftFootIndex
	RightFootIndex
)

var landmarkNames = [NumLandmarks]string{
	"NOSE",
	"LEFT_EYE_INNER",
	"LEFT_EYE",
	"LEFT_EYE_OUTER",
	"RIGHT_EYE_INNER",
	"RIGHT_EYE",
	"RIGHT_EYE_OUTER",
	"LEFT_EAR",
	"RIGHT_EAR",
	"MOUTH_LEFT",
	"MOUTH_RIGHT",
	"LEFT_SHOULDER",
	"RIGHT_SHOULDER",
	"LEFT_ELBOW",
	"RIGHT_ELBOW",
	"LEFT_WRIST",
	"RIGHT_WRIST",
	"LEFT_PINKY",
	"RIGHT_PINKY",
	"LEFT_INDEX",
	"RIGHT_INDEX",
	"LEFT_THUMB",
	"RIGHT_THUMB",
	"LEFT_HIP",
	"RIGHT_HIP",
	"LEFT_KNEE",
	"RIGHT_KNEE",
	"LEFT_ANKLE",
	"RIGHT_ANKLE",
	"LEFT_HEEL",
	"RIGHT_HEEL",
	"LEFT_FOOT_INDEX",
	"RIGHT_FOOT_INDEX",
}

// ErrUnknownLandmark is returned when a name is not part of the skeleton.
var ErrUnknownLandmark = errors.New("unknown landmark name")

func (n LandmarkName) String() string {
	if !n.Valid() {
		return fmt.Sprintf("LandmarkName(%d)", int(n))
	}
	return landmarkNames[n]
}

// Valid reports whether n is inside the skeleton.
func (n LandmarkName) Valid() bool {
	return n >= 0 && int(n) < NumLandmarks
}

// ParseLandmarkName resolves a configuration name such as "left_knee" or
// "LEFT_KNEE". Matching is case-insensitive; dashes and spaces count as
// underscores.
func ParseLandmarkName(s string) (LandmarkName, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	for i, name := range landmarkNames {
		if name == key {
			return LandmarkName(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLandmark, s)
}

// Connections lists the skeleton edges drawn by the debug overlay.
var Connections = [][2]LandmarkName{
	{Nose, LeftEyeInner}, {LeftEyeInner, LeftEye}, {LeftEye, LeftEyeOuter}, {LeftEyeOuter, LeftEar},
	{Nose, RightEyeInner}, {RightEyeInner, RightEye}, {RightEye, RightEyeOuter}, {RightEyeOuter, RightEar},
	{MouthLeft, MouthRight},
	{LeftShoulder, RightShoulder},
	{LeftShoulder, LeftElbow}, {LeftElbow, LeftWrist},
	{LeftWrist, LeftPinky}, {LeftWrist, LeftIndex}, {LeftWrist, LeftThumb}, {LeftPinky, LeftIndex},
	{RightShoulder, RightElbow}, {RightElbow, RightWrist},
	{RightWrist, RightPinky}, {RightWrist, RightIndex}, {RightWrist, RightThumb}, {RightPinky, RightIndex},
	{LeftShoulder, LeftHip}, {RightShoulder, RightHip}, {LeftHip, RightHip},
	{LeftHip, LeftKnee}, {RightHip, RightKnee},
	{LeftKnee, LeftAnkle}, {RightKnee, RightAnkle},
	{LeftAnkle, LeftHeel}, {RightAnkle, RightHeel},
	{LeftHeel, LeftFootIndex}, {RightHeel, RightFootIndex},
	{LeftAnkle, LeftFootIndex}, {RightAnkle, RightFootIndex},
}

// Landmark is one detected point. Image-space landmarks are normalized to the
// frame (or crop) they were detected in; world landmarks are in metres with
// the hip centre as origin.
type Landmark struct {
	X          float64 `msgpack:"x" json:"x"`
	Y          float64 `msgpack:"y" json:"y"`
	Z          float64 `msgpack:"z" json:"z"`
	Visibility float64 `msgpack:"visibility" json:"visibility"`
}

// Finite reports whether the coordinates are usable.
func (l Landmark) Finite() bool {
	return !math.IsNaN(l.X) && !math.IsNaN(l.Y) && !math.IsNaN(l.Z) &&
		!math.IsInf(l.X, 0) && !math.IsInf(l.Y, 0) && !math.IsInf(l.Z, 0)
}

// CropBox is a region of the working frame in pixel coordinates. Boxes built
// with NewCropBox never exceed the frame bounds.
type CropBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// NewCropBox rounds the corners outward and clamps them to a width x height frame.
func NewCropBox(x1, y1, x2, y2 float64, width, height int) CropBox {
	return CropBox{
		X1: clampInt(int(math.Floor(x1)), 0, width),
		Y1: clampInt(int(math.Floor(y1)), 0, height),
		X2: clampInt(int(math.Ceil(x2)), 0, width),
		Y2: clampInt(int(math.Ceil(y2)), 0, height),
	}
}

func (c CropBox) Width() int  { return c.X2 - c.X1 }
func (c CropBox) Height() int { return c.Y2 - c.Y1 }

// Empty reports a zero-area box.
func (c CropBox) Empty() bool {
	return c.Width() <= 0 || c.Height() <= 0
}

// Rect converts the box for gocv region extraction.
func (c CropBox) Rect() image.Rectangle {
	return image.Rect(c.X1, c.Y1, c.X2, c.Y2)
}

// PoseFrame is the estimator output for one working frame. Landmarks is nil
// when nothing was detected. When Crop is set, Landmarks are normalized to the
// crop rather than the full frame.
type PoseFrame struct {
	Landmarks []Landmark `json:"landmarks,omitempty"`
	World     []Landmark `json:"world_landmarks,omitempty"`
	Crop      *CropBox   `json:"crop,omitempty"`
}

// Detected reports whether the frame carries a full skeleton.
func (p PoseFrame) Detected() bool {
	return len(p.Landmarks) == NumLandmarks
}

// At returns the image-space landmark for name.
func (p PoseFrame) At(name LandmarkName) (Landmark, bool) {
	if !p.Detected() || !name.Valid() {
		return Landmark{}, false
	}
	return p.Landmarks[name], true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
