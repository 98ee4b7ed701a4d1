package state

import "fmt"

// Point is a single 2D coordinate in pixel units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DetectedObject is a per-frame detection result, stored under
// KeyDetectedObjects.
type DetectedObject struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

func (d DetectedObject) String() string {
	return fmt.Sprintf("DetectedObject(id=%d, x=%g, y=%g)", d.ID, d.X, d.Y)
}

// TrackedObject is a detection associated across frames, stored under
// KeyTrackedObjects. Err is the tracker's estimation error.
type TrackedObject struct {
	ID  int     `json:"id"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Err float64 `json:"err"`
}

func (tr TrackedObject) String() string {
	return fmt.Sprintf("TrackedObject(id=%d, x=%g, y=%g, err=%g)", tr.ID, tr.X, tr.Y, tr.Err)
}

// Tracked3DObject is a tracked object with a reconstructed depth coordinate,
// stored under KeyTracked3DObjects.
type Tracked3DObject struct {
	ID  int     `json:"id"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Z   float64 `json:"z"`
	Err float64 `json:"err"`
}

func (tr Tracked3DObject) String() string {
	return fmt.Sprintf("Tracked3DObject(id=%d, x=%g, y=%g, z=%g, err=%g)",
		tr.ID, tr.X, tr.Y, tr.Z, tr.Err)
}

// Contour is a detected outline with its centroid, stored under KeyContours.
type Contour struct {
	ID     int     `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Points []Point `json:"points"`
}

func (c Contour) String() string {
	return fmt.Sprintf("Contour(id=%d, x=%g, y=%g, %d pts)", c.ID, c.X, c.Y, len(c.Points))
}

// PointArray is an unstructured point collection, stored under KeyPointArrays.
type PointArray struct {
	Points []Point `json:"points"`
}

func (p PointArray) String() string {
	return fmt.Sprintf("PointArray(%d pts)", len(p.Points))
}

// Units for coordinate values carried in detections.
const (
	UnitMeters = "m"
	UnitPixels = "px"
)
