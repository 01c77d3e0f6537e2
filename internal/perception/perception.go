// Package perception defines the vision interfaces the controller consumes
// and simulated implementations for bench runs and tests. Real detector
// backends satisfy the same interfaces.
package perception

import (
	"fmt"
	"sync"

	"github.com/yardbot/excavator/internal/monitoring"
)

// Frame is a captured camera frame. Only the dimensions matter to the
// controller; pixel data stays inside the detector backend.
type Frame struct {
	Width  int
	Height int
	Seq    uint64
}

// Point is a pixel coordinate.
type Point struct {
	X, Y int
}

// BBox is a pixel-space bounding box.
type BBox struct {
	X1, Y1, X2, Y2 int
}

// Area returns the box area in pixels.
func (b BBox) Area() int {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box center.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Detection is one detected pickup target.
type Detection struct {
	Class      string
	Confidence float64
	Box        BBox
}

// Direction is a coarse steering hint toward the disposal marker.
type Direction int

const (
	// DirectionCentered means the marker is straight ahead.
	DirectionCentered Direction = iota
	// DirectionLeft means steer left.
	DirectionLeft
	// DirectionRight means steer right.
	DirectionRight
)

func (d Direction) String() string {
	switch d {
	case DirectionCentered:
		return "centered"
	case DirectionLeft:
		return "left"
	case DirectionRight:
		return "right"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Camera captures frames.
type Camera interface {
	Capture() (Frame, error)
}

// Detector finds pickup targets in a frame.
type Detector interface {
	Detect(f Frame) ([]Detection, error)
}

// MarkerDetector finds the disposal marker flag in a frame. found is false
// when no marker is visible.
type MarkerDetector interface {
	DetectMarker(f Frame) (pos Point, found bool, err error)
}

// DirectionToMarker converts a marker pixel position into a steering hint.
// The centered band is the middle fifth of the frame, so positions left of
// 40% of the width steer left and right of 60% steer right.
func DirectionToMarker(pos Point, f Frame) Direction {
	center := f.Width / 2
	threshold := f.Width / 10
	switch {
	case pos.X < center-threshold:
		return DirectionLeft
	case pos.X > center+threshold:
		return DirectionRight
	default:
		return DirectionCentered
	}
}

// EstimateMarkerDistance estimates marker distance from its vertical pixel
// position, normalized to [0, 1]. Lower in the frame is closer, so 0 means
// at the marker and 1 means far away.
func EstimateMarkerDistance(pos Point, f Frame) float64 {
	if f.Height <= 0 {
		return 1
	}
	d := float64(pos.Y) / float64(f.Height)
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}

// SimCamera produces synthetic frames of a fixed size.
type SimCamera struct {
	mu     sync.Mutex
	width  int
	height int
	seq    uint64
}

// NewSimCamera creates a camera emitting width x height frames.
func NewSimCamera(width, height int) *SimCamera {
	monitoring.Logf("camera initialized (simulated, %dx%d)", width, height)
	return &SimCamera{width: width, height: height}
}

func (c *SimCamera) Capture() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return Frame{Width: c.width, Height: c.height, Seq: c.seq}, nil
}

// SimDetector replays a scripted sequence of detection results, then returns
// no detections. Tests script exactly which frames contain targets.
type SimDetector struct {
	mu     sync.Mutex
	script [][]Detection
	calls  int
}

// NewSimDetector creates a detector that replays script in order.
func NewSimDetector(script ...[]Detection) *SimDetector {
	return &SimDetector{script: script}
}

func (d *SimDetector) Detect(Frame) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.script) == 0 {
		return nil, nil
	}
	next := d.script[0]
	d.script = d.script[1:]
	return next, nil
}

// Calls returns how many frames were inspected.
func (d *SimDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Enqueue appends another frame result to the script.
func (d *SimDetector) Enqueue(dets []Detection) {
	d.mu.Lock()
	d.script = append(d.script, dets)
	d.mu.Unlock()
}

// SimMarkerDetector reports a settable marker position.
type SimMarkerDetector struct {
	mu      sync.Mutex
	pos     Point
	visible bool
}

// NewSimMarkerDetector creates a detector with no marker visible.
func NewSimMarkerDetector() *SimMarkerDetector {
	return &SimMarkerDetector{}
}

// SetMarker places the marker at pos.
func (d *SimMarkerDetector) SetMarker(pos Point) {
	d.mu.Lock()
	d.pos = pos
	d.visible = true
	d.mu.Unlock()
}

// ClearMarker removes the marker from view.
func (d *SimMarkerDetector) ClearMarker() {
	d.mu.Lock()
	d.visible = false
	d.mu.Unlock()
}

func (d *SimMarkerDetector) DetectMarker(Frame) (Point, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos, d.visible, nil
}
