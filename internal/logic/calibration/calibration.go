// Package calibration relates commanded guide pulses to star displacement
// on the guide detector.
//
// The model is affine with drift:
//
//	star = A·pulse + drift·t + origin
//
// where A is the 2x2 linear part, drift the uncorrected motion in pixels
// per second and origin the star position before any pulse. Coefficients
// are stored row-major with the drift in the third column:
//
//	[a0 a1 a2]   x: RA, DEC, drift
//	[a3 a4 a5]   y: RA, DEC, drift
package calibration

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// detEpsilon is the determinant magnitude below which the two control
// axes are considered parallel.
const detEpsilon = 1e-9

// ControlType identifies the device a calibration was made for.
type ControlType int

const (
	GuidePort ControlType = iota
	AdaptiveOptics
)

func (c ControlType) String() string {
	switch c {
	case GuidePort:
		return "GuidePort"
	case AdaptiveOptics:
		return "AdaptiveOptics"
	default:
		return fmt.Sprintf("ControlType(%d)", int(c))
	}
}

func (c ControlType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ControlType) UnmarshalText(b []byte) error {
	t, err := ParseControlType(string(b))
	if err != nil {
		return err
	}
	*c = t
	return nil
}

// ParseControlType accepts the long names and the GP/AO abbreviations.
func ParseControlType(s string) (ControlType, error) {
	switch strings.TrimSpace(s) {
	case "GuidePort", "GP", "":
		return GuidePort, nil
	case "AdaptiveOptics", "AO":
		return AdaptiveOptics, nil
	}
	return GuidePort, fmt.Errorf("unknown control type %q", s)
}

// Descriptor identifies the camera, CCD and control port combination a
// calibration or tracking run belongs to. It is a lookup key only.
type Descriptor struct {
	Camera    string `json:"camera" yaml:"camera" toml:"camera"`
	CCD       int    `json:"ccd" yaml:"ccd" toml:"ccd"`
	GuidePort string `json:"guideport" yaml:"guideport" toml:"guideport"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%d/%s", d.Camera, d.CCD, d.GuidePort)
}

// Point is one measurement of a calibration scan: at T seconds after the
// scan started, the mount had been displaced by the pulse vector Offset
// (seconds RA, DEC) and the tracker measured the star at Star (pixels).
type Point struct {
	T      float64        `json:"t"`
	Offset geometry.Point `json:"offset"`
	Star   geometry.Point `json:"star"`
}

func (p Point) String() string {
	return fmt.Sprintf("%.3f,%v,%v", p.T, p.Offset, p.Star)
}

// Calibration holds the measured points and, once Calibrate succeeded,
// the fitted coefficients. It is owned by one goroutine at a time: the
// scan fills it, then it is handed over to the store read-only.
type Calibration struct {
	ID         int64       `json:"id"`
	Type       ControlType `json:"type"`
	Descriptor Descriptor  `json:"descriptor"`
	When       time.Time   `json:"when"`
	A          [6]float64  `json:"a"`
	Complete   bool        `json:"complete"`
	Flipped    bool        `json:"flipped"`

	// Plate scale metadata. FocalLength and PixelSize in meters,
	// GuideRate as a fraction of sidereal, Interval is the grid constant
	// in seconds used by the scan.
	FocalLength float64 `json:"focallength"`
	PixelSize   float64 `json:"pixelsize"`
	GuideRate   float64 `json:"guiderate"`
	Interval    float64 `json:"interval"`

	// Diagnostics of the last fit. Not used for corrections.
	Origin   geometry.Point `json:"origin"`
	Residual float64        `json:"residual"`

	Points []Point `json:"points"`
}

// New returns an empty guide port calibration for the descriptor.
func New(d Descriptor) *Calibration {
	return &Calibration{
		Type:       GuidePort,
		Descriptor: d,
		When:       time.Now(),
	}
}

// FromCoefficients builds a calibration from known coefficients. It is not
// marked complete.
func FromCoefficients(a [6]float64) *Calibration {
	return &Calibration{Type: GuidePort, A: a}
}

// Add appends a measurement.
func (c *Calibration) Add(p Point) {
	c.Points = append(c.Points, p)
}

// Reset forgets the points and the coefficients.
func (c *Calibration) Reset() {
	c.ID = 0
	c.Type = GuidePort
	c.A = [6]float64{}
	c.Complete = false
	c.Flipped = false
	c.Origin = geometry.Point{}
	c.Residual = 0
	c.Points = nil
}

// Det returns the determinant of the linear part.
func (c *Calibration) Det() float64 {
	return c.A[0]*c.A[4] - c.A[1]*c.A[3]
}

// Drift returns the uncorrected star motion in pixels per second.
func (c *Calibration) Drift() geometry.Point {
	return geometry.Point{X: c.A[2], Y: c.A[5]}
}

// Forward applies the model without origin: the displacement expected
// after applying pulse and waiting t seconds.
func (c *Calibration) Forward(pulse geometry.Point, t float64) geometry.Point {
	return geometry.Point{
		X: c.A[0]*pulse.X + c.A[1]*pulse.Y + c.A[2]*t,
		Y: c.A[3]*pulse.X + c.A[4]*pulse.Y + c.A[5]*t,
	}
}

// Correction returns the pulse vector that produces the displacement
// offset within dt seconds, after removing the drift expected over dt.
func (c *Calibration) Correction(offset geometry.Point, dt float64) (geometry.Point, error) {
	det := c.Det()
	if math.Abs(det) <= detEpsilon || math.IsNaN(det) {
		return geometry.Point{}, fault.New(fault.Uncalibrated,
			"determinant %g of %s", det, c)
	}
	dx := offset.X - dt*c.A[2]
	dy := offset.Y - dt*c.A[5]
	return geometry.Point{
		X: (dx*c.A[4] - dy*c.A[1]) / det,
		Y: (c.A[0]*dy - c.A[3]*dx) / det,
	}, nil
}

// DefaultCorrection returns the pulse rate that cancels the drift alone.
func (c *Calibration) DefaultCorrection() (geometry.Point, error) {
	return c.Correction(geometry.Point{}, 1)
}

// Quality is 1 - cos²θ for the angle θ between the two axis vectors:
// 0 for parallel axes, 1 for perpendicular ones.
func (c *Calibration) Quality() float64 {
	l1 := math.Hypot(c.A[0], c.A[3])
	l2 := math.Hypot(c.A[1], c.A[4])
	cos := (c.A[0]*c.A[1] + c.A[3]*c.A[4]) / (l1 * l2)
	q := 1 - cos*cos
	if math.IsNaN(q) {
		return 0
	}
	return q
}

// Rescale multiplies the linear part by factor. The drift terms are
// left alone.
func (c *Calibration) Rescale(factor float64) {
	c.A[0] *= factor
	c.A[1] *= factor
	c.A[3] *= factor
	c.A[4] *= factor
}

// Flip returns a copy for use on the other side of the meridian: the
// image is turned by 180° while the DEC motor reverses, so the RA axis
// and the drift change sign and the DEC axis stays.
func (c *Calibration) Flip() *Calibration {
	f := c.Clone()
	f.A[0], f.A[3] = -f.A[0], -f.A[3]
	f.A[2], f.A[5] = -f.A[2], -f.A[5]
	f.Flipped = !c.Flipped
	return f
}

// Clone returns a deep copy.
func (c *Calibration) Clone() *Calibration {
	cp := *c
	cp.Points = append([]Point(nil), c.Points...)
	return &cp
}
