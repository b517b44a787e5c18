// Package tracking holds the records of guiding sessions.
package tracking

import (
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// Point is the result of one control loop tick.
type Point struct {
	When       time.Time               `json:"when"`
	Offset     geometry.Point          `json:"offset"`     // measured star displacement, px
	Correction geometry.Point          `json:"correction"` // applied pulse, s
	Control    calibration.ControlType `json:"control"`
}

func (p Point) String() string {
	return fmt.Sprintf("%s offset=%v correction=%v %s",
		p.When.Format("15:04:05.000"), p.Offset, p.Correction, p.Control)
}

// Run is one guiding session.
type Run struct {
	ID            int64                  `json:"id"`
	Session       string                 `json:"session"`
	Descriptor    calibration.Descriptor `json:"descriptor"`
	CalibrationID int64                  `json:"calibration_id"`
	Started       time.Time              `json:"started"`
	Ended         time.Time              `json:"ended,omitempty"`
	Points        []Point                `json:"points,omitempty"`
}

// NewRun starts a run now.
func NewRun(session string, d calibration.Descriptor, calibrationID int64, started time.Time) *Run {
	return &Run{
		Session:       session,
		Descriptor:    d,
		CalibrationID: calibrationID,
		Started:       started,
	}
}

// Add appends p.
func (r *Run) Add(p Point) {
	r.Points = append(r.Points, p)
}

// Open reports whether the run has not ended yet.
func (r *Run) Open() bool {
	return r.Ended.IsZero()
}

// Duration is the time covered by the run, up to now while it is open.
func (r *Run) Duration(now time.Time) time.Duration {
	if r.Open() {
		return now.Sub(r.Started)
	}
	return r.Ended.Sub(r.Started)
}

// Stats summarises the measured offsets of a run.
type Stats struct {
	Points int            `json:"points"`
	RMS    float64        `json:"rms"`     // px
	MaxAbs float64        `json:"max_abs"` // px
	Mean   geometry.Point `json:"mean"`
}

// Stats computes offset statistics over the run's points.
func (r *Run) Stats() Stats {
	s := Stats{Points: len(r.Points)}
	if s.Points == 0 {
		return s
	}
	var sum2 float64
	for _, p := range r.Points {
		d := p.Offset.Abs()
		sum2 += d * d
		if d > s.MaxAbs {
			s.MaxAbs = d
		}
		s.Mean = s.Mean.Add(p.Offset)
	}
	n := float64(s.Points)
	s.Mean = s.Mean.Scale(1 / n)
	s.RMS = math.Sqrt(sum2 / n)
	return s
}
