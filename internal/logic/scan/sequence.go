// Package scan runs the calibration scan: a grid of guide port moves
// around the starting position, measuring the star after each move.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/hw/camera"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
	"github.com/cjeanneret/GuideGo/internal/logic/motion"
	"github.com/cjeanneret/GuideGo/internal/logic/tracker"
)

// Params defines the grid of a scan.
type Params struct {
	Grid   float64       // pulse seconds per grid unit
	Range  int           // grid spans [-Range, Range] on both axes
	Settle time.Duration // wait after a move before exposing
}

// Progress reports how far a scan got.
type Progress struct {
	T        float64 `json:"t"`        // seconds since the scan started
	Fraction float64 `json:"progress"` // 0 to 1
	Aborted  bool    `json:"aborted"`
}

// Callbacks receive scan events on the scanning goroutine. Nil fields are
// skipped.
type Callbacks struct {
	Point    func(calibration.Point)
	Progress func(Progress)
}

// Sequence measures calibration points with a mount and a camera.
type Sequence struct {
	motion  *motion.Controller
	camera  camera.ImageSource
	tracker tracker.Tracker
	now     func() time.Time
	sleep   func(time.Duration)
}

func NewSequence(m *motion.Controller, c camera.ImageSource, t tracker.Tracker) *Sequence {
	return &Sequence{
		motion:  m,
		camera:  c,
		tracker: t,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// WithClock replaces the time source and the settle sleep.
func (s *Sequence) WithClock(now func() time.Time, sleep func(time.Duration)) *Sequence {
	s.now = now
	s.sleep = sleep
	return s
}

// Run measures the initial point, then every grid point and the origin
// after returning from it, adding all points to cal. Cancellation is
// checked between grid points only; a cancelled scan drives back to the
// origin and returns ctx.Err(). A complete scan ends with cal.Calibrate.
func (s *Sequence) Run(ctx context.Context, cal *calibration.Calibration, p Params, cb Callbacks) error {
	plan := geometry.CalculateScanPlan(p.Grid, p.Range)
	cal.Interval = plan.Grid

	// steps are never interrupted half way
	stepCtx := context.WithoutCancel(ctx)
	start := s.now()
	elapsed := func() float64 { return s.now().Sub(start).Seconds() }
	report := func(pr Progress) {
		if cb.Progress != nil {
			cb.Progress(pr)
		}
	}
	add := func(pt calibration.Point) {
		cal.Add(pt)
		if cb.Point != nil {
			cb.Point(pt)
		}
	}

	debug.Section("Calibration scan")
	debug.Value("grid", plan.Grid)
	debug.Value("points", plan.Samples())
	if debug.IsEnabled(debug.LevelVerbose) {
		debug.PrintStruct("grid points", plan.Points)
	}
	report(Progress{})

	var pos geometry.Point // current displacement from the origin, pulse seconds

	star, err := s.measure(stepCtx)
	if err != nil {
		return err
	}
	add(calibration.Point{T: 0, Star: star})

	for i, gp := range plan.Points {
		if ctx.Err() != nil {
			debug.Info("Calibration scan interrupted after %d/%d grid points", i, len(plan.Points))
			if err := s.returnTo(&pos); err != nil {
				return err
			}
			report(Progress{T: elapsed(), Fraction: 1, Aborted: true})
			return ctx.Err()
		}

		debug.Step(i+1, debug.Fmt("grid point ra=%d dec=%d", gp.RA, gp.Dec))
		offset := gp.Offset(plan.Grid)

		star, err := s.starAt(stepCtx, offset, p.Settle, &pos)
		if err != nil {
			return s.abandon(&pos, err)
		}
		add(calibration.Point{T: elapsed(), Offset: offset, Star: star})

		star, err = s.starAt(stepCtx, offset.Neg(), p.Settle, &pos)
		if err != nil {
			return s.abandon(&pos, err)
		}
		add(calibration.Point{T: elapsed(), Star: star})

		report(Progress{T: elapsed(), Fraction: plan.Progress(i)})
	}

	if err := cal.Calibrate(); err != nil {
		return err
	}
	report(Progress{T: elapsed(), Fraction: 1})
	return nil
}

// starAt moves by offset, lets the mount settle and measures the star.
func (s *Sequence) starAt(ctx context.Context, offset geometry.Point, settle time.Duration, pos *geometry.Point) (geometry.Point, error) {
	if err := s.motion.Move(offset); err != nil {
		return geometry.Point{}, err
	}
	*pos = pos.Add(offset)
	if settle > 0 {
		s.sleep(settle)
	}
	return s.measure(ctx)
}

func (s *Sequence) measure(ctx context.Context) (geometry.Point, error) {
	img, err := s.camera.GetImage(ctx)
	if err != nil {
		return geometry.Point{}, err
	}
	star, err := s.tracker.Locate(img)
	if err != nil {
		return geometry.Point{}, err
	}
	debug.Verbose("star at %v", star)
	return star, nil
}

// abandon drives back to the origin after a failed step. A failure to
// return is logged and joined to err.
func (s *Sequence) abandon(pos *geometry.Point, err error) error {
	if rerr := s.returnTo(pos); rerr != nil {
		debug.Error(fmt.Errorf("calibration scan could not return to origin: %w", rerr))
		return errors.Join(err, rerr)
	}
	return err
}

// returnTo drives back to the origin of the scan.
func (s *Sequence) returnTo(pos *geometry.Point) error {
	if *pos == (geometry.Point{}) {
		return nil
	}
	debug.Verbose("Returning to scan origin from %v", *pos)
	if err := s.motion.Move(pos.Neg()); err != nil {
		return err
	}
	*pos = geometry.Point{}
	return nil
}
