package guiding

import (
	"context"
	"errors"
	"time"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/hw/camera"
	"github.com/cjeanneret/GuideGo/internal/hw/guideport"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/motion"
	"github.com/cjeanneret/GuideGo/internal/logic/tracker"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
)

// LoopConfig tunes the control loop.
type LoopConfig struct {
	Interval  time.Duration // time between ticks and DrivingWorker cycle
	Gain      float64       // fraction of the correction applied
	MaxMisses int           // consecutive StarNotFound ticks tolerated
}

const (
	defaultGain      = 1.0
	defaultMaxMisses = 5
)

func (c LoopConfig) withDefaults() LoopConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Gain <= 0 {
		c.Gain = defaultGain
	}
	if c.MaxMisses <= 0 {
		c.MaxMisses = defaultMaxMisses
	}
	return c
}

// ControlLoop runs one guiding session: measure the star, turn the
// displacement into a correction and hand it to the DrivingWorker.
type ControlLoop struct {
	cfg     LoopConfig
	tracker tracker.Config
	cal     *calibration.Calibration
	camera  camera.ImageSource
	port    guideport.GuidePort
	now     func() time.Time

	// Tick is called with every tracking point, after the run recorded it.
	Tick func(tracking.Point)

	misses int
}

// NewControlLoop prepares a session guiding with cal. The loop owns port
// while Run executes.
func NewControlLoop(cfg LoopConfig, tc tracker.Config, cal *calibration.Calibration, cam camera.ImageSource, port guideport.GuidePort) *ControlLoop {
	return &ControlLoop{
		cfg:     cfg.withDefaults(),
		tracker: tc,
		cal:     cal,
		camera:  cam,
		port:    port,
		now:     time.Now,
	}
}

// Run guides until ctx is done or a fatal error occurs, appending a point
// to run on every successful tick. Cancellation is checked between ticks
// and is not an error.
func (l *ControlLoop) Run(ctx context.Context, run *tracking.Run) error {
	rate, err := l.cal.DefaultCorrection()
	if err != nil {
		return err
	}

	// a tick is never interrupted half way
	tickCtx := context.WithoutCancel(ctx)

	ref, err := l.camera.GetImage(tickCtx)
	if err != nil {
		return err
	}
	tr, err := tracker.New(l.tracker, ref)
	if err != nil {
		return err
	}
	debug.Info("Guiding with %s tracker, calibration %s", tr, l.cal)

	worker := motion.NewDrivingWorker(l.port, l.cfg.Interval)
	worker.SetDefaultRate(rate)

	err = l.loop(ctx, tickCtx, tr, worker, run)
	if err == nil {
		// back to plain drift compensation before letting go of the port
		if serr := worker.SetCorrection(0, 0); serr != nil && !errors.Is(serr, motion.ErrStopped) {
			err = serr
		}
	}
	worker.Stop()
	if err == nil {
		err = worker.Err()
	}
	return err
}

func (l *ControlLoop) loop(ctx, tickCtx context.Context, tr tracker.Tracker, worker *motion.DrivingWorker, run *tracking.Run) error {
	timer := time.NewTimer(l.cfg.Interval)
	defer timer.Stop()
	last := l.now()

	for {
		select {
		case <-ctx.Done():
			debug.Info("Guiding stopped after %d points", len(run.Points))
			return nil
		case <-worker.Done():
			if err := worker.Err(); err != nil {
				return err
			}
			return motion.ErrStopped
		case <-timer.C:
		}

		pt, ok, err := l.tick(tickCtx, tr, worker, &last)
		if err != nil {
			return err
		}
		if ok {
			run.Add(pt)
			if l.Tick != nil {
				l.Tick(pt)
			}
		}
		timer.Reset(l.cfg.Interval)
	}
}

// tick measures one frame. ok is false when the star was not found but
// the session can go on.
func (l *ControlLoop) tick(ctx context.Context, tr tracker.Tracker, worker *motion.DrivingWorker, last *time.Time) (tracking.Point, bool, error) {
	img, err := l.camera.GetImage(ctx)
	if err != nil {
		return tracking.Point{}, false, err
	}
	off, err := tr.Locate(img)
	if errors.Is(err, fault.ErrStarNotFound) {
		l.misses++
		debug.Warn("star not found (%d/%d): %v", l.misses, l.cfg.MaxMisses, err)
		if l.misses > l.cfg.MaxMisses {
			return tracking.Point{}, false, fault.Wrap(fault.TrackingLost, err,
				"%d consecutive frames without the guide star", l.misses)
		}
		return tracking.Point{}, false, nil
	}
	if err != nil {
		return tracking.Point{}, false, err
	}
	l.misses = 0

	now := l.now()
	dt := now.Sub(*last)
	if dt < l.cfg.Interval {
		dt = l.cfg.Interval
	}
	*last = now

	c, err := l.cal.Correction(off, dt.Seconds())
	if err != nil {
		return tracking.Point{}, false, err
	}
	pulse := c.Scale(l.cfg.Gain).Neg()
	if err := worker.SetCorrection(pulse.X, pulse.Y); err != nil {
		if werr := worker.Err(); werr != nil {
			return tracking.Point{}, false, werr
		}
		return tracking.Point{}, false, err
	}
	debug.Offset(off.X, off.Y, pulse.X, pulse.Y)

	return tracking.Point{
		When:       now,
		Offset:     off,
		Correction: pulse,
		Control:    l.cal.Type,
	}, true, nil
}
