// Package guiding composes the tracker, the calibration, the driving
// worker and the state machine into calibration and guiding sessions.
package guiding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/hw/camera"
	"github.com/cjeanneret/GuideGo/internal/hw/guideport"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
	"github.com/cjeanneret/GuideGo/internal/logic/motion"
	"github.com/cjeanneret/GuideGo/internal/logic/scan"
	"github.com/cjeanneret/GuideGo/internal/logic/state"
	"github.com/cjeanneret/GuideGo/internal/logic/tracker"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
)

// Config describes one guider: which devices it drives and how.
type Config struct {
	Descriptor calibration.Descriptor
	Tracker    tracker.Config
	Scan       scan.Params // a zero Grid is derived from the plate scale
	PlateScale geometry.PlateScale
	GuideRate  float64 // fraction of sidereal speed
	Loop       LoopConfig
	DarkFrames int
	FlatFrames int
}

// Guider owns the state machine, the current calibration, the stores and
// the observers of one camera and guide port pair.
type Guider struct {
	cfg          Config
	port         guideport.GuidePort
	camera       camera.ImageSource
	calibrations CalibrationStore
	runs         TrackingStore
	machine      *state.Machine
	observers    observers

	now   func() time.Time
	sleep func(time.Duration)

	mu   sync.Mutex
	cal  *calibration.Calibration
	dark *tracker.Luminance
	flat *tracker.Luminance
}

// New builds an unconfigured guider. Call Configure once observers are
// registered.
func New(cfg Config, port guideport.GuidePort, cam camera.ImageSource, calibrations CalibrationStore, runs TrackingStore) *Guider {
	if cfg.GuideRate <= 0 {
		cfg.GuideRate = geometry.DefaultGuideRate
	}
	g := &Guider{
		cfg:          cfg,
		port:         port,
		camera:       cam,
		calibrations: calibrations,
		runs:         runs,
		machine:      state.New(),
		now:          time.Now,
		sleep:        time.Sleep,
	}
	g.machine.OnTransition(func(from, to state.State) {
		g.observers.each("StateChanged", func(o Observer) { o.StateChanged(from, to) })
	})
	return g
}

// WithClock replaces the time source and the sleep used between scan
// moves.
func (g *Guider) WithClock(now func() time.Time, sleep func(time.Duration)) *Guider {
	g.now = now
	g.sleep = sleep
	return g
}

// AddObserver registers o for every following event.
func (g *Guider) AddObserver(o Observer) {
	g.observers.add(o)
}

// Configure checks the devices and makes the guider idle.
func (g *Guider) Configure() error {
	if g.port == nil || g.camera == nil {
		return fmt.Errorf("guider %s: guide port and camera are required", g.cfg.Descriptor)
	}
	if err := g.machine.Configure(); err != nil {
		return err
	}
	debug.Info("Guider %s configured", g.cfg.Descriptor)
	return nil
}

// State returns the current state.
func (g *Guider) State() state.State {
	return g.machine.Current()
}

// Descriptor identifies the guider.
func (g *Guider) Descriptor() calibration.Descriptor {
	return g.cfg.Descriptor
}

// Calibration returns a copy of the calibration in use, or nil.
func (g *Guider) Calibration() *calibration.Calibration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cal == nil {
		return nil
	}
	return g.cal.Clone()
}

// Calibrations lists the stored calibrations of this guider.
func (g *Guider) Calibrations(ctx context.Context) ([]*calibration.Calibration, error) {
	ids, err := g.calibrations.FindByDescriptor(ctx, g.cfg.Descriptor)
	if err != nil {
		return nil, err
	}
	out := make([]*calibration.Calibration, 0, len(ids))
	for _, id := range ids {
		c, err := g.calibrations.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// History returns the points of a stored run.
func (g *Guider) History(ctx context.Context, runID int64) ([]tracking.Point, error) {
	return g.runs.History(ctx, runID)
}

func (g *Guider) fail(err error) error {
	debug.Error(err)
	g.observers.each("SessionError", func(o Observer) { o.SessionError(err) })
	return err
}

func (g *Guider) source() camera.ImageSource {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dark == nil {
		return g.camera
	}
	return &darkSubtracted{src: g.camera, dark: g.dark}
}

// gridConstant is the scan grid, in pulse seconds. Without a configured
// grid it comes from the optics, which must then be known.
func (g *Guider) gridConstant() (float64, error) {
	if g.cfg.Scan.Grid > 0 {
		return g.cfg.Scan.Grid, nil
	}
	grid, err := geometry.GridConstant(g.cfg.PlateScale.FocalLength, g.cfg.PlateScale.PixelSize, g.cfg.GuideRate)
	if err != nil {
		return 0, err
	}
	if grid <= 0 {
		return 0, fault.New(fault.DegenerateCalibration, "no scan grid: set a grid or the focal length and pixel size")
	}
	return grid, nil
}

// Calibrate runs a calibration scan. On success the new calibration is
// stored, becomes current and the guider is calibrated; any failure
// leaves it idle.
func (g *Guider) Calibrate(ctx context.Context) (*calibration.Calibration, error) {
	if err := g.machine.StartCalibrating(); err != nil {
		return nil, err
	}
	cal, err := g.calibrate(ctx)
	if err != nil {
		g.mu.Lock()
		g.cal = nil
		g.mu.Unlock()
		if ferr := g.machine.FailCalibration(); ferr != nil {
			debug.Error(ferr)
		}
		return nil, g.fail(err)
	}
	if err := g.install(cal); err != nil {
		return nil, g.fail(err)
	}
	return cal.Clone(), nil
}

func (g *Guider) calibrate(ctx context.Context) (*calibration.Calibration, error) {
	grid, err := g.gridConstant()
	if err != nil {
		return nil, err
	}
	src := g.source()
	ref, err := src.GetImage(ctx)
	if err != nil {
		return nil, err
	}
	tr, err := tracker.New(g.cfg.Tracker, ref)
	if err != nil {
		return nil, err
	}

	cal := calibration.New(g.cfg.Descriptor)
	cal.When = g.now()
	cal.FocalLength = g.cfg.PlateScale.FocalLength
	cal.PixelSize = g.cfg.PlateScale.PixelSize
	cal.GuideRate = g.cfg.GuideRate

	params := g.cfg.Scan
	params.Grid = grid
	seq := scan.NewSequence(motion.NewController(g.port).WithSleep(g.sleep), src, tr).
		WithClock(g.now, g.sleep)
	err = seq.Run(ctx, cal, params, scan.Callbacks{
		Progress: func(p scan.Progress) {
			g.observers.each("ScanProgress", func(o Observer) { o.ScanProgress(p) })
		},
	})
	if err != nil {
		return nil, err
	}

	id, err := g.calibrations.Add(context.WithoutCancel(ctx), cal)
	if err != nil {
		// the calibration is still usable for this session
		debug.Warn("calibration not stored: %v", err)
	}
	cal.ID = id
	return cal, nil
}

// install makes cal current and the guider calibrated.
func (g *Guider) install(cal *calibration.Calibration) error {
	if err := g.machine.AddCalibration(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cal = cal
	g.mu.Unlock()
	debug.Info("Calibration %d in use: %s", cal.ID, cal)
	g.observers.each("CalibrationComplete", func(o Observer) { o.CalibrationComplete(cal.Clone()) })
	return nil
}

// UseCalibration makes a stored calibration current, flipped for the
// other side of the meridian if flip is set.
func (g *Guider) UseCalibration(ctx context.Context, id int64, flip bool) error {
	cal, err := g.calibrations.Get(ctx, id)
	if err != nil {
		return err
	}
	if !cal.Complete {
		return fault.New(fault.DegenerateCalibration, "calibration %d is incomplete", id)
	}
	if flip {
		cal = cal.Flip()
	}
	if _, err := cal.DefaultCorrection(); err != nil {
		return err
	}
	return g.install(cal)
}

// Guide runs a guiding session with the current calibration until ctx is
// done or the session fails. The guider is back to calibrated when Guide
// returns, and the returned run is closed.
func (g *Guider) Guide(ctx context.Context) (*tracking.Run, error) {
	g.mu.Lock()
	cal := g.cal
	g.mu.Unlock()
	if cal == nil {
		return nil, fault.New(fault.Uncalibrated, "no calibration in use")
	}
	if _, err := cal.DefaultCorrection(); err != nil {
		return nil, err
	}
	if err := g.machine.StartGuiding(); err != nil {
		return nil, err
	}

	storeCtx := context.WithoutCancel(ctx)
	run := tracking.NewRun(uuid.NewString(), g.cfg.Descriptor, cal.ID, g.now())
	id, err := g.runs.Add(storeCtx, run)
	if err != nil {
		debug.Warn("tracking run not stored: %v", err)
	}
	run.ID = id
	debug.Summary(fmt.Sprintf("Guiding session %s (run %d)", run.Session, run.ID))

	loop := NewControlLoop(g.cfg.Loop, g.cfg.Tracker, cal, g.source(), g.port)
	loop.now = g.now
	loop.Tick = func(p tracking.Point) {
		if run.ID != 0 {
			if err := g.runs.AppendPoint(storeCtx, run.ID, p); err != nil {
				debug.Warn("tracking point not stored: %v", err)
			}
		}
		g.observers.each("TrackingPoint", func(o Observer) { o.TrackingPoint(p) })
	}

	err = loop.Run(ctx, run)
	if serr := g.machine.StopGuiding(); serr != nil {
		debug.Error(serr)
	}
	run.Ended = g.now()
	if run.ID != 0 {
		if serr := g.runs.End(storeCtx, run.ID, run.Ended); serr != nil {
			debug.Warn("tracking run end not stored: %v", serr)
		}
	}
	stats := run.Stats()
	debug.Info("Guiding session %s ended: %d points, rms %.2f px", run.Session, stats.Points, stats.RMS)
	if err != nil {
		return run, g.fail(err)
	}
	return run, nil
}
