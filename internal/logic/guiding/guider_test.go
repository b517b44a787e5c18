package guiding

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/hw/sim"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
	"github.com/cjeanneret/GuideGo/internal/logic/scan"
	"github.com/cjeanneret/GuideGo/internal/logic/state"
	"github.com/cjeanneret/GuideGo/internal/logic/tracker"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
	"github.com/cjeanneret/GuideGo/internal/store"
)

var (
	descriptor = calibration.Descriptor{Camera: "sim", CCD: 0, GuidePort: "sim"}
	mountCfg   = sim.MountConfig{
		RA:    geometry.Pt(1.0, 0.2),
		Dec:   geometry.Pt(-0.2, 0.8),
		Drift: geometry.Pt(0.02, -0.01),
	}
	singleStar = []sim.Star{{Position: geometry.Pt(32.3, 31.6), Flux: 30000, Sigma: 1.6}}
)

type fixture struct {
	guider *Guider
	mount  *sim.Mount
	camera *sim.Camera
	cals   *store.MemoryCalibrations
	runs   *store.MemoryRuns
	rec    *recorder
}

func newFixture(t *testing.T, clock sim.Clock, cfg Config) *fixture {
	t.Helper()
	mount := sim.NewMount(mountCfg, clock)
	cam := sim.NewCamera(sim.CameraConfig{Background: 1000, Noise: 40, Stars: singleStar, Seed: 11}, mount)
	f := &fixture{
		mount:  mount,
		camera: cam,
		cals:   store.NewMemoryCalibrations(),
		runs:   store.NewMemoryRuns(),
		rec:    &recorder{},
	}
	cfg.Descriptor = descriptor
	f.guider = New(cfg, mount, cam, f.cals, f.runs)
	f.guider.AddObserver(f.rec)
	require.NoError(t, f.guider.Configure())
	return f
}

func scanConfig() Config {
	return Config{
		Tracker: tracker.Config{Type: tracker.KindCentroid},
		Scan:    scan.Params{Grid: 5, Range: 1, Settle: 500 * time.Millisecond},
	}
}

func TestGuider_Calibrate(t *testing.T) {
	clock := sim.NewManualClock(time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC))
	f := newFixture(t, clock, scanConfig())
	f.guider.WithClock(clock.Now, clock.Sleep)

	cal, err := f.guider.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.Calibrated, f.guider.State())
	assert.True(t, cal.Complete)
	assert.Equal(t, int64(1), cal.ID)

	want := mountCfg.Coefficients()
	for _, i := range []int{0, 1, 3, 4} {
		assert.InDelta(t, want[i], cal.A[i], 0.02, "a[%d]", i)
	}

	stored, err := f.cals.Get(context.Background(), cal.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(cal, stored); diff != "" {
		t.Errorf("stored calibration differs (-returned +stored):\n%s", diff)
	}

	assert.Equal(t, [][2]state.State{
		{state.Unconfigured, state.Idle},
		{state.Idle, state.Calibrating},
		{state.Calibrating, state.Calibrated},
	}, f.rec.transitions)
	require.Len(t, f.rec.completed, 1)
	assert.Equal(t, cal.A, f.rec.completed[0].A)
	require.NotEmpty(t, f.rec.progress)
	assert.Equal(t, 1.0, f.rec.progress[len(f.rec.progress)-1].Fraction)

	list, err := f.guider.Calibrations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, cal.ID, list[0].ID)
}

func TestGuider_CalibrateFromPlateScale(t *testing.T) {
	clock := sim.NewManualClock(time.Unix(0, 0))
	cfg := scanConfig()
	cfg.Scan.Grid = 0
	// 1.2"/px at 0.5x sidereal gives an 8 s grid; the sim mount moves
	// 1 px/s so the search box must hold 16 px
	cfg.PlateScale = geometry.PlateScale{FocalLength: 0.859437, PixelSize: 5e-6}
	cfg.Tracker.SearchRadius = 24
	f := newFixture(t, clock, cfg)
	f.guider.WithClock(clock.Now, clock.Sleep)

	cal, err := f.guider.Calibrate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 8, cal.Interval, 1e-9)
	assert.InDelta(t, 0.5, cal.GuideRate, 1e-12)
	assert.InDelta(t, 0.859437, cal.FocalLength, 1e-12)
}

func TestGuider_CalibrateWithoutGrid(t *testing.T) {
	clock := sim.NewManualClock(time.Unix(0, 0))
	cfg := scanConfig()
	cfg.Scan.Grid = 0
	f := newFixture(t, clock, cfg)
	f.guider.WithClock(clock.Now, clock.Sleep)

	_, err := f.guider.Calibrate(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.DegenerateCalibration, fault.KindOf(err))
	assert.Zero(t, f.mount.Activations(), "no scan without a grid")
	assert.Equal(t, state.Idle, f.guider.State())
}

func TestGuider_CalibrateFailureLeavesIdle(t *testing.T) {
	clock := sim.NewManualClock(time.Unix(0, 0))
	f := newFixture(t, clock, scanConfig())
	f.guider.WithClock(clock.Now, clock.Sleep)
	f.camera.FailWith(errors.New("cable"))

	_, err := f.guider.Calibrate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrNoImage)
	assert.Equal(t, state.Idle, f.guider.State())
	assert.Nil(t, f.guider.Calibration())
	require.Len(t, f.rec.errs, 1)

	ids, err := f.cals.FindByDescriptor(context.Background(), descriptor)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGuider_CalibrateRequiresConfigure(t *testing.T) {
	g := New(scanConfig(), &recordingPort{}, &scriptCamera{}, store.NewMemoryCalibrations(), store.NewMemoryRuns())
	_, err := g.Calibrate(context.Background())
	assert.ErrorIs(t, err, fault.ErrBadStateTransition)
	assert.Equal(t, state.Unconfigured, g.State())
}

func TestGuider_ConfigureNeedsDevices(t *testing.T) {
	g := New(Config{}, nil, nil, store.NewMemoryCalibrations(), store.NewMemoryRuns())
	assert.Error(t, g.Configure())
	assert.Equal(t, state.Unconfigured, g.State())
}

func storedCalibration(t *testing.T, cals *store.MemoryCalibrations, a [6]float64) int64 {
	t.Helper()
	c := calibration.FromCoefficients(a)
	c.Descriptor = descriptor
	c.Complete = true
	id, err := cals.Add(context.Background(), c)
	require.NoError(t, err)
	return id
}

func TestGuider_UseCalibration(t *testing.T) {
	f := newFixture(t, sim.RealClock{}, scanConfig())
	id := storedCalibration(t, f.cals, mountCfg.Coefficients())

	require.NoError(t, f.guider.UseCalibration(context.Background(), id, false))
	assert.Equal(t, state.Calibrated, f.guider.State())
	assert.Equal(t, mountCfg.Coefficients(), f.guider.Calibration().A)

	require.NoError(t, f.guider.UseCalibration(context.Background(), id, true))
	cur := f.guider.Calibration()
	assert.True(t, cur.Flipped)
	assert.Equal(t, -mountCfg.RA.X, cur.A[0])
	assert.Equal(t, mountCfg.Dec.X, cur.A[1])

	_, err := f.guider.Calibrations(context.Background())
	require.NoError(t, err)
}

func TestGuider_UseCalibrationRejectsUnusable(t *testing.T) {
	f := newFixture(t, sim.RealClock{}, scanConfig())

	parallel := storedCalibration(t, f.cals, [6]float64{1, 0, 0, 1, 0, 0})
	err := f.guider.UseCalibration(context.Background(), parallel, false)
	assert.ErrorIs(t, err, fault.ErrUncalibrated)

	incomplete := calibration.FromCoefficients(mountCfg.Coefficients())
	id, err := f.cals.Add(context.Background(), incomplete)
	require.NoError(t, err)
	err = f.guider.UseCalibration(context.Background(), id, false)
	assert.ErrorIs(t, err, fault.ErrDegenerateCalibration)

	err = f.guider.UseCalibration(context.Background(), 99, false)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, state.Idle, f.guider.State())
}

func TestGuider_GuideWithoutCalibration(t *testing.T) {
	f := newFixture(t, sim.RealClock{}, scanConfig())
	_, err := f.guider.Guide(context.Background())
	assert.ErrorIs(t, err, fault.ErrUncalibrated)
	assert.Equal(t, state.Idle, f.guider.State())
}

func TestGuider_GuideSession(t *testing.T) {
	cfg := scanConfig()
	cfg.Loop = LoopConfig{Interval: 20 * time.Millisecond}
	f := newFixture(t, sim.RealClock{}, cfg)
	id := storedCalibration(t, f.cals, mountCfg.Coefficients())
	require.NoError(t, f.guider.UseCalibration(context.Background(), id, false))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	run, err := f.guider.Guide(ctx)
	require.NoError(t, err)

	assert.Equal(t, state.Calibrated, f.guider.State())
	assert.NotEmpty(t, run.Session)
	assert.Equal(t, id, run.CalibrationID)
	assert.False(t, run.Open())
	require.GreaterOrEqual(t, len(run.Points), 3)
	assert.Greater(t, f.mount.Activations(), 0)

	history, err := f.guider.History(context.Background(), run.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(run.Points, history); diff != "" {
		t.Errorf("stored history differs (-run +stored):\n%s", diff)
	}
	if diff := cmp.Diff(run.Points, f.rec.tracked()); diff != "" {
		t.Errorf("observed points differ (-run +observed):\n%s", diff)
	}
	for _, p := range run.Points {
		assert.Less(t, p.Offset.Abs(), 2.0, "the star stays close to its reference")
	}

	stored, err := f.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, stored.Open())

	tr := f.rec.transitions
	assert.Equal(t, [2]state.State{state.Guiding, state.Calibrated}, tr[len(tr)-1])
}

func TestGuider_GuideNoImageStopsGuiding(t *testing.T) {
	cfg := scanConfig()
	cfg.Loop = LoopConfig{Interval: 10 * time.Millisecond}
	f := newFixture(t, sim.RealClock{}, cfg)
	id := storedCalibration(t, f.cals, mountCfg.Coefficients())
	require.NoError(t, f.guider.UseCalibration(context.Background(), id, false))

	f.guider.AddObserver(&failAfter{camera: f.camera, n: 2})
	seen := &stateAtError{guider: f.guider}
	f.guider.AddObserver(seen)

	run, err := f.guider.Guide(context.Background())
	require.Error(t, err)
	assert.Equal(t, []state.State{state.Calibrated}, seen.states, "guiding has stopped when the error is published")
	assert.ErrorIs(t, err, fault.ErrNoImage)
	assert.True(t, fault.Fatal(err))
	assert.Equal(t, state.Calibrated, f.guider.State())
	assert.Len(t, run.Points, 2)
	assert.False(t, run.Open())
	require.NotEmpty(t, f.rec.errs)
}

// failAfter breaks the camera once n tracking points were seen.
type failAfter struct {
	NopObserver
	camera *sim.Camera
	n      int
}

func (f *failAfter) TrackingPoint(tracking.Point) {
	f.n--
	if f.n == 0 {
		f.camera.FailWith(errors.New("camera disconnected"))
	}
}

// stateAtError records the guider state when a session error arrives.
type stateAtError struct {
	NopObserver
	guider *Guider
	states []state.State
}

func (s *stateAtError) SessionError(error) {
	s.states = append(s.states, s.guider.State())
}

func TestGuider_ObserverPanicIsContained(t *testing.T) {
	g := New(scanConfig(), &recordingPort{}, &scriptCamera{frames: []image.Image{starFrame(32, 32)}},
		store.NewMemoryCalibrations(), store.NewMemoryRuns())
	g.AddObserver(panicky{})
	rec := &recorder{}
	g.AddObserver(rec)

	require.NoError(t, g.Configure())
	assert.Equal(t, [][2]state.State{{state.Unconfigured, state.Idle}}, rec.transitions)
}

type panicky struct{ NopObserver }

func (panicky) StateChanged(from, to state.State) { panic("observer bug") }

func TestGuider_DarkAcquisition(t *testing.T) {
	f := newFixture(t, sim.RealClock{}, Config{DarkFrames: 3})
	id := storedCalibration(t, f.cals, mountCfg.Coefficients())
	require.NoError(t, f.guider.UseCalibration(context.Background(), id, false))

	require.NoError(t, f.guider.AcquireDark(context.Background()))
	assert.Equal(t, state.Calibrated, f.guider.State(), "acquire restores the previous state")
	dark := f.guider.Dark()
	require.NotNil(t, dark)
	assert.InDelta(t, 1020, dark.Mean(), 5)

	img, err := f.guider.Expose(context.Background())
	require.NoError(t, err)
	l := tracker.LuminanceOf(img)
	assert.Less(t, l.Mean(), 200.0, "dark subtracted exposure")
	assert.Equal(t, state.Calibrated, f.guider.State())

	star, err := tracker.FindStar(img, img.Bounds(), 90)
	require.NoError(t, err)
	assert.InDelta(t, 32.3, star.X, 0.2)
	assert.InDelta(t, 31.6, star.Y, 0.2)

	f.guider.ClearDark()
	assert.Nil(t, f.guider.Dark())
}

func TestGuider_FlatAcquisition(t *testing.T) {
	f := newFixture(t, sim.RealClock{}, Config{FlatFrames: 2})
	require.NoError(t, f.guider.AcquireFlat(context.Background()))
	assert.Equal(t, state.Idle, f.guider.State())
	require.NotNil(t, f.guider.Flat())
	assert.Greater(t, f.guider.Flat().Mean(), 1000.0)

	assert.Contains(t, f.rec.transitions, [2]state.State{state.Idle, state.FlatAcquire})
	assert.Contains(t, f.rec.transitions, [2]state.State{state.FlatAcquire, state.Idle})
}

func TestGuider_AcquireRefusedWhileUnconfigured(t *testing.T) {
	g := New(Config{}, &recordingPort{}, &scriptCamera{}, store.NewMemoryCalibrations(), store.NewMemoryRuns())
	assert.ErrorIs(t, g.AcquireDark(context.Background()), fault.ErrBadStateTransition)
	_, err := g.Expose(context.Background())
	assert.ErrorIs(t, err, fault.ErrBadStateTransition)
}
