package main

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/GuideGo/internal/config"
	"github.com/cjeanneret/GuideGo/internal/hw/gpio"
	"github.com/cjeanneret/GuideGo/internal/hw/guideport"
	"github.com/cjeanneret/GuideGo/internal/hw/sim"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
	"github.com/cjeanneret/GuideGo/internal/store"
)

// ---------- validateCLIOverrides ----------

func TestValidateCLIOverrides_AllZero(t *testing.T) {
	if err := validateCLIOverrides(0, 0, 0); err != nil {
		t.Errorf("all zeros should be valid (use config defaults), got: %v", err)
	}
}

func TestValidateCLIOverrides_Valid(t *testing.T) {
	cases := []struct {
		name     string
		gain     float64
		interval int
		duration float64
	}{
		{"small_gain", 0.001, 0, 0},
		{"full_gain", 1, 0, 0},
		{"min_interval", 0, 1000, 0},
		{"long_interval", 0, 10000, 0},
		{"duration", 0, 0, 3600},
		{"all", 0.7, 2000, 60},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.gain, tc.interval, tc.duration); err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
		})
	}
}

func TestValidateCLIOverrides_Invalid(t *testing.T) {
	nan := math.NaN()
	inf := math.Inf(1)
	cases := []struct {
		name     string
		gain     float64
		interval int
		duration float64
	}{
		{"gain_too_large", 1.5, 0, 0},
		{"gain_negative", -0.1, 0, 0},
		{"gain_NaN", nan, 0, 0},
		{"gain_+Inf", inf, 0, 0},
		{"interval_too_short", 0, 999, 0},
		{"interval_negative", 0, -5, 0},
		{"duration_negative", 0, 0, -1},
		{"duration_NaN", 0, 0, nan},
		{"duration_+Inf", 0, 0, inf},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := validateCLIOverrides(tc.gain, tc.interval, tc.duration); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	for _, input := range []string{"0", "65536", "-1", "abc", "8080.5"} {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- applyOverrides / guiderConfig ----------

func newTestConfig() *config.Config {
	return &config.Config{
		GuidePort: config.GuidePortConfig{Type: "sim", Name: "st4"},
		Camera:    config.CameraConfig{Type: "sim", Name: "guidecam", CCD: 1},
		Optics:    config.OpticsConfig{FocalLengthMm: 400, PixelSizeUm: 5.2, GuideRate: 0.5},
		Calibration: config.CalibrationConfig{
			Range: 1, SettleMs: 250,
		},
		Tracker: config.TrackerConfig{Type: "centroid", SearchRadius: 20, Percentile: 90},
		Guiding: config.GuidingConfig{IntervalMs: 2000, Gain: 0.8, MaxMisses: 3, DarkFrames: 4, FlatFrames: 6},
		Sim: &config.SimConfig{
			RA: config.Vec{X: 1}, Dec: config.Vec{Y: 1},
			Width: 64, Height: 64, Background: 1000, Noise: 10,
		},
		Defaults: config.DefaultsConfig{MockGPIO: true},
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := newTestConfig()
	applyOverrides(cfg, overrides{})
	if cfg.Guiding.Gain != 0.8 || cfg.Guiding.IntervalMs != 2000 {
		t.Errorf("zero overrides changed config: %+v", cfg.Guiding)
	}

	applyOverrides(cfg, overrides{Gain: 0.5})
	if cfg.Guiding.Gain != 0.5 || cfg.Guiding.IntervalMs != 2000 {
		t.Errorf("partial override: %+v", cfg.Guiding)
	}

	applyOverrides(cfg, overrides{IntervalMs: 3000})
	if cfg.Guiding.IntervalMs != 3000 || cfg.Guiding.Gain != 0.5 {
		t.Errorf("interval override: %+v", cfg.Guiding)
	}
}

func TestGuiderConfig(t *testing.T) {
	gc := guiderConfig(newTestConfig())

	want := calibration.Descriptor{Camera: "guidecam", CCD: 1, GuidePort: "st4"}
	if gc.Descriptor != want {
		t.Errorf("descriptor = %v, want %v", gc.Descriptor, want)
	}
	if gc.Loop.Interval != 2*time.Second || gc.Loop.Gain != 0.8 || gc.Loop.MaxMisses != 3 {
		t.Errorf("loop = %+v", gc.Loop)
	}
	if gc.Scan.Settle != 250*time.Millisecond || gc.Scan.Range != 1 || gc.Scan.Grid != 0 {
		t.Errorf("scan = %+v", gc.Scan)
	}
	if math.Abs(gc.PlateScale.FocalLength-0.4) > 1e-12 || math.Abs(gc.PlateScale.PixelSize-5.2e-6) > 1e-15 {
		t.Errorf("plate scale = %+v", gc.PlateScale)
	}
	if gc.Tracker.SearchRadius != 20 || gc.DarkFrames != 4 || gc.FlatFrames != 6 {
		t.Errorf("tracker/frames = %+v %d %d", gc.Tracker, gc.DarkFrames, gc.FlatFrames)
	}
}

// ---------- session ----------

func TestSessionValidate(t *testing.T) {
	cases := []struct {
		name string
		s    session
		ok   bool
	}{
		{"none", session{}, true},
		{"both", session{Mode: modeBoth}, true},
		{"calibrate", session{Mode: modeCalibrate}, true},
		{"guide_stored", session{Mode: modeGuide, CalibrationID: 2}, true},
		{"guide_flipped", session{Mode: modeGuide, CalibrationID: 2, Flip: true}, true},
		{"unknown_mode", session{Mode: "image"}, false},
		{"guide_unc", session{Mode: modeGuide}, false},
		{"negative_id", session{Mode: modeBoth, CalibrationID: -1}, false},
		{"flip_without_id", session{Mode: modeBoth, Flip: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.s.validate(); (err == nil) != tc.ok {
				t.Errorf("validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

type fakeSession struct {
	calls    []string
	usedID   int64
	flipped  bool
	deadline bool
	err      error
}

func (f *fakeSession) AcquireDark(context.Context) error {
	f.calls = append(f.calls, "dark")
	return f.err
}

func (f *fakeSession) Calibrate(context.Context) (*calibration.Calibration, error) {
	f.calls = append(f.calls, "calibrate")
	if f.err != nil {
		return nil, f.err
	}
	return calibration.FromCoefficients([6]float64{1, 0, 0, 0, 1, 0}), nil
}

func (f *fakeSession) UseCalibration(_ context.Context, id int64, flip bool) error {
	f.calls = append(f.calls, "use")
	f.usedID, f.flipped = id, flip
	return f.err
}

func (f *fakeSession) Guide(ctx context.Context) (*tracking.Run, error) {
	f.calls = append(f.calls, "guide")
	_, f.deadline = ctx.Deadline()
	return tracking.NewRun("s", calibration.Descriptor{}, 1, time.Now()), nil
}

func TestRunSession(t *testing.T) {
	cases := []struct {
		name string
		s    session
		want []string
	}{
		{"both", session{Mode: modeBoth}, []string{"calibrate", "guide"}},
		{"calibrate", session{Mode: modeCalibrate}, []string{"calibrate"}},
		{"guide_stored", session{Mode: modeGuide, CalibrationID: 4, Flip: true}, []string{"use", "guide"}},
		{"dark_first", session{Mode: modeBoth, Dark: true}, []string{"dark", "calibrate", "guide"}},
		{"reuse_only", session{Mode: modeCalibrate, CalibrationID: 4}, []string{"use"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeSession{}
			if err := runSession(context.Background(), f, tc.s); err != nil {
				t.Fatalf("runSession: %v", err)
			}
			if len(f.calls) != len(tc.want) {
				t.Fatalf("calls = %v, want %v", f.calls, tc.want)
			}
			for i := range tc.want {
				if f.calls[i] != tc.want[i] {
					t.Errorf("calls = %v, want %v", f.calls, tc.want)
					break
				}
			}
			if tc.s.CalibrationID > 0 && (f.usedID != tc.s.CalibrationID || f.flipped != tc.s.Flip) {
				t.Errorf("used calibration %d flip=%v", f.usedID, f.flipped)
			}
		})
	}
}

func TestRunSession_Duration(t *testing.T) {
	f := &fakeSession{}
	if err := runSession(context.Background(), f, session{Mode: modeBoth}); err != nil {
		t.Fatal(err)
	}
	if f.deadline {
		t.Error("no deadline expected without a duration")
	}
	f = &fakeSession{}
	if err := runSession(context.Background(), f, session{Mode: modeBoth, Duration: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if !f.deadline {
		t.Error("duration should bound the guiding context")
	}
}

func TestRunSession_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeSession{err: boom}
	err := runSession(context.Background(), f, session{Mode: modeBoth})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(f.calls) != 1 {
		t.Errorf("guiding should not start after a failed calibration: %v", f.calls)
	}
}

// ---------- devices ----------

func TestDevices_Sim(t *testing.T) {
	cfg := newTestConfig()
	drv, _ := gpio.NewDriver(true)
	mount := newSimMount(cfg)

	port, err := newGuidePortFromConfig(drv, cfg, mount)
	if err != nil {
		t.Fatal(err)
	}
	if port != guideport.GuidePort(mount) {
		t.Error("sim port should be the shared mount")
	}
	cam, err := newCameraFromConfig(drv, cfg, mount)
	if err != nil {
		t.Fatal(err)
	}
	img, err := cam.GetImage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Errorf("frame size %v, want 64x64", b)
	}
	if _, ok := cam.(*sim.Camera); !ok {
		t.Errorf("camera = %T, want *sim.Camera", cam)
	}
}

func TestDevices_GPIO(t *testing.T) {
	cfg := newTestConfig()
	cfg.GuidePort = config.GuidePortConfig{Type: "gpio", RAPlusPin: 5, RAMinusPin: 6, DecPlusPin: 13, DecMinusPin: 19}
	cfg.Camera = config.CameraConfig{Type: "nikon_d90_gpio", FocusPin: 23, ShutterPin: 24, Directory: t.TempDir()}
	drv, _ := gpio.NewDriver(true)

	port, err := newGuidePortFromConfig(drv, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := port.(*guideport.GPIO); !ok {
		t.Errorf("port = %T, want *guideport.GPIO", port)
	}
	if _, err := newCameraFromConfig(drv, cfg, nil); err != nil {
		t.Fatal(err)
	}
}

func TestDevices_Unsupported(t *testing.T) {
	cfg := newTestConfig()
	drv, _ := gpio.NewDriver(true)

	cfg.GuidePort.Type = "lx200"
	if _, err := newGuidePortFromConfig(drv, cfg, nil); err == nil {
		t.Error("expected error for unsupported guide port")
	}
	cfg.Camera.Type = "webcam"
	if _, err := newCameraFromConfig(drv, cfg, nil); err == nil {
		t.Error("expected error for unsupported camera")
	}
	cfg.Camera.Type = "sim"
	if _, err := newCameraFromConfig(drv, cfg, nil); err == nil {
		t.Error("sim camera without a mount should fail")
	}
}

// ---------- store ----------

func TestOpenStore(t *testing.T) {
	cfg := newTestConfig()

	cals, runs, closeFn, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cals.(*store.MemoryCalibrations); !ok {
		t.Errorf("empty path should keep calibrations in memory, got %T", cals)
	}
	if _, ok := runs.(*store.MemoryRuns); !ok {
		t.Errorf("empty path should keep runs in memory, got %T", runs)
	}
	if err := closeFn(); err != nil {
		t.Error(err)
	}

	cfg.Store.Path = filepath.Join(t.TempDir(), "data", "guide.db")
	cals, _, closeFn, err = openStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := cals.(*store.SQLiteCalibrations); !ok {
		t.Errorf("path should open sqlite, got %T", cals)
	}
}
