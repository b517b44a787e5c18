package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/GuideGo/internal/config"
	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/hw/gpio"
	"github.com/cjeanneret/GuideGo/internal/hw/sim"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
	"github.com/cjeanneret/GuideGo/internal/logic/guiding"
	"github.com/cjeanneret/GuideGo/internal/logic/scan"
	"github.com/cjeanneret/GuideGo/internal/logic/tracker"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
	"github.com/cjeanneret/GuideGo/internal/web"
)

// Session modes for -mode.
const (
	modeNone      = ""
	modeCalibrate = "calibrate"
	modeGuide     = "guide"
	modeBoth      = "both"
)

// session is what the command line asks the guider to do.
type session struct {
	Mode          string
	CalibrationID int64
	Flip          bool
	Dark          bool
	Duration      time.Duration
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file (.yaml or .toml)")
	mode := flag.String("mode", modeNone, "session to run: calibrate, guide or both (default both, none with -web)")
	calibrationID := flag.Int64("calibration", 0, "reuse the stored calibration with this id instead of scanning")
	flip := flag.Bool("flip", false, "flip the reused calibration across the meridian")
	dark := flag.Bool("dark", false, "acquire a dark frame before the session")
	durationS := flag.Float64("duration", 0, "guide for this many seconds; 0 guides until interrupted")
	gain := flag.Float64("gain", 0, "override guiding gain (0-1]")
	intervalMs := flag.Int("interval_ms", 0, "override guiding interval in ms (>= 1000)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	if err := validateCLIOverrides(*gain, *intervalMs, *durationS); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides{Gain: *gain, IntervalMs: *intervalMs})

	sess := session{
		Mode:          *mode,
		CalibrationID: *calibrationID,
		Flip:          *flip,
		Dark:          *dark,
		Duration:      time.Duration(*durationS * float64(time.Second)),
	}
	if sess.Mode == modeNone && webPort.port() == 0 {
		sess.Mode = modeBoth
	}
	if err := sess.validate(); err != nil {
		log.Fatalf("invalid session: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	defer debug.Sync()
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing guide port and camera")
	var mount *sim.Mount
	if cfg.GuidePort.Type == "sim" || cfg.Camera.Type == "sim" {
		mount = newSimMount(cfg)
	}
	port, err := newGuidePortFromConfig(gpioDriver, cfg, mount)
	if err != nil {
		log.Fatalf("init guide port failed: %v", err)
	}
	debug.PrintStruct("Guide port config", cfg.GuidePort)
	cam, err := newCameraFromConfig(gpioDriver, cfg, mount)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	debug.PrintStruct("Camera config", cfg.Camera)

	debug.Step(3, "Opening store")
	calibrations, runs, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store failed: %v", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Printf("closing store failed: %v", err)
		}
	}()
	debug.Value("Store", cfg.Store.Path)

	debug.Step(4, "Configuring guider")
	guider := guiding.New(guiderConfig(cfg), port, cam, calibrations, runs)

	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		guider.AddObserver(web.NewEvents(broadcaster))
	}
	if err := guider.Configure(); err != nil {
		log.Fatalf("configure guider failed: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if broadcaster != nil {
		srv, err := web.NewServer(fmt.Sprintf(":%d", webPort.port()), broadcaster, guider)
		if err != nil {
			log.Fatalf("web server: %v", err)
		}
		g.Go(func() error { return srv.Run(gctx) })
	}
	if sess.Mode != modeNone {
		g.Go(func() error {
			err := runSession(gctx, guider, sess)
			if broadcaster == nil {
				cancel() // nothing left to serve
			}
			return err
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%v", err)
	}
}

// sessionGuider is the part of the guider a command line session uses.
type sessionGuider interface {
	AcquireDark(ctx context.Context) error
	Calibrate(ctx context.Context) (*calibration.Calibration, error)
	UseCalibration(ctx context.Context, id int64, flip bool) error
	Guide(ctx context.Context) (*tracking.Run, error)
}

// runSession performs the requested session on g.
func runSession(ctx context.Context, g sessionGuider, s session) error {
	if s.Dark {
		debug.Section("Dark Frame")
		if err := g.AcquireDark(ctx); err != nil {
			return fmt.Errorf("dark frame: %w", err)
		}
	}

	if s.Mode == modeCalibrate || s.Mode == modeBoth || s.CalibrationID > 0 {
		if s.CalibrationID > 0 {
			debug.Section("Reusing Calibration")
			if err := g.UseCalibration(ctx, s.CalibrationID, s.Flip); err != nil {
				return fmt.Errorf("calibration %d: %w", s.CalibrationID, err)
			}
		} else {
			debug.Section("Calibration Scan")
			cal, err := g.Calibrate(ctx)
			if err != nil {
				return fmt.Errorf("calibration: %w", err)
			}
			debug.Summary(fmt.Sprintf("Calibration %d complete", cal.ID))
		}
	}

	if s.Mode != modeGuide && s.Mode != modeBoth {
		return nil
	}
	if s.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Duration)
		defer cancel()
	}
	debug.Section("Guiding")
	run, err := g.Guide(ctx)
	if run != nil {
		st := run.Stats()
		debug.Summary(fmt.Sprintf("Run %d: %d points, rms %.2f px, max %.2f px", run.ID, st.Points, st.RMS, st.MaxAbs))
	}
	if err != nil {
		return fmt.Errorf("guiding: %w", err)
	}
	return nil
}

func (s session) validate() error {
	switch s.Mode {
	case modeNone, modeCalibrate, modeGuide, modeBoth:
	default:
		return fmt.Errorf("mode must be calibrate, guide or both, got %q", s.Mode)
	}
	if s.CalibrationID < 0 {
		return fmt.Errorf("calibration id must be positive, got %d", s.CalibrationID)
	}
	if s.Flip && s.CalibrationID == 0 {
		return fmt.Errorf("-flip needs -calibration")
	}
	if s.Mode == modeGuide && s.CalibrationID == 0 {
		return fmt.Errorf("mode guide needs -calibration; use both to scan first")
	}
	return nil
}

// overrides are command line replacements for configuration values.
type overrides struct {
	Gain       float64
	IntervalMs int
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(gain float64, intervalMs int, durationS float64) error {
	if gain != 0 {
		if math.IsNaN(gain) || math.IsInf(gain, 0) || gain <= 0 || gain > 1 {
			return fmt.Errorf("gain must be in (0, 1], got %g", gain)
		}
	}
	if intervalMs != 0 && intervalMs < 1000 {
		return fmt.Errorf("interval_ms must be at least 1000, got %d", intervalMs)
	}
	if math.IsNaN(durationS) || math.IsInf(durationS, 0) || durationS < 0 {
		return fmt.Errorf("duration must be a non-negative number of seconds, got %g", durationS)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.Gain > 0 {
		cfg.Guiding.Gain = o.Gain
	}
	if o.IntervalMs > 0 {
		cfg.Guiding.IntervalMs = o.IntervalMs
	}
}

// guiderConfig maps the file configuration onto the guider's.
func guiderConfig(cfg *config.Config) guiding.Config {
	return guiding.Config{
		Descriptor: calibration.Descriptor{
			Camera:    cfg.Camera.Name,
			CCD:       cfg.Camera.CCD,
			GuidePort: cfg.GuidePort.Name,
		},
		Tracker: tracker.Config{
			Type:         cfg.Tracker.Type,
			SearchRadius: cfg.Tracker.SearchRadius,
			Percentile:   cfg.Tracker.Percentile,
		},
		Scan: scan.Params{
			Grid:   cfg.Calibration.GridSeconds,
			Range:  cfg.Calibration.Range,
			Settle: cfg.Settle(),
		},
		PlateScale: geometry.PlateScale{
			FocalLength: cfg.FocalLength(),
			PixelSize:   cfg.PixelSize(),
		},
		GuideRate: cfg.Optics.GuideRate,
		Loop: guiding.LoopConfig{
			Interval:  cfg.Interval(),
			Gain:      cfg.Guiding.Gain,
			MaxMisses: cfg.Guiding.MaxMisses,
		},
		DarkFrames: cfg.Guiding.DarkFrames,
		FlatFrames: cfg.Guiding.FlatFrames,
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
