package main

import (
	"context"
	"fmt"

	"github.com/cjeanneret/GuideGo/internal/config"
	"github.com/cjeanneret/GuideGo/internal/hw/camera"
	"github.com/cjeanneret/GuideGo/internal/hw/gpio"
	"github.com/cjeanneret/GuideGo/internal/hw/guideport"
	"github.com/cjeanneret/GuideGo/internal/hw/sim"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
	"github.com/cjeanneret/GuideGo/internal/logic/guiding"
	"github.com/cjeanneret/GuideGo/internal/store"
)

// newSimMount builds the simulated mount shared by the sim port and camera.
func newSimMount(cfg *config.Config) *sim.Mount {
	s := cfg.Sim
	if s == nil {
		s = &config.SimConfig{RA: config.Vec{X: 1}, Dec: config.Vec{Y: 1}}
	}
	return sim.NewMount(sim.MountConfig{
		RA:    geometry.Pt(s.RA.X, s.RA.Y),
		Dec:   geometry.Pt(s.Dec.X, s.Dec.Y),
		Drift: geometry.Pt(s.Drift.X, s.Drift.Y),
	}, sim.RealClock{})
}

// newGuidePortFromConfig selects a guide port implementation based on configuration.
func newGuidePortFromConfig(g gpio.Driver, cfg *config.Config, mount *sim.Mount) (guideport.GuidePort, error) {
	switch cfg.GuidePort.Type {
	case "gpio":
		return guideport.NewGPIO(g, guideport.Pins{
			RAPlus:   cfg.GuidePort.RAPlusPin,
			RAMinus:  cfg.GuidePort.RAMinusPin,
			DecPlus:  cfg.GuidePort.DecPlusPin,
			DecMinus: cfg.GuidePort.DecMinusPin,
		}, cfg.GuidePort.ActiveLow)
	case "sim":
		if mount == nil {
			return nil, fmt.Errorf("sim guide port needs a sim mount")
		}
		return mount, nil
	default:
		return nil, fmt.Errorf("unsupported guide port type: %s", cfg.GuidePort.Type)
	}
}

// newCameraFromConfig selects a camera implementation based on configuration.
func newCameraFromConfig(g gpio.Driver, cfg *config.Config, mount *sim.Mount) (camera.ImageSource, error) {
	switch cfg.Camera.Type {
	case "sim":
		if mount == nil {
			return nil, fmt.Errorf("sim camera needs a sim mount")
		}
		cc := sim.CameraConfig{Exposure: cfg.SimExposure()}
		if s := cfg.Sim; s != nil {
			cc.Width, cc.Height = s.Width, s.Height
			cc.Background, cc.Noise = s.Background, s.Noise
		}
		return sim.NewCamera(cc, mount), nil
	case "directory":
		return camera.NewDirectory(cfg.Camera.Directory)
	case "nikon_d90_gpio":
		shooter, err := camera.NewNikonD90GPIO(
			g,
			cfg.Camera.FocusPin,
			cfg.Camera.ShutterPin,
			cfg.FocusDelay(),
			cfg.ShutterDelay(),
		)
		if err != nil {
			return nil, err
		}
		return camera.NewTriggered(shooter, cfg.Camera.Directory, cfg.FrameTimeout()), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// openStore opens the SQLite database at the configured path, or keeps
// records in memory when no path is set.
func openStore(ctx context.Context, cfg *config.Config) (guiding.CalibrationStore, guiding.TrackingStore, func() error, error) {
	if cfg.Store.Path == "" {
		return store.NewMemoryCalibrations(), store.NewMemoryRuns(), func() error { return nil }, nil
	}
	db, err := store.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	return db.Calibrations(), db.Runs(), db.Close, nil
}
