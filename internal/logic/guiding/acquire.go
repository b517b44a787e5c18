package guiding

import (
	"context"
	"image"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/hw/camera"
	"github.com/cjeanneret/GuideGo/internal/logic/tracker"
)

// Shutter is implemented by cameras that can take dark frames on their
// own.
type Shutter interface {
	SetShutter(closed bool)
}

// darkSubtracted removes the dark frame from every image of src.
type darkSubtracted struct {
	src  camera.ImageSource
	dark *tracker.Luminance
}

func (d *darkSubtracted) GetImage(ctx context.Context) (image.Image, error) {
	img, err := d.src.GetImage(ctx)
	if err != nil {
		return nil, err
	}
	l, err := tracker.LuminanceOf(img).Subtract(d.dark)
	if err != nil {
		return nil, err
	}
	return l, nil
}

const defaultCalibrationFrames = 5

func (g *Guider) average(ctx context.Context, n int) (*tracker.Luminance, error) {
	if n <= 0 {
		n = defaultCalibrationFrames
	}
	frames := make([]*tracker.Luminance, 0, n)
	for i := 0; i < n; i++ {
		img, err := g.camera.GetImage(ctx)
		if err != nil {
			return nil, err
		}
		frames = append(frames, tracker.LuminanceOf(img))
		debug.Step(i+1, "frame acquired")
	}
	return tracker.Average(frames)
}

// AcquireDark averages DarkFrames exposures with the shutter closed. The
// result is subtracted from every later guide frame.
func (g *Guider) AcquireDark(ctx context.Context) error {
	if err := g.machine.StartDarkAcquire(); err != nil {
		return err
	}
	defer func() {
		if err := g.machine.EndDarkAcquire(); err != nil {
			debug.Error(err)
		}
	}()

	if s, ok := g.camera.(Shutter); ok {
		s.SetShutter(true)
		defer s.SetShutter(false)
	} else {
		debug.Warn("camera has no shutter, the telescope must be covered")
	}

	debug.Section("Dark acquisition")
	dark, err := g.average(ctx, g.cfg.DarkFrames)
	if err != nil {
		return g.fail(err)
	}
	g.mu.Lock()
	g.dark = dark
	g.mu.Unlock()
	debug.Info("Dark frame: %dx%d mean %.1f", dark.Size().X, dark.Size().Y, dark.Mean())
	return nil
}

// ClearDark stops subtracting the dark frame.
func (g *Guider) ClearDark() {
	g.mu.Lock()
	g.dark = nil
	g.mu.Unlock()
}

// Dark returns the current dark frame, or nil.
func (g *Guider) Dark() *tracker.Luminance {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dark
}

// AcquireFlat averages FlatFrames exposures of an evenly lit field.
func (g *Guider) AcquireFlat(ctx context.Context) error {
	if err := g.machine.StartFlatAcquire(); err != nil {
		return err
	}
	defer func() {
		if err := g.machine.EndFlatAcquire(); err != nil {
			debug.Error(err)
		}
	}()

	debug.Section("Flat acquisition")
	flat, err := g.average(ctx, g.cfg.FlatFrames)
	if err != nil {
		return g.fail(err)
	}
	if flat.Mean() <= 0 {
		return g.fail(fault.New(fault.NoImage, "flat frame is black"))
	}
	g.mu.Lock()
	g.flat = flat
	g.mu.Unlock()
	debug.Info("Flat frame: mean %.1f", flat.Mean())
	return nil
}

// Flat returns the current flat frame, or nil.
func (g *Guider) Flat() *tracker.Luminance {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flat
}

// Expose takes a single image, dark subtracted when a dark is available.
func (g *Guider) Expose(ctx context.Context) (image.Image, error) {
	if err := g.machine.StartImaging(); err != nil {
		return nil, err
	}
	defer func() {
		if err := g.machine.EndImaging(); err != nil {
			debug.Error(err)
		}
	}()
	img, err := g.source().GetImage(ctx)
	if err != nil {
		return nil, g.fail(err)
	}
	return img, nil
}
