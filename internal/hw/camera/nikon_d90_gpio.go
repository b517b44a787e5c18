package camera

import (
	"context"
	"time"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/hw/gpio"
)

// NikonD90GPIO is a Shooter for a Nikon D90 (or any camera with the same
// 3-pin remote connector):
// - GND: connected to Raspberry Pi ground
// - FOCUS: half press (active LOW)
// - SHUTTER: full press (active LOW)
//
// In bulb mode the shutter delay is the exposure time.
type NikonD90GPIO struct {
	gpio         gpio.Driver
	focusPin     int
	shutterPin   int
	focusDelay   time.Duration // time for autofocus / mirror settle
	shutterDelay time.Duration // shutter hold time
}

// NewNikonD90GPIO configures both lines as outputs and releases them.
func NewNikonD90GPIO(g gpio.Driver, focusPin, shutterPin int, focusDelay, shutterDelay time.Duration) (*NikonD90GPIO, error) {
	for _, pin := range []int{focusPin, shutterPin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fault.Wrap(fault.HardwareIOFailure, err, "camera remote pin %d", pin)
		}
		// lines are HIGH when inactive
		if err := g.WritePin(pin, gpio.High); err != nil {
			return nil, fault.Wrap(fault.HardwareIOFailure, err, "camera remote pin %d", pin)
		}
	}
	return &NikonD90GPIO{
		gpio:         g,
		focusPin:     focusPin,
		shutterPin:   shutterPin,
		focusDelay:   focusDelay,
		shutterDelay: shutterDelay,
	}, nil
}

// Shoot presses FOCUS, then SHUTTER, holds, and releases both. The lines
// are always released, also when ctx ends during a delay.
func (n *NikonD90GPIO) Shoot(ctx context.Context) (err error) {
	debug.Verbose("Camera: triggering shot (focus=%d, shutter=%d)", n.focusPin, n.shutterPin)

	defer func() {
		// release SHUTTER then FOCUS
		for _, pin := range []int{n.shutterPin, n.focusPin} {
			if werr := n.gpio.WritePin(pin, gpio.High); werr != nil && err == nil {
				err = fault.Wrap(fault.HardwareIOFailure, werr, "release pin %d", pin)
			}
		}
	}()

	if err := n.gpio.WritePin(n.focusPin, gpio.Low); err != nil {
		return fault.Wrap(fault.HardwareIOFailure, err, "focus pin %d", n.focusPin)
	}
	if err := sleep(ctx, n.focusDelay); err != nil {
		return err
	}
	if err := n.gpio.WritePin(n.shutterPin, gpio.Low); err != nil {
		return fault.Wrap(fault.HardwareIOFailure, err, "shutter pin %d", n.shutterPin)
	}
	if err := sleep(ctx, n.shutterDelay); err != nil {
		return err
	}
	debug.Verbose("Camera: shot triggered")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
