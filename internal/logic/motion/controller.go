package motion

import (
	"time"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/hw/guideport"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// Controller moves the mount by whole guide pulses, one axis after the
// other. It is used by the calibration scan while no DrivingWorker owns
// the guide port.
type Controller struct {
	port  guideport.GuidePort
	sleep func(time.Duration)
}

func NewController(port guideport.GuidePort) *Controller {
	return &Controller{
		port:  port,
		sleep: time.Sleep,
	}
}

// WithSleep replaces the function used to wait for pulses to complete.
// Tests and the simulator use it to run without real time passing.
func (c *Controller) WithSleep(sleep func(time.Duration)) *Controller {
	c.sleep = sleep
	return c
}

// MoveRA pulses RA+ for positive seconds, RA- for negative ones, and
// waits until the pulse is over.
func (c *Controller) MoveRA(seconds float64) error {
	d := guideport.Seconds(seconds)
	if seconds < 0 {
		d = guideport.Seconds(-seconds)
		debug.Verbose("Move RA- %.2fs", -seconds)
		if err := c.port.Activate(0, d, 0, 0); err != nil {
			return err
		}
	} else {
		debug.Verbose("Move RA+ %.2fs", seconds)
		if err := c.port.Activate(d, 0, 0, 0); err != nil {
			return err
		}
	}
	c.sleep(d)
	return nil
}

// MoveDec pulses DEC+ for positive seconds, DEC- for negative ones, and
// waits until the pulse is over.
func (c *Controller) MoveDec(seconds float64) error {
	d := guideport.Seconds(seconds)
	if seconds < 0 {
		d = guideport.Seconds(-seconds)
		debug.Verbose("Move DEC- %.2fs", -seconds)
		if err := c.port.Activate(0, 0, 0, d); err != nil {
			return err
		}
	} else {
		debug.Verbose("Move DEC+ %.2fs", seconds)
		if err := c.port.Activate(0, 0, d, 0); err != nil {
			return err
		}
	}
	c.sleep(d)
	return nil
}

// Move performs a relative move by the pulse vector (RA, DEC) in
// seconds, RA first.
func (c *Controller) Move(offset geometry.Point) error {
	if err := c.MoveRA(offset.X); err != nil {
		return err
	}
	return c.MoveDec(offset.Y)
}

// Stop switches every guide line off.
func (c *Controller) Stop() error {
	return c.port.Activate(0, 0, 0, 0)
}
