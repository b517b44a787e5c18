package guideport

import (
	"sync"
	"time"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/hw/gpio"
)

// Pins maps the guide lines to GPIO (BCM) numbers.
type Pins struct {
	RAPlus   int
	RAMinus  int
	DecPlus  int
	DecMinus int
}

// GPIO is a GuidePort wired to GPIO outputs, typically through
// optocouplers to the mount's autoguider socket. Each line is switched
// on by Activate and off by its own timer.
type GPIO struct {
	mu        sync.Mutex
	drv       gpio.Driver
	pins      [numLines]int
	activeLow bool
	on        [numLines]bool
	timers    [numLines]*time.Timer
	gen       [numLines]uint64
	closed    bool
}

// NewGPIO configures the four pins as outputs and switches them off.
// With activeLow set, a line is active when its pin is LOW, as with the
// camera remote lines.
func NewGPIO(drv gpio.Driver, pins Pins, activeLow bool) (*GPIO, error) {
	g := &GPIO{
		drv:       drv,
		pins:      [numLines]int{pins.RAPlus, pins.RAMinus, pins.DecPlus, pins.DecMinus},
		activeLow: activeLow,
	}
	for l, pin := range g.pins {
		if err := drv.SetupPin(pin, gpio.Output); err != nil {
			return nil, fault.Wrap(fault.HardwareIOFailure, err, "setup %s pin %d", Line(l), pin)
		}
		if err := drv.WritePin(pin, g.level(false)); err != nil {
			return nil, fault.Wrap(fault.HardwareIOFailure, err, "reset %s pin %d", Line(l), pin)
		}
	}
	debug.Verbose("Guide port: RA+=%d RA-=%d DEC+=%d DEC-=%d activeLow=%v",
		pins.RAPlus, pins.RAMinus, pins.DecPlus, pins.DecMinus, activeLow)
	return g, nil
}

func (g *GPIO) level(active bool) gpio.Level {
	return gpio.Level(active != g.activeLow)
}

// set must be called with g.mu held.
func (g *GPIO) set(l Line, active bool) error {
	if g.on[l] == active {
		return nil
	}
	if err := g.drv.WritePin(g.pins[l], g.level(active)); err != nil {
		return fault.Wrap(fault.HardwareIOFailure, err, "%s pin %d", l, g.pins[l])
	}
	g.on[l] = active
	return nil
}

// Activate switches on every line with a positive duration and arms a
// timer to switch it off again. Lines with zero duration are switched
// off immediately.
func (g *GPIO) Activate(raPlus, raMinus, decPlus, decMinus time.Duration) error {
	debug.Pulse(raPlus.Seconds(), raMinus.Seconds(), decPlus.Seconds(), decMinus.Seconds())

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fault.New(fault.HardwareIOFailure, "guide port closed")
	}
	for l, d := range [numLines]time.Duration{raPlus, raMinus, decPlus, decMinus} {
		line := Line(l)
		if g.timers[line] != nil {
			g.timers[line].Stop()
			g.timers[line] = nil
		}
		g.gen[line]++
		if d <= 0 {
			if err := g.set(line, false); err != nil {
				return err
			}
			continue
		}
		if err := g.set(line, true); err != nil {
			return err
		}
		gen := g.gen[line]
		g.timers[line] = time.AfterFunc(d, func() { g.release(line, gen) })
	}
	return nil
}

// release switches a line off unless it was re-armed since.
func (g *GPIO) release(l Line, gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.gen[l] != gen {
		return
	}
	g.timers[l] = nil
	if err := g.set(l, false); err != nil {
		debug.Error(err)
	}
}

// Active reports whether a line is currently switched on.
func (g *GPIO) Active(l Line) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.on[l]
}

// Close switches all lines off. Further activations fail.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	var first error
	for l := range g.pins {
		if g.timers[l] != nil {
			g.timers[l].Stop()
			g.timers[l] = nil
		}
		if err := g.set(Line(l), false); err != nil && first == nil {
			first = err
		}
	}
	g.closed = true
	return first
}
