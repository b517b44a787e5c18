package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
)

// RPiDriver drives the Raspberry Pi header through go-rpio's memory
// mapped registers.
type RPiDriver struct {
	mu     sync.Mutex
	pins   map[int]rpio.Pin
	closed bool
}

// NewRPiRealDriver maps the GPIO registers. It needs /dev/gpiomem or root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fault.Wrap(fault.HardwareIOFailure, err, "map GPIO registers (not a Raspberry Pi?)")
	}
	debug.Verbose("GPIO memory mapped")
	return &RPiDriver{pins: make(map[int]rpio.Pin)}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.pin(pin, mode)
	return err
}

// pin returns the configured line, setting it up in mode on first use.
// Must be called with r.mu held.
func (r *RPiDriver) pin(n int, mode PinMode) (rpio.Pin, error) {
	if r.closed {
		return 0, fault.New(fault.HardwareIOFailure, "gpio: pin %d: driver closed", n)
	}
	if p, ok := r.pins[n]; ok {
		return p, nil
	}
	if err := CheckPin(n); err != nil {
		return 0, err
	}
	debug.GPIO("SetupPin", n, mode)
	p := rpio.Pin(n)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return 0, fmt.Errorf("gpio: unknown pin mode %d", mode)
	}
	r.pins[n] = p
	return p, nil
}

// WritePin sets an output line; unknown pins become outputs.
func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.pin(pin, Output)
	if err != nil {
		return err
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.pin(pin, Input)
	if err != nil {
		return Low, err
	}
	return p.Read() == rpio.High, nil
}

// Close turns every line used back into an input, so no guide relay or
// shutter stays energised, then unmaps the registers.
func (r *RPiDriver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for n, p := range r.pins {
		debug.Trace("releasing pin %d", n)
		p.Input()
	}
	if err := rpio.Close(); err != nil {
		return fault.Wrap(fault.HardwareIOFailure, err, "unmap GPIO registers")
	}
	return nil
}
