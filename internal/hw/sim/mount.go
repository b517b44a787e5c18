package sim

import (
	"sync"
	"time"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// MountConfig describes how the simulated star responds to the guide
// lines.
type MountConfig struct {
	RA    geometry.Point // star motion per second of RA+ pulse, px
	Dec   geometry.Point // star motion per second of DEC+ pulse, px
	Drift geometry.Point // uncorrected star motion, px/s
}

// Mount is a guideport.GuidePort that integrates pulses into a star
// displacement.
type Mount struct {
	mu     sync.Mutex
	cfg    MountConfig
	clock  Clock
	start  time.Time
	total  [4]time.Duration // completed pulse time per line
	since  [4]time.Time     // start of the running pulse
	length [4]time.Duration // length of the running pulse
	calls  int
}

// NewMount creates a mount whose drift starts now.
func NewMount(cfg MountConfig, clock Clock) *Mount {
	if clock == nil {
		clock = RealClock{}
	}
	now := clock.Now()
	m := &Mount{cfg: cfg, clock: clock, start: now}
	for i := range m.since {
		m.since[i] = now
	}
	return m
}

// Activate implements guideport.GuidePort.
func (m *Mount) Activate(raPlus, raMinus, decPlus, decMinus time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for i, d := range [4]time.Duration{raPlus, raMinus, decPlus, decMinus} {
		m.total[i] += m.elapsed(i, now)
		m.since[i] = now
		m.length[i] = d
	}
	m.calls++
	debug.Trace("sim mount: activate %v %v %v %v", raPlus, raMinus, decPlus, decMinus)
	return nil
}

// elapsed is the part of the running pulse on line i completed at now.
func (m *Mount) elapsed(i int, now time.Time) time.Duration {
	e := now.Sub(m.since[i])
	if e > m.length[i] {
		e = m.length[i]
	}
	if e < 0 {
		e = 0
	}
	return e
}

// Pulse returns the net pulse vector applied so far, in seconds.
func (m *Mount) Pulse() geometry.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulse(m.clock.Now())
}

func (m *Mount) pulse(now time.Time) geometry.Point {
	var p [4]float64
	for i := range p {
		p[i] = (m.total[i] + m.elapsed(i, now)).Seconds()
	}
	return geometry.Point{X: p[0] - p[1], Y: p[2] - p[3]}
}

// Offset returns the current star displacement in pixels.
func (m *Mount) Offset() geometry.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	p := m.pulse(now)
	t := now.Sub(m.start).Seconds()
	return m.cfg.RA.Scale(p.X).Add(m.cfg.Dec.Scale(p.Y)).Add(m.cfg.Drift.Scale(t))
}

// Activations returns the number of Activate calls.
func (m *Mount) Activations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Coefficients returns the calibration a perfect fit should find,
// [RA.x, Dec.x, drift.x; RA.y, Dec.y, drift.y].
func (c MountConfig) Coefficients() [6]float64 {
	return [6]float64{c.RA.X, c.Dec.X, c.Drift.X, c.RA.Y, c.Dec.Y, c.Drift.Y}
}
