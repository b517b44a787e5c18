package guiding

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/scan"
	"github.com/cjeanneret/GuideGo/internal/logic/state"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
)

// starFrame renders a single gaussian star at (x, y) on a flat
// background.
func starFrame(x, y float64) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, 64, 64))
	for py := 0; py < 64; py++ {
		for px := 0; px < 64; px++ {
			dx, dy := float64(px)-x, float64(py)-y
			v := 1000 + 20000*math.Exp(-(dx*dx+dy*dy)/(2*1.5*1.5))
			img.SetGray16(px, py, color.Gray16{Y: uint16(v)})
		}
	}
	return img
}

// scriptCamera returns its frames in order, repeating the last one.
type scriptCamera struct {
	mu     sync.Mutex
	frames []image.Image
	calls  int
}

func (c *scriptCamera) GetImage(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.NoImage, err, "script")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	if i >= len(c.frames) {
		i = len(c.frames) - 1
	}
	c.calls++
	return c.frames[i], nil
}

// recordingPort records every activation.
type recordingPort struct {
	mu    sync.Mutex
	calls [][4]time.Duration
	fail  error
}

func (p *recordingPort) Activate(raPlus, raMinus, decPlus, decMinus time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.calls = append(p.calls, [4]time.Duration{raPlus, raMinus, decPlus, decMinus})
	return nil
}

func (p *recordingPort) total(line int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum time.Duration
	for _, c := range p.calls {
		sum += c[line]
	}
	return sum
}

func (p *recordingPort) last() [4]time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return [4]time.Duration{}
	}
	return p.calls[len(p.calls)-1]
}

// recorder collects observer events.
type recorder struct {
	mu          sync.Mutex
	transitions [][2]state.State
	progress    []scan.Progress
	completed   []*calibration.Calibration
	points      []tracking.Point
	errs        []error
}

func (r *recorder) StateChanged(from, to state.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]state.State{from, to})
}

func (r *recorder) ScanProgress(p scan.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) CalibrationComplete(c *calibration.Calibration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, c)
}

func (r *recorder) TrackingPoint(p tracking.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, p)
}

func (r *recorder) SessionError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) tracked() []tracking.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tracking.Point(nil), r.points...)
}
