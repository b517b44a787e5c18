package sim

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// Star is a point source of the simulated field.
type Star struct {
	Position geometry.Point // at zero displacement, px
	Flux     float64        // peak above background, ADU
	Sigma    float64        // gaussian width, px
}

// CameraConfig describes the simulated guide camera.
type CameraConfig struct {
	Width, Height int
	Background    float64
	Noise         float64 // uniform noise amplitude, ADU
	Stars         []Star
	Exposure      time.Duration // real time spent in GetImage
	Seed          int64
}

// DefaultField is a small field with one bright guide star and two
// fainter ones.
func DefaultField(width, height int) []Star {
	cx, cy := float64(width)/2, float64(height)/2
	return []Star{
		{Position: geometry.Pt(cx+0.3, cy-0.4), Flux: 30000, Sigma: 1.6},
		{Position: geometry.Pt(cx-0.3*float64(width)/2, cy+0.25*float64(height)/2), Flux: 6000, Sigma: 1.3},
		{Position: geometry.Pt(cx+0.4*float64(width)/2, cy+0.5*float64(height)/2), Flux: 4000, Sigma: 1.2},
	}
}

// Camera renders the field displaced by the mount's current offset.
type Camera struct {
	mu    sync.Mutex
	cfg   CameraConfig
	mount *Mount
	rng   *rand.Rand
	dark  bool
	fail  error
}

// NewCamera observes the field through mount.
func NewCamera(cfg CameraConfig, mount *Mount) *Camera {
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 64
	}
	if cfg.Stars == nil {
		cfg.Stars = DefaultField(cfg.Width, cfg.Height)
	}
	return &Camera{cfg: cfg, mount: mount, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// SetShutter closes (dark frames) or opens the simulated shutter.
func (c *Camera) SetShutter(closed bool) {
	c.mu.Lock()
	c.dark = closed
	c.mu.Unlock()
}

// FailWith makes every following GetImage fail with err; nil heals.
func (c *Camera) FailWith(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

// GetImage implements camera.ImageSource.
func (c *Camera) GetImage(ctx context.Context) (image.Image, error) {
	if c.cfg.Exposure > 0 {
		t := time.NewTimer(c.cfg.Exposure)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.NoImage, ctx.Err(), "exposure")
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.NoImage, err, "exposure")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, fault.Wrap(fault.NoImage, c.fail, "simulated camera")
	}
	var off geometry.Point
	if c.mount != nil {
		off = c.mount.Offset()
	}
	return c.render(off), nil
}

// render must be called with c.mu held.
func (c *Camera) render(off geometry.Point) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, c.cfg.Width, c.cfg.Height))
	for y := 0; y < c.cfg.Height; y++ {
		for x := 0; x < c.cfg.Width; x++ {
			v := c.cfg.Background
			if c.cfg.Noise > 0 {
				v += c.cfg.Noise * c.rng.Float64()
			}
			if !c.dark {
				for _, s := range c.cfg.Stars {
					dx := float64(x) - s.Position.X - off.X
					dy := float64(y) - s.Position.Y - off.Y
					if dx*dx+dy*dy > 100*s.Sigma*s.Sigma {
						continue
					}
					v += s.Flux * math.Exp(-(dx*dx+dy*dy)/(2*s.Sigma*s.Sigma))
				}
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Max(0, math.Min(v, math.MaxUint16)))})
		}
	}
	return img
}
