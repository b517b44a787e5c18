package tracker

import (
	"image"
	"image/color"
	"math"
	"math/rand"
)

type star struct {
	x, y  float64
	flux  float64 // peak above background
	sigma float64
}

// starField renders gaussian stars on a flat background with uniform
// noise of the given amplitude.
func starField(r image.Rectangle, bg, noise float64, seed int64, stars ...star) *image.Gray16 {
	img := image.NewGray16(r)
	rng := rand.New(rand.NewSource(seed))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			v := bg
			if noise > 0 {
				v += noise * rng.Float64()
			}
			for _, s := range stars {
				dx, dy := float64(x)-s.x, float64(y)-s.y
				v += s.flux * math.Exp(-(dx*dx+dy*dy)/(2*s.sigma*s.sigma))
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Min(v, math.MaxUint16))})
		}
	}
	return img
}

// crowdedField returns a large noisy field with a dozen stars, from which
// shifted frames are cut.
func crowdedField() *image.Gray16 {
	rng := rand.New(rand.NewSource(42))
	var stars []star
	for i := 0; i < 14; i++ {
		stars = append(stars, star{
			x:     8 + 112*rng.Float64(),
			y:     8 + 112*rng.Float64(),
			flux:  5000 + 25000*rng.Float64(),
			sigma: 1.2 + 0.8*rng.Float64(),
		})
	}
	return starField(image.Rect(0, 0, 128, 128), 1000, 300, 7, stars...)
}

// cut returns the 64x64 frame whose content appears moved by (dx, dy)
// relative to the frame cut at the field centre.
func cut(field *image.Gray16, dx, dy int) *image.Gray16 {
	r := image.Rect(32-dx, 32-dy, 96-dx, 96-dy)
	src := field.SubImage(r).(*image.Gray16)
	// copy to a zero-origin frame, like a camera readout
	dst := image.NewGray16(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			dst.SetGray16(x, y, src.Gray16At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return dst
}
