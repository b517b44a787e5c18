package tracker

import (
	"image"
	"image/color"
	"math"

	"github.com/cjeanneret/GuideGo/internal/fault"
)

// Luminance is a single channel frame with float pixels. Rect keeps the
// bounds of the source image so subframe origins survive conversion.
// It implements image.Image so corrected frames can be handed back to
// anything that takes an image.
type Luminance struct {
	Rect image.Rectangle
	Pix  []float64 // row-major, Rect.Dx() per row
}

// NewLuminance allocates a black frame.
func NewLuminance(r image.Rectangle) *Luminance {
	return &Luminance{Rect: r, Pix: make([]float64, r.Dx()*r.Dy())}
}

// LuminanceOf converts any image to luminance in 16-bit units.
func LuminanceOf(img image.Image) *Luminance {
	if l, ok := img.(*Luminance); ok {
		return l
	}
	r := img.Bounds()
	l := NewLuminance(r)
	w := r.Dx()
	switch src := img.(type) {
	case *image.Gray16:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				l.Pix[(y-r.Min.Y)*w+x-r.Min.X] = float64(src.Gray16At(x, y).Y)
			}
		}
	case *image.Gray:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				l.Pix[(y-r.Min.Y)*w+x-r.Min.X] = float64(src.GrayAt(x, y).Y) * 257
			}
		}
	default:
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				cr, cg, cb, _ := img.At(x, y).RGBA()
				l.Pix[(y-r.Min.Y)*w+x-r.Min.X] = 0.299*float64(cr) + 0.587*float64(cg) + 0.114*float64(cb)
			}
		}
	}
	return l
}

func (l *Luminance) ColorModel() color.Model { return color.Gray16Model }

func (l *Luminance) Bounds() image.Rectangle { return l.Rect }

func (l *Luminance) At(x, y int) color.Color {
	v := l.Value(x, y)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(v))))}
}

// Value returns the pixel at absolute coordinates, 0 outside the frame.
func (l *Luminance) Value(x, y int) float64 {
	if !(image.Point{X: x, Y: y}.In(l.Rect)) {
		return 0
	}
	return l.Pix[(y-l.Rect.Min.Y)*l.Rect.Dx()+x-l.Rect.Min.X]
}

// Size returns the frame dimensions.
func (l *Luminance) Size() image.Point {
	return l.Rect.Size()
}

// Mean returns the average pixel value.
func (l *Luminance) Mean() float64 {
	if len(l.Pix) == 0 {
		return 0
	}
	var s float64
	for _, v := range l.Pix {
		s += v
	}
	return s / float64(len(l.Pix))
}

// Subtract returns l - dark, clamped at zero. Both frames must have the
// same size; the result keeps the bounds of l.
func (l *Luminance) Subtract(dark *Luminance) (*Luminance, error) {
	if l.Size() != dark.Size() {
		return nil, fault.New(fault.SizeMismatch, "frame %v, dark %v", l.Size(), dark.Size())
	}
	out := NewLuminance(l.Rect)
	for i, v := range l.Pix {
		out.Pix[i] = math.Max(0, v-dark.Pix[i])
	}
	return out, nil
}

// Average combines frames of equal size pixel by pixel, as used to build
// dark and flat frames.
func Average(frames []*Luminance) (*Luminance, error) {
	if len(frames) == 0 {
		return nil, fault.New(fault.NoImage, "no frames to average")
	}
	out := NewLuminance(frames[0].Rect)
	for _, f := range frames {
		if f.Size() != out.Size() {
			return nil, fault.New(fault.SizeMismatch, "frame %v, expected %v", f.Size(), out.Size())
		}
		for i, v := range f.Pix {
			out.Pix[i] += v
		}
	}
	n := float64(len(frames))
	for i := range out.Pix {
		out.Pix[i] /= n
	}
	return out, nil
}
