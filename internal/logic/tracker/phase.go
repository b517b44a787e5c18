package tracker

import (
	"fmt"
	"image"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// refineRadius is the half size of the box around the correlation peak
// used for sub-pixel refinement (5x5).
const refineRadius = 2

// refineFloor drops correlation values below this fraction of the peak
// from the refinement centroid.
const refineFloor = 0.1

// PhaseCorrelation estimates the translation between the reference frame
// and a new frame from the phase of their cross-power spectrum. It works
// on extended objects and crowded fields where a single centroid does not.
type PhaseCorrelation struct {
	mu   sync.Mutex
	size image.Point
	win  []float64    // separable Hann window, row-major
	ref  []complex128 // spectrum of the windowed reference

	rowFFT *fourier.CmplxFFT
	colFFT *fourier.CmplxFFT
	col    []complex128
	buf    []complex128
}

// NewPhaseCorrelation prepares the transform of reference.
func NewPhaseCorrelation(reference image.Image) *PhaseCorrelation {
	l := LuminanceOf(reference)
	size := l.Size()
	if size.X < 2 || size.Y < 2 {
		return &PhaseCorrelation{size: size}
	}
	p := &PhaseCorrelation{
		size:   size,
		win:    hann2D(size.X, size.Y),
		rowFFT: fourier.NewCmplxFFT(size.X),
		colFFT: fourier.NewCmplxFFT(size.Y),
		col:    make([]complex128, size.Y),
		buf:    make([]complex128, size.X*size.Y),
	}
	p.ref = make([]complex128, size.X*size.Y)
	p.load(p.ref, l)
	p.forward(p.ref)
	return p
}

func (p *PhaseCorrelation) sealed() {}

func (p *PhaseCorrelation) String() string {
	return fmt.Sprintf("phase(%dx%d)", p.size.X, p.size.Y)
}

// Locate returns the shift of frame relative to the reference, positive
// when the content moved right and down.
func (p *PhaseCorrelation) Locate(frame image.Image) (geometry.Point, error) {
	l := LuminanceOf(frame)
	if l.Size() != p.size {
		return geometry.Point{}, fault.New(fault.SizeMismatch,
			"frame %v, reference %v", l.Size(), p.size)
	}
	if p.ref == nil {
		return geometry.Point{}, fault.New(fault.NoImage, "frame %v too small to correlate", p.size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cps := p.buf
	p.load(cps, l)
	p.forward(cps)

	// normalized cross-power spectrum conj(R)·F / |conj(R)·F|
	for i, f := range cps {
		c := cmplx.Conj(p.ref[i]) * f
		if m := cmplx.Abs(c); m > 1e-12 {
			cps[i] = c / complex(m, 0)
		} else {
			cps[i] = 0
		}
	}
	p.inverse(cps)

	w, h := p.size.X, p.size.Y
	peak, peakV := 0, math.Inf(-1)
	for i, v := range cps {
		if r := real(v); r > peakV {
			peak, peakV = i, r
		}
	}
	px, py := peak%w, peak/w

	// 5x5 centroid around the peak, wrapping at the edges
	var sum, sx, sy float64
	for dy := -refineRadius; dy <= refineRadius; dy++ {
		for dx := -refineRadius; dx <= refineRadius; dx++ {
			x := (px + dx + w) % w
			y := (py + dy + h) % h
			v := real(cps[y*w+x])
			if v < refineFloor*peakV {
				continue
			}
			sum += v
			sx += v * float64(dx)
			sy += v * float64(dy)
		}
	}
	shift := geometry.Point{X: float64(px), Y: float64(py)}
	if sum > 0 {
		shift = shift.Add(geometry.Point{X: sx / sum, Y: sy / sum})
	}

	// shifts past half the frame are negative shifts aliased to the far edge
	if shift.X > float64(w)/2 {
		shift.X -= float64(w)
	}
	if shift.Y > float64(h)/2 {
		shift.Y -= float64(h)
	}
	return shift, nil
}

// load copies the mean-free, windowed frame into dst.
func (p *PhaseCorrelation) load(dst []complex128, l *Luminance) {
	mean := l.Mean()
	for i, v := range l.Pix {
		dst[i] = complex((v-mean)*p.win[i], 0)
	}
}

func (p *PhaseCorrelation) forward(data []complex128) {
	p.transform(data, p.rowFFT.Coefficients, p.colFFT.Coefficients)
}

// inverse transforms back and normalizes by the number of samples.
func (p *PhaseCorrelation) inverse(data []complex128) {
	p.transform(data, p.rowFFT.Sequence, p.colFFT.Sequence)
	n := complex(float64(len(data)), 0)
	for i := range data {
		data[i] /= n
	}
}

// transform applies a 1D transform to every row, then every column.
func (p *PhaseCorrelation) transform(data []complex128, rows, cols func(dst, src []complex128) []complex128) {
	w, h := p.size.X, p.size.Y
	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		rows(row, row)
	}
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			p.col[y] = data[y*w+x]
		}
		cols(p.col, p.col)
		for y := 0; y < h; y++ {
			data[y*w+x] = p.col[y]
		}
	}
}

// hann2D builds the outer product of two Hann windows.
func hann2D(w, h int) []float64 {
	ones := func(n int) []float64 {
		s := make([]float64, n)
		for i := range s {
			s[i] = 1
		}
		return s
	}
	wx := window.Hann(ones(w))
	wy := window.Hann(ones(h))
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out[y*w+x] = wx[x] * wy[y]
		}
	}
	return out
}
