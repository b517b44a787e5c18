package tracker

import (
	"fmt"
	"image"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/cjeanneret/GuideGo/internal/fault"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// Centroid tracks the intensity weighted centre of the light inside a
// search rectangle. Coordinates are absolute, so frames read from a
// subframe of the detector compare correctly with full frames.
type Centroid struct {
	Reference  geometry.Point
	Search     image.Rectangle // empty means the whole frame
	Percentile float64         // background level, 0-100
}

func (c *Centroid) sealed() {}

func (c *Centroid) String() string {
	return fmt.Sprintf("centroid(ref=%v, search=%v, bg=p%.0f)", c.Reference, c.Search, c.Percentile)
}

// Locate returns the centroid of the frame minus the reference point.
func (c *Centroid) Locate(frame image.Image) (geometry.Point, error) {
	p, err := centroid(LuminanceOf(frame), c.Search, c.Percentile)
	if err != nil {
		return geometry.Point{}, err
	}
	return p.Sub(c.Reference), nil
}

// centroid computes the absolute centroid of what exceeds the background
// percentile inside search.
func centroid(l *Luminance, search image.Rectangle, percentile float64) (geometry.Point, error) {
	r := l.Rect
	if !search.Empty() {
		r = search.Intersect(l.Rect)
	}
	if r.Empty() {
		return geometry.Point{}, fault.New(fault.StarNotFound, "search area %v outside frame %v", search, l.Rect)
	}

	values := make([]float64, 0, r.Dx()*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			values = append(values, l.Value(x, y))
		}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	bg := stat.Quantile(clampPercentile(percentile)/100, stat.Empirical, sorted, nil)

	var sum, sx, sy float64
	i := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			w := values[i] - bg
			i++
			if w <= 0 {
				continue
			}
			sum += w
			sx += w * float64(x)
			sy += w * float64(y)
		}
	}
	if sum <= 0 {
		return geometry.Point{}, fault.New(fault.StarNotFound,
			"nothing above background %.1f in %v", bg, r)
	}
	return geometry.Point{X: sx / sum, Y: sy / sum}, nil
}

func clampPercentile(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// findStarRadius is the half size of the box used to refine the
// brightest pixel into a centroid.
const findStarRadius = 5

// FindStar returns the absolute position of the brightest star inside
// search: the brightest pixel, refined by a centroid around it.
func FindStar(frame image.Image, search image.Rectangle, percentile float64) (geometry.Point, error) {
	l := LuminanceOf(frame)
	r := search.Intersect(l.Rect)
	if r.Empty() {
		return geometry.Point{}, fault.New(fault.StarNotFound, "search area %v outside frame %v", search, l.Rect)
	}
	best := r.Min
	bestV := l.Value(best.X, best.Y)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if v := l.Value(x, y); v > bestV {
				best, bestV = image.Pt(x, y), v
			}
		}
	}
	box := image.Rect(best.X-findStarRadius, best.Y-findStarRadius,
		best.X+findStarRadius+1, best.Y+findStarRadius+1)
	// background from the whole search area, centroid from the box
	sorted := make([]float64, 0, r.Dx()*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sorted = append(sorted, l.Value(x, y))
		}
	}
	sort.Float64s(sorted)
	bg := stat.Quantile(clampPercentile(percentile)/100, stat.Empirical, sorted, nil)
	if bestV <= bg {
		return geometry.Point{}, fault.New(fault.StarNotFound, "flat frame, peak %.1f", bestV)
	}

	box = box.Intersect(l.Rect)
	var sum, sx, sy float64
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			w := l.Value(x, y) - bg
			if w <= 0 {
				continue
			}
			sum += w
			sx += w * float64(x)
			sy += w * float64(y)
		}
	}
	return geometry.Point{X: sx / sum, Y: sy / sum}, nil
}
