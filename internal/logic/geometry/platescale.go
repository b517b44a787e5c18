package geometry

import (
	"fmt"
	"math"

	"github.com/cjeanneret/GuideGo/internal/debug"
)

const (
	arcsecPerRadian = 180 * 3600 / math.Pi

	// SiderealArcsecPerSecond is the apparent sky motion at the celestial equator.
	SiderealArcsecPerSecond = 15.0

	// DefaultGuideRate is the fraction of the sidereal rate applied by
	// an active guide line when the mount does not report one.
	DefaultGuideRate = 0.5
)

// Grid constant limits in seconds, and the minimum displacement a
// calibration move must produce.
const (
	minGridSeconds    = 5.0
	maxGridSeconds    = 15.0
	limitGridSeconds  = 60.0
	minGridPixels     = 30.0
	minGridArcseconds = 60.0
)

// PlateScale converts between detector pixels and sky angles for a
// guide scope of the given focal length (m) and pixel size (m).
type PlateScale struct {
	FocalLength float64
	PixelSize   float64
}

// ArcsecPerPixel returns the angular size of one pixel.
// Formula: arcsec/px = 206265 × pixel_size / focal_length
func (s PlateScale) ArcsecPerPixel() float64 {
	if s.FocalLength <= 0 {
		return 0
	}
	return arcsecPerRadian * s.PixelSize / s.FocalLength
}

// PixelsPerSecond returns how fast the star moves on the detector while
// a guide line is active at the given fraction of the sidereal rate.
func (s PlateScale) PixelsPerSecond(guideRate float64) float64 {
	aspp := s.ArcsecPerPixel()
	if aspp == 0 {
		return 0
	}
	if guideRate <= 0 {
		guideRate = DefaultGuideRate
	}
	return guideRate * SiderealArcsecPerSecond / aspp
}

// GridConstant computes the pulse duration in seconds used for one step
// of the calibration grid. The step must move the star by at least 30
// pixels and at least 60 arc seconds; the result is raised to 5 s and
// capped at 15 s. Values beyond 60 s indicate a broken configuration
// and are rejected.
//
// A zero focal length means the optics are unknown: GridConstant then
// returns 0 and the caller falls back to its configured grid.
func GridConstant(focalLength, pixelSize, guideRate float64) (float64, error) {
	if focalLength <= 0 {
		return 0, nil
	}
	if pixelSize <= 0 {
		return 0, fmt.Errorf("pixel size is required to compute the grid constant")
	}
	scale := PlateScale{FocalLength: focalLength, PixelSize: pixelSize}
	rate := scale.PixelsPerSecond(guideRate) // [px/s]

	pixelGrid := minGridPixels / rate
	angleGrid := (minGridArcseconds / scale.ArcsecPerPixel()) / rate
	grid := math.Max(pixelGrid, angleGrid)

	debug.Verbose("grid constant: focal=%.0fmm pixel=%.1fum rate=%.2fpx/s -> %.2fs",
		focalLength*1000, pixelSize*1e6, rate, grid)

	if grid < minGridSeconds {
		grid = minGridSeconds
	}
	if grid > limitGridSeconds {
		return 0, fmt.Errorf("grid constant %.1fs is excessive", grid)
	}
	if grid > maxGridSeconds {
		debug.Warn("grid constant %.1fs is rather large, reduced to %.0fs", grid, maxGridSeconds)
		grid = maxGridSeconds
	}
	return grid, nil
}
