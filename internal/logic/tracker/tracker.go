// Package tracker measures the displacement of the guide star between a
// reference and a new frame.
package tracker

import (
	"fmt"
	"image"
	"strings"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// Tracker returns the displacement of the guide star in a frame relative
// to the reference it was built with. Exactly two implementations exist,
// Centroid and PhaseCorrelation.
type Tracker interface {
	Locate(frame image.Image) (geometry.Point, error)
	String() string

	sealed()
}

// Kinds accepted by Config.Type.
const (
	KindCentroid = "centroid"
	KindPhase    = "phase"
)

// Config selects and parameterises a tracker.
type Config struct {
	Type         string  // "centroid" or "phase"
	SearchRadius int     // half size of the centroid search box in pixels
	Percentile   float64 // background percentile for the centroid, 0-100
}

const (
	defaultSearchRadius = 16
	defaultPercentile   = 90
)

// New builds the tracker chosen by cfg around the reference frame. The
// centroid variant locates the brightest star in the reference and
// searches around it; the phase variant correlates whole frames.
func New(cfg Config, reference image.Image) (Tracker, error) {
	if cfg.SearchRadius <= 0 {
		cfg.SearchRadius = defaultSearchRadius
	}
	if cfg.Percentile <= 0 || cfg.Percentile >= 100 {
		cfg.Percentile = defaultPercentile
	}

	switch strings.ToLower(cfg.Type) {
	case "", KindCentroid:
		star, err := FindStar(reference, reference.Bounds(), cfg.Percentile)
		if err != nil {
			return nil, err
		}
		t := &Centroid{
			Reference:  star,
			Search:     SearchBox(star, cfg.SearchRadius),
			Percentile: cfg.Percentile,
		}
		debug.Info("Tracker: %s", t)
		return t, nil
	case KindPhase:
		t := NewPhaseCorrelation(reference)
		debug.Info("Tracker: %s", t)
		return t, nil
	default:
		return nil, fmt.Errorf("unknown tracker type %q", cfg.Type)
	}
}

// SearchBox returns the square of half size radius centred on p.
func SearchBox(p geometry.Point, radius int) image.Rectangle {
	cx, cy := int(p.X+0.5), int(p.Y+0.5)
	return image.Rect(cx-radius, cy-radius, cx+radius+1, cy+radius+1)
}
