// Package guideport drives the four guide lines of a mount (ST-4 style
// autoguider input).
package guideport

import (
	"fmt"
	"math"
	"time"
)

// GuidePort pulses the four control lines for the given durations. A zero
// duration switches the line off. Calls do not block for the duration of
// the pulses: a new call replaces whatever is still running.
type GuidePort interface {
	Activate(raPlus, raMinus, decPlus, decMinus time.Duration) error
}

// Line indexes one of the four guide lines.
type Line int

const (
	RAPlus Line = iota
	RAMinus
	DecPlus
	DecMinus
	numLines
)

func (l Line) String() string {
	switch l {
	case RAPlus:
		return "RA+"
	case RAMinus:
		return "RA-"
	case DecPlus:
		return "DEC+"
	case DecMinus:
		return "DEC-"
	default:
		return fmt.Sprintf("line(%d)", int(l))
	}
}

// Seconds converts a pulse length in seconds to a duration, negative
// values giving zero.
func Seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Round(s * float64(time.Second)))
}
