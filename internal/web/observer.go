package web

import (
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/scan"
	"github.com/cjeanneret/GuideGo/internal/logic/state"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
)

// Events publishes guider events on the status stream. It implements
// guiding.Observer.
type Events struct {
	b *StatusBroadcaster
}

func NewEvents(b *StatusBroadcaster) *Events {
	return &Events{b: b}
}

type transition struct {
	From state.State `json:"from"`
	To   state.State `json:"to"`
}

func (e *Events) StateChanged(from, to state.State) {
	e.b.Publish(EventState, transition{From: from, To: to})
}

func (e *Events) ScanProgress(p scan.Progress) {
	e.b.Publish(EventProgress, p)
}

// CalibrationComplete publishes the calibration without its points.
func (e *Events) CalibrationComplete(c *calibration.Calibration) {
	e.b.Publish(EventCalibration, summarize(c))
}

func (e *Events) TrackingPoint(p tracking.Point) {
	e.b.Publish(EventPoint, p)
}

func (e *Events) SessionError(err error) {
	e.b.Publish(EventError, map[string]string{"error": err.Error()})
}

// calibrationSummary is a calibration as listed by the API.
type calibrationSummary struct {
	*calibration.Calibration
	Coefficients string  `json:"coefficients"`
	Quality      float64 `json:"quality"`
	Samples      int     `json:"samples"`
}

func summarize(c *calibration.Calibration) calibrationSummary {
	cp := c.Clone()
	n := len(cp.Points)
	cp.Points = nil
	return calibrationSummary{
		Calibration:  cp,
		Coefficients: c.String(),
		Quality:      c.Quality(),
		Samples:      n,
	}
}
