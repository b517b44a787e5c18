package guiding

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/scan"
	"github.com/cjeanneret/GuideGo/internal/logic/state"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
)

// Observer is notified of guider events. Calls are made synchronously on
// the goroutine producing the event; implementations must not block.
type Observer interface {
	StateChanged(from, to state.State)
	ScanProgress(p scan.Progress)
	CalibrationComplete(c *calibration.Calibration)
	TrackingPoint(p tracking.Point)
	SessionError(err error)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) StateChanged(from, to state.State)            {}
func (NopObserver) ScanProgress(scan.Progress)                   {}
func (NopObserver) CalibrationComplete(*calibration.Calibration) {}
func (NopObserver) TrackingPoint(tracking.Point)                 {}
func (NopObserver) SessionError(error)                           {}

type observers struct {
	mu   sync.RWMutex
	list []Observer
}

func (o *observers) add(obs Observer) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

// each calls fn for every observer, logging and swallowing panics.
func (o *observers) each(event string, fn func(Observer)) {
	o.mu.RLock()
	list := append([]Observer(nil), o.list...)
	o.mu.RUnlock()

	for _, obs := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					debug.Error(fmt.Errorf("observer %T panicked on %s: %v", obs, event, r))
				}
			}()
			fn(obs)
		}()
	}
}
