// Package motion turns corrections into guide port activity: single moves
// for the calibration scan and a continuous pulse scheduler for guiding.
package motion

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/hw/guideport"
	"github.com/cjeanneret/GuideGo/internal/logic/geometry"
)

// ErrStopped is returned by SetCorrection once the worker was stopped.
var ErrStopped = errors.New("driving worker stopped")

// DrivingWorker converts the outstanding correction into guide port
// activations at a fixed cadence. Each cycle takes up to one interval
// from every outstanding magnitude; an axis with nothing outstanding is
// driven at the default rate instead. A new correction wakes the worker
// immediately.
type DrivingWorker struct {
	port guideport.GuidePort

	mu          sync.Mutex
	cond        *sync.Cond // signalled when the pending slot empties or the worker ends
	interval    time.Duration
	rate        geometry.Point // default rate, pulse seconds per second (RA, DEC)
	outstanding [4]time.Duration
	pending     geometry.Point
	hasPending  bool
	running     bool
	err         error

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	cycles   int
}

// NewDrivingWorker starts a worker driving port every interval.
func NewDrivingWorker(port guideport.GuidePort, interval time.Duration) *DrivingWorker {
	if interval <= 0 {
		interval = time.Second
	}
	w := &DrivingWorker{
		port:     port,
		interval: interval,
		running:  true,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	debug.Verbose("Driving worker: interval %v", interval)
	go w.run()
	return w
}

// SetDefaultRate sets the correction applied when nothing is
// outstanding, in pulse seconds per second. Typically the calibration's
// default correction, which cancels the drift.
func (w *DrivingWorker) SetDefaultRate(rate geometry.Point) {
	w.mu.Lock()
	w.rate = rate
	w.mu.Unlock()
	w.signal()
}

// DefaultRate returns the current default rate.
func (w *DrivingWorker) DefaultRate() geometry.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rate
}

// Interval returns the sampling interval.
func (w *DrivingWorker) Interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interval
}

// SetCorrection hands a correction of a seconds RA and b seconds DEC to
// the worker, the sign choosing the direction. If the previous
// correction has not been read by a cycle yet, SetCorrection waits for
// it, so no correction is lost.
func (w *DrivingWorker) SetCorrection(a, b float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.hasPending && w.running && w.err == nil {
		w.cond.Wait()
	}
	if w.err != nil {
		return w.err
	}
	if !w.running {
		return ErrStopped
	}
	w.pending = geometry.Point{X: a, Y: b}
	w.hasPending = true
	w.signal()
	return nil
}

func (w *DrivingWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop ends the worker. A correction still pending is applied by a last
// cycle. All lines are switched off once the pulses of the last cycle
// have run, waiting at most one interval. Stop returns once the worker
// goroutine has exited and is safe to call more than once.
func (w *DrivingWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.running = false
		w.cond.Broadcast()
		w.mu.Unlock()
		close(w.stop)
	})
	<-w.done
}

// Done is closed when the worker goroutine has exited.
func (w *DrivingWorker) Done() <-chan struct{} {
	return w.done
}

// Err returns the activation failure that ended the worker, if any.
func (w *DrivingWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Cycles returns the number of completed activation cycles.
func (w *DrivingWorker) Cycles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cycles
}

func (w *DrivingWorker) run() {
	defer close(w.done)

	timer := time.NewTimer(w.Interval())
	defer timer.Stop()

	var issued time.Time
	var longest time.Duration
	for {
		w.mu.Lock()
		flushed := w.consume()
		stopping := !w.running
		var d [4]time.Duration
		if !stopping || flushed {
			d = w.take()
		}
		w.mu.Unlock()

		// without a last correction the running pulses are left to finish
		if stopping && !flushed {
			break
		}

		if err := w.port.Activate(d[0], d[1], d[2], d[3]); err != nil {
			w.fail(err)
			return
		}
		issued, longest = time.Now(), longestOf(d)
		w.mu.Lock()
		w.cycles++
		w.mu.Unlock()

		if stopping {
			break
		}

		timer.Reset(w.Interval())
		select {
		case <-w.wake:
		case <-w.stop:
		case <-timer.C:
		}
	}

	// a new activation cuts running pulses short
	if wait := min(longest-time.Since(issued), w.Interval()); wait > 0 {
		time.Sleep(wait)
	}
	if err := w.port.Activate(0, 0, 0, 0); err != nil {
		w.fail(err)
		return
	}
	debug.Verbose("Driving worker: stopped after %d cycles", w.Cycles())
}

func longestOf(d [4]time.Duration) time.Duration {
	return max(d[0], d[1], d[2], d[3])
}

// consume moves the pending correction into the outstanding magnitudes
// and reports whether there was one. Must be called with w.mu held.
func (w *DrivingWorker) consume() bool {
	if !w.hasPending {
		return false
	}
	c := w.pending
	w.hasPending = false
	w.outstanding = [4]time.Duration{
		guideport.Seconds(c.X), guideport.Seconds(-c.X),
		guideport.Seconds(c.Y), guideport.Seconds(-c.Y),
	}
	debug.Live("Driving worker: correction RA %.3fs DEC %.3fs", c.X, c.Y)
	w.cond.Broadcast()
	return true
}

// take returns the durations for one cycle and decrements the
// outstanding magnitudes. Must be called with w.mu held.
func (w *DrivingWorker) take() [4]time.Duration {
	var d [4]time.Duration
	rates := [2]float64{w.rate.X, w.rate.Y}
	for axis := 0; axis < 2; axis++ {
		plus, minus := 2*axis, 2*axis+1
		if w.outstanding[plus] == 0 && w.outstanding[minus] == 0 {
			r := math.Min(math.Abs(rates[axis]), 1)
			dd := time.Duration(math.Round(r * float64(w.interval)))
			if rates[axis] > 0 {
				d[plus] = dd
			} else if rates[axis] < 0 {
				d[minus] = dd
			}
			continue
		}
		for _, i := range []int{plus, minus} {
			step := w.outstanding[i]
			if step > w.interval {
				step = w.interval
			}
			d[i] = step
			w.outstanding[i] -= step
		}
	}
	return d
}

func (w *DrivingWorker) fail(err error) {
	debug.Error(err)
	w.mu.Lock()
	w.err = err
	w.running = false
	w.cond.Broadcast()
	w.mu.Unlock()
}
