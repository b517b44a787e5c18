package camera

import (
	"context"
	"image"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
)

// Triggered fires a Shooter and waits for the camera (or its tethering
// software) to drop the resulting frame into a directory.
type Triggered struct {
	shooter Shooter
	dir     string
	timeout time.Duration
	settle  time.Duration // wait after the file appears, for the writer to finish
}

// NewTriggered watches dir for frames produced by shooter. timeout bounds
// the wait for each frame.
func NewTriggered(shooter Shooter, dir string, timeout time.Duration) *Triggered {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Triggered{
		shooter: shooter,
		dir:     dir,
		timeout: timeout,
		settle:  200 * time.Millisecond,
	}
}

// GetImage triggers an exposure and returns the first new frame file.
func (t *Triggered) GetImage(ctx context.Context) (image.Image, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fault.Wrap(fault.NoImage, err, "watch %s", t.dir)
	}
	defer w.Close()
	// watch before shooting so the new file cannot be missed
	if err := w.Add(t.dir); err != nil {
		return nil, fault.Wrap(fault.NoImage, err, "watch %s", t.dir)
	}

	if err := t.shooter.Shoot(ctx); err != nil {
		return nil, fault.Wrap(fault.NoImage, err, "trigger exposure")
	}

	timeout := time.NewTimer(t.timeout)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.NoImage, ctx.Err(), "waiting for frame")
		case <-timeout.C:
			return nil, fault.New(fault.NoImage, "no frame in %s after %v", t.dir, t.timeout)
		case err, ok := <-w.Errors:
			if !ok {
				return nil, fault.New(fault.NoImage, "watcher closed")
			}
			return nil, fault.Wrap(fault.NoImage, err, "watch %s", t.dir)
		case ev, ok := <-w.Events:
			if !ok {
				return nil, fault.New(fault.NoImage, "watcher closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isFrame(ev.Name) {
				continue
			}
			debug.Verbose("Camera: new frame %s", ev.Name)
			if err := sleep(ctx, t.settle); err != nil {
				return nil, fault.Wrap(fault.NoImage, err, "waiting for frame")
			}
			return decodeFile(ev.Name)
		}
	}
}
