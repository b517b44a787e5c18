package guiding

import (
	"context"
	"time"

	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
)

// CalibrationStore keeps completed calibrations. Add takes ownership of a
// copy of c and returns the id it assigned.
type CalibrationStore interface {
	Add(ctx context.Context, c *calibration.Calibration) (int64, error)
	Get(ctx context.Context, id int64) (*calibration.Calibration, error)
	FindByDescriptor(ctx context.Context, d calibration.Descriptor) ([]int64, error)
}

// TrackingStore keeps guiding runs and their points in order.
type TrackingStore interface {
	Add(ctx context.Context, r *tracking.Run) (int64, error)
	AppendPoint(ctx context.Context, runID int64, p tracking.Point) error
	History(ctx context.Context, runID int64) ([]tracking.Point, error)
	End(ctx context.Context, runID int64, ended time.Time) error
}
