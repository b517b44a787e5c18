package camera

import (
	"context"
	"image"
)

// ImageSource delivers guide frames. GetImage blocks until a frame is
// available or ctx is done; failures carry the fault.NoImage kind.
type ImageSource interface {
	GetImage(ctx context.Context) (image.Image, error)
}

// Shooter triggers a single exposure on a camera that stores the frame
// itself (memory card, tethering directory).
type Shooter interface {
	Shoot(ctx context.Context) error
}
