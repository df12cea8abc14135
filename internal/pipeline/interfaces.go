package pipeline

import (
	"context"
	"image"
	"time"
)

// Detector is the unified interface for detection backends.
// Implementations only locate regions; they never crop or store anything.
type Detector interface {
	// Name returns the detector identifier (e.g., "body", "face")
	Name() string

	// IsHealthy returns true if the detector is operational
	IsHealthy() bool

	// Detect returns the normalized bounding boxes found in a frame
	Detect(ctx context.Context, frame *Frame) ([]BoundingBox, error)

	// Close releases detector resources
	Close() error
}

// DetectionStrategy decides whether one detection pass should run for a frame
type DetectionStrategy interface {
	// Name returns the strategy identifier
	Name() string

	// ShouldDetect reports whether the pass runs for this frame.
	// A strategy that returns true records the decision before returning.
	ShouldDetect(frame *Frame, now time.Time) bool

	// Rearm makes the next ShouldDetect call grant the pass
	Rearm()
}

// Samer estimates whether two face images show the same thing
type Samer interface {
	Same(img1, img2 image.Image) bool
}

// FrameSubscription represents an active subscription to frame data
type FrameSubscription struct {
	Channel chan *Frame
	Done    chan struct{} // Closed when subscription is cancelled
}

// FrameProvider broadcasts captured frames to subscribers
type FrameProvider interface {
	// Subscribe returns a subscription receiving every captured frame.
	// Caller must call Unsubscribe when done to prevent resource leaks
	Subscribe(bufferSize int) (*FrameSubscription, error)

	// Unsubscribe removes a frame subscription
	Unsubscribe(sub *FrameSubscription)

	// Stats returns capture statistics
	Stats() CaptureStats
}

// FrameConsumer receives frames for processing
type FrameConsumer interface {
	OnFrame(frame *Frame)
}

// StateHandler receives state snapshots after every change
type StateHandler interface {
	OnStateChange(snapshot Snapshot)
}

// FaceArchive persists faces accepted into the gallery
type FaceArchive interface {
	SaveFace(ctx context.Context, face *FaceImage) error
}
