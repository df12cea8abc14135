package strategies

import (
	"time"

	"personscan/internal/pipeline"
)

// NewFrameScheduler builds the scheduler for a pipeline configuration:
// body detection on every frame, face detection throttled by FaceScanDelay
// counted from start
func NewFrameScheduler(cfg pipeline.Config, start time.Time) *pipeline.FrameScheduler {
	return pipeline.NewFrameScheduler(NewContinuousStrategy(), NewFaceStrategy(cfg, start))
}

// NewFaceStrategy creates the face pass strategy for a configuration
func NewFaceStrategy(cfg pipeline.Config, start time.Time) pipeline.DetectionStrategy {
	if !cfg.FaceDetectionEnabled {
		return NewDisabledStrategy()
	}
	return NewScheduledStrategy(cfg.FaceScanDelay, start)
}
