package strategies

import (
	"time"

	"personscan/internal/pipeline"
)

// ContinuousStrategy triggers detection on every frame
type ContinuousStrategy struct{}

// NewContinuousStrategy creates a continuous detection strategy
func NewContinuousStrategy() *ContinuousStrategy {
	return &ContinuousStrategy{}
}

func (s *ContinuousStrategy) Name() string {
	return "continuous"
}

func (s *ContinuousStrategy) ShouldDetect(frame *pipeline.Frame, now time.Time) bool {
	return true
}

func (s *ContinuousStrategy) Rearm() {
	// No-op
}
