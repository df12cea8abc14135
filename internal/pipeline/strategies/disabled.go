package strategies

import (
	"time"

	"personscan/internal/pipeline"
)

// DisabledStrategy never triggers detection
type DisabledStrategy struct{}

// NewDisabledStrategy creates a disabled detection strategy
func NewDisabledStrategy() *DisabledStrategy {
	return &DisabledStrategy{}
}

func (s *DisabledStrategy) Name() string {
	return "disabled"
}

func (s *DisabledStrategy) ShouldDetect(frame *pipeline.Frame, now time.Time) bool {
	return false
}

func (s *DisabledStrategy) Rearm() {
	// No-op
}
