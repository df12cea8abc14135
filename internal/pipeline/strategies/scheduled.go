package strategies

import (
	"sync"
	"time"

	"personscan/internal/pipeline"
)

// ScheduledStrategy triggers detection once the interval has fully elapsed.
// The decision and the timestamp update happen under one lock, so a pass
// consumes its window even if the detection itself later fails.
type ScheduledStrategy struct {
	interval      time.Duration
	lastDetection time.Time
	mu            sync.Mutex
}

// NewScheduledStrategy creates a scheduled detection strategy whose first
// interval starts at start. A zero start makes the first frame due.
func NewScheduledStrategy(interval time.Duration, start time.Time) *ScheduledStrategy {
	if interval < 0 {
		interval = 0
	}
	return &ScheduledStrategy{
		interval:      interval,
		lastDetection: start,
	}
}

func (s *ScheduledStrategy) Name() string {
	return "scheduled"
}

func (s *ScheduledStrategy) ShouldDetect(frame *pipeline.Frame, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Zero time means the strategy is armed
	if !s.lastDetection.IsZero() && now.Sub(s.lastDetection) <= s.interval {
		return false
	}
	s.lastDetection = now
	return true
}

func (s *ScheduledStrategy) Rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = time.Time{}
}

// LastDetection returns when the last pass was granted
func (s *ScheduledStrategy) LastDetection() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDetection
}

