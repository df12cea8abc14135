package pipeline

import "time"

// FrameScheduler decides, per incoming frame, which detection passes run.
// It never blocks: every frame gets an immediate decision.
type FrameScheduler struct {
	body DetectionStrategy
	face DetectionStrategy
}

// NewFrameScheduler combines a body and a face strategy
func NewFrameScheduler(body, face DetectionStrategy) *FrameScheduler {
	return &FrameScheduler{
		body: body,
		face: face,
	}
}

// OnFrame returns the passes to run for a frame captured at now
func (s *FrameScheduler) OnFrame(frame *Frame, now time.Time) Decision {
	return Decision{
		RunBody: s.body.ShouldDetect(frame, now),
		RunFace: s.face.ShouldDetect(frame, now),
	}
}

// Rearm lets the next frame run both passes
func (s *FrameScheduler) Rearm() {
	s.body.Rearm()
	s.face.Rearm()
}

// Names returns the body and face strategy names
func (s *FrameScheduler) Names() (body, face string) {
	return s.body.Name(), s.face.Name()
}
