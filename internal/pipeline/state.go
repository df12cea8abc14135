package pipeline

import (
	"sync"
	"time"
)

// State is the published result of the pipeline: current body boxes and
// the face gallery. Every mutation goes through one mutex and produces a new
// version; subscribers receive snapshots in version order.
type State struct {
	mu        sync.RWMutex
	bodyBoxes []BoundingBox
	bodySeq   uint64
	gallery   *Gallery
	version   uint64
	updatedAt time.Time
	dropStale bool
	closed    bool
	now       func() time.Time

	subscribers map[*stateSubscription]bool
	subMu       sync.RWMutex
	published   uint64 // Last version handed to subscribers, guarded by subMu
}

type stateSubscription struct {
	channel chan Snapshot
	handler StateHandler
}

// NewState creates a state holder around gallery.
// With dropStale set, body results from frames older than the last applied
// one are discarded instead of overwriting fresher boxes.
func NewState(gallery *Gallery, dropStale bool) *State {
	return &State{
		bodyBoxes:   []BoundingBox{},
		gallery:     gallery,
		dropStale:   dropStale,
		now:         time.Now,
		subscribers: make(map[*stateSubscription]bool),
	}
}

// ApplyBodyResult replaces the body boxes, and with them the person count,
// in one step. It returns ErrStateClosed or ErrStaleResult if the result was
// not applied.
func (s *State) ApplyBodyResult(frameSeq uint64, boxes []BoundingBox) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStateClosed
	}
	if s.dropStale && frameSeq < s.bodySeq {
		s.mu.Unlock()
		return ErrStaleResult
	}

	replaced := make([]BoundingBox, len(boxes))
	copy(replaced, boxes)
	s.bodyBoxes = replaced
	s.bodySeq = frameSeq
	snap := s.bumpLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// OfferFaces offers a batch of candidates to the gallery in order.
// Later candidates are compared against earlier accepted ones of the same batch.
// It returns the accepted faces.
func (s *State) OfferFaces(batch []*FaceImage) []*FaceImage {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	var accepted []*FaceImage
	for _, face := range batch {
		if s.gallery.Full() {
			break
		}
		if s.gallery.TryInsert(face) {
			accepted = append(accepted, face)
		}
	}
	if len(accepted) == 0 {
		s.mu.Unlock()
		return nil
	}
	snap := s.bumpLocked()
	s.mu.Unlock()

	s.publish(snap)
	return accepted
}

// Closed reports whether Close has been called
func (s *State) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ResetGallery empties the face gallery
func (s *State) ResetGallery() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gallery.Reset()
	snap := s.bumpLocked()
	s.mu.Unlock()

	s.publish(snap)
}

// Snapshot returns a consistent copy of the current state
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Face returns a gallery face by ID
func (s *State) Face(id string) (*FaceImage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.gallery.faces {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// Close seals the state: later mutations are ignored and subscriber
// channels are closed
func (s *State) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(s.subscribers, sub)
	}
}

// Subscribe registers a handler called synchronously after every change.
// Returns an unsubscribe function
func (s *State) Subscribe(handler StateHandler) func() {
	sub := &stateSubscription{
		handler: handler,
	}

	s.subMu.Lock()
	s.subscribers[sub] = true
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, sub)
		s.subMu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives snapshots.
// Snapshots are dropped for a subscriber whose buffer is full.
// Returns the channel and an unsubscribe function
func (s *State) SubscribeChannel(bufferSize int) (<-chan Snapshot, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Snapshot, bufferSize)
	sub := &stateSubscription{
		channel: ch,
	}

	s.subMu.Lock()
	s.subscribers[sub] = true
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		if _, ok := s.subscribers[sub]; ok {
			delete(s.subscribers, sub)
			close(ch)
		}
		s.subMu.Unlock()
	}

	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers
func (s *State) SubscriberCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscribers)
}

func (s *State) bumpLocked() Snapshot {
	s.version++
	s.updatedAt = s.now()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	boxes := make([]BoundingBox, len(s.bodyBoxes))
	copy(boxes, s.bodyBoxes)

	return Snapshot{
		Version:     s.version,
		PersonCount: len(boxes),
		BodyBoxes:   boxes,
		BodySeq:     s.bodySeq,
		Faces:       s.gallery.Faces(),
		GalleryCap:  s.gallery.Cap(),
		UpdatedAt:   s.updatedAt,
	}
}

// publish delivers snap to subscribers unless a newer version already went out
func (s *State) publish(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if snap.Version <= s.published {
		return
	}
	s.published = snap.Version

	for sub := range s.subscribers {
		if sub.handler != nil {
			sub.handler.OnStateChange(snap)
		} else if sub.channel != nil {
			select {
			case sub.channel <- snap:
			default:
				// Channel full, skip this snapshot
			}
		}
	}
}
