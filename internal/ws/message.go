package ws

import (
	"fmt"
	"time"

	"personscan/internal/pipeline"
)

// StateMessage is pushed to clients on every state change
type StateMessage struct {
	Type            string                 `json:"type"` // "state"
	Version         uint64                 `json:"version"`
	Timestamp       time.Time              `json:"timestamp"`
	PersonCount     int                    `json:"person_count"`
	BodyBoxes       []pipeline.BoundingBox `json:"body_boxes"` // Normalized, bottom-left origin
	Faces           []FaceSummary          `json:"faces"`
	GalleryCapacity int                    `json:"gallery_capacity"`
}

// FaceSummary describes a gallery face without its pixels
type FaceSummary struct {
	ID       string `json:"id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FrameSeq uint64 `json:"frame_seq"`
	URL      string `json:"url"` // PNG served by the API
}

// NewStateMessage creates a state message from a snapshot
func NewStateMessage(snap pipeline.Snapshot) *StateMessage {
	msg := &StateMessage{
		Type:            "state",
		Version:         snap.Version,
		Timestamp:       snap.UpdatedAt,
		PersonCount:     snap.PersonCount,
		BodyBoxes:       snap.BodyBoxes,
		Faces:           make([]FaceSummary, 0, len(snap.Faces)),
		GalleryCapacity: snap.GalleryCap,
	}
	if msg.BodyBoxes == nil {
		msg.BodyBoxes = []pipeline.BoundingBox{}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	for _, f := range snap.Faces {
		msg.Faces = append(msg.Faces, FaceSummary{
			ID:       f.ID,
			Width:    f.Width(),
			Height:   f.Height(),
			FrameSeq: f.FrameSeq,
			URL:      fmt.Sprintf("/api/faces/%s.png", f.ID),
		})
	}
	return msg
}
