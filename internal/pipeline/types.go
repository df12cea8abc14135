package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"time"

	// Decoders for Frame.Decode
	_ "image/png"
)

var (
	// ErrDetectionFailed wraps any error returned by a Detector
	ErrDetectionFailed = errors.New("detection failed")
	// ErrExtractionFailed is returned when a face box cannot be cropped out of a frame
	ErrExtractionFailed = errors.New("face extraction failed")
	// ErrFrameUnavailable is returned when a frame carries no readable pixels
	ErrFrameUnavailable = errors.New("frame unavailable")
	// ErrStateClosed is returned when a result arrives after the state was sealed
	ErrStateClosed = errors.New("state closed")
	// ErrStaleResult is returned for a body result older than the one applied
	ErrStaleResult = errors.New("stale body result")
)

// Frame represents one captured video frame.
// A frame is immutable once delivered to the pipeline.
type Frame struct {
	Seq       uint64      // Frame sequence number
	Timestamp time.Time   // Capture timestamp
	Data      []byte      // Encoded frame (JPEG or PNG)
	Image     image.Image // Decoded pixels, if the source already has them
	Width     int         // Frame width (if known)
	Height    int         // Frame height (if known)
}

// Available reports whether the frame carries pixel data at all
func (f *Frame) Available() bool {
	return f != nil && (f.Image != nil || len(f.Data) > 0)
}

// Decode materializes the frame as an image
func (f *Frame) Decode() (image.Image, error) {
	if !f.Available() {
		return nil, ErrFrameUnavailable
	}
	if f.Image != nil {
		return f.Image, nil
	}

	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}
	return img, nil
}

// Encoded returns the frame as encoded bytes, JPEG-encoding decoded frames on demand
func (f *Frame) Encoded() ([]byte, error) {
	if !f.Available() {
		return nil, ErrFrameUnavailable
	}
	if len(f.Data) > 0 {
		return f.Data, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}
	return buf.Bytes(), nil
}

// BoundingBox is a detected region normalized to [0,1] relative to the frame.
// The origin is the bottom-left corner and y grows upwards.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// IsFinite returns false if any coordinate is NaN or infinite
func (b BoundingBox) IsFinite() bool {
	for _, v := range []float64{b.X, b.Y, b.Width, b.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// FaceImage is a cropped face, independent from the frame it was cut from
type FaceImage struct {
	ID        string          `json:"id"`
	Image     image.Image     `json:"-"`
	Box       BoundingBox     `json:"box"`       // Normalized detector box
	Rect      image.Rectangle `json:"-"`         // Pixel rectangle in the source frame
	FrameSeq  uint64          `json:"frame_seq"` // Frame the face was cut from
	CreatedAt time.Time       `json:"created_at"`
}

// Width returns the crop width in pixels
func (f *FaceImage) Width() int {
	return f.Image.Bounds().Dx()
}

// Height returns the crop height in pixels
func (f *FaceImage) Height() int {
	return f.Image.Bounds().Dy()
}

// Decision tells the pipeline which detection passes to run for a frame
type Decision struct {
	RunBody bool
	RunFace bool
}

// Snapshot is a consistent, read-only copy of the pipeline state
type Snapshot struct {
	Version     uint64        `json:"version"`      // Incremented on every state change
	PersonCount int           `json:"person_count"` // Always len(BodyBoxes)
	BodyBoxes   []BoundingBox `json:"body_boxes"`
	BodySeq     uint64        `json:"body_seq"` // Frame that produced BodyBoxes
	Faces       []*FaceImage  `json:"faces"`
	GalleryCap  int           `json:"gallery_capacity"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// CaptureStats contains frame capture statistics
type CaptureStats struct {
	FramesCaptured    uint64
	FramesDropped     uint64
	LastFrameTime     int64 // Unix timestamp
	ReconnectAttempts uint64
}

// PipelineStats contains pipeline counters
type PipelineStats struct {
	FramesDelivered    uint64
	FramesUnavailable  uint64
	BodyPasses         uint64
	BodyFailures       uint64
	StaleBodyResults   uint64
	LateResults        uint64 // Detections that completed after Close
	FacePasses         uint64
	FaceFailures       uint64
	ExtractionFailures uint64
	FacesAccepted      uint64
	FacesRejected      uint64
	InFlight           int64
	LastBodyTime       int64 // Unix timestamp
	LastFaceTime       int64 // Unix timestamp
}
