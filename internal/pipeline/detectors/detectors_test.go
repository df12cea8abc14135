package detectors_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"personscan/internal/pipeline"
)

// stubDetector is an in-memory detector used on the serving side of transport tests
type stubDetector struct {
	name  string
	boxes []pipeline.BoundingBox
	err   error

	mu       sync.Mutex
	received [][]byte
	closed   bool
	healthy  bool
}

func (s *stubDetector) Name() string    { return s.name }
func (s *stubDetector) IsHealthy() bool { return s.healthy }

func (s *stubDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.BoundingBox, error) {
	s.mu.Lock()
	s.received = append(s.received, frame.Data)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.boxes, nil
}

func (s *stubDetector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.name == "broken" {
		return errors.New("close failed")
	}
	return nil
}

func (s *stubDetector) lastReceived() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.received) == 0 {
		return nil
	}
	return s.received[len(s.received)-1]
}

func testFrame(t *testing.T) *pipeline.Frame {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(1, 1, color.Black)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &pipeline.Frame{Seq: 1, Data: buf.Bytes()}
}
