package stream

import (
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"personscan/internal/overlay"
	"personscan/internal/pipeline"
)

// MJPEGStream serves frames with the current detections drawn on them as a
// multipart/x-mixed-replace stream. It implements pipeline.FrameConsumer.
type MJPEGStream struct {
	state  *pipeline.State
	logger *zap.Logger

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex
}

// NewMJPEGStream creates a stream drawing the overlay for state
func NewMJPEGStream(state *pipeline.State, logger *zap.Logger) *MJPEGStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MJPEGStream{
		state:   state,
		logger:  logger.Named("mjpeg"),
		clients: make(map[chan []byte]bool),
	}
}

// ClientCount returns the number of connected viewers
func (s *MJPEGStream) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// OnFrame renders the overlay once and hands it to every viewer.
// Frames are only rendered while someone is watching.
func (s *MJPEGStream) OnFrame(frame *pipeline.Frame) {
	if s.ClientCount() == 0 {
		return
	}

	data, err := overlay.RenderJPEG(frame, s.state.Snapshot())
	if err != nil {
		s.logger.Debug("failed to render frame", zap.Uint64("frame_seq", frame.Seq), zap.Error(err))
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for ch := range s.clients {
		select {
		case ch <- data:
		default:
			// Slow viewer, skip this frame
		}
	}
}

func (s *MJPEGStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientCh := make(chan []byte, 2)
	s.clientsMu.Lock()
	s.clients[clientCh] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, clientCh)
		s.clientsMu.Unlock()
		s.logger.Debug("viewer disconnected", zap.String("remote", r.RemoteAddr))
	}()

	s.logger.Debug("viewer connected", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-clientCh:
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			if _, err := w.Write(frame); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// Ensure MJPEGStream implements FrameConsumer
var _ pipeline.FrameConsumer = (*MJPEGStream)(nil)
