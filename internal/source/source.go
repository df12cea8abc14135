package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	// Decoders for frame dimensions
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"

	"personscan/internal/metrics"
	"personscan/internal/pipeline"
)

// Kind is the capture method used for a device
type Kind string

const (
	KindFFmpeg    Kind = "ffmpeg"     // V4L2 devices, RTSP and HTTP video streams
	KindHTTPImage Kind = "http-image" // Snapshot endpoints polled at the frame rate
	KindDirectory Kind = "directory"  // Image files replayed in name order
)

const reconnectDelay = 2 * time.Second

// Config describes a frame source
type Config struct {
	Device string // /dev/video0, rtsp://..., http://.../snapshot.jpg, or a directory
	FPS    int
	Width  int
	Height int
	Loop   bool // Restart directory replay from the first file
	Logger *zap.Logger
}

// Source captures frames from one device and broadcasts them to subscribers.
// It implements pipeline.FrameProvider.
type Source struct {
	cfg    Config
	kind   Kind
	logger *zap.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cmd   *exec.Cmd
	cmdMu sync.Mutex

	subscribers map[*pipeline.FrameSubscription]bool
	subMu       sync.RWMutex

	frameSeq atomic.Uint64
	stats    pipeline.CaptureStats
	statsMu  sync.RWMutex
}

// New creates a source for cfg.Device. Capture begins with Start.
func New(cfg Config) (*Source, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("source device cannot be empty")
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 5
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Source{
		cfg:         cfg,
		kind:        KindOf(cfg.Device),
		logger:      logger.Named("source").With(zap.String("device", cfg.Device)),
		stopCh:      make(chan struct{}),
		subscribers: make(map[*pipeline.FrameSubscription]bool),
	}, nil
}

// KindOf picks the capture method for a device
func KindOf(device string) Kind {
	if strings.HasPrefix(device, "dir:") {
		return KindDirectory
	}
	if info, err := os.Stat(device); err == nil && info.IsDir() {
		return KindDirectory
	}
	if (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") ||
			strings.Contains(device, ".png") || strings.Contains(device, "image") ||
			strings.Contains(device, "snapshot")) {
		return KindHTTPImage
	}
	return KindFFmpeg
}

// Kind returns the capture method in use
func (s *Source) Kind() Kind {
	return s.kind
}

// Start begins capturing in the background
func (s *Source) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("source %s already started", s.cfg.Device)
	}
	select {
	case <-s.stopCh:
		s.running.Store(false)
		return fmt.Errorf("source %s was stopped", s.cfg.Device)
	default:
	}

	s.wg.Add(1)
	go s.run()

	s.logger.Info("capture started",
		zap.String("kind", string(s.kind)),
		zap.Int("fps", s.cfg.FPS))
	return nil
}

// Stop ends capture and closes all subscriptions
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.cmdMu.Lock()
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.cmdMu.Unlock()

		s.wg.Wait()
		s.closeSubscribers()
		s.logger.Info("capture stopped")
	})
}

// IsRunning reports whether the capture loop is active
func (s *Source) IsRunning() bool {
	return s.running.Load()
}

func (s *Source) Subscribe(bufferSize int) (*pipeline.FrameSubscription, error) {
	select {
	case <-s.stopCh:
		return nil, fmt.Errorf("source %s is stopped", s.cfg.Device)
	default:
	}

	if bufferSize <= 0 {
		bufferSize = 5
	}

	sub := &pipeline.FrameSubscription{
		Channel: make(chan *pipeline.Frame, bufferSize),
		Done:    make(chan struct{}),
	}

	s.subMu.Lock()
	s.subscribers[sub] = true
	count := len(s.subscribers)
	s.subMu.Unlock()

	s.logger.Debug("new subscriber", zap.Int("subscribers", count))
	return sub, nil
}

func (s *Source) Unsubscribe(sub *pipeline.FrameSubscription) {
	if sub == nil {
		return
	}

	s.subMu.Lock()
	if _, ok := s.subscribers[sub]; ok {
		delete(s.subscribers, sub)
		close(sub.Done)
	}
	count := len(s.subscribers)
	s.subMu.Unlock()

	s.logger.Debug("subscriber removed", zap.Int("subscribers", count))
}

func (s *Source) Stats() pipeline.CaptureStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

func (s *Source) run() {
	defer s.wg.Done()
	defer s.running.Store(false)

	switch s.kind {
	case KindDirectory:
		s.captureDirectory()
		// A finished replay ends every subscription
		s.closeSubscribers()
	case KindHTTPImage:
		s.captureHTTPImages()
	default:
		s.captureFFmpegWithRetry()
	}
}

func (s *Source) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Source) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subscribers {
		close(sub.Done)
		delete(s.subscribers, sub)
	}
}

func (s *Source) frameInterval() time.Duration {
	return time.Second / time.Duration(s.cfg.FPS)
}

func (s *Source) captureHTTPImages() {
	client := &http.Client{Timeout: 10 * time.Second}
	interval := s.frameInterval()
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			frame, err := fetchImage(ctx, client, s.cfg.Device)
			if err != nil {
				if !s.stopped() {
					s.logger.Warn("failed to fetch frame", zap.Error(err))
				}
				continue
			}
			s.broadcastFrame(frame)
		}
	}
}

func fetchImage(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// captureDirectory replays image files at the configured frame rate
func (s *Source) captureDirectory() {
	dir := strings.TrimPrefix(s.cfg.Device, "dir:")

	ticker := time.NewTicker(s.frameInterval())
	defer ticker.Stop()

	for {
		files, err := listImages(dir)
		if err != nil {
			s.logger.Error("failed to list frames", zap.Error(err))
			return
		}
		if len(files) == 0 {
			s.logger.Warn("no image files to replay", zap.String("dir", dir))
			return
		}

		for _, path := range files {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
			}

			data, err := os.ReadFile(path)
			if err != nil {
				s.logger.Warn("failed to read frame", zap.String("file", path), zap.Error(err))
				continue
			}
			s.broadcastFrame(data)
		}

		if !s.cfg.Loop {
			s.logger.Info("replay finished", zap.Int("frames", len(files)))
			return
		}
	}
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// captureFFmpegWithRetry restarts ffmpeg until the source is stopped
func (s *Source) captureFFmpegWithRetry() {
	for {
		s.captureFFmpeg()

		if s.stopped() {
			return
		}

		s.statsMu.Lock()
		s.stats.ReconnectAttempts++
		attempts := s.stats.ReconnectAttempts
		s.statsMu.Unlock()
		metrics.SourceReconnectsTotal.Inc()

		s.logger.Warn("ffmpeg exited, reconnecting",
			zap.Uint64("attempt", attempts),
			zap.Duration("delay", reconnectDelay))

		select {
		case <-s.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// FFmpegArgs returns the ffmpeg arguments that stream device as MJPEG to stdout
func FFmpegArgs(device string, fps, width, height int) []string {
	output := []string{
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	}

	switch {
	case strings.HasPrefix(device, "rtsp://"):
		args := []string{"-rtsp_transport", "tcp", "-i", device, "-r", fmt.Sprintf("%d", fps)}
		return append(args, output...)
	case strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://"):
		args := []string{"-i", device, "-r", fmt.Sprintf("%d", fps)}
		return append(args, output...)
	default:
		// V4L2 device (USB camera)
		args := []string{"-f", "v4l2"}
		if width > 0 && height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", width, height))
		}
		args = append(args, "-framerate", fmt.Sprintf("%d", fps), "-i", device)
		return append(args, output...)
	}
}

func (s *Source) captureFFmpeg() {
	cmd := exec.Command("ffmpeg", FFmpegArgs(s.cfg.Device, s.cfg.FPS, s.cfg.Width, s.cfg.Height)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.logger.Error("failed to create stdout pipe", zap.Error(err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.logger.Error("failed to create stderr pipe", zap.Error(err))
		return
	}

	s.cmdMu.Lock()
	if s.stopped() {
		s.cmdMu.Unlock()
		return
	}
	if err := cmd.Start(); err != nil {
		s.cmdMu.Unlock()
		s.logger.Error("failed to start ffmpeg", zap.Error(err))
		return
	}
	s.cmd = cmd
	s.cmdMu.Unlock()

	defer func() {
		_ = cmd.Wait()
		s.cmdMu.Lock()
		s.cmd = nil
		s.cmdMu.Unlock()
	}()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.logger.Debug("ffmpeg", zap.String("line", scanner.Text()))
		}
	}()

	s.readMJPEG(stdout)
}

// readMJPEG splits a concatenated MJPEG stream into frames
func (s *Source) readMJPEG(r io.Reader) {
	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		if s.stopped() {
			return
		}

		n, err := r.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				s.broadcastFrame(frame)
			}
		}
		if err != nil {
			if err != io.EOF && !s.stopped() {
				s.logger.Warn("error reading frames", zap.Error(err))
			}
			return
		}
	}
}

func (s *Source) broadcastFrame(data []byte) {
	seq := s.frameSeq.Add(1)
	now := time.Now()

	width, height := s.cfg.Width, s.cfg.Height
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		width, height = cfg.Width, cfg.Height
	}

	frame := &pipeline.Frame{
		Seq:       seq,
		Timestamp: now,
		Data:      data,
		Width:     width,
		Height:    height,
	}

	s.statsMu.Lock()
	s.stats.FramesCaptured++
	s.stats.LastFrameTime = now.Unix()
	s.statsMu.Unlock()
	metrics.FramesCapturedTotal.Inc()

	dropped := 0
	s.subMu.RLock()
	for sub := range s.subscribers {
		select {
		case sub.Channel <- frame:
		default:
			// Subscriber is slow, drop frame
			dropped++
		}
	}
	subCount := len(s.subscribers)
	s.subMu.RUnlock()

	if dropped > 0 {
		s.statsMu.Lock()
		s.stats.FramesDropped += uint64(dropped)
		s.statsMu.Unlock()
		metrics.FramesDroppedTotal.Add(float64(dropped))
	}

	if seq%100 == 0 {
		s.logger.Debug("capture progress", zap.Uint64("frame", seq), zap.Int("subscribers", subCount))
	}
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	start := bytes.Index(buf, []byte{0xFF, 0xD8})
	if start == -1 {
		// Keep a trailing 0xFF that may begin a marker
		if n := len(buf); n > 0 && buf[n-1] == 0xFF {
			*buffer = buf[n-1:]
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	end := bytes.Index(buf[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		*buffer = buf[start:]
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = buf[end:]
	return frame
}

// Ensure Source implements FrameProvider
var _ pipeline.FrameProvider = (*Source)(nil)
