package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"personscan/internal/metrics"
)

// Options holds the optional collaborators of a Pipeline
type Options struct {
	Archive FaceArchive // Receives faces accepted into the gallery
	Logger  *zap.Logger
	Clock   func() time.Time // Used when a frame has no timestamp
}

// Pipeline runs body detection on every frame and throttled face detection,
// and publishes the results through State.
//
// Detector calls run in their own goroutines: Deliver never waits for a
// previous frame's detection. Overlapping completions update State in
// completion order.
type Pipeline struct {
	cfg       Config
	body      Detector
	face      Detector
	scheduler *FrameScheduler
	extractor *FaceExtractor
	state     *State
	archive   FaceArchive
	logger    *zap.Logger
	now       func() time.Time

	inflight sync.WaitGroup
	mu       sync.RWMutex
	closed   bool

	stats   PipelineStats
	statsMu sync.RWMutex
}

// New creates a pipeline. face may be nil when face detection is disabled.
func New(cfg Config, body, face Detector, scheduler *FrameScheduler, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if body == nil {
		return nil, errors.New("body detector is required")
	}
	if face == nil && cfg.FaceDetectionEnabled {
		return nil, errors.New("face detector is required when face detection is enabled")
	}
	if scheduler == nil {
		return nil, errors.New("frame scheduler is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	gallery := NewGallery(cfg.MaxStoredFaces, cfg.NewSamer())
	state := NewState(gallery, cfg.DropStaleResults)
	state.now = clock

	extractor := NewFaceExtractor()
	extractor.now = clock

	return &Pipeline{
		cfg:       cfg,
		body:      body,
		face:      face,
		scheduler: scheduler,
		extractor: extractor,
		state:     state,
		archive:   opts.Archive,
		logger:    logger.Named("pipeline"),
		now:       clock,
	}, nil
}

// State returns the published state
func (p *Pipeline) State() *State {
	return p.state
}

// Stats returns a copy of the pipeline counters
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// ResetGallery empties the gallery and lets the next frame start a face pass
// without waiting for the scan delay
func (p *Pipeline) ResetGallery() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	p.state.ResetGallery()
	p.scheduler.Rearm()
	metrics.GallerySize.Set(0)
	p.logger.Info("gallery reset")
}

// OnFrame implements FrameConsumer
func (p *Pipeline) OnFrame(frame *Frame) {
	p.Deliver(context.Background(), frame)
}

// Deliver hands one frame to the pipeline and returns without waiting for
// detection. ctx bounds the detector calls started for this frame.
func (p *Pipeline) Deliver(ctx context.Context, frame *Frame) {
	if !frame.Available() {
		p.updateStats(func(s *PipelineStats) { s.FramesUnavailable++ })
		metrics.FramesUnavailableTotal.Inc()
		p.logger.Warn("frame abandoned", zap.Error(ErrFrameUnavailable))
		return
	}

	now := frame.Timestamp
	if now.IsZero() {
		now = p.now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	decision := p.scheduler.OnFrame(frame, now)
	p.updateStats(func(s *PipelineStats) { s.FramesDelivered++ })
	metrics.FramesDeliveredTotal.Inc()

	if decision.RunBody {
		p.dispatch(func() { p.runBody(ctx, frame) })
	}
	if decision.RunFace && p.face != nil {
		p.dispatch(func() { p.runFace(ctx, frame) })
	}
}

// Run delivers frames from provider until ctx is cancelled or the
// subscription ends. Frames buffered when the subscription ends are still
// delivered.
func (p *Pipeline) Run(ctx context.Context, provider FrameProvider) error {
	sub, err := provider.Subscribe(5)
	if err != nil {
		return fmt.Errorf("failed to subscribe to frames: %w", err)
	}
	defer provider.Unsubscribe(sub)

	bodyStrategy, faceStrategy := p.scheduler.Names()
	p.logger.Info("processing loop started",
		zap.String("body_strategy", bodyStrategy),
		zap.String("face_strategy", faceStrategy),
		zap.Duration("face_scan_delay", p.cfg.FaceScanDelay),
		zap.Int("max_stored_faces", p.cfg.MaxStoredFaces))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done:
			for {
				select {
				case frame := <-sub.Channel:
					if frame != nil {
						p.Deliver(ctx, frame)
					}
				default:
					return nil
				}
			}
		case frame := <-sub.Channel:
			if frame == nil {
				continue
			}
			p.Deliver(ctx, frame)
		}
	}
}

// Wait blocks until the detections in flight have completed or ctx is done.
// Unlike Close it keeps the pipeline open.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting frames and seals the state so that detections still
// in flight cannot change it. It then waits for them until ctx is done.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.state.Close()

	if err := p.Wait(ctx); err != nil {
		p.logger.Warn("pipeline closed with detections still in flight",
			zap.Int64("in_flight", p.Stats().InFlight))
		return err
	}
	p.logger.Info("pipeline closed")
	return nil
}

// dispatch must be called with p.mu read-locked and p.closed false
func (p *Pipeline) dispatch(fn func()) {
	p.inflight.Add(1)
	p.updateStats(func(s *PipelineStats) { s.InFlight++ })
	metrics.DetectionsInFlight.Inc()

	go func() {
		defer func() {
			p.updateStats(func(s *PipelineStats) { s.InFlight-- })
			metrics.DetectionsInFlight.Dec()
			p.inflight.Done()
		}()
		fn()
	}()
}

func (p *Pipeline) runBody(ctx context.Context, frame *Frame) {
	boxes, err := p.detect(ctx, "body", p.body, frame)
	if err != nil {
		p.updateStats(func(s *PipelineStats) { s.BodyFailures++ })
		p.logger.Warn("body detection failed", zap.Uint64("frame_seq", frame.Seq), zap.Error(err))
		return
	}

	err = p.state.ApplyBodyResult(frame.Seq, boxes)
	if errors.Is(err, ErrStateClosed) {
		p.updateStats(func(s *PipelineStats) { s.LateResults++ })
		return
	}
	p.updateStats(func(s *PipelineStats) {
		s.BodyPasses++
		s.LastBodyTime = p.now().Unix()
		if errors.Is(err, ErrStaleResult) {
			s.StaleBodyResults++
		}
	})
	if err == nil {
		metrics.PersonCount.Set(float64(len(boxes)))
	}
}

func (p *Pipeline) runFace(ctx context.Context, frame *Frame) {
	boxes, err := p.detect(ctx, "face", p.face, frame)
	if err != nil {
		p.updateStats(func(s *PipelineStats) { s.FaceFailures++ })
		p.logger.Warn("face detection failed", zap.Uint64("frame_seq", frame.Seq), zap.Error(err))
		return
	}

	img, err := frame.Decode()
	if err != nil {
		p.updateStats(func(s *PipelineStats) { s.FaceFailures++ })
		p.logger.Warn("face pass abandoned", zap.Uint64("frame_seq", frame.Seq), zap.Error(err))
		return
	}

	batch, errs := p.extractor.ExtractAll(img, boxes)
	for _, extractErr := range errs {
		metrics.ExtractionFailuresTotal.Inc()
		p.logger.Debug("face skipped", zap.Uint64("frame_seq", frame.Seq), zap.Error(extractErr))
	}
	for _, face := range batch {
		face.FrameSeq = frame.Seq
	}

	accepted := p.state.OfferFaces(batch)
	if len(accepted) == 0 && p.state.Closed() {
		p.updateStats(func(s *PipelineStats) { s.LateResults++ })
		return
	}
	rejected := len(batch) - len(accepted)

	p.updateStats(func(s *PipelineStats) {
		s.FacePasses++
		s.LastFaceTime = p.now().Unix()
		s.ExtractionFailures += uint64(len(errs))
		s.FacesAccepted += uint64(len(accepted))
		s.FacesRejected += uint64(rejected)
	})
	metrics.FacesOfferedTotal.WithLabelValues("accepted").Add(float64(len(accepted)))
	metrics.FacesOfferedTotal.WithLabelValues("rejected").Add(float64(rejected))
	metrics.GallerySize.Set(float64(len(p.state.Snapshot().Faces)))

	if len(accepted) > 0 {
		p.logger.Info("faces added to gallery",
			zap.Uint64("frame_seq", frame.Seq),
			zap.Int("accepted", len(accepted)),
			zap.Int("rejected", rejected))
	}

	if p.archive == nil {
		return
	}
	for _, face := range accepted {
		if err := p.archive.SaveFace(ctx, face); err != nil {
			p.logger.Warn("failed to archive face", zap.String("face_id", face.ID), zap.Error(err))
		}
	}
}

// detect runs one detector call with the configured timeout and records its outcome
func (p *Pipeline) detect(ctx context.Context, pass string, det Detector, frame *Frame) ([]BoundingBox, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DetectionTimeout)
	defer cancel()

	start := time.Now()
	boxes, err := det.Detect(ctx, frame)
	metrics.DetectionDuration.WithLabelValues(pass).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.DetectionPassesTotal.WithLabelValues(pass, "failed").Inc()
		return nil, fmt.Errorf("%w (%s): %w", ErrDetectionFailed, det.Name(), err)
	}
	metrics.DetectionPassesTotal.WithLabelValues(pass, "ok").Inc()
	return boxes, nil
}

func (p *Pipeline) updateStats(fn func(s *PipelineStats)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}

// Ensure Pipeline implements FrameConsumer
var _ FrameConsumer = (*Pipeline)(nil)
