package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"personscan/internal/pipeline"
	"personscan/internal/pipeline/strategies"
)

type memoryArchive struct {
	saved chan *pipeline.FaceImage
}

func (a *memoryArchive) SaveFace(ctx context.Context, f *pipeline.FaceImage) error {
	a.saved <- f
	return nil
}

func newPipeline(t *testing.T, cfg pipeline.Config, body, face pipeline.Detector, opts pipeline.Options) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(cfg, body, face, strategies.NewFrameScheduler(cfg, time.Now()), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

// pastScanDelay returns a capture time at which a pipeline built just now is
// due for its first face pass
func pastScanDelay() time.Time {
	return time.Now().Add(2 * pipeline.DefaultConfig().FaceScanDelay)
}

// frameAt returns a 64x64 frame whose quadrants have distinct colors
func frameAt(seq uint64, ts time.Time) *pipeline.Frame {
	img := solidImage(64, 64, distinctColor(0))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			q := 0
			if x >= 32 {
				q++
			}
			if y >= 32 {
				q += 2
			}
			img.Set(x, y, distinctColor(q*5+1))
		}
	}
	return &pipeline.Frame{Seq: seq, Timestamp: ts, Image: img, Width: 64, Height: 64}
}

var quadrants = []pipeline.BoundingBox{
	{X: 0, Y: 0.5, Width: 0.5, Height: 0.5},
	{X: 0.5, Y: 0.5, Width: 0.5, Height: 0.5},
	{X: 0, Y: 0, Width: 0.5, Height: 0.5},
	{X: 0.5, Y: 0, Width: 0.5, Height: 0.5},
}

func waitIdle(t *testing.T, p *pipeline.Pipeline) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().InFlight == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	sched := strategies.NewFrameScheduler(cfg, time.Now())
	body := newFakeDetector("body")

	_, err := pipeline.New(cfg, nil, body, sched, pipeline.Options{})
	assert.Error(t, err)

	_, err = pipeline.New(cfg, body, nil, sched, pipeline.Options{})
	assert.Error(t, err)

	_, err = pipeline.New(cfg, body, body, nil, pipeline.Options{})
	assert.Error(t, err)

	cfg.FaceDetectionEnabled = false
	_, err = pipeline.New(cfg, body, nil, strategies.NewFrameScheduler(cfg, time.Now()), pipeline.Options{})
	assert.NoError(t, err)

	cfg.MaxStoredFaces = -1
	_, err = pipeline.New(cfg, body, body, sched, pipeline.Options{})
	assert.Error(t, err)
}

func TestPipeline_BodyResultPublishesCount(t *testing.T) {
	body := newFakeDetector("body", quadrants[:2]...)
	face := newFakeDetector("face")
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), frameAt(1, time.Now()))
	waitIdle(t, p)

	snap := p.State().Snapshot()
	assert.Equal(t, 2, snap.PersonCount)
	assert.Equal(t, quadrants[:2], snap.BodyBoxes)
	assert.Equal(t, uint64(1), snap.BodySeq)
}

func TestPipeline_BodyRunsOnEveryFrameFaceIsThrottled(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face")
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	start := pastScanDelay()
	for i := 0; i < 3; i++ {
		p.Deliver(context.Background(), frameAt(uint64(i), start.Add(time.Duration(i)*200*time.Millisecond)))
	}
	waitIdle(t, p)

	assert.Equal(t, 3, body.Calls())
	assert.Equal(t, 1, face.Calls())

	// Past the delay the next frame runs a face pass
	p.Deliver(context.Background(), frameAt(3, start.Add(1100*time.Millisecond)))
	waitIdle(t, p)
	assert.Equal(t, 4, body.Calls())
	assert.Equal(t, 2, face.Calls())

	stats := p.Stats()
	assert.Equal(t, uint64(4), stats.FramesDelivered)
	assert.Equal(t, uint64(4), stats.BodyPasses)
	assert.Equal(t, uint64(2), stats.FacePasses)
}

func TestPipeline_FacesFillGallery(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face", quadrants...)
	archive := &memoryArchive{saved: make(chan *pipeline.FaceImage, 10)}
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{Archive: archive})

	p.Deliver(context.Background(), frameAt(7, pastScanDelay()))
	waitIdle(t, p)

	snap := p.State().Snapshot()
	require.Len(t, snap.Faces, 4)
	for _, f := range snap.Faces {
		assert.Equal(t, uint64(7), f.FrameSeq)
		assert.Equal(t, 32, f.Width())
	}
	assert.Len(t, archive.saved, 4)
	assert.Equal(t, uint64(4), p.Stats().FacesAccepted)
}

func TestPipeline_SameFacesAreNotStoredTwice(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.FaceScanDelay = 0

	body := newFakeDetector("body")
	face := newFakeDetector("face", quadrants[0])
	p := newPipeline(t, cfg, body, face, pipeline.Options{})

	start := pastScanDelay()
	p.Deliver(context.Background(), frameAt(1, start))
	waitIdle(t, p)
	p.Deliver(context.Background(), frameAt(2, start.Add(time.Millisecond)))
	waitIdle(t, p)

	assert.Equal(t, 2, face.Calls())
	assert.Len(t, p.State().Snapshot().Faces, 1)
	assert.Equal(t, uint64(1), p.Stats().FacesRejected)
}

func TestPipeline_BodyFailureKeepsState(t *testing.T) {
	body := newFakeDetector("body", quadrants[:3]...)
	face := newFakeDetector("face")
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), frameAt(1, time.Now()))
	waitIdle(t, p)
	before := p.State().Snapshot()

	body.set(errors.New("model crashed"))
	p.Deliver(context.Background(), frameAt(2, time.Now()))
	waitIdle(t, p)

	after := p.State().Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 3, after.PersonCount)
	assert.Equal(t, uint64(1), p.Stats().BodyFailures)
}

func TestPipeline_FaceFailureKeepsGallery(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face")
	face.set(errors.New("timeout"))
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), frameAt(1, pastScanDelay()))
	waitIdle(t, p)

	assert.Empty(t, p.State().Snapshot().Faces)
	assert.Equal(t, uint64(1), p.Stats().FaceFailures)
}

func TestPipeline_UndecodableFrameAbandonsFacePass(t *testing.T) {
	body := newFakeDetector("body", quadrants[0])
	face := newFakeDetector("face", quadrants[0])
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), &pipeline.Frame{Seq: 1, Timestamp: pastScanDelay(), Data: []byte("not an image")})
	waitIdle(t, p)

	snap := p.State().Snapshot()
	assert.Equal(t, 1, snap.PersonCount)
	assert.Empty(t, snap.Faces)
}

func TestPipeline_EncodedFrame(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face", quadrants[3])
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	frame := frameAt(1, pastScanDelay())
	data := encodePNG(t, frame.Image)
	p.Deliver(context.Background(), &pipeline.Frame{Seq: 1, Timestamp: frame.Timestamp, Data: data})
	waitIdle(t, p)

	faces := p.State().Snapshot().Faces
	require.Len(t, faces, 1)
	assert.Equal(t, 32, faces[0].Height())
}

func TestPipeline_ExtractionFailureKeepsBatch(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face",
		quadrants[0],
		pipeline.BoundingBox{X: 2, Y: 2, Width: 0.1, Height: 0.1},
		quadrants[3],
	)
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), frameAt(1, pastScanDelay()))
	waitIdle(t, p)

	assert.Len(t, p.State().Snapshot().Faces, 2)
	assert.Equal(t, uint64(1), p.Stats().ExtractionFailures)
}

func TestPipeline_UnavailableFrame(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face")
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), &pipeline.Frame{Seq: 1})
	p.Deliver(context.Background(), nil)

	assert.Zero(t, body.Calls())
	assert.Zero(t, face.Calls())
	assert.Equal(t, uint64(2), p.Stats().FramesUnavailable)
}

func TestPipeline_FaceDetectionDisabled(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.FaceDetectionEnabled = false
	body := newFakeDetector("body", quadrants[0])
	p := newPipeline(t, cfg, body, nil, pipeline.Options{})

	p.Deliver(context.Background(), frameAt(1, time.Now()))
	waitIdle(t, p)

	assert.Equal(t, 1, body.Calls())
	assert.Equal(t, 1, p.State().Snapshot().PersonCount)
	assert.Zero(t, p.Stats().FacePasses)
}

func TestPipeline_DeliverDoesNotWaitForDetection(t *testing.T) {
	body := newFakeDetector("body", quadrants[0])
	body.release = make(chan struct{})
	face := newFakeDetector("face")
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			p.Deliver(context.Background(), frameAt(uint64(i), time.Now()))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on a running detection")
	}
	require.Eventually(t, func() bool { return body.Calls() == 5 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, p.Stats().InFlight, int64(5))

	close(body.release)
	waitIdle(t, p)
	assert.Equal(t, 1, p.State().Snapshot().PersonCount)
}

func TestPipeline_CloseDiscardsLateResults(t *testing.T) {
	body := newFakeDetector("body", quadrants...)
	body.release = make(chan struct{})
	face := newFakeDetector("face")
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), frameAt(1, time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	close(body.release)
	waitIdle(t, p)

	assert.Zero(t, p.State().Snapshot().PersonCount)
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.LateResults)
	assert.Zero(t, stats.StaleBodyResults)
	assert.Zero(t, stats.BodyPasses)

	// Frames after Close are ignored
	p.Deliver(context.Background(), frameAt(2, time.Now()))
	assert.Equal(t, 1, body.Calls())
}

type sliceProvider struct {
	sub *pipeline.FrameSubscription
}

func newSliceProvider() *sliceProvider {
	return &sliceProvider{sub: &pipeline.FrameSubscription{
		Channel: make(chan *pipeline.Frame, 16),
		Done:    make(chan struct{}),
	}}
}

func (sp *sliceProvider) Subscribe(bufferSize int) (*pipeline.FrameSubscription, error) {
	return sp.sub, nil
}

func (sp *sliceProvider) Unsubscribe(sub *pipeline.FrameSubscription) {}

func (sp *sliceProvider) Stats() pipeline.CaptureStats { return pipeline.CaptureStats{} }

func TestPipeline_Run(t *testing.T) {
	body := newFakeDetector("body", quadrants[:2]...)
	face := newFakeDetector("face")
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	provider := newSliceProvider()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background(), provider) }()

	now := pastScanDelay()
	provider.sub.Channel <- frameAt(1, now)
	provider.sub.Channel <- frameAt(2, now.Add(10*time.Millisecond))

	require.Eventually(t, func() bool { return body.Calls() == 2 }, time.Second, time.Millisecond)
	close(provider.sub.Done)
	require.NoError(t, <-errCh)

	waitIdle(t, p)
	assert.Equal(t, 2, p.State().Snapshot().PersonCount)
	assert.Equal(t, 1, face.Calls())
}

func TestPipeline_WaitKeepsResults(t *testing.T) {
	body := newFakeDetector("body", quadrants[:3]...)
	body.release = make(chan struct{})
	face := newFakeDetector("face")
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), frameAt(1, time.Now()))

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(short), context.DeadlineExceeded)

	close(body.release)
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, 3, p.State().Snapshot().PersonCount)

	// The pipeline still accepts frames after Wait
	p.Deliver(context.Background(), frameAt(2, time.Now()))
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, 2, body.Calls())
}

func TestPipeline_ResetGalleryRearmsFacePass(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face", quadrants[0])
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	now := pastScanDelay()
	p.Deliver(context.Background(), frameAt(1, now))
	waitIdle(t, p)
	require.Len(t, p.State().Snapshot().Faces, 1)

	p.ResetGallery()
	assert.Empty(t, p.State().Snapshot().Faces)

	// Well within the scan delay, but the reset re-armed the face pass
	p.Deliver(context.Background(), frameAt(2, now.Add(100*time.Millisecond)))
	waitIdle(t, p)
	assert.Equal(t, 2, face.Calls())
	assert.Len(t, p.State().Snapshot().Faces, 1)
}

func TestPipeline_NoFacePassRightAfterConstruction(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face", quadrants[0])
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	now := time.Now()
	p.Deliver(context.Background(), frameAt(1, now))
	p.Deliver(context.Background(), frameAt(2, now.Add(500*time.Millisecond)))
	waitIdle(t, p)

	assert.Equal(t, 2, body.Calls())
	assert.Zero(t, face.Calls())
	assert.Empty(t, p.State().Snapshot().Faces)
}

func TestPipeline_ResetGalleryAfterCloseIsIgnored(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face", quadrants[0])
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), frameAt(1, pastScanDelay()))
	waitIdle(t, p)
	require.NoError(t, p.Close(context.Background()))
	require.Len(t, p.State().Snapshot().Faces, 1)

	p.ResetGallery()
	assert.Len(t, p.State().Snapshot().Faces, 1)
}

func TestPipeline_LateFaceResultIsNotCounted(t *testing.T) {
	body := newFakeDetector("body")
	face := newFakeDetector("face", quadrants[0])
	face.release = make(chan struct{})
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{})

	p.Deliver(context.Background(), frameAt(1, pastScanDelay()))
	require.Eventually(t, func() bool { return p.Stats().BodyPasses == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	close(face.release)
	waitIdle(t, p)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.LateResults)
	assert.Zero(t, stats.FacePasses)
	assert.Zero(t, stats.FacesRejected)
}

func TestPipeline_DetectorErrorIsWrapped(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	body := newFakeDetector("body")
	body.set(context.DeadlineExceeded)
	face := newFakeDetector("face")
	p := newPipeline(t, pipeline.DefaultConfig(), body, face, pipeline.Options{Logger: zap.New(core)})

	p.Deliver(context.Background(), frameAt(1, time.Now()))
	waitIdle(t, p)

	entries := logs.FilterMessage("body detection failed").All()
	require.Len(t, entries, 1)
	var logged error
	for _, f := range entries[0].Context {
		if f.Key == "error" {
			logged, _ = f.Interface.(error)
		}
	}
	require.Error(t, logged)
	assert.ErrorIs(t, logged, pipeline.ErrDetectionFailed)
	assert.ErrorIs(t, logged, context.DeadlineExceeded)
}
