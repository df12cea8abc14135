package pipeline_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"personscan/internal/pipeline"
)

// fakeDetector returns canned boxes and records how often it was called
type fakeDetector struct {
	name    string
	mu      sync.Mutex
	boxes   []pipeline.BoundingBox
	err     error
	calls   int
	release chan struct{} // Detect blocks until closed, if set
}

func newFakeDetector(name string, boxes ...pipeline.BoundingBox) *fakeDetector {
	return &fakeDetector{name: name, boxes: boxes}
}

func (d *fakeDetector) Name() string    { return d.name }
func (d *fakeDetector) IsHealthy() bool { return true }
func (d *fakeDetector) Close() error    { return nil }

func (d *fakeDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.BoundingBox, error) {
	d.mu.Lock()
	d.calls++
	boxes, err, release := d.boxes, d.err, d.release
	d.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return boxes, nil
}

func (d *fakeDetector) set(err error, boxes ...pipeline.BoundingBox) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
	d.boxes = boxes
}

func (d *fakeDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// solidImage returns a uniformly colored image
func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// gradientImage returns a diagonal gradient, used where images must differ in structure
func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x + y) * 255 / (w + h))
			img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

// invert returns the negative of img
func invert(img *image.NRGBA) *image.NRGBA {
	out := image.NewNRGBA(img.Bounds())
	for i := 0; i < len(img.Pix); i += 4 {
		out.Pix[i] = 255 - img.Pix[i]
		out.Pix[i+1] = 255 - img.Pix[i+1]
		out.Pix[i+2] = 255 - img.Pix[i+2]
		out.Pix[i+3] = img.Pix[i+3]
	}
	return out
}

// distinctColor returns a different opaque color for every i < 64
func distinctColor(i int) color.NRGBA {
	return color.NRGBA{R: uint8(i * 4), G: uint8(255 - i*3), B: uint8(i * 7 % 256), A: 255}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func face(img image.Image) *pipeline.FaceImage {
	return &pipeline.FaceImage{ID: "test", Image: img}
}
