package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"personscan/internal/pipeline"
)

// Preview enlargement of a body box around its center
const (
	widthScale  = 1.2
	heightScale = 1.5
)

var (
	boxColor   = color.RGBA{94, 214, 145, 255}
	labelColor = color.RGBA{255, 255, 255, 255}
)

// ErrNoFrame is returned when no frame has been recorded yet
var ErrNoFrame = fmt.Errorf("no frame recorded")

// ExpandedRect maps a normalized, bottom-left-origin box to the enlarged
// pixel rectangle drawn on a width x height frame
func ExpandedRect(box pipeline.BoundingBox, width, height int) image.Rectangle {
	w := box.Width * float64(width)
	h := box.Height * float64(height)
	cx := box.X*float64(width) + w/2
	cy := (1-box.Y-box.Height)*float64(height) + h/2

	nw := w * widthScale
	nh := h * heightScale

	return image.Rect(
		int(math.Round(cx-nw/2)),
		int(math.Round(cy-nh/2)),
		int(math.Round(cx+nw/2)),
		int(math.Round(cy+nh/2)),
	)
}

// Render draws the snapshot's body boxes and person count on a copy of img
func Render(img image.Image, snap pipeline.Snapshot) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)

	for _, box := range snap.BodyBoxes {
		r := ExpandedRect(box, bounds.Dx(), bounds.Dy())
		drawBox(rgba, r, boxColor, 3)
	}

	label := fmt.Sprintf("persons: %d  faces: %d/%d", snap.PersonCount, len(snap.Faces), snap.GalleryCap)
	drawLabel(rgba, 4, 4, label, labelColor)
	return rgba
}

// RenderJPEG decodes frame, renders the overlay and encodes the result as JPEG
func RenderJPEG(frame *pipeline.Frame, snap pipeline.Snapshot) ([]byte, error) {
	img, err := frame.Decode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Render(img, snap), &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

// drawBox draws a rectangle outline clipped to the image
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	bounds := img.Bounds()

	for t := 0; t < thickness; t++ {
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y+t, r.Max.X, r.Min.Y+t+1), // top
			image.Rect(r.Min.X, r.Max.Y-t-1, r.Max.X, r.Max.Y-t), // bottom
			image.Rect(r.Min.X+t, r.Min.Y, r.Min.X+t+1, r.Max.Y), // left
			image.Rect(r.Max.X-t-1, r.Min.Y, r.Max.X-t, r.Max.Y), // right
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(bounds), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	bg := image.Rect(x-2, y-2, x+textWidth+2, y+14).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(bgColor), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// Recorder keeps the most recent frame so that overlays can be rendered on
// demand. It implements pipeline.FrameConsumer.
type Recorder struct {
	mu     sync.RWMutex
	latest *pipeline.Frame
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnFrame(frame *pipeline.Frame) {
	if !frame.Available() {
		return
	}
	r.mu.Lock()
	r.latest = frame
	r.mu.Unlock()
}

// Latest returns the most recent frame, or nil
func (r *Recorder) Latest() *pipeline.Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Snapshot renders the overlay for state on the most recent frame
func (r *Recorder) Snapshot(state *pipeline.State) ([]byte, error) {
	frame := r.Latest()
	if frame == nil {
		return nil, ErrNoFrame
	}
	return RenderJPEG(frame, state.Snapshot())
}

// Ensure Recorder implements FrameConsumer
var _ pipeline.FrameConsumer = (*Recorder)(nil)
