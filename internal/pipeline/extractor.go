package pipeline

import (
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// FaceExtractor cuts detected faces out of frames
type FaceExtractor struct {
	now func() time.Time
}

// NewFaceExtractor creates a face extractor
func NewFaceExtractor() *FaceExtractor {
	return &FaceExtractor{now: time.Now}
}

// CropRect converts a normalized, bottom-left-origin box into the integral
// top-left-origin pixel rectangle covering it in a width x height frame
func CropRect(box BoundingBox, width, height int) image.Rectangle {
	w := float64(width)
	h := float64(height)

	x := box.X * w
	y := (1 - box.Y - box.Height) * h
	pw := box.Width * w
	ph := box.Height * h

	return image.Rect(
		int(math.Floor(x)),
		int(math.Floor(y)),
		int(math.Ceil(x+pw)),
		int(math.Ceil(y+ph)),
	)
}

// Extract crops one face box out of img.
// The crop is clipped to the image; a box that misses the image entirely fails.
func (e *FaceExtractor) Extract(img image.Image, box BoundingBox) (*FaceImage, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no source image", ErrExtractionFailed)
	}
	if !box.IsFinite() || box.Width <= 0 || box.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid box %+v", ErrExtractionFailed, box)
	}

	bounds := img.Bounds()
	rect := CropRect(box, bounds.Dx(), bounds.Dy()).Add(bounds.Min)
	clipped := rect.Intersect(bounds)
	if clipped.Empty() {
		return nil, fmt.Errorf("%w: rect %v outside image %v", ErrExtractionFailed, rect, bounds)
	}

	crop := imaging.Crop(img, clipped)
	if crop.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty crop for rect %v", ErrExtractionFailed, clipped)
	}

	return &FaceImage{
		ID:        uuid.NewString(),
		Image:     crop,
		Box:       box,
		Rect:      clipped.Sub(bounds.Min),
		CreatedAt: e.now(),
	}, nil
}

// ExtractAll crops every box, skipping the ones that fail.
// The returned errors are the per-box failures in detection order.
func (e *FaceExtractor) ExtractAll(img image.Image, boxes []BoundingBox) ([]*FaceImage, []error) {
	faces := make([]*FaceImage, 0, len(boxes))
	var errs []error
	for i, box := range boxes {
		face, err := e.Extract(img, box)
		if err != nil {
			errs = append(errs, fmt.Errorf("box %d: %w", i, err))
			continue
		}
		faces = append(faces, face)
	}
	return faces, errs
}
