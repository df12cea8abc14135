package pipeline

import (
	"bytes"
	"image"
	"image/png"

	"github.com/corona10/goimagehash"
	xdraw "golang.org/x/image/draw"
)

// Gallery is the bounded, insertion-ordered set of accepted faces.
// Once full it stays full: nothing is ever evicted.
// Gallery is not safe for concurrent use; State serializes access to it.
type Gallery struct {
	capacity int
	samer    Samer
	faces    []*FaceImage
}

// NewGallery creates an empty gallery
func NewGallery(capacity int, samer Samer) *Gallery {
	if samer == nil {
		samer = &ThumbnailSamer{Size: 16}
	}
	return &Gallery{
		capacity: capacity,
		samer:    samer,
		faces:    make([]*FaceImage, 0, capacity),
	}
}

// TryInsert appends candidate unless the gallery is full or already holds a
// similar face. It returns true if the candidate was inserted.
func (g *Gallery) TryInsert(candidate *FaceImage) bool {
	if candidate == nil || candidate.Image == nil {
		return false
	}
	if len(g.faces) >= g.capacity {
		return false
	}
	for _, existing := range g.faces {
		if g.samer.Same(existing.Image, candidate.Image) {
			return false
		}
	}
	g.faces = append(g.faces, candidate)
	return true
}

// Len returns the number of stored faces
func (g *Gallery) Len() int {
	return len(g.faces)
}

// Cap returns the gallery capacity
func (g *Gallery) Cap() int {
	return g.capacity
}

// Full reports whether no further insertion can succeed
func (g *Gallery) Full() bool {
	return len(g.faces) >= g.capacity
}

// Faces returns a copy of the stored faces in insertion order
func (g *Gallery) Faces() []*FaceImage {
	out := make([]*FaceImage, len(g.faces))
	copy(out, g.faces)
	return out
}

// Reset empties the gallery
func (g *Gallery) Reset() {
	g.faces = make([]*FaceImage, 0, g.capacity)
}

// ThumbnailSamer calls two images the same when their Size x Size
// thumbnails encode to byte-identical PNGs. This is an exact match on a
// heavy downscale, not a perceptual comparison.
type ThumbnailSamer struct {
	Size int
}

// Thumbnail returns the canonical PNG encoding of the downscaled image
func (s *ThumbnailSamer) Thumbnail(img image.Image) ([]byte, error) {
	size := s.Size
	if size <= 0 {
		size = 16
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, dst); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *ThumbnailSamer) Same(img1, img2 image.Image) bool {
	a, err := s.Thumbnail(img1)
	if err != nil {
		return false
	}
	b, err := s.Thumbnail(img2)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// HashSamer calls two images the same when their perceptual hashes are
// within MaxDistance bits of each other
type HashSamer struct {
	MaxDistance int
}

func (s *HashSamer) Same(img1, img2 image.Image) bool {
	a, err := goimagehash.PerceptionHash(img1)
	if err != nil {
		return false
	}
	b, err := goimagehash.PerceptionHash(img2)
	if err != nil {
		return false
	}
	distance, err := a.Distance(b)
	if err != nil {
		return false
	}
	return distance <= s.MaxDistance
}
