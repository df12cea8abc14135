package pipeline

import (
	"fmt"
	"time"
)

// DedupMode selects how gallery candidates are compared
type DedupMode string

const (
	// DedupModeExact - 16x16 thumbnails must encode to identical PNG bytes
	DedupModeExact DedupMode = "exact"
	// DedupModePerceptual - perceptual hashes within a Hamming distance
	DedupModePerceptual DedupMode = "phash"
)

// Config contains the pipeline tunables
type Config struct {
	FaceScanDelay        time.Duration // Minimum time between face passes
	MaxStoredFaces       int           // Gallery capacity
	ThumbnailSize        int           // Side of the square dedup thumbnail
	DedupMode            DedupMode
	DedupHashDistance    int           // Max Hamming distance for DedupModePerceptual
	DropStaleResults     bool          // Ignore body results older than the last applied one
	FaceDetectionEnabled bool
	DetectionTimeout     time.Duration // Per detector call
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		FaceScanDelay:        time.Second,
		MaxStoredFaces:       15,
		ThumbnailSize:        16,
		DedupMode:            DedupModeExact,
		DedupHashDistance:    5,
		DropStaleResults:     false,
		FaceDetectionEnabled: true,
		DetectionTimeout:     15 * time.Second,
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (c Config) Validate() error {
	if c.FaceScanDelay < 0 {
		return fmt.Errorf("face scan delay must not be negative, got %s", c.FaceScanDelay)
	}
	if c.MaxStoredFaces < 0 {
		return fmt.Errorf("max stored faces must not be negative, got %d", c.MaxStoredFaces)
	}
	if c.ThumbnailSize <= 0 {
		return fmt.Errorf("thumbnail size must be positive, got %d", c.ThumbnailSize)
	}
	switch c.DedupMode {
	case DedupModeExact:
	case DedupModePerceptual:
		if c.DedupHashDistance < 0 {
			return fmt.Errorf("dedup hash distance must not be negative, got %d", c.DedupHashDistance)
		}
	default:
		return fmt.Errorf("unknown dedup mode: %s", c.DedupMode)
	}
	if c.DetectionTimeout <= 0 {
		return fmt.Errorf("detection timeout must be positive, got %s", c.DetectionTimeout)
	}
	return nil
}

// NewSamer builds the similarity test selected by DedupMode
func (c Config) NewSamer() Samer {
	if c.DedupMode == DedupModePerceptual {
		return &HashSamer{MaxDistance: c.DedupHashDistance}
	}
	return &ThumbnailSamer{Size: c.ThumbnailSize}
}
