package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"personscan/internal/pipeline"
	"personscan/internal/pipeline/detectors"
)

type Config struct {
	FaceScanDelay        time.Duration `env:"FACE_SCAN_DELAY"        envDefault:"1s"`
	MaxStoredFaces       int           `env:"MAX_STORED_FACES"       envDefault:"15"`
	ThumbnailSize        int           `env:"THUMBNAIL_SIZE"         envDefault:"16"`
	DedupMode            string        `env:"DEDUP_MODE"             envDefault:"exact"`
	DedupHashDistance    int           `env:"DEDUP_HASH_DISTANCE"    envDefault:"5"`
	DropStaleResults     bool          `env:"DROP_STALE_RESULTS"     envDefault:"false"`
	FaceDetectionEnabled bool          `env:"FACE_DETECTION_ENABLED" envDefault:"true"`
	DetectionTimeout     time.Duration `env:"DETECTION_TIMEOUT"      envDefault:"15s"`

	SourceDevice string `env:"SOURCE_DEVICE" envDefault:"/dev/video0"`
	SourceFPS    int    `env:"SOURCE_FPS"    envDefault:"5"`
	SourceWidth  int    `env:"SOURCE_WIDTH"  envDefault:"640"`
	SourceHeight int    `env:"SOURCE_HEIGHT" envDefault:"480"`
	SourceLoop   bool   `env:"SOURCE_LOOP"   envDefault:"false"`

	BodyDetectorEndpoint string `env:"BODY_DETECTOR_ENDPOINT" envDefault:"localhost:50051"`
	FaceDetectorEndpoint string `env:"FACE_DETECTOR_ENDPOINT" envDefault:"localhost:50052"`
	DetectorTransport    string `env:"DETECTOR_TRANSPORT"     envDefault:"grpc"`

	HTTPAddr     string `env:"HTTP_ADDR"     envDefault:":8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"personscan.db"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`

	AuthEnabled  bool          `env:"AUTH_ENABLED"  envDefault:"false"`
	AuthUsername string        `env:"AUTH_USERNAME" envDefault:"admin"`
	AuthPassword string        `env:"AUTH_PASSWORD"`
	JWTSecret    string        `env:"JWT_SECRET"`
	JWTExpiry    time.Duration `env:"JWT_EXPIRY"    envDefault:"24h"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PipelineConfig converts the loaded settings into a validated pipeline.Config
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	pc := pipeline.Config{
		FaceScanDelay:        c.FaceScanDelay,
		MaxStoredFaces:       c.MaxStoredFaces,
		ThumbnailSize:        c.ThumbnailSize,
		DedupMode:            pipeline.DedupMode(c.DedupMode),
		DedupHashDistance:    c.DedupHashDistance,
		DropStaleResults:     c.DropStaleResults,
		FaceDetectionEnabled: c.FaceDetectionEnabled,
		DetectionTimeout:     c.DetectionTimeout,
	}
	if err := pc.Validate(); err != nil {
		return pipeline.Config{}, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return pc, nil
}

// Transport returns the detector transport, rejecting unknown values
func (c *Config) Transport() (detectors.Transport, error) {
	switch t := detectors.Transport(c.DetectorTransport); t {
	case detectors.TransportGRPC, detectors.TransportHTTP:
		return t, nil
	default:
		return "", fmt.Errorf("unknown detector transport: %q", c.DetectorTransport)
	}
}

// Validate checks settings the serve command cannot start without
func (c *Config) Validate() error {
	if _, err := c.PipelineConfig(); err != nil {
		return err
	}
	if _, err := c.Transport(); err != nil {
		return err
	}
	if c.SourceDevice == "" {
		return fmt.Errorf("source device cannot be empty")
	}
	if c.SourceFPS <= 0 {
		return fmt.Errorf("source fps must be positive, got %d", c.SourceFPS)
	}
	if c.AuthEnabled && c.AuthPassword == "" {
		return fmt.Errorf("AUTH_PASSWORD is required when authentication is enabled")
	}
	return nil
}
