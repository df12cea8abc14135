package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"personscan/internal/pipeline"
)

// HTTPDetectorConfig holds configuration for the HTTP detector
type HTTPDetectorConfig struct {
	Name     string
	Endpoint string // Base URL, e.g. http://yolo:8000
	Client   *http.Client
	Logger   *zap.Logger
}

// HTTPDetector posts frames to a detection service's /detect endpoint
type HTTPDetector struct {
	name     string
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	healthy     bool
	healthCheck time.Time
	healthMu    sync.RWMutex
}

// httpDetectResponse is the JSON body returned by /detect
type httpDetectResponse struct {
	Boxes           []pipeline.BoundingBox `json:"boxes"`
	InferenceTimeMs float32                `json:"inference_time_ms"`
}

// NewHTTPDetector creates an HTTP detector
func NewHTTPDetector(cfg HTTPDetectorConfig) (*HTTPDetector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("detector name cannot be empty")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("detector %q: endpoint cannot be empty", cfg.Name)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPDetector{
		name:     cfg.Name,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   client,
		logger:   logger.Named("http-detector").With(zap.String("detector", cfg.Name)),
	}, nil
}

func (d *HTTPDetector) Name() string {
	return d.name
}

// IsHealthy checks GET /health, caching a healthy answer for 30 seconds
func (d *HTTPDetector) IsHealthy() bool {
	d.healthMu.RLock()
	if d.healthy && time.Since(d.healthCheck) < healthCacheTTL {
		d.healthMu.RUnlock()
		return true
	}
	d.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		d.setHealthy(false)
		return false
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("health check failed", zap.Error(err))
		d.setHealthy(false)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Warn("health check returned unexpected status", zap.Int("status", resp.StatusCode))
		d.setHealthy(false)
		return false
	}

	d.setHealthy(true)
	return true
}

func (d *HTTPDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.BoundingBox, error) {
	data, err := frame.Encoded()
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", http.DetectContentType(data))
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.setHealthy(false)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("detect returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result httpDetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detect response: %w", err)
	}
	if result.Boxes == nil {
		result.Boxes = []pipeline.BoundingBox{}
	}

	d.logger.Debug("detect completed",
		zap.Int("boxes", len(result.Boxes)),
		zap.Float32("inference_ms", result.InferenceTimeMs))
	return result.Boxes, nil
}

// Close drops idle keep-alive connections
func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *HTTPDetector) setHealthy(healthy bool) {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	d.healthy = healthy
	if healthy {
		d.healthCheck = time.Now()
	}
}

// Ensure HTTPDetector implements Detector
var _ pipeline.Detector = (*HTTPDetector)(nil)
