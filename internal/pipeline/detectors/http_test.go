package detectors_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personscan/internal/pipeline"
	"personscan/internal/pipeline/detectors"
)

func newHTTPDetector(t *testing.T, handler http.Handler) *detectors.HTTPDetector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	d, err := detectors.NewHTTPDetector(detectors.HTTPDetectorConfig{
		Name:     "body",
		Endpoint: srv.URL + "/",
		Client:   srv.Client(),
	})
	require.NoError(t, err)
	return d
}

func TestHTTPDetector_Detect(t *testing.T) {
	frame := testFrame(t)
	var received []byte

	mux := http.NewServeMux()
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		file, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		received, _ = io.ReadAll(file)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"boxes":             []map[string]float64{{"x": 0.1, "y": 0.2, "width": 0.3, "height": 0.4}},
			"inference_time_ms": 12.5,
		})
	})
	d := newHTTPDetector(t, mux)

	boxes, err := d.Detect(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.BoundingBox{{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}}, boxes)
	assert.Equal(t, frame.Data, received)
}

func TestHTTPDetector_EmptyResponse(t *testing.T) {
	d := newHTTPDetector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	boxes, err := d.Detect(context.Background(), testFrame(t))
	require.NoError(t, err)
	assert.NotNil(t, boxes)
	assert.Empty(t, boxes)
}

func TestHTTPDetector_ErrorStatus(t *testing.T) {
	d := newHTTPDetector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))

	_, err := d.Detect(context.Background(), testFrame(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPDetector_BadJSON(t *testing.T) {
	d := newHTTPDetector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))

	_, err := d.Detect(context.Background(), testFrame(t))
	assert.Error(t, err)
}

func TestHTTPDetector_IsHealthy(t *testing.T) {
	var checks atomic.Int32

	d := newHTTPDetector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			checks.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	}))

	assert.True(t, d.IsHealthy())
	assert.True(t, d.IsHealthy())
	assert.Equal(t, int32(1), checks.Load())

	unhealthy := newHTTPDetector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	assert.False(t, unhealthy.IsHealthy())
}
