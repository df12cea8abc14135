package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"personscan/internal/config"
	"personscan/internal/pipeline"
	"personscan/internal/pipeline/detectors"
)

func setupCLI(t *testing.T) {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)
	c.DatabasePath = filepath.Join(t.TempDir(), "personscan.db")
	cfg = c
	log = zap.NewNop()
}

// detectorServer answers /detect with fixed boxes
func detectorServer(t *testing.T, boxes ...pipeline.BoundingBox) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"boxes": boxes})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeFrames(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
		for y := 0; y < 30; y++ {
			for x := 0; x < 40; x++ {
				img.Set(x, y, color.NRGBA{R: uint8(x * 6), G: uint8(y * 8), B: uint8(i * 50), A: 255})
			}
		}
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("frame_%02d.png", i)), buf.Bytes(), 0o644))
	}
	return dir
}

func TestApplyFlags(t *testing.T) {
	setupCLI(t)
	cmd := &cobra.Command{Use: "test"}
	addPipelineFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--device", "rtsp://cam/stream",
		"--face-scan-delay", "2s",
		"--max-faces", "3",
		"--no-faces",
	}))

	c := *cfg
	applyFlags(cmd, &c)

	assert.Equal(t, "rtsp://cam/stream", c.SourceDevice)
	assert.Equal(t, 2*time.Second, c.FaceScanDelay)
	assert.Equal(t, 3, c.MaxStoredFaces)
	assert.False(t, c.FaceDetectionEnabled)
	// untouched flags keep the environment value
	assert.Equal(t, cfg.DetectorTransport, c.DetectorTransport)
	assert.Equal(t, cfg.SourceFPS, c.SourceFPS)
}

func TestScan(t *testing.T) {
	setupCLI(t)
	body := detectorServer(t, pipeline.BoundingBox{X: 0.1, Y: 0.1, Width: 0.3, Height: 0.8})
	face := detectorServer(t, pipeline.BoundingBox{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5})

	cfg.SourceDevice = "dir:" + writeFrames(t, 3)
	cfg.SourceFPS = 50
	cfg.DetectorTransport = string(detectors.TransportHTTP)
	cfg.BodyDetectorEndpoint = body.URL
	cfg.FaceDetectorEndpoint = face.URL
	scanOut = filepath.Join(t.TempDir(), "faces")
	scanArchive = true
	t.Cleanup(func() { scanOut, scanArchive = "", false })

	var out bytes.Buffer
	require.NoError(t, runScan(context.Background(), &out))

	assert.Contains(t, out.String(), "Frames:        3 (0 unreadable)")
	assert.Contains(t, out.String(), "Persons:       1 in the last result")
	// one face pass within the scan delay
	assert.Contains(t, out.String(), "Face passes:   1 (0 failed)")
	assert.Contains(t, out.String(), "Faces:         1/15")

	files, err := filepath.Glob(filepath.Join(scanOut, "*.png"))
	require.NoError(t, err)
	assert.Len(t, files, 1)

	db, err := openDatabase()
	require.NoError(t, err)
	defer db.Close()
	archived, err := db.ListFaces(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestPrintFacesAndSessions(t *testing.T) {
	setupCLI(t)
	db, err := openDatabase()
	require.NoError(t, err)
	defer db.Close()

	var out bytes.Buffer
	printFaces(&out, nil)
	assert.Equal(t, "No faces archived.\n", out.String())

	ctx := context.Background()
	session, err := db.StartSession(ctx, "/dev/video0", pipeline.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, db.SaveFace(ctx, session.ID, &pipeline.FaceImage{
		ID:    "face-1",
		Image: image.NewNRGBA(image.Rect(0, 0, 10, 12)),
	}))

	faces, err := db.ListFaces(ctx, "", 0)
	require.NoError(t, err)
	out.Reset()
	printFaces(&out, faces)
	assert.Contains(t, out.String(), "face-1")
	assert.Contains(t, out.String(), "10x12")
	assert.Contains(t, out.String(), shortID(session.ID))

	sessions, err := db.ListSessions(ctx, 0)
	require.NoError(t, err)
	out.Reset()
	printSessions(&out, sessions)
	assert.Contains(t, out.String(), "/dev/video0")
	assert.Contains(t, out.String(), "running")
}

type staticDetector struct {
	boxes []pipeline.BoundingBox
}

func (d *staticDetector) Name() string    { return "body" }
func (d *staticDetector) IsHealthy() bool { return true }
func (d *staticDetector) Close() error    { return nil }
func (d *staticDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.BoundingBox, error) {
	return d.boxes, nil
}

func TestBridge(t *testing.T) {
	setupCLI(t)
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- runBridge(ctx, lis, &staticDetector{boxes: []pipeline.BoundingBox{{X: 0.5, Y: 0.5, Width: 0.25, Height: 0.25}}})
	}()

	client, err := detectors.NewGRPCDetector(detectors.GRPCDetectorConfig{
		Name:     "body",
		Endpoint: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	defer client.Close()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4))))

	boxes, err := client.Detect(context.Background(), &pipeline.Frame{Data: buf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, []pipeline.BoundingBox{{X: 0.5, Y: 0.5, Width: 0.25, Height: 0.25}}, boxes)
	assert.True(t, client.IsHealthy())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
