package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"personscan/internal/pipeline"
	"personscan/internal/pipeline/detectors"
)

var (
	bridgeListen   string
	bridgeUpstream string
	bridgeName     string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose an HTTP detection service as a gRPC detector",
	RunE: func(cmd *cobra.Command, args []string) error {
		if bridgeUpstream == "" {
			return fmt.Errorf("--upstream is required")
		}

		upstream, err := detectors.NewHTTPDetector(detectors.HTTPDetectorConfig{
			Name:     bridgeName,
			Endpoint: bridgeUpstream,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		defer upstream.Close()

		lis, err := net.Listen("tcp", bridgeListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", bridgeListen, err)
		}
		return runBridge(cmd.Context(), lis, upstream)
	},
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeListen, "listen", ":50051", "gRPC listen address")
	bridgeCmd.Flags().StringVar(&bridgeUpstream, "upstream", "", "HTTP detection service base URL, e.g. http://yolo:8000")
	bridgeCmd.Flags().StringVar(&bridgeName, "name", detectors.BodyDetectorName, "Detector name")
	rootCmd.AddCommand(bridgeCmd)
}

// runBridge serves det on lis until ctx is done, reporting the upstream
// health through the standard health service
func runBridge(ctx context.Context, lis net.Listener, det pipeline.Detector) error {
	s := grpc.NewServer()
	hs := detectors.RegisterDetectorService(s, det)

	go watchHealth(ctx, hs, det, 10*time.Second)

	errc := make(chan error, 1)
	go func() {
		log.Info("detector bridge listening",
			zap.String("addr", lis.Addr().String()),
			zap.String("detector", det.Name()))
		errc <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		s.GracefulStop()
		return nil
	case err := <-errc:
		return err
	}
}

func watchHealth(ctx context.Context, hs *health.Server, det pipeline.Detector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if !det.IsHealthy() {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(detectors.DetectorServiceName, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
