package detectors

import (
	"fmt"

	"go.uber.org/zap"

	"personscan/internal/pipeline"
)

// Transport selects how a remote detector is reached
type Transport string

const (
	TransportGRPC Transport = "grpc"
	TransportHTTP Transport = "http"
)

// NewRemote creates a detector for endpoint over the given transport
func NewRemote(transport Transport, name, endpoint string, logger *zap.Logger) (pipeline.Detector, error) {
	switch transport {
	case TransportGRPC:
		return NewGRPCDetector(GRPCDetectorConfig{Name: name, Endpoint: endpoint, Logger: logger})
	case TransportHTTP:
		return NewHTTPDetector(HTTPDetectorConfig{Name: name, Endpoint: endpoint, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown detector transport: %q", transport)
	}
}
