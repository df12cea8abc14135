package detectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"personscan/internal/pipeline"
)

// The detector service takes the encoded frame as a BytesValue and answers
// with a Struct of the form {"boxes": [{"x":..,"y":..,"width":..,"height":..}]}
const (
	DetectorServiceName = "personscan.detection.v1.Detector"
	detectMethod        = "/" + DetectorServiceName + "/Detect"
)

const healthCacheTTL = 30 * time.Second

// GRPCDetectorConfig holds configuration for the gRPC detector
type GRPCDetectorConfig struct {
	Name        string
	Endpoint    string
	DialOptions []grpc.DialOption // Appended to the defaults
	Logger      *zap.Logger
}

// GRPCDetector calls a remote detection service over gRPC
type GRPCDetector struct {
	name     string
	endpoint string
	conn     *grpc.ClientConn
	health   grpc_health_v1.HealthClient
	logger   *zap.Logger

	healthy    bool
	lastHealth time.Time
	healthMu   sync.RWMutex
}

// NewGRPCDetector creates a gRPC detector. The connection is established lazily.
func NewGRPCDetector(cfg GRPCDetectorConfig) (*GRPCDetector, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("detector name cannot be empty")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("detector %q: endpoint cannot be empty", cfg.Name)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Endpoint, err)
	}

	d := &GRPCDetector{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		conn:     conn,
		health:   grpc_health_v1.NewHealthClient(conn),
		logger:   logger.Named("grpc-detector").With(zap.String("detector", cfg.Name)),
	}
	d.logger.Info("detector client created", zap.String("endpoint", cfg.Endpoint))
	return d, nil
}

func (d *GRPCDetector) Name() string {
	return d.name
}

// IsHealthy queries the standard health service, caching a healthy answer for 30 seconds
func (d *GRPCDetector) IsHealthy() bool {
	d.healthMu.RLock()
	if d.healthy && time.Since(d.lastHealth) < healthCacheTTL {
		d.healthMu.RUnlock()
		return true
	}
	d.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := d.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: DetectorServiceName})
	if err != nil {
		d.logger.Warn("health check failed", zap.Error(err))
		d.setHealthy(false)
		return false
	}

	healthy := resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
	d.setHealthy(healthy)
	return healthy
}

func (d *GRPCDetector) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.BoundingBox, error) {
	data, err := frame.Encoded()
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, detectMethod, wrapperspb.Bytes(data), resp); err != nil {
		if status.Code(err) == codes.Unavailable {
			d.setHealthy(false)
		}
		return nil, fmt.Errorf("detect rpc failed: %w", err)
	}

	return BoxesFromStruct(resp)
}

func (d *GRPCDetector) Close() error {
	return d.conn.Close()
}

func (d *GRPCDetector) setHealthy(healthy bool) {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	d.healthy = healthy
	if healthy {
		d.lastHealth = time.Now()
	}
}

// BoxesToStruct encodes boxes as a detector service response
func BoxesToStruct(boxes []pipeline.BoundingBox) (*structpb.Struct, error) {
	list := make([]interface{}, 0, len(boxes))
	for _, b := range boxes {
		list = append(list, map[string]interface{}{
			"x":      b.X,
			"y":      b.Y,
			"width":  b.Width,
			"height": b.Height,
		})
	}
	return structpb.NewStruct(map[string]interface{}{"boxes": list})
}

// BoxesFromStruct decodes a detector service response
func BoxesFromStruct(s *structpb.Struct) ([]pipeline.BoundingBox, error) {
	field, ok := s.GetFields()["boxes"]
	if !ok {
		return nil, fmt.Errorf("response has no boxes field")
	}
	list := field.GetListValue()
	if list == nil {
		if _, isNull := field.GetKind().(*structpb.Value_NullValue); isNull {
			return []pipeline.BoundingBox{}, nil
		}
		return nil, fmt.Errorf("boxes field is not a list")
	}

	boxes := make([]pipeline.BoundingBox, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("box %d is not an object", i)
		}

		var box pipeline.BoundingBox
		for key, dst := range map[string]*float64{"x": &box.X, "y": &box.Y, "width": &box.Width, "height": &box.Height} {
			num, ok := fields[key].GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("box %d: missing numeric %q", i, key)
			}
			*dst = num.NumberValue
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

// RegisterDetectorService serves det as a detector service on s, together
// with the standard health service reporting it as serving
func RegisterDetectorService(s *grpc.Server, det pipeline.Detector) *health.Server {
	s.RegisterService(&detectorServiceDesc, det)

	hs := health.NewServer()
	hs.SetServingStatus(DetectorServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s, hs)
	return hs
}

var detectorServiceDesc = grpc.ServiceDesc{
	ServiceName: DetectorServiceName,
	HandlerType: (*pipeline.Detector)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Detect",
			Handler:    detectHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "personscan/detection/v1/detector.proto",
}

func detectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		data := req.(*wrapperspb.BytesValue).GetValue()
		if len(data) == 0 {
			return nil, status.Error(codes.InvalidArgument, "empty frame")
		}

		boxes, err := srv.(pipeline.Detector).Detect(ctx, &pipeline.Frame{Timestamp: time.Now(), Data: data})
		if err != nil {
			return nil, status.Errorf(codes.Internal, "detect: %v", err)
		}
		return BoxesToStruct(boxes)
	}

	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: detectMethod,
	}
	return interceptor(ctx, in, info, handle)
}

// Ensure GRPCDetector implements Detector
var _ pipeline.Detector = (*GRPCDetector)(nil)
