package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	goamiddleware "goa.design/goa/v3/middleware"

	"personscan/internal/auth"
	"personscan/internal/database"
	"personscan/internal/middleware"
	"personscan/internal/pipeline"
)

// FaceStore reads archived faces
type FaceStore interface {
	GetFace(ctx context.Context, id string) (*database.FaceRecord, error)
}

// HealthReporter reports the health of named components
type HealthReporter interface {
	Health() map[string]bool
}

// StatsReporter exposes pipeline counters
type StatsReporter interface {
	Stats() pipeline.PipelineStats
}

// GalleryResetter empties the face gallery
type GalleryResetter interface {
	ResetGallery()
}

// SnapshotRenderer renders the latest frame with the current state drawn on it
type SnapshotRenderer interface {
	Snapshot(state *pipeline.State) ([]byte, error)
}

// Deps are the components served by the API. Only State and Auth are required.
type Deps struct {
	State     *pipeline.State
	Auth      *auth.Authenticator
	Faces     FaceStore
	Health    HealthReporter
	Stats     StatsReporter
	Gallery   GalleryResetter // Defaults to State
	Snapshots SnapshotRenderer
	StateWS   http.Handler
	Stream    http.Handler // Live MJPEG with the overlay drawn
	Logger    *zap.Logger
}

// Server is the observer API
type Server struct {
	deps    Deps
	logger  *zap.Logger
	handler http.Handler
	vars    func(*http.Request) map[string]string
}

// New creates the API server and its routes
func New(deps Deps) (*Server, error) {
	if deps.State == nil {
		return nil, errors.New("state is required")
	}
	if deps.Auth == nil {
		return nil, errors.New("authenticator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if deps.Gallery == nil {
		deps.Gallery = deps.State
	}

	s := &Server{deps: deps, logger: logger.Named("api")}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	protect := middleware.AuthMiddleware(s.deps.Auth)
	protected := func(h http.Handler) http.HandlerFunc {
		return protect(h).ServeHTTP
	}

	mux := goahttp.NewMuxer()
	s.vars = mux.Vars

	mux.Handle(http.MethodPost, "/api/login", s.handleLogin)
	mux.Handle(http.MethodGet, "/healthz", s.handleHealth)
	mux.Handle(http.MethodGet, "/metrics", promhttp.Handler().ServeHTTP)

	mux.Handle(http.MethodGet, "/api/state", protected(http.HandlerFunc(s.handleState)))
	mux.Handle(http.MethodGet, "/api/stats", protected(http.HandlerFunc(s.handleStats)))
	mux.Handle(http.MethodGet, "/api/faces/{file}", protected(http.HandlerFunc(s.handleFace)))
	mux.Handle(http.MethodDelete, "/api/faces", protected(http.HandlerFunc(s.handleResetFaces)))
	mux.Handle(http.MethodGet, "/api/snapshot.jpg", protected(http.HandlerFunc(s.handleSnapshot)))
	if s.deps.StateWS != nil {
		mux.Handle(http.MethodGet, "/ws/state", protected(s.deps.StateWS))
	}
	if s.deps.Stream != nil {
		mux.Handle(http.MethodGet, "/api/stream.mjpg", protected(s.deps.Stream))
	}

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the routes.
	var handler http.Handler = mux
	handler = echoRequestID(handler)
	handler = httpmdlwr.Log(newLogAdapter(s.logger))(handler)
	handler = httpmdlwr.RequestID(httpmdlwr.UseXRequestIDHeaderOption(true))(handler)
	return handler
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves on addr until ctx is done, then shuts down gracefully.
// Listen errors are sent to errc.
func (s *Server) Start(ctx context.Context, addr string, wg *sync.WaitGroup, errc chan<- error) {
	srv := &http.Server{Addr: addr, Handler: s.handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			s.logger.Info("HTTP server listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		s.logger.Info("shutting down HTTP server", zap.String("addr", addr))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("failed to shutdown", zap.Error(err))
		}
	}()
}

// echoRequestID returns the request ID set by the RequestID middleware in
// the X-Request-Id response header
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := r.Context().Value(goamiddleware.RequestIDKey).(string); ok {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}

// logAdapter satisfies the goa middleware.Logger interface on top of zap
type logAdapter struct {
	logger *zap.SugaredLogger
}

func newLogAdapter(logger *zap.Logger) goamiddleware.Logger {
	return &logAdapter{logger: logger.Named("http").Sugar()}
}

func (a *logAdapter) Log(keyvals ...any) error {
	a.logger.Debugw("request", keyvals...)
	return nil
}
