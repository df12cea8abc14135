package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"personscan/internal/api"
	"personscan/internal/auth"
	"personscan/internal/database"
	"personscan/internal/overlay"
	"personscan/internal/pipeline"
	"personscan/internal/pipeline/strategies"
	"personscan/internal/source"
	"personscan/internal/stream"
	"personscan/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture frames, run detection and serve the live state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	addPipelineFlags(serveCmd)
	serveCmd.Flags().String("addr", "", "HTTP listen address (env HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	pc, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}

	registry, body, face, err := buildDetectors(cfg, pc)
	if err != nil {
		return err
	}
	defer registry.Close()

	db, err := database.New(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	session, err := db.StartSession(ctx, cfg.SourceDevice, pc)
	if err != nil {
		return err
	}
	defer endSession(db, session.ID)

	pl, err := pipeline.New(pc, body, face, strategies.NewFrameScheduler(pc, time.Now()), pipeline.Options{
		Archive: db.Archive(session.ID),
		Logger:  log,
	})
	if err != nil {
		return err
	}

	src, err := source.New(source.Config{
		Device: cfg.SourceDevice,
		FPS:    cfg.SourceFPS,
		Width:  cfg.SourceWidth,
		Height: cfg.SourceHeight,
		Loop:   cfg.SourceLoop,
		Logger: log,
	})
	if err != nil {
		return err
	}

	recorder := overlay.NewRecorder()
	distributor := pipeline.NewFrameDistributor(src)
	if err := distributor.Subscribe(pl, 5); err != nil {
		return err
	}
	if err := distributor.Subscribe(recorder, 1); err != nil {
		return err
	}
	live := stream.NewMJPEGStream(pl.State(), log)
	if err := distributor.Subscribe(live, 1); err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(auth.Options{
		Enabled:  cfg.AuthEnabled,
		Username: cfg.AuthUsername,
		Password: cfg.AuthPassword,
		JWT:      auth.JWTOptions{Secret: cfg.JWTSecret, Expiry: cfg.JWTExpiry},
	})
	if err != nil {
		return err
	}

	hub := ws.NewStateHub(log)
	server, err := api.New(api.Deps{
		State:     pl.State(),
		Auth:      authenticator,
		Faces:     db,
		Health:    registry,
		Stats:     pl,
		Gallery:   pl,
		Snapshots: recorder,
		StateWS:   ws.NewHandler(hub, pl.State()),
		Stream:    live,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(runCtx, pl.State())
	}()
	server.Start(runCtx, cfg.HTTPAddr, &wg, errc)

	if err := src.Start(); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	log.Info("personscan started",
		zap.String("session_id", session.ID),
		zap.String("device", cfg.SourceDevice),
		zap.String("source", string(src.Kind())),
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("auth", authenticator.IsEnabled()))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errc:
		log.Error("HTTP server failed", zap.Error(runErr))
	}

	src.Stop()
	distributor.Close()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := pl.Close(closeCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("pipeline close failed", zap.Error(err))
	}

	cancel()
	hub.CloseAll()
	wg.Wait()

	stats := pl.Stats()
	snap := pl.State().Snapshot()
	log.Info("personscan stopped",
		zap.Uint64("frames", stats.FramesDelivered),
		zap.Uint64("body_passes", stats.BodyPasses),
		zap.Uint64("face_passes", stats.FacePasses),
		zap.Int("faces", len(snap.Faces)))

	if runErr != nil {
		return fmt.Errorf("http server: %w", runErr)
	}
	return nil
}
