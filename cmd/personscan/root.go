package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"personscan/internal/config"
	"personscan/internal/logger"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var (
	// cfg is loaded from the environment, then overridden by flags
	cfg *config.Config
	log *zap.Logger

	devLogs bool
)

var rootCmd = &cobra.Command{
	Use:           "personscan",
	Short:         "Count people and collect distinct faces from a camera feed",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyFlags(cmd, c)

		if devLogs {
			log = logger.NewDevelopment()
		} else if log, err = logger.New(c.LogLevel); err != nil {
			return err
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "", "Log level: debug, info, warn, error (env LOG_LEVEL)")
	pf.String("db", "", "SQLite database path (env DATABASE_PATH)")
	pf.BoolVar(&devLogs, "dev", false, "Human readable console logs")
}

// addPipelineFlags registers the flags shared by serve and scan
func addPipelineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("device", "", "Camera device, stream URL, snapshot URL or dir:<path> (env SOURCE_DEVICE)")
	f.Int("fps", 0, "Capture frame rate (env SOURCE_FPS)")
	f.String("transport", "", "Detector transport: grpc or http (env DETECTOR_TRANSPORT)")
	f.String("body-endpoint", "", "Body detector endpoint (env BODY_DETECTOR_ENDPOINT)")
	f.String("face-endpoint", "", "Face detector endpoint (env FACE_DETECTOR_ENDPOINT)")
	f.Duration("face-scan-delay", 0, "Minimum time between face passes (env FACE_SCAN_DELAY)")
	f.Int("max-faces", 0, "Gallery capacity (env MAX_STORED_FACES)")
	f.String("dedup-mode", "", "Gallery dedup: exact or phash (env DEDUP_MODE)")
	f.Bool("no-faces", false, "Disable face detection")
	f.Bool("drop-stale", false, "Ignore body results older than the last applied one (env DROP_STALE_RESULTS)")
}

// applyFlags overrides c with every flag set on the command line
func applyFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()

	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if f.Changed(name) {
			*dst, _ = f.GetDuration(name)
		}
	}

	str("log-level", &c.LogLevel)
	str("db", &c.DatabasePath)
	str("device", &c.SourceDevice)
	num("fps", &c.SourceFPS)
	str("transport", &c.DetectorTransport)
	str("body-endpoint", &c.BodyDetectorEndpoint)
	str("face-endpoint", &c.FaceDetectorEndpoint)
	dur("face-scan-delay", &c.FaceScanDelay)
	num("max-faces", &c.MaxStoredFaces)
	str("dedup-mode", &c.DedupMode)
	str("addr", &c.HTTPAddr)

	if f.Changed("no-faces") {
		noFaces, _ := f.GetBool("no-faces")
		c.FaceDetectionEnabled = !noFaces
	}
	if f.Changed("drop-stale") {
		c.DropStaleResults, _ = f.GetBool("drop-stale")
	}
}
