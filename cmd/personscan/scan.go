package main

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"personscan/internal/database"
	"personscan/internal/pipeline"
	"personscan/internal/pipeline/strategies"
	"personscan/internal/source"
)

var (
	scanOut     string
	scanArchive bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <directory>",
	Short: "Replay a directory of frames through the pipeline and report the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.SourceDevice = "dir:" + strings.TrimPrefix(args[0], "dir:")
		cfg.SourceLoop = false
		return runScan(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	addPipelineFlags(scanCmd)
	scanCmd.Flags().StringVar(&scanOut, "out", "", "Write gallery faces as PNG files to this directory")
	scanCmd.Flags().BoolVar(&scanArchive, "archive", false, "Archive gallery faces in the database")
	rootCmd.AddCommand(scanCmd)
}

// startingSource starts capture once the first subscriber is attached, so
// that a replay cannot run ahead of its consumer
type startingSource struct {
	*source.Source
}

func (s startingSource) Subscribe(bufferSize int) (*pipeline.FrameSubscription, error) {
	sub, err := s.Source.Subscribe(bufferSize)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		s.Unsubscribe(sub)
		return nil, err
	}
	return sub, nil
}

func runScan(ctx context.Context, out io.Writer) error {
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

	opts := pipeline.Options{Logger: log}
	if scanArchive {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		session, err := db.StartSession(ctx, cfg.SourceDevice, pc)
		if err != nil {
			return err
		}
		defer endSession(db, session.ID)
		opts.Archive = db.Archive(session.ID)
	}

	// Replayed stills have no warm-up: the first frame runs a face pass
	pl, err := pipeline.New(pc, body, face, strategies.NewFrameScheduler(pc, time.Time{}), opts)
	if err != nil {
		return err
	}

	src, err := source.New(source.Config{Device: cfg.SourceDevice, FPS: cfg.SourceFPS, Logger: log})
	if err != nil {
		return err
	}
	defer src.Stop()

	start := time.Now()
	if err := pl.Run(ctx, startingSource{src}); err != nil && ctx.Err() == nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), pc.DetectionTimeout)
	defer cancel()
	if err := pl.Wait(waitCtx); err != nil {
		log.Warn("detections still running after replay", zap.Error(err))
	}

	snap := pl.State().Snapshot()
	stats := pl.Stats()
	_ = pl.Close(context.Background())

	fmt.Fprintf(out, "Frames:        %d (%d unreadable)\n", stats.FramesDelivered, stats.FramesUnavailable)
	fmt.Fprintf(out, "Body passes:   %d (%d failed)\n", stats.BodyPasses, stats.BodyFailures)
	fmt.Fprintf(out, "Face passes:   %d (%d failed)\n", stats.FacePasses, stats.FaceFailures)
	fmt.Fprintf(out, "Persons:       %d in the last result\n", snap.PersonCount)
	fmt.Fprintf(out, "Faces:         %d/%d\n", len(snap.Faces), snap.GalleryCap)
	fmt.Fprintf(out, "Elapsed:       %s\n", time.Since(start).Round(time.Millisecond))

	if scanOut != "" {
		if err := writeFaces(scanOut, snap.Faces); err != nil {
			return err
		}
		fmt.Fprintf(out, "Faces written to %s\n", scanOut)
	}
	return nil
}

func endSession(db *database.Database, id string) {
	if err := db.EndSession(context.Background(), id); err != nil {
		log.Warn("failed to end session", zap.String("session_id", id), zap.Error(err))
	}
}

// writeFaces stores faces as <index>_<id>.png in gallery order
func writeFaces(dir string, faces []*pipeline.FaceImage) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	for i, f := range faces {
		path := filepath.Join(dir, fmt.Sprintf("%02d_%s.png", i+1, f.ID))
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		err = png.Encode(file, f.Image)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}
