package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"personscan/internal/database"
)

var (
	listSession string
	listLimit   int
	pruneAge    time.Duration
)

var facesCmd = &cobra.Command{
	Use:   "faces",
	Short: "Inspect the face archive",
}

var facesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived faces, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		faces, err := db.ListFaces(cmd.Context(), listSession, listLimit)
		if err != nil {
			return err
		}
		printFaces(cmd.OutOrStdout(), faces)
		return nil
	},
}

var facesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete archived faces older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneAge <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.DeleteFacesBefore(cmd.Context(), time.Now().Add(-pruneAge))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d face(s).\n", n)
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List capture sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()

		sessions, err := db.ListSessions(cmd.Context(), listLimit)
		if err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), sessions)
		return nil
	},
}

func init() {
	facesListCmd.Flags().StringVar(&listSession, "session", "", "Only faces from this session")
	facesListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of faces (0 for all)")
	facesPruneCmd.Flags().DurationVar(&pruneAge, "older-than", 30*24*time.Hour, "Age of the faces to delete")
	sessionsCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of sessions (0 for all)")

	facesCmd.AddCommand(facesListCmd, facesPruneCmd)
	rootCmd.AddCommand(facesCmd, sessionsCmd)
}

func openDatabase() (*database.Database, error) {
	db, err := database.New(cfg.DatabasePath, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func printFaces(out io.Writer, faces []*database.FaceRecord) {
	if len(faces) == 0 {
		fmt.Fprintln(out, "No faces archived.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSESSION\tFRAME\tSIZE\tCREATED")
	fmt.Fprintln(w, "--\t-------\t-----\t----\t-------")
	for _, f := range faces {
		fmt.Fprintf(w, "%s\t%s\t%d\t%dx%d\t%s\n",
			f.ID, shortID(f.SessionID), f.FrameSeq, f.Width, f.Height,
			f.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printSessions(out io.Writer, sessions []*database.SessionRecord) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tFACES\tSTARTED\tENDED")
	fmt.Fprintln(w, "--\t------\t-----\t-------\t-----")
	for _, s := range sessions {
		ended := "running"
		if s.EndedAt != nil {
			ended = s.EndedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.Device, s.FaceCount, s.StartedAt.Local().Format("2006-01-02 15:04"), ended)
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

