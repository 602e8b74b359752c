package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dyluth/pixelsett/internal/printer"
	"github.com/dyluth/pixelsett/internal/watch"
	"github.com/spf13/cobra"
)

var locksOutputFormat string

var locksCmd = &cobra.Command{
	Use:   "locks CANVAS_ID",
	Short: "List live pixel reservations on a canvas",
	Long: `List the pixel reservations currently held on a canvas.

A reservation is created when a bid wins arbitration and lives until the
holder confirms payment, cancels, or the lock TTL runs out. CANVAS_ID may be
a unique prefix of at least 6 characters.

Output Formats:
  default - Table of pixel, holder, color, bid, previous owner and expiry
  json    - One reservation object per line

Examples:
  pixelsett locks 0b0e4f5c-94f6-4a4c-9a43-3f6f0f2d4b7e
  pixelsett locks 0b0e4f5c
  pixelsett locks 0b0e4f5c-94f6-4a4c-9a43-3f6f0f2d4b7e --output=json | jq .holder`,
	Args: cobra.ExactArgs(1),
	RunE: runLocks,
}

func init() {
	locksCmd.Flags().StringVarP(&locksOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(locksCmd)
}

func runLocks(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := watch.ParseFormat(locksOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", locksOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	canvasID, err := resolveCanvas(ctx, repo, args[0])
	if err != nil {
		return err
	}

	store, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reservations, err := store.ListReservations(ctx, canvasID)
	if err != nil {
		return fmt.Errorf("failed to list reservations: %w", err)
	}

	if format == watch.FormatJSON {
		return watch.FormatReservationsJSONL(os.Stdout, reservations)
	}
	watch.FormatReservations(os.Stdout, reservations, canvasID, time.Now())
	return nil
}
