package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/printer"
	"github.com/dyluth/pixelsett/internal/repository"
	"github.com/dyluth/pixelsett/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchCanvasID     string
	watchOutputFormat string
	watchUntilState   string
	watchTimeout      time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live canvas events",
	Long: `Stream canvas events as every node broadcasts them.

Shows pixel updates, reservations, lifecycle transitions, mint countdowns and
settlement outcomes. Without --canvas, events from every canvas are shown.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch everything on this instance
  pixelsett watch

  # Follow one canvas until it is minted
  pixelsett watch --canvas 0b0e4f5c-94f6-4a4c-9a43-3f6f0f2d4b7e --until-state minted

  # Export events as JSON
  pixelsett watch --output=json > events.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchCanvasID, "canvas", "", "Only show events for this canvas (full id or unique prefix)")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchUntilState, "until-state", "", "Exit once the canvas reaches this state (requires --canvas)")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 10*time.Minute, "Give up waiting for --until-state after this long")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseFormat(watchOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	var until canvas.State
	if watchUntilState != "" {
		states, err := parseStates([]string{watchUntilState})
		if err != nil {
			return printer.Error("invalid state", err.Error(),
				[]string{"Valid states: draft, publishing, published, mint_pending, minting, minted"})
		}
		until = states[0]
		if watchCanvasID == "" {
			return printer.Error("--until-state requires --canvas", "There is no single canvas to wait for.",
				[]string{"pixelsett watch --canvas <canvas-id> --until-state " + watchUntilState})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	canvasID := watchCanvasID
	var repo *repository.SQLite
	if canvasID != "" {
		repo, err = openRepo(cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		canvasID, err = resolveCanvas(ctx, repo, canvasID)
		if err != nil {
			return err
		}
	}

	store, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sub, err := store.SubscribeCanvasEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to canvas events: %w", err)
	}
	defer sub.Close()

	if until == "" {
		return watch.Stream(ctx, sub, canvasID, format, os.Stdout)
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	streamDone := make(chan error, 1)
	go func() { streamDone <- watch.Stream(streamCtx, sub, canvasID, format, os.Stdout) }()

	c, pollErr := watch.PollForState(ctx, repo, canvasID, watchTimeout, until)
	cancelStream()
	if err := <-streamDone; err != nil {
		return err
	}
	if pollErr != nil {
		return printer.Error("canvas did not reach "+watchUntilState, pollErr.Error(), nil)
	}

	if format == watch.FormatDefault {
		printer.Success("Canvas %s reached %s\n", c.ID, c.State)
	}
	return nil
}
