package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/filter"
	"github.com/dyluth/pixelsett/internal/printer"
	"github.com/dyluth/pixelsett/internal/timespec"
	"github.com/dyluth/pixelsett/internal/watch"
	"github.com/spf13/cobra"
)

var allStates = []canvas.State{
	canvas.StateDraft, canvas.StatePublishing, canvas.StatePublished,
	canvas.StateMintPending, canvas.StateMinting, canvas.StateMinted,
}

var (
	canvasesStates       []string
	canvasesOwner        string
	canvasesName         string
	canvasesSince        string
	canvasesUntil        string
	canvasesOutputFormat string
)

var canvasesCmd = &cobra.Command{
	Use:   "canvases",
	Short: "List canvases",
	Long: `List canvases from the database, least recently updated first.

Filters (all combined with AND):
  --state   Lifecycle state, repeatable (draft, publishing, published,
            mint_pending, minting, minted)
  --owner   Exact owner address
  --name    Glob on the canvas name, e.g. 'sunset*'
  --since   Updated at or after: duration ago ('1h30m') or RFC3339
  --until   Updated before: duration ago or RFC3339

Examples:
  # Canvases stuck mid-settlement
  pixelsett canvases --state publishing --state minting --until 5m

  # Everything minted today, as JSON
  pixelsett canvases --state minted --since 24h --output=json`,
	Args: cobra.NoArgs,
	RunE: runCanvases,
}

func init() {
	canvasesCmd.Flags().StringSliceVar(&canvasesStates, "state", nil, "Only list canvases in this state (repeatable)")
	canvasesCmd.Flags().StringVar(&canvasesOwner, "owner", "", "Only list canvases owned by this address")
	canvasesCmd.Flags().StringVar(&canvasesName, "name", "", "Glob pattern on the canvas name")
	canvasesCmd.Flags().StringVar(&canvasesSince, "since", "", "Updated at or after this time")
	canvasesCmd.Flags().StringVar(&canvasesUntil, "until", "", "Updated before this time")
	canvasesCmd.Flags().StringVarP(&canvasesOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(canvasesCmd)
}

func runCanvases(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	now := time.Now()

	format, err := watch.ParseFormat(canvasesOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", canvasesOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	states, err := parseStates(canvasesStates)
	if err != nil {
		return printer.Error("invalid state", err.Error(),
			[]string{"Valid states: draft, publishing, published, mint_pending, minting, minted"})
	}

	updated, err := timespec.ParseRange(canvasesSince, canvasesUntil, now)
	if err != nil {
		return printer.Error("invalid time range", err.Error(),
			[]string{"Use a duration like 1h30m or an RFC3339 time like 2025-10-29T13:00:00Z"})
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

	list, err := repo.ListCanvasesByState(ctx, states...)
	if err != nil {
		return fmt.Errorf("failed to list canvases: %w", err)
	}

	criteria := filter.Criteria{Updated: updated, NameGlob: canvasesName, Owner: canvasesOwner}
	list = criteria.Apply(list)

	if format == watch.FormatJSON {
		return watch.FormatCanvasesJSONL(os.Stdout, list)
	}
	watch.FormatCanvases(os.Stdout, list, now)
	return nil
}

// parseStates validates --state values. No values means every state.
func parseStates(values []string) ([]canvas.State, error) {
	if len(values) == 0 {
		return allStates, nil
	}
	states := make([]canvas.State, 0, len(values))
	for _, v := range values {
		s := canvas.State(v)
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s == canvas.StateDeleted {
			return nil, fmt.Errorf("deleted canvases are not stored")
		}
		states = append(states, s)
	}
	return states, nil
}
