// Package watch follows canvas activity from the command line.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/pkg/lockstore"
)

// CanvasGetter reads a canvas record.
type CanvasGetter interface {
	GetCanvas(ctx context.Context, id string) (*canvas.Canvas, error)
}

// PollForState polls until the canvas reaches one of states.
// Returns the canvas in that state or an error if timeout occurs.
// Polls every 200ms for the specified timeout duration.
func PollForState(ctx context.Context, getter CanvasGetter, canvasID string, timeout time.Duration, states ...canvas.State) (*canvas.Canvas, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		c, err := getter.GetCanvas(ctx, canvasID)
		switch {
		case err == nil:
			for _, s := range states {
				if c.State == s {
					return c, nil
				}
			}
		case errors.Is(err, canvas.ErrNotFound):
			// Not created yet, or deleted; keep polling
		default:
			return nil, fmt.Errorf("failed to read canvas: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for canvas %s to reach %v after %v", canvasID, states, timeout)
		case <-ticker.C:
		}
	}
}

// Stream writes every event from sub to w until ctx is cancelled or the
// subscription ends. An empty canvasID streams all canvases.
func Stream(ctx context.Context, sub *lockstore.Subscription, canvasID string, format Format, w io.Writer) error {
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if canvasID != "" && ev.CanvasID != canvasID {
				continue
			}
			if err := FormatEvent(w, ev, format, time.Now()); err != nil {
				return err
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[Watch] Skipping event: %v", err)
		}
	}
}
