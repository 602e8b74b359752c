package settlement

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/dyluth/pixelsett/internal/apperr"
	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/metrics"
	"github.com/dyluth/pixelsett/internal/realtime"
	"github.com/dyluth/pixelsett/pkg/lockstore"
)

// timeoutPath is how a transient state falls back when its deadline passes.
type timeoutPath struct {
	transition canvas.Transition
	event      realtime.EventType
	reason     string
}

var timeoutPaths = map[canvas.State]timeoutPath{
	canvas.StatePublishing:  {canvas.PublishTimeout, realtime.EventPublishingFailed, ReasonTimeout},
	canvas.StateMintPending: {canvas.MintCountdownExpire, realtime.EventMintCountdownCancelled, ReasonExpired},
	canvas.StateMinting:     {canvas.MintTimeout, realtime.EventMintingFailed, ReasonTimeout},
}

// Sweep reverts canvases whose publish or mint deadline has passed.
// It also reverts transient canvases that lost their intent, once they have
// been stuck for longer than the longest deadline their state allows.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	due, err := c.store.DueIntents(ctx, c.now())
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeLockStore, err, "failed to list due intents")
	}

	var (
		reverted int
		errs     []error
	)
	for _, id := range due {
		ok, err := c.expire(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			reverted++
		}
	}

	orphans, err := c.sweepOrphans(ctx)
	reverted += orphans
	if err != nil {
		errs = append(errs, err)
	}

	return reverted, errors.Join(errs...)
}

// expire reverts canvasID if its intent is due. It reports whether the canvas moved.
func (c *Coordinator) expire(ctx context.Context, canvasID string) (bool, error) {
	intent, err := c.intent(ctx, canvasID)
	if err != nil {
		return false, err
	}
	if intent != nil && !intent.Due(c.now().UnixMilli()) {
		// Replaced with a later deadline since it was listed.
		return false, nil
	}

	// A placeholder that matches no stored intent: the delete only clears the
	// deadline entry and leaves any intent created in the meantime alone.
	expected := intent
	if expected == nil {
		expected = &lockstore.Intent{CanvasID: canvasID}
	}

	cv, err := c.canvases.Load(ctx, canvasID)
	if err != nil {
		if errors.Is(err, apperr.ErrCanvasNotFound) {
			c.dropIntent(ctx, canvasID, expected)
			return false, nil
		}
		return false, err
	}

	reverted, err := c.timeout(ctx, cv)
	if err != nil {
		return false, err
	}
	c.dropIntent(ctx, canvasID, expected)
	return reverted, nil
}

// sweepOrphans reverts transient canvases with no intent at all.
func (c *Coordinator) sweepOrphans(ctx context.Context) (int, error) {
	stuck, err := c.repo.ListCanvasesByState(ctx, canvas.StatePublishing, canvas.StateMintPending, canvas.StateMinting)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeRepository, err, "failed to list transient canvases")
	}

	now := c.now()
	reverted := 0
	for _, cv := range stuck {
		if now.Sub(cv.UpdatedAt) <= c.limit(cv.State) {
			continue
		}
		intent, err := c.intent(ctx, cv.ID)
		if err != nil {
			return reverted, err
		}
		if intent != nil {
			continue
		}

		log.Printf("[Settlement] Canvas %s stuck in %s without an intent since %s", cv.ID, cv.State, cv.UpdatedAt.Format(time.RFC3339))
		ok, err := c.timeout(ctx, cv)
		if err != nil {
			return reverted, err
		}
		if ok {
			reverted++
		}
	}
	return reverted, nil
}

// limit is the longest a canvas may legitimately stay in s.
func (c *Coordinator) limit(s canvas.State) time.Duration {
	switch s {
	case canvas.StatePublishing:
		return c.cfg.PublishTimeout
	case canvas.StateMintPending:
		return c.cfg.MintCountdown + c.cfg.MintInitiateWindow
	default:
		return c.cfg.MintTimeout
	}
}

// timeout moves cv from its transient state back to the last stable one.
// Losing the race to a concurrent confirm or cancel is not an error.
func (c *Coordinator) timeout(ctx context.Context, cv *canvas.Canvas) (bool, error) {
	path, ok := timeoutPaths[cv.State]
	if !ok {
		return false, nil
	}

	if _, err := c.canvases.Apply(ctx, cv.ID, canvas.System, path.transition, nil); err != nil {
		if errors.Is(err, apperr.ErrStateTransitionInvalid) {
			return false, nil
		}
		return false, err
	}

	metrics.RecordIntentExpired(path.transition.Name)
	c.publishFailure(ctx, cv.ID, path.event, path.reason)
	return true, nil
}

// Run sweeps every interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[Settlement] Sweeping expired intents every %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Settlement] Sweep loop stopped")
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("[Settlement] Sweep failed: %v", err)
			}
			if n > 0 {
				log.Printf("[Settlement] Reverted %d timed-out canvases", n)
			}
		}
	}
}
