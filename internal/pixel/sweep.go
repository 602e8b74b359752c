package pixel

import (
	"context"
	"log"
	"time"

	"github.com/dyluth/pixelsett/internal/metrics"
	"github.com/dyluth/pixelsett/internal/realtime"
)

// Sweep announces reservations that lapsed without confirmation.
// Expiry itself is enforced by the lock store TTL; this only tells viewers.
// Across nodes each lapsed reservation is announced once.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	expired, err := e.store.DueReservations(ctx, e.now())
	for _, ref := range expired {
		metrics.RecordLockExpired()
		e.logEvent("pixel_lock_expired", map[string]interface{}{
			"canvas_id": ref.CanvasID,
			"x":         ref.X,
			"y":         ref.Y,
		})
		e.events.Publish(ctx, ref.CanvasID, realtime.Event{
			Type:    realtime.EventPixelUnlocked,
			Payload: realtime.PixelLock{X: ref.X, Y: ref.Y},
		})
	}
	return len(expired), err
}

// Run sweeps every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[Engine] Sweeping expired reservations every %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Engine] Sweep loop stopped")
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Engine] Sweep failed: %v", err)
			}
		}
	}
}
