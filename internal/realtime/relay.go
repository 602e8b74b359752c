package realtime

import (
	"context"
	"fmt"
	"log"

	"github.com/dyluth/pixelsett/pkg/lockstore"
)

// RedisBroadcaster publishes events to the instance's Redis canvas channel so
// every node's Relay can deliver them to its local rooms. The channel is the
// single ordering point for a canvas across nodes.
type RedisBroadcaster struct {
	store *lockstore.Client
}

var _ Broadcaster = (*RedisBroadcaster)(nil)

// NewRedisBroadcaster creates a broadcaster backed by store.
func NewRedisBroadcaster(store *lockstore.Client) *RedisBroadcaster {
	return &RedisBroadcaster{store: store}
}

// Publish encodes event and publishes it. Failures are logged and counted, never returned.
func (b *RedisBroadcaster) Publish(ctx context.Context, canvasID string, event Event) {
	data, err := event.Encode()
	if err != nil {
		log.Printf("[Realtime] Dropping %s event for canvas %s: %v", event.Type, canvasID, err)
		return
	}
	if err := b.store.PublishCanvasEvent(ctx, canvasID, data); err != nil {
		log.Printf("[Realtime] Failed to relay %s event for canvas %s: %v", event.Type, canvasID, err)
	}
}

// Relay forwards events from the Redis canvas channel into a local Hub.
type Relay struct {
	store *lockstore.Client
	hub   *Hub
}

// NewRelay creates a relay from store to hub.
func NewRelay(store *lockstore.Client, hub *Hub) *Relay {
	return &Relay{store: store, hub: hub}
}

// Run subscribes and forwards until ctx is cancelled. The subscription is
// confirmed before ready is closed, so events published afterwards are not missed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub, err := r.store.SubscribeCanvasEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to canvas events: %w", err)
	}
	defer sub.Close()

	log.Printf("[Relay] Subscribed to canvas events for instance %s", r.store.InstanceName())
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			r.hub.PublishRaw(ev.CanvasID, ev.Event)
		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Relay] Subscription error: %v", err)
		}
	}
}
