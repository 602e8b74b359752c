// Package lockstore provides the Redis-backed coordination state for pixelsett.
//
// # Overview
//
// The lock store holds every piece of transient, contested state that the
// pixel engine and the settlement coordinator arbitrate over. Durable canvas and
// pixel records live in the repository; the lock store only holds what must be
// decided atomically and forgotten automatically.
//
// # Core Concepts
//
// Reservations are exclusive claims on a single pixel while an on-chain payment
// is pending. They are created with an atomic SET NX PX, so concurrent bidders
// race at Redis and exactly one wins. A reservation disappears when it is
// confirmed, cancelled, or when its TTL passes.
//
// Intents are pending canvas-level operations (publish or mint). At most one
// intent exists per canvas. Each intent carries a deadline after which the
// coordinator may roll the canvas back to its last stable state.
//
// Confirmations are markers keyed by chain signature. They make confirm
// retryable and stop one signature from settling two pixels.
//
// Cooldowns are short-lived keys that stop the same identity from hammering the
// same pixel.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so several
// deployments can share one Redis server.
//
// # Redis Schema
//
// Reservations: pixelsett:{instance}:reservation:{canvas_id}:{x}:{y}
// Reservation deadlines (ZSET): pixelsett:{instance}:reservation_deadlines
// Cooldowns: pixelsett:{instance}:cooldown:{canvas_id}:{x}:{y}:{identity}
// Intents: pixelsett:{instance}:intent:{canvas_id}
// Intent deadlines (ZSET): pixelsett:{instance}:intent_deadlines
// Confirmations: pixelsett:{instance}:confirmation:{signature}
//
// Pub/Sub channel: pixelsett:{instance}:canvas_events
//
// # Usage Example
//
//	client, err := lockstore.NewClient(&redis.Options{Addr: "localhost:6379"}, "default")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	res := &lockstore.Reservation{
//		CanvasID:    canvasID,
//		X:           15,
//		Y:           15,
//		Holder:      wallet,
//		Color:       12,
//		BidLamports: 1_000_000,
//	}
//	acquired, err := client.AcquireReservation(ctx, res, time.Minute)
package lockstore
