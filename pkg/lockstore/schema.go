package lockstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Redis key pattern helpers
//
// Key pattern: pixelsett:{instance_name}:{entity}:{id...}
// Channel pattern: pixelsett:{instance_name}:{event_type}_events

// ReservationKey returns the Redis key holding the live reservation for one pixel.
// Pattern: pixelsett:{instance_name}:reservation:{canvas_id}:{x}:{y}
func ReservationKey(instanceName, canvasID string, x, y int) string {
	return fmt.Sprintf("pixelsett:%s:reservation:%s:%d:%d", instanceName, canvasID, x, y)
}

// ReservationPattern returns a SCAN pattern matching every reservation on a canvas.
func ReservationPattern(instanceName, canvasID string) string {
	return fmt.Sprintf("pixelsett:%s:reservation:%s:*", instanceName, canvasID)
}

// ReservationDeadlinesKey returns the ZSET indexing reservations by expiry (ms).
// Pattern: pixelsett:{instance_name}:reservation_deadlines
func ReservationDeadlinesKey(instanceName string) string {
	return fmt.Sprintf("pixelsett:%s:reservation_deadlines", instanceName)
}

// CooldownKey returns the Redis key for an identity's cooldown on one pixel.
// Pattern: pixelsett:{instance_name}:cooldown:{canvas_id}:{x}:{y}:{identity}
func CooldownKey(instanceName, canvasID string, x, y int, identity string) string {
	return fmt.Sprintf("pixelsett:%s:cooldown:%s:%d:%d:%s", instanceName, canvasID, x, y, identity)
}

// IntentKey returns the Redis key for a canvas's pending publish/mint intent.
// Pattern: pixelsett:{instance_name}:intent:{canvas_id}
func IntentKey(instanceName, canvasID string) string {
	return fmt.Sprintf("pixelsett:%s:intent:%s", instanceName, canvasID)
}

// IntentDeadlinesKey returns the ZSET indexing intents by deadline (ms).
// Pattern: pixelsett:{instance_name}:intent_deadlines
func IntentDeadlinesKey(instanceName string) string {
	return fmt.Sprintf("pixelsett:%s:intent_deadlines", instanceName)
}

// ConfirmationKey returns the Redis key recording which pixel a chain signature settled.
// Pattern: pixelsett:{instance_name}:confirmation:{signature}
func ConfirmationKey(instanceName, signature string) string {
	return fmt.Sprintf("pixelsett:%s:confirmation:%s", instanceName, signature)
}

// CanvasEventsChannel returns the Pub/Sub channel carrying realtime canvas events.
// Pattern: pixelsett:{instance_name}:canvas_events
func CanvasEventsChannel(instanceName string) string {
	return fmt.Sprintf("pixelsett:%s:canvas_events", instanceName)
}

// PixelMember encodes a pixel address as a deadline ZSET member.
func PixelMember(canvasID string, x, y int) string {
	return fmt.Sprintf("%s:%d:%d", canvasID, x, y)
}

// ParsePixelMember reverses PixelMember.
func ParsePixelMember(member string) (canvasID string, x, y int, err error) {
	parts := strings.Split(member, ":")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("malformed pixel member %q", member)
	}
	if x, err = strconv.Atoi(parts[1]); err != nil {
		return "", 0, 0, fmt.Errorf("malformed x in pixel member %q: %w", member, err)
	}
	if y, err = strconv.Atoi(parts[2]); err != nil {
		return "", 0, 0, fmt.Errorf("malformed y in pixel member %q: %w", member, err)
	}
	return parts[0], x, y, nil
}
