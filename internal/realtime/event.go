package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventType names a realtime event kind.
type EventType string

const (
	EventPixelUpdate            EventType = "pixel_update"
	EventPixelLocked            EventType = "pixel_locked"
	EventPixelUnlocked          EventType = "pixel_unlocked"
	EventStateChanged           EventType = "canvas_state_changed"
	EventCanvasDeleted          EventType = "canvas_deleted"
	EventPublishingStarted      EventType = "publishing_started"
	EventPublished              EventType = "published"
	EventPublishingFailed       EventType = "publishing_failed"
	EventMintCountdown          EventType = "mint_countdown"
	EventMintCountdownCancelled EventType = "mint_countdown_cancelled"
	EventMintingStarted         EventType = "minting_started"
	EventMinted                 EventType = "minted"
	EventMintingFailed          EventType = "minting_failed"
	EventConnectionCount        EventType = "connection_count"
)

// Event is one message delivered to room members, serialized as {"type", "payload"}.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

// Encode returns the wire form of the event.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
	}
	return data, nil
}

// Broadcaster delivers events to everyone watching a canvas.
// Publish never blocks on slow receivers and never fails the caller:
// delivery problems are logged and counted, not returned.
type Broadcaster interface {
	Publish(ctx context.Context, canvasID string, event Event)
}

// PixelUpdate is the payload of pixel_update.
type PixelUpdate struct {
	X             int    `json:"x"`
	Y             int    `json:"y"`
	Color         int    `json:"color"`
	Owner         string `json:"owner,omitempty"`
	PriceLamports uint64 `json:"price_lamports"`
}

// PixelLock is the payload of pixel_locked and pixel_unlocked.
type PixelLock struct {
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Holder      string `json:"holder,omitempty"`
	ExpiresAtMs int64  `json:"expires_at_ms,omitempty"`
}

// StateChanged is the payload of canvas_state_changed.
type StateChanged struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Transition string `json:"transition"`
}

// Published is the payload of published.
type Published struct {
	CanvasPDA string `json:"canvas_pda"`
}

// MintCountdown is the payload of mint_countdown.
type MintCountdown struct {
	Seconds  int   `json:"seconds"`
	EndsAtMs int64 `json:"ends_at_ms"`
}

// Share is one creator's percentage of a minted canvas.
type Share struct {
	Identity   string `json:"identity"`
	Percentage int    `json:"percentage"`
}

// MintingStarted is the payload of minting_started.
type MintingStarted struct {
	Shares []Share `json:"shares"`
}

// Minted is the payload of minted.
type Minted struct {
	MintAddress string `json:"mint_address"`
}

// Failure is the payload of publishing_failed and minting_failed.
type Failure struct {
	Reason string `json:"reason"`
}

// ConnectionCount is the payload of connection_count.
type ConnectionCount struct {
	Count int `json:"count"`
}
