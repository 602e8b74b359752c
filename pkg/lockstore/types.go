package lockstore

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GridSize is the width and height of every canvas.
const GridSize = 32

// Reservation is an exclusive, expiring claim on one pixel while the holder's
// on-chain payment is pending. It records the previous owner so the payment can
// be routed to them and so nothing needs rolling back if the reservation lapses.
type Reservation struct {
	CanvasID      string `json:"canvas_id"`
	X             int    `json:"x"`
	Y             int    `json:"y"`
	Holder        string `json:"holder"`                   // identity that placed the bid
	Color         int    `json:"color"`                    // proposed color index
	BidLamports   uint64 `json:"bid_lamports"`             // committed payment amount
	PreviousOwner string `json:"previous_owner,omitempty"` // owner snapshot at bid time, empty if unowned
	PreviousPrice uint64 `json:"previous_price"`
	CreatedAtMs   int64  `json:"created_at_ms"`
	ExpiresAtMs   int64  `json:"expires_at_ms"`
}

// IntentKind distinguishes the two canvas-level settlement flows.
type IntentKind string

const (
	// IntentPublish tracks draft → publishing → published.
	IntentPublish IntentKind = "publish"

	// IntentMint tracks published → mint_pending → minting → minted.
	IntentMint IntentKind = "mint"
)

// Intent is a pending canvas-level operation awaiting chain confirmation or
// cancellation. At most one exists per canvas.
type Intent struct {
	CanvasID          string     `json:"canvas_id"`
	Kind              IntentKind `json:"kind"`
	Initiator         string     `json:"initiator"`
	TargetState       string     `json:"target_state"`                   // state a confirm would move the canvas to
	CountdownEndsAtMs int64      `json:"countdown_ends_at_ms,omitempty"` // mint only
	DeadlineMs        int64      `json:"deadline_ms"`
	CreatedAtMs       int64      `json:"created_at_ms"`
}

// Confirmation records the pixel a chain signature settled.
type Confirmation struct {
	Signature     string `json:"signature"`
	CanvasID      string `json:"canvas_id"`
	X             int    `json:"x"`
	Y             int    `json:"y"`
	Holder        string `json:"holder"`
	Color         int    `json:"color"`
	PriceLamports uint64 `json:"price_lamports"`
	ConfirmedAtMs int64  `json:"confirmed_at_ms"`
}

// CanvasEvent is one realtime event as carried over the canvas events channel.
type CanvasEvent struct {
	CanvasID string          `json:"canvas_id"`
	Event    json.RawMessage `json:"event"` // pre-encoded {type, payload} JSON
}

// PixelRef addresses a single pixel on a canvas.
type PixelRef struct {
	CanvasID string
	X        int
	Y        int
}

// Validate checks if the Reservation has valid field values.
func (r *Reservation) Validate() error {
	if !isValidUUID(r.CanvasID) {
		return fmt.Errorf("invalid canvas ID: not a valid UUID")
	}
	if !inBounds(r.X, r.Y) {
		return fmt.Errorf("coordinates (%d,%d) out of bounds", r.X, r.Y)
	}
	if r.Holder == "" {
		return fmt.Errorf("holder cannot be empty")
	}
	if r.Color < 0 || r.Color > 63 {
		return fmt.Errorf("invalid color index %d", r.Color)
	}
	if r.BidLamports == 0 {
		return fmt.Errorf("bid must be positive")
	}
	if r.BidLamports <= r.PreviousPrice {
		return fmt.Errorf("bid %d does not exceed previous price %d", r.BidLamports, r.PreviousPrice)
	}
	return nil
}

// Same reports whether two reservations are the same bid on the same pixel.
// A reservation that lapsed and was placed again by the same holder is not the same.
func (r *Reservation) Same(other *Reservation) bool {
	return other != nil &&
		r.CanvasID == other.CanvasID && r.X == other.X && r.Y == other.Y &&
		r.Holder == other.Holder &&
		r.CreatedAtMs == other.CreatedAtMs &&
		r.BidLamports == other.BidLamports &&
		r.Color == other.Color
}

// Validate checks if the IntentKind is a valid enum value.
func (k IntentKind) Validate() error {
	switch k {
	case IntentPublish, IntentMint:
		return nil
	default:
		return fmt.Errorf("unknown intent kind: %q", k)
	}
}

// Validate checks if the Intent has valid field values.
func (i *Intent) Validate() error {
	if !isValidUUID(i.CanvasID) {
		return fmt.Errorf("invalid canvas ID: not a valid UUID")
	}
	if err := i.Kind.Validate(); err != nil {
		return fmt.Errorf("invalid kind: %w", err)
	}
	if i.Initiator == "" {
		return fmt.Errorf("initiator cannot be empty")
	}
	if i.DeadlineMs <= 0 {
		return fmt.Errorf("deadline must be set")
	}
	if i.Kind == IntentPublish && i.CountdownEndsAtMs != 0 {
		return fmt.Errorf("publish intents have no countdown")
	}
	return nil
}

// Same reports whether two intents describe the same logical operation.
func (i *Intent) Same(other *Intent) bool {
	return other != nil && i.CanvasID == other.CanvasID && i.Kind == other.Kind && i.CreatedAtMs == other.CreatedAtMs
}

// Due reports whether the intent's deadline has passed.
func (i *Intent) Due(nowMs int64) bool {
	return nowMs > i.DeadlineMs
}

// Matches reports whether the confirmation settled the given pixel for holder.
func (c *Confirmation) Matches(canvasID string, x, y int, holder string) bool {
	return c.CanvasID == canvasID && c.X == x && c.Y == y && c.Holder == holder
}

func inBounds(x, y int) bool {
	return x >= 0 && x < GridSize && y >= 0 && y < GridSize
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
