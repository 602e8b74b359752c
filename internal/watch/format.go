package watch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/realtime"
	"github.com/dyluth/pixelsett/pkg/lockstore"
)

// Format selects how events and reservations are written.
type Format string

const (
	FormatDefault Format = "default"
	FormatJSON    Format = "json"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatDefault:
		return FormatDefault, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (expected default or json)", s)
}

// wireEvent is a realtime event as it travels: {type, payload} with a raw payload.
type wireEvent struct {
	Type    realtime.EventType     `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// decodeEvent parses an encoded event, keeping numbers as written.
func decodeEvent(data []byte) (wireEvent, error) {
	var ev wireEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	err := dec.Decode(&ev)
	return ev, err
}

// FormatEvent writes one canvas event. JSON output is one object per line:
// {"canvas_id", "type", "payload"}.
func FormatEvent(w io.Writer, ev *lockstore.CanvasEvent, format Format, at time.Time) error {
	decoded, err := decodeEvent(ev.Event)
	if err != nil {
		return fmt.Errorf("failed to decode event for canvas %s: %w", ev.CanvasID, err)
	}

	if format == FormatJSON {
		line, err := json.Marshal(struct {
			CanvasID string                 `json:"canvas_id"`
			Type     realtime.EventType     `json:"type"`
			Payload  map[string]interface{} `json:"payload"`
		}{ev.CanvasID, decoded.Type, decoded.Payload})
		if err != nil {
			return fmt.Errorf("failed to marshal event to JSON: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", line)
		return err
	}

	_, err = fmt.Fprintf(w, "[%s] %s %s\n", at.Format("15:04:05"), formatID(ev.CanvasID), Describe(decoded.Type, decoded.Payload))
	return err
}

// Describe renders an event as a single human-readable line.
func Describe(t realtime.EventType, p map[string]interface{}) string {
	switch t {
	case realtime.EventPixelUpdate:
		return fmt.Sprintf("🎨 Pixel (%v,%v): color=%v owner=%s price=%v",
			p["x"], p["y"], p["color"], orDash(p["owner"]), p["price_lamports"])
	case realtime.EventPixelLocked:
		return fmt.Sprintf("🔒 Pixel (%v,%v) reserved by %s", p["x"], p["y"], orDash(p["holder"]))
	case realtime.EventPixelUnlocked:
		return fmt.Sprintf("🔓 Pixel (%v,%v) released", p["x"], p["y"])
	case realtime.EventStateChanged:
		return fmt.Sprintf("🔄 State: %v → %v (%v)", p["from"], p["to"], p["transition"])
	case realtime.EventCanvasDeleted:
		return "🗑️  Canvas deleted"
	case realtime.EventPublishingStarted:
		return "⏳ Publishing started"
	case realtime.EventPublished:
		return fmt.Sprintf("✅ Published: pda=%v", p["canvas_pda"])
	case realtime.EventPublishingFailed:
		return fmt.Sprintf("❌ Publishing failed: %v", p["reason"])
	case realtime.EventMintCountdown:
		return fmt.Sprintf("⏱️  Mint countdown: %vs", p["seconds"])
	case realtime.EventMintCountdownCancelled:
		return fmt.Sprintf("⏹️  Mint countdown cancelled: %v", p["reason"])
	case realtime.EventMintingStarted:
		return fmt.Sprintf("⏳ Minting started: %s", formatShares(p["shares"]))
	case realtime.EventMinted:
		return fmt.Sprintf("✅ Minted: mint=%v", p["mint_address"])
	case realtime.EventMintingFailed:
		return fmt.Sprintf("❌ Minting failed: %v", p["reason"])
	case realtime.EventConnectionCount:
		return fmt.Sprintf("👥 Viewers: %v", p["count"])
	}
	return fmt.Sprintf("%s %s", t, formatPayload(p))
}

// FormatReservations writes live reservations as a table.
// Returns the number of reservations formatted.
func FormatReservations(w io.Writer, reservations []*lockstore.Reservation, canvasID string, now time.Time) int {
	if len(reservations) == 0 {
		fmt.Fprintf(w, "No reservations on canvas '%s'\n", canvasID)
		return 0
	}

	sorted := append([]*lockstore.Reservation(nil), reservations...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	fmt.Fprintf(w, "Reservations on canvas '%s':\n\n", canvasID)
	fmt.Fprintf(w, "%-7s %-12s %-5s %-14s %-12s %s\n",
		"PIXEL", "HOLDER", "COLOR", "BID", "PREVIOUS", "EXPIRES")
	fmt.Fprintf(w, "%-7s %-12s %-5s %-14s %-12s %s\n",
		"-------", "------------", "-----", "--------------", "------------", "--------")

	for _, r := range sorted {
		fmt.Fprintf(w, "%-7s %-12s %-5d %-14d %-12s %s\n",
			fmt.Sprintf("%d,%d", r.X, r.Y),
			formatIdentity(r.Holder),
			r.Color,
			r.BidLamports,
			formatIdentity(r.PreviousOwner),
			formatExpiry(r.ExpiresAtMs, now),
		)
	}

	noun := "reservation"
	if len(sorted) != 1 {
		noun = "reservations"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(sorted), noun)

	return len(sorted)
}

// FormatReservationsJSONL writes reservations as line-delimited JSON.
func FormatReservationsJSONL(w io.Writer, reservations []*lockstore.Reservation) error {
	for _, r := range reservations {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reservation to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatCanvases writes canvases as a table. Returns the number written.
func FormatCanvases(w io.Writer, canvases []*canvas.Canvas, now time.Time) int {
	if len(canvases) == 0 {
		fmt.Fprintln(w, "No canvases found")
		return 0
	}

	fmt.Fprintf(w, "%-8s %-20s %-12s %-12s %s\n", "ID", "NAME", "STATE", "OWNER", "UPDATED")
	fmt.Fprintf(w, "%-8s %-20s %-12s %-12s %s\n", "--------", "--------------------", "------------", "------------", "--------")
	for _, cv := range canvases {
		fmt.Fprintf(w, "%-8s %-20s %-12s %-12s %s\n",
			formatID(cv.ID),
			truncate(cv.Name, 20),
			cv.State,
			formatIdentity(cv.Owner),
			formatAge(cv.UpdatedAt, now),
		)
	}

	noun := "canvas"
	if len(canvases) != 1 {
		noun = "canvases"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(canvases), noun)
	return len(canvases)
}

// FormatCanvasesJSONL writes canvases as line-delimited JSON.
func FormatCanvasesJSONL(w io.Writer, canvases []*canvas.Canvas) error {
	for _, cv := range canvases {
		data, err := json.Marshal(cv)
		if err != nil {
			return fmt.Errorf("failed to marshal canvas to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// formatID truncates a canvas ID to its first 8 characters for compact display.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatIdentity shortens a wallet address to head…tail. Empty values return "-".
func formatIdentity(identity string) string {
	if identity == "" {
		return "-"
	}
	if len(identity) > 12 {
		return identity[:5] + "…" + identity[len(identity)-4:]
	}
	return identity
}

// formatExpiry shows how long until expiresAtMs, like "in 42s".
func formatExpiry(expiresAtMs int64, now time.Time) string {
	if expiresAtMs == 0 {
		return "-"
	}
	left := time.UnixMilli(expiresAtMs).Sub(now)
	if left <= 0 {
		return "expired"
	}
	if left < time.Minute {
		return fmt.Sprintf("in %ds", int(left.Seconds()))
	}
	return fmt.Sprintf("in %dm", int(left.Minutes()))
}

func formatShares(v interface{}) string {
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		share, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := share["identity"].(string)
		parts = append(parts, fmt.Sprintf("%s=%v%%", formatIdentity(id), share["percentage"]))
	}
	return strings.Join(parts, " ")
}

// formatPayload renders an unknown payload compactly, truncated to 60 characters.
func formatPayload(p map[string]interface{}) string {
	if len(p) == 0 {
		return "-"
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "-"
	}
	s := string(data)
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

func orDash(v interface{}) string {
	s, _ := v.(string)
	if s == "" {
		return "-"
	}
	return formatIdentity(s)
}

// formatAge shows how long ago t was, like "5m ago".
func formatAge(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Format("2006-01-02")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
