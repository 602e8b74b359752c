// Package repository is the durable store for canvases, collaborators and pixels.
//
// Every mutation that must not race is expressed as a conditional write: canvas
// state changes compare the stored state, pixel ownership changes compare the
// stored owner and price. A lost race surfaces as a sentinel error and writes nothing.
package repository

import (
	"context"
	"errors"

	"github.com/dyluth/pixelsett/internal/canvas"
)

var (
	// ErrOwnershipChanged is returned when a pixel is no longer owned by the expected identity.
	ErrOwnershipChanged = errors.New("pixel ownership changed")

	// ErrPriceConflict is returned when a pixel's owner or price moved since the reservation snapshot.
	ErrPriceConflict = errors.New("pixel price changed")
)

// Repository is the full storage contract.
type Repository interface {
	canvas.Store

	ListCanvasesByOwner(ctx context.Context, owner string) ([]*canvas.Canvas, error)
	ListCanvasesByCollaborator(ctx context.Context, identity string) ([]*canvas.Canvas, error)
	ListCanvasesByState(ctx context.Context, states ...canvas.State) ([]*canvas.Canvas, error)
	IsCollaborator(ctx context.Context, canvasID, identity string) (bool, error)

	GetPixel(ctx context.Context, canvasID string, x, y int) (*canvas.Pixel, error)
	GetPixels(ctx context.Context, canvasID string) ([]canvas.Pixel, error)
	SetPixelColor(ctx context.Context, canvasID string, x, y, color int, owner string) error
	SetPixelOwner(ctx context.Context, canvasID string, change OwnerChange) error
	OwnershipTotals(ctx context.Context, canvasID string) (map[string]uint64, error)

	Ping(ctx context.Context) error
	Close() error
}

// OwnerChange settles a pixel purchase. The write only happens if the pixel
// still has PreviousOwner at PreviousPrice.
type OwnerChange struct {
	X             int
	Y             int
	Color         int
	Owner         string
	PriceLamports uint64
	PreviousOwner string
	PreviousPrice uint64
}
