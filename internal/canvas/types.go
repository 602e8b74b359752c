package canvas

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultColor is the palette index new canvases are filled with (white).
const DefaultColor = 10

// Canvas is the durable record of one collaborative canvas.
type Canvas struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	State         State      `json:"state"`
	Owner         string     `json:"owner"`
	InviteCode    string     `json:"invite_code,omitempty"`
	CanvasAddress string     `json:"canvas_pda,omitempty"`    // set iff State.OnChain()
	MintAddress   string     `json:"mint_address,omitempty"`  // set iff minted
	Collaborators []string   `json:"collaborators,omitempty"` // includes the owner
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	MintedAt      *time.Time `json:"minted_at,omitempty"`
}

// Validate checks the canvas invariants that hold in every state.
func (c *Canvas) Validate() error {
	if _, err := uuid.Parse(c.ID); err != nil {
		return fmt.Errorf("invalid canvas ID: not a valid UUID")
	}
	if c.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if c.Owner == "" {
		return fmt.Errorf("owner cannot be empty")
	}
	if err := c.State.Validate(); err != nil {
		return err
	}
	if c.State.OnChain() != (c.CanvasAddress != "") {
		return fmt.Errorf("canvas address must be set iff state is on-chain (state %s)", c.State)
	}
	if (c.State == StateMinted) != (c.MintAddress != "") {
		return fmt.Errorf("mint address must be set iff state is minted (state %s)", c.State)
	}
	return nil
}

// IsCollaborator reports whether identity is in the loaded collaborator set.
func (c *Canvas) IsCollaborator(identity string) bool {
	for _, id := range c.Collaborators {
		if id == identity {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of c.
func (c *Canvas) Clone() *Canvas {
	out := *c
	out.Collaborators = append([]string(nil), c.Collaborators...)
	if c.PublishedAt != nil {
		t := *c.PublishedAt
		out.PublishedAt = &t
	}
	if c.MintedAt != nil {
		t := *c.MintedAt
		out.MintedAt = &t
	}
	return &out
}

// Pixel is the durable state of one grid cell.
type Pixel struct {
	X             int       `json:"x"`
	Y             int       `json:"y"`
	Color         int       `json:"color"`
	Owner         string    `json:"owner,omitempty"`
	PriceLamports uint64    `json:"price_lamports"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks coordinate bounds, palette range and the owner/price pairing.
func (p *Pixel) Validate() error {
	if err := ValidateCoordinates(p.X, p.Y); err != nil {
		return err
	}
	if err := ValidateColor(p.Color); err != nil {
		return err
	}
	if (p.Owner != "") != (p.PriceLamports > 0) {
		return fmt.Errorf("pixel (%d,%d) must have an owner iff its price is positive", p.X, p.Y)
	}
	return nil
}

// Owned reports whether anyone has bought the pixel.
func (p *Pixel) Owned() bool {
	return p.Owner != ""
}

// ValidateCoordinates checks that (x, y) lies on the grid.
func ValidateCoordinates(x, y int) error {
	if x < 0 || x >= Width || y < 0 || y >= Height {
		return fmt.Errorf("coordinates (%d,%d) out of bounds", x, y)
	}
	return nil
}

// ValidateColor checks that color is a palette index.
func ValidateColor(color int) error {
	if color < 0 || color > MaxColor {
		return fmt.Errorf("color %d out of range 0-%d", color, MaxColor)
	}
	return nil
}
