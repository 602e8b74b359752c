package canvas

import (
	"encoding/base64"
	"fmt"
)

const (
	Width      = 32
	Height     = 32
	CellCount  = Width * Height
	PackedSize = CellCount * 6 / 8
	MaxColor   = 63
)

// Grid holds one palette index per cell in row-major order.
type Grid [CellCount]uint8

// NewGrid returns a grid filled with color.
func NewGrid(color uint8) Grid {
	var g Grid
	for i := range g {
		g[i] = color & MaxColor
	}
	return g
}

// GridFromPixels builds a grid from pixel records. Cells with no record keep DefaultColor.
func GridFromPixels(pixels []Pixel) Grid {
	g := NewGrid(DefaultColor)
	for _, p := range pixels {
		if ValidateCoordinates(p.X, p.Y) == nil {
			g.Set(p.X, p.Y, uint8(p.Color))
		}
	}
	return g
}

func (g *Grid) At(x, y int) uint8 {
	return g[y*Width+x]
}

func (g *Grid) Set(x, y int, color uint8) {
	g[y*Width+x] = color & MaxColor
}

// Pack packs the grid four cells per three bytes, most significant bits first:
//
//	b0 = c0<<2 | c1>>4
//	b1 = (c1&0x0F)<<4 | c2>>2
//	b2 = (c2&0x03)<<6 | c3
func (g *Grid) Pack() []byte {
	packed := make([]byte, PackedSize)
	for group := 0; group < CellCount/4; group++ {
		c0 := g[group*4] & MaxColor
		c1 := g[group*4+1] & MaxColor
		c2 := g[group*4+2] & MaxColor
		c3 := g[group*4+3] & MaxColor

		b := packed[group*3 : group*3+3]
		b[0] = c0<<2 | c1>>4
		b[1] = (c1&0x0F)<<4 | c2>>2
		b[2] = (c2&0x03)<<6 | c3
	}
	return packed
}

// Unpack reverses Pack.
func Unpack(packed []byte) (Grid, error) {
	var g Grid
	if len(packed) != PackedSize {
		return g, fmt.Errorf("packed grid must be %d bytes, got %d", PackedSize, len(packed))
	}
	for group := 0; group < CellCount/4; group++ {
		b := packed[group*3 : group*3+3]
		g[group*4] = b[0] >> 2
		g[group*4+1] = (b[0]&0x03)<<4 | b[1]>>4
		g[group*4+2] = (b[1]&0x0F)<<2 | b[2]>>6
		g[group*4+3] = b[2] & 0x3F
	}
	return g, nil
}

// Encode returns the packed grid as standard base64, the wire form used for on-chain submission.
func (g *Grid) Encode() string {
	return base64.StdEncoding.EncodeToString(g.Pack())
}

// Decode parses the base64 wire form.
func Decode(s string) (Grid, error) {
	packed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Grid{}, fmt.Errorf("failed to decode packed grid: %w", err)
	}
	return Unpack(packed)
}
