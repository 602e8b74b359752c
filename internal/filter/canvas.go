// Package filter selects canvases for the canvases listing command.
package filter

import (
	"path/filepath"

	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/timespec"
)

// Criteria defines filtering criteria for canvases.
// All filters are ANDed together - a canvas must match ALL criteria to pass.
type Criteria struct {
	Updated  timespec.Range // window on UpdatedAt, zero = no filter
	NameGlob string         // glob pattern for the canvas name, empty = no filter
	Owner    string         // exact owner identity, empty = no filter
}

// Matches returns true if the canvas matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(cv *canvas.Canvas) bool {
	if !c.Updated.Contains(cv.UpdatedAt) {
		return false
	}

	if c.NameGlob != "" {
		matched, err := filepath.Match(c.NameGlob, cv.Name)
		if err != nil || !matched {
			return false
		}
	}

	if c.Owner != "" && cv.Owner != c.Owner {
		return false
	}

	return true
}

// Apply returns the canvases that match, in their original order.
func (c *Criteria) Apply(canvases []*canvas.Canvas) []*canvas.Canvas {
	out := make([]*canvas.Canvas, 0, len(canvases))
	for _, cv := range canvases {
		if c.Matches(cv) {
			out = append(out, cv)
		}
	}
	return out
}
