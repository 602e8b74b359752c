package canvas_test

import (
	"testing"
	"time"

	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var allStates = []canvas.State{
	canvas.StateDraft,
	canvas.StatePublishing,
	canvas.StatePublished,
	canvas.StateMintPending,
	canvas.StateMinting,
	canvas.StateMinted,
	canvas.StateDeleted,
}

func TestValidTransitionTable(t *testing.T) {
	legal := map[[2]canvas.State]bool{
		{canvas.StateDraft, canvas.StatePublishing}:      true,
		{canvas.StatePublishing, canvas.StatePublished}:  true,
		{canvas.StatePublishing, canvas.StateDraft}:      true,
		{canvas.StatePublished, canvas.StateMintPending}: true,
		{canvas.StateMintPending, canvas.StatePublished}: true,
		{canvas.StateMintPending, canvas.StateMinting}:   true,
		{canvas.StateMinting, canvas.StateMinted}:        true,
		{canvas.StateMinting, canvas.StatePublished}:     true,
		{canvas.StateDraft, canvas.StateDeleted}:         true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := legal[[2]canvas.State{from, to}]
			assert.Equal(t, want, canvas.ValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionsAreLegal(t *testing.T) {
	names := map[string]bool{}
	for _, tr := range canvas.Transitions {
		assert.True(t, canvas.ValidTransition(tr.From, tr.To), tr.String())
		assert.False(t, names[tr.Name], "duplicate transition name %s", tr.Name)
		names[tr.Name] = true
	}
}

func TestStatePredicates(t *testing.T) {
	for _, s := range allStates {
		assert.NoError(t, s.Validate())
		assert.Equal(t, s == canvas.StatePublished, canvas.CanPlacePixels(s), "place in %s", s)
		assert.Equal(t, s == canvas.StateDraft, canvas.CanEditMetadata(s), "edit in %s", s)
	}
	assert.Error(t, canvas.State("archived").Validate())

	assert.True(t, canvas.StateMinted.Terminal())
	assert.True(t, canvas.StateDeleted.Terminal())
	assert.False(t, canvas.StatePublished.Terminal())

	assert.True(t, canvas.CanSettlePixels(canvas.StateMintPending))
	assert.False(t, canvas.CanSettlePixels(canvas.StateMinting))

	for _, s := range []canvas.State{canvas.StatePublished, canvas.StateMintPending, canvas.StateMinting, canvas.StateMinted} {
		assert.True(t, s.OnChain(), "%s", s)
	}
	assert.False(t, canvas.StateDraft.OnChain())
	assert.False(t, canvas.StatePublishing.OnChain())
}

func TestCanvasValidate(t *testing.T) {
	base := func() *canvas.Canvas {
		return &canvas.Canvas{
			ID:        uuid.New().String(),
			Name:      "sunset",
			State:     canvas.StateDraft,
			Owner:     "owner",
			CreatedAt: time.Now(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *canvas.Canvas)
		wantErr bool
	}{
		{"draft", func(c *canvas.Canvas) {}, false},
		{"bad id", func(c *canvas.Canvas) { c.ID = "nope" }, true},
		{"no name", func(c *canvas.Canvas) { c.Name = "" }, true},
		{"published needs pda", func(c *canvas.Canvas) { c.State = canvas.StatePublished }, true},
		{"published with pda", func(c *canvas.Canvas) {
			c.State = canvas.StatePublished
			c.CanvasAddress = "pda"
		}, false},
		{"draft with pda", func(c *canvas.Canvas) { c.CanvasAddress = "pda" }, true},
		{"minted needs mint", func(c *canvas.Canvas) {
			c.State = canvas.StateMinted
			c.CanvasAddress = "pda"
		}, true},
		{"minted", func(c *canvas.Canvas) {
			c.State = canvas.StateMinted
			c.CanvasAddress = "pda"
			c.MintAddress = "mint"
		}, false},
		{"minting with mint", func(c *canvas.Canvas) {
			c.State = canvas.StateMinting
			c.CanvasAddress = "pda"
			c.MintAddress = "mint"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if tt.wantErr {
				assert.Error(t, c.Validate())
			} else {
				assert.NoError(t, c.Validate())
			}
		})
	}
}

func TestPixelValidate(t *testing.T) {
	assert.NoError(t, (&canvas.Pixel{X: 0, Y: 31, Color: 10}).Validate())
	assert.NoError(t, (&canvas.Pixel{X: 15, Y: 15, Color: 63, Owner: "a", PriceLamports: 1}).Validate())
	assert.Error(t, (&canvas.Pixel{X: 32, Y: 0}).Validate())
	assert.Error(t, (&canvas.Pixel{X: 0, Y: -1}).Validate())
	assert.Error(t, (&canvas.Pixel{Color: 64}).Validate())
	assert.Error(t, (&canvas.Pixel{Owner: "a"}).Validate(), "owner without price")
	assert.Error(t, (&canvas.Pixel{PriceLamports: 5}).Validate(), "price without owner")
}
