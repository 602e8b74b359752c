package canvas

import "fmt"

// State is a canvas lifecycle state.
type State string

const (
	StateDraft       State = "draft"
	StatePublishing  State = "publishing"
	StatePublished   State = "published"
	StateMintPending State = "mint_pending"
	StateMinting     State = "minting"
	StateMinted      State = "minted"
	StateDeleted     State = "deleted"
)

// Validate checks if the State is a known value.
func (s State) Validate() error {
	switch s {
	case StateDraft, StatePublishing, StatePublished, StateMintPending, StateMinting, StateMinted, StateDeleted:
		return nil
	default:
		return fmt.Errorf("unknown canvas state: %q", s)
	}
}

// Stable reports whether nothing is pending in s.
func (s State) Stable() bool {
	return s == StateDraft || s == StatePublished || s == StateMinted
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateMinted || s == StateDeleted
}

// OnChain reports whether a canvas in s has an on-chain canvas account.
func (s State) OnChain() bool {
	switch s {
	case StatePublished, StateMintPending, StateMinting, StateMinted:
		return true
	}
	return false
}

// Transition is one named edge of the lifecycle.
type Transition struct {
	Name string
	From State
	To   State
}

func (t Transition) String() string {
	return fmt.Sprintf("%s (%s → %s)", t.Name, t.From, t.To)
}

// The complete lifecycle. Any edge not listed here is rejected.
var (
	PublishInitiate     = Transition{Name: "publish_initiate", From: StateDraft, To: StatePublishing}
	PublishConfirm      = Transition{Name: "publish_confirm", From: StatePublishing, To: StatePublished}
	PublishCancel       = Transition{Name: "publish_cancel", From: StatePublishing, To: StateDraft}
	PublishTimeout      = Transition{Name: "publish_timeout", From: StatePublishing, To: StateDraft}
	MintAnnounce        = Transition{Name: "mint_announce", From: StatePublished, To: StateMintPending}
	MintCountdownCancel = Transition{Name: "mint_countdown_cancel", From: StateMintPending, To: StatePublished}
	MintCountdownExpire = Transition{Name: "mint_countdown_expire", From: StateMintPending, To: StatePublished}
	MintInitiate        = Transition{Name: "mint_initiate", From: StateMintPending, To: StateMinting}
	MintConfirm         = Transition{Name: "mint_confirm", From: StateMinting, To: StateMinted}
	MintCancel          = Transition{Name: "mint_cancel", From: StateMinting, To: StatePublished}
	MintTimeout         = Transition{Name: "mint_timeout", From: StateMinting, To: StatePublished}
	Delete              = Transition{Name: "delete", From: StateDraft, To: StateDeleted}
)

// Transitions lists every legal lifecycle edge.
var Transitions = []Transition{
	PublishInitiate, PublishConfirm, PublishCancel, PublishTimeout,
	MintAnnounce, MintCountdownCancel, MintCountdownExpire, MintInitiate,
	MintConfirm, MintCancel, MintTimeout,
	Delete,
}

// ValidTransition reports whether from → to is a lifecycle edge.
func ValidTransition(from, to State) bool {
	for _, t := range Transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CanPlacePixels reports whether pixel placement and bidding are open in s.
func CanPlacePixels(s State) bool {
	return s == StatePublished
}

// CanEditMetadata reports whether name and collaborator edits are allowed in s.
func CanEditMetadata(s State) bool {
	return s == StateDraft
}

// CanSettlePixels reports whether a pending pixel payment may still be confirmed in s.
// A reservation taken while published can settle during the mint countdown.
func CanSettlePixels(s State) bool {
	return s == StatePublished || s == StateMintPending
}
