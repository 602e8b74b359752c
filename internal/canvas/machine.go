package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/dyluth/pixelsett/internal/apperr"
	"github.com/dyluth/pixelsett/internal/metrics"
	"github.com/dyluth/pixelsett/internal/realtime"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// System is the actor used for server-initiated transitions. It bypasses the owner check.
const System = "system"

var (
	// ErrNotFound is returned by a Store when the canvas does not exist.
	ErrNotFound = errors.New("canvas not found")

	// ErrStateConflict is returned by a Store when the canvas left the expected state.
	ErrStateConflict = errors.New("canvas state changed concurrently")

	// ErrNameTaken is returned by a Store when the owner already has a canvas with that name.
	ErrNameTaken = errors.New("canvas name already exists")

	// ErrCollaboratorLimit is returned by a Store when a canvas is full.
	ErrCollaboratorLimit = errors.New("collaborator limit reached")
)

// Store is the durable canvas storage the machine drives.
// UpdateCanvasState, UpdateCanvasName and DeleteCanvas are compare-and-swap
// operations on the stored state and return ErrStateConflict when it differs.
type Store interface {
	CreateCanvas(ctx context.Context, c *Canvas, color int) error
	GetCanvas(ctx context.Context, id string) (*Canvas, error)
	GetCanvasByInviteCode(ctx context.Context, code string) (*Canvas, error)
	UpdateCanvasState(ctx context.Context, next *Canvas, from State) error
	UpdateCanvasName(ctx context.Context, id, name string, from State) error
	DeleteCanvas(ctx context.Context, id string, from State) error
	AddCollaborator(ctx context.Context, id, identity string, max int) (bool, error)
}

// Policy bounds canvas metadata.
type Policy struct {
	MaxNameLength    int
	MaxCollaborators int
}

// Machine owns the canvas lifecycle. Every accepted transition is a single
// compare-and-swap against the stored state followed by a broadcast.
type Machine struct {
	store        Store
	events       realtime.Broadcaster
	policy       Policy
	instanceName string
	now          func() time.Time
}

// NewMachine creates a canvas state machine.
func NewMachine(store Store, events realtime.Broadcaster, policy Policy, instanceName string) *Machine {
	return &Machine{
		store:        store,
		events:       events,
		policy:       policy,
		instanceName: instanceName,
		now:          time.Now,
	}
}

// SetClock replaces the machine's time source.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Load fetches a canvas and translates store failures into domain errors.
func (m *Machine) Load(ctx context.Context, id string) (*Canvas, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.New(apperr.CodeInvalidParams, "invalid canvas id %q", id)
	}

	c, err := m.store.GetCanvas(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.ErrCanvasNotFound
		}
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to load canvas")
	}
	return c, nil
}

// Create makes a new draft canvas owned by owner and filled with color.
func (m *Machine) Create(ctx context.Context, owner, name string, color int) (*Canvas, error) {
	name, err := m.validName(name)
	if err != nil {
		return nil, err
	}
	if err := ValidateColor(color); err != nil {
		return nil, apperr.New(apperr.CodeInvalidParams, "%v", err)
	}

	now := m.now().UTC()
	id := uuid.New()
	invite := uuid.New()
	c := &Canvas{
		ID:            id.String(),
		Name:          name,
		State:         StateDraft,
		Owner:         owner,
		InviteCode:    base58.Encode(invite[:8]),
		Collaborators: []string{owner},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.store.CreateCanvas(ctx, c, color); err != nil {
		if errors.Is(err, ErrNameTaken) {
			return nil, apperr.New(apperr.CodeCanvasNameExists, "canvas %q already exists", name)
		}
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to create canvas")
	}

	m.logEvent("canvas_created", map[string]interface{}{
		"canvas_id": c.ID,
		"owner":     owner,
	})
	return c, nil
}

// Rename changes a draft canvas's name.
func (m *Machine) Rename(ctx context.Context, id, actor, name string) (*Canvas, error) {
	name, err := m.validName(name)
	if err != nil {
		return nil, err
	}

	c, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Owner != actor {
		return nil, apperr.ErrNotCanvasOwner
	}
	if !CanEditMetadata(c.State) {
		return nil, invalidTransition(c.State, "rename")
	}

	if err := m.store.UpdateCanvasName(ctx, id, name, StateDraft); err != nil {
		switch {
		case errors.Is(err, ErrStateConflict):
			return nil, invalidTransition(c.State, "rename")
		case errors.Is(err, ErrNameTaken):
			return nil, apperr.New(apperr.CodeCanvasNameExists, "canvas %q already exists", name)
		}
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to rename canvas")
	}

	c.Name = name
	return c, nil
}

// Join adds identity as a collaborator of the canvas behind inviteCode.
// Joining twice is not an error; the second call reports alreadyMember.
func (m *Machine) Join(ctx context.Context, inviteCode, identity string) (c *Canvas, alreadyMember bool, err error) {
	c, err = m.store.GetCanvasByInviteCode(ctx, inviteCode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, apperr.ErrCanvasNotFound
		}
		return nil, false, apperr.Wrap(apperr.CodeRepository, err, "failed to load canvas")
	}
	if c.State.Terminal() {
		return nil, false, invalidTransition(c.State, "join")
	}

	added, err := m.store.AddCollaborator(ctx, c.ID, identity, m.policy.MaxCollaborators)
	if err != nil {
		if errors.Is(err, ErrCollaboratorLimit) {
			return nil, false, apperr.New(apperr.CodeInvalidParams, "canvas already has %d collaborators", m.policy.MaxCollaborators)
		}
		return nil, false, apperr.Wrap(apperr.CodeRepository, err, "failed to add collaborator")
	}
	if added {
		c.Collaborators = append(c.Collaborators, identity)
	}
	return c, !added, nil
}

// Delete removes a draft canvas.
func (m *Machine) Delete(ctx context.Context, id, actor string) error {
	_, err := m.Apply(ctx, id, actor, Delete, nil)
	return err
}

// Apply performs transition t on canvas id on behalf of actor.
//
// The canvas must currently be in t.From and actor must be its owner (or System).
// mutate, when non-nil, edits the next record (addresses, timestamps) before it is
// validated and written. The write is conditional on the state still being t.From,
// so of two racing transitions from the same state exactly one is accepted; the
// loser gets StateTransitionInvalid and nothing changes.
func (m *Machine) Apply(ctx context.Context, id, actor string, t Transition, mutate func(*Canvas) error) (*Canvas, error) {
	c, err := m.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if actor != System && c.Owner != actor {
		return nil, apperr.ErrNotCanvasOwner
	}
	if c.State != t.From || !ValidTransition(t.From, t.To) {
		return nil, invalidTransition(c.State, t.Name)
	}

	next := c.Clone()
	next.State = t.To
	next.UpdatedAt = m.now().UTC()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	if err := next.Validate(); err != nil {
		return nil, apperr.New(apperr.CodeInvalidParams, "%s: %v", t.Name, err)
	}

	if t.To == StateDeleted {
		err = m.store.DeleteCanvas(ctx, id, t.From)
	} else {
		err = m.store.UpdateCanvasState(ctx, next, t.From)
	}
	if err != nil {
		if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) {
			log.Printf("[Canvas] Lost race applying %s to %s", t.Name, id)
			return nil, invalidTransition(t.From, t.Name)
		}
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to apply %s", t.Name)
	}

	metrics.RecordTransition(t.Name)
	m.logEvent("state_transition", map[string]interface{}{
		"canvas_id":  id,
		"actor":      actor,
		"transition": t.Name,
		"from":       string(t.From),
		"to":         string(t.To),
	})

	if t.To == StateDeleted {
		m.events.Publish(ctx, id, realtime.Event{Type: realtime.EventCanvasDeleted, Payload: struct{}{}})
	} else {
		m.events.Publish(ctx, id, realtime.Event{
			Type:    realtime.EventStateChanged,
			Payload: realtime.StateChanged{From: string(t.From), To: string(t.To), Transition: t.Name},
		})
	}

	return next, nil
}

// RequireOwner fails with NotCanvasOwner unless actor owns c.
func RequireOwner(c *Canvas, actor string) error {
	if actor != System && c.Owner != actor {
		return apperr.ErrNotCanvasOwner
	}
	return nil
}

func (m *Machine) validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > m.policy.MaxNameLength {
		return "", apperr.New(apperr.CodeInvalidParams,
			"canvas name cannot be empty or exceed %d characters", m.policy.MaxNameLength)
	}
	return name, nil
}

func invalidTransition(current State, op string) error {
	return apperr.New(apperr.CodeStateTransitionInvalid, "cannot %s a canvas in state %s", op, current).
		With("state", string(current))
}

// logEvent emits a structured JSON log line.
func (m *Machine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "canvas"
	data["event_type"] = eventType
	data["instance"] = m.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Canvas] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
