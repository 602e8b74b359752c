// Package testutil provides shared fakes and a wired test environment:
// miniredis-backed lock store, temp-dir SQLite repository, recording
// broadcaster, scriptable chain verifier and a manual clock.
package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/realtime"
	"github.com/dyluth/pixelsett/internal/repository"
	"github.com/dyluth/pixelsett/pkg/lockstore"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Env is an isolated environment for one test.
type Env struct {
	T            *testing.T
	Ctx          context.Context
	InstanceName string
	Redis        *miniredis.Miniredis
	Store        *lockstore.Client
	Repo         *repository.SQLite
	Events       *Recorder
	Chain        *FakeChain
	Clock        *Clock
}

// NewEnv wires a fresh environment. Everything is torn down by t.Cleanup.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	mr := miniredis.RunT(t)
	instanceName := fmt.Sprintf("test-%s", uuid.New().String()[:8])

	store, err := lockstore.NewClient(&redis.Options{Addr: mr.Addr()}, instanceName)
	require.NoError(t, err, "Failed to create lock store client")
	t.Cleanup(func() { store.Close() })

	repo, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "pixelsett.db"))
	require.NoError(t, err, "Failed to open repository")
	t.Cleanup(func() { repo.Close() })

	return &Env{
		T:            t,
		Ctx:          context.Background(),
		InstanceName: instanceName,
		Redis:        mr,
		Store:        store,
		Repo:         repo,
		Events:       &Recorder{},
		Chain:        NewFakeChain(),
		Clock:        NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
}

// Advance moves the manual clock and Redis TTLs forward together.
func (env *Env) Advance(d time.Duration) {
	env.Clock.Advance(d)
	env.Redis.FastForward(d)
}

// SeedCanvas stores a canvas owned by owner directly in the given state,
// with the addresses that state requires. The owner is the only collaborator.
func (env *Env) SeedCanvas(owner string, state canvas.State) *canvas.Canvas {
	env.T.Helper()

	now := env.Clock.Now().UTC().Truncate(time.Second)
	id := uuid.New()
	c := &canvas.Canvas{
		ID:            id.String(),
		Name:          "canvas-" + id.String()[:8],
		State:         canvas.StateDraft,
		Owner:         owner,
		InviteCode:    base58.Encode(id[:8]),
		Collaborators: []string{owner},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(env.T, env.Repo.CreateCanvas(env.Ctx, c, canvas.DefaultColor))
	if state == canvas.StateDraft {
		return c
	}

	next := c.Clone()
	next.State = state
	if state.OnChain() {
		next.CanvasAddress = NewAddress()
		next.PublishedAt = &now
	}
	if state == canvas.StateMinted {
		next.MintAddress = NewAddress()
		next.MintedAt = &now
	}
	require.NoError(env.T, next.Validate())
	require.NoError(env.T, env.Repo.UpdateCanvasState(env.Ctx, next, canvas.StateDraft))
	return next
}

// AddCollaborator joins identity to the canvas.
func (env *Env) AddCollaborator(canvasID, identity string) {
	env.T.Helper()
	_, err := env.Repo.AddCollaborator(env.Ctx, canvasID, identity, 0)
	require.NoError(env.T, err)
}

// LoadCanvas reads the stored canvas.
func (env *Env) LoadCanvas(canvasID string) *canvas.Canvas {
	env.T.Helper()
	c, err := env.Repo.GetCanvas(env.Ctx, canvasID)
	require.NoError(env.T, err)
	return c
}

// LoadPixel reads the stored pixel.
func (env *Env) LoadPixel(canvasID string, x, y int) *canvas.Pixel {
	env.T.Helper()
	p, err := env.Repo.GetPixel(env.Ctx, canvasID, x, y)
	require.NoError(env.T, err)
	return p
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Wallet is an ed25519 keypair standing in for a user's wallet.
type Wallet struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewWallet generates a wallet.
func NewWallet(t *testing.T) *Wallet {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &Wallet{pub: pub, priv: priv}
}

// Address is the wallet's base58 public key, used as its identity.
func (w *Wallet) Address() string {
	return base58.Encode(w.pub)
}

// Sign returns the base58 signature of message.
func (w *Wallet) Sign(message string) string {
	return base58.Encode(ed25519.Sign(w.priv, []byte(message)))
}

// NewAddress returns a random base58 32-byte address.
func NewAddress() string {
	return randomBase58(32)
}

// NewSignature returns a random base58 64-byte transaction signature.
func NewSignature() string {
	return randomBase58(64)
}

func randomBase58(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base58.Encode(b)
}

// Recorded is one event captured by a Recorder.
type Recorded struct {
	CanvasID string
	Event    realtime.Event
}

// Recorder is a Broadcaster that keeps every published event.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

var _ realtime.Broadcaster = (*Recorder)(nil)

func (r *Recorder) Publish(ctx context.Context, canvasID string, event realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{CanvasID: canvasID, Event: event})
}

// Events returns the events published for canvasID, in order.
func (r *Recorder) Events(canvasID string) []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []realtime.Event
	for _, rec := range r.events {
		if rec.CanvasID == canvasID {
			out = append(out, rec.Event)
		}
	}
	return out
}

// Types returns the event types published for canvasID, in order.
func (r *Recorder) Types(canvasID string) []realtime.EventType {
	var out []realtime.EventType
	for _, ev := range r.Events(canvasID) {
		out = append(out, ev.Type)
	}
	return out
}

// Last returns the most recent event of type typ for canvasID.
func (r *Recorder) Last(canvasID string, typ realtime.EventType) (realtime.Event, bool) {
	events := r.Events(canvasID)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == typ {
			return events[i], true
		}
	}
	return realtime.Event{}, false
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
