// Package settlement drives the canvas-level two-phase flows.
//
// Publishing and minting both start with an off-chain step that moves the
// canvas into a transient state and records an intent with a deadline in the
// lock store. The client then submits the chain transaction and calls back
// with its signature. Confirmation verifies the transaction and moves the
// canvas on; cancellation or a passed deadline moves it back to the last
// stable state. The canvas state compare-and-swap decides every race, and the
// intent's presence decides whether a confirm is still possible.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/dyluth/pixelsett/internal/apperr"
	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/chain"
	"github.com/dyluth/pixelsett/internal/realtime"
	"github.com/dyluth/pixelsett/internal/repository"
	"github.com/dyluth/pixelsett/pkg/lockstore"
)

// intentGrace keeps an intent's key alive past its deadline so a sweep can still see it.
const intentGrace = 10 * time.Minute

// Failure reasons carried in publishing_failed, mint_countdown_cancelled and minting_failed.
const (
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
	ReasonExpired   = "countdown_expired"
)

// Config holds the settlement timings.
type Config struct {
	MintCountdown      time.Duration
	MintInitiateWindow time.Duration
	PublishTimeout     time.Duration
	MintTimeout        time.Duration
}

// Coordinator is the settlement coordinator.
type Coordinator struct {
	store        *lockstore.Client
	repo         repository.Repository
	canvases     *canvas.Machine
	verifier     chain.Verifier
	events       realtime.Broadcaster
	cfg          Config
	instanceName string
	now          func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(
	store *lockstore.Client,
	repo repository.Repository,
	canvases *canvas.Machine,
	verifier chain.Verifier,
	events realtime.Broadcaster,
	cfg Config,
) *Coordinator {
	if cfg.MintCountdown <= 0 {
		cfg.MintCountdown = 30 * time.Second
	}
	if cfg.MintInitiateWindow <= 0 {
		cfg.MintInitiateWindow = time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Minute
	}
	if cfg.MintTimeout <= 0 {
		cfg.MintTimeout = 2 * time.Minute
	}
	return &Coordinator{
		store:        store,
		repo:         repo,
		canvases:     canvases,
		verifier:     verifier,
		events:       events,
		cfg:          cfg,
		instanceName: store.InstanceName(),
		now:          time.Now,
	}
}

// SetClock replaces the coordinator's time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// PublishTicket is what a client needs to submit the publish transaction.
type PublishTicket struct {
	CanvasID   string `json:"canvas_id"`
	PixelData  string `json:"pixel_data"` // base64 packed grid
	Blockhash  string `json:"blockhash"`
	DeadlineMs int64  `json:"deadline_ms"`
}

// InitiatePublish moves a draft canvas to publishing and snapshots its grid.
func (c *Coordinator) InitiatePublish(ctx context.Context, canvasID, actor string) (*PublishTicket, error) {
	cv, err := c.canvases.Load(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	if err := canvas.RequireOwner(cv, actor); err != nil {
		return nil, err
	}
	if cv.State != canvas.StateDraft {
		return nil, invalidTransition(cv.State, "publish")
	}

	// Draft pixels cannot change, so the snapshot taken here is what gets published.
	pixels, err := c.repo.GetPixels(ctx, canvasID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to read pixels")
	}
	grid := canvas.GridFromPixels(pixels)

	blockhash, err := c.verifier.RecentBlockhash(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeChainCommunication, err, "failed to fetch blockhash")
	}

	if _, err := c.canvases.Apply(ctx, canvasID, actor, canvas.PublishInitiate, nil); err != nil {
		return nil, err
	}

	now := c.now()
	intent := &lockstore.Intent{
		CanvasID:    canvasID,
		Kind:        lockstore.IntentPublish,
		Initiator:   actor,
		TargetState: string(canvas.StatePublished),
		DeadlineMs:  now.Add(c.cfg.PublishTimeout).UnixMilli(),
		CreatedAtMs: now.UnixMilli(),
	}
	if err := c.createIntent(ctx, intent, c.cfg.PublishTimeout); err != nil {
		c.revert(ctx, canvasID, canvas.PublishCancel)
		return nil, err
	}

	c.logEvent("publish_initiated", map[string]interface{}{
		"canvas_id":   canvasID,
		"actor":       actor,
		"deadline_ms": intent.DeadlineMs,
	})
	c.events.Publish(ctx, canvasID, realtime.Event{Type: realtime.EventPublishingStarted, Payload: struct{}{}})

	return &PublishTicket{
		CanvasID:   canvasID,
		PixelData:  grid.Encode(),
		Blockhash:  blockhash,
		DeadlineMs: intent.DeadlineMs,
	}, nil
}

// ConfirmPublish verifies the publish transaction and records the canvas account.
// A failed verification leaves the canvas publishing so the caller can retry.
func (c *Coordinator) ConfirmPublish(ctx context.Context, canvasID, actor, signature, canvasAddress string) (*canvas.Canvas, error) {
	if err := chain.ValidateSignature(signature); err != nil {
		return nil, apperr.New(apperr.CodeInvalidParams, "%v", err)
	}
	if err := chain.ValidateAddress(canvasAddress); err != nil {
		return nil, apperr.New(apperr.CodeInvalidParams, "%v", err)
	}

	cv, intent, err := c.pending(ctx, canvasID, actor, canvas.StatePublishing, lockstore.IntentPublish, "confirm publish")
	if err != nil {
		return nil, err
	}

	ok, err := c.verifier.VerifyPublishTransaction(ctx, signature, canvasAddress)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeChainCommunication, err, "failed to verify publish transaction")
	}
	if !ok {
		return nil, apperr.New(apperr.CodeTransactionFailed, "transaction does not publish canvas %s at %s", cv.ID, canvasAddress)
	}

	next, err := c.canvases.Apply(ctx, canvasID, actor, canvas.PublishConfirm, func(n *canvas.Canvas) error {
		if err := c.stillPending(ctx, intent); err != nil {
			return err
		}
		at := c.now().UTC()
		n.CanvasAddress = canvasAddress
		n.PublishedAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.dropIntent(ctx, canvasID, intent)

	c.logEvent("publish_confirmed", map[string]interface{}{
		"canvas_id":  canvasID,
		"canvas_pda": canvasAddress,
		"signature":  signature,
	})
	c.events.Publish(ctx, canvasID, realtime.Event{
		Type:    realtime.EventPublished,
		Payload: realtime.Published{CanvasPDA: canvasAddress},
	})
	return next, nil
}

// CancelPublish reverts a publishing canvas to draft.
func (c *Coordinator) CancelPublish(ctx context.Context, canvasID, actor string) (*canvas.Canvas, error) {
	next, err := c.canvases.Apply(ctx, canvasID, actor, canvas.PublishCancel, nil)
	if err != nil {
		return nil, err
	}
	c.dropIntent(ctx, canvasID, nil)
	c.publishFailure(ctx, canvasID, realtime.EventPublishingFailed, ReasonCancelled)
	return next, nil
}

// AnnounceMint moves a published canvas to mint_pending and starts the countdown.
func (c *Coordinator) AnnounceMint(ctx context.Context, canvasID, actor string) (*realtime.MintCountdown, error) {
	next, err := c.canvases.Apply(ctx, canvasID, actor, canvas.MintAnnounce, nil)
	if err != nil {
		return nil, err
	}

	now := c.now()
	endsAt := now.Add(c.cfg.MintCountdown)
	intent := &lockstore.Intent{
		CanvasID:          canvasID,
		Kind:              lockstore.IntentMint,
		Initiator:         actor,
		TargetState:       string(canvas.StateMinting),
		CountdownEndsAtMs: endsAt.UnixMilli(),
		DeadlineMs:        endsAt.Add(c.cfg.MintInitiateWindow).UnixMilli(),
		CreatedAtMs:       now.UnixMilli(),
	}
	if err := c.createIntent(ctx, intent, c.cfg.MintCountdown+c.cfg.MintInitiateWindow); err != nil {
		c.revert(ctx, canvasID, canvas.MintCountdownCancel)
		return nil, err
	}

	countdown := &realtime.MintCountdown{
		Seconds:  int(c.cfg.MintCountdown / time.Second),
		EndsAtMs: intent.CountdownEndsAtMs,
	}
	c.logEvent("mint_announced", map[string]interface{}{
		"canvas_id":  canvasID,
		"actor":      actor,
		"ends_at_ms": countdown.EndsAtMs,
		"state":      string(next.State),
	})
	c.events.Publish(ctx, canvasID, realtime.Event{Type: realtime.EventMintCountdown, Payload: *countdown})
	return countdown, nil
}

// Countdown reports the running mint countdown, for viewers that joined after it started.
func (c *Coordinator) Countdown(ctx context.Context, canvasID string) (*realtime.MintCountdown, error) {
	cv, err := c.canvases.Load(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	if cv.State != canvas.StateMintPending {
		return nil, invalidTransition(cv.State, "read the mint countdown of")
	}
	intent, err := c.intent(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	if intent == nil || intent.Kind != lockstore.IntentMint {
		return nil, invalidTransition(cv.State, "read the mint countdown of")
	}

	remaining := time.Duration(intent.CountdownEndsAtMs-c.now().UnixMilli()) * time.Millisecond
	if remaining < 0 {
		remaining = 0
	}
	return &realtime.MintCountdown{
		Seconds:  int((remaining + time.Second - 1) / time.Second),
		EndsAtMs: intent.CountdownEndsAtMs,
	}, nil
}

// CancelMintCountdown reverts a mint_pending canvas to published.
func (c *Coordinator) CancelMintCountdown(ctx context.Context, canvasID, actor string) (*canvas.Canvas, error) {
	next, err := c.canvases.Apply(ctx, canvasID, actor, canvas.MintCountdownCancel, nil)
	if err != nil {
		return nil, err
	}
	c.dropIntent(ctx, canvasID, nil)
	c.publishFailure(ctx, canvasID, realtime.EventMintCountdownCancelled, ReasonCancelled)
	return next, nil
}

// MintTicket is what a client needs to submit the mint transaction.
type MintTicket struct {
	CanvasID   string           `json:"canvas_id"`
	Shares     []realtime.Share `json:"shares"`
	Blockhash  string           `json:"blockhash"`
	DeadlineMs int64            `json:"deadline_ms"`
}

// InitiateMint moves a mint_pending canvas to minting once the countdown has elapsed.
func (c *Coordinator) InitiateMint(ctx context.Context, canvasID, actor string) (*MintTicket, error) {
	cv, intent, err := c.pending(ctx, canvasID, actor, canvas.StateMintPending, lockstore.IntentMint, "initiate mint")
	if err != nil {
		return nil, err
	}

	now := c.now()
	if remaining := intent.CountdownEndsAtMs - now.UnixMilli(); remaining > 0 {
		return nil, apperr.New(apperr.CodeStateTransitionInvalid, "mint countdown has %dms left", remaining).
			With("state", string(cv.State)).
			With("remaining_ms", remaining)
	}

	shares, err := c.CreatorShares(ctx, cv)
	if err != nil {
		return nil, err
	}
	blockhash, err := c.verifier.RecentBlockhash(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeChainCommunication, err, "failed to fetch blockhash")
	}

	if _, err := c.canvases.Apply(ctx, canvasID, actor, canvas.MintInitiate, nil); err != nil {
		return nil, err
	}

	next := *intent
	next.TargetState = string(canvas.StateMinted)
	next.DeadlineMs = now.Add(c.cfg.MintTimeout).UnixMilli()
	if err := c.store.ReplaceIntent(ctx, intent, &next, c.cfg.MintTimeout+intentGrace); err != nil {
		c.revert(ctx, canvasID, canvas.MintCancel)
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to extend mint intent")
	}

	c.logEvent("mint_initiated", map[string]interface{}{
		"canvas_id":   canvasID,
		"actor":       actor,
		"shares":      shares,
		"deadline_ms": next.DeadlineMs,
	})
	c.events.Publish(ctx, canvasID, realtime.Event{
		Type:    realtime.EventMintingStarted,
		Payload: realtime.MintingStarted{Shares: shares},
	})

	return &MintTicket{
		CanvasID:   canvasID,
		Shares:     shares,
		Blockhash:  blockhash,
		DeadlineMs: next.DeadlineMs,
	}, nil
}

// ConfirmMint verifies the mint transaction and records the mint address.
// A failed verification leaves the canvas minting so the caller can retry.
func (c *Coordinator) ConfirmMint(ctx context.Context, canvasID, actor, signature, mintAddress string) (*canvas.Canvas, error) {
	if err := chain.ValidateSignature(signature); err != nil {
		return nil, apperr.New(apperr.CodeInvalidParams, "%v", err)
	}
	if err := chain.ValidateAddress(mintAddress); err != nil {
		return nil, apperr.New(apperr.CodeInvalidParams, "%v", err)
	}

	_, intent, err := c.pending(ctx, canvasID, actor, canvas.StateMinting, lockstore.IntentMint, "confirm mint")
	if err != nil {
		return nil, err
	}

	ok, err := c.verifier.VerifyMintTransaction(ctx, signature, mintAddress)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeChainCommunication, err, "failed to verify mint transaction")
	}
	if !ok {
		return nil, apperr.New(apperr.CodeTransactionFailed, "transaction does not mint %s", mintAddress)
	}

	next, err := c.canvases.Apply(ctx, canvasID, actor, canvas.MintConfirm, func(n *canvas.Canvas) error {
		if err := c.stillPending(ctx, intent); err != nil {
			return err
		}
		at := c.now().UTC()
		n.MintAddress = mintAddress
		n.MintedAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.dropIntent(ctx, canvasID, intent)

	c.logEvent("mint_confirmed", map[string]interface{}{
		"canvas_id":    canvasID,
		"mint_address": mintAddress,
		"signature":    signature,
	})
	c.events.Publish(ctx, canvasID, realtime.Event{
		Type:    realtime.EventMinted,
		Payload: realtime.Minted{MintAddress: mintAddress},
	})
	return next, nil
}

// CancelMint reverts a minting canvas to published.
func (c *Coordinator) CancelMint(ctx context.Context, canvasID, actor string) (*canvas.Canvas, error) {
	next, err := c.canvases.Apply(ctx, canvasID, actor, canvas.MintCancel, nil)
	if err != nil {
		return nil, err
	}
	c.dropIntent(ctx, canvasID, nil)
	c.publishFailure(ctx, canvasID, realtime.EventMintingFailed, ReasonCancelled)
	return next, nil
}

// CreatorShares computes the mint shares of cv from what each identity paid for its pixels.
func (c *Coordinator) CreatorShares(ctx context.Context, cv *canvas.Canvas) ([]realtime.Share, error) {
	totals, err := c.repo.OwnershipTotals(ctx, cv.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to sum pixel ownership")
	}
	return ComputeShares(cv.Owner, totals), nil
}

// pending loads a canvas awaiting confirmation and its live intent.
// A passed deadline is enforced here as well as by the sweep.
func (c *Coordinator) pending(ctx context.Context, canvasID, actor string, state canvas.State, kind lockstore.IntentKind, op string) (*canvas.Canvas, *lockstore.Intent, error) {
	cv, err := c.canvases.Load(ctx, canvasID)
	if err != nil {
		return nil, nil, err
	}
	if err := canvas.RequireOwner(cv, actor); err != nil {
		return nil, nil, err
	}
	if cv.State != state {
		return nil, nil, invalidTransition(cv.State, op)
	}

	intent, err := c.intent(ctx, canvasID)
	if err != nil {
		return nil, nil, err
	}
	if intent == nil || intent.Kind != kind {
		return nil, nil, apperr.New(apperr.CodeStateTransitionInvalid, "no pending %s for canvas %s", kind, canvasID).
			With("state", string(cv.State))
	}
	if intent.Due(c.now().UnixMilli()) {
		if _, err := c.expire(ctx, canvasID); err != nil {
			log.Printf("[Settlement] Failed to expire %s intent for %s: %v", kind, canvasID, err)
		}
		return nil, nil, apperr.New(apperr.CodeStateTransitionInvalid, "pending %s for canvas %s timed out", kind, canvasID).
			With("state", string(cv.State))
	}
	return cv, intent, nil
}

// stillPending fails unless intent is still the canvas's stored intent. A flow
// cancelled and started again during chain verification has a different one.
func (c *Coordinator) stillPending(ctx context.Context, intent *lockstore.Intent) error {
	current, err := c.intent(ctx, intent.CanvasID)
	if err != nil {
		return err
	}
	if current == nil || !current.Same(intent) {
		return apperr.New(apperr.CodeStateTransitionInvalid, "pending %s for canvas %s was superseded", intent.Kind, intent.CanvasID)
	}
	return nil
}

// intent returns the canvas's live intent, or nil if it has none.
func (c *Coordinator) intent(ctx context.Context, canvasID string) (*lockstore.Intent, error) {
	intent, err := c.store.GetIntent(ctx, canvasID)
	if err != nil {
		if lockstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to read intent")
	}
	return intent, nil
}

// createIntent stores a fresh intent. The caller has just won the state
// compare-and-swap, so any intent still stored belongs to a finished flow.
func (c *Coordinator) createIntent(ctx context.Context, intent *lockstore.Intent, lifetime time.Duration) error {
	ttl := lifetime + intentGrace
	created, err := c.store.CreateIntent(ctx, intent, ttl)
	if err == nil && !created {
		log.Printf("[Settlement] Replacing stale intent for %s", intent.CanvasID)
		if err = c.store.DeleteIntent(ctx, intent.CanvasID, nil); err == nil {
			created, err = c.store.CreateIntent(ctx, intent, ttl)
		}
	}
	if err != nil {
		return apperr.Wrap(apperr.CodeLockStore, err, "failed to record %s intent", intent.Kind)
	}
	if !created {
		return apperr.New(apperr.CodeStateTransitionInvalid, "canvas %s already has a pending operation", intent.CanvasID)
	}
	return nil
}

// dropIntent removes a settled intent. Failure is logged: the sweep removes
// whatever is left once the deadline passes, and the canvas is already stable.
func (c *Coordinator) dropIntent(ctx context.Context, canvasID string, expected *lockstore.Intent) {
	err := c.store.DeleteIntent(ctx, canvasID, expected)
	if err != nil && !errors.Is(err, lockstore.ErrIntentChanged) {
		log.Printf("[Settlement] Failed to delete intent for %s: %v", canvasID, err)
	}
}

// revert undoes a transition whose intent could not be recorded.
func (c *Coordinator) revert(ctx context.Context, canvasID string, t canvas.Transition) {
	if _, err := c.canvases.Apply(ctx, canvasID, canvas.System, t, nil); err != nil {
		log.Printf("[Settlement] Failed to revert %s via %s: %v", canvasID, t.Name, err)
	}
}

func (c *Coordinator) publishFailure(ctx context.Context, canvasID string, eventType realtime.EventType, reason string) {
	c.logEvent(string(eventType), map[string]interface{}{
		"canvas_id": canvasID,
		"reason":    reason,
	})
	c.events.Publish(ctx, canvasID, realtime.Event{Type: eventType, Payload: realtime.Failure{Reason: reason}})
}

func invalidTransition(current canvas.State, op string) error {
	return apperr.New(apperr.CodeStateTransitionInvalid, "cannot %s a canvas in state %s", op, current).
		With("state", string(current))
}

// logEvent emits a structured JSON log line.
func (c *Coordinator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "settlement"
	data["event_type"] = eventType
	data["instance"] = c.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Settlement] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
