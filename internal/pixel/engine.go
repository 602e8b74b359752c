// Package pixel arbitrates concurrent bids on canvas pixels.
//
// A bid on a pixel someone else may also want becomes a reservation in the
// lock store: a single SET NX decides the winner, and the reservation lives
// until the bidder confirms payment, cancels, or it expires. Confirmation is
// the commit point. The chain transaction is verified, the reservation is
// consumed together with a marker for its signature, and the new owner is
// written to the repository. A pixel the caller already owns is recolored
// immediately without a reservation.
package pixel

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"time"

	"github.com/dyluth/pixelsett/internal/apperr"
	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/chain"
	"github.com/dyluth/pixelsett/internal/metrics"
	"github.com/dyluth/pixelsett/internal/realtime"
	"github.com/dyluth/pixelsett/internal/repository"
	"github.com/dyluth/pixelsett/pkg/lockstore"
)

// Config holds the bidding policy.
type Config struct {
	MinBidLamports uint64
	Cooldown       time.Duration
	LockTTL        time.Duration
	// ConfirmationTTL is how long a settled signature is remembered for idempotent retries.
	ConfirmationTTL time.Duration
}

// Engine is the pixel lock and bid engine.
type Engine struct {
	store        *lockstore.Client
	repo         repository.Repository
	canvases     *canvas.Machine
	verifier     chain.Verifier
	proofs       chain.ProofVerifier
	events       realtime.Broadcaster
	cfg          Config
	instanceName string
	now          func() time.Time
}

// NewEngine creates an engine.
func NewEngine(
	store *lockstore.Client,
	repo repository.Repository,
	canvases *canvas.Machine,
	verifier chain.Verifier,
	proofs chain.ProofVerifier,
	events realtime.Broadcaster,
	cfg Config,
) *Engine {
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = 24 * time.Hour
	}
	return &Engine{
		store:        store,
		repo:         repo,
		canvases:     canvases,
		verifier:     verifier,
		proofs:       proofs,
		events:       events,
		cfg:          cfg,
		instanceName: store.InstanceName(),
		now:          time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// PlaceRequest asks to set a pixel's color, buying it if needed.
type PlaceRequest struct {
	CanvasID    string
	X           int
	Y           int
	Color       int
	BidLamports uint64
	Identity    string
}

// PlaceResult tells the caller whether payment must follow.
// When RequiresConfirmation is set, the caller pays BidLamports to Recipient
// and calls Confirm with the transaction signature before ExpiresAtMs.
type PlaceResult struct {
	RequiresConfirmation bool          `json:"requires_confirmation"`
	Pixel                *canvas.Pixel `json:"pixel,omitempty"`
	BidLamports          uint64        `json:"bid_lamports,omitempty"`
	Recipient            string        `json:"recipient,omitempty"`
	PreviousOwner        string        `json:"previous_owner,omitempty"`
	PreviousPrice        uint64        `json:"previous_price,omitempty"`
	ExpiresAtMs          int64         `json:"expires_at_ms,omitempty"`
}

// Place arbitrates a placement. See the package documentation for the flow.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if err := validatePixel(req.X, req.Y, req.Color); err != nil {
		return nil, err
	}
	// Prices are stored as signed 64-bit integers.
	if req.BidLamports > math.MaxInt64 {
		return nil, apperr.New(apperr.CodeInvalidParams, "bid %d exceeds the maximum of %d lamports", req.BidLamports, int64(math.MaxInt64))
	}

	c, err := e.canvases.Load(ctx, req.CanvasID)
	if err != nil {
		return nil, err
	}
	if !canvas.CanPlacePixels(c.State) {
		return nil, notPublished(c)
	}
	if !c.IsCollaborator(req.Identity) {
		return nil, apperr.ErrNotCollaborator
	}

	remaining, err := e.store.CooldownRemaining(ctx, req.CanvasID, req.X, req.Y, req.Identity)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to check cooldown")
	}
	if remaining > 0 {
		metrics.RecordPlacement("cooldown")
		return nil, apperr.New(apperr.CodeCooldownActive, "wait %s before placing on (%d,%d) again",
			remaining.Round(time.Millisecond), req.X, req.Y).With("remaining_ms", remaining.Milliseconds())
	}

	existing, err := e.store.GetReservation(ctx, req.CanvasID, req.X, req.Y)
	switch {
	case err == nil:
		if existing.Holder == req.Identity && existing.Color == req.Color && existing.BidLamports == req.BidLamports {
			return e.reservationResult(c, existing), nil
		}
		metrics.RecordPlacement("locked")
		return nil, pixelLocked(existing)
	case !lockstore.IsNotFound(err):
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to read reservation")
	}

	px, err := e.repo.GetPixel(ctx, req.CanvasID, req.X, req.Y)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to read pixel")
	}

	if px.Owner == req.Identity {
		return e.repaint(ctx, req, px)
	}

	minBid := e.MinimumBid(px)
	if req.BidLamports < minBid {
		metrics.RecordPlacement("bid_too_low")
		return nil, apperr.New(apperr.CodeBidTooLow, "bid %d is below the minimum of %d lamports", req.BidLamports, minBid).
			With("min_lamports", minBid).
			With("current_price", px.PriceLamports)
	}

	r := &lockstore.Reservation{
		CanvasID:      req.CanvasID,
		X:             req.X,
		Y:             req.Y,
		Holder:        req.Identity,
		Color:         req.Color,
		BidLamports:   req.BidLamports,
		PreviousOwner: px.Owner,
		PreviousPrice: px.PriceLamports,
		CreatedAtMs:   e.now().UnixMilli(),
	}
	acquired, err := e.store.AcquireReservation(ctx, r, e.cfg.LockTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to reserve pixel")
	}
	if !acquired {
		metrics.RecordPlacement("locked")
		holder, _ := e.store.GetReservation(ctx, req.CanvasID, req.X, req.Y)
		return nil, pixelLocked(holder)
	}

	e.startCooldown(ctx, req)
	metrics.RecordPlacement("reserved")
	e.logEvent("pixel_reserved", map[string]interface{}{
		"canvas_id":      req.CanvasID,
		"x":              req.X,
		"y":              req.Y,
		"holder":         req.Identity,
		"bid_lamports":   req.BidLamports,
		"previous_owner": px.Owner,
	})
	e.events.Publish(ctx, req.CanvasID, realtime.Event{
		Type:    realtime.EventPixelLocked,
		Payload: realtime.PixelLock{X: req.X, Y: req.Y, Holder: req.Identity, ExpiresAtMs: r.ExpiresAtMs},
	})

	return e.reservationResult(c, r), nil
}

// repaint recolors a pixel the caller already owns. No bid, no reservation.
func (e *Engine) repaint(ctx context.Context, req PlaceRequest, px *canvas.Pixel) (*PlaceResult, error) {
	if err := e.repo.SetPixelColor(ctx, req.CanvasID, req.X, req.Y, req.Color, req.Identity); err != nil {
		if errors.Is(err, repository.ErrOwnershipChanged) {
			return nil, apperr.ErrNotPixelOwner
		}
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to recolor pixel")
	}

	e.startCooldown(ctx, req)
	metrics.RecordPlacement("repaint")

	updated := *px
	updated.Color = req.Color
	updated.UpdatedAt = e.now().UTC()
	e.publishUpdate(ctx, req.CanvasID, &updated)

	return &PlaceResult{RequiresConfirmation: false, Pixel: &updated}, nil
}

func (e *Engine) startCooldown(ctx context.Context, req PlaceRequest) {
	if e.cfg.Cooldown <= 0 {
		return
	}
	if err := e.store.StartCooldown(ctx, req.CanvasID, req.X, req.Y, req.Identity, e.cfg.Cooldown); err != nil {
		log.Printf("[Engine] Failed to start cooldown for %s on (%d,%d): %v", req.Identity, req.X, req.Y, err)
	}
}

func (e *Engine) reservationResult(c *canvas.Canvas, r *lockstore.Reservation) *PlaceResult {
	return &PlaceResult{
		RequiresConfirmation: true,
		BidLamports:          r.BidLamports,
		Recipient:            recipient(c, r.PreviousOwner),
		PreviousOwner:        r.PreviousOwner,
		PreviousPrice:        r.PreviousPrice,
		ExpiresAtMs:          r.ExpiresAtMs,
	}
}

// MinimumBid is the smallest acceptable bid for px: strictly above its price and at least the base minimum.
func (e *Engine) MinimumBid(px *canvas.Pixel) uint64 {
	min := e.cfg.MinBidLamports
	if px.Owned() && px.PriceLamports+1 > min {
		min = px.PriceLamports + 1
	}
	if min == 0 {
		min = 1
	}
	return min
}

// ConfirmRequest settles a reservation with a chain transaction signature.
type ConfirmRequest struct {
	CanvasID  string
	X         int
	Y         int
	Color     int
	Signature string
	Identity  string
}

// ConfirmResult is the settled pixel. AlreadyConfirmed is set when the
// signature had settled this pixel before and nothing changed.
type ConfirmResult struct {
	Pixel            *canvas.Pixel `json:"pixel"`
	AlreadyConfirmed bool          `json:"already_confirmed"`
}

// Confirm verifies payment and commits the caller's reservation.
// Retrying with the same signature after success returns the settled pixel.
// A failed verification leaves the reservation in place so the caller can retry.
func (e *Engine) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	if err := validatePixel(req.X, req.Y, req.Color); err != nil {
		return nil, err
	}
	if err := chain.ValidateSignature(req.Signature); err != nil {
		return nil, apperr.New(apperr.CodeInvalidParams, "%v", err)
	}

	if res, err := e.previousConfirmation(ctx, req); res != nil || err != nil {
		return res, err
	}

	c, err := e.canvases.Load(ctx, req.CanvasID)
	if err != nil {
		return nil, err
	}
	if !canvas.CanSettlePixels(c.State) {
		return nil, notPublished(c)
	}

	r, err := e.store.GetReservation(ctx, req.CanvasID, req.X, req.Y)
	if err != nil {
		if lockstore.IsNotFound(err) {
			metrics.RecordConfirmation("no_reservation")
			return nil, apperr.ErrReservationNotFound
		}
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to read reservation")
	}
	if r.Holder != req.Identity {
		metrics.RecordConfirmation("no_reservation")
		return nil, apperr.ErrReservationNotFound
	}
	if r.Color != req.Color {
		return nil, apperr.New(apperr.CodeInvalidParams, "color %d does not match reserved color %d", req.Color, r.Color)
	}

	to := recipient(c, r.PreviousOwner)
	ok, err := e.verifier.VerifyTransaction(ctx, req.Signature, req.Identity, to, r.BidLamports)
	if err != nil {
		metrics.RecordConfirmation("chain_error")
		return nil, apperr.Wrap(apperr.CodeChainCommunication, err, "failed to verify payment")
	}
	if !ok {
		metrics.RecordConfirmation("rejected")
		return nil, apperr.New(apperr.CodeTransactionFailed,
			"transaction does not pay %d lamports from %s to %s", r.BidLamports, req.Identity, to)
	}

	conf := &lockstore.Confirmation{
		Signature:     req.Signature,
		CanvasID:      req.CanvasID,
		X:             req.X,
		Y:             req.Y,
		Holder:        req.Identity,
		Color:         r.Color,
		PriceLamports: r.BidLamports,
		ConfirmedAtMs: e.now().UnixMilli(),
	}
	consumed, err := e.store.ConsumeReservation(ctx, r, conf, e.cfg.ConfirmationTTL)
	if err != nil {
		switch {
		case errors.Is(err, lockstore.ErrSignatureUsed):
			// A concurrent confirm with the same signature got there first.
			if res, err := e.previousConfirmation(ctx, req); res != nil || err != nil {
				return res, err
			}
			return nil, apperr.ErrTransactionFailed
		case lockstore.IsNotFound(err), errors.Is(err, lockstore.ErrNotHolder):
			metrics.RecordConfirmation("no_reservation")
			return nil, apperr.ErrReservationNotFound
		}
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to consume reservation")
	}

	change := repository.OwnerChange{
		X:             req.X,
		Y:             req.Y,
		Color:         consumed.Color,
		Owner:         req.Identity,
		PriceLamports: consumed.BidLamports,
		PreviousOwner: consumed.PreviousOwner,
		PreviousPrice: consumed.PreviousPrice,
	}
	if err := e.repo.SetPixelOwner(ctx, req.CanvasID, change); err != nil {
		if rerr := e.store.RestoreReservation(ctx, consumed, req.Signature, e.now()); rerr != nil {
			log.Printf("[Engine] Failed to restore reservation on (%d,%d) after repository error: %v", req.X, req.Y, rerr)
		}
		metrics.RecordConfirmation("repository_error")
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to record pixel owner")
	}

	px := &canvas.Pixel{
		X:             req.X,
		Y:             req.Y,
		Color:         consumed.Color,
		Owner:         req.Identity,
		PriceLamports: consumed.BidLamports,
		UpdatedAt:     e.now().UTC(),
	}
	metrics.RecordConfirmation("settled")
	e.logEvent("pixel_settled", map[string]interface{}{
		"canvas_id":      req.CanvasID,
		"x":              req.X,
		"y":              req.Y,
		"owner":          req.Identity,
		"price_lamports": consumed.BidLamports,
		"previous_owner": consumed.PreviousOwner,
		"signature":      req.Signature,
	})
	e.publishUpdate(ctx, req.CanvasID, px)

	return &ConfirmResult{Pixel: px}, nil
}

// previousConfirmation answers a retried confirm. It returns (nil, nil) when
// the signature has not settled anything yet.
func (e *Engine) previousConfirmation(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	conf, err := e.store.GetConfirmation(ctx, req.Signature)
	if err != nil {
		if lockstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to read confirmation")
	}
	if !conf.Matches(req.CanvasID, req.X, req.Y, req.Identity) {
		metrics.RecordConfirmation("signature_reused")
		return nil, apperr.New(apperr.CodeTransactionFailed, "signature already settled another pixel")
	}

	px, err := e.repo.GetPixel(ctx, req.CanvasID, req.X, req.Y)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to read pixel")
	}
	metrics.RecordConfirmation("duplicate")
	return &ConfirmResult{Pixel: px, AlreadyConfirmed: true}, nil
}

// Cancel releases the caller's reservation. Cancelling a reservation that is
// already gone is not an error.
func (e *Engine) Cancel(ctx context.Context, canvasID string, x, y int, identity string) error {
	if err := canvas.ValidateCoordinates(x, y); err != nil {
		return apperr.New(apperr.CodeInvalidParams, "%v", err)
	}

	err := e.store.ReleaseReservation(ctx, canvasID, x, y, identity)
	switch {
	case err == nil:
	case lockstore.IsNotFound(err):
		return nil
	case errors.Is(err, lockstore.ErrNotHolder):
		return apperr.ErrReservationNotFound
	default:
		return apperr.Wrap(apperr.CodeLockStore, err, "failed to release reservation")
	}

	e.logEvent("pixel_released", map[string]interface{}{
		"canvas_id": canvasID,
		"x":         x,
		"y":         y,
		"holder":    identity,
	})
	e.events.Publish(ctx, canvasID, realtime.Event{
		Type:    realtime.EventPixelUnlocked,
		Payload: realtime.PixelLock{X: x, Y: y},
	})
	return nil
}

// PaintRequest recolors an owned pixel. Signature is the owner's signature of
// chain.PaintMessage(CanvasID, X, Y, Color).
type PaintRequest struct {
	CanvasID  string
	X         int
	Y         int
	Color     int
	Signature string
	Identity  string
}

// Paint recolors a pixel the caller owns after checking their signed proof.
func (e *Engine) Paint(ctx context.Context, req PaintRequest) (*canvas.Pixel, error) {
	if err := validatePixel(req.X, req.Y, req.Color); err != nil {
		return nil, err
	}

	c, err := e.canvases.Load(ctx, req.CanvasID)
	if err != nil {
		return nil, err
	}
	if !canvas.CanPlacePixels(c.State) {
		return nil, notPublished(c)
	}

	px, err := e.repo.GetPixel(ctx, req.CanvasID, req.X, req.Y)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to read pixel")
	}
	if px.Owner != req.Identity {
		return nil, apperr.ErrNotPixelOwner
	}

	if r, err := e.store.GetReservation(ctx, req.CanvasID, req.X, req.Y); err == nil {
		return nil, pixelLocked(r)
	} else if !lockstore.IsNotFound(err) {
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to read reservation")
	}

	ok, err := e.proofs.VerifyProof(req.Identity, chain.PaintMessage(req.CanvasID, req.X, req.Y, req.Color), req.Signature)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to verify paint proof")
	}
	if !ok {
		return nil, apperr.ErrInvalidSignature
	}

	if err := e.repo.SetPixelColor(ctx, req.CanvasID, req.X, req.Y, req.Color, req.Identity); err != nil {
		if errors.Is(err, repository.ErrOwnershipChanged) {
			return nil, apperr.ErrNotPixelOwner
		}
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to recolor pixel")
	}

	px.Color = req.Color
	px.UpdatedAt = e.now().UTC()
	metrics.RecordPlacement("paint")
	e.publishUpdate(ctx, req.CanvasID, px)
	return px, nil
}

// BidInfo is what a client needs to build a purchase transaction for a pixel.
type BidInfo struct {
	Pixel          *canvas.Pixel `json:"pixel"`
	MinBidLamports uint64        `json:"min_bid_lamports"`
	Recipient      string        `json:"recipient"`
	Locked         bool          `json:"locked"`
	LockHolder     string        `json:"lock_holder,omitempty"`
	LockExpiresAt  int64         `json:"lock_expires_at_ms,omitempty"`
	Blockhash      string        `json:"blockhash"`
}

// BidInfo reports the pixel's price, the minimum next bid, its lock status and a recent blockhash.
func (e *Engine) BidInfo(ctx context.Context, canvasID string, x, y int) (*BidInfo, error) {
	if err := canvas.ValidateCoordinates(x, y); err != nil {
		return nil, apperr.New(apperr.CodeInvalidParams, "%v", err)
	}

	c, err := e.canvases.Load(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	px, err := e.repo.GetPixel(ctx, canvasID, x, y)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, err, "failed to read pixel")
	}

	info := &BidInfo{
		Pixel:          px,
		MinBidLamports: e.MinimumBid(px),
		Recipient:      recipient(c, px.Owner),
	}

	r, err := e.store.GetReservation(ctx, canvasID, x, y)
	switch {
	case err == nil:
		info.Locked = true
		info.LockHolder = r.Holder
		info.LockExpiresAt = r.ExpiresAtMs
	case !lockstore.IsNotFound(err):
		return nil, apperr.Wrap(apperr.CodeLockStore, err, "failed to read reservation")
	}

	info.Blockhash, err = e.verifier.RecentBlockhash(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeChainCommunication, err, "failed to fetch blockhash")
	}
	return info, nil
}

func (e *Engine) publishUpdate(ctx context.Context, canvasID string, px *canvas.Pixel) {
	e.events.Publish(ctx, canvasID, realtime.Event{
		Type: realtime.EventPixelUpdate,
		Payload: realtime.PixelUpdate{
			X:             px.X,
			Y:             px.Y,
			Color:         px.Color,
			Owner:         px.Owner,
			PriceLamports: px.PriceLamports,
		},
	})
}

// recipient is who a purchase pays: the previous owner, or the canvas account for an unowned pixel.
func recipient(c *canvas.Canvas, previousOwner string) string {
	if previousOwner != "" {
		return previousOwner
	}
	return c.CanvasAddress
}

func validatePixel(x, y, color int) error {
	if err := canvas.ValidateCoordinates(x, y); err != nil {
		return apperr.New(apperr.CodeInvalidParams, "%v", err)
	}
	if err := canvas.ValidateColor(color); err != nil {
		return apperr.New(apperr.CodeInvalidParams, "%v", err)
	}
	return nil
}

func notPublished(c *canvas.Canvas) error {
	return apperr.New(apperr.CodeCanvasNotPublished, "canvas %s is %s", c.ID, c.State).
		With("state", string(c.State))
}

func pixelLocked(r *lockstore.Reservation) error {
	err := apperr.New(apperr.CodePixelLocked, "pixel is reserved by another bidder")
	if r != nil {
		err = err.With("expires_at_ms", r.ExpiresAtMs)
	}
	return err
}

// logEvent emits a structured JSON log line.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "pixel"
	data["event_type"] = eventType
	data["instance"] = e.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Engine] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
