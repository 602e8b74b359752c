package lockstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxWatchRetries bounds optimistic transaction retries under contention.
const maxWatchRetries = 16

var (
	// ErrNotHolder is returned when a reservation exists but belongs to another identity.
	ErrNotHolder = errors.New("reservation held by another identity")

	// ErrSignatureUsed is returned when a chain signature has already settled a pixel.
	ErrSignatureUsed = errors.New("signature already used")

	// ErrIntentChanged is returned when the stored intent is not the one the caller expected.
	ErrIntentChanged = errors.New("intent changed concurrently")
)

// Client provides instance-scoped Redis operations for the lock store.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new lock store client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: pixelsett instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the namespace this client operates in.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireReservation atomically creates a reservation if no live one exists for the pixel.
// Uses SET NX PX so exactly one concurrent caller wins; losers get (false, nil).
// ExpiresAtMs is derived from CreatedAtMs and ttl before the write.
func (c *Client) AcquireReservation(ctx context.Context, r *Reservation, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("reservation ttl must be positive")
	}
	if r.CreatedAtMs == 0 {
		r.CreatedAtMs = time.Now().UnixMilli()
	}
	r.ExpiresAtMs = r.CreatedAtMs + ttl.Milliseconds()

	if err := r.Validate(); err != nil {
		return false, fmt.Errorf("invalid reservation: %w", err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("failed to serialize reservation: %w", err)
	}

	key := ReservationKey(c.instanceName, r.CanvasID, r.X, r.Y)
	acquired, err := c.rdb.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to write reservation to Redis: %w", err)
	}
	if !acquired {
		return false, nil
	}

	z := redis.Z{Score: float64(r.ExpiresAtMs), Member: PixelMember(r.CanvasID, r.X, r.Y)}
	if err := c.rdb.ZAdd(ctx, ReservationDeadlinesKey(c.instanceName), z).Err(); err != nil {
		// An unindexed reservation would never be swept, so it must not stay live.
		if derr := c.rdb.Del(ctx, key).Err(); derr != nil {
			return false, fmt.Errorf("failed to index reservation deadline: %w (rollback failed: %v)", err, derr)
		}
		return false, fmt.Errorf("failed to index reservation deadline: %w", err)
	}

	return true, nil
}

// GetReservation retrieves the live reservation for a pixel.
// Returns (nil, redis.Nil) if the pixel is not reserved.
func (c *Client) GetReservation(ctx context.Context, canvasID string, x, y int) (*Reservation, error) {
	data, err := c.rdb.Get(ctx, ReservationKey(c.instanceName, canvasID, x, y)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read reservation from Redis: %w", err)
	}
	return decodeReservation(data)
}

// ReleaseReservation deletes a reservation held by holder.
// Returns redis.Nil if no reservation exists and ErrNotHolder if someone else holds it.
func (c *Client) ReleaseReservation(ctx context.Context, canvasID string, x, y int, holder string) error {
	key := ReservationKey(c.instanceName, canvasID, x, y)
	member := PixelMember(canvasID, x, y)

	return c.watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		r, err := decodeReservation(data)
		if err != nil {
			return err
		}
		if r.Holder != holder {
			return ErrNotHolder
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, ReservationDeadlinesKey(c.instanceName), member)
			return nil
		})
		return err
	}, key)
}

// ConsumeReservation atomically deletes the expected reservation and records the
// confirmation marker for its signature. The marker outlives the reservation by
// markerTTL so that a retried confirm can be recognised.
//
// Returns redis.Nil if no reservation exists, ErrNotHolder if the stored reservation
// is not expected (another holder, or a later bid that replaced a lapsed one) and
// ErrSignatureUsed if the signature already settled a pixel.
func (c *Client) ConsumeReservation(ctx context.Context, expected *Reservation, conf *Confirmation, markerTTL time.Duration) (*Reservation, error) {
	key := ReservationKey(c.instanceName, expected.CanvasID, expected.X, expected.Y)
	confKey := ConfirmationKey(c.instanceName, conf.Signature)
	member := PixelMember(expected.CanvasID, expected.X, expected.Y)

	confData, err := json.Marshal(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize confirmation: %w", err)
	}

	var consumed *Reservation
	err = c.watch(ctx, func(tx *redis.Tx) error {
		used, err := tx.Exists(ctx, confKey).Result()
		if err != nil {
			return err
		}
		if used > 0 {
			return ErrSignatureUsed
		}

		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		r, err := decodeReservation(data)
		if err != nil {
			return err
		}
		if !r.Same(expected) {
			return ErrNotHolder
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, ReservationDeadlinesKey(c.instanceName), member)
			pipe.Set(ctx, confKey, confData, markerTTL)
			return nil
		})
		if err != nil {
			return err
		}
		consumed = r
		return nil
	}, key, confKey)
	if err != nil {
		return nil, err
	}

	return consumed, nil
}

// RestoreReservation undoes ConsumeReservation after a failed durable write.
// The confirmation marker is removed and the reservation is put back with whatever
// lifetime it had left. An already-lapsed reservation is not restored.
func (c *Client) RestoreReservation(ctx context.Context, r *Reservation, signature string, now time.Time) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize reservation: %w", err)
	}

	remaining := time.Duration(r.ExpiresAtMs-now.UnixMilli()) * time.Millisecond
	key := ReservationKey(c.instanceName, r.CanvasID, r.X, r.Y)

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ConfirmationKey(c.instanceName, signature))
		if remaining > 0 {
			pipe.SetNX(ctx, key, data, remaining)
			pipe.ZAdd(ctx, ReservationDeadlinesKey(c.instanceName), redis.Z{
				Score:  float64(r.ExpiresAtMs),
				Member: PixelMember(r.CanvasID, r.X, r.Y),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore reservation: %w", err)
	}
	return nil
}

// GetConfirmation retrieves the confirmation marker for a chain signature.
// Returns (nil, redis.Nil) if the signature has not settled anything.
func (c *Client) GetConfirmation(ctx context.Context, signature string) (*Confirmation, error) {
	data, err := c.rdb.Get(ctx, ConfirmationKey(c.instanceName, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read confirmation from Redis: %w", err)
	}

	var conf Confirmation
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("failed to deserialize confirmation: %w", err)
	}
	return &conf, nil
}

// DueReservations claims reservations whose deadline has passed and whose key is gone.
// Each expired pixel is returned once across all callers: the ZREM decides who reports it.
// Members still backed by a live key are left for a later pass.
func (c *Client) DueReservations(ctx context.Context, now time.Time) ([]PixelRef, error) {
	deadlines := ReservationDeadlinesKey(c.instanceName)
	members, err := c.rdb.ZRangeByScore(ctx, deadlines, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read reservation deadlines: %w", err)
	}

	var expired []PixelRef
	for _, member := range members {
		canvasID, x, y, err := ParsePixelMember(member)
		if err != nil {
			c.rdb.ZRem(ctx, deadlines, member)
			continue
		}

		live, err := c.rdb.Exists(ctx, ReservationKey(c.instanceName, canvasID, x, y)).Result()
		if err != nil {
			return expired, fmt.Errorf("failed to check reservation existence: %w", err)
		}
		if live > 0 {
			continue
		}

		removed, err := c.rdb.ZRem(ctx, deadlines, member).Result()
		if err != nil {
			return expired, fmt.Errorf("failed to remove reservation deadline: %w", err)
		}
		if removed > 0 {
			expired = append(expired, PixelRef{CanvasID: canvasID, X: x, Y: y})
		}
	}

	return expired, nil
}

// ListReservations returns every live reservation on a canvas.
// Uses SCAN so large keyspaces are walked incrementally.
func (c *Client) ListReservations(ctx context.Context, canvasID string) ([]*Reservation, error) {
	pattern := ReservationPattern(c.instanceName, canvasID)

	var reservations []*Reservation
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		data, err := c.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and GET
			}
			return nil, fmt.Errorf("failed to read reservation from Redis: %w", err)
		}
		r, err := decodeReservation(data)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan reservations: %w", err)
	}

	return reservations, nil
}

// StartCooldown records that identity just acted on a pixel.
func (c *Client) StartCooldown(ctx context.Context, canvasID string, x, y int, identity string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	key := CooldownKey(c.instanceName, canvasID, x, y, identity)
	if err := c.rdb.Set(ctx, key, "1", d).Err(); err != nil {
		return fmt.Errorf("failed to write cooldown to Redis: %w", err)
	}
	return nil
}

// CooldownRemaining returns how long identity must wait before acting on the pixel again.
// Zero means no cooldown is active.
func (c *Client) CooldownRemaining(ctx context.Context, canvasID string, x, y int, identity string) (time.Duration, error) {
	ttl, err := c.rdb.PTTL(ctx, CooldownKey(c.instanceName, canvasID, x, y, identity)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cooldown from Redis: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// CreateIntent stores a canvas intent if none exists and indexes its deadline.
// Returns (false, nil) if the canvas already has a live intent.
// The key itself lives for ttl so an abandoned intent eventually disappears.
func (c *Client) CreateIntent(ctx context.Context, i *Intent, ttl time.Duration) (bool, error) {
	if err := i.Validate(); err != nil {
		return false, fmt.Errorf("invalid intent: %w", err)
	}

	data, err := json.Marshal(i)
	if err != nil {
		return false, fmt.Errorf("failed to serialize intent: %w", err)
	}

	key := IntentKey(c.instanceName, i.CanvasID)
	created, err := c.rdb.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to write intent to Redis: %w", err)
	}
	if !created {
		return false, nil
	}

	z := redis.Z{Score: float64(i.DeadlineMs), Member: i.CanvasID}
	if err := c.rdb.ZAdd(ctx, IntentDeadlinesKey(c.instanceName), z).Err(); err != nil {
		if derr := c.rdb.Del(ctx, key).Err(); derr != nil {
			return false, fmt.Errorf("failed to index intent deadline: %w (rollback failed: %v)", err, derr)
		}
		return false, fmt.Errorf("failed to index intent deadline: %w", err)
	}

	return true, nil
}

// GetIntent retrieves the live intent for a canvas.
// Returns (nil, redis.Nil) if the canvas has no pending intent.
func (c *Client) GetIntent(ctx context.Context, canvasID string) (*Intent, error) {
	data, err := c.rdb.Get(ctx, IntentKey(c.instanceName, canvasID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read intent from Redis: %w", err)
	}
	return decodeIntent(data)
}

// ReplaceIntent swaps expected for next if expected is still the stored intent.
// Returns redis.Nil if the intent is gone and ErrIntentChanged if it was replaced.
func (c *Client) ReplaceIntent(ctx context.Context, expected, next *Intent, ttl time.Duration) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid intent: %w", err)
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to serialize intent: %w", err)
	}

	key := IntentKey(c.instanceName, expected.CanvasID)
	return c.watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		stored, err := decodeIntent(current)
		if err != nil {
			return err
		}
		if !stored.Same(expected) {
			return ErrIntentChanged
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			pipe.ZAdd(ctx, IntentDeadlinesKey(c.instanceName), redis.Z{
				Score:  float64(next.DeadlineMs),
				Member: next.CanvasID,
			})
			return nil
		})
		return err
	}, key)
}

// DeleteIntent removes a canvas's intent and its deadline entry.
// When expected is non-nil the delete only happens if the stored intent is still
// expected; ErrIntentChanged is returned otherwise. A missing intent is not an error.
func (c *Client) DeleteIntent(ctx context.Context, canvasID string, expected *Intent) error {
	key := IntentKey(c.instanceName, canvasID)
	deadlines := IntentDeadlinesKey(c.instanceName)

	return c.watch(ctx, func(tx *redis.Tx) error {
		if expected != nil {
			current, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				stored, err := decodeIntent(current)
				if err != nil {
					return err
				}
				if !stored.Same(expected) {
					return ErrIntentChanged
				}
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, deadlines, canvasID)
			return nil
		})
		return err
	}, key)
}

// DueIntents returns the canvas IDs whose intent deadline has passed.
// Entries stay indexed until DeleteIntent removes them.
func (c *Client) DueIntents(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, IntentDeadlinesKey(c.instanceName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read intent deadlines: %w", err)
	}
	return ids, nil
}

// PublishCanvasEvent fans a pre-encoded event out to every node subscribed to this instance.
func (c *Client) PublishCanvasEvent(ctx context.Context, canvasID string, event []byte) error {
	payload, err := json.Marshal(CanvasEvent{CanvasID: canvasID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal canvas event: %w", err)
	}

	if err := c.rdb.Publish(ctx, CanvasEventsChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish canvas event: %w", err)
	}
	return nil
}

// Subscription represents an active Pub/Sub subscription to canvas events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *CanvasEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of canvas events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *CanvasEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - malformed messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeCanvasEvents subscribes to canvas events for this instance.
// Caller must call subscription.Close() when done.
// Context cancellation also stops the subscription.
//
// Redis Pub/Sub is at-most-once: a slow subscriber can miss events.
func (c *Client) SubscribeCanvasEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, CanvasEventsChannel(c.instanceName))

	// Wait for the subscription to be confirmed so no event published after
	// this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to canvas events: %w", err)
	}

	eventsChan := make(chan *CanvasEvent, 64)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event CanvasEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal canvas event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
// Use this to check if GetReservation, GetIntent or GetConfirmation returned "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// watch runs fn inside WATCH/MULTI/EXEC and retries when a watched key changes.
func (c *Client) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := c.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %v failed after %d retries: %w", keys, maxWatchRetries, redis.TxFailedErr)
}

func decodeReservation(data []byte) (*Reservation, error) {
	var r Reservation
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to deserialize reservation: %w", err)
	}
	return &r, nil
}

func decodeIntent(data []byte) (*Intent, error) {
	var i Intent
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, fmt.Errorf("failed to deserialize intent: %w", err)
	}
	return &i, nil
}
