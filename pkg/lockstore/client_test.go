package lockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func newReservation(canvasID, holder string) *Reservation {
	return &Reservation{
		CanvasID:    canvasID,
		X:           15,
		Y:           15,
		Holder:      holder,
		Color:       12,
		BidLamports: 1_000_000,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.InstanceName())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestAcquireReservation(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	t.Run("first caller wins", func(t *testing.T) {
		canvasID := uuid.New().String()

		ok, err := client.AcquireReservation(ctx, newReservation(canvasID, "alice"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = client.AcquireReservation(ctx, newReservation(canvasID, "bob"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := client.GetReservation(ctx, canvasID, 15, 15)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Holder)
		assert.Equal(t, got.CreatedAtMs+time.Minute.Milliseconds(), got.ExpiresAtMs)
	})

	t.Run("indexes deadline", func(t *testing.T) {
		canvasID := uuid.New().String()
		r := newReservation(canvasID, "alice")

		_, err := client.AcquireReservation(ctx, r, time.Minute)
		require.NoError(t, err)

		score, err := mr.ZScore(ReservationDeadlinesKey("test-instance"), PixelMember(canvasID, 15, 15))
		require.NoError(t, err)
		assert.Equal(t, float64(r.ExpiresAtMs), score)
	})

	t.Run("rejects invalid reservation", func(t *testing.T) {
		r := newReservation(uuid.New().String(), "alice")
		r.X = 40

		_, err := client.AcquireReservation(ctx, r, time.Minute)
		assert.ErrorContains(t, err, "invalid reservation")
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		_, err := client.AcquireReservation(ctx, newReservation(uuid.New().String(), "alice"), 0)
		assert.Error(t, err)
	})

	t.Run("expires with ttl", func(t *testing.T) {
		canvasID := uuid.New().String()

		ok, err := client.AcquireReservation(ctx, newReservation(canvasID, "alice"), time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Second)

		_, err = client.GetReservation(ctx, canvasID, 15, 15)
		assert.True(t, IsNotFound(err))

		ok, err = client.AcquireReservation(ctx, newReservation(canvasID, "bob"), time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestAcquireReservationIndexFailure(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()
	canvasID := uuid.New().String()

	require.NoError(t, mr.Set(ReservationDeadlinesKey("test-instance"), "not-a-zset"))

	ok, err := client.AcquireReservation(ctx, newReservation(canvasID, "alice"), time.Minute)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "failed to index reservation deadline")

	_, err = client.GetReservation(ctx, canvasID, 15, 15)
	assert.True(t, IsNotFound(err), "the reservation is rolled back")
}

func TestAcquireReservationConcurrent(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	canvasID := uuid.New().String()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := client.AcquireReservation(ctx, newReservation(canvasID, fmt.Sprintf("bidder-%d", i)), time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestReleaseReservation(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	t.Run("holder releases", func(t *testing.T) {
		canvasID := uuid.New().String()
		_, err := client.AcquireReservation(ctx, newReservation(canvasID, "alice"), time.Minute)
		require.NoError(t, err)

		require.NoError(t, client.ReleaseReservation(ctx, canvasID, 15, 15, "alice"))

		_, err = client.GetReservation(ctx, canvasID, 15, 15)
		assert.True(t, IsNotFound(err))

		_, err = mr.ZScore(ReservationDeadlinesKey("test-instance"), PixelMember(canvasID, 15, 15))
		assert.Error(t, err, "deadline entry should be removed")
	})

	t.Run("other identity is refused", func(t *testing.T) {
		canvasID := uuid.New().String()
		_, err := client.AcquireReservation(ctx, newReservation(canvasID, "alice"), time.Minute)
		require.NoError(t, err)

		err = client.ReleaseReservation(ctx, canvasID, 15, 15, "bob")
		assert.ErrorIs(t, err, ErrNotHolder)

		_, err = client.GetReservation(ctx, canvasID, 15, 15)
		assert.NoError(t, err)
	})

	t.Run("missing reservation is not found", func(t *testing.T) {
		err := client.ReleaseReservation(ctx, uuid.New().String(), 1, 1, "alice")
		assert.True(t, IsNotFound(err))
	})
}

func TestConsumeReservation(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	confirmation := func(canvasID, sig string) *Confirmation {
		return &Confirmation{Signature: sig, CanvasID: canvasID, X: 15, Y: 15, Holder: "alice", Color: 12, PriceLamports: 1_000_000}
	}
	acquire := func(canvasID, holder string) *Reservation {
		r := newReservation(canvasID, holder)
		ok, err := client.AcquireReservation(ctx, r, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		return r
	}

	t.Run("consumes and records marker", func(t *testing.T) {
		canvasID := uuid.New().String()
		r := acquire(canvasID, "alice")

		consumed, err := client.ConsumeReservation(ctx, r, confirmation(canvasID, "sig-1"), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, uint64(1_000_000), consumed.BidLamports)

		_, err = client.GetReservation(ctx, canvasID, 15, 15)
		assert.True(t, IsNotFound(err))

		conf, err := client.GetConfirmation(ctx, "sig-1")
		require.NoError(t, err)
		assert.True(t, conf.Matches(canvasID, 15, 15, "alice"))
	})

	t.Run("signature cannot settle twice", func(t *testing.T) {
		canvasID := uuid.New().String()
		r := acquire(canvasID, "alice")
		_, err := client.ConsumeReservation(ctx, r, confirmation(canvasID, "sig-2"), time.Hour)
		require.NoError(t, err)

		other := uuid.New().String()
		r2 := acquire(other, "alice")

		_, err = client.ConsumeReservation(ctx, r2, confirmation(other, "sig-2"), time.Hour)
		assert.ErrorIs(t, err, ErrSignatureUsed)

		_, err = client.GetReservation(ctx, other, 15, 15)
		assert.NoError(t, err, "reservation must survive a rejected consume")
	})

	t.Run("wrong holder", func(t *testing.T) {
		canvasID := uuid.New().String()
		acquire(canvasID, "bob")

		_, err := client.ConsumeReservation(ctx, newReservation(canvasID, "alice"), confirmation(canvasID, "sig-3"), time.Hour)
		assert.ErrorIs(t, err, ErrNotHolder)
	})

	t.Run("same holder with a later bid", func(t *testing.T) {
		canvasID := uuid.New().String()
		verified := newReservation(canvasID, "alice")
		verified.CreatedAtMs = 1_000

		later := newReservation(canvasID, "alice")
		later.BidLamports = 500_000_000
		later.CreatedAtMs = 62_000
		_, err := client.AcquireReservation(ctx, later, time.Minute)
		require.NoError(t, err)

		_, err = client.ConsumeReservation(ctx, verified, confirmation(canvasID, "sig-5"), time.Hour)
		assert.ErrorIs(t, err, ErrNotHolder)

		got, err := client.GetReservation(ctx, canvasID, 15, 15)
		require.NoError(t, err)
		assert.Equal(t, uint64(500_000_000), got.BidLamports)
		_, err = client.GetConfirmation(ctx, "sig-5")
		assert.True(t, IsNotFound(err))
	})

	t.Run("missing reservation", func(t *testing.T) {
		canvasID := uuid.New().String()
		_, err := client.ConsumeReservation(ctx, newReservation(canvasID, "alice"), confirmation(canvasID, "sig-4"), time.Hour)
		assert.True(t, IsNotFound(err))
	})
}

func TestRestoreReservation(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("puts reservation back and clears marker", func(t *testing.T) {
		canvasID := uuid.New().String()
		res := newReservation(canvasID, "alice")
		_, err := client.AcquireReservation(ctx, res, time.Minute)
		require.NoError(t, err)

		conf := &Confirmation{Signature: "sig-r", CanvasID: canvasID, X: 15, Y: 15, Holder: "alice"}
		r, err := client.ConsumeReservation(ctx, res, conf, time.Hour)
		require.NoError(t, err)

		require.NoError(t, client.RestoreReservation(ctx, r, "sig-r", time.Now()))

		got, err := client.GetReservation(ctx, canvasID, 15, 15)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Holder)

		_, err = client.GetConfirmation(ctx, "sig-r")
		assert.True(t, IsNotFound(err))
	})

	t.Run("lapsed reservation stays gone", func(t *testing.T) {
		canvasID := uuid.New().String()
		r := newReservation(canvasID, "alice")
		r.ExpiresAtMs = time.Now().Add(-time.Second).UnixMilli()

		require.NoError(t, client.RestoreReservation(ctx, r, "sig-lapsed", time.Now()))

		_, err := client.GetReservation(ctx, canvasID, 15, 15)
		assert.True(t, IsNotFound(err))
	})
}

func TestDueReservations(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	expiring := uuid.New().String()
	live := uuid.New().String()

	_, err := client.AcquireReservation(ctx, newReservation(expiring, "alice"), time.Second)
	require.NoError(t, err)
	_, err = client.AcquireReservation(ctx, newReservation(live, "bob"), time.Hour)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	later := time.Now().Add(2 * time.Second)

	due, err := client.DueReservations(ctx, later)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, PixelRef{CanvasID: expiring, X: 15, Y: 15}, due[0])

	again, err := client.DueReservations(ctx, later)
	require.NoError(t, err)
	assert.Empty(t, again, "an expired pixel is reported once")
}

func TestListReservations(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	canvasID := uuid.New().String()

	for i := 0; i < 3; i++ {
		r := newReservation(canvasID, "alice")
		r.X = i
		_, err := client.AcquireReservation(ctx, r, time.Minute)
		require.NoError(t, err)
	}
	_, err := client.AcquireReservation(ctx, newReservation(uuid.New().String(), "bob"), time.Minute)
	require.NoError(t, err)

	list, err := client.ListReservations(ctx, canvasID)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	for _, r := range list {
		assert.Equal(t, canvasID, r.CanvasID)
	}
}

func TestCooldown(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()
	canvasID := uuid.New().String()

	remaining, err := client.CooldownRemaining(ctx, canvasID, 1, 1, "alice")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.NoError(t, client.StartCooldown(ctx, canvasID, 1, 1, "alice", 5*time.Second))

	remaining, err = client.CooldownRemaining(ctx, canvasID, 1, 1, "alice")
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, 5*time.Second)

	other, err := client.CooldownRemaining(ctx, canvasID, 1, 1, "bob")
	require.NoError(t, err)
	assert.Zero(t, other, "cooldowns are per identity")

	mr.FastForward(6 * time.Second)

	remaining, err = client.CooldownRemaining(ctx, canvasID, 1, 1, "alice")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestIntents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	newIntent := func(canvasID string, createdAt int64) *Intent {
		return &Intent{
			CanvasID:    canvasID,
			Kind:        IntentPublish,
			Initiator:   "owner",
			TargetState: "published",
			DeadlineMs:  createdAt + 120_000,
			CreatedAtMs: createdAt,
		}
	}

	t.Run("one intent per canvas", func(t *testing.T) {
		canvasID := uuid.New().String()

		ok, err := client.CreateIntent(ctx, newIntent(canvasID, 1000), time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = client.CreateIntent(ctx, newIntent(canvasID, 2000), time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := client.GetIntent(ctx, canvasID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), got.CreatedAtMs)
	})

	t.Run("index failure rolls back", func(t *testing.T) {
		c2, mr := setupTestClient(t)
		canvasID := uuid.New().String()
		require.NoError(t, mr.Set(IntentDeadlinesKey("test-instance"), "not-a-zset"))

		ok, err := c2.CreateIntent(ctx, newIntent(canvasID, 1000), time.Hour)
		require.Error(t, err)
		assert.False(t, ok)

		_, err = c2.GetIntent(ctx, canvasID)
		assert.True(t, IsNotFound(err))
	})

	t.Run("replace requires expected intent", func(t *testing.T) {
		canvasID := uuid.New().String()
		original := newIntent(canvasID, 1000)
		_, err := client.CreateIntent(ctx, original, time.Hour)
		require.NoError(t, err)

		next := *original
		next.DeadlineMs = 9_999_999

		stale := newIntent(canvasID, 500)
		assert.ErrorIs(t, client.ReplaceIntent(ctx, stale, &next, time.Hour), ErrIntentChanged)

		require.NoError(t, client.ReplaceIntent(ctx, original, &next, time.Hour))
		got, err := client.GetIntent(ctx, canvasID)
		require.NoError(t, err)
		assert.Equal(t, int64(9_999_999), got.DeadlineMs)
	})

	t.Run("replace on missing intent", func(t *testing.T) {
		i := newIntent(uuid.New().String(), 1)
		assert.True(t, IsNotFound(client.ReplaceIntent(ctx, i, i, time.Hour)))
	})

	t.Run("conditional delete", func(t *testing.T) {
		canvasID := uuid.New().String()
		original := newIntent(canvasID, 1000)
		_, err := client.CreateIntent(ctx, original, time.Hour)
		require.NoError(t, err)

		assert.ErrorIs(t, client.DeleteIntent(ctx, canvasID, newIntent(canvasID, 7)), ErrIntentChanged)
		require.NoError(t, client.DeleteIntent(ctx, canvasID, original))

		_, err = client.GetIntent(ctx, canvasID)
		assert.True(t, IsNotFound(err))

		assert.NoError(t, client.DeleteIntent(ctx, canvasID, original), "deleting an absent intent is a no-op")
	})

	t.Run("due intents by deadline", func(t *testing.T) {
		c2, _ := setupTestClient(t)
		early := uuid.New().String()
		late := uuid.New().String()

		_, err := c2.CreateIntent(ctx, newIntent(early, 1000), time.Hour)
		require.NoError(t, err)
		_, err = c2.CreateIntent(ctx, newIntent(late, 500_000), time.Hour)
		require.NoError(t, err)

		due, err := c2.DueIntents(ctx, time.UnixMilli(200_000))
		require.NoError(t, err)
		assert.Equal(t, []string{early}, due)

		require.NoError(t, c2.DeleteIntent(ctx, early, nil))
		due, err = c2.DueIntents(ctx, time.UnixMilli(200_000))
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestSubscribeCanvasEvents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("receives published events in order", func(t *testing.T) {
		sub, err := client.SubscribeCanvasEvents(ctx)
		require.NoError(t, err)
		defer sub.Close()

		for i := 0; i < 3; i++ {
			event := fmt.Sprintf(`{"type":"pixel_update","payload":{"n":%d}}`, i)
			require.NoError(t, client.PublishCanvasEvent(ctx, "canvas-1", []byte(event)))
		}

		for i := 0; i < 3; i++ {
			select {
			case received := <-sub.Events():
				assert.Equal(t, "canvas-1", received.CanvasID)
				var decoded struct {
					Payload struct {
						N int `json:"n"`
					} `json:"payload"`
				}
				require.NoError(t, json.Unmarshal(received.Event, &decoded))
				assert.Equal(t, i, decoded.Payload.N)
			case <-time.After(1 * time.Second):
				t.Fatal("timeout waiting for event")
			}
		}
	})

	t.Run("context cancellation closes events", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		sub, err := client.SubscribeCanvasEvents(cancelCtx)
		require.NoError(t, err)
		defer sub.Close()

		cancel()

		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok)
		case <-time.After(1 * time.Second):
			t.Fatal("events channel should close on cancellation")
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		sub, err := client.SubscribeCanvasEvents(ctx)
		require.NoError(t, err)
		assert.NoError(t, sub.Close())
		assert.NoError(t, sub.Close())
	})
}

func TestInstanceNamespacing(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	client1, err := NewClient(&redis.Options{Addr: mr.Addr()}, "instance-1")
	require.NoError(t, err)
	defer client1.Close()

	client2, err := NewClient(&redis.Options{Addr: mr.Addr()}, "instance-2")
	require.NoError(t, err)
	defer client2.Close()

	ctx := context.Background()
	canvasID := uuid.New().String()

	ok, err := client1.AcquireReservation(ctx, newReservation(canvasID, "alice"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client2.AcquireReservation(ctx, newReservation(canvasID, "bob"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "instances must not share reservations")
}
