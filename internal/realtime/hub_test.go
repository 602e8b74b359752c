package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records written frames. If gate is set, writes block until it is closed.
type fakeConn struct {
	received chan []byte
	gate     chan struct{}
	fail     bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		received: make(chan []byte, 1024),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(ctx context.Context, data []byte) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closed:
			return errors.New("closed")
		}
	}
	c.received <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type wireEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func nextEvent(t *testing.T, c *fakeConn) wireEvent {
	t.Helper()
	select {
	case data := <-c.received:
		var ev wireEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return wireEvent{}
	}
}

// nextOfType skips events of other types.
func nextOfType(t *testing.T, c *fakeConn, typ EventType) wireEvent {
	t.Helper()
	for {
		ev := nextEvent(t, c)
		if ev.Type == typ {
			return ev
		}
	}
}

func countOf(t *testing.T, ev wireEvent) int {
	t.Helper()
	var p ConnectionCount
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p.Count
}

func pixelEvent(i int) Event {
	return Event{Type: EventPixelUpdate, Payload: PixelUpdate{X: i % 32, Y: i / 32, Color: i % 64}}
}

func pixelIndex(t *testing.T, ev wireEvent) int {
	t.Helper()
	var p PixelUpdate
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p.Y*32 + p.X
}

func TestHubJoinAnnouncesCount(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()

	a := newFakeConn()
	_, err := hub.Join("canvas-1", a)
	require.NoError(t, err)
	assert.Equal(t, 1, countOf(t, nextOfType(t, a, EventConnectionCount)))

	b := newFakeConn()
	mb, err := hub.Join("canvas-1", b)
	require.NoError(t, err)
	assert.Equal(t, 2, countOf(t, nextOfType(t, a, EventConnectionCount)))
	assert.Equal(t, 2, countOf(t, nextOfType(t, b, EventConnectionCount)))
	assert.Equal(t, 2, hub.MemberCount("canvas-1"))

	hub.Leave(mb)
	hub.Leave(mb)
	assert.Equal(t, 1, countOf(t, nextOfType(t, a, EventConnectionCount)))
	assert.Equal(t, 1, hub.MemberCount("canvas-1"))
	assert.True(t, b.isClosed())
}

func TestHubPreservesOrderPerMember(t *testing.T) {
	hub := NewHub(Options{QueueSize: 256})
	defer hub.Close()

	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	for _, c := range conns {
		_, err := hub.Join("canvas-1", c)
		require.NoError(t, err)
	}

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		hub.Publish(ctx, "canvas-1", pixelEvent(i))
	}

	for _, c := range conns {
		for i := 0; i < 100; i++ {
			ev := nextOfType(t, c, EventPixelUpdate)
			assert.Equal(t, i, pixelIndex(t, ev))
		}
	}
}

func TestHubIsolatesCanvases(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()

	a := newFakeConn()
	b := newFakeConn()
	_, err := hub.Join("canvas-a", a)
	require.NoError(t, err)
	_, err = hub.Join("canvas-b", b)
	require.NoError(t, err)
	nextOfType(t, b, EventConnectionCount)

	hub.Publish(context.Background(), "canvas-a", pixelEvent(7))
	assert.Equal(t, 7, pixelIndex(t, nextOfType(t, a, EventPixelUpdate)))

	select {
	case data := <-b.received:
		t.Fatalf("canvas-b member received %s", data)
	case <-time.After(50 * time.Millisecond):
	}

	hub.Publish(context.Background(), "nobody-here", pixelEvent(1))
}

func TestHubSlowMemberDropOldest(t *testing.T) {
	hub := NewHub(Options{QueueSize: 4, Overflow: DropOldest})
	defer hub.Close()

	fast := newFakeConn()
	slow := newFakeConn()
	slow.gate = make(chan struct{})

	_, err := hub.Join("canvas-1", slow)
	require.NoError(t, err)
	_, err = hub.Join("canvas-1", fast)
	require.NoError(t, err)

	// Publishing is paced by the fast member; a blocked slow member must not stall it.
	for i := 0; i < 50; i++ {
		hub.Publish(context.Background(), "canvas-1", pixelEvent(i))
		assert.Equal(t, i, pixelIndex(t, nextOfType(t, fast, EventPixelUpdate)))
	}

	close(slow.gate)
	last := -1
	got := 0
	for {
		select {
		case data := <-slow.received:
			var ev wireEvent
			require.NoError(t, json.Unmarshal(data, &ev))
			if ev.Type == EventPixelUpdate {
				idx := pixelIndex(t, ev)
				assert.Greater(t, idx, last, "surviving events stay in order")
				last = idx
				got++
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, 49, last, "newest event survives")
	assert.LessOrEqual(t, got, 5)
	assert.Equal(t, 2, hub.MemberCount("canvas-1"))
}

func TestHubSlowMemberDisconnect(t *testing.T) {
	hub := NewHub(Options{QueueSize: 2, Overflow: Disconnect})
	defer hub.Close()

	fast := newFakeConn()
	slow := newFakeConn()
	slow.gate = make(chan struct{})

	_, err := hub.Join("canvas-1", fast)
	require.NoError(t, err)
	_, err = hub.Join("canvas-1", slow)
	require.NoError(t, err)

	lastCount := 0
	for i := 0; i < 10; i++ {
		hub.Publish(context.Background(), "canvas-1", pixelEvent(i))
		for {
			ev := nextEvent(t, fast)
			if ev.Type == EventConnectionCount {
				lastCount = countOf(t, ev)
				continue
			}
			assert.Equal(t, i, pixelIndex(t, ev))
			break
		}
	}

	select {
	case <-slow.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("slow member was not disconnected")
	}
	assert.Equal(t, 1, hub.MemberCount("canvas-1"))
	assert.Equal(t, 1, lastCount)
}

func TestHubRoomFull(t *testing.T) {
	hub := NewHub(Options{MaxConnectionsPerRoom: 1})
	defer hub.Close()

	m, err := hub.Join("canvas-1", newFakeConn())
	require.NoError(t, err)

	_, err = hub.Join("canvas-1", newFakeConn())
	assert.ErrorIs(t, err, ErrRoomFull)

	_, err = hub.Join("canvas-2", newFakeConn())
	assert.NoError(t, err, "cap is per canvas")

	hub.Leave(m)
	_, err = hub.Join("canvas-1", newFakeConn())
	assert.NoError(t, err)
}

func TestHubWriteFailureLeaves(t *testing.T) {
	hub := NewHub(Options{})
	defer hub.Close()

	broken := newFakeConn()
	broken.fail = true

	m, err := hub.Join("canvas-1", broken)
	require.NoError(t, err)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("member with failing writes did not leave")
	}
	assert.Eventually(t, func() bool { return hub.MemberCount("canvas-1") == 0 },
		time.Second, 10*time.Millisecond)
	assert.True(t, broken.isClosed())
}

func TestOverflowPolicyValidate(t *testing.T) {
	assert.NoError(t, DropOldest.Validate())
	assert.NoError(t, Disconnect.Validate())
	assert.Error(t, OverflowPolicy("block").Validate())
}
