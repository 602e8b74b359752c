package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/pixelsett/internal/metrics"
)

// OverflowPolicy decides what happens when a member's outbound queue is full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued event to make room for the new one.
	DropOldest OverflowPolicy = "drop_oldest"
	// Disconnect evicts the member.
	Disconnect OverflowPolicy = "disconnect"
)

// Validate checks the policy is known.
func (p OverflowPolicy) Validate() error {
	switch p {
	case DropOldest, Disconnect:
		return nil
	default:
		return fmt.Errorf("unknown overflow policy %q (expected drop_oldest or disconnect)", p)
	}
}

// ErrRoomFull is returned by Join when a canvas already has the maximum number of members.
var ErrRoomFull = errors.New("room is full")

// Conn is the outbound half of a viewer connection.
type Conn interface {
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Options tunes a Hub. Zero values fall back to defaults.
type Options struct {
	QueueSize             int
	Overflow              OverflowPolicy
	MaxConnectionsPerRoom int
	WriteTimeout          time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Overflow == "" {
		o.Overflow = DropOldest
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Hub owns one broadcast room per canvas. Publishing never blocks on a member:
// events are appended to each member's bounded queue and written by that member's
// own goroutine. Within a room, every member receives events in publish order.
type Hub struct {
	opts Options

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	// mu is the per-canvas serialization point for delivery and membership.
	mu      sync.Mutex
	members map[*Member]struct{}
}

// Member is one connection joined to one canvas room.
type Member struct {
	hub      *Hub
	canvasID string
	conn     Conn
	queue    chan []byte
	done     chan struct{}
	once     sync.Once
}

var _ Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	return &Hub{
		opts:  opts.withDefaults(),
		rooms: make(map[string]*room),
	}
}

// Join adds conn to the canvas room and starts its writer.
// Every member, including the new one, then receives a connection_count event.
func (h *Hub) Join(canvasID string, conn Conn) (*Member, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[canvasID]
	if !ok {
		r = &room{members: make(map[*Member]struct{})}
		h.rooms[canvasID] = r
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h.opts.MaxConnectionsPerRoom > 0 && len(r.members) >= h.opts.MaxConnectionsPerRoom {
		if len(r.members) == 0 {
			delete(h.rooms, canvasID)
		}
		return nil, ErrRoomFull
	}

	m := &Member{
		hub:      h,
		canvasID: canvasID,
		conn:     conn,
		queue:    make(chan []byte, h.opts.QueueSize),
		done:     make(chan struct{}),
	}
	r.members[m] = struct{}{}
	metrics.AddRoomMembers(1)
	go m.writeLoop()

	h.announceCountLocked(canvasID, r)
	return m, nil
}

// Leave removes the member from its room and closes its connection. Safe to call repeatedly.
func (h *Hub) Leave(m *Member) {
	r := h.room(m.canvasID)
	if r == nil {
		m.stop()
		return
	}

	r.mu.Lock()
	removed := h.removeLocked(r, m)
	if removed {
		h.announceCountLocked(m.canvasID, r)
	}
	r.mu.Unlock()

	if removed {
		h.prune(m.canvasID)
	}
}

// Publish encodes event and delivers it to the canvas room.
func (h *Hub) Publish(ctx context.Context, canvasID string, event Event) {
	data, err := event.Encode()
	if err != nil {
		log.Printf("[Realtime] Dropping %s event for canvas %s: %v", event.Type, canvasID, err)
		return
	}
	h.PublishRaw(canvasID, data)
}

// PublishRaw delivers an already encoded event to the canvas room.
func (h *Hub) PublishRaw(canvasID string, data []byte) {
	r := h.room(canvasID)
	if r == nil {
		return
	}

	r.mu.Lock()
	evicted := h.deliverLocked(canvasID, r, data)
	r.mu.Unlock()

	if evicted {
		h.prune(canvasID)
	}
}

// MemberCount returns the number of members in the canvas room.
func (h *Hub) MemberCount(canvasID string) int {
	r := h.room(canvasID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Close disconnects every member of every room.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		for m := range r.members {
			h.removeLocked(r, m)
		}
		r.mu.Unlock()
	}
}

func (h *Hub) room(canvasID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[canvasID]
}

// prune drops the room if it has no members left.
func (h *Hub) prune(canvasID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[canvasID]
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 {
		delete(h.rooms, canvasID)
	}
}

// deliverLocked enqueues data for every member. Members evicted by the
// Disconnect policy are removed and the remaining members get a fresh count.
func (h *Hub) deliverLocked(canvasID string, r *room, data []byte) bool {
	var evict []*Member
	for m := range r.members {
		if !m.enqueue(data, h.opts.Overflow) {
			evict = append(evict, m)
		}
	}
	if len(evict) == 0 {
		return false
	}

	for _, m := range evict {
		log.Printf("[Realtime] Disconnecting slow member from canvas %s", canvasID)
		h.removeLocked(r, m)
	}
	h.announceCountLocked(canvasID, r)
	return true
}

func (h *Hub) removeLocked(r *room, m *Member) bool {
	if _, ok := r.members[m]; !ok {
		return false
	}
	delete(r.members, m)
	metrics.AddRoomMembers(-1)
	m.stop()
	return true
}

func (h *Hub) announceCountLocked(canvasID string, r *room) {
	if len(r.members) == 0 {
		return
	}
	data, err := Event{Type: EventConnectionCount, Payload: ConnectionCount{Count: len(r.members)}}.Encode()
	if err != nil {
		log.Printf("[Realtime] Failed to encode connection count: %v", err)
		return
	}
	h.deliverLocked(canvasID, r, data)
}

// enqueue appends data to the member queue. Returns false if the member must be evicted.
// Only called with the room lock held, so the queue has a single producer.
func (m *Member) enqueue(data []byte, policy OverflowPolicy) bool {
	select {
	case m.queue <- data:
		return true
	default:
	}

	metrics.RecordBroadcastDropped(string(policy))
	if policy == Disconnect {
		return false
	}

	select {
	case <-m.queue:
	default:
	}
	select {
	case m.queue <- data:
	default:
	}
	return true
}

func (m *Member) writeLoop() {
	for {
		select {
		case <-m.done:
			return
		case data := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), m.hub.opts.WriteTimeout)
			err := m.conn.WriteMessage(ctx, data)
			cancel()
			if err != nil {
				log.Printf("[Realtime] Write to canvas %s member failed: %v", m.canvasID, err)
				go m.hub.Leave(m)
				<-m.done
				return
			}
		}
	}
}

func (m *Member) stop() {
	m.once.Do(func() {
		close(m.done)
		if err := m.conn.Close(); err != nil {
			log.Printf("[Realtime] Failed to close connection: %v", err)
		}
	})
}

// CanvasID returns the canvas the member joined.
func (m *Member) CanvasID() string {
	return m.canvasID
}

// Done is closed once the member has left its room.
func (m *Member) Done() <-chan struct{} {
	return m.done
}
