package realtime

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxInbound = 512
)

// wsConn adapts a gorilla websocket to Conn. gorilla allows one concurrent
// writer, so pings and events share writeMu.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.TextMessage, data)
}

func (c *wsConn) write(ctx context.Context, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// CanvasCheck rejects subscriptions to canvases that cannot be watched.
type CanvasCheck func(ctx context.Context, canvasID string) error

// WSHandler upgrades GET /ws?canvas_id=<id> requests and joins the connection
// to that canvas room. Viewers only receive; inbound frames are read for
// control messages and otherwise discarded.
type WSHandler struct {
	hub      *Hub
	check    CanvasCheck
	upgrader websocket.Upgrader
}

// NewWSHandler creates a handler. check may be nil.
func NewWSHandler(hub *Hub, check CanvasCheck) *WSHandler {
	return &WSHandler{
		hub:   hub,
		check: check,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	canvasID := r.URL.Query().Get("canvas_id")
	if canvasID == "" {
		http.Error(w, "canvas_id is required", http.StatusBadRequest)
		return
	}
	if h.check != nil {
		if err := h.check(r.Context(), canvasID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	if h.hub.MemberCount(canvasID) >= h.hub.opts.MaxConnectionsPerRoom && h.hub.opts.MaxConnectionsPerRoom > 0 {
		http.Error(w, ErrRoomFull.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] Upgrade failed: %v", err)
		return
	}

	conn := &wsConn{ws: ws}
	member, err := h.hub.Join(canvasID, conn)
	if err != nil {
		// Lost the race for the last slot.
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	go h.pingLoop(conn, member)
	h.readLoop(ws, member)
}

// readLoop keeps the connection's control frames flowing and leaves the room on disconnect.
func (h *WSHandler) readLoop(ws *websocket.Conn, member *Member) {
	defer h.hub.Leave(member)

	ws.SetReadLimit(maxInbound)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Printf("[WebSocket] Read from canvas %s viewer ended: %v", member.CanvasID(), err)
			}
			return
		}
	}
}

func (h *WSHandler) pingLoop(conn *wsConn, member *Member) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-member.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := conn.write(ctx, websocket.PingMessage, nil)
			cancel()
			if err != nil {
				h.hub.Leave(member)
				return
			}
		}
	}
}
