package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// MaxWSConnectionsTotal is the maximum number of dashboard connections
	MaxWSConnectionsTotal = 100

	// MaxWSConnectionsPerIP is the maximum dashboard connections per address
	MaxWSConnectionsPerIP = 10

	// StateEvent is the event name of the periodic state broadcast
	StateEvent = "player:state"

	// DefaultBroadcastInterval paces state broadcasts at 10 Hz
	DefaultBroadcastInterval = 100 * time.Millisecond

	wsWriteTimeout = 2 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	wsReadLimit    = 4096
)

// dashboard is one connected viewer. pending holds at most one message:
// a newer state replaces an unsent older one, so a slow viewer skips frames
// instead of stalling the others.
type dashboard struct {
	conn    *websocket.Conn
	ip      string
	pending chan []byte
}

func (d *dashboard) offer(msg []byte) {
	for {
		select {
		case d.pending <- msg:
			return
		default:
		}
		select {
		case <-d.pending:
		default:
		}
	}
}

// writeLoop sends pending messages and keepalive pings until pending is closed
func (d *dashboard) writeLoop() {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		d.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-d.pending:
			d.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				d.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := d.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			d.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StateHub fans playout state out to dashboard WebSocket connections
type StateHub struct {
	upgrader websocket.Upgrader
	slots    *connSlots

	mu      sync.Mutex
	viewers map[*dashboard]struct{}
	closed  bool
	last    []byte // most recent broadcast, sent to new viewers on connect

	sent     atomic.Uint64
	rejected atomic.Uint64
}

// NewStateHub creates a hub accepting the given origins (nil = DefaultOrigins)
func NewStateHub(origins []string) *StateHub {
	if origins == nil {
		origins = DefaultOrigins
	}
	h := &StateHub{
		slots:   newConnSlots(MaxWSConnectionsTotal, MaxWSConnectionsPerIP),
		viewers: make(map[*dashboard]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients (playerctl, monitoring) send no Origin
			if origin == "" || originAllowed(origin, origins) {
				return true
			}
			log.Printf("⚠️ Dashboard rejected from origin %s", origin)
			RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

// Run blocks until ctx is done, then disconnects every viewer and refuses
// new ones
func (h *StateHub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for d := range h.viewers {
		h.dropLocked(d)
	}
	h.mu.Unlock()
	UpdateWSConnections(0)
}

func (h *StateHub) dropLocked(d *dashboard) {
	if _, ok := h.viewers[d]; !ok {
		return
	}
	delete(h.viewers, d)
	close(d.pending)
	h.slots.release(d.ip)
}

func (h *StateHub) remove(d *dashboard) {
	h.mu.Lock()
	h.dropLocked(d)
	count := len(h.viewers)
	h.mu.Unlock()

	log.Printf("📱 Dashboard %s disconnected (%d remaining)", d.ip, count)
	UpdateWSConnections(count)
}

// Broadcast sends an {event, data} message to every viewer without blocking
func (h *StateHub) Broadcast(event string, data any) {
	msg, err := json.Marshal(map[string]any{
		"event": event,
		"data":  data,
	})
	if err != nil {
		log.Printf("⚠️ Broadcast %s not encodable: %v", event, err)
		return
	}

	h.mu.Lock()
	h.last = msg
	for d := range h.viewers {
		d.offer(msg)
	}
	h.mu.Unlock()

	h.sent.Add(1)
	IncrementWSMessages()
}

// ClientCount returns the number of connected viewers
func (h *StateHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// HubStats holds dashboard counters
type HubStats struct {
	Viewers    int    `json:"viewers"`
	Broadcasts uint64 `json:"broadcasts"`
	Rejected   uint64 `json:"rejected"`
}

// Stats returns dashboard counters
func (h *StateHub) Stats() HubStats {
	return HubStats{
		Viewers:    h.ClientCount(),
		Broadcasts: h.sent.Load(),
		Rejected:   h.rejected.Load(),
	}
}

// StartBroadcastLoop broadcasts state() as StateEvent every interval while
// at least one viewer is connected
func (h *StateHub) StartBroadcastLoop(ctx context.Context, interval time.Duration, state func() any) {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if h.ClientCount() == 0 {
					continue
				}
				h.Broadcast(StateEvent, state())
			}
		}
	}()
}

// HandleWebSocket upgrades a dashboard connection. Viewers are receive-only.
func (h *StateHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if err := h.slots.acquire(ip); err != nil {
		h.rejected.Add(1)
		log.Printf("⚠️ Dashboard %s rejected: %v", ip, err)
		if errors.Is(err, errHubFull) {
			RecordConnectionRejected("ws_total_limit")
			writeError(w, err.Error(), http.StatusServiceUnavailable)
		} else {
			RecordConnectionRejected("ws_ip_limit")
			writeError(w, err.Error(), http.StatusTooManyRequests)
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️ Dashboard upgrade failed: %v", err)
		h.slots.release(ip)
		return
	}

	d := &dashboard{conn: conn, ip: ip, pending: make(chan []byte, 1)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.slots.release(ip)
		conn.Close()
		return
	}
	h.viewers[d] = struct{}{}
	if h.last != nil {
		d.offer(h.last)
	}
	count := len(h.viewers)
	h.mu.Unlock()

	log.Printf("📱 Dashboard connected from %s (%d total)", ip, count)
	UpdateWSConnections(count)

	go d.writeLoop()
	go h.readLoop(d)
}

// readLoop discards inbound frames and notices when the viewer goes away
func (h *StateHub) readLoop(d *dashboard) {
	defer h.remove(d)

	d.conn.SetReadLimit(wsReadLimit)
	d.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	d.conn.SetPongHandler(func(string) error {
		return d.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := d.conn.ReadMessage(); err != nil {
			return
		}
	}
}
