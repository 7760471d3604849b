package backend

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"graphics-player/internal/command"
)

const (
	// ReconnectDelay is the minimum spacing between connection attempts
	ReconnectDelay = 2 * time.Second
	// ReadTimeout drops a connection that has been silent this long
	ReadTimeout = 60 * time.Second
	// PingInterval keeps the connection alive through proxies
	PingInterval = 25 * time.Second
	// WriteTimeout bounds control frame writes
	WriteTimeout = 5 * time.Second
)

// PushMessage is one frame sent by the backing store. "command" frames carry
// the command itself; "changed" frames only announce that the pending slot
// changed.
type PushMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Subscription keeps a websocket to the backing store open and reconnects
// when it drops. While it is down the poll path carries commands alone.
type Subscription struct {
	url    string
	dialer *websocket.Dialer
	pacer  *rate.Limiter

	conn   *websocket.Conn
	connMu sync.Mutex

	received   atomic.Int64
	reconnects atomic.Int64
	errors     atomic.Int64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onCommand    func(command.Envelope)
	onChanged    func()
	onConnect    func()
	onDisconnect func(error)
}

// NewSubscription creates a subscription for playerID at pushURL
func NewSubscription(pushURL, playerID string) *Subscription {
	u := pushURL
	if parsed, err := url.Parse(pushURL); err == nil {
		q := parsed.Query()
		q.Set("player", playerID)
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}
	return &Subscription{
		url:    u,
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		pacer:  rate.NewLimiter(rate.Every(ReconnectDelay), 1),
	}
}

// OnCommand sets a callback for commands delivered inline
func (s *Subscription) OnCommand(fn func(command.Envelope)) { s.onCommand = fn }

// OnChanged sets a callback for "pending slot changed" notifications
func (s *Subscription) OnChanged(fn func()) { s.onChanged = fn }

// OnConnect sets a callback for when the connection is established
func (s *Subscription) OnConnect(fn func()) { s.onConnect = fn }

// OnDisconnect sets a callback for when the connection is lost
func (s *Subscription) OnDisconnect(fn func(error)) { s.onDisconnect = fn }

// Start connects in the background. Callbacks must be set before Start.
func (s *Subscription) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.connectionLoop(ctx)
	log.Printf("📡 Push subscription started, connecting to %s", s.url)
}

// Stop closes the connection and waits for the loop to exit
func (s *Subscription) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	log.Println("📡 Push subscription stopped")
}

// IsConnected reports whether the push path is up
func (s *Subscription) IsConnected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// SubscriptionStats holds push path counters
type SubscriptionStats struct {
	Connected  bool  `json:"connected"`
	Received   int64 `json:"received"`
	Reconnects int64 `json:"reconnects"`
	Errors     int64 `json:"errors"`
}

// Stats returns push path counters
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		Connected:  s.IsConnected(),
		Received:   s.received.Load(),
		Reconnects: s.reconnects.Load(),
		Errors:     s.errors.Load(),
	}
}

func (s *Subscription) connectionLoop(ctx context.Context) {
	defer s.wg.Done()

	for ctx.Err() == nil {
		if err := s.pacer.Wait(ctx); err != nil {
			return
		}

		conn, _, err := s.dialer.DialContext(ctx, s.url, http.Header{})
		if err != nil {
			if s.errors.Add(1)%10 == 1 {
				log.Printf("⚠️ Push connect failed, polling only: %v", err)
			}
			continue
		}
		log.Printf("✅ Push connected to %s", s.url)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		if s.onConnect != nil {
			s.onConnect()
		}

		err = s.readLoop(ctx, conn)

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Printf("🔌 Push connection lost, polling only: %v", err)
		if s.onDisconnect != nil {
			s.onDisconnect(err)
		}
		s.reconnects.Add(1)
	}
}

func (s *Subscription) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		s.handleMessage(data)
	}
}

func (s *Subscription) handleMessage(data []byte) {
	var msg PushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.errors.Add(1)
		log.Printf("⚠️ Failed to decode push frame: %v", err)
		return
	}
	s.received.Add(1)

	switch msg.Event {
	case "command":
		if len(msg.Data) == 0 || string(msg.Data) == "null" {
			if s.onChanged != nil {
				s.onChanged()
			}
			return
		}
		env, err := command.Decode(msg.Data)
		if err != nil {
			s.errors.Add(1)
			log.Printf("⚠️ Ignoring pushed command: %v", err)
			return
		}
		if s.onCommand != nil {
			s.onCommand(env)
		}
	case "changed":
		if s.onChanged != nil {
			s.onChanged()
		}
	}
}
