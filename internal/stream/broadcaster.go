// Package stream pushes dispatcher events to connected WebSocket
// clients. Each client gets a bounded send buffer; when a slow consumer
// overflows it the oldest frames are evicted and the client is marked
// lagged until it requests a resync.
package stream

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/dispatch"
	"github.com/chronograph-engine/internal/jsonx"
)

const (
	// controlBuffer bounds queued replies to client control messages.
	controlBuffer = 16

	// maxClientMessage caps inbound frame size. Clients only send
	// small control messages.
	maxClientMessage = 4 << 10
)

// Config controls per-client buffering and connection liveness.
type Config struct {
	// MaxPending is the per-client send buffer. Overflow evicts the
	// oldest frame. Default 1000.
	MaxPending int

	// WriteTimeout is the per-frame write deadline. Default 2s.
	WriteTimeout time.Duration

	// PingInterval is how often the server pings idle clients.
	// Default 30s.
	PingInterval time.Duration

	// PongTimeout is how long a client may stay silent before the
	// read side gives up on it. Default 60s.
	PongTimeout time.Duration
}

func (c *Config) normalize() {
	if c.MaxPending <= 0 {
		c.MaxPending = 1000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
}

// frame is the wire shape delivered to clients. Event frames mirror the
// dispatcher payload under a "type" key; control frames (pong,
// subscription_confirmed, resync_ack) reuse the same struct.
type frame struct {
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	GroupID     string    `json:"group_id,omitempty"`
	NodeIDs     []string  `json:"node_ids,omitempty"`
	AccessType  string    `json:"access_type,omitempty"`
	Query       string    `json:"query,omitempty"`
	Operation   string    `json:"operation,omitempty"`
	EpisodeUUID string    `json:"episode_uuid,omitempty"`
	EdgeIDs     []string  `json:"edge_ids,omitempty"`
	ClientID    string    `json:"client_id,omitempty"`
	Dropped     int64     `json:"dropped,omitempty"`
	Lagged      bool      `json:"lagged,omitempty"`
}

// clientMessage is what clients send us.
type clientMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

type client struct {
	id      string
	remote  string
	conn    *websocket.Conn
	send    chan frame
	control chan frame

	done      chan struct{}
	closeOnce sync.Once

	lagged        atomic.Bool
	droppedFrames atomic.Int64
}

// Broadcaster fans dispatcher events out to WebSocket clients. It
// implements http.Handler for the upgrade endpoint and exposes
// HandleEvent for dispatcher registration.
type Broadcaster struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	served        atomic.Int64
	delivered     atomic.Int64
	framesDropped atomic.Int64
}

// NewBroadcaster builds a broadcaster. Call Start before serving
// upgrades.
func NewBroadcaster(cfg Config, logger *zap.Logger) *Broadcaster {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		cfg:    cfg,
		logger: logger.Named("stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start accepts connections.
func (b *Broadcaster) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.logger.Info("WebSocket broadcaster started",
		zap.Int("max_pending", b.cfg.MaxPending))
}

// Stop closes every client with a going-away frame and waits for the
// connection pumps to finish.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Info("WebSocket broadcaster stopped")
}

// ServeHTTP upgrades the request and runs the connection until either
// side drops it.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		http.Error(w, "broadcaster not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:      uuid.New().String(),
		remote:  conn.RemoteAddr().String(),
		conn:    conn,
		send:    make(chan frame, b.cfg.MaxPending),
		control: make(chan frame, controlBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[c.id] = c
	total := len(b.clients)
	b.wg.Add(2)
	b.mu.Unlock()

	b.served.Add(1)
	b.logger.Info("WebSocket client connected",
		zap.String("conn_id", c.id),
		zap.String("remote", c.remote),
		zap.Int("total", total))

	go b.writePump(c)
	go b.readPump(c)
}

// HandleEvent adapts the broadcaster to the dispatcher handler shape.
// It never returns an error; a slow client costs frames, not delivery
// to the others.
func (b *Broadcaster) HandleEvent(evt dispatch.Event) error {
	f := frame{
		Type:        evt.Kind,
		Timestamp:   evt.Timestamp,
		GroupID:     evt.GroupID,
		NodeIDs:     evt.NodeIDs,
		AccessType:  evt.AccessType,
		Query:       evt.Query,
		Operation:   evt.Operation,
		EpisodeUUID: evt.EpisodeUUID,
		EdgeIDs:     evt.EdgeIDs,
	}

	// Copy under the lock; a disconnect mid-fanout must not race the map.
	b.mu.Lock()
	targets := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		b.enqueue(c, f)
	}
	return nil
}

// Snapshot reports connection and delivery counters.
func (b *Broadcaster) Snapshot() map[string]interface{} {
	b.mu.Lock()
	connections := len(b.clients)
	laggedClients := 0
	for _, c := range b.clients {
		if c.lagged.Load() {
			laggedClients++
		}
	}
	b.mu.Unlock()

	return map[string]interface{}{
		"connections":      connections,
		"lagged_clients":   laggedClients,
		"clients_served":   b.served.Load(),
		"frames_delivered": b.delivered.Load(),
		"frames_dropped":   b.framesDropped.Load(),
	}
}

// enqueue offers a frame to one client. A full buffer evicts the
// oldest frame so the newest still lands, and marks the client lagged.
func (b *Broadcaster) enqueue(c *client, f frame) {
	select {
	case <-c.done:
		return
	case c.send <- f:
		return
	default:
	}

	select {
	case <-c.send:
		c.droppedFrames.Add(1)
		b.framesDropped.Add(1)
		if !c.lagged.Swap(true) {
			b.logger.Warn("Client lagging, evicting oldest frames",
				zap.String("conn_id", c.id))
		}
	default:
	}

	select {
	case c.send <- f:
	default:
		c.droppedFrames.Add(1)
		b.framesDropped.Add(1)
	}
}

// reply queues a control frame. Control replies never contend with the
// broadcast buffer.
func (b *Broadcaster) reply(c *client, f frame) {
	select {
	case c.control <- f:
	case <-c.done:
	default:
		b.logger.Warn("Control reply dropped",
			zap.String("conn_id", c.id), zap.String("type", f.Type))
	}
}

func (b *Broadcaster) writePump(c *client) {
	defer b.wg.Done()
	defer b.drop(c)

	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			deadline := time.Now().Add(b.cfg.WriteTimeout)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				deadline)
			return
		case <-c.done:
			return
		case f := <-c.control:
			if !b.writeFrame(c, f) {
				return
			}
		case f := <-c.send:
			if c.lagged.Load() {
				f.Lagged = true
			}
			if !b.writeFrame(c, f) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.logger.Debug("Ping failed",
					zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

func (b *Broadcaster) writeFrame(c *client, f frame) bool {
	payload, err := jsonx.Marshal(f)
	if err != nil {
		b.logger.Error("Frame marshal failed", zap.Error(err))
		return true
	}
	c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		b.logger.Debug("Write to client failed, dropping connection",
			zap.String("conn_id", c.id), zap.Error(err))
		return false
	}
	b.delivered.Add(1)
	return true
}

func (b *Broadcaster) readPump(c *client) {
	defer b.wg.Done()
	defer b.drop(c)

	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("WebSocket read error",
					zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		// Any inbound traffic proves liveness, not just protocol pongs.
		c.conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
		b.handleClientMessage(c, data)
	}
}

func (b *Broadcaster) handleClientMessage(c *client, data []byte) {
	var msg clientMessage
	if err := jsonx.Unmarshal(data, &msg); err != nil {
		b.logger.Debug("Discarding malformed client message",
			zap.String("conn_id", c.id), zap.Error(err))
		return
	}

	switch msg.Type {
	case "ping":
		b.reply(c, frame{Type: "pong", Timestamp: time.Now().UTC()})
	case "subscribe":
		clientID := msg.ClientID
		if clientID == "" {
			clientID = "unknown"
		}
		b.logger.Info("Client subscribed",
			zap.String("conn_id", c.id), zap.String("client_id", clientID))
		b.reply(c, frame{
			Type:      "subscription_confirmed",
			ClientID:  clientID,
			Timestamp: time.Now().UTC(),
		})
	case "resync":
		dropped := c.droppedFrames.Swap(0)
		c.lagged.Store(false)
		b.reply(c, frame{
			Type:      "resync_ack",
			Dropped:   dropped,
			Timestamp: time.Now().UTC(),
		})
	default:
		b.logger.Debug("Unknown client message type",
			zap.String("conn_id", c.id), zap.String("type", msg.Type))
	}
}

// drop removes the client and closes its connection. Safe to call from
// both pumps.
func (b *Broadcaster) drop(c *client) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		b.mu.Lock()
		delete(b.clients, c.id)
		total := len(b.clients)
		b.mu.Unlock()

		b.logger.Info("WebSocket client disconnected",
			zap.String("conn_id", c.id), zap.Int("total", total))
	})
}
