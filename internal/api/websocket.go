package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/sparkplug-core/internal/infrastructure/config"
	"github.com/nerrad567/sparkplug-core/internal/infrastructure/logging"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Frame types on the event stream.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"
)

// AllEvents subscribes to every event type.
const AllEvents = "*"

const (
	clientQueueSize     = 256
	fallbackPingPeriod  = 30 * time.Second
	fallbackPongTimeout = 10 * time.Second
)

// Frame is one JSON message on the stream, in either direction.
type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Time  string          `json:"time,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Subscription is the data of subscribe and unsubscribe frames. Events are
// event types such as "peer_birth", or AllEvents. Peers narrow the stream to
// events about matching peers: "plant" matches the whole group,
// "plant/line-1" a node and its devices, "plant/line-1/pump" one device.
// With no peers every event of the chosen types is sent.
type Subscription struct {
	Events []string `json:"events"`
	Peers  []string `json:"peers,omitempty"`
}

// EventData is the data of an event frame.
type EventData struct {
	sparkplug.Event
	Error string `json:"error,omitempty"`
}

// Hub fans engine events out to WebSocket clients. It is a
// sparkplug.EventSink; a full client queue drops the event for that client
// rather than stalling the engine.
type Hub struct {
	cfg config.WebSocketConfig
	log *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	dropped atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub(cfg config.WebSocketConfig, log *logging.Logger) *Hub {
	return &Hub{cfg: cfg, log: log, clients: make(map[*wsClient]struct{})}
}

// Run blocks until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.shut()
		if c.conn != nil {
			c.conn.Close() //nolint:errcheck // shutting down
		}
		delete(h.clients, c)
	}
}

// HandleEvent encodes e once and queues it for each interested client.
func (h *Hub) HandleEvent(e sparkplug.Event) {
	data := EventData{Event: e}
	if e.Err != nil {
		data.Error = e.Err.Error()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error("encoding websocket event", "event", e.Type, "error", err)
		return
	}
	frame, err := json.Marshal(Frame{
		Type:  FrameEvent,
		Event: string(e.Type),
		Time:  e.Time.UTC().Format(time.RFC3339Nano),
		Data:  raw,
	})
	if err != nil {
		h.log.Error("encoding websocket frame", "event", e.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(e) && !c.enqueue(frame) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many event frames were discarded for slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", "clients", n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.shut()
	h.log.Debug("websocket client disconnected", "clients", n)
}

// wsClient is one connection. out is closed exactly once, under mu, so
// enqueue never sends on a closed channel.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	out    chan []byte
	closed bool
	events map[string]bool
	peers  []string
}

func newWSClient(hub *Hub, conn *websocket.Conn) *wsClient {
	return &wsClient{
		hub:    hub,
		conn:   conn,
		out:    make(chan []byte, clientQueueSize),
		events: make(map[string]bool),
	}
}

func (c *wsClient) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *wsClient) shut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *wsClient) wants(e sparkplug.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.events[AllEvents] && !c.events[string(e.Type)] {
		return false
	}
	if len(c.peers) == 0 {
		return true
	}
	if e.Peer == (sparkplug.PeerID{}) {
		return false
	}
	id := e.Peer.String()
	for _, p := range c.peers {
		if id == p || strings.HasPrefix(id, p+"/") {
			return true
		}
	}
	return false
}

func (c *wsClient) subscribe(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range sub.Events {
		c.events[ev] = true
	}
	for _, p := range sub.Peers {
		p = strings.Trim(p, "/")
		if p != "" && !containsString(c.peers, p) {
			c.peers = append(c.peers, p)
		}
	}
}

func (c *wsClient) unsubscribe(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range sub.Events {
		delete(c.events, ev)
	}
	for _, p := range sub.Peers {
		p = strings.Trim(p, "/")
		for i, have := range c.peers {
			if have == p {
				c.peers = append(c.peers[:i], c.peers[i+1:]...)
				break
			}
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// handleWebSocket upgrades the request and starts the client's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	s.hub.add(c)
	ping, pong := streamTimings(s.wsCfg)
	go c.writeLoop(ping, pong)
	go c.readLoop(int64(s.wsCfg.MaxMessageSize), ping+pong)
}

func streamTimings(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping, pong = fallbackPingPeriod, fallbackPongTimeout
	if cfg.PingInterval > 0 {
		ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	return ping, pong
}

// readLoop handles client frames until the connection fails. Any frame,
// like any pong, extends the read deadline.
func (c *wsClient) readLoop(limit int64, idle time.Duration) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close() //nolint:errcheck // already done with it
	}()

	if limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }
	extend("") //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(extend)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read error", "error", err)
			}
			return
		}
		extend("") //nolint:errcheck // as above
		c.handleFrame(msg)
	}
}

// writeLoop drains the client's queue and pings on a timer. It exits when
// the queue is closed or a write fails.
func (c *wsClient) writeLoop(ping, writeWait time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // readLoop notices and unregisters
	}()

	for {
		select {
		case frame, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // surfaces on write
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // surfaces on write
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleFrame(msg []byte) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.reply(FrameError, "", map[string]string{"message": "invalid JSON frame"})
		return
	}

	switch f.Type {
	case FramePing:
		c.reply(FramePong, f.ID, nil)
	case FrameSubscribe, FrameUnsubscribe:
		var sub Subscription
		if len(f.Data) == 0 || json.Unmarshal(f.Data, &sub) != nil {
			c.reply(FrameError, f.ID, map[string]string{"message": "invalid " + f.Type + " data"})
			return
		}
		if f.Type == FrameSubscribe {
			c.subscribe(sub)
		} else {
			c.unsubscribe(sub)
		}
		c.reply(FrameAck, f.ID, sub)
	default:
		c.reply(FrameError, f.ID, map[string]string{"message": "unknown frame type: " + f.Type})
	}
}

func (c *wsClient) reply(kind, id string, data any) {
	f := Frame{Type: kind, ID: id, Time: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		f.Data = raw
	}
	if out, err := json.Marshal(f); err == nil {
		c.enqueue(out)
	}
}
