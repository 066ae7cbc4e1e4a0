package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"marketstructure/internal/engine"
	"marketstructure/internal/model"
	redisstore "marketstructure/internal/store/redis"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Envelope is the websocket frame wrapping one structure event.
type Envelope struct {
	Type    string          `json:"type"` // EVENT, SUBSCRIBED, UNSUBSCRIBED, REPLAYED or ERROR
	Channel string          `json:"channel,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// clientMsg is a client -> server SUBSCRIBE, UNSUBSCRIBE or REPLAY request.
type clientMsg struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	TF     int    `json:"tf"`
	After  int64  `json:"after"` // REPLAY: last seq the client saw
}

// Hub fans structure events out to websocket clients. A client with no
// subscriptions receives every key.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	seq     int64
	replay  *replayBuffer

	// OnClientCount is called with the client count after every change.
	OnClientCount func(n int)
}

// NewHub creates an empty hub that keeps the last 1000 events for replay.
func NewHub() *Hub {
	return NewHubWithReplay(defaultReplayCapacity)
}

// NewHubWithReplay creates an empty hub keeping replaySize events.
func NewHubWithReplay(replaySize int) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		replay:  newReplayBuffer(replaySize),
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subMu sync.RWMutex
	subs  map[model.SeriesKey]struct{}
}

func (c *client) wants(key model.SeriesKey) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[key]
	return ok
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run broadcasts events from ch until ctx is cancelled or ch is closed.
func (h *Hub) Run(ctx context.Context, ch <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast sends ev to every interested client. Clients whose send buffer
// is full miss the event.
func (h *Hub) Broadcast(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	frame, err := json.Marshal(Envelope{
		Type:    "EVENT",
		Channel: redisstore.EventChannel(ev.Key),
		Seq:     h.seq,
		Data:    ev.JSON(),
	})
	if err != nil {
		log.Printf("[ws] marshal %s event: %v", ev.Kind, err)
		return
	}
	h.replay.push(h.seq, ev.Key, frame)

	for c := range h.clients {
		if !c.wants(ev.Key) {
			continue
		}
		select {
		case c.send <- frame:
		default:
		}
	}
}

// ServeWS upgrades the request and registers the client. Optional symbol
// and tf query parameters start the client with one subscription; after
// replays the buffered events newer than that seq.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[model.SeriesKey]struct{}),
	}
	if sym := r.URL.Query().Get("symbol"); sym != "" {
		tf, _ := strconv.Atoi(r.URL.Query().Get("tf"))
		if tf <= 0 {
			tf = 60
		}
		c.subs[model.SeriesKey{Symbol: sym, TF: tf}] = struct{}{}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.countChanged(n)
	log.Printf("[ws] client connected (%d total)", n)

	go c.writePump()
	if v := r.URL.Query().Get("after"); v != "" {
		if after, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.replayAfter(after)
		}
	}
	go c.readPump()
}

// replayAfter queues the buffered events newer than after, then a REPLAYED
// marker whose Seq is the oldest event still held. Live events may be
// interleaved with replayed ones; clients order and dedupe by Seq.
func (c *client) replayAfter(after int64) {
	frames, oldest := c.hub.replay.since(after, c.wants)
	c.hub.mu.RLock()
	if _, ok := c.hub.clients[c]; ok {
		for _, f := range frames {
			select {
			case c.send <- f:
			default:
			}
		}
	}
	c.hub.mu.RUnlock()
	c.reply(Envelope{Type: "REPLAYED", Seq: oldest})
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	h.countChanged(n)
	log.Printf("[ws] client disconnected (%d total)", n)
}

func (h *Hub) countChanged(n int) {
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

func (c *client) reply(env Envelope) {
	b, _ := json.Marshal(env)
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(Envelope{Type: "ERROR", Error: "invalid message: " + err.Error()})
			continue
		}
		if msg.Type == "REPLAY" {
			c.replayAfter(msg.After)
			continue
		}
		if msg.Symbol == "" || msg.TF <= 0 {
			c.reply(Envelope{Type: "ERROR", Error: "symbol and tf are required"})
			continue
		}
		key := model.SeriesKey{Symbol: msg.Symbol, TF: msg.TF}
		switch msg.Type {
		case "SUBSCRIBE":
			c.subMu.Lock()
			c.subs[key] = struct{}{}
			c.subMu.Unlock()
			c.reply(Envelope{Type: "SUBSCRIBED", Channel: redisstore.EventChannel(key)})
		case "UNSUBSCRIBE":
			c.subMu.Lock()
			delete(c.subs, key)
			c.subMu.Unlock()
			c.reply(Envelope{Type: "UNSUBSCRIBED", Channel: redisstore.EventChannel(key)})
		default:
			c.reply(Envelope{Type: "ERROR", Error: "unknown message type " + msg.Type})
		}
	}
}
