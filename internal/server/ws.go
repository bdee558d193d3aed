package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uplinklabs/netmon/internal/cache"
	"github.com/uplinklabs/netmon/internal/metrics"
)

const (
	wsSendBuffer = 64
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// wsEnvelope is the frame relayed to clients: the cache channel the event
// arrived on and its payload verbatim.
type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub relays cache pub/sub events to every connected WebSocket client.
// Clients that cannot keep up are dropped; they refetch /api/status on
// reconnect, so no replay is needed.
type hub struct {
	log      *slog.Logger
	cache    *cache.Cache
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]bool
}

func newHub(log *slog.Logger, c *cache.Cache) *hub {
	return &hub{
		log:   log,
		cache: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]bool),
	}
}

// run subscribes to all cache channels and broadcasts until ctx is done.
func (h *hub) run(ctx context.Context) {
	events := h.cache.Subscribe(ctx,
		cache.ChannelDeviceUpdate,
		cache.ChannelInterfaceUpdate,
		cache.ChannelWirelessUpdate,
		cache.ChannelAlertFlapping,
		cache.ChannelSystemStatus,
	)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			frame, err := json.Marshal(wsEnvelope{Channel: ev.Channel, Data: ev.Payload})
			if err != nil {
				h.log.Error("server: encode ws frame", "channel", ev.Channel, "error", err)
				continue
			}
			h.broadcast(frame)
		}
	}
}

func (h *hub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			// Slow client: drop it rather than block the relay.
			delete(h.clients, c)
			close(c.send)
			metrics.WebsocketClients.Dec()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		metrics.WebsocketClients.Dec()
	}
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		metrics.WebsocketClients.Dec()
	}
}

// clientCount reports connected clients, for stats and tests.
func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("server: ws upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	metrics.WebsocketClients.Inc()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages; the stream is one-way. It exists to
// process pongs and to notice the peer going away.
func (h *hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
