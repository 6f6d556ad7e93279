package interpreter

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/NotCoffee418/wmbus_parser/pkg/parser"
	"github.com/NotCoffee418/wmbus_parser/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
	// Notifications queued per client before it is dropped as too slow.
	sendBuffer = 64
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newClient(conn *websocket.Conn, queued int) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, queued+sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues data without blocking. It reports false when the queue is
// full or the client is gone.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Hub pushes notifications to websocket clients and keeps the latest
// notification per meter.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	clientsMutex sync.RWMutex
	clients      map[*client]struct{}

	latestMutex sync.RWMutex
	latest      map[string]types.Notification
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
		latest:  make(map[string]types.Notification),
	}
}

// Listener returns the parser listener feeding the hub.
func (h *Hub) Listener() parser.Listener {
	return parser.Listener{OnReading: h.Broadcast}
}

// Broadcast stores n as the latest notification of its meter and queues it
// for every client. It does not wait for the network; clients whose queue
// is full are dropped.
func (h *Hub) Broadcast(n types.Notification) {
	h.latestMutex.Lock()
	h.latest[n.Snapshot.ID] = n
	h.latestMutex.Unlock()

	data := n.ToJsonBytes()
	if data == nil {
		return
	}

	h.clientsMutex.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMutex.RUnlock()

	for _, c := range clients {
		if !c.enqueue(data) {
			h.logger.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow websocket client")
			h.remove(c)
		}
	}
}

// writeLoop is the only writer of the client's connection. It drains the
// send queue until the client is removed.
func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug().Err(err).Str("remote", c.conn.RemoteAddr().String()).Msg("dropping websocket client")
				h.remove(c)
				return
			}
		}
	}
}

// Latest returns the most recent notification of a meter.
func (h *Hub) Latest(id string) (types.Notification, bool) {
	h.latestMutex.RLock()
	defer h.latestMutex.RUnlock()
	n, ok := h.latest[id]
	return n, ok
}

// LatestAll returns the most recent notification of every meter, ordered
// by meter id.
func (h *Hub) LatestAll() []types.Notification {
	h.latestMutex.RLock()
	out := make([]types.Notification, 0, len(h.latest))
	for _, n := range h.latest {
		out = append(out, n)
	}
	h.latestMutex.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Snapshot.ID < out[j].Snapshot.ID })
	return out
}

func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request, sends the latest notification of every
// meter and keeps the client registered until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.latestMutex.RLock()
	c := newClient(conn, len(h.latest))
	h.latestMutex.RUnlock()
	h.clientsMutex.Lock()
	h.clients[c] = struct{}{}
	h.clientsMutex.Unlock()
	h.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")
	go h.writeLoop(c)

	for _, n := range h.LatestAll() {
		if data := n.ToJsonBytes(); data != nil {
			c.enqueue(data)
		}
	}

	// Reads only serve control frames and detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.clientsMutex.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.clientsMutex.Unlock()
	if ok {
		close(c.done)
		c.conn.Close()
		h.logger.Info().Str("remote", c.conn.RemoteAddr().String()).Msg("websocket client disconnected")
	}
}
