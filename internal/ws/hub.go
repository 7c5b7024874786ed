package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tradehive/exchange/internal/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub broadcasts committed trades to connected websocket clients. It
// implements engine.Sink, replacing a direct coupling between settlement
// and any particular transport.
type Hub struct {
	log *logrus.Logger

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates an empty hub
func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{log: log, clients: make(map[*client]bool)}
}

// PublishTrade sends one trade event to every connected client.
// Clients whose writes fail are dropped.
func (h *Hub) PublishTrade(ev engine.TradeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal trade event")
		return
	}

	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			h.log.WithError(err).Debug("dropping websocket client")
			h.remove(c)
		}
	}
}

// HandleWS upgrades the request and keeps the connection registered until
// the client goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("failed to upgrade connection")
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			break
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		c.conn.Close()
	}
	h.mu.Unlock()
}
