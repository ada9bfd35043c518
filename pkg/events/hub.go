package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from the same local process or a dev server on another port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub forwards emitter events to websocket clients. A client may limit itself to one episode with
// ?episode=<id>; events without an episode go to everyone.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	off     func()
}

type client struct {
	conn      *websocket.Conn
	episodeID string
	send      chan []byte
	once      sync.Once
}

func NewHub(emitter *Emitter) *Hub {
	h := &Hub{clients: make(map[*client]struct{})}
	h.off = emitter.On("", h.broadcast)
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Warn("failed to encode event", "type", ev.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.episodeID != "" && ev.EpisodeID != "" && c.episodeID != ev.EpisodeID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			log.Warn("websocket client is too slow, dropping event", "type", ev.Type)
		}
	}
}

// ServeWS upgrades the request and streams events until the client goes away.
func (h *Hub) ServeWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cl := &client{conn: conn, episodeID: c.QueryParam("episode"), send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	log.Debug("websocket client connected", "episode", cl.episodeID)

	go h.writePump(cl)
	h.readPump(cl)
	return nil
}

func (h *Hub) remove(cl *client) {
	cl.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
		close(cl.send)
		cl.conn.Close()
		log.Debug("websocket client disconnected", "episode", cl.episodeID)
	})
}

// readPump only handles pongs and close frames; clients do not send commands.
func (h *Hub) readPump(cl *client) {
	defer h.remove(cl)
	cl.conn.SetReadLimit(4096)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(cl)
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and stops listening to the emitter.
func (h *Hub) Close() {
	h.off()
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(c)
	}
}
