package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"anpr-monitor/internal/domain/anpr"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster pushes status and event notifications to websocket clients.
// A client that cannot keep up is disconnected instead of slowing the hub.
type Broadcaster struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
}

func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

func (b *Broadcaster) OnFrame(anpr.FrameUpdate) {}

func (b *Broadcaster) OnStatus(update anpr.StatusUpdate) {
	b.broadcast(wsMessage{Type: "status", Data: update})
}

func (b *Broadcaster) OnEvent(event anpr.Event) {
	b.broadcast(wsMessage{Type: "event", Data: event})
}

func (b *Broadcaster) broadcast(m wsMessage) {
	payload, err := json.Marshal(m)
	if err != nil {
		b.log.Error().Err(err).Str("type", m.Type).Msg("failed to encode websocket message")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		select {
		case c.send <- payload:
		default:
			b.log.Warn().Str("client_id", id).Msg("websocket client too slow, disconnecting")
			delete(b.clients, id)
			close(c.send)
		}
	}
}

func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	b.log.Info().Str("client_id", c.id).Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")

	go b.writePump(c)
	b.readPump(c)
}

func (b *Broadcaster) remove(c *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c.id]; ok {
		delete(b.clients, c.id)
		close(c.send)
	}
}

// readPump only handles control frames; clients do not send commands.
func (b *Broadcaster) readPump(c *wsClient) {
	defer func() {
		b.remove(c)
		c.conn.Close()
		b.log.Info().Str("client_id", c.id).Msg("websocket client disconnected")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
