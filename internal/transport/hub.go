package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

type client struct {
	conn *websocket.Conn
	out  chan Event
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub fans events out to every connected socket and dispatches inbound
// commands. Each client has one writer goroutine, so events reach a client
// in the order Send was called.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	latest  map[string]Event
	handler CommandHandler
	baseCtx context.Context
}

// NewHub returns an empty hub. Origins are not checked; the service listens
// on the operator's machine.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
		latest:  make(map[string]Event),
		baseCtx: context.Background(),
	}
}

// OnCommand sets the handler for inbound commands.
func (h *Hub) OnCommand(handler CommandHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// SetBaseContext sets the context passed to the command handler.
func (h *Hub) SetBaseContext(ctx context.Context) {
	h.mu.Lock()
	h.baseCtx = ctx
	h.mu.Unlock()
}

// Send queues ev for every client. A client whose buffer is full is dropped.
func (h *Hub) Send(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Status != StatusRejected {
		h.latest[string(ev.Kind)] = ev
	}
	for c := range h.clients {
		select {
		case c.out <- ev:
		default:
			log.Warn().Msg("websocket client too slow, dropping")
			delete(h.clients, c)
			c.close()
		}
	}
	return nil
}

// Clients returns the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, out: make(chan Event, clientBuffer), done: make(chan struct{})}

	h.mu.Lock()
	// new clients start from the last known state of every kind
	for _, ev := range h.latest {
		c.out <- ev
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		if err := h.dispatch(cmd); err != nil {
			log.Info().Str("action", string(cmd.Action)).Str("kind", string(cmd.Kind)).Err(err).Msg("command rejected")
			select {
			case c.out <- Event{Kind: cmd.Kind, Message: err.Error(), Status: StatusRejected}:
			case <-c.done:
				return
			}
		}
	}
}

func (h *Hub) dispatch(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	handler, ctx := h.handler, h.baseCtx
	h.mu.Unlock()
	if handler == nil {
		return ErrBadCommand
	}
	return handler.Handle(ctx, cmd) //nolint:wrapcheck
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer h.remove(c)
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}
