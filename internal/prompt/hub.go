package prompt

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/loykin/kithost/internal/message"
)

const (
	clientQueue  = 64
	writeTimeout = 5 * time.Second
)

// Frame is one host -> UI message.
type Frame struct {
	Channel message.Channel `json:"channel"`
	Data    any             `json:"data,omitempty"`
}

type client struct {
	conn *websocket.Conn
	out  chan Frame
}

// Hub fans prompt frames out to every connected UI and collects the UI
// events they send back.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	events  chan message.Message
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		events:  make(chan message.Message, clientQueue),
	}
}

// Events yields UI events (VALUE_SUBMITTED, ESCAPE_PRESSED, ...).
func (h *Hub) Events() <-chan message.Message { return h.events }

// Clients returns the number of connected UIs.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) SendToPrompt(ch message.Channel, data any) {
	h.broadcast(Frame{Channel: ch, Data: data})
}

func (h *Hub) ShowPrompt()       { h.broadcast(Frame{Channel: WindowShow}) }
func (h *Hub) HidePromptWindow() { h.broadcast(Frame{Channel: WindowHide}) }

func (h *Hub) ResizePrompt(size message.SizePayload) {
	h.broadcast(Frame{Channel: WindowResize, Data: size})
}

func (h *Hub) broadcast(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.out <- f:
		default:
			// a UI that cannot keep up is dropped rather than stalling the host
			slog.Warn("prompt client too slow, disconnecting")
			delete(h.clients, c)
			close(c.out)
		}
	}
}

// ServeHTTP upgrades the request and serves one UI client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// only reachable through the local socket
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	c := &client{conn: conn, out: make(chan Frame, clientQueue)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("prompt client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.write(ctx, c)
	h.read(ctx, c)

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.out)
	}
	h.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	slog.Info("prompt client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) write(ctx context.Context, c *client) {
	for f := range c.out {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, c.conn, f)
		cancel()
		if err != nil {
			slog.Debug("prompt write failed", "channel", f.Channel, "error", err)
			_ = c.conn.Close(websocket.StatusGoingAway, "write failed")
			return
		}
	}
	_ = c.conn.Close(websocket.StatusPolicyViolation, "too slow")
}

func (h *Hub) read(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		m, err := message.Parse(data)
		if err != nil {
			slog.Warn("dropping malformed prompt event", "error", err)
			continue
		}
		select {
		case h.events <- m:
		case <-ctx.Done():
			return
		}
	}
}
