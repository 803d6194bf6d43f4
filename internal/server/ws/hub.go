// Package ws pushes engine events and price ticks to dashboard clients over
// WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/natebag/trenchtools/internal/domain"
)

// Frame channels generated by the hub itself. Engine events arrive on a
// channel named after their kind.
const (
	ChannelStatus = "status"
	ChannelReplay = "replay"
	channelAck    = "ack"
)

// StatusFunc returns the payload of the status frame sent on connect.
type StatusFunc func() any

// Config wires a Hub to its optional sources.
type Config struct {
	// Bus supplies Channels and the replay stream. Nil limits the hub to
	// Broadcast.
	Bus      domain.SignalBus
	Channels []string

	// ReplayStream, when set, is read on connect so a new dashboard sees
	// events from the last ReplayWindow, at most ReplayLimit of them.
	ReplayStream string
	ReplayWindow time.Duration
	ReplayLimit  int

	// Origins restricts browser connections. Empty allows any origin.
	Origins []string

	Status StatusFunc
}

// envelope is the frame sent to clients.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Hub tracks connected clients and fans frames out to those subscribed.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	in         chan envelope
	direct     chan directFrame
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub for cfg.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 100
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 15 * time.Minute
	}
	h := &Hub{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
		in:         make(chan envelope, 512),
		direct:     make(chan directFrame, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Origins),
	}
	return h
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}

// Broadcast queues data for every client subscribed to channel. It never
// blocks; when the hub is saturated the frame is dropped.
func (h *Hub) Broadcast(channel string, data []byte) {
	select {
	case h.in <- envelope{Channel: channel, Data: data}:
	default:
		h.logger.Warn("hub saturated, dropping frame", slog.String("channel", channel))
	}
}

// directFrame is addressed to one client.
type directFrame struct {
	to    *client
	frame []byte
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.cfg.Bus != nil {
		for _, ch := range h.cfg.Channels {
			go h.forward(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.String("remote", c.remote), slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.String("remote", c.remote), slog.Int("clients", n))

		case d := <-h.direct:
			h.mu.RLock()
			if _, ok := h.clients[d.to]; ok {
				d.to.enqueue(d.frame)
			}
			h.mu.RUnlock()

		case env := <-h.in:
			frame, err := json.Marshal(env)
			if err != nil {
				h.logger.Warn("dropping malformed frame", slog.String("channel", env.Channel))
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(env.Channel) {
					c.enqueue(frame)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward relays one bus channel into the hub.
func (h *Hub) forward(ctx context.Context, channel string) {
	msgs, err := h.cfg.Bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for data := range msgs {
		h.Broadcast(channel, data)
	}
	if ctx.Err() == nil {
		h.logger.Warn("bus subscription closed", slog.String("channel", channel))
	}
}

// HandleWS upgrades the request and registers the client. The client gets
// the status frame, then any replayed events, then live frames.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn, r.RemoteAddr)
	c.enqueue(h.statusFrame())
	for _, frame := range h.replayFrames(r.Context()) {
		c.enqueue(frame)
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) statusFrame() []byte {
	if h.cfg.Status == nil {
		return nil
	}
	frame, err := frameOf(ChannelStatus, h.cfg.Status())
	if err != nil {
		return nil
	}
	return frame
}

// replayFrames reads recent entries of the replay stream. Stream ids start
// with a millisecond timestamp, so the window maps directly to a start id.
func (h *Hub) replayFrames(ctx context.Context) [][]byte {
	if h.cfg.Bus == nil || h.cfg.ReplayStream == "" {
		return nil
	}
	from := fmt.Sprintf("%d-0", time.Now().Add(-h.cfg.ReplayWindow).UnixMilli())
	msgs, err := h.cfg.Bus.StreamRead(ctx, h.cfg.ReplayStream, from, h.cfg.ReplayLimit)
	if err != nil {
		h.logger.Warn("replay read failed", slog.String("error", err.Error()))
		return nil
	}
	frames := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		frame, err := json.Marshal(envelope{Channel: ChannelReplay, Data: m.Payload})
		if err == nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

func frameOf(channel string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Channel: channel, Data: data})
}
