// Package monitor serves live bus traffic to browsers: every received frame
// is decoded through the matrix and broadcast to the WebSocket clients.
package monitor

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/BIwashi/cansim/pkg/can"
	"github.com/BIwashi/cansim/pkg/matrix"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// Frame is the JSON structure sent to the WebSocket clients.
type Frame struct {
	ID      uint32   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Data    string   `json:"data"`
	IsFD    bool     `json:"is_fd"`
	Signals []Signal `json:"signals,omitempty"`
	Stamp   int64    `json:"stamp"` // Unix ms
}

type Signal struct {
	Name  string  `json:"name"`
	Raw   uint64  `json:"raw"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Label string  `json:"label,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts decoded frames to WebSocket clients. A client whose send
// buffer is full is disconnected.
type Hub struct {
	mx     *matrix.Matrix
	logger *slog.Logger

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func NewHub(mx *matrix.Matrix, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		mx:     mx,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler serves /ws and /api/messages.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("/api/messages", h.handleMessages)
	return mux
}

// Serve listens on addr until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		h.closeAll()
	}()

	h.logger.Info("monitor listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "serve %s", addr)
	}
	return nil
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Info("client connected", "remote", r.RemoteAddr, "clients", n)

	go func() {
		defer conn.Close()
		for msg := range c.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// remove forgets c and closes its connection. It is safe to call more than once.
func (h *Hub) remove(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	_ = c.conn.Close()
	h.logger.Info("client disconnected", "clients", len(h.clients))
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

func (h *Hub) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(h.mx.Records())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// Decode converts f into its JSON form.
func (h *Hub) Decode(f can.Frame) Frame {
	out := Frame{
		ID:    f.ID,
		Data:  hex.EncodeToString(f.Payload()),
		IsFD:  f.IsFD,
		Stamp: f.Timestamp.UnixMilli(),
	}
	msg, ok := h.mx.Decode(f)
	if !ok {
		return out
	}
	out.Name = msg.Name
	for _, s := range msg.Signals() {
		label, _ := s.Label()
		out.Signals = append(out.Signals, Signal{
			Name:  s.Name,
			Raw:   s.Value(),
			Value: s.Physical(),
			Unit:  s.Unit,
			Label: label,
		})
	}
	return out
}

// Publish broadcasts f to every client. It fits bus.Hook.
func (h *Hub) Publish(f can.Frame) {
	data, err := json.Marshal(h.Decode(f))
	if err != nil {
		h.logger.Warn("encode frame failed", "id", f.ID, "error", err)
		return
	}

	var slow []*client
	h.clientsMu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("client too slow, dropping")
		h.remove(c)
	}
}
