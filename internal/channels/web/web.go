// Package web serves the dashboard websocket channel. All connected
// dashboard clients share one chat under the fixed JID "web:main".
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// MainJID is the single chat all dashboard clients share.
const MainJID = "web:main"

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

// Channel is the websocket transport.
type Channel struct {
	addr    string
	inbound func(ctx context.Context, msg bus.InboundMessage)

	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// wireMessage is the JSON shape exchanged with dashboard clients.
type wireMessage struct {
	JID       string `json:"jid,omitempty"`
	Text      string `json:"text"`
	Sender    string `json:"sender,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// New creates a web channel listening on addr ("host:port").
func New(addr string, inbound func(ctx context.Context, msg bus.InboundMessage)) *Channel {
	return &Channel{
		addr:    addr,
		inbound: inbound,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard binds to loopback; cross-origin pages are not
			// served from here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

func (c *Channel) Name() string { return "web" }

// OwnsJID claims every web: JID.
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, "web:") }

// Connect starts the HTTP server with the /ws endpoint.
func (c *Channel) Connect(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("web listen: %w", err)
	}
	c.server = &http.Server{Handler: mux}
	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("web server failed", "error", err)
		}
	}()
	slog.Info("web channel listening", "addr", ln.Addr().String())
	return nil
}

// Disconnect stops the server and drops all clients.
func (c *Channel) Disconnect() error {
	if c.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.server.Shutdown(ctx)
	c.server = nil

	c.mu.Lock()
	for cl := range c.clients {
		close(cl.send)
		cl.conn.Close()
	}
	c.clients = make(map[*client]bool)
	c.mu.Unlock()
	return err
}

func (c *Channel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	c.mu.Lock()
	c.clients[cl] = true
	c.mu.Unlock()
	slog.Debug("dashboard client connected", "remote", conn.RemoteAddr().String())

	go c.writePump(cl)
	c.readPump(cl)
}

func (c *Channel) readPump(cl *client) {
	defer c.drop(cl)
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var wm wireMessage
		if err := json.Unmarshal(data, &wm); err != nil || wm.Text == "" {
			continue
		}
		sender := wm.Sender
		if sender == "" {
			sender = "dashboard"
		}
		if c.inbound != nil {
			c.inbound(context.Background(), bus.InboundMessage{
				ID:         uuid.NewString(),
				JID:        MainJID,
				SenderID:   sender,
				SenderName: sender,
				Content:    wm.Text,
				Timestamp:  time.Now().UTC(),
				IsDM:       true,
			})
		}
	}
}

func (c *Channel) writePump(cl *client) {
	for data := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Channel) drop(cl *client) {
	c.mu.Lock()
	if c.clients[cl] {
		delete(c.clients, cl)
		close(cl.send)
	}
	c.mu.Unlock()
	cl.conn.Close()
}

// SendMessage broadcasts text to every connected dashboard client. With no
// clients connected the message is dropped; the dashboard has no offline
// store.
func (c *Channel) SendMessage(_ context.Context, jid, text string) error {
	data, err := json.Marshal(wireMessage{
		JID:       jid,
		Text:      text,
		Sender:    "assistant",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for cl := range c.clients {
		select {
		case cl.send <- data:
		default:
			// Slow client: drop it rather than block the broadcast.
			delete(c.clients, cl)
			close(cl.send)
			cl.conn.Close()
		}
	}
	return nil
}
