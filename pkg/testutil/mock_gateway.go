// Package testutil provides testing utilities for chat automation
// features. This package contains a mock chat gateway websocket server
// and helpers for writing integration tests.
package testutil

import (
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatautomation/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a websocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// MockGateway simulates the chat gateway websocket server. It serves
// the auth handshake, broadcasts inbound messages to every connected
// client and records the send frames clients write back.
type MockGateway struct {
	server *httptest.Server
	token  string

	connsMu     sync.Mutex
	connections []*connWrapper

	sentMu sync.Mutex
	sent   []transport.Frame
}

// NewMockGateway starts a mock gateway that accepts the given token.
// The server listens on an ephemeral port; use URL to reach it.
func NewMockGateway(token string) *MockGateway {
	g := &MockGateway{token: token}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWebSocket)
	g.server = httptest.NewServer(mux)
	return g
}

// URL returns the websocket endpoint for clients.
func (g *MockGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
}

// Close drops all connections and stops the server.
func (g *MockGateway) Close() {
	g.connsMu.Lock()
	for _, w := range g.connections {
		w.conn.Close()
	}
	g.connections = nil
	g.connsMu.Unlock()

	g.server.Close()
}

// DropConnections closes every live connection without stopping the
// server, simulating a network failure clients can recover from.
func (g *MockGateway) DropConnections() {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()

	for _, w := range g.connections {
		w.conn.Close()
	}
	g.connections = nil
}

// ConnectionCount returns the number of live client connections.
func (g *MockGateway) ConnectionCount() int {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	return len(g.connections)
}

// SendMessage broadcasts an inbound chat message to every client.
func (g *MockGateway) SendMessage(conversation, id, sender, text string) {
	g.broadcast(transport.Frame{
		Type:         transport.TypeMessage,
		ID:           id,
		Conversation: conversation,
		Sender:       sender,
		Text:         text,
		Timestamp:    time.Now(),
	})
}

// SendDeletion broadcasts a message removal to every client.
func (g *MockGateway) SendDeletion(conversation, targetID, sender string) {
	g.broadcast(transport.Frame{
		Type:         transport.TypeMessageDeleted,
		Conversation: conversation,
		TargetID:     targetID,
		Sender:       sender,
	})
}

// SentFrames returns a copy of every send frame received from clients.
func (g *MockGateway) SentFrames() []transport.Frame {
	g.sentMu.Lock()
	defer g.sentMu.Unlock()

	out := make([]transport.Frame, len(g.sent))
	copy(out, g.sent)
	return out
}

// ClearSentFrames discards the recorded send frames.
func (g *MockGateway) ClearSentFrames() {
	g.sentMu.Lock()
	defer g.sentMu.Unlock()
	g.sent = nil
}

func (g *MockGateway) broadcast(frame transport.Frame) {
	g.connsMu.Lock()
	conns := append([]*connWrapper(nil), g.connections...)
	g.connsMu.Unlock()

	for _, w := range conns {
		if err := w.writeJSON(frame); err != nil {
			log.Printf("mock gateway: broadcast failed: %v", err)
		}
	}
}

func (g *MockGateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("mock gateway: failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	g.connsMu.Lock()
	g.connections = append(g.connections, wrapper)
	g.connsMu.Unlock()

	defer func() {
		g.connsMu.Lock()
		for i, c := range g.connections {
			if c == wrapper {
				g.connections = append(g.connections[:i], g.connections[i+1:]...)
				break
			}
		}
		g.connsMu.Unlock()
		conn.Close()
	}()

	// Auth handshake: the gateway speaks first.
	if err := wrapper.writeJSON(transport.Frame{Type: transport.TypeAuthRequired}); err != nil {
		return
	}

	var auth transport.Frame
	if err := conn.ReadJSON(&auth); err != nil {
		log.Printf("mock gateway: failed to read auth: %v", err)
		return
	}
	if auth.Type != transport.TypeAuth || auth.Token != g.token {
		wrapper.writeJSON(transport.Frame{Type: transport.TypeAuthInvalid})
		return
	}
	if err := wrapper.writeJSON(transport.Frame{Type: transport.TypeAuthOK}); err != nil {
		return
	}

	for {
		var frame transport.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type == transport.TypeSend {
			g.sentMu.Lock()
			g.sent = append(g.sent, frame)
			g.sentMu.Unlock()
		}
	}
}
