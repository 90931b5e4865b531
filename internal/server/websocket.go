package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/loppo-llc/termsup/internal/apperr"
	"github.com/loppo-llc/termsup/internal/state"
)

// readLimit bounds a single client->server frame (input/resize messages are
// tiny; this is generous headroom, not a real limit on pasted input).
const readLimit = 64 * 1024

// pingInterval keeps idle WebSocket connections alive through proxies that
// time out silent TCP connections.
const pingInterval = 30 * time.Second

// clientMsg is the client->server envelope (§6): "input" carries plain
// UTF-8 text (never base64), "resize" carries the new terminal geometry.
type clientMsg struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int     `json:"cols,omitempty"`
	Rows int     `json:"rows,omitempty"`
}

type outputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type stateChangeMsg struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type sessionDeadMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type sessionNotFoundMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// wsClient adapts a single WebSocket connection to sessionmgr.Client. Its
// identity for the manager's client-set map is the pointer itself; id is
// carried only for log correlation across a connection's registered
// lifetime. Writes are serialized because this client's own read loop and
// other clients' read loops (broadcasting state_change or session_dead) can
// write to the same connection concurrently.
type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsClient) SendOutput(data []byte) error {
	return c.writeJSON(outputMsg{Type: "output", Data: string(data)})
}

func (c *wsClient) SendStateChange(s state.Session) error {
	return c.writeJSON(stateChangeMsg{Type: "state_change", State: string(s)})
}

func (c *wsClient) SendSessionDead(message string) error {
	return c.writeJSON(sessionDeadMsg{Type: "session_dead", Message: message})
}

// handleWebSocket implements the §6 stream endpoint. The connection is
// always accepted first (so session_not_found can itself be delivered as a
// frame) and registered against the session manager; client->server frames
// are read in this goroutine until the socket closes, at which point the
// client is unregistered and its PTY released.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.cfg.Logger.Warn("websocket: accept failed", "session", name, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := &wsClient{id: uuid.New(), conn: conn}
	logger := s.cfg.Logger.With("session", name, "client", client.id)

	if err := s.cfg.Sessions.RegisterClient(name, client); err != nil {
		if apperr.KindOf(err) == apperr.KindSessionNotFound {
			_ = client.writeJSON(sessionNotFoundMsg{Type: "session_not_found", Message: err.Error()})
		} else {
			_ = client.writeJSON(errorMsg{Type: "error", Message: err.Error()})
		}
		conn.Close(websocket.StatusNormalClosure, "registration failed")
		return
	}
	defer s.cfg.Sessions.UnregisterClient(name, client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.wsPingLoop(ctx, client)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "input":
			if err := s.cfg.Sessions.Input(name, client, []byte(msg.Data)); err != nil {
				logger.Debug("websocket: input write failed", "err", err)
			}
		case "resize":
			if err := s.cfg.Sessions.Resize(name, client, msg.Cols, msg.Rows); err != nil {
				logger.Debug("websocket: resize failed", "err", err)
			}
		}
	}
}

// wsPingLoop keeps the connection alive with periodic protocol-level pings
// until ctx is cancelled by the read loop exiting.
func (s *Server) wsPingLoop(ctx context.Context, client *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := client.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
