package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSession streams frames from a WebSocket endpoint.
type WebSocketSession struct {
	cfg    Config
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSession creates an unconnected WebSocket session.
func NewWebSocketSession(cfg Config) *WebSocketSession {
	return &WebSocketSession{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.dialTimeout(),
		},
	}
}

// Connect dials the endpoint and sends the greeting as a text frame.
// A 401 or 403 on the upgrade request is reported as *AuthError.
func (s *WebSocketSession) Connect(ctx context.Context) error {
	header := http.Header{}
	switch {
	case s.cfg.Token != "":
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	case s.cfg.Username != "":
		req := &http.Request{Header: header}
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Reason: resp.Status, Err: err}
		}
		return &ConnectionError{Op: "dial", Err: err}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(s.cfg.greeting())); err != nil {
		conn.Close()
		return &ConnectionError{Op: "handshake", Err: err}
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Receive reads frames until the connection drops or ctx is cancelled.
// Text and binary frames are both delivered; control frames are handled internally.
func (s *WebSocketSession) Receive(ctx context.Context, onMessage func([]byte)) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &ConnectionError{Op: "receive", Err: ErrNotOpen}
	}

	// Closing the socket is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if s.cfg.ReadTimeout > 0 {
		conn.SetPingHandler(func(data string) error {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}

	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConnectionError{Op: "receive", Err: err}
		}
		onMessage(data)
	}
}

// Close sends a close frame (best effort) and releases the socket.
func (s *WebSocketSession) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
