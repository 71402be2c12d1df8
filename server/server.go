// Package server runs the relay: it upgrades HTTP connections to
// WebSocket, binds authenticated sessions into the connection registry,
// dispatches inbound envelopes to operation handlers, and pushes
// presence and notification events to affected peers.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/protocol"
	"chatrelay/registry"
	"chatrelay/store"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int
}

type Server struct {
	store    *store.Store
	registry *registry.Registry
	cfg      *Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
	http     *http.Server
}

func New(st *store.Store, cfg *Config, log zerolog.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	s := &Server{
		store:    st,
		registry: registry.New(),
		cfg:      cfg,
		log:      log,
		upgrader: websocket.Upgrader{
			// The relay is deployed behind its own origin; tighten this
			// when serving the browser client from a different host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	s.http = &http.Server{Addr: cfg.Addr, Handler: mux}

	return s
}

// Run blocks serving connections until Shutdown is called.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("relay listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown pushes a shutdown notice to every bound connection, closes
// them, and drains the HTTP listener.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	if frame, err := protocol.Encode(protocol.TypeShutdown, protocol.Shutdown{Reason: reason}); err == nil {
		for _, code := range s.registry.Codes() {
			if conn, ok := s.registry.Lookup(code); ok {
				conn.Send(frame)
			}
		}
	}

	// Give the write pumps a moment to flush the notice.
	time.Sleep(100 * time.Millisecond)
	for _, code := range s.registry.Codes() {
		if conn, ok := s.registry.Lookup(code); ok {
			conn.Close()
		}
	}

	return s.http.Shutdown(ctx)
}

// Stats returns server statistics as a formatted string for the
// control socket.
func (s *Server) Stats() string {
	codes := s.registry.Codes()
	return "connections=" + strconv.Itoa(len(codes)) + ",codes=" + strings.Join(codes, ";")
}

// ServeWS upgrades the request and runs the connection until it
// closes. A connection arrives unauthenticated; the session gate in
// the login/resume handlers binds it to an account code.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := &client{
		srv:  s,
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		log:  s.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	c.log.Info().Msg("client connected")

	go c.writePump()
	c.readPump()
}

// session is the per-connection state owned by the read goroutine.
// Handlers receive it through the client and nothing outside that
// goroutine mutates it.
type session struct {
	authenticated bool
	username      string
	code          string
}

type client struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	sess session
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Send queues a frame for delivery. Frames for a closed connection are
// discarded, and a full buffer means the peer is not draining, so the
// frame is dropped rather than blocking the caller.
func (c *client) Send(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.log.Warn().Msg("send buffer full, dropping frame")
	}
}

func (c *client) Close() error {
	return c.conn.Close()
}

// readPump consumes inbound frames until the transport closes, then
// tears the binding down. Any frame or pong counts as liveness.
func (c *client) readPump() {
	defer c.teardown()

	c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("connection error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.ReadTimeout))
		c.dispatch(data)
	}
}

// teardown unbinds the connection and broadcasts the offline
// transition exactly once. The identity check in Unbind keeps a stale
// close from evicting a newer binding after a rapid reconnect.
func (c *client) teardown() {
	if c.sess.authenticated {
		if c.srv.registry.Unbind(c.sess.code, c) {
			c.srv.broadcastPresence(c.sess.code, false)
		}
		c.log.Info().Str("code", c.sess.code).Msg("client disconnected")
	} else {
		c.log.Info().Msg("client disconnected")
	}

	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.conn.Close()
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch decodes one inbound frame and routes it. Malformed or
// unknown frames are logged and dropped; the connection stays open.
func (c *client) dispatch(data []byte) {
	op, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping invalid frame")
		return
	}

	switch op := op.(type) {
	case protocol.SignupOp:
		c.handleSignup(op)
	case protocol.LoginOp:
		c.handleLogin(op)
	case protocol.ResumeOp:
		c.handleResume(op)
	case protocol.AddContactOp:
		if c.requireAuth() {
			c.handleAddContact(op)
		}
	case protocol.GetChatOp:
		if c.requireAuth() {
			c.handleGetChat(op)
		}
	case protocol.SendMessageOp:
		if c.requireAuth() {
			c.handleSendMessage(op)
		}
	case protocol.TypingOp:
		if c.requireAuth() {
			c.handleTyping(op)
		}
	case protocol.ReadMessageOp:
		if c.requireAuth() {
			c.handleReadMessage(op)
		}
	}
}

func (c *client) requireAuth() bool {
	if c.sess.authenticated {
		return true
	}
	c.sendEvent(protocol.TypeError, protocol.ErrorPayload{Message: "not authenticated"})
	return false
}

func (c *client) sendEvent(eventType string, payload any) {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", eventType).Msg("encoding event")
		return
	}
	c.Send(frame)
}

// push delivers an event to the connection bound for code, if any.
// Reports whether a connection was found.
func (s *Server) push(code, eventType string, payload any) bool {
	conn, ok := s.registry.Lookup(code)
	if !ok {
		return false
	}
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("encoding event")
		return false
	}
	conn.Send(frame)
	return true
}
