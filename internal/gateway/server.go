// Package gateway serves the chat engine over an authenticated WebSocket,
// outside the webhook and adapter model. Each connection is one session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"chatgate/internal/bus"
	"chatgate/internal/domain"
	"chatgate/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Close codes sent when a connection is refused.
const (
	CloseAuthFailed  = 4001
	CloseAuthFailure = websocket.CloseInternalServerErr // 1011
)

// Error frame messages.
const (
	ErrMissingKey         = "Missing API key"
	ErrInvalidKey         = "Invalid API key"
	ErrAuthUnavailable    = "Authentication service unavailable"
	ErrInvalidJSON        = "Invalid JSON"
	ErrMissingText        = "Missing text field"
	ErrUnknownFramePrefix = "Unknown message type: "
)

const (
	writeTimeout    = 10 * time.Second
	verifyTimeout   = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	maxFrameBytes   = 1 << 20
)

// Frame is the JSON envelope for both directions.
type Frame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
	Content  string `json:"content,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SessionInfo is the read-only view of a session.
type SessionInfo struct {
	SessionID   string    `json:"sessionId"`
	ThreadID    string    `json:"threadId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type session struct {
	id          string
	connectedAt time.Time
	conn        *websocket.Conn

	mu       sync.Mutex // guards threadID
	threadID string

	writeMu sync.Mutex
}

func (s *session) thread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

func (s *session) setThread(id string) {
	s.mu.Lock()
	s.threadID = id
	s.mu.Unlock()
}

func (s *session) send(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}

// Config configures the gateway server.
type Config struct {
	Addr           string // listen address, e.g. ":8090"
	Path           string // WebSocket endpoint path (default: /ws)
	Engine         domain.ChatEngine
	Keys           domain.KeyVerifier
	AllowedOrigins []string      // empty allows every origin
	Events         *bus.EventBus // optional
	Logger         *slog.Logger
}

// Server is the standalone socket endpoint. Construct one per process and
// call Stop on shutdown.
type Server struct {
	addr   string
	path   string
	engine domain.ChatEngine
	keys   domain.KeyVerifier
	events *bus.EventBus
	logger *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	mu       sync.RWMutex
	sessions map[string]*session
}

func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		addr:     cfg.Addr,
		path:     cfg.Path,
		engine:   cfg.Engine,
		keys:     cfg.Keys,
		events:   cfg.Events,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}
	origins := cfg.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		},
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	return mux
}

// Start listens on the configured address until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("gateway server starting", "addr", ln.Addr().String(), "path", s.path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop notifies every session, closes them, and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	srv := s.server
	s.mu.Unlock()
	metrics.GatewayConnections.Set(0)

	for _, sess := range sessions {
		if err := sess.send(Frame{Type: "shutdown"}); err != nil {
			s.logger.Debug("gateway shutdown frame failed", "session_id", sess.id, "err", err)
		}
		sess.writeMu.Lock()
		sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		sess.writeMu.Unlock()
		sess.conn.Close()
	}

	if srv == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}
	return srv.Shutdown(ctx)
}

// ConnectionCount is the number of authenticated sessions.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions lists open sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{SessionID: sess.id, ThreadID: sess.thread(), ConnectedAt: sess.connectedAt})
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.ConnectedAt.Compare(b.ConnectedAt) })
	return out
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway upgrade failed", "err", err)
		return
	}

	if !s.authenticate(r, conn) {
		return
	}

	sess := &session{id: uuid.NewString(), connectedAt: time.Now(), conn: conn}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	metrics.GatewayConnections.Inc()
	s.logger.Info("gateway session opened", "session_id", sess.id)
	s.emit(bus.EventGatewayOpened, sess.id)

	defer func() {
		s.mu.Lock()
		_, ok := s.sessions[sess.id]
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		if ok {
			metrics.GatewayConnections.Dec()
		}
		conn.Close()
		s.logger.Info("gateway session closed", "session_id", sess.id)
		s.emit(bus.EventGatewayClosed, sess.id)
	}()

	conn.SetReadLimit(maxFrameBytes)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("gateway read error", "session_id", sess.id, "err", err)
			}
			return
		}
		s.handleFrame(sess, data)
	}
}

// authenticate checks the "key" query parameter. On failure it sends an error
// frame, closes with the matching code and reports false.
func (s *Server) authenticate(r *http.Request, conn *websocket.Conn) bool {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.refuse(conn, ErrMissingKey, CloseAuthFailed)
		return false
	}

	ctx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
	defer cancel()
	rec, err := s.keys.VerifyAPIKey(ctx, key)
	if err != nil {
		s.logger.Error("gateway key verification failed", "err", err)
		s.refuse(conn, ErrAuthUnavailable, CloseAuthFailure)
		return false
	}
	if rec == nil {
		s.logger.Warn("gateway invalid api key", "remote", r.RemoteAddr)
		s.refuse(conn, ErrInvalidKey, CloseAuthFailed)
		return false
	}
	return true
}

func (s *Server) refuse(conn *websocket.Conn, message string, code int) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteJSON(Frame{Type: "error", Message: message})
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message), time.Now().Add(time.Second))
	conn.Close()
}

func (s *Server) handleFrame(sess *session, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.sendError(sess, ErrInvalidJSON)
		return
	}

	switch f.Type {
	case "ping":
		sess.send(Frame{Type: "pong"})
	case "set-thread":
		sess.setThread(f.ThreadID)
	case "chat":
		if f.Text == "" {
			s.sendError(sess, ErrMissingText)
			return
		}
		threadID := f.ThreadID
		if threadID == "" {
			threadID = sess.thread()
		}
		if threadID == "" {
			threadID = uuid.NewString()
		}
		sess.setThread(threadID)
		// Streams run beside the read loop so pings are answered meanwhile.
		go s.chat(sess, threadID, f.Text)
	default:
		s.sendError(sess, ErrUnknownFramePrefix+f.Type)
	}
}

func (s *Server) chat(sess *session, threadID, text string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gateway chat panic", "session_id", sess.id, "panic", r)
		}
	}()

	opts := domain.ChatOptions{UserID: sess.id, ChatTitle: "gateway"}
	events, err := s.engine.ChatStream(context.Background(), threadID, text, nil, opts)
	if err != nil {
		s.logger.Error("gateway chat failed", "session_id", sess.id, "thread_id", threadID, "err", err)
		s.sendError(sess, "Chat failed: "+err.Error())
		return
	}

	var failed string
	for ev := range events {
		switch ev.Type {
		case domain.StreamText:
			if ev.Text == "" || !s.open(sess) {
				continue
			}
			sess.send(Frame{Type: "chunk", Content: ev.Text})
		case domain.StreamError:
			failed = ev.Text
		}
	}
	if !s.open(sess) {
		return
	}
	if failed != "" {
		s.sendError(sess, "Chat failed: "+failed)
		return
	}
	sess.send(Frame{Type: "done"})
}

// open reports whether sess is still connected. Forwarding stops once it is
// gone; the engine call itself is not cancelled.
func (s *Server) open(sess *session) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sess.id]
	return ok
}

func (s *Server) sendError(sess *session, message string) {
	if err := sess.send(Frame{Type: "error", Message: message}); err != nil {
		s.logger.Debug("gateway write failed", "session_id", sess.id, "err", err)
	}
}

func (s *Server) emit(eventType, sessionID string) {
	if s.events == nil {
		return
	}
	s.events.Emit(bus.Event{Type: eventType, Source: "gateway", Payload: map[string]any{"session_id": sessionID}})
}
