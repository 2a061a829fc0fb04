// internal/ws/server.go
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pagepatch/internal/app"
	"pagepatch/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool; the auth key is the gate
	},
}

// Server owns the WebSocket endpoint. Logical connections are keyed by a
// client token: a reconnect presenting a known token is rehomed onto its
// existing session.Conn instead of starting from scratch, which is what
// keeps resumable session ids and open checkpoints alive across page
// reloads.
type Server struct {
	ctx     *app.Context
	port    int
	authKey string

	httpServer *http.Server

	mu      sync.Mutex
	conns   map[string]*session.Conn // by client token
	clients map[string]*Client       // live transports, by token
}

// NewServer creates the server around the process context
func NewServer(ctx *app.Context) *Server {
	return &Server{
		ctx:     ctx,
		authKey: ctx.Config.AuthKey,
		conns:   make(map[string]*session.Conn),
		clients: make(map[string]*Client),
	}
}

// Start begins serving /ws and /health. Port 0 picks a free port; the
// chosen port is returned either way.
func (s *Server) Start() (int, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.ctx.Config.Port))
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			slog.Error("websocket server stopped", "error", err)
		}
	}()

	slog.Info("websocket server listening", "port", s.port)
	return s.port, nil
}

// Stop shuts the server down and retires every connection
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Close()
	}
	for token, conn := range s.conns {
		conn.Close()
		delete(s.conns, token)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Port returns the bound port
func (s *Server) Port() int {
	return s.port
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// authorized checks the optional auth key, accepted as a header or a query
// parameter (browser WebSocket clients cannot set headers).
func (s *Server) authorized(r *http.Request) bool {
	if s.authKey == "" {
		return true
	}
	if r.Header.Get("X-Auth-Key") == s.authKey {
		return true
	}
	return r.URL.Query().Get("key") == s.authKey
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = uuid.New().String()
	}

	client := newClient(token, wsConn)
	conn, rehomed := s.adopt(token, client)

	go client.writePump()

	s.sendConnected(client, conn, rehomed)

	d := &dispatcher{
		ctx:       s.ctx,
		conn:      conn,
		client:    client,
		broadcast: s.Broadcast,
	}
	s.readPump(client, conn, d)
}

// adopt wires a transport to its logical connection, creating the
// connection on first sight of the token.
func (s *Server) adopt(token string, client *Client) (*session.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A lingering transport for the same token is superseded
	if old, ok := s.clients[token]; ok {
		old.Close()
	}
	s.clients[token] = client

	if conn, ok := s.conns[token]; ok {
		conn.Rehome(client)
		return conn, true
	}

	conn := session.NewConn(client, s.ctx.Config.ProjectDir, s.ctx.Config.Watchdog())
	s.conns[token] = conn
	slog.Info("client connected", "token", token)
	return conn, false
}

// sendConnected greets the transport with the connection's current state,
// restoring the last agent selection for brand-new connections.
func (s *Server) sendConnected(client *Client, conn *session.Conn, rehomed bool) {
	agent := conn.Agent()
	model := ""

	if agent == "" && !rehomed {
		agent = s.restoreLastAgent(conn)
	}
	if agent != "" {
		if p, err := s.ctx.Registry.Get(agent); err == nil {
			model = p.DefaultModel()
		}
	}

	client.Emit("connected", map[string]any{
		"token":      client.Token,
		"agent":      agent,
		"model":      model,
		"projectDir": conn.ProjectDir(),
	})
}

// restoreLastAgent re-selects the agent used last time, if it is still
// installed. A project with no recorded selection falls back to the
// configured default agent. Returns the selected agent id or "".
func (s *Server) restoreLastAgent(conn *session.Conn) string {
	var agent string
	if engine, err := s.ctx.Engine(conn.ProjectDir()); err == nil {
		if saved, err := engine.Setting(lastAgentKey); err == nil {
			agent = saved
		}
	}
	if agent == "" {
		agent = s.ctx.Config.Agent
	}
	if agent == "" {
		return ""
	}
	p, err := s.ctx.Registry.Get(agent)
	if err != nil {
		return ""
	}
	if err := conn.Select(p); err != nil {
		return ""
	}
	return agent
}

// readPump drains inbound frames until the transport drops. The logical
// connection stays behind for the token's next transport.
func (s *Server) readPump(client *Client, conn *session.Conn, d *dispatcher) {
	defer func() {
		s.mu.Lock()
		if s.clients[client.Token] == client {
			delete(s.clients, client.Token)
			conn.Detach()
		}
		s.mu.Unlock()
		client.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "token", client.Token, "error", err)
			}
			return
		}
		d.handle(message)
	}
}

// Broadcast sends a frame to every live transport
func (s *Server) Broadcast(kind string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, client := range s.clients {
		client.Emit(kind, payload)
	}
}
