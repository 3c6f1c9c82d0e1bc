// Package wsbridge implements the EventSink over a websocket fan-out hub,
// plus the chi-routed HTTP control surface for PTY terminals, so a remote
// UI sees the same AppServerEvent/TerminalOutput shapes a local consumer
// would get in-process.
package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/lattice-run/enginehost"
	"github.com/lattice-run/enginehost/ptybroker"
)

// Keepalive/write budgets for websocket clients, matching the ping/pong
// convention used across the example pack's own websocket handlers.
const (
	pingInterval = 54 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireMessage is the frame shape written to every connected client: one of
// AppServerEvent or TerminalOutput, tagged so the client can dispatch.
type wireMessage struct {
	Kind  string      `json:"kind"` // "app-server-event" | "terminal-output"
	Event interface{} `json:"event"`
}

// client is one connected websocket subscriber.
type client struct {
	conn *websocket.Conn
	send chan wireMessage

	writeMu sync.Mutex
}

func (c *client) enqueue(msg wireMessage) {
	select {
	case c.send <- msg:
	default:
		// Slow consumer: drop rather than block the hub's broadcast.
	}
}

func (c *client) writeLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteJSON(msg)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Hub fans every emitted event out to all currently connected clients. It
// implements enginehost.EventSink.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

func (h *Hub) broadcast(msg wireMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(msg)
	}
}

// EmitAppServerEvent implements enginehost.EventSink.
func (h *Hub) EmitAppServerEvent(ev enginehost.AppServerEvent) {
	h.broadcast(wireMessage{Kind: "app-server-event", Event: ev})
}

// EmitTerminalOutput implements enginehost.EventSink.
func (h *Hub) EmitTerminalOutput(ev enginehost.TerminalOutput) {
	h.broadcast(wireMessage{Kind: "terminal-output", Event: ev})
}

// serveWS upgrades the request and registers the connection as a client
// until it disconnects or the server shuts down.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &client{conn: conn, send: make(chan wireMessage, sendBuffer)}
	h.add(c)
	defer h.remove(c)

	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	c.writeLoop(done)
}

// TerminalBroker is the subset of ptybroker.Broker the HTTP control
// surface needs; declared locally so wsbridge depends on behavior, not
// ptybroker's concrete type, even though ptybroker.Broker is the only
// production implementation.
type TerminalBroker interface {
	Open(key ptybroker.Key, cols, rows int) error
	Write(key ptybroker.Key, data string) error
	Resize(key ptybroker.Key, cols, rows int) error
	Close(key ptybroker.Key) error
}

// EngineDispatcher is the subset of daemon.Dispatcher the HTTP control
// surface needs; declared locally for the same reason TerminalBroker is,
// even though daemon.Dispatcher is the only production implementation.
type EngineDispatcher interface {
	SendMessage(ctx context.Context, workspace enginehost.WorkspaceID, workspaceDir string, workspaceEngine enginehost.EngineType, params enginehost.SendMessageParams) (enginehost.TurnID, error)
	Interrupt(workspace enginehost.WorkspaceID, workspaceEngine enginehost.EngineType) (enginehost.TurnID, bool)
	DetectEngines(ctx context.Context) map[enginehost.EngineType]enginehost.EngineStatus
	SetActiveEngine(engine enginehost.EngineType) error
	ActiveEngine() enginehost.EngineType
}

// Server is the daemon's HTTP/websocket control surface: event streaming
// plus PTY terminal control, routed with go-chi and wrapped in go-chi/cors.
type Server struct {
	router   *chi.Mux
	hub      *Hub
	terminal TerminalBroker
	engines  EngineDispatcher
}

// Config configures the HTTP surface. AllowedOrigins defaults to "*" when
// empty, matching the example pack's permissive local-tool CORS policy.
type Config struct {
	AllowedOrigins []string
}

// NewServer wires routes for event streaming, terminal control, and engine
// dispatch.
func NewServer(cfg Config, hub *Hub, terminal TerminalBroker, engines EngineDispatcher) *Server {
	s := &Server{router: chi.NewRouter(), hub: hub, terminal: terminal, engines: engines}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
	}))

	s.setupRoutes()
	return s
}

// Handler returns the http.Handler to mount on a listener.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Get("/events", s.hub.serveWS)

	s.router.Route("/workspaces/{workspaceID}/terminals/{terminalID}", func(r chi.Router) {
		r.Post("/open", s.openTerminal)
		r.Post("/write", s.writeTerminal)
		r.Post("/resize", s.resizeTerminal)
		r.Delete("/", s.closeTerminal)
	})

	s.router.Route("/workspaces/{workspaceID}", func(r chi.Router) {
		r.Post("/send_message", s.sendMessage)
		r.Post("/interrupt", s.interrupt)
	})

	s.router.Get("/engines/detect", s.detectEngines)
	s.router.Post("/engines/active", s.setActiveEngine)
}

func (s *Server) terminalKey(r *http.Request) ptybroker.Key {
	return ptybroker.Key{
		Workspace:  enginehost.WorkspaceID(chi.URLParam(r, "workspaceID")),
		TerminalID: chi.URLParam(r, "terminalID"),
	}
}

type openResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) openTerminal(w http.ResponseWriter, r *http.Request) {
	var body openResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.terminal.Open(s.terminalKey(r), body.Cols, body.Rows); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type writeRequest struct {
	Data string `json:"data"`
}

func (s *Server) writeTerminal(w http.ResponseWriter, r *http.Request) {
	var body writeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.terminal.Write(s.terminalKey(r), body.Data); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resizeTerminal(w http.ResponseWriter, r *http.Request) {
	var body openResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.terminal.Resize(s.terminalKey(r), body.Cols, body.Rows); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeTerminal(w http.ResponseWriter, r *http.Request) {
	if err := s.terminal.Close(s.terminalKey(r)); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sendMessageRequest is the HTTP body for POST .../send_message:
// enginehost.SendMessageParams plus the two fields that only the HTTP
// caller (not the engine) knows — the workspace's filesystem directory
// and its configured default engine.
type sendMessageRequest struct {
	enginehost.SendMessageParams
	WorkspaceDir   string              `json:"workspace_dir"`
	WorkspaceEngine enginehost.EngineType `json:"workspace_engine,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	workspace := enginehost.WorkspaceID(chi.URLParam(r, "workspaceID"))

	turn, err := s.engines.SendMessage(r.Context(), workspace, body.WorkspaceDir, body.WorkspaceEngine, body.SendMessageParams)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"turn_id": string(turn), "status": "started"})
}

type interruptRequest struct {
	WorkspaceEngine enginehost.EngineType `json:"workspace_engine,omitempty"`
}

func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	var body interruptRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	workspace := enginehost.WorkspaceID(chi.URLParam(r, "workspaceID"))

	turn, found := s.engines.Interrupt(workspace, body.WorkspaceEngine)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"turn_id": string(turn), "interrupted": found})
}

func (s *Server) detectEngines(w http.ResponseWriter, r *http.Request) {
	statuses := s.engines.DetectEngines(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statuses)
}

type setActiveEngineRequest struct {
	Engine enginehost.EngineType `json:"engine"`
}

func (s *Server) setActiveEngine(w http.ResponseWriter, r *http.Request) {
	var body setActiveEngineRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engines.SetActiveEngine(body.Engine); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
