package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/rigctl/internal/device"
	"github.com/shaunagostinho/rigctl/internal/event"
	"github.com/shaunagostinho/rigctl/internal/record"
	"github.com/shaunagostinho/rigctl/internal/session"
)

// Server exposes the session controller over HTTP and broadcasts live
// session activity to WebSocket clients. It implements session.Observer.
type Server struct {
	cfg      *Config
	ctl      *session.Controller
	registry *session.Registry
	webFS    fs.FS

	listPorts func() ([]device.PortInfo, error)

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame types.
const (
	FrameStatus   = "status"
	FrameLine     = "line"
	FrameEvent    = "event"
	FrameFinished = "finished"
)

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Type   string            `json:"type"`
	Status *session.Snapshot `json:"status,omitempty"`
	Line   string            `json:"line,omitempty"`
	Event  *event.Event      `json:"event,omitempty"`
	Result *session.Result   `json:"result,omitempty"`
	Stamp  int64             `json:"stamp"` // Unix ms
}

// New creates a Server and registers it as an observer of ctl.
func New(cfg *Config, ctl *session.Controller, registry *session.Registry, webFS fs.FS) *Server {
	s := &Server{
		cfg:       cfg,
		ctl:       ctl,
		registry:  registry,
		webFS:     webFS,
		listPorts: device.ListPorts,
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	ctl.AddObserver(s)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	// Session API
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/profiles", s.handleProfiles)
	mux.HandleFunc("/api/profile", post(s.handleSelectProfile))
	mux.HandleFunc("/api/open", post(s.handleOpen))
	mux.HandleFunc("/api/close", post(s.simple(s.ctl.Close)))
	mux.HandleFunc("/api/start", post(s.handleStart))
	mux.HandleFunc("/api/stop", post(s.simple(s.ctl.Stop)))
	mux.HandleFunc("/api/trigger", post(s.simple(s.ctl.Trigger)))
	mux.HandleFunc("/api/reset", post(s.simple(s.ctl.Reset)))
	mux.HandleFunc("/api/abort", post(s.simple(func() error {
		s.ctl.Abort()
		return nil
	})))
	return mux
}

// Run starts the HTTP server, the status broadcast loop and the profile
// watcher.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	if path := s.cfg.SessionDefaults().ProfilesFile; path != "" {
		go s.watchProfiles(ctx, path)
	}

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send initial status
	if data, err := json.Marshal(s.statusFrame()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

type selectProfileRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	var req selectProfileRequest
	if !decode(w, r, &req) {
		return
	}
	p, ok := s.registry.Get(req.Name)
	if !ok {
		http.Error(w, "unknown profile "+req.Name, http.StatusNotFound)
		return
	}
	if err := s.ctl.SetProfile(p); err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(s.statusFrame())
	writeOK(w)
}

type openRequest struct {
	Port    string         `json:"port"`
	Profile string         `json:"profile,omitempty"`
	Params  map[string]int `json:"params,omitempty"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Profile != "" {
		p, ok := s.registry.Get(req.Profile)
		if !ok {
			http.Error(w, "unknown profile "+req.Profile, http.StatusNotFound)
			return
		}
		if err := s.ctl.SetProfile(p); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Port == "" {
		req.Port = s.cfg.DeviceSettings().PortPath
	}
	set, err := s.ctl.Profile().Bind(req.Params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctl.Open(r.Context(), req.Port, set); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var opts session.StartOptions
	if !decode(w, r, &opts) {
		return
	}
	if opts.Recipient == "" {
		opts.Recipient = s.cfg.SessionDefaults().Recipient
	}
	if err := s.ctl.Start(opts); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) simple(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	}
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", 405)
			return
		}
		h(w, r)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, err.Error(), 400)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// statusCode maps the controller's error taxonomy to HTTP.
func statusCode(err error) int {
	var (
		stateErr *session.StateError
		hsErr    *device.HandshakeTimeoutError
		openErr  *device.SerialOpenError
		pErr     *record.PersistError
	)
	switch {
	case errors.As(err, &stateErr), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, fs.ErrExist):
		return http.StatusConflict
	case errors.As(err, &hsErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &openErr):
		return http.StatusBadGateway
	case errors.As(err, &pErr):
		return http.StatusInternalServerError
	case errors.Is(err, session.ErrNoTrigger):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), map[string]string{"error": err.Error()})
}

// StateChanged sends a fresh status frame.
func (s *Server) StateChanged(from, to session.State) {
	s.broadcast(s.statusFrame())
}

func (s *Server) LineReceived(line string) {
	s.broadcast(Frame{Type: FrameLine, Line: line, Stamp: time.Now().UnixMilli()})
}

func (s *Server) LineDiscarded(line string, err error) {}

func (s *Server) EventDispatched(ev event.Event) {
	s.broadcast(Frame{Type: FrameEvent, Event: &ev, Stamp: time.Now().UnixMilli()})
}

func (s *Server) SessionFinished(res session.Result) {
	s.broadcast(Frame{Type: FrameFinished, Result: &res, Stamp: time.Now().UnixMilli()})
}

func (s *Server) statusFrame() Frame {
	snap := s.ctl.Snapshot()
	return Frame{Type: FrameStatus, Status: &snap, Stamp: time.Now().UnixMilli()}
}

// broadcastLoop sends status frames (counters, trial) at a fixed rate while
// any client is connected.
func (s *Server) broadcastLoop(ctx context.Context) {
	period := time.Duration(s.cfg.Server.BroadcastMs) * time.Millisecond
	if period <= 0 {
		period = 200 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.clientsMu.RLock()
			n := len(s.clients)
			s.clientsMu.RUnlock()
			if n > 0 {
				s.broadcast(s.statusFrame())
			}
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// watchProfiles reloads the profile registry when the profiles file
// changes. Reloads apply to the next session; a running session keeps the
// profile it started with.
func (s *Server) watchProfiles(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[profiles] watcher unavailable: %v", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than write them.
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Printf("[profiles] failed to watch %s: %v", path, err)
		return
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			debounce.Reset(100 * time.Millisecond)
		case <-debounce.C:
			s.reloadProfiles(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[profiles] watcher error: %v", err)
		}
	}
}

func (s *Server) reloadProfiles(path string) {
	if err := s.registry.Reload(path); err != nil {
		log.Printf("[profiles] reload %s failed, keeping current profiles: %v", path, err)
		return
	}
	log.Printf("[profiles] reloaded %s: %v", path, s.registry.Names())

	// Pick up the new version of the selected profile if no session is open.
	if p, ok := s.registry.Get(s.ctl.Profile().Name); ok && s.ctl.State() == session.Closed {
		if err := s.ctl.SetProfile(p); err != nil {
			log.Printf("[profiles] %v", err)
		}
	}
	s.broadcast(s.statusFrame())
}
