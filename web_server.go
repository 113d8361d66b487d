package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
)

// CommandType names a control request of the web API.
type CommandType string

const (
	CommandNone   CommandType = "none"
	CommandPause  CommandType = "pause"
	CommandResume CommandType = "resume"
	CommandStop   CommandType = "stop"
)

// ControlCommand is a queued control request.
type ControlCommand struct {
	Type CommandType
}

// WebServer provides HTTP endpoints for observation and control, plus the slot trace
// websocket.
type WebServer struct {
	mu          sync.RWMutex
	latestStats *Snapshot
	commands    chan ControlCommand
	hub         *wsHub
	server      *http.Server
	log         *logging.Logger
}

// NewWebServer creates a new web server instance.
func NewWebServer(addr string, log *logging.Logger) *WebServer {
	if log == nil {
		log = logging.Discard()
	}
	ws := &WebServer{
		commands: make(chan ControlCommand, 10),
		log:      log.Named("web"),
	}
	ws.hub = newHub(ws.log)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/control", ws.handleControl)
	mux.HandleFunc("/api/presets", ws.handlePresets)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { ws.hub.handle(ws, w, r) })

	ws.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Serve runs the HTTP server and the websocket hub until ctx ends.
func (ws *WebServer) Serve(ctx context.Context) error {
	go ws.hub.run(ctx)
	errCh := make(chan error, 1)
	go func() {
		ws.log.Infof("web API listening on %s", ws.server.Addr)
		errCh <- ws.server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	}
}

// UpdateStats replaces the snapshot served by /api/stats.
func (ws *WebServer) UpdateStats(s *Snapshot) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.latestStats = s
}

// Commands delivers accepted control requests.
func (ws *WebServer) Commands() <-chan ControlCommand { return ws.commands }

// NextCommand returns the next control command if available, non-blocking.
func (ws *WebServer) NextCommand() (ControlCommand, bool) {
	select {
	case cmd := <-ws.commands:
		return cmd, true
	default:
		return ControlCommand{Type: CommandNone}, false
	}
}

// TracePlugin installs the slot trace broadcaster: one summary per cell every `every` slots.
func (ws *WebServer) TracePlugin(every int) hooks.GlobalPluginFactory {
	return func(broker *hooks.PluginBroker) error {
		broker.RegisterAfterSlot(ws.hub.traceHook(every))
		return nil
	}
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws.mu.RLock()
	stats := ws.latestStats
	ws.mu.RUnlock()

	if stats == nil {
		http.Error(w, "No stats available", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		http.Error(w, "Failed to encode stats", http.StatusInternalServerError)
	}
}

func (ws *WebServer) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(GetPredefinedConfigs()); err != nil {
		http.Error(w, "Failed to encode presets", http.StatusInternalServerError)
	}
}

type controlRequest struct {
	Type string `json:"type"`
}

func (ws *WebServer) processControlRequest(req *controlRequest) (*ControlCommand, error) {
	switch CommandType(req.Type) {
	case CommandPause, CommandResume, CommandStop:
		return &ControlCommand{Type: CommandType(req.Type)}, nil
	}
	return nil, &validationError{msg: "Invalid command type"}
}

func (ws *WebServer) queueCommand(cmd ControlCommand) bool {
	select {
	case ws.commands <- cmd:
		return true
	default:
		return false
	}
}

func (ws *WebServer) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cmd, err := ws.processControlRequest(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ws.queueCommand(*cmd) {
		ws.log.Debugf("Command queue full, cannot accept %s", cmd.Type)
		http.Error(w, "Command queue full", http.StatusServiceUnavailable)
		return
	}

	ws.log.Debugf("Command queued: %s", cmd.Type)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Command accepted"))
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
