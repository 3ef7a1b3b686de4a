// Package monitor exposes the controller's live state over HTTP and
// WebSocket: latest samples and health for polling clients, a push feed
// for dashboards, the command history, and Prometheus metrics.
package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldrig/internal/history"
	"fieldrig/internal/model"
	"fieldrig/internal/reliable"
	"fieldrig/internal/util"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

const defaultHistoryN = 50

// Config wires the server to its data sources. Latest feeds /api/latest,
// Recent feeds /api/history, Gatherer feeds /metrics. Nil sources disable
// their route.
type Config struct {
	Addr     string
	Latest   func() any
	Recent   func(n int) ([]history.Entry, error)
	Gatherer prometheus.Gatherer
}

type sampleFrame struct {
	Type   string    `json:"type"`
	Stream string    `json:"stream"`
	Value  float64   `json:"value"`
	Seq    uint32    `json:"seq"`
	Ts     time.Time `json:"ts"`
}

type healthFrame struct {
	Type  string `json:"type"`
	Node  string `json:"node"`
	State string `json:"state"`
}

// Server pushes telemetry to websocket clients and answers REST polls.
type Server struct {
	cfg Config

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	ln     net.Listener
	server *http.Server
}

// NewServer builds the server; Start binds the address.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg, clients: map[*websocket.Conn]bool{}}
}

// Start binds the configured address and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/ws", s.handleWS)
	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "monitor listen %s", s.cfg.Addr)
	}
	s.ln = ln
	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.Error("monitor server: %v", err)
		}
	}()
	util.Info("monitor listening on http://%s", ln.Addr())
	return nil
}

// Addr returns the bound address, useful when configured with port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Stop closes websocket clients and shuts the HTTP server down gracefully.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	// Hijacked websocket conns outlive Shutdown, so close them first.
	s.mu.Lock()
	for c := range s.clients {
		_ = c.Close()
	}
	s.clients = map[*websocket.Conn]bool{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		util.Warn("monitor shutdown: %v", err)
		_ = s.server.Close()
	}
}

// PublishSample pushes one decoded sample to every websocket client.
func (s *Server) PublishSample(stream string, sm model.Sample) {
	ts := sm.At
	if ts.IsZero() {
		ts = time.Now()
	}
	s.broadcast(sampleFrame{Type: "sample", Stream: stream, Value: sm.Value, Seq: sm.Seq, Ts: ts})
}

// PublishHealth pushes a node health transition to every websocket client.
func (s *Server) PublishHealth(node string, state reliable.State) {
	s.broadcast(healthFrame{Type: "health", Node: node, State: state.String()})
}

// ClientCount reports connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		util.Error("monitor encode frame: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			delete(s.clients, c)
			_ = c.Close()
		}
	}
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Latest == nil {
		http.Error(w, "no live state source", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cfg.Latest()); err != nil {
		util.Warn("monitor write latest: %v", err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recent == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	n := defaultHistoryN
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	entries, err := s.cfg.Recent(n)
	if err != nil {
		http.Error(w, "history read failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		util.Warn("monitor write history: %v", err)
	}
}

// handleWS upgrades the connection and registers the client for broadcasts.
// A per-client reader drains control frames and unregisters on error.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
