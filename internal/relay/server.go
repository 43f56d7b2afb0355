// Package relay fans channel frames out between websocket peers. It keeps no
// coordinator state: every frame is forwarded as-is to the other peers on
// the same channel name.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/zsprackett/tabsync/internal/db"
	"github.com/zsprackett/tabsync/internal/events"
)

const (
	defaultSendBuffer = 64
	defaultEventLimit = 50
	maxEventLimit     = 500
	keepalive         = 30 * time.Second
)

type Config struct {
	Host string
	Port int
	// SendBuffer is the per-peer queue length. Frames beyond it are dropped.
	SendBuffer int
}

type Server struct {
	store   *db.DB
	cfg     Config
	logger  *slog.Logger
	metrics *metrics

	mu     sync.Mutex
	rooms  map[string]map[uint64]*peer
	nextID uint64

	clientsMu sync.Mutex
	clients   map[chan events.Event]struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New builds a relay. store may be nil, which disables the presence journal.
func New(store *db.DB, cfg Config, logger *slog.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(),
		rooms:   make(map[string]map[uint64]*peer),
		clients: make(map[chan events.Event]struct{}),
	}
}

// Broadcast implements events.Broadcaster.
func (s *Server) Broadcast(e events.Event) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Server) addClient(ch chan events.Event) {
	s.clientsMu.Lock()
	s.clients[ch] = struct{}{}
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(ch chan events.Event) {
	s.clientsMu.Lock()
	delete(s.clients, ch)
	s.clientsMu.Unlock()
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/channels/{name}", s.handleChannel)
	r.Get("/api/channels", s.handleChannels)
	r.Get("/api/channels/{name}/events", s.handleChannelEvents)
	r.Get("/events", s.handleSSE)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down and drops
// every connected peer.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("relay: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("relay: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.disconnectAll()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: shutdown: %w", err)
	}
	return nil
}

// disconnectAll closes every peer connection. Hijacked connections are not
// tracked by http.Server.Shutdown.
func (s *Server) disconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		for _, p := range room {
			p.conn.Close()
		}
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("relay: http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		http.Error(w, "channel name required", 400)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := s.join(name, conn)
	s.logger.Debug("relay: peer joined", "channel", name, "peer", p.id)
	go s.writeLoop(p)
	s.readLoop(p)
	s.leave(p)
	s.logger.Debug("relay: peer left", "channel", name, "peer", p.id)
}

type channelsResponse struct {
	Channels []ChannelInfo        `json:"channels"`
	Activity []db.ChannelActivity `json:"activity,omitempty"`
	// JournalModified is the last journal write, ms since epoch.
	JournalModified int64 `json:"journal_modified,omitempty"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	resp := channelsResponse{Channels: s.Channels()}
	if s.store != nil {
		activity, err := s.store.ChannelActivity()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		resp.Activity = activity
		resp.JournalModified = s.store.LastModified()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleChannelEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "presence journal disabled", 404)
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = min(n, maxEventLimit)
	}
	evts, err := s.store.PresenceEvents(chi.URLParam(r, "name"), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if evts == nil {
		evts = []db.PresenceEvent{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"events": evts})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", 500)
		return
	}

	ch := make(chan events.Event, 16)
	s.addClient(ch)
	defer s.removeClient(ch)

	writeSSE(w, flusher, events.Event{Type: events.TypeSnapshot, At: time.Now()})

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSE(w, flusher, e)
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, f http.Flusher, e events.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}
