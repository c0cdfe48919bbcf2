// Package server implements the cr-relay WebSocket fan-out and its small HTTP
// API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/XiaoCRQ/Competitive-Remote/pkg/protocol"
)

// Options configures a Server. Zero values pick the defaults used by
// cr-relay's config package.
type Options struct {
	Path            string
	AllowedOrigins  []string
	MaxMessageBytes int64
	JobsRate        float64
	JobsBurst       int
	PingInterval    time.Duration
	PongWait        time.Duration
}

// Server relays every frame a client sends to all other connected clients.
type Server struct {
	opts     Options
	logger   *slog.Logger
	mux      *chi.Mux
	upgrader websocket.Upgrader
	jobsRL   *ipRateLimiter

	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	id     string
	remote string
	conn   *websocket.Conn

	mu   sync.Mutex // guards writes
	name string     // from hello
}

func (p *peer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// New builds a Server. Call Close to release its background work.
func New(opts Options, logger *slog.Logger) *Server {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 4 << 20
	}
	if opts.JobsRate <= 0 {
		opts.JobsRate = 2
	}
	if opts.JobsBurst <= 0 {
		opts.JobsBurst = 5
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = 2 * opts.PingInterval
	}

	s := &Server{
		opts:     opts,
		logger:   logger.With("component", "relay"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		jobsRL:   newIPRateLimiter(opts.JobsRate, opts.JobsBurst, 10*time.Minute),
		peers:    make(map[string]*peer),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(opts.AllowedOrigins))

	mux.Get("/healthz", s.handleHealthz)
	mux.With(ipRateLimitMiddleware(s.jobsRL)).Post("/api/jobs", s.handleSubmitJob)
	mux.Get(opts.Path, s.handleWS)

	s.mux = mux
	return s
}

// makeUpgrader accepts requests without an Origin header (the extension and
// CLI tools) and, when origins are listed, only those browser origins.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || originSet[origin]
		},
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Broadcast sends data to every client except the one with id except and
// returns how many writes succeeded. Clients that fail a write are dropped.
func (s *Server) Broadcast(data []byte, except string) int {
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.peers))
	for id, p := range s.peers {
		if id != except {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, p := range targets {
		if err := p.write(data); err != nil {
			s.logger.Warn("relay write failed, dropping client", "peer", p.id, "error", err)
			_ = p.conn.Close()
			continue
		}
		sent++
	}
	return sent
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("relay listening", "addr", ln.Addr().String(), "path", s.opts.Path)
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		s.Close()
		return nil
	})
	return g.Wait()
}

// Close disconnects every client and stops the rate limiter's sweeper.
func (s *Server) Close() {
	s.jobsRL.stop()

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	for _, p := range peers {
		p.mu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.mu.Unlock()
		_ = p.conn.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	p := &peer{id: uuid.NewString(), remote: r.RemoteAddr, conn: conn}
	conn.SetReadLimit(s.opts.MaxMessageBytes)
	stop := startKeepalive(conn, &p.mu, s.opts.PingInterval, s.opts.PongWait)
	defer stop()

	s.mu.Lock()
	s.peers[p.id] = p
	n := len(s.peers)
	s.mu.Unlock()
	s.logger.Info("client connected", "peer", p.id, "remote", p.remote, "clients", n)

	defer func() {
		s.mu.Lock()
		delete(s.peers, p.id)
		n := len(s.peers)
		s.mu.Unlock()
		s.logger.Info("client disconnected", "peer", p.id, "name", p.name, "clients", n)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("client read error", "peer", p.id, "error", err)
			return
		}
		s.handleFrame(p, msg)
	}
}

func (s *Server) handleFrame(p *peer, msg []byte) {
	f, err := protocol.Decode(msg)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "peer", p.id, "bytes", len(msg), "error", err)
		return
	}

	switch {
	case f.IsPing():
		data, _ := json.Marshal(protocol.Pong{Type: protocol.TypePong, T: f.T})
		if err := p.write(data); err != nil {
			s.logger.Debug("pong write failed", "peer", p.id, "error", err)
		}
	case f.IsPong():
		// Clients never probe each other.
	case f.Type == protocol.TypeHello:
		p.name = f.Client
		s.logger.Info("client hello", "peer", p.id, "name", f.Client)
	default:
		_, isJob := f.Job()
		n := s.Broadcast(msg, p.id)
		s.logger.Info("frame relayed", "peer", p.id, "job", isJob, "recipients", n)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.Clients(),
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxMessageBytes)
	var job protocol.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := json.Marshal(job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode job")
		return
	}
	n := s.Broadcast(data, "")
	s.logger.Info("job submitted over http", "remote", r.RemoteAddr, "url", job.URL, "recipients", n)
	writeJSON(w, http.StatusAccepted, map[string]int{"recipients": n})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
