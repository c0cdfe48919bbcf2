package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/XiaoCRQ/Competitive-Remote/client/internal/eventbus"
)

// Server serves Requests on a Unix socket.
type Server struct {
	path     string
	provider StateProvider
	bus      *eventbus.Bus
	logger   *slog.Logger

	ln      net.Listener
	mu      sync.Mutex
	clients map[net.Conn]struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewServer(socketPath string, provider StateProvider, bus *eventbus.Bus, logger *slog.Logger) *Server {
	return &Server{
		path:     socketPath,
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "ipc"),
		clients:  make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Start listens on the socket and serves in the background.
func (s *Server) Start() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	_ = os.Chmod(s.path, 0o600)
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("ipc listening", "path", s.path)
	return nil
}

// Close stops accepting, disconnects every client and removes the socket.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.ln != nil {
			err = s.ln.Close()
		}
		s.mu.Lock()
		for c := range s.clients {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		_ = os.Remove(s.path)
	})
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	w := &lineWriter{conn: conn}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = w.write(Response{Type: TypeError, Data: marshalRaw(errorBody{"invalid request"})})
			continue
		}
		s.handle(w, req)
	}
}

func (s *Server) handle(w *lineWriter, req Request) {
	switch req.Method {
	case MethodStatus:
		_ = w.write(Response{ID: req.ID, Type: TypeResult, Data: marshalRaw(s.provider.Status())})
	case MethodDeliveries:
		res := DeliveriesResult{Deliveries: s.provider.Deliveries()}
		_ = w.write(Response{ID: req.ID, Type: TypeResult, Data: marshalRaw(res)})
	case MethodSubscribe:
		var p SubscribeParams
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &p)
		}
		// Streaming runs beside the read loop so the client can keep calling.
		s.wg.Add(1)
		go s.stream(w, req.ID, p)
	default:
		_ = w.write(Response{ID: req.ID, Type: TypeError, Data: marshalRaw(errorBody{"unknown method: " + req.Method})})
	}
}

func (s *Server) stream(w *lineWriter, id string, p SubscribeParams) {
	defer s.wg.Done()
	ch := s.bus.Subscribe(p.Events...)
	defer s.bus.Unsubscribe(ch)

	if err := w.write(Response{ID: id, Type: TypeResult, Data: marshalRaw(map[string]string{"status": "subscribed"})}); err != nil {
		return
	}
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			ev := Event{Type: evt.Type, Timestamp: evt.Timestamp, Data: evt.Data}
			if err := w.write(Response{Type: TypeEvent, Data: marshalRaw(ev)}); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Debug("subscriber write failed", "error", err)
				}
				return
			}
		case <-s.done:
			return
		}
	}
}

// lineWriter serialises writes from the request loop and a subscription.
type lineWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *lineWriter) write(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(append(data, '\n'))
	return err
}
