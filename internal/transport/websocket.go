package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"pitchtoy/internal/engine"
	"pitchtoy/internal/health"
	"pitchtoy/internal/log"
	"pitchtoy/internal/observe"
)

const (
	broadcastQueue = 256
	writeTimeout   = time.Second
	shutdownGrace  = 2 * time.Second
	// maxControlSize bounds a remote control frame. Control envelopes are
	// a few hundred bytes.
	maxControlSize = 64 << 10
)

// ServerConfig wires the HTTP server. Health and Metrics may be nil.
type ServerConfig struct {
	Addr    string
	Engine  Submitter
	Health  *health.Handler
	Metrics http.Handler
	Observe *observe.Metrics
}

// WebSocketServer serves the live feed at /ws along with the probes and
// /metrics. Frames passed to Send are broadcast as JSON to every client.
// Binary messages from clients are serialized control envelopes and are
// queued on the engine as RemoteControl actions.
type WebSocketServer struct {
	cfg      ServerConfig
	log      log.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}
	broadcast chan Frame
	closeOnce sync.Once
	done      chan struct{}
}

func NewWebSocketServer(cfg ServerConfig) *WebSocketServer {
	if cfg.Observe == nil {
		cfg.Observe = observe.Noop()
	}
	s := &WebSocketServer{
		cfg: cfg,
		log: log.Component("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed is a local tool; any page on the machine may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux:       http.NewServeMux(),
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Frame, broadcastQueue),
		done:      make(chan struct{}),
	}
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	if cfg.Health != nil {
		cfg.Health.Register(s.mux)
	}
	if cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", cfg.Metrics)
	}
	return s
}

// Handler returns the routes, for tests and embedding.
func (s *WebSocketServer) Handler() http.Handler { return s.mux }

// Run listens on the configured address until ctx is cancelled.
func (s *WebSocketServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and broadcasts queued frames until ctx
// is cancelled. It closes ln.
func (s *WebSocketServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Infof("listening on %s", ln.Addr())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.broadcastLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.closeClients()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade: %v", err)
		return
	}
	conn.SetReadLimit(maxControlSize)

	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.cfg.Observe.ClientConnected()
	s.log.Infof("client %s connected, total %d", conn.RemoteAddr(), n)

	go s.readLoop(conn)
}

// readLoop forwards binary control frames until the client goes away.
func (s *WebSocketServer) readLoop(conn *websocket.Conn) {
	defer s.drop(conn)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || s.cfg.Engine == nil {
			continue
		}
		if err := s.cfg.Engine.Submit(engine.RemoteControl{Data: data}); err != nil {
			s.log.Warnf("remote control from %s: %v", conn.RemoteAddr(), err)
		}
	}
}

func (s *WebSocketServer) drop(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	n := len(s.clients)
	s.clientsMu.Unlock()
	conn.Close()
	if ok {
		s.cfg.Observe.ClientDisconnected()
		s.log.Infof("client %s disconnected, total %d", conn.RemoteAddr(), n)
	}
}

func (s *WebSocketServer) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case f := <-s.broadcast:
			s.clientsMu.Lock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for c := range s.clients {
				conns = append(conns, c)
			}
			s.clientsMu.Unlock()

			for _, c := range conns {
				c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.WriteJSON(f); err != nil {
					s.log.Warnf("sending to %s: %v", c.RemoteAddr(), err)
					s.drop(c)
				}
			}
		}
	}
}

func (s *WebSocketServer) closeClients() {
	s.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.clientsMu.Unlock()
	for _, c := range conns {
		s.drop(c)
	}
}

// Clients returns the number of connected clients.
func (s *WebSocketServer) Clients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Send queues f for broadcast. Frames are dropped while the queue is full.
func (s *WebSocketServer) Send(f Frame) error {
	select {
	case s.broadcast <- f:
	default:
	}
	return nil
}

// Close stops broadcasting and disconnects every client. The listener is
// closed when the context given to Serve is cancelled.
func (s *WebSocketServer) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.closeClients()
	return nil
}

var _ Transport = (*WebSocketServer)(nil)
