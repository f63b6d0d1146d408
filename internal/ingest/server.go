package ingest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server accepts agent WebSocket connections on the control port and runs one
// Session per connection.
type Server struct {
	settings Settings
	deps     Deps
	log      zerolog.Logger
	upgrader websocket.Upgrader
	engine   *gin.Engine
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
	active   atomic.Int64
}

func NewServer(settings Settings, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		settings: settings,
		deps:     deps,
		log:      deps.Log.With().Str("component", "ingest").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 4 << 10,
			// Agents are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/", s.handleUpgrade)
	r.GET("/ws", s.handleUpgrade)
	s.engine = r
	return s
}

// Handler returns the HTTP handler that upgrades agent connections.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Info().Str("addr", l.Addr().String()).Msg("ingestion server listening")
	return srv.Serve(l)
}

func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// ActiveSessions reports the number of sessions currently running.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// Shutdown stops accepting connections, closes every session and waits for
// them to finish or for ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	srv := s.httpSrv
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("all sessions closed")
	case <-ctx.Done():
		s.log.Warn().Int("sessions", s.ActiveSessions()).Msg("shutdown grace expired")
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (s *Server) handleUpgrade(c *gin.Context) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		s.sessions.Done()
		s.log.Debug().Err(err).Str("remote", c.Request.RemoteAddr).Msg("upgrade failed")
		return
	}
	if s.settings.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.settings.MaxMessageBytes)
	}

	sess := NewSession(conn, s.settings, s.deps)
	s.active.Add(1)
	go func() {
		defer s.sessions.Done()
		defer s.active.Add(-1)
		sess.Run(s.ctx)
	}()
}
