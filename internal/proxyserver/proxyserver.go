// Package proxyserver owns the accept loop, the session registry, and
// admission control for sqlguard, generalized from the upstream proxy
// server's listener/acceptLoop/handleConnection/Stop structure down to a
// single upstream and a single wire protocol.
package proxyserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sqlguard/sqlguard/internal/detect"
	"github.com/sqlguard/sqlguard/internal/health"
	"github.com/sqlguard/sqlguard/internal/policy"
	"github.com/sqlguard/sqlguard/internal/session"
	"github.com/sqlguard/sqlguard/internal/wire"
)

// Config bundles everything Server needs to construct and run.
type Config struct {
	UpstreamAddr      string
	MaxConnections    int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
	Engine            *policy.Engine
	Injection         *detect.InjectionDetector
	Stats             session.StatsSink
	Health            *health.Checker
	Logger            *slog.Logger
}

// Server accepts MySQL client connections, dials the upstream, and runs one
// session.Session per connection.
type Server struct {
	cfg      Config
	listener net.Listener

	mu       sync.Mutex
	sessions map[uint64]*session.Session

	stopping atomic.Bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer constructs a Server. Call Listen to start accepting.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		sessions: make(map[uint64]*session.Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen starts the TCP listener and the accept loop.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.cfg.Logger.Info("proxyserver: listening", "addr", addr, "upstream", s.cfg.UpstreamAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.cfg.Logger.Warn("proxyserver: accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection applies admission control, dials upstream, and runs the
// session to completion.
func (s *Server) handleConnection(conn net.Conn) {
	if s.admissionFull() {
		s.cfg.Logger.Warn("proxyserver: admission control rejecting connection, at max_connections")
		conn.Close()
		return
	}

	upstream, err := net.DialTimeout("tcp", s.cfg.UpstreamAddr, s.connectTimeout())
	if err != nil {
		s.cfg.Logger.Warn("proxyserver: upstream connect failed", "upstream", s.cfg.UpstreamAddr, "error", err)
		errPkt := wire.MakeError(2003, "HY000", fmt.Sprintf("Can't connect to MySQL server: %s", err), 0)
		conn.Write(wire.Serialize(errPkt))
		conn.Close()
		return
	}

	sess := session.New(conn, upstream, session.NextSessionID(), session.Deps{
		Engine:      s.cfg.Engine,
		Injection:   s.cfg.Injection,
		Stats:       s.cfg.Stats,
		Logger:      s.cfg.Logger,
		IdleTimeout: s.cfg.IdleTimeout,
	})

	s.register(sess)
	defer s.unregister(sess)

	if err := sess.Run(s.ctx); err != nil {
		s.cfg.Logger.Warn("proxyserver: session ended with error", "error", err)
	}
}

func (s *Server) connectTimeout() time.Duration {
	if s.cfg.ConnectionTimeout > 0 {
		return s.cfg.ConnectionTimeout
	}
	return 5 * time.Second
}

// admissionFull reports whether the registry is at max_connections, flipping
// the health-check signal unhealthy the moment it is.
func (s *Server) admissionFull() bool {
	s.mu.Lock()
	full := s.cfg.MaxConnections > 0 && len(s.sessions) >= s.cfg.MaxConnections
	s.mu.Unlock()

	if s.cfg.Health != nil {
		s.cfg.Health.SetAdmissionHealthy(!full)
	}
	return full
}

func (s *Server) register(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
}

func (s *Server) unregister(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	below := s.cfg.MaxConnections <= 0 || len(s.sessions) < s.cfg.MaxConnections
	s.mu.Unlock()

	if below && s.cfg.Health != nil {
		s.cfg.Health.SetAdmissionHealthy(true)
	}
}

// ActiveSessions returns the current registry size.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop is idempotent: it stops the acceptor, flips health unhealthy,
// requests every live session to close, and waits for the registry to
// drain before returning.
func (s *Server) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cfg.Health != nil {
		s.cfg.Health.SetAdmissionHealthy(false)
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.cfg.Logger.Info("proxyserver: stopped")
}
