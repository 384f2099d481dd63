// Package control implements the length-prefixed JSON control socket
// exposed over a Unix-domain stream listener. Framing is
// modeled on the same accept-loop-per-connection shape internal/proxyserver
// uses for the MySQL listener, generalized to one 4-byte-length-prefixed
// JSON request and response per connection instead of the wire codec.
package control

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sqlguard/sqlguard/internal/metrics"
)

func defaultCapturedAt() time.Time { return time.Now() }

// maxFrameLen is the maximum inbound request frame.
const maxFrameLen = 4 * 1024 * 1024

type request struct {
	Command string `json:"command"`
	Version int    `json:"version"`
}

type okResponse struct {
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
}

type errResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Code    int    `json:"code,omitempty"`
	Command string `json:"command,omitempty"`
}

// Server is the Unix-domain control socket server.
type Server struct {
	socketPath string
	stats      *metrics.Collector
	logger     *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer constructs a control socket server bound to the given stats
// collector; call Start to begin listening.
func NewServer(socketPath string, stats *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{socketPath: socketPath, stats: stats, logger: logger, ctx: ctx, cancel: cancel}
}

// Start removes any stale socket file, listens, and begins accepting
// connections in the background.
func (s *Server) Start() error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on control socket %s: %w", s.socketPath, err)
	}
	s.listener = ln
	s.logger.Info("control: listening", "path", s.socketPath)

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
				s.logger.Warn("control: accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves exactly one request per connection; the client closes
// after reading the response, matching the health probe's one-shot style.
func (s *Server) handleConn(conn net.Conn) {
	body, err := readFrame(conn)
	if err != nil {
		s.logger.Warn("control: reading request frame", "error", err)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeFrame(conn, errResponse{OK: false, Error: "malformed request: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	if err := writeFrame(conn, resp); err != nil {
		s.logger.Warn("control: writing response frame", "error", err)
	}
}

func (s *Server) dispatch(req request) interface{} {
	switch req.Command {
	case "stats":
		snap := s.stats.Snapshot(capturedAt())
		return okResponse{OK: true, Payload: snap}
	case "sessions", "policy_reload":
		return errResponse{OK: false, Error: "not implemented", Code: 501, Command: req.Command}
	default:
		return errResponse{OK: false, Error: fmt.Sprintf("unknown command '%s'", req.Command)}
	}
}

// capturedAt is a seam so tests can stamp deterministic snapshot times; it
// resolves to wall-clock time in production.
var capturedAt = defaultCapturedAt

func readFrame(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	if n > maxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", n, maxFrameLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(conn net.Conn, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(body)))
	if _, err := conn.Write(lenBuf); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}
