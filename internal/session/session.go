// Package session implements the per-connection coroutine: handshake
// relay, command loop, policy dispatch, and response streaming. Each
// Session is pinned to its own goroutine; the only members touched from
// outside it are Close and State, which use atomics, so no
// session-internal mutex is required.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/sqlguard/sqlguard/internal/classifier"
	"github.com/sqlguard/sqlguard/internal/detect"
	"github.com/sqlguard/sqlguard/internal/handshake"
	"github.com/sqlguard/sqlguard/internal/policy"
	"github.com/sqlguard/sqlguard/internal/wire"
	"github.com/sqlguard/sqlguard/internal/wireerr"
)

// State is one of the session lifecycle states.
type State int

const (
	Handshaking State = iota
	Ready
	ProcessingQuery
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "Handshaking"
	case Ready:
		return "Ready"
	case ProcessingQuery:
		return "ProcessingQuery"
	case Closing:
		return "Closing"
	default:
		return "Closed"
	}
}

// Context is the read-only (after handshake) per-session context.
type Context struct {
	SessionID     uint64
	ClientIP      string
	ClientPort    int
	DBUser        string
	InitialDBName string
	ConnectedAt   time.Time
	HandshakeDone bool
}

// StatsSink receives the lock-free counter increments a session produces.
// Implemented by internal/metrics; kept as a narrow interface here so the
// session package does not import the metrics registry directly.
type StatsSink interface {
	IncConnections()
	IncQueries()
	IncBlockedQueries()
	DecActiveSessions()
	IncActiveSessions()
	RecordBlockReason(matchedRule string)
	RecordInjectionHit()
	RecordSessionDuration(d time.Duration)
}

// nextSessionID is a process-wide monotonic counter; ids are unique for
// the life of the process.
var nextSessionID uint64

// NextSessionID returns the next process-unique session id.
func NextSessionID() uint64 {
	return atomic.AddUint64(&nextSessionID, 1)
}

// Deps bundles the collaborators a Session needs, all owned elsewhere.
type Deps struct {
	Engine      *policy.Engine
	Injection   *detect.InjectionDetector
	Stats       StatsSink
	Logger      *slog.Logger
	IdleTimeout time.Duration // 0 disables idle enforcement
}

// Session is one client<->upstream connection pair.
type Session struct {
	client net.Conn
	server net.Conn
	deps   Deps
	ctx    Context
	state  atomic.Int32
	closed atomic.Bool
}

// New constructs a Session. client and server must already be connected;
// the handshake has not yet run.
func New(client, server net.Conn, sessionID uint64, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Session{
		client: client,
		server: server,
		deps:   deps,
		ctx: Context{
			SessionID:   sessionID,
			ConnectedAt: time.Now(),
		},
	}
	s.setState(Handshaking)
	if host, portStr, err := net.SplitHostPort(client.RemoteAddr().String()); err == nil {
		s.ctx.ClientIP = host
		fmt.Sscanf(portStr, "%d", &s.ctx.ClientPort)
	}
	return s
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ID returns the session's process-unique id, stable for the session's
// lifetime, used by proxyserver to key its session registry.
func (s *Session) ID() uint64 { return s.ctx.SessionID }

// Close requests the session to stop. Safe to call from another goroutine;
// idempotent. It closes both sockets, waking any pending I/O with an error,
// which is how Run's blocking reads observe cancellation.
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.setState(Closing)
		s.client.Close()
		s.server.Close()
	}
}

// Run executes the session to completion: handshake, then the command
// loop, until the client disconnects, sends COM_QUIT, or a fatal error
// occurs. It always returns after releasing the active-session count.
func (s *Session) Run(ctx context.Context) error {
	if s.deps.Stats != nil {
		s.deps.Stats.IncConnections()
		s.deps.Stats.IncActiveSessions()
		defer s.deps.Stats.DecActiveSessions()
		defer func() {
			s.deps.Stats.RecordSessionDuration(time.Since(s.ctx.ConnectedAt))
		}()
	}
	defer s.Close()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stopWatch:
		}
	}()

	hsResult, err := handshake.Relay(s.client, s.server)
	if err != nil {
		s.deps.Logger.Warn("session: handshake failed", "session_id", s.ctx.SessionID, "error", err)
		return err
	}
	if !hsResult.Allowed {
		s.deps.Logger.Info("session: upstream denied handshake", "session_id", s.ctx.SessionID, "user", hsResult.Fields.Username)
		return nil
	}

	s.ctx.DBUser = hsResult.Fields.Username
	s.ctx.InitialDBName = hsResult.Fields.InitialDB
	s.ctx.HandshakeDone = true
	s.setState(Ready)
	s.deps.Logger.Info("session: connected", "session_id", s.ctx.SessionID, "user", s.ctx.DBUser, "client_ip", s.ctx.ClientIP)

	err = s.commandLoop(ctx)
	s.setState(Closed)
	s.deps.Logger.Info("session: closed", "session_id", s.ctx.SessionID)
	return err
}

func (s *Session) commandLoop(ctx context.Context) error {
	for {
		if s.deps.IdleTimeout > 0 {
			s.client.SetReadDeadline(time.Now().Add(s.deps.IdleTimeout))
		}

		req, err := readPacket(s.client)
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return err
		}
		s.client.SetReadDeadline(time.Time{})

		s.setState(ProcessingQuery)
		classified := wire.ClassifyCommand(req.Payload)

		switch classified.Command {
		case wire.ComQuit:
			writePacket(s.server, req)
			return nil

		case wire.ComQuery:
			if err := s.handleQuery(req, classified.Query); err != nil {
				return err
			}

		case wire.ComStmtPrepare, wire.ComStmtExecute, wire.ComStmtReset:
			s.deps.Logger.Info("session: rejecting prepared-statement command",
				"session_id", s.ctx.SessionID, "command", fmt.Sprintf("0x%02x", byte(classified.Command)),
				"error", wireerr.ErrUnsupportedCommand)
			errPkt := wire.MakeError(1235, "HY000", "Prepared statements are not supported by proxy policy enforcement", req.SeqID+1)
			if err := writePacket(s.client, errPkt); err != nil {
				return err
			}

		default:
			// ComPing, ComInitDB, ComFieldList, and anything else unrecognized:
			// forward verbatim and stream the response.
			if err := s.forwardAndStream(req, classified.Command); err != nil {
				return err
			}
		}

		s.setState(Ready)
	}
}

func (s *Session) handleQuery(req wire.Packet, sql string) error {
	start := time.Now()
	pq, perr := classifier.Classify(sql)

	var result policy.Result
	var procInfo detect.ProcedureInfo

	if perr != nil {
		result = s.deps.Engine.EvaluateError(perr)
	} else {
		injResult := s.deps.Injection.Check(sql)
		procInfo = detect.Inspect(pq)
		if injResult.Detected {
			s.deps.Logger.Warn("session: injection pattern matched", "session_id", s.ctx.SessionID,
				"source", injResult.Source, "reason", injResult.Reason)
			if s.deps.Stats != nil {
				s.deps.Stats.RecordInjectionHit()
			}
		}

		result = s.deps.Engine.Evaluate(policy.Query{
			Parsed:    pq,
			Injection: injResult,
			Procedure: procInfo,
		}, policy.SessionContext{
			User:     s.ctx.DBUser,
			ClientIP: s.ctx.ClientIP,
			Now:      time.Now(),
		})
	}

	if result.Action == policy.Block {
		errPkt := wire.MakeError(1045, "HY000", "Access denied by policy", req.SeqID+1)
		if err := writePacket(s.client, errPkt); err != nil {
			return err
		}
		if s.deps.Stats != nil {
			s.deps.Stats.IncQueries()
			s.deps.Stats.IncBlockedQueries()
			s.deps.Stats.RecordBlockReason(result.MatchedRule)
		}
		s.deps.Logger.Info("session: query blocked", "session_id", s.ctx.SessionID,
			"rule", result.MatchedRule, "reason", result.Reason, "duration", time.Since(start))
		return nil
	}

	if err := writePacket(s.server, req); err != nil {
		return err
	}
	if err := streamResponse(s.client, s.server, wire.ComQuery, req.SeqID, s.deps.Logger); err != nil {
		return err
	}

	if s.deps.Stats != nil {
		s.deps.Stats.IncQueries()
	}
	if result.Action == policy.Log {
		s.deps.Logger.Warn("session: query forwarded with audit note", "session_id", s.ctx.SessionID,
			"rule", result.MatchedRule, "reason", result.Reason, "duration", time.Since(start))
	} else {
		s.deps.Logger.Info("session: query allowed", "session_id", s.ctx.SessionID,
			"rule", result.MatchedRule, "duration", time.Since(start))
	}
	return nil
}

func (s *Session) forwardAndStream(req wire.Packet, cmd wire.Command) error {
	if err := writePacket(s.server, req); err != nil {
		return err
	}
	return streamResponse(s.client, s.server, cmd, req.SeqID, s.deps.Logger)
}
