package proxyserver

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sqlguard/sqlguard/internal/detect"
	"github.com/sqlguard/sqlguard/internal/policy"
	"github.com/sqlguard/sqlguard/internal/wire"
)

func permissiveConfig() *policy.Config {
	return &policy.Config{
		SQLRules: policy.SQLRules{BlockPatterns: []string{"UNUSED_PATTERN_XYZ"}},
		AccessControl: []policy.AccessRule{
			{User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"*"}},
		},
	}
}

// fakeUpstream accepts one connection on an ephemeral port and writes one
// framed greeting packet carrying greetingPayload so health/handshake code
// has something to read.
func fakeUpstream(t *testing.T, greetingPayload []byte) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write(wire.Serialize(wire.Packet{SeqID: 0, Payload: greetingPayload}))
		io.Copy(io.Discard, conn)
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func newTestServer(t *testing.T, upstreamAddr string, maxConns int) *Server {
	t.Helper()
	engine := policy.NewEngine(permissiveConfig())
	injection := detect.NewInjectionDetector([]string{"UNUSED_INJECTION_XYZ"}, nil)
	return NewServer(Config{
		UpstreamAddr:   upstreamAddr,
		MaxConnections: maxConns,
		Engine:         engine,
		Injection:      injection,
	})
}

func TestServerRejectsWhenAdmissionFull(t *testing.T) {
	upstreamAddr, closeUp := fakeUpstream(t, []byte("greeting"))
	defer closeUp()

	s := newTestServer(t, upstreamAddr, 1)
	defer s.Stop()

	client1, srv1 := net.Pipe()
	defer client1.Close()
	defer srv1.Close()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConnection(srv1)
	}()

	// Give the first connection a moment to register.
	deadline := time.Now().Add(time.Second)
	for s.ActiveSessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	client2, srv2 := net.Pipe()
	defer client2.Close()

	s.handleConnection(srv2)

	// A rejected connection should be closed immediately by the server
	// side; reading from the client half should observe EOF/closed.
	client2.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := client2.Read(buf); err == nil {
		t.Fatal("expected rejected connection to be closed")
	}
}

func TestServerSynthesizesErr2003OnUpstreamDialFailure(t *testing.T) {
	// Port 0 after closing a listener is not dialable; use an address
	// nothing listens on.
	s := newTestServer(t, "127.0.0.1:1", 10)
	s.cfg.ConnectionTimeout = 200 * time.Millisecond

	client, srv := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.handleConnection(srv)
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	lenBuf := make([]byte, 3)
	if _, err := io.ReadFull(client, lenBuf); err != nil {
		t.Fatalf("reading err packet length: %v", err)
	}
	length := int(lenBuf[0]) | int(lenBuf[1])<<8 | int(lenBuf[2])<<16
	rest := make([]byte, 1+length)
	if _, err := io.ReadFull(client, rest); err != nil {
		t.Fatalf("reading err packet body: %v", err)
	}
	// rest is seq id, then the payload: 0xff marker and a 2-byte LE code.
	if len(rest) < 4 || rest[1] != 0xff || uint16(rest[2])|uint16(rest[3])<<8 != 2003 {
		t.Fatalf("response = %x, want ERR 2003", rest)
	}
	<-done
}

func TestServerStopIsIdempotent(t *testing.T) {
	upstreamAddr, closeUp := fakeUpstream(t, []byte("greeting"))
	defer closeUp()

	s := newTestServer(t, upstreamAddr, 10)
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s.Stop()
	s.Stop()
}
