// Package handshake implements MySQL handshake pass-through: the proxy
// forwards every handshake-phase byte opaquely, extracting only the two
// fields policy needs (username, initial database) from the client's
// HandshakeResponse41 payload.
package handshake

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sqlguard/sqlguard/internal/wire"
	"github.com/sqlguard/sqlguard/internal/wireerr"
)

// Capability flag bits relevant to HandshakeResponse41 parsing.
const (
	capClientConnectWithDB          uint32 = 0x00000008
	capClientSecureConnection       uint32 = 0x00008000
	capClientPluginAuthLenencData   uint32 = 0x00200000
)

// fixedPreambleLen is capability_flags(4) + max_packet_size(4) + charset(1)
// + reserved(23).
const fixedPreambleLen = 32

// Fields holds the two values the proxy is allowed to observe from the
// client's handshake response.
type Fields struct {
	Username        string
	InitialDB       string
	HasInitialDB    bool
	CapabilityFlags uint32
}

// ExtractClientResponse parses a HandshakeResponse41 payload strictly:
// any length or offset that would read past the payload, a missing
// required null terminator, or a database field claimed by flags but
// absent from the payload is a wireerr.ErrMalformedPacket. There is no
// fallback that zeroes a field instead of failing — silently accepting a
// truncated field would let an attacker-controlled value reach IP/user
// policy decisions.
func ExtractClientResponse(payload []byte) (Fields, error) {
	if len(payload) < fixedPreambleLen {
		return Fields{}, fmt.Errorf("%w: handshake response shorter than fixed preamble (%d bytes)", wireerr.ErrMalformedPacket, len(payload))
	}

	flags := binary.LittleEndian.Uint32(payload[0:4])
	pos := fixedPreambleLen

	username, pos, err := readNullTerminated(payload, pos)
	if err != nil {
		return Fields{}, fmt.Errorf("%w: username: %v", wireerr.ErrMalformedPacket, err)
	}

	pos, err = skipAuthResponse(payload, pos, flags)
	if err != nil {
		return Fields{}, err
	}

	f := Fields{Username: username, CapabilityFlags: flags}

	if flags&capClientConnectWithDB != 0 {
		if pos >= len(payload) {
			return Fields{}, fmt.Errorf("%w: CLIENT_CONNECT_WITH_DB set but database field absent from payload", wireerr.ErrMalformedPacket)
		}
		db, _, err := readNullTerminated(payload, pos)
		if err != nil {
			return Fields{}, fmt.Errorf("%w: initial database: %v", wireerr.ErrMalformedPacket, err)
		}
		f.InitialDB = db
		f.HasInitialDB = true
	}

	return f, nil
}

func readNullTerminated(payload []byte, pos int) (string, int, error) {
	end := pos
	for end < len(payload) && payload[end] != 0 {
		end++
	}
	if end >= len(payload) {
		return "", pos, fmt.Errorf("missing null terminator starting at offset %d", pos)
	}
	return string(payload[pos:end]), end + 1, nil
}

// skipAuthResponse advances past the auth-response field, whose encoding
// depends on which capability flags the client claims.
func skipAuthResponse(payload []byte, pos int, flags uint32) (int, error) {
	switch {
	case flags&capClientPluginAuthLenencData != 0:
		n, next, ok := wire.ReadLenEncInt(payload, pos)
		if !ok {
			return pos, fmt.Errorf("%w: length-encoded auth-response length extends past payload", wireerr.ErrMalformedPacket)
		}
		end := next + int(n)
		if end > len(payload) || end < next {
			return pos, fmt.Errorf("%w: length-encoded auth-response data extends past payload", wireerr.ErrMalformedPacket)
		}
		return end, nil

	case flags&capClientSecureConnection != 0:
		if pos >= len(payload) {
			return pos, fmt.Errorf("%w: auth-response length byte absent", wireerr.ErrMalformedPacket)
		}
		n := int(payload[pos])
		end := pos + 1 + n
		if end > len(payload) {
			return pos, fmt.Errorf("%w: auth-response data extends past payload", wireerr.ErrMalformedPacket)
		}
		return end, nil

	default:
		_, next, err := readNullTerminated(payload, pos)
		if err != nil {
			return pos, fmt.Errorf("%w: null-terminated auth-response: %v", wireerr.ErrMalformedPacket, err)
		}
		return next, nil
	}
}

// Result is what Relay learned from the handshake, plus the outcome of the
// server's final auth response.
type Result struct {
	Fields  Fields
	Allowed bool // true if the server's terminal response was OK, false if ERR
}

// Relay opaquely forwards packets between client and server through the
// handshake phase: the server's greeting, the client's response (from which
// Fields are extracted), and any subsequent AuthSwitchRequest/AuthMoreData
// round trips, until the server emits a terminal OK or ERR response.
func Relay(client, server net.Conn) (Result, error) {
	greeting, err := readRaw(server)
	if err != nil {
		return Result{}, fmt.Errorf("reading server greeting: %w", err)
	}
	if err := writeRaw(client, greeting); err != nil {
		return Result{}, fmt.Errorf("forwarding server greeting: %w", err)
	}

	var fields Fields
	first := true

	for {
		clientPkt, err := readRaw(client)
		if err != nil {
			return Result{}, fmt.Errorf("reading client handshake packet: %w", err)
		}

		if first {
			parsed, _, perr := wire.Parse(clientPkt)
			if perr != nil {
				return Result{}, perr
			}
			fields, err = ExtractClientResponse(parsed.Payload)
			if err != nil {
				return Result{}, err
			}
			first = false
		}

		if err := writeRaw(server, clientPkt); err != nil {
			return Result{}, fmt.Errorf("forwarding client handshake packet: %w", err)
		}

		serverPkt, err := readRaw(server)
		if err != nil {
			return Result{}, fmt.Errorf("reading server handshake packet: %w", err)
		}
		if err := writeRaw(client, serverPkt); err != nil {
			return Result{}, fmt.Errorf("forwarding server handshake packet: %w", err)
		}

		parsed, _, perr := wire.Parse(serverPkt)
		if perr != nil {
			return Result{}, perr
		}
		switch wire.ClassifyResponse(parsed.Payload) {
		case wire.ResponseOK:
			return Result{Fields: fields, Allowed: true}, nil
		case wire.ResponseErr:
			return Result{Fields: fields, Allowed: false}, nil
		default:
			// AuthSwitchRequest / AuthMoreData: another client round trip follows.
			continue
		}
	}
}

func readRaw(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if length > wire.MaxPayloadLen {
		return nil, fmt.Errorf("%w: declared length %d exceeds maximum", wireerr.ErrMalformedPacket, length)
	}
	buf := make([]byte, 4+length)
	copy(buf, header)
	if length > 0 {
		if _, err := io.ReadFull(conn, buf[4:]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func writeRaw(conn net.Conn, buf []byte) error {
	_, err := conn.Write(buf)
	return err
}
