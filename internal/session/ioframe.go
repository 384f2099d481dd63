package session

import (
	"fmt"
	"io"
	"net"

	"github.com/sqlguard/sqlguard/internal/wire"
	"github.com/sqlguard/sqlguard/internal/wireerr"
)

// readPacket reads exactly one framed MySQL packet from conn.
func readPacket(conn net.Conn) (wire.Packet, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return wire.Packet{}, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if length > wire.MaxPayloadLen {
		return wire.Packet{}, fmt.Errorf("%w: declared payload length %d exceeds maximum", wireerr.ErrMalformedPacket, length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return wire.Packet{}, err
		}
	}
	return wire.Packet{SeqID: header[3], Payload: payload}, nil
}

// writePacket serializes and writes p to conn.
func writePacket(conn net.Conn, p wire.Packet) error {
	_, err := conn.Write(wire.Serialize(p))
	return err
}
