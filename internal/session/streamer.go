package session

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/sqlguard/sqlguard/internal/wire"
)

// resultSetPhase tracks where the streamer is within a multi-packet result
// set, once the first packet has been classified as a column count.
type resultSetPhase int

const (
	phaseColumnDefs resultSetPhase = iota
	phaseRows
)

// streamResponse reads from server and writes to client until the response
// to one request (identified by its command type) is complete. It is the
// subtle piece of the proxy: "complete" depends on the shape of the
// response, not a fixed packet count.
//
// reqSeqID is the sequence id of the request that produced this response,
// used only to seed sequence-id monotonicity tracking.
func streamResponse(client, server net.Conn, cmd wire.Command, reqSeqID byte, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	first, err := readPacket(server)
	if err != nil {
		return err
	}
	lastSeqID := reqSeqID
	if err := checkSeqMonotonic(&lastSeqID, first.SeqID, logger); err != nil {
		return err
	}
	if err := writePacket(client, first); err != nil {
		return err
	}

	switch wire.ClassifyResponse(first.Payload) {
	case wire.ResponseErr:
		return nil
	case wire.ResponseEOF:
		return nil
	case wire.ResponseOK:
		if cmd == wire.ComStmtPrepare {
			return streamPrepareOKMetadata(client, server, first, logger)
		}
		return nil
	default:
		// First byte in 0x01-0xFC: a length-encoded column count, enter
		// result-set streaming.
		columnCount, _, ok := wire.ReadLenEncInt(first.Payload, 0)
		if !ok {
			columnCount = 0
		}
		return streamResultSet(client, server, first.SeqID, int(columnCount), logger)
	}
}

// streamPrepareOKMetadata relays the parameter-definition and
// column-definition packets that follow a COM_STMT_PREPARE OK response.
// A parse shortfall (payload too short to read the counts) logs
// a warning and returns rather than aborting the relay already performed.
func streamPrepareOKMetadata(client, server net.Conn, okPkt wire.Packet, logger *slog.Logger) error {
	if len(okPkt.Payload) < 9 {
		logger.Warn("session: prepare-OK payload too short to parse column/param counts", "len", len(okPkt.Payload))
		return nil
	}
	columnCount := binary.LittleEndian.Uint16(okPkt.Payload[5:7])
	paramCount := binary.LittleEndian.Uint16(okPkt.Payload[7:9])

	if err := relayMetadataPackets(client, server, int(paramCount), okPkt.SeqID, logger); err != nil {
		return err
	}
	if err := relayMetadataPackets(client, server, int(columnCount), okPkt.SeqID, logger); err != nil {
		return err
	}
	return nil
}

// relayMetadataPackets relays count definition packets followed by exactly
// one metadata terminator (EOF<9 or OK). If count is zero, no definition
// packets are expected, but the terminator is still only consumed when
// count > 0, per the MySQL prepare-OK wire format (no terminator packet is
// sent at all when the corresponding count is zero).
func relayMetadataPackets(client, server net.Conn, count int, lastSeqID byte, logger *slog.Logger) error {
	if count == 0 {
		return nil
	}
	for i := 0; i < count; i++ {
		pkt, err := readPacket(server)
		if err != nil {
			return err
		}
		if err := checkSeqMonotonic(&lastSeqID, pkt.SeqID, logger); err != nil {
			return err
		}
		if err := writePacket(client, pkt); err != nil {
			return err
		}
	}
	// Metadata terminator.
	term, err := readPacket(server)
	if err != nil {
		return err
	}
	if err := checkSeqMonotonic(&lastSeqID, term.SeqID, logger); err != nil {
		return err
	}
	return writePacket(client, term)
}

// streamResultSet handles the column-definition and row phases of a
// classic or deprecate-EOF result set. columnCount is the value decoded
// from the column-count packet the caller already read and forwarded; it
// bounds the column-definition counter as a safety net.
func streamResultSet(client, server net.Conn, lastSeqID byte, columnCount int, logger *slog.Logger) error {
	phase := phaseColumnDefs
	columnsSeen := 0

	for {
		pkt, err := readPacket(server)
		if err != nil {
			return err
		}
		if err := checkSeqMonotonic(&lastSeqID, pkt.SeqID, logger); err != nil {
			return err
		}
		if err := writePacket(client, pkt); err != nil {
			return err
		}

		switch phase {
		case phaseColumnDefs:
			rt := wire.ClassifyResponse(pkt.Payload)
			switch rt {
			case wire.ResponseEOF:
				// Classic metadata terminator.
				phase = phaseRows
			case wire.ResponseOK:
				// Deprecate-EOF server: an OK packet stands in for the
				// metadata terminator too, not just the final row terminator.
				phase = phaseRows
			case wire.ResponseErr:
				return nil
			default:
				columnsSeen++
				if columnsSeen > columnCount+1 {
					logger.Warn("session: column-definition count exceeded safety bound")
					return nil
				}
			}

		case phaseRows:
			rt := wire.ClassifyResponse(pkt.Payload)
			switch rt {
			case wire.ResponseEOF, wire.ResponseErr:
				return nil
			default:
				// A 0x00 first byte is ambiguous: a row whose first column
				// value is a zero-length string, or the CLIENT_DEPRECATE_EOF
				// final OK. A packet that consumes exactly as a row against
				// the known column count is a row; otherwise an OK-shaped
				// payload terminates the result set.
				if len(pkt.Payload) > 0 && pkt.Payload[0] == 0x00 &&
					!parsesAsRow(pkt.Payload, columnCount) && looksLikeDeprecateEOFOK(pkt.Payload) {
					return nil
				}
			}
		}
	}
}

// parsesAsRow reports whether payload consumes exactly as a text-protocol
// row of columnCount values, each a length-encoded string or the 0xfb NULL
// marker. An exact-length parse identifies the packet as a row even when
// its byte shape would also satisfy the OK-packet heuristic.
func parsesAsRow(payload []byte, columnCount int) bool {
	if columnCount <= 0 {
		return false
	}
	pos := 0
	for i := 0; i < columnCount; i++ {
		if pos >= len(payload) {
			return false
		}
		if payload[pos] == 0xfb { // NULL
			pos++
			continue
		}
		n, next, ok := wire.ReadLenEncInt(payload, pos)
		if !ok {
			return false
		}
		pos = next + int(n)
		if pos > len(payload) || pos < next {
			return false
		}
	}
	return pos == len(payload)
}

// looksLikeDeprecateEOFOK disambiguates a row packet from a
// CLIENT_DEPRECATE_EOF final OK packet, both of which can start with 0x00.
// It attempts an OK-packet parse: lenenc affected_rows, lenenc
// last_insert_id, then at least 4 remaining bytes for status+warnings. A
// row packet's own length-encoded string content would essentially never
// coincidentally satisfy this exact shape with >=4 trailing bytes for a
// well-formed OK packet.
func looksLikeDeprecateEOFOK(payload []byte) bool {
	pos := 1
	_, pos, ok := wire.ReadLenEncInt(payload, pos)
	if !ok {
		return false
	}
	_, pos, ok = wire.ReadLenEncInt(payload, pos)
	if !ok {
		return false
	}
	return len(payload)-pos >= 4
}

// checkSeqMonotonic logs and returns an error if seq is a reversal — less
// than the previously observed id — excluding the defined 255->0 wrap.
// Equal or forward-progressing ids are accepted without requiring a strict
// +1 step.
func checkSeqMonotonic(lastSeqID *byte, seq byte, logger *slog.Logger) error {
	wrapped := *lastSeqID == 0xff && seq == 0x00
	if seq < *lastSeqID && !wrapped {
		logger.Warn("session: response sequence id reversal", "last", *lastSeqID, "got", seq)
		return fmt.Errorf("session: sequence id reversal: last=%d got=%d", *lastSeqID, seq)
	}
	*lastSeqID = seq
	return nil
}
