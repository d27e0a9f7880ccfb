package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/dreamware/hyperdex/internal/wire"
)

// maxFrameBody bounds a single message payload so a corrupt length prefix
// can never trigger an unbounded allocation.
const maxFrameBody = 64 << 20

// writeFrame sends a wire.Header followed by a 4-byte big-endian length
// prefix and the payload, in one Write to keep the frame atomic with
// respect to interleaved writers on the same connection... callers already
// serialize writes per outConn, but framing stays self-contained regardless.
func writeFrame(conn net.Conn, hdr wire.Header, body []byte) error {
	buf := make([]byte, 0, wire.HeaderSize+4+len(body))
	buf = append(buf, wire.EncodeHeader(hdr)...)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(body)))
	buf = append(buf, lb[:]...)
	buf = append(buf, body...)
	_, err := conn.Write(buf)
	return err
}

// readFrame reads one header + length-prefixed body from conn, blocking
// until a full frame arrives or the connection errors.
func readFrame(conn net.Conn) (wire.Header, []byte, error) {
	hb := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, hb); err != nil {
		return wire.Header{}, nil, err
	}
	hdr, err := wire.DecodeHeader(hb)
	if err != nil {
		return wire.Header{}, nil, err
	}

	var lb [4]byte
	if _, err := io.ReadFull(conn, lb[:]); err != nil {
		return wire.Header{}, nil, err
	}
	n := binary.BigEndian.Uint32(lb[:])
	if n > maxFrameBody {
		return wire.Header{}, nil, fmt.Errorf("transport: frame body too large: %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return wire.Header{}, nil, err
	}
	return hdr, body, nil
}
