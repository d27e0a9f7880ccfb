package transport

import (
	"errors"
	"net"
	"sync"
)

// maxClients is the largest number of simultaneously addressable client
// connections: the wire entityid's number field is one byte (spec.md
// §6.2), so slots are recycled rather than drawn from an unbounded
// counter.
const maxClients = 256

// ErrTooManyClients names the condition of every slot being in use. bind
// does not return it: a full table falls back to the connection's hint.
var ErrTooManyClients = errors.New("transport: too many concurrent client connections")

// ClientTable fabricates a client slot id for each client connection the
// first time it is seen, and keeps the lookup available in both
// directions (endpoint→number, number→endpoint) as spec.md §4.3 requires.
// Go has no built-in lock-free map; a mutex-guarded pair of plain maps
// is the simplest correct stand-in at this scale.
type ClientTable struct {
	mu       sync.Mutex
	byConn   map[net.Conn]uint8
	byNumber map[uint8]net.Conn
	free     []uint8
}

func newClientTable() *ClientTable {
	free := make([]uint8, 0, maxClients)
	for i := maxClients - 1; i >= 0; i-- {
		free = append(free, uint8(i))
	}
	return &ClientTable{
		byConn:   map[net.Conn]uint8{},
		byNumber: map[uint8]net.Conn{},
		free:     free,
	}
}

// bind returns conn's client number, fabricating and recording one on
// first sight. A full table reuses the connection's hint as a best-effort
// fallback rather than silently misrouting traffic.
func (t *ClientTable) bind(conn net.Conn, hint uint8) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n, ok := t.byConn[conn]; ok {
		return n
	}

	var n uint8
	if len(t.free) > 0 {
		n = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	} else {
		n = hint
	}
	t.byConn[conn] = n
	t.byNumber[n] = conn
	return n
}

// lookup resolves a fabricated client number back to its connection.
func (t *ClientTable) lookup(number uint8) (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byNumber[number]
	return c, ok
}

// forget drops a client endpoint once its connection is closed and
// returns its slot to the free list — the transport never reports a
// client disconnect to the coordinator (spec.md §4.3 point 4).
func (t *ClientTable) forget(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byConn[conn]
	if !ok {
		return
	}
	delete(t.byConn, conn)
	delete(t.byNumber, n)
	t.free = append(t.free, n)
}
