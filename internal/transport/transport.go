package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

var (
	// ErrUnknownDestination is returned by Send when to is neither a
	// known client endpoint nor resolvable under the current config.
	ErrUnknownDestination = errors.New("transport: unknown destination")
	// ErrNotOurInstance is returned by Send when from does not resolve to
	// this server's own instance under the current config.
	ErrNotOurInstance = errors.New("transport: from is not our instance")
	// ErrPaused is returned by Recv while the transport is quiesced for
	// reconfiguration.
	ErrPaused = errors.New("transport: paused")
	// ErrShutdown is returned once Shutdown has been called.
	ErrShutdown = errors.New("transport: shut down")
)

// Message is one logical delivery: a decoded header plus its payload.
type Message struct {
	From space.EntityID
	To   space.EntityID
	Type wire.MsgType
	Body []byte
}

// FailureReporter lets the transport tell the coordinator about a
// connectivity problem (spec.md §4.3 point 4). The daemon wires this to
// internal/coordclient; tests can use a no-op or recording stub.
type FailureReporter interface {
	ReportFailedLocation(inst space.Instance)
}

// ConfigView is the subset of *config.Configuration the transport needs to
// resolve entities to instances. Satisfied by *config.Configuration
// directly; the daemon swaps the live pointer via SetConfig on every
// accepted reconfiguration.
type ConfigView interface {
	EntityInstance(e space.EntityID) (space.Instance, bool)
	InstanceOf(h space.HostID) (space.Instance, bool)
}

// warnThreshold is how long a connect attempt is retried silently before
// it is reported to the coordinator (spec.md §4.3: "a small warning
// threshold").
const warnThreshold = 3 * time.Second

// Transport is the logical, entity-addressed layer described in spec.md
// §4.3. It owns one TCP listener for inbound server-to-server traffic, a
// pool of outbound connections keyed by instance, and the client table
// used to fabricate client numbers for endpoints a Configuration never
// names.
type Transport struct {
	log      *slog.Logger
	self     space.Instance
	selfHost space.HostID
	reporter FailureReporter

	cfgMu sync.RWMutex
	cfg   ConfigView

	clients *ClientTable

	connMu sync.Mutex
	conns  map[space.Instance]*outConn

	incoming chan Message

	pauseMu sync.RWMutex
	paused  bool

	listener net.Listener
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

type outConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// New creates a Transport bound to self's inbound address, reporting
// connectivity failures via reporter. Start must be called to begin
// accepting connections.
func New(log *slog.Logger, self space.Instance, selfHost space.HostID, cfg ConfigView, reporter FailureReporter) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:      log.With("component", "transport"),
		self:     self,
		selfHost: selfHost,
		reporter: reporter,
		cfg:      cfg,
		clients:  newClientTable(),
		conns:    map[space.Instance]*outConn{},
		incoming: make(chan Message, 256),
	}
}

// SetConfig swaps the configuration view used to resolve entities, called
// by the daemon on every accepted reconfiguration.
func (t *Transport) SetConfig(cfg ConfigView) {
	t.cfgMu.Lock()
	t.cfg = cfg
	t.cfgMu.Unlock()
}

func (t *Transport) configView() ConfigView {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return t.cfg
}

// Listen starts accepting inbound server connections on addr. Call before
// Serve.
func (t *Transport) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t.listener = l
	return nil
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
func (t *Transport) Serve(ctx context.Context) error {
	if t.listener == nil {
		return errors.New("transport: Listen must be called before Serve")
	}
	go func() {
		<-ctx.Done()
		t.listener.Close()
	}()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.shutdown.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			t.log.Warn("accept failed", "err", err)
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	defer t.clients.forget(conn)
	for {
		hdr, body, err := readFrame(conn)
		if err != nil {
			return
		}
		t.handleInbound(conn, hdr, body)
	}
}

func (t *Transport) handleInbound(conn net.Conn, hdr wire.Header, body []byte) {
	if hdr.Src.IsClient() && conn != nil {
		hdr.Src.Number = t.clients.bind(conn, hdr.Src.Number)
	}

	t.pauseMu.RLock()
	paused := t.paused
	t.pauseMu.RUnlock()
	if paused {
		return
	}

	cfg := t.configView()
	if cfg != nil {
		// Transfer entities (space.SpaceTransfer) don't correspond to a
		// chain position in any Region, so they can't be resolved through
		// cfg.EntityInstance — their addressing is carried by Instance
		// values passed directly to SendToInstance, like client endpoints.
		if !hdr.Src.IsClient() && !hdr.Src.IsTransfer() {
			fromInst, ok := cfg.EntityInstance(hdr.Src)
			if !ok || fromInst.OutEpoch != hdr.SrcEpoch {
				return
			}
		}
		if !hdr.Dst.IsClient() && !hdr.Dst.IsTransfer() {
			toInst, ok := cfg.EntityInstance(hdr.Dst)
			if !ok || toInst.IP != t.self.IP || toInst.InPort != t.self.InPort || hdr.DstEpoch != t.self.InEpoch {
				return
			}
		}
	}

	select {
	case t.incoming <- Message{From: hdr.Src, To: hdr.Dst, Type: hdr.Type, Body: body}:
	default:
		t.log.Warn("incoming queue full, dropping message", "type", hdr.Type)
	}
}

// Recv returns ErrPaused if the transport is paused when it is called;
// otherwise it blocks until a validated message arrives or ctx is
// cancelled (spec.md §4.3 receive contract). A Pause made while Recv is
// already blocked does not wake it. Invalid or stale messages are
// discarded internally and never surfaced here.
func (t *Transport) Recv(ctx context.Context) (Message, error) {
	for {
		t.pauseMu.RLock()
		paused := t.paused
		t.pauseMu.RUnlock()
		if paused {
			return Message{}, ErrPaused
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case m, ok := <-t.incoming:
			if !ok {
				return Message{}, ErrShutdown
			}
			return m, nil
		}
	}
}

// Send implements spec.md §4.3's send contract. msgType/body are the
// already-encoded wire payload for msgType.
func (t *Transport) Send(from, to space.EntityID, msgType wire.MsgType, body []byte) error {
	cfg := t.configView()
	if cfg == nil {
		return ErrUnknownDestination
	}

	if !from.IsClient() {
		fromInst, ok := cfg.EntityInstance(from)
		if !ok || fromInst.IP != t.self.IP || fromInst.InPort != t.self.InPort {
			return ErrNotOurInstance
		}
	}

	if to.IsClient() {
		conn, ok := t.clients.lookup(to.Number)
		if !ok {
			return ErrUnknownDestination
		}
		return writeFrame(conn, wire.Header{
			Type: msgType, SrcEpoch: t.self.OutEpoch, DstEpoch: 0, Src: from, Dst: to,
		}, body)
	}

	toInst, ok := cfg.EntityInstance(to)
	if !ok {
		return ErrUnknownDestination
	}

	hdr := wire.Header{Type: msgType, SrcEpoch: t.self.OutEpoch, DstEpoch: toInst.InEpoch, Src: from, Dst: to}

	if toInst.IP == t.self.IP && toInst.InPort == t.self.InPort {
		t.handleInbound(nil, hdr, body)
		return nil
	}

	return t.sendRemote(toInst, hdr, body)
}

// SendToInstance addresses body directly to inst instead of resolving to
// through the configuration, for traffic whose destination can't be
// expressed as a chain position within a Region — state transfer (spec.md
// §4.5), which addresses its peer by the Instance the coordinator reported
// for the transfer's source or destination host.
func (t *Transport) SendToInstance(from, to space.EntityID, inst space.Instance, msgType wire.MsgType, body []byte) error {
	hdr := wire.Header{Type: msgType, SrcEpoch: t.self.OutEpoch, DstEpoch: inst.InEpoch, Src: from, Dst: to}
	if inst.IP == t.self.IP && inst.InPort == t.self.InPort {
		t.handleInbound(nil, hdr, body)
		return nil
	}
	return t.sendRemote(inst, hdr, body)
}

func (t *Transport) sendRemote(inst space.Instance, hdr wire.Header, body []byte) error {
	t.connMu.Lock()
	oc, ok := t.conns[inst]
	if !ok {
		oc = &outConn{}
		t.conns[inst] = oc
	}
	t.connMu.Unlock()

	oc.mu.Lock()
	defer oc.mu.Unlock()

	if oc.conn == nil {
		c, err := t.dialWithWarning(inst)
		if err != nil {
			return err
		}
		oc.conn = c
	}

	if err := writeFrame(oc.conn, hdr, body); err != nil {
		oc.conn.Close()
		oc.conn = nil
		if t.reporter != nil {
			t.reporter.ReportFailedLocation(inst)
		}
		return fmt.Errorf("transport: send to %s: %w", inst, err)
	}
	return nil
}

func (t *Transport) dialWithWarning(inst space.Instance) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", inst.IP, inst.InPort)
	deadline := time.Now().Add(warnThreshold)
	var lastErr error
	for {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			if t.reporter != nil {
				t.reporter.ReportFailedLocation(inst)
			}
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Pause quiesces Recv so the caller can safely swap keyholder tables
// without holding any lock a worker might be blocked on (spec.md §4.3).
func (t *Transport) Pause() {
	t.pauseMu.Lock()
	t.paused = true
	t.pauseMu.Unlock()
}

// Unpause resumes delivery after a reconfiguration has completed.
func (t *Transport) Unpause() {
	t.pauseMu.Lock()
	t.paused = false
	t.pauseMu.Unlock()
}

// Shutdown closes the listener and every outbound connection.
func (t *Transport) Shutdown() {
	if !t.shutdown.CompareAndSwap(false, true) {
		return
	}
	if t.listener != nil {
		t.listener.Close()
	}
	t.connMu.Lock()
	for _, oc := range t.conns {
		oc.mu.Lock()
		if oc.conn != nil {
			oc.conn.Close()
		}
		oc.mu.Unlock()
	}
	t.connMu.Unlock()
	t.wg.Wait()
	close(t.incoming)
}
