// Package testcoordinator is a minimal stand-in coordinator for tests and
// local development: it speaks the same tab-separated directive/reply
// protocol internal/coordclient expects (spec.md §6.1) without any of the
// real coordinator's cluster-membership or consensus machinery. It is the
// inverse of internal/coordclient: where that package parses directives and
// writes replies, this package writes directives and parses replies.
package testcoordinator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/space"
)

// Coordinator drives a fixed, test-authored topology at a set of connected
// hyperdex-daemon processes. Tests build the configuration with the Add*
// methods, then call Publish to push each version out and block for ACKs.
type Coordinator struct {
	log *slog.Logger

	mu        sync.Mutex
	version   uint64
	hosts     map[space.HostID]space.Instance
	spaces    map[uint32]*space.Space
	subspaces map[uint32]map[uint16]*space.Subspace
	regions   []*space.Region
	transfers map[uint64]config.Transfer
	quiesce   string
	shutdown  bool

	ln    net.Listener
	conns map[string]*conn // keyed by announced "ip:in_port"

	quiesceWaiters map[string][]chan struct{}
	goliveWaiters  map[uint64][]chan struct{}
	failedLoc      chan space.Instance
	failedXfer     chan uint64
}

// New creates an empty Coordinator. Call the Add* methods to build up a
// topology before Listen and Serve.
func New(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:            log.With("component", "testcoordinator"),
		hosts:          map[space.HostID]space.Instance{},
		spaces:         map[uint32]*space.Space{},
		subspaces:      map[uint32]map[uint16]*space.Subspace{},
		transfers:      map[uint64]config.Transfer{},
		conns:          map[string]*conn{},
		quiesceWaiters: map[string][]chan struct{}{},
		goliveWaiters:  map[uint64][]chan struct{}{},
		failedLoc:      make(chan space.Instance, 16),
		failedXfer:     make(chan uint64, 16),
	}
}

// Listen opens the TCP listener daemons will dial. addr may be "127.0.0.1:0"
// to pick an ephemeral port; Addr reports the actual bound address.
func (c *Coordinator) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("testcoordinator: listen %s: %w", addr, err)
	}
	c.ln = ln
	return nil
}

// Addr returns the bound listener address. Call after Listen.
func (c *Coordinator) Addr() string {
	return c.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled or the listener closes.
// Each accepted connection is handled in its own goroutine.
func (c *Coordinator) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.ln.Close()
	}()

	for {
		nc, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go c.handleConn(nc)
	}
}

// Close shuts down the listener and every accepted connection.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cn := range c.conns {
		cn.nc.Close()
	}
	if c.ln != nil {
		return c.ln.Close()
	}
	return nil
}

// conn is one accepted daemon connection: its announced address, the
// socket, and the channel Publish waits on for this connection's ACK/BAD.
type conn struct {
	nc   net.Conn
	addr string

	mu sync.Mutex
	w  io.Writer

	ack chan bool
}

func (c *Coordinator) handleConn(nc net.Conn) {
	r := bufio.NewReaderSize(nc, 64*1024)
	line, err := r.ReadString('\n')
	if err != nil {
		c.log.Warn("connection closed before announce", "err", err)
		nc.Close()
		return
	}
	addr, err := parseAnnounce(line)
	if err != nil {
		c.log.Warn("malformed announce", "err", err)
		nc.Close()
		return
	}

	cn := &conn{nc: nc, addr: addr, w: nc, ack: make(chan bool, 1)}

	c.mu.Lock()
	c.conns[addr] = cn
	initial := c.serializeLocked()
	c.mu.Unlock()

	if _, err := io.WriteString(cn, initial); err != nil {
		c.log.Warn("send initial config failed", "addr", addr, "err", err)
		nc.Close()
		return
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			c.mu.Lock()
			delete(c.conns, addr)
			c.mu.Unlock()
			return
		}
		c.handleReplyLine(cn, strings.TrimRight(line, "\n"))
	}
}

func (cn *conn) Write(p []byte) (int, error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.w.Write(p)
}

// parseAnnounce parses the "instance\t<ip>\t<in_port>\t<out_port>\t<pid>\t<nonce>"
// line internal/coordclient.Client.Connect sends, returning the "ip:in_port"
// key this coordinator tracks hosts by.
func parseAnnounce(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[0] != "instance" {
		return "", fmt.Errorf("testcoordinator: malformed announce %q", line)
	}
	if _, err := strconv.ParseUint(fields[2], 10, 16); err != nil {
		return "", fmt.Errorf("testcoordinator: bad in_port in announce: %w", err)
	}
	return fields[1] + ":" + fields[2], nil
}

func (c *Coordinator) handleReplyLine(cn *conn, line string) {
	switch {
	case line == "ACK":
		cn.ack <- true
	case line == "BAD":
		cn.ack <- false
	case strings.HasPrefix(line, "fail_location\t"):
		addr := strings.TrimPrefix(line, "fail_location\t")
		ip, portStr, ok := strings.Cut(addr, ":")
		if !ok {
			return
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return
		}
		select {
		case c.failedLoc <- space.Instance{IP: ip, InPort: uint16(port)}:
		default:
		}
	case strings.HasPrefix(line, "fail_transfer\t"):
		id, err := strconv.ParseUint(strings.TrimPrefix(line, "fail_transfer\t"), 10, 64)
		if err != nil {
			return
		}
		select {
		case c.failedXfer <- id:
		default:
		}
	case strings.HasPrefix(line, "quiesced\t"):
		id := strings.TrimPrefix(line, "quiesced\t")
		c.mu.Lock()
		for _, ch := range c.quiesceWaiters[id] {
			close(ch)
		}
		delete(c.quiesceWaiters, id)
		c.mu.Unlock()
	case strings.HasPrefix(line, "transfer_golive\t"):
		id, err := strconv.ParseUint(strings.TrimPrefix(line, "transfer_golive\t"), 10, 64)
		if err != nil {
			return
		}
		c.mu.Lock()
		for _, ch := range c.goliveWaiters[id] {
			close(ch)
		}
		delete(c.goliveWaiters, id)
		c.mu.Unlock()
	default:
		c.log.Warn("unrecognized reply line", "line", line)
	}
}

// AddHost registers a host in the topology under construction. Call before
// Publish; daemons identify themselves by matching (ip, in_port) against
// this table (the same rule internal/daemon.findSelf applies).
func (c *Coordinator) AddHost(id space.HostID, inst space.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts[id] = inst
}

func (c *Coordinator) AddSpace(sp *space.Space) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spaces[sp.ID] = sp
}

func (c *Coordinator) AddSubspace(sub *space.Subspace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subspaces[sub.Space] == nil {
		c.subspaces[sub.Space] = map[uint16]*space.Subspace{}
	}
	c.subspaces[sub.Space][sub.ID] = sub
}

func (c *Coordinator) AddRegion(r *space.Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions = append(c.regions, r)
}

func (c *Coordinator) AddTransfer(t config.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[t.XferID] = t
}

func (c *Coordinator) RemoveTransfer(xferID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transfers, xferID)
}

func (c *Coordinator) SetQuiesce(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quiesce = id
}

func (c *Coordinator) SetShutdown(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = v
}

// Snapshot returns the *config.Configuration this coordinator's current
// topology resolves to, for assertions in tests.
func (c *Coordinator) Snapshot() *config.Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toConfigLocked()
}

func (c *Coordinator) toConfigLocked() *config.Configuration {
	hosts := make(map[space.HostID]space.Instance, len(c.hosts))
	for k, v := range c.hosts {
		hosts[k] = v
	}
	transfers := make(map[uint64]config.Transfer, len(c.transfers))
	for k, v := range c.transfers {
		transfers[k] = v
	}
	return &config.Configuration{
		Version:   c.version,
		Hosts:     hosts,
		Spaces:    c.spaces,
		Subspaces: c.subspaces,
		Regions:   c.regions,
		Transfers: transfers,
		Quiesce:   c.quiesce,
		Shutdown:  c.shutdown,
	}
}

// Publish bumps the version, serializes the current topology, and sends it
// to every connected host, waiting for each one's ACK (or returning on the
// first failed send, the first BAD, or ctx ending). A host that disconnects
// after the send is not noticed; Publish then waits until ctx ends. A host
// that connects after Publish
// returns gets the latest topology as its initial config (see handleConn).
func (c *Coordinator) Publish(ctx context.Context) error {
	c.mu.Lock()
	c.version++
	text := c.serializeLocked()
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	for _, cn := range conns {
		if _, err := io.WriteString(cn, text); err != nil {
			return fmt.Errorf("testcoordinator: send to %s: %w", cn.addr, err)
		}
	}

	for _, cn := range conns {
		select {
		case ok := <-cn.ack:
			if !ok {
				return fmt.Errorf("testcoordinator: %s rejected configuration (BAD)", cn.addr)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitQuiesced blocks until a host reports quiesced(stateID), or ctx ends.
func (c *Coordinator) WaitQuiesced(ctx context.Context, stateID string) error {
	ch := make(chan struct{})
	c.mu.Lock()
	c.quiesceWaiters[stateID] = append(c.quiesceWaiters[stateID], ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitGoLive blocks until a host reports transfer_golive(xferID), or ctx ends.
func (c *Coordinator) WaitGoLive(ctx context.Context, xferID uint64) error {
	ch := make(chan struct{})
	c.mu.Lock()
	c.goliveWaiters[xferID] = append(c.goliveWaiters[xferID], ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FailedLocations reports peers daemons have told us they can no longer
// reach.
func (c *Coordinator) FailedLocations() <-chan space.Instance { return c.failedLoc }

// FailedTransfers reports xfer ids daemons have given up receiving.
func (c *Coordinator) FailedTransfers() <-chan uint64 { return c.failedXfer }
