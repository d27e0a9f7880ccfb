package coordclient

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/space"
)

// ConfigHandler applies a freshly parsed configuration. It returns an error
// if the server could not adopt it (e.g. a region's disk failed to open);
// the client only ever sends ACK once this returns nil.
type ConfigHandler func(cfg *config.Configuration) error

// Client is a connection to the coordinator. It owns the socket's write
// side directly (announce line, replies, failure reports) and drives the
// read side from Run.
type Client struct {
	log  *slog.Logger
	addr string

	mu   sync.Mutex
	conn net.Conn
}

// New creates a Client that will dial addr when Connect is called.
func New(log *slog.Logger, addr string) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{log: log.With("component", "coordclient"), addr: addr}
}

// Connect dials the coordinator and sends the announce line: spec.md
// §6.1's "instance\t<ip>\t<in_port>\t<out_port>\t<pid>\t<16-random-bytes-hex>".
func (c *Client) Connect(ip string, inPort, outPort uint16) error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("coordclient: dial %s: %w", c.addr, err)
	}

	nonce := uuid.New()

	line := fmt.Sprintf("instance\t%s\t%d\t%d\t%d\t%s\n",
		ip, inPort, outPort, os.Getpid(), hex.EncodeToString(nonce[:]))

	c.mu.Lock()
	c.conn = conn
	_, err = io.WriteString(conn, line)
	c.mu.Unlock()
	if err != nil {
		conn.Close()
		return fmt.Errorf("coordclient: send announce: %w", err)
	}
	return nil
}

// Run reads the coordinator's directive stream until the connection closes
// or ctx-equivalent shutdown happens externally (closing the connection is
// the caller's cancellation mechanism — Client has no internal context
// plumbing since its only blocking call is the line reader). Each
// configuration update (directives up to EndOfConfig) is parsed in one
// shot; a parse failure degrades to BAD and the previous configuration
// stays in effect, exactly as spec.md §6.1 specifies.
func (c *Client) Run(handle ConfigHandler) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("coordclient: Connect must be called before Run")
	}

	r := bufio.NewReaderSize(conn, 64*1024)
	for {
		cfg, err := config.ParseStream(lineBoundReader{r})
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, config.ErrTruncated) {
				return err
			}
			c.log.Warn("rejecting configuration", "err", err)
			if sendErr := c.sendLine("BAD"); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := handle(cfg); err != nil {
			c.log.Warn("failed to apply configuration", "version", cfg.Version, "err", err)
			if sendErr := c.sendLine("BAD"); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := c.sendLine("ACK"); err != nil {
			return err
		}
	}
}

// lineBoundReader stops at config.EndOfConfig without consuming bytes past
// it, so ParseStream can be called repeatedly on the same connection for
// successive configuration updates.
type lineBoundReader struct {
	r *bufio.Reader
}

func (l lineBoundReader) Read(p []byte) (int, error) {
	line, err := l.r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	n := copy(p, line)
	if n < len(line) {
		// Caller's buffer was smaller than one line; extremely unlikely
		// given ParseStream's own internal buffering, but handled rather
		// than silently truncating a directive.
		return n, io.ErrShortBuffer
	}
	return n, nil
}

func (c *Client) sendLine(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("coordclient: not connected")
	}
	_, err := io.WriteString(c.conn, s+"\n")
	return err
}

// ReportFailedLocation reports a peer we can no longer reach. Satisfies
// internal/transport.FailureReporter.
func (c *Client) ReportFailedLocation(inst space.Instance) {
	if err := c.sendLine(fmt.Sprintf("fail_location\t%s:%d", inst.IP, inst.InPort)); err != nil {
		c.log.Warn("failed to report failed location", "instance", inst.String(), "err", err)
	}
}

// ReportFailedTransfer gives up on an incoming transfer.
func (c *Client) ReportFailedTransfer(xferID uint64) {
	if err := c.sendLine(fmt.Sprintf("fail_transfer\t%d", xferID)); err != nil {
		c.log.Warn("failed to report failed transfer", "xfer_id", xferID, "err", err)
	}
}

// ReportQuiesced announces that all replication state has drained under a
// requested quiesce.
func (c *Client) ReportQuiesced(stateID string) error {
	return c.sendLine("quiesced\t" + stateID)
}

// ReportTransferGoLive announces that an incoming transfer has received
// XFER_DONE and this server is ready to serve the transferred region live
// (spec.md §4.5 handoff: "transfer_golive(xfer_id)").
func (c *Client) ReportTransferGoLive(xferID uint64) error {
	return c.sendLine(fmt.Sprintf("transfer_golive\t%d", xferID))
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
