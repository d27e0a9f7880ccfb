package xfer

import (
	"log/slog"
	"sync"

	"github.com/dreamware/hyperdex/internal/replication"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

// sender is the subset of *transport.Transport an incoming transfer needs
// to re-issue XFER_MORE requests to its source.
type sender interface {
	SendToInstance(from, to space.EntityID, inst space.Instance, msgType wire.MsgType, body []byte) error
}

// coordReporter is the subset of *coordclient.Client an incoming transfer
// needs to report failure or go-live.
type coordReporter interface {
	ReportFailedTransfer(xferID uint64)
	ReportTransferGoLive(xferID uint64) error
}

// IncomingTransfer is the destination side of one state transfer: it
// pipelines up to window XFER_MORE requests, applies XFER_DATA entries in
// ascending xfer_num order, and reports go_live once XFER_DONE arrives
// (spec.md §4.5 "Incoming" and "Handoff").
type IncomingTransfer struct {
	log        *slog.Logger
	xferID     uint64
	region     space.RegionID
	source     space.HostID
	sourceInst space.Instance
	window     int
	repl       *replication.Manager
	send       sender
	coord      coordReporter

	mu       sync.Mutex
	nextNum  uint64
	buffered map[uint64]wire.XferDataBody
	goLive   bool
	failed   bool
}

func newIncomingTransfer(log *slog.Logger, xferID uint64, region space.RegionID, source space.HostID, sourceInst space.Instance, window int, repl *replication.Manager, send sender, coord coordReporter) *IncomingTransfer {
	return &IncomingTransfer{
		log: log, xferID: xferID, region: region, source: source, sourceInst: sourceInst,
		window: window, repl: repl, send: send, coord: coord,
		nextNum: 1, buffered: map[uint64]wire.XferDataBody{},
	}
}

// Start primes the in-flight pipeline by issuing window XFER_MORE requests
// up front (spec.md §5's bounded in-flight window).
func (it *IncomingTransfer) Start() {
	for i := 0; i < it.window; i++ {
		it.sendMore()
	}
}

func (it *IncomingTransfer) sendMore() {
	entity := EntityFor(it.xferID)
	body := wire.EncodeXferID(wire.XferIDBody{XferID: it.xferID})
	if err := it.send.SendToInstance(entity, entity, it.sourceInst, wire.XferMore, body); err != nil {
		it.log.Warn("xfer_more send failed", "xfer_id", it.xferID, "err", err)
	}
}

// HandleData applies one XFER_DATA entry, buffering it if it arrived ahead
// of nextNum and failing the transfer if the buffer would exceed window
// (spec.md §4.5, §5).
func (it *IncomingTransfer) HandleData(body wire.XferDataBody) {
	it.mu.Lock()
	if it.failed || it.goLive {
		it.mu.Unlock()
		return
	}

	if body.XferNum < it.nextNum {
		it.mu.Unlock()
		it.sendMore()
		return
	}
	if body.XferNum > it.nextNum {
		if len(it.buffered) >= it.window {
			it.failed = true
			it.mu.Unlock()
			it.coord.ReportFailedTransfer(it.xferID)
			return
		}
		it.buffered[body.XferNum] = body
		it.mu.Unlock()
		it.sendMore()
		return
	}

	if err := it.applyLocked(body); err != nil {
		it.failed = true
		it.mu.Unlock()
		it.log.Error("applying transfer entry failed", "xfer_id", it.xferID, "err", err)
		it.coord.ReportFailedTransfer(it.xferID)
		return
	}
	for {
		next, ok := it.buffered[it.nextNum]
		if !ok {
			break
		}
		delete(it.buffered, it.nextNum)
		if err := it.applyLocked(next); err != nil {
			it.failed = true
			it.mu.Unlock()
			it.log.Error("applying buffered transfer entry failed", "xfer_id", it.xferID, "err", err)
			it.coord.ReportFailedTransfer(it.xferID)
			return
		}
	}
	it.mu.Unlock()
	it.sendMore()
}

// applyLocked applies one in-order entry via the trigger-map-aware
// replication hook and advances nextNum. Must be called with mu held.
func (it *IncomingTransfer) applyLocked(body wire.XferDataBody) error {
	if _, err := it.repl.ApplyTransferEntry(it.region, body.Key, body.Version, body.HasValue, body.Value); err != nil {
		return err
	}
	it.nextNum++
	return nil
}

// HandleDone marks the transfer complete and reports go_live (spec.md
// §4.5's handoff). The periodic loop re-issues the report until a new
// configuration acknowledges it by retiring this transfer.
func (it *IncomingTransfer) HandleDone() {
	it.mu.Lock()
	already := it.goLive || it.failed
	it.goLive = true
	it.mu.Unlock()
	if already {
		return
	}
	it.reportGoLive()
}

func (it *IncomingTransfer) reportGoLive() {
	if err := it.coord.ReportTransferGoLive(it.xferID); err != nil {
		it.log.Warn("transfer_golive report failed, will retry", "xfer_id", it.xferID, "err", err)
	}
}

func (it *IncomingTransfer) isLive() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.goLive
}
