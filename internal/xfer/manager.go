package xfer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/datalayer"
	"github.com/dreamware/hyperdex/internal/replication"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

// Manager owns every state transfer this server is a party to, as either
// source (OutgoingTransfer) or destination (IncomingTransfer), and
// reconciles that set against each accepted configuration (spec.md §4.5).
type Manager struct {
	log      *slog.Logger
	dl       *datalayer.Datalayer
	repl     *replication.Manager
	sender   sender
	coord    coordReporter
	selfHost space.HostID
	workers  int

	cfg atomic.Pointer[config.Configuration]

	mu       sync.Mutex
	outgoing map[uint64]*OutgoingTransfer
	incoming map[uint64]*IncomingTransfer
}

// New creates a Manager. workers is the configured worker-thread count,
// used to size each transfer's in-flight window (spec.md §5).
func New(log *slog.Logger, dl *datalayer.Datalayer, repl *replication.Manager, tr sender, coord coordReporter, selfHost space.HostID, workers int) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "xfer"),
		dl:       dl,
		repl:     repl,
		sender:   tr,
		coord:    coord,
		selfHost: selfHost,
		workers:  workers,
		outgoing: map[uint64]*OutgoingTransfer{},
		incoming: map[uint64]*IncomingTransfer{},
	}
}

func findRegion(cfg *config.Configuration, id space.RegionID) *space.Region {
	for _, r := range cfg.Regions {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

// Reconcile starts new transfers named by cfg.Transfers and drops ones the
// coordinator has since retired, called on every accepted reconfiguration.
// A region's chain tail acts as the outgoing source, since it is guaranteed
// to hold every version live replication has fully committed.
func (m *Manager) Reconcile(cfg *config.Configuration) {
	m.cfg.Store(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()

	active := map[uint64]bool{}
	for _, t := range cfg.Transfers {
		active[t.XferID] = true

		if t.Destination == m.selfHost {
			if _, ok := m.incoming[t.XferID]; !ok {
				m.startIncomingLocked(cfg, t)
			}
			continue
		}

		region := findRegion(cfg, t.Region)
		if region == nil || !config.IsTail(region, m.selfHost) {
			continue
		}
		if _, ok := m.outgoing[t.XferID]; !ok {
			m.startOutgoingLocked(t)
		}
	}

	for id, ot := range m.outgoing {
		if !active[id] {
			ot.Close()
			delete(m.outgoing, id)
		}
	}
	for id := range m.incoming {
		if !active[id] {
			delete(m.incoming, id)
		}
	}
}

func (m *Manager) startOutgoingLocked(t config.Transfer) {
	snap, err := m.dl.MakeRollingSnapshot(t.Region)
	if err != nil {
		m.log.Warn("cannot open rolling snapshot for outgoing transfer", "xfer_id", t.XferID, "region", t.Region.String(), "err", err)
		return
	}
	ot, err := newOutgoingTransfer(t.XferID, t.Region, t.Destination, snap)
	if err != nil {
		m.log.Warn("cannot start outgoing transfer", "xfer_id", t.XferID, "err", err)
		return
	}
	m.outgoing[t.XferID] = ot
}

func (m *Manager) startIncomingLocked(cfg *config.Configuration, t config.Transfer) {
	region := findRegion(cfg, t.Region)
	if region == nil || len(region.Chain) == 0 {
		m.log.Warn("cannot start incoming transfer, region has no chain", "xfer_id", t.XferID, "region", t.Region.String())
		return
	}
	sourceHost := region.Chain[len(region.Chain)-1]
	sourceInst, ok := cfg.InstanceOf(sourceHost)
	if !ok {
		m.log.Warn("cannot resolve transfer source instance", "xfer_id", t.XferID)
		return
	}
	window := WindowFor(m.workers)
	it := newIncomingTransfer(m.log, t.XferID, t.Region, sourceHost, sourceInst, window, m.repl, m.sender, m.coord)
	m.incoming[t.XferID] = it
	it.Start()
}

// HandleXferMore dispatches an inbound XFER_MORE to its OutgoingTransfer.
// The requester's instance is resolved from the transfer's own destination
// host rather than threaded through the dispatch path, since the
// requester of XFER_MORE for a given xfer_id is always that transfer's
// destination.
func (m *Manager) HandleXferMore(xferID uint64) {
	m.mu.Lock()
	ot, ok := m.outgoing[xferID]
	m.mu.Unlock()
	if !ok {
		return
	}
	destInst, ok := m.cfg.Load().InstanceOf(ot.dest)
	if !ok {
		m.log.Warn("cannot resolve xfer destination instance", "xfer_id", xferID)
		return
	}
	msgType, body, err := ot.More()
	if err != nil {
		m.log.Warn("outgoing transfer read failed", "xfer_id", xferID, "err", err)
		return
	}
	entity := EntityFor(xferID)
	if err := m.sender.SendToInstance(entity, entity, destInst, msgType, body); err != nil {
		m.log.Warn("xfer reply send failed", "xfer_id", xferID, "err", err)
	}
}

// HandleXferData dispatches an inbound XFER_DATA to its IncomingTransfer.
func (m *Manager) HandleXferData(xferID uint64, body wire.XferDataBody) {
	m.mu.Lock()
	it, ok := m.incoming[xferID]
	m.mu.Unlock()
	if !ok {
		return
	}
	it.HandleData(body)
}

// HandleXferDone dispatches an inbound XFER_DONE to its IncomingTransfer.
func (m *Manager) HandleXferDone(xferID uint64) {
	m.mu.Lock()
	it, ok := m.incoming[xferID]
	m.mu.Unlock()
	if !ok {
		return
	}
	it.HandleDone()
}

// RunLoops runs the state-transfer periodic thread (spec.md §5): it
// re-issues transfer_golive for any transfer that has gone live locally
// but is still listed by the coordinator, since the coordinator may not
// have seen the first report.
func (m *Manager) RunLoops(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(250 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				m.retryGoLive()
			}
		}
	})
	return g.Wait()
}

func (m *Manager) retryGoLive() {
	m.mu.Lock()
	live := make([]*IncomingTransfer, 0, len(m.incoming))
	for _, it := range m.incoming {
		if it.isLive() {
			live = append(live, it)
		}
	}
	m.mu.Unlock()
	for _, it := range live {
		it.reportGoLive()
	}
}
