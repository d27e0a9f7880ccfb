// Package daemon wires together every subsystem a running hyperdex server
// needs — datalayer, replication, transport, state transfer, search — and
// drives them from a coordinator-assigned configuration (spec.md §2, §5).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/coordclient"
	"github.com/dreamware/hyperdex/internal/datalayer"
	"github.com/dreamware/hyperdex/internal/disk"
	"github.com/dreamware/hyperdex/internal/replication"
	"github.com/dreamware/hyperdex/internal/search"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/transport"
	"github.com/dreamware/hyperdex/internal/xfer"
)

// Config holds the server's command-line configuration (spec.md §6.4).
type Config struct {
	DataDir         string
	CoordinatorAddr string
	Threads         int
	ListenIP        string
	InPort          uint16
	OutPort         uint16
	// MetricsAddr, if non-empty, serves /metrics and /health on this
	// address (spec.md's AMBIENT STACK: observability is carried even
	// though the distilled spec names no metrics surface of its own).
	MetricsAddr string
}

func (c Config) stateFilePath() string {
	return filepath.Join(c.DataDir, "datalayer_state.hd")
}

// Daemon owns every subsystem of one running server and the bring-up
// sequence that constructs them once the coordinator tells this process
// its own host identity.
type Daemon struct {
	log    *slog.Logger
	cfg    Config
	hasher space.XXHasher

	coord *coordclient.Client
	db    *badger.DB

	metrics *daemonMetrics

	readyOnce sync.Once
	ready     chan struct{}

	liveCfg atomic.Pointer[config.Configuration]

	selfHost space.HostID
	selfInst space.Instance

	dl   *datalayer.Datalayer
	repl *replication.Manager
	tr   *transport.Transport
	xf   *xfer.Manager
	se   *search.Manager
}

// New opens the shared on-disk store and the coordinator connection handle;
// it does not dial or listen yet, and constructs no per-region subsystem
// until Run discovers this server's own host assignment.
func New(log *slog.Logger, cfg Config) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := badger.DefaultOptions(cfg.DataDir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("daemon: open badger at %s: %w", cfg.DataDir, err)
	}

	d := &Daemon{
		log:     log.With("component", "daemon"),
		cfg:     cfg,
		coord:   coordclient.New(log, cfg.CoordinatorAddr),
		db:      db,
		metrics: newDaemonMetrics(),
		ready:   make(chan struct{}),
	}
	return d, nil
}

// Close releases resources New acquired. Call after Run returns.
func (d *Daemon) Close() error {
	return d.db.Close()
}

// Run connects to the coordinator and blocks until ctx is cancelled or an
// unrecoverable error occurs, driving the worker pool and every background
// loop named in spec.md §5 once this server has been assigned a host.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.coord.Connect(d.cfg.ListenIP, d.cfg.InPort, d.cfg.OutPort); err != nil {
		return err
	}
	defer d.coord.Close()

	g, ctx := errgroup.WithContext(ctx)

	// coordclient.Client.Run has no context of its own; closing the
	// connection on cancellation is what unblocks its read loop.
	g.Go(func() error {
		<-ctx.Done()
		d.coord.Close()
		return nil
	})

	g.Go(func() error {
		err := d.coord.Run(d.handleConfig)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-d.ready:
		}
		return d.runSubsystems(ctx)
	})

	if d.cfg.MetricsAddr != "" {
		g.Go(func() error { return d.serveMetrics(ctx) })
	}

	return g.Wait()
}

// handleConfig is the coordclient.ConfigHandler: before the server has been
// assigned a host, every configuration is simply accepted (nothing can be
// prepared without knowing our own identity); the first configuration that
// names our (listen ip, in_port) triggers one-time subsystem construction
// and unblocks the background goroutine pool.
func (d *Daemon) handleConfig(cfg *config.Configuration) error {
	select {
	case <-d.ready:
		return d.applyConfig(cfg)
	default:
	}

	host, inst, ok := findSelf(cfg, d.cfg.ListenIP, d.cfg.InPort)
	if !ok {
		return nil
	}

	d.selfHost = host
	d.selfInst = inst
	d.liveCfg.Store(cfg)

	d.dl = datalayer.New(d.log, d.newDiskFunc())
	d.tr = transport.New(d.log, d.selfInst, d.selfHost, cfg, d.coord)
	d.repl = replication.New(d.log, d.dl, d.tr, d.hasher, d.selfHost, cfg)
	d.repl.SetTriggerMap(replication.NewTriggerMap())
	d.xf = xfer.New(d.log, d.dl, d.repl, d.tr, d.coord, d.selfHost, d.cfg.Threads)
	d.se = search.New(d.log, d.dl, d.tr, d.hasher, cfg)

	d.dl.Prepare(cfg, d.selfHost)
	d.xf.Reconcile(cfg)

	d.readyOnce.Do(func() { close(d.ready) })
	return nil
}

// applyConfig handles every configuration after the server is up: swap the
// live config pointer into each subsystem, reconcile disks and transfers,
// and persist the state file across a quiesce fence.
func (d *Daemon) applyConfig(cfg *config.Configuration) error {
	d.tr.Pause()
	defer d.tr.Unpause()

	d.liveCfg.Store(cfg)
	d.tr.SetConfig(cfg)
	d.repl.SetConfig(cfg)
	d.se.SetConfig(cfg)

	d.dl.Prepare(cfg, d.selfHost)
	d.xf.Reconcile(cfg)
	d.dl.Cleanup(cfg, d.selfHost)

	if cfg.Quiesce != "" {
		d.repl.BeginQuiesce()
		if err := d.dl.Reconfigure(cfg, d.selfInst, summarizeConfig(cfg), d.cfg.stateFilePath()); err != nil {
			return err
		}
	}
	return nil
}

// newDiskFunc returns the constructor the datalayer uses to open a Disk for
// a newly-assigned region: every region shares the one badger.DB this
// daemon opened at startup, namespaced by BadgerDisk's region prefix.
func (d *Daemon) newDiskFunc() datalayer.NewDiskFunc {
	return func(region space.RegionID) (disk.Disk, error) {
		return disk.OpenBadgerDisk(d.db, region), nil
	}
}

// findSelf looks for a host in cfg whose instance matches (listenIP,
// inPort), the only way a server learns its own host-id (spec.md §4.1:
// hosts are identified to themselves by the address they announced).
func findSelf(cfg *config.Configuration, listenIP string, inPort uint16) (space.HostID, space.Instance, bool) {
	for h, inst := range cfg.Hosts {
		if inst.IP == listenIP && inst.InPort == inPort {
			return h, inst, true
		}
	}
	return 0, space.Instance{}, false
}

// summarizeConfig renders a compact, human-readable record of cfg for the
// state file's audit trail; internal/config.ParseStream discards the raw
// directive text it consumed, so this is a derived summary, not a replay of
// what the coordinator sent.
func summarizeConfig(cfg *config.Configuration) string {
	return fmt.Sprintf("version=%d hosts=%d spaces=%d regions=%d quiesce=%q",
		cfg.Version, len(cfg.Hosts), len(cfg.Spaces), len(cfg.Regions), cfg.Quiesce)
}

// runSubsystems starts every background loop and the worker pool, and
// blocks until ctx is cancelled.
func (d *Daemon) runSubsystems(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.cfg.ListenIP, d.cfg.InPort)
	if err := d.tr.Listen(addr); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.tr.Serve(ctx) })
	g.Go(func() error { return d.dl.RunLoops(ctx, datalayer.DefaultLoopRates()) })
	g.Go(func() error { return d.repl.RunLoops(ctx) })
	g.Go(func() error { return d.xf.RunLoops(ctx) })
	g.Go(func() error { return d.runQuiesceLoop(ctx) })
	g.Go(func() error { return d.runMetricsLoop(ctx) })

	threads := d.cfg.Threads
	if threads < 1 {
		threads = 1
	}
	for i := 0; i < threads; i++ {
		g.Go(func() error { return d.workerLoop(ctx) })
	}

	return g.Wait()
}

// runQuiesceLoop polls the replication manager for full drain and reports
// it to the coordinator (spec.md §4.4 Quiesce, §5 periodic-thread duties).
func (d *Daemon) runQuiesceLoop(ctx context.Context) error {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	reported := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			cfg := d.liveCfg.Load()
			if cfg == nil || cfg.Quiesce == "" || reported {
				continue
			}
			if d.repl.Quiesced() {
				if err := d.coord.ReportQuiesced(cfg.Quiesce); err != nil {
					d.log.Warn("report quiesced failed", "err", err)
					continue
				}
				reported = true
			}
		}
	}
}

// runMetricsLoop keeps the keyholder-depth gauge current.
func (d *Daemon) runMetricsLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.metrics.khDepth.Set(float64(d.repl.LiveKeyholders()))
		}
	}
}
