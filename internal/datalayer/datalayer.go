package datalayer

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/disk"
	"github.com/dreamware/hyperdex/internal/space"
)

// NewDiskFunc creates a fresh, empty Disk for a region. The production
// daemon passes a constructor closing over a shared *badger.DB
// (disk.OpenBadgerDisk); tests pass disk.NewMemDisk.
type NewDiskFunc func(region space.RegionID) (disk.Disk, error)

// Datalayer maps region to Disk, owning every disk this server currently
// holds open and scheduling their background I/O.
type Datalayer struct {
	log     *slog.Logger
	newDisk NewDiskFunc

	mu     sync.RWMutex
	disks  map[space.RegionID]disk.Disk
	failed map[space.RegionID]error

	// flushProgress is signalled (non-blocking, capacity 1) after every
	// flush pass in which at least one disk's Flush returned no error,
	// whether or not that Flush wrote anything; the preallocation loop runs
	// only after such a signal — the Go equivalent of the
	// condition-variable gate described in the original datalayer.cc.
	flushProgress chan struct{}
}

func New(log *slog.Logger, newDisk NewDiskFunc) *Datalayer {
	if log == nil {
		log = slog.Default()
	}
	return &Datalayer{
		log:           log.With("component", "datalayer"),
		newDisk:       newDisk,
		disks:         map[space.RegionID]disk.Disk{},
		failed:        map[space.RegionID]error{},
		flushProgress: make(chan struct{}, 1),
	}
}

// Prepare ensures a Disk exists for every region assigned to us in cfg,
// including regions in-transfer to us. A creation failure marks that
// region failed (recorded, logged) but never aborts the call — spec.md
// §4.2 and §7 ("inability to create an assigned region's disk: marked
// failed but the process continues").
func (d *Datalayer) Prepare(cfg *config.Configuration, us space.HostID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := map[space.RegionID]bool{}
	for _, r := range cfg.AssignedRegions(us) {
		want[r.ID()] = true
	}
	for _, t := range cfg.TransfersInto(us) {
		want[t.Region] = true
	}

	for id := range want {
		if _, ok := d.disks[id]; ok {
			continue
		}
		dk, err := d.newDisk(id)
		if err != nil {
			d.failed[id] = err
			d.log.Error("failed to create disk for region", "region", id.String(), "err", err)
			continue
		}
		delete(d.failed, id)
		d.disks[id] = dk
	}
}

// Reconfigure applies a quiesce fence (if requested) and persists the
// durable state file so a restart reopens disks under the recorded
// configuration and state id (spec.md §4.2, §6.3).
func (d *Datalayer) Reconfigure(cfg *config.Configuration, us space.Instance, configText, stateFilePath string) error {
	d.mu.RLock()
	disks := make([]disk.Disk, 0, len(d.disks))
	for _, dk := range d.disks {
		disks = append(disks, dk)
	}
	d.mu.RUnlock()

	if cfg.Quiesce != "" {
		for _, dk := range disks {
			if err := dk.Quiesce(dk.Region(), cfg.Quiesce); err != nil {
				return err
			}
		}
		return WriteStateFile(stateFilePath, StateFile{
			Version: 1,
			Us:      us,
			Config:  configText,
		})
	}
	return nil
}

// Cleanup drops any disk whose region is neither assigned nor in-transfer
// under cfg.
func (d *Datalayer) Cleanup(cfg *config.Configuration, us space.HostID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keep := map[space.RegionID]bool{}
	for _, r := range cfg.AssignedRegions(us) {
		keep[r.ID()] = true
	}
	for _, t := range cfg.TransfersInto(us) {
		keep[t.Region] = true
	}

	for id, dk := range d.disks {
		if keep[id] {
			continue
		}
		if err := dk.Close(); err != nil {
			d.log.Warn("error closing disk on cleanup", "region", id.String(), "err", err)
		}
		delete(d.disks, id)
		delete(d.failed, id)
	}
}

// Failed reports the error recorded for a region whose disk failed to
// create, if any.
func (d *Datalayer) Failed(region space.RegionID) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.failed[region]
}

func (d *Datalayer) diskFor(region space.RegionID) (disk.Disk, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dk, ok := d.disks[region]
	if !ok {
		return nil, disk.ErrMissingDisk
	}
	return dk, nil
}

func (d *Datalayer) Get(region space.RegionID, key []byte) (disk.GetResult, error) {
	dk, err := d.diskFor(region)
	if err != nil {
		return disk.GetResult{}, err
	}
	return dk.Get(region, key)
}

func (d *Datalayer) Put(region space.RegionID, key []byte, values []space.Value, version uint64) error {
	dk, err := d.diskFor(region)
	if err != nil {
		return err
	}
	return dk.Put(region, key, values, version)
}

func (d *Datalayer) Del(region space.RegionID, key []byte) error {
	dk, err := d.diskFor(region)
	if err != nil {
		return err
	}
	return dk.Del(region, key)
}

func (d *Datalayer) MakeSnapshot(region space.RegionID, coord space.SearchCoordinate, diskMask []bool, hasher space.Hasher) (disk.Snapshot, error) {
	dk, err := d.diskFor(region)
	if err != nil {
		return nil, err
	}
	return dk.MakeSnapshot(region, coord, diskMask, hasher)
}

func (d *Datalayer) MakeRollingSnapshot(region space.RegionID) (disk.RollingSnapshot, error) {
	dk, err := d.diskFor(region)
	if err != nil {
		return nil, err
	}
	return dk.MakeRollingSnapshot(region)
}

// Regions returns every region this datalayer currently has a disk open
// for.
func (d *Datalayer) Regions() []space.RegionID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]space.RegionID, 0, len(d.disks))
	for id := range d.disks {
		out = append(out, id)
	}
	return out
}

func (d *Datalayer) signalFlushProgress() {
	select {
	case d.flushProgress <- struct{}{}:
	default:
	}
}

// runFlushOnce performs one flush pass over every owned disk, budgeted and
// non-blocking, repairing DataFull/SearchFull with a mandatory I/O pass
// before giving up on that region for this round. Returns whether any
// region made progress.
func (d *Datalayer) runFlushOnce(batch int) bool {
	d.mu.RLock()
	disks := make([]disk.Disk, 0, len(d.disks))
	for _, dk := range d.disks {
		disks = append(disks, dk)
	}
	d.mu.RUnlock()

	progress := false
	for _, dk := range disks {
		err := dk.Flush(dk.Region(), batch, true)
		if err == nil {
			progress = true
			continue
		}
		if errors.Is(err, disk.ErrDataFull) || errors.Is(err, disk.ErrSearchFull) {
			if mioErr := dk.DoMandatoryIO(dk.Region()); mioErr != nil {
				d.log.Warn("mandatory io failed", "region", dk.Region().String(), "err", mioErr)
			}
			continue
		}
		d.log.Warn("flush failed", "region", dk.Region().String(), "err", err)
	}
	return progress
}

func (d *Datalayer) runPreallocateOnce() {
	d.mu.RLock()
	disks := make([]disk.Disk, 0, len(d.disks))
	for _, dk := range d.disks {
		disks = append(disks, dk)
	}
	d.mu.RUnlock()

	for _, dk := range disks {
		if err := dk.Preallocate(dk.Region()); err != nil {
			d.log.Warn("preallocate failed", "region", dk.Region().String(), "err", err)
		}
	}
}

func (d *Datalayer) runOptimisticOnce() {
	d.mu.RLock()
	disks := make([]disk.Disk, 0, len(d.disks))
	for _, dk := range d.disks {
		disks = append(disks, dk)
	}
	d.mu.RUnlock()

	for _, dk := range disks {
		if err := dk.DoOptimisticIO(dk.Region()); err != nil {
			d.log.Warn("optimistic io failed", "region", dk.Region().String(), "err", err)
		}
	}
}
