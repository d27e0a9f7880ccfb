package disk

import (
	"errors"
	"sync/atomic"

	"github.com/dreamware/hyperdex/internal/space"
)

var (
	// ErrNotFound names a key with no value. Get does not return it: a
	// missing key is reported as Found false with a nil error.
	ErrNotFound = errors.New("disk: key not found")
	// ErrMissingDisk is returned when an operation targets a region this
	// Disk instance does not own.
	ErrMissingDisk = errors.New("disk: no disk for region")
	// ErrQuiesced is returned by any mutating operation once a Disk has
	// been fenced under a quiesce state id; the only way out is a reopen.
	ErrQuiesced = errors.New("disk: quiesced")
	// ErrDataFull and ErrSearchFull signal that a region needs a
	// do_mandatory_io pass; internal/datalayer checks Flush results for
	// them (spec.md §4.2).
	ErrDataFull   = errors.New("disk: data region full")
	ErrSearchFull = errors.New("disk: search index full")
)

// Ref keeps disk-internal backing bytes alive for as long as a caller holds
// it. Implementations must guarantee the bytes returned alongside a Ref
// remain valid until Release is called, even if the owning region is
// subsequently dropped (spec.md §4.1, §5 resource management).
type Ref interface {
	Release()
}

// noopRef is used by implementations (like MemDisk) whose returned slices
// are already independent copies and need no lifetime extension.
type noopRef struct{}

func (noopRef) Release() {}

// refcount is a minimal atomic reference count, used by implementations
// that share backing pages across concurrent readers and compaction.
type refcount struct {
	n       int32
	release func()
}

func newRefcount(release func()) *refcount {
	return &refcount{n: 1, release: release}
}

func (r *refcount) hold() {
	atomic.AddInt32(&r.n, 1)
}

func (r *refcount) Release() {
	if atomic.AddInt32(&r.n, -1) == 0 && r.release != nil {
		r.release()
	}
}

// GetResult is the outcome of a successful Get.
type GetResult struct {
	Found   bool
	Values  []space.Value
	Version uint64
	Ref     Ref
}

// Entry is one (key, values, version) tuple yielded by a Snapshot or
// RollingSnapshot.
type Entry struct {
	Key      []byte
	Values   []space.Value
	Version  uint64
	HasValue bool
}

// Snapshot is a point-in-time iterator over a region's entries, filtered to
// those matching a search coordinate.
type Snapshot interface {
	// Next advances to the next matching entry. Returns false when
	// exhausted.
	Next() (Entry, bool, error)
	Close() error
}

// RollingSnapshot is a full-region iterator safe to advance while
// concurrent writes land; used for state transfer (spec.md §4.5).
type RollingSnapshot interface {
	Next() (Entry, bool, error)
	Close() error
}

// Disk is the durable column-oriented store contract (spec.md §4.1). Each
// Disk instance owns exactly one region; operations still take the region
// id explicitly so a misrouted call surfaces as ErrMissingDisk rather than
// silently touching the wrong keyspace.
type Disk interface {
	Region() space.RegionID

	Get(region space.RegionID, key []byte) (GetResult, error)
	Put(region space.RegionID, key []byte, values []space.Value, version uint64) error
	Del(region space.RegionID, key []byte) error

	MakeSnapshot(region space.RegionID, coord space.SearchCoordinate, diskMask []bool, hasher space.Hasher) (Snapshot, error)
	MakeRollingSnapshot(region space.RegionID) (RollingSnapshot, error)

	Flush(region space.RegionID, budget int, nonblocking bool) error
	DoMandatoryIO(region space.RegionID) error
	Preallocate(region space.RegionID) error
	DoOptimisticIO(region space.RegionID) error

	// Quiesce drains and marks the disk durable under stateID; subsequent
	// writes fail with ErrQuiesced until the process restarts and reopens
	// it (internal/datalayer records stateID in its state file for that
	// reopen).
	Quiesce(region space.RegionID, stateID string) error

	Close() error
}
