package disk

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/dreamware/hyperdex/internal/space"
)

type memRecord struct {
	key     []byte
	values  []space.Value
	version uint64
}

func lessRecord(a, b *memRecord) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// MemDisk is an in-memory Disk backed by an ordered btree index (rather
// than a plain map), giving MakeSnapshot/MakeRollingSnapshot genuine
// ordered iteration — the same role google/btree plays for erigon's
// in-memory index layer in the retrieval pack. It is the Disk used by
// tests; the daemon opens a BadgerDisk for every region.
type MemDisk struct {
	mu       sync.RWMutex
	region   space.RegionID
	tree     *btree.BTreeG[*memRecord]
	quiesced string
}

func NewMemDisk(region space.RegionID) *MemDisk {
	return &MemDisk{
		region: region,
		tree:   btree.NewG[*memRecord](32, lessRecord),
	}
}

func (d *MemDisk) Region() space.RegionID { return d.region }

func (d *MemDisk) checkRegion(r space.RegionID) error {
	if r != d.region {
		return ErrMissingDisk
	}
	return nil
}

func (d *MemDisk) Get(r space.RegionID, key []byte) (GetResult, error) {
	if err := d.checkRegion(r); err != nil {
		return GetResult{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.tree.Get(&memRecord{key: key})
	if !ok {
		return GetResult{Found: false}, nil
	}
	values := make([]space.Value, len(rec.values))
	copy(values, rec.values)
	return GetResult{Found: true, Values: values, Version: rec.version, Ref: noopRef{}}, nil
}

func (d *MemDisk) Put(r space.RegionID, key []byte, values []space.Value, version uint64) error {
	if err := d.checkRegion(r); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quiesced != "" {
		return ErrQuiesced
	}
	cp := make([]space.Value, len(values))
	copy(cp, values)
	d.tree.ReplaceOrInsert(&memRecord{key: append([]byte{}, key...), values: cp, version: version})
	return nil
}

func (d *MemDisk) Del(r space.RegionID, key []byte) error {
	if err := d.checkRegion(r); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quiesced != "" {
		return ErrQuiesced
	}
	d.tree.Delete(&memRecord{key: key})
	return nil
}

func (d *MemDisk) MakeSnapshot(r space.RegionID, coord space.SearchCoordinate, diskMask []bool, hasher space.Hasher) (Snapshot, error) {
	if err := d.checkRegion(r); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var entries []Entry
	d.tree.Ascend(func(rec *memRecord) bool {
		entries = append(entries, Entry{
			Key:      append([]byte{}, rec.key...),
			Values:   append([]space.Value{}, rec.values...),
			Version:  rec.version,
			HasValue: true,
		})
		return true
	})
	return &memSnapshot{entries: entries, coord: coord, diskMask: diskMask, hasher: hasher}, nil
}

func (d *MemDisk) MakeRollingSnapshot(r space.RegionID) (RollingSnapshot, error) {
	if err := d.checkRegion(r); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var entries []Entry
	d.tree.Ascend(func(rec *memRecord) bool {
		entries = append(entries, Entry{
			Key:      append([]byte{}, rec.key...),
			Values:   append([]space.Value{}, rec.values...),
			Version:  rec.version,
			HasValue: true,
		})
		return true
	})
	return &memRolling{entries: entries}, nil
}

func (d *MemDisk) Flush(r space.RegionID, budget int, nonblocking bool) error { return d.checkRegion(r) }
func (d *MemDisk) DoMandatoryIO(r space.RegionID) error                      { return d.checkRegion(r) }
func (d *MemDisk) Preallocate(r space.RegionID) error                        { return d.checkRegion(r) }
func (d *MemDisk) DoOptimisticIO(r space.RegionID) error                     { return d.checkRegion(r) }

func (d *MemDisk) Quiesce(r space.RegionID, stateID string) error {
	if err := d.checkRegion(r); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quiesced = stateID
	return nil
}

// QuiescedState returns the state id this disk was fenced under, or "" if
// it has not been quiesced. Exposed for tests asserting spec.md §8
// invariant 8 ("every region's disk reports the same state_id").
func (d *MemDisk) QuiescedState() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.quiesced
}

func (d *MemDisk) Close() error { return nil }

type memSnapshot struct {
	entries  []Entry
	coord    space.SearchCoordinate
	diskMask []bool
	hasher   space.Hasher
	pos      int
}

func (s *memSnapshot) Next() (Entry, bool, error) {
	for s.pos < len(s.entries) {
		e := s.entries[s.pos]
		s.pos++
		if s.coord.Matches(e.Values) {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *memSnapshot) Close() error { return nil }

type memRolling struct {
	entries []Entry
	pos     int
}

func (s *memRolling) Next() (Entry, bool, error) {
	if s.pos >= len(s.entries) {
		return Entry{}, false, nil
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true, nil
}

func (s *memRolling) Close() error { return nil }
