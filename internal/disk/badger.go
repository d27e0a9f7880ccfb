package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/dreamware/hyperdex/internal/space"
)

// BadgerDisk is the production Disk implementation: an LSM-tree column
// store backed by github.com/dgraph-io/badger/v4, the same engine
// marmos91-dittofs uses for its metadata store. One badger.DB is shared
// across every region the datalayer owns; BadgerDisk namespaces its keys
// by region so each instance only ever sees its own slice of the keyspace.
type BadgerDisk struct {
	db       *badger.DB
	region   space.RegionID
	prefix   []byte
	quiesced string
}

// OpenBadgerDisk wraps an already-opened badger.DB for one region.
// internal/daemon opens the single badger.DB per data directory, and one
// BadgerDisk per assigned region is opened against it.
func OpenBadgerDisk(db *badger.DB, region space.RegionID) *BadgerDisk {
	return &BadgerDisk{db: db, region: region, prefix: regionPrefix(region)}
}

func regionPrefix(r space.RegionID) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.BigEndian, r.Space)
	_ = binary.Write(&b, binary.BigEndian, r.Subspace)
	b.WriteByte(r.Prefix)
	_ = binary.Write(&b, binary.BigEndian, r.Mask)
	b.WriteByte(':')
	return b.Bytes()
}

func (d *BadgerDisk) dataKey(key []byte) []byte {
	out := make([]byte, 0, len(d.prefix)+len(key))
	out = append(out, d.prefix...)
	return append(out, key...)
}

func (d *BadgerDisk) Region() space.RegionID { return d.region }

func (d *BadgerDisk) checkRegion(r space.RegionID) error {
	if r != d.region {
		return ErrMissingDisk
	}
	return nil
}

// record is the value badger stores for one key: version followed by the
// length-prefixed attribute values.
func encodeRecord(version uint64, values []space.Value) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.BigEndian, version)
	_ = binary.Write(&b, binary.BigEndian, uint32(len(values)))
	for _, v := range values {
		_ = binary.Write(&b, binary.BigEndian, uint32(len(v)))
		b.Write(v)
	}
	return b.Bytes()
}

func decodeRecord(buf []byte) (uint64, []space.Value, error) {
	if len(buf) < 12 {
		return 0, nil, fmt.Errorf("disk: truncated badger record")
	}
	version := binary.BigEndian.Uint64(buf[0:8])
	n := binary.BigEndian.Uint32(buf[8:12])
	buf = buf[12:]
	values := make([]space.Value, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(buf) < 4 {
			return 0, nil, fmt.Errorf("disk: truncated badger record value length")
		}
		vlen := binary.BigEndian.Uint32(buf[0:4])
		buf = buf[4:]
		if uint32(len(buf)) < vlen {
			return 0, nil, fmt.Errorf("disk: truncated badger record value")
		}
		values = append(values, space.Value(append([]byte{}, buf[:vlen]...)))
		buf = buf[vlen:]
	}
	return version, values, nil
}

func (d *BadgerDisk) Get(r space.RegionID, key []byte) (GetResult, error) {
	if err := d.checkRegion(r); err != nil {
		return GetResult{}, err
	}
	var result GetResult
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(d.dataKey(key))
		if err == badger.ErrKeyNotFound {
			result = GetResult{Found: false}
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			version, values, derr := decodeRecord(val)
			if derr != nil {
				return derr
			}
			result = GetResult{Found: true, Values: values, Version: version, Ref: noopRef{}}
			return nil
		})
	})
	return result, err
}

func (d *BadgerDisk) Put(r space.RegionID, key []byte, values []space.Value, version uint64) error {
	if err := d.checkRegion(r); err != nil {
		return err
	}
	if d.quiesced != "" {
		return ErrQuiesced
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(d.dataKey(key), encodeRecord(version, values))
	})
}

func (d *BadgerDisk) Del(r space.RegionID, key []byte) error {
	if err := d.checkRegion(r); err != nil {
		return err
	}
	if d.quiesced != "" {
		return ErrQuiesced
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(d.dataKey(key))
	})
}

func (d *BadgerDisk) iterateAll() ([]Entry, error) {
	var entries []Entry
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = d.prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(d.prefix); it.ValidForPrefix(d.prefix); it.Next() {
			item := it.Item()
			key := append([]byte{}, item.KeyCopy(nil)[len(d.prefix):]...)
			err := item.Value(func(val []byte) error {
				version, values, derr := decodeRecord(val)
				if derr != nil {
					return derr
				}
				entries = append(entries, Entry{Key: key, Values: values, Version: version, HasValue: true})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

func (d *BadgerDisk) MakeSnapshot(r space.RegionID, coord space.SearchCoordinate, diskMask []bool, hasher space.Hasher) (Snapshot, error) {
	if err := d.checkRegion(r); err != nil {
		return nil, err
	}
	entries, err := d.iterateAll()
	if err != nil {
		return nil, err
	}
	return &memSnapshot{entries: entries, coord: coord, diskMask: diskMask, hasher: hasher}, nil
}

func (d *BadgerDisk) MakeRollingSnapshot(r space.RegionID) (RollingSnapshot, error) {
	if err := d.checkRegion(r); err != nil {
		return nil, err
	}
	entries, err := d.iterateAll()
	if err != nil {
		return nil, err
	}
	return &memRolling{entries: entries}, nil
}

func (d *BadgerDisk) Flush(r space.RegionID, budget int, nonblocking bool) error {
	if err := d.checkRegion(r); err != nil {
		return err
	}
	if nonblocking {
		return nil
	}
	return d.db.Sync()
}

func (d *BadgerDisk) DoMandatoryIO(r space.RegionID) error {
	if err := d.checkRegion(r); err != nil {
		return err
	}
	if err := d.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		return err
	}
	return nil
}

func (d *BadgerDisk) Preallocate(r space.RegionID) error    { return d.checkRegion(r) }
func (d *BadgerDisk) DoOptimisticIO(r space.RegionID) error { return d.checkRegion(r) }

func (d *BadgerDisk) Quiesce(r space.RegionID, stateID string) error {
	if err := d.checkRegion(r); err != nil {
		return err
	}
	if err := d.db.Sync(); err != nil {
		return err
	}
	d.quiesced = stateID
	return nil
}

func (d *BadgerDisk) QuiescedState() string { return d.quiesced }

// Close is a no-op: the shared badger.DB is closed by internal/daemon, not
// by an individual region's BadgerDisk.
func (d *BadgerDisk) Close() error { return nil }
