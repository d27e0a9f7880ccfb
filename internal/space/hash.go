package space

import "github.com/cespare/xxhash/v2"

// Value is one attribute's wire- and storage-level bytes for a single
// object. Containers are pre-serialized per spec.md §3: length-prefixed for
// string, fixed-width concatenation for int64/float, with set entries
// sorted and deduplicated and map entries sorted by key.
type Value []byte

// Hasher turns an attribute subset into a 64-bit point. CityHash, the
// original HyperDex hash, is out of scope (spec.md §1); the production
// Hasher is backed by xxhash (internal/space.XXHasher), a real third-party
// hash already pulled in by the retrieval pack via Badger/Ristretto.
type Hasher interface {
	// Hash combines the given attribute values (already selected for
	// participation by a Subspace.Repl or Subspace.Disk mask) into one
	// 64-bit point. The order of attrs must be stable across calls for the
	// same subspace so that the same object always hashes to the same
	// point.
	Hash(attrs []Value) uint64
}

// XXHasher is the default Hasher, grounded on xxhash — already present in
// the dependency graph via marmos91-dittofs's Badger-backed metadata store.
type XXHasher struct{}

func (XXHasher) Hash(attrs []Value) uint64 {
	d := xxhash.New()
	for _, a := range attrs {
		var lenbuf [4]byte
		n := len(a)
		lenbuf[0] = byte(n)
		lenbuf[1] = byte(n >> 8)
		lenbuf[2] = byte(n >> 16)
		lenbuf[3] = byte(n >> 24)
		_, _ = d.Write(lenbuf[:])
		_, _ = d.Write(a)
	}
	return d.Sum64()
}

// Select extracts the attribute values participating in mask (Subspace.Repl
// or Subspace.Disk) from a full object value, in attribute-index order.
func Select(mask []bool, full []Value) []Value {
	out := make([]Value, 0, len(full))
	for i, v := range full {
		if i < len(mask) && mask[i] {
			out = append(out, v)
		}
	}
	return out
}

// Point hashes the participating attributes of full under sub's replication
// mask.
func Point(h Hasher, sub *Subspace, full []Value) uint64 {
	return h.Hash(Select(sub.Repl, full))
}

// DiskPoint hashes the participating attributes of full under sub's disk
// (search) mask. This may differ from Point when a subspace's disk index
// covers a different attribute subset than its replication hash.
func DiskPoint(h Hasher, sub *Subspace, full []Value) uint64 {
	return h.Hash(Select(sub.Disk, full))
}
