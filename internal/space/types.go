package space

import "fmt"

// AttrType is the wire- and storage-level type of a space attribute.
type AttrType uint8

const (
	AttrString AttrType = iota
	AttrInt64
	AttrFloat
	AttrDocument
	AttrListString
	AttrListInt64
	AttrSetString
	AttrSetInt64
	AttrMapStringString
	AttrMapStringInt64
	AttrMapInt64String
	AttrMapInt64Int64
)

// Searchable reports whether values of this type may participate in
// subspace hashing. Containers and floats are not searchable; the core
// enforces this when a subspace directive names such an attribute.
func (t AttrType) Searchable() bool {
	switch t {
	case AttrString, AttrInt64:
		return true
	default:
		return false
	}
}

// Attribute describes one column of a Space.
type Attribute struct {
	Name string
	Type AttrType
}

// Space is a named table with an ordered list of typed attributes.
// Attribute index 0 is always the key.
type Space struct {
	ID         uint32
	Name       string
	Attributes []Attribute
}

// AttrIndex returns the index of the named attribute, or -1.
func (s *Space) AttrIndex(name string) int {
	for i, a := range s.Attributes {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// Subspace is a hashing of a chosen subset of a Space's attributes onto a
// 64-bit point. Subspace 0 is the key subspace; it hashes attribute 0 alone
// and its region chains define the point leaders for client requests.
type Subspace struct {
	Space uint32
	ID    uint16

	// Repl marks, per attribute index (including the key), whether that
	// attribute participates in this subspace's replication hash (the
	// point used for chain placement). Disk marks whether it participates
	// in the on-disk search index. Both slices are len(Space.Attributes).
	Repl []bool
	Disk []bool
}

// IsKeySubspace reports whether this is subspace 0, the key subspace.
func (s *Subspace) IsKeySubspace() bool { return s.ID == 0 }

// Region is a contiguous prefix of a subspace's 64-bit point space, assigned
// to an ordered chain of replica instances. Regions within a subspace are
// disjoint and together cover the space.
type Region struct {
	Space    uint32
	Subspace uint16
	Prefix   uint8
	Mask     uint64

	// Chain lists instances in chain order: Chain[0] is the head (and, for
	// subspace 0, the point leader), Chain[len-1] is the tail.
	Chain []HostID
}

// Matches reports whether a 64-bit hash point falls within this region: the
// top Prefix bits of point, after masking, equal the top Prefix bits of Mask.
func (r *Region) Matches(point uint64) bool {
	if r.Prefix == 0 {
		return true
	}
	shift := 64 - uint(r.Prefix)
	return (point>>shift) == (r.Mask >> shift)
}

// RegionID names a region uniquely within a configuration.
type RegionID struct {
	Space    uint32
	Subspace uint16
	Prefix   uint8
	Mask     uint64
}

func (r *Region) ID() RegionID {
	return RegionID{Space: r.Space, Subspace: r.Subspace, Prefix: r.Prefix, Mask: r.Mask}
}

func (id RegionID) String() string {
	return fmt.Sprintf("%d.%d/%d:%016x", id.Space, id.Subspace, id.Prefix, id.Mask)
}

// HostID identifies a physical host as enumerated by the coordinator's
// "host" directive. It is not the same as Instance: a host's instance
// (epochs, ports) can change across restarts while the host-id is stable.
type HostID uint32

// Instance is a physical server: an address plus the epoch counters that
// change across restarts, used to detect and reject messages addressed to
// a since-restarted peer.
type Instance struct {
	IP       string
	InPort   uint16
	InEpoch  uint16
	OutPort  uint16
	OutEpoch uint16
}

func (i Instance) String() string {
	return fmt.Sprintf("%s:%d/%d:%d/%d", i.IP, i.InPort, i.InEpoch, i.OutPort, i.OutEpoch)
}

// Reserved space ids. SpaceClient designates client endpoints; SpaceTransfer
// designates state-transfer endpoints. Neither is a real data space.
const (
	SpaceClient   uint32 = 0xFFFFFFFF
	SpaceTransfer uint32 = 0xFFFFFFFE
)

// EntityID is a position within a region's replica chain: Number is the
// 0-based chain index. Client and transfer endpoints reuse this type with
// the reserved space ids above and Number holding a fabricated client slot
// id (internal/transport.ClientTable) rather than a chain position — the
// wire format fixes this field at one byte (spec.md §6.2), so at most 256
// client connections are addressable at once; a recycled free-list keeps
// long-lived servers from exhausting it.
type EntityID struct {
	Region RegionID
	Number uint8
}

func (e EntityID) IsClient() bool   { return e.Region.Space == SpaceClient }
func (e EntityID) IsTransfer() bool { return e.Region.Space == SpaceTransfer }

func (e EntityID) String() string {
	return fmt.Sprintf("%s#%d", e.Region, e.Number)
}

// SearchCoordinate is a hashing-derived filter for a search: Mask marks
// which attributes are constrained by an equality predicate, and Values
// holds the literal value for each constrained attribute (the entry at an
// unconstrained index is ignored). Disk.MakeSnapshot restricts its
// iteration to entries whose disk-hash point falls under the coordinate's
// region; internal/search additionally re-checks Mask/Values against each
// candidate's literal attributes before calling it a match.
type SearchCoordinate struct {
	Mask   []bool
	Values []Value
}

// Matches reports whether full satisfies every constrained equality
// predicate in c.
func (c SearchCoordinate) Matches(full []Value) bool {
	for i, on := range c.Mask {
		if !on {
			continue
		}
		if i >= len(full) || string(full[i]) != string(c.Values[i]) {
			return false
		}
	}
	return true
}
