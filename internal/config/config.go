package config

import "github.com/dreamware/hyperdex/internal/space"

// Transfer describes one in-progress region transfer to a joining replica.
type Transfer struct {
	XferID      uint64
	Region      space.RegionID
	Destination space.HostID
}

// Configuration is the monotonically versioned snapshot of cluster state
// the coordinator sends down the wire (spec.md §3). A server ignores any
// configuration that does not parse fully, acknowledges the one it did
// apply, and only then begins using it.
type Configuration struct {
	Version uint64

	Hosts     map[space.HostID]space.Instance
	Spaces    map[uint32]*space.Space
	Subspaces map[uint32]map[uint16]*space.Subspace
	Regions   []*space.Region
	Transfers map[uint64]Transfer

	// Quiesce, if non-empty, names the snapshot id the coordinator wants
	// every owned disk fenced under; the replication manager stops
	// accepting mutations and the periodic thread drains toward it.
	Quiesce string
	// Shutdown requests the server exit once it has applied this config.
	Shutdown bool
}

// Empty returns a zero-version configuration with initialized maps, the
// configuration a server starts with before ever hearing from a
// coordinator.
func Empty() *Configuration {
	return &Configuration{
		Hosts:     map[space.HostID]space.Instance{},
		Spaces:    map[uint32]*space.Space{},
		Subspaces: map[uint32]map[uint16]*space.Subspace{},
		Transfers: map[uint64]Transfer{},
	}
}

// Subspace looks up a subspace by (space, subspace) id.
func (c *Configuration) Subspace(spaceID uint32, subspaceID uint16) (*space.Subspace, bool) {
	m, ok := c.Subspaces[spaceID]
	if !ok {
		return nil, false
	}
	s, ok := m[subspaceID]
	return s, ok
}

// NumSubspaces returns how many subspaces exist for a space, or 0 if the
// space is unknown.
func (c *Configuration) NumSubspaces(spaceID uint32) int {
	return len(c.Subspaces[spaceID])
}

// RegionsFor returns every region belonging to (space, subspace), in no
// particular order; regions within a subspace are disjoint and cover it.
func (c *Configuration) RegionsFor(spaceID uint32, subspaceID uint16) []*space.Region {
	var out []*space.Region
	for _, r := range c.Regions {
		if r.Space == spaceID && r.Subspace == subspaceID {
			out = append(out, r)
		}
	}
	return out
}

// RegionContaining finds the region of (space, subspace) whose prefix/mask
// matches point.
func (c *Configuration) RegionContaining(spaceID uint32, subspaceID uint16, point uint64) (*space.Region, bool) {
	for _, r := range c.Regions {
		if r.Space == spaceID && r.Subspace == subspaceID && r.Matches(point) {
			return r, true
		}
	}
	return nil, false
}

// InstanceOf resolves a host-id to its current network instance.
func (c *Configuration) InstanceOf(h space.HostID) (space.Instance, bool) {
	i, ok := c.Hosts[h]
	return i, ok
}

// EntityInstance resolves an EntityID to the Instance currently hosting it.
// For a data entity, Number indexes into the owning region's chain.
func (c *Configuration) EntityInstance(e space.EntityID) (space.Instance, bool) {
	for _, r := range c.Regions {
		if r.Space == e.Region.Space && r.Subspace == e.Region.Subspace &&
			r.Prefix == e.Region.Prefix && r.Mask == e.Region.Mask {
			if int(e.Number) >= len(r.Chain) {
				return space.Instance{}, false
			}
			return c.InstanceOf(r.Chain[e.Number])
		}
	}
	return space.Instance{}, false
}

// AssignedRegions returns every region whose chain includes host h.
func (c *Configuration) AssignedRegions(h space.HostID) []*space.Region {
	var out []*space.Region
	for _, r := range c.Regions {
		for _, host := range r.Chain {
			if host == h {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// ChainPosition returns h's 0-based index in region r's chain, or -1.
func ChainPosition(r *space.Region, h space.HostID) int {
	for i, host := range r.Chain {
		if host == h {
			return i
		}
	}
	return -1
}

// IsHead reports whether host h is the head of region r's chain.
func IsHead(r *space.Region, h space.HostID) bool {
	return len(r.Chain) > 0 && r.Chain[0] == h
}

// IsTail reports whether host h is the tail of region r's chain.
func IsTail(r *space.Region, h space.HostID) bool {
	return len(r.Chain) > 0 && r.Chain[len(r.Chain)-1] == h
}

// TransfersInto returns transfers whose destination is host h, so a host
// can tell which not-yet-assigned regions it must prepare disks for
// (spec.md §4.2 "including regions that are in-transfer to us").
func (c *Configuration) TransfersInto(h space.HostID) []Transfer {
	var out []Transfer
	for _, t := range c.Transfers {
		if t.Destination == h {
			out = append(out, t)
		}
	}
	return out
}
