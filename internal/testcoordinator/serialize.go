package testcoordinator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dreamware/hyperdex/internal/space"
)

// serializeLocked renders the current topology as the directive stream
// internal/config.ParseStream consumes (spec.md §6.1). Callers must hold
// c.mu. Map iteration is sorted so repeated calls with an unchanged
// topology produce byte-identical output, which keeps test assertions and
// logs stable.
func (c *Coordinator) serializeLocked() string {
	var b strings.Builder

	fmt.Fprintf(&b, "version\t%d\n", c.version)

	hostIDs := make([]space.HostID, 0, len(c.hosts))
	for id := range c.hosts {
		hostIDs = append(hostIDs, id)
	}
	sort.Slice(hostIDs, func(i, j int) bool { return hostIDs[i] < hostIDs[j] })
	for _, id := range hostIDs {
		inst := c.hosts[id]
		fmt.Fprintf(&b, "host\t%d\t%s\t%d\t%d\t%d\t%d\n",
			id, inst.IP, inst.InPort, inst.InEpoch, inst.OutPort, inst.OutEpoch)
	}

	spaceIDs := make([]uint32, 0, len(c.spaces))
	for id := range c.spaces {
		spaceIDs = append(spaceIDs, id)
	}
	sort.Slice(spaceIDs, func(i, j int) bool { return spaceIDs[i] < spaceIDs[j] })
	for _, id := range spaceIDs {
		sp := c.spaces[id]
		fmt.Fprintf(&b, "space\t%d\t%s", sp.ID, sp.Name)
		for _, attr := range sp.Attributes {
			fmt.Fprintf(&b, "\t%s\t%s", attr.Name, attrTypeString(attr.Type))
		}
		b.WriteByte('\n')
	}

	for _, spaceID := range spaceIDs {
		subIDs := make([]uint16, 0, len(c.subspaces[spaceID]))
		for id := range c.subspaces[spaceID] {
			subIDs = append(subIDs, id)
		}
		sort.Slice(subIDs, func(i, j int) bool { return subIDs[i] < subIDs[j] })
		for _, subID := range subIDs {
			sub := c.subspaces[spaceID][subID]
			fmt.Fprintf(&b, "subspace\t%d\t%d", sub.Space, sub.ID)
			for i := range sub.Repl {
				fmt.Fprintf(&b, "\t%t\t%t", sub.Repl[i], sub.Disk[i])
			}
			b.WriteByte('\n')
		}
	}

	regions := append([]*space.Region(nil), c.regions...)
	sort.Slice(regions, func(i, j int) bool {
		a, bb := regions[i], regions[j]
		if a.Space != bb.Space {
			return a.Space < bb.Space
		}
		if a.Subspace != bb.Subspace {
			return a.Subspace < bb.Subspace
		}
		return a.Mask < bb.Mask
	})
	for _, r := range regions {
		fmt.Fprintf(&b, "region\t%d\t%d\t%d\t%x", r.Space, r.Subspace, r.Prefix, r.Mask)
		for _, h := range r.Chain {
			fmt.Fprintf(&b, "\t%d", h)
		}
		b.WriteByte('\n')
	}

	xferIDs := make([]uint64, 0, len(c.transfers))
	for id := range c.transfers {
		xferIDs = append(xferIDs, id)
	}
	sort.Slice(xferIDs, func(i, j int) bool { return xferIDs[i] < xferIDs[j] })
	for _, id := range xferIDs {
		t := c.transfers[id]
		fmt.Fprintf(&b, "transfer\t%d\t%d\t%d\t%d\t%x\t%d\n",
			t.XferID, t.Region.Space, t.Region.Subspace, t.Region.Prefix, t.Region.Mask, t.Destination)
	}

	if c.quiesce != "" {
		fmt.Fprintf(&b, "quiesce\t%s\n", c.quiesce)
	}
	if c.shutdown {
		b.WriteString("shutdown\n")
	}

	b.WriteString("end\tof\tline\n")
	return b.String()
}

// attrTypeString is the inverse of internal/config's parseAttrType.
func attrTypeString(t space.AttrType) string {
	switch t {
	case space.AttrString:
		return "string"
	case space.AttrInt64:
		return "int64"
	case space.AttrFloat:
		return "float"
	case space.AttrDocument:
		return "document"
	case space.AttrListString:
		return "list(string)"
	case space.AttrListInt64:
		return "list(int64)"
	case space.AttrSetString:
		return "set(string)"
	case space.AttrSetInt64:
		return "set(int64)"
	case space.AttrMapStringString:
		return "map(string,string)"
	case space.AttrMapStringInt64:
		return "map(string,int64)"
	case space.AttrMapInt64String:
		return "map(int64,string)"
	case space.AttrMapInt64Int64:
		return "map(int64,int64)"
	default:
		return "string"
	}
}
