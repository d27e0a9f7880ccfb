package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/viper"

	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/testcoordinator"
)

// topologyFile is the shape of the --topology YAML file: a flat description
// of the fixed cluster this dev tool serves once at startup.
type topologyFile struct {
	Hosts []struct {
		ID      uint32 `mapstructure:"id"`
		IP      string `mapstructure:"ip"`
		InPort  uint16 `mapstructure:"in_port"`
		OutPort uint16 `mapstructure:"out_port"`
	} `mapstructure:"hosts"`

	Spaces []struct {
		ID         uint32 `mapstructure:"id"`
		Name       string `mapstructure:"name"`
		Attributes []struct {
			Name string `mapstructure:"name"`
			Type string `mapstructure:"type"`
		} `mapstructure:"attributes"`
	} `mapstructure:"spaces"`

	Subspaces []struct {
		Space uint32 `mapstructure:"space"`
		ID    uint16 `mapstructure:"id"`
		Repl  []bool `mapstructure:"repl"`
		Disk  []bool `mapstructure:"disk"`
	} `mapstructure:"subspaces"`

	Regions []struct {
		Space    uint32   `mapstructure:"space"`
		Subspace uint16   `mapstructure:"subspace"`
		Prefix   uint8    `mapstructure:"prefix"`
		Mask     string   `mapstructure:"mask"` // hex, e.g. "0"
		Chain    []uint32 `mapstructure:"chain"`
	} `mapstructure:"regions"`
}

// loadTopology reads and parses the topology file at path.
func loadTopology(path string) (*topologyFile, error) {
	tv := viper.New()
	tv.SetConfigFile(path)
	if err := tv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("hyperdex-coordinator-dev: read topology %s: %w", path, err)
	}
	var tf topologyFile
	if err := tv.Unmarshal(&tf); err != nil {
		return nil, fmt.Errorf("hyperdex-coordinator-dev: parse topology: %w", err)
	}
	return &tf, nil
}

// attrTypeFromString is the topology-file counterpart of
// internal/config's unexported parseAttrType: it exists here, not there,
// because this dev tool's input format is this binary's own concern, not
// the wire directive grammar internal/config parses.
func attrTypeFromString(s string) (space.AttrType, error) {
	switch s {
	case "string":
		return space.AttrString, nil
	case "int64":
		return space.AttrInt64, nil
	case "float":
		return space.AttrFloat, nil
	case "document":
		return space.AttrDocument, nil
	case "list(string)":
		return space.AttrListString, nil
	case "list(int64)":
		return space.AttrListInt64, nil
	case "set(string)":
		return space.AttrSetString, nil
	case "set(int64)":
		return space.AttrSetInt64, nil
	case "map(string,string)":
		return space.AttrMapStringString, nil
	case "map(string,int64)":
		return space.AttrMapStringInt64, nil
	case "map(int64,string)":
		return space.AttrMapInt64String, nil
	case "map(int64,int64)":
		return space.AttrMapInt64Int64, nil
	default:
		return 0, fmt.Errorf("hyperdex-coordinator-dev: unknown attribute type %q", s)
	}
}

// populate builds the coordinator's topology from tf.
func populate(c *testcoordinator.Coordinator, tf *topologyFile) error {
	for _, h := range tf.Hosts {
		c.AddHost(space.HostID(h.ID), space.Instance{IP: h.IP, InPort: h.InPort, OutPort: h.OutPort})
	}
	for _, sp := range tf.Spaces {
		out := &space.Space{ID: sp.ID, Name: sp.Name}
		for _, a := range sp.Attributes {
			t, err := attrTypeFromString(a.Type)
			if err != nil {
				return err
			}
			out.Attributes = append(out.Attributes, space.Attribute{Name: a.Name, Type: t})
		}
		c.AddSpace(out)
	}
	for _, sub := range tf.Subspaces {
		c.AddSubspace(&space.Subspace{Space: sub.Space, ID: sub.ID, Repl: sub.Repl, Disk: sub.Disk})
	}
	for _, r := range tf.Regions {
		mask, err := strconv.ParseUint(r.Mask, 16, 64)
		if err != nil {
			return fmt.Errorf("hyperdex-coordinator-dev: bad region mask %q: %w", r.Mask, err)
		}
		chain := make([]space.HostID, len(r.Chain))
		for i, h := range r.Chain {
			chain[i] = space.HostID(h)
		}
		c.AddRegion(&space.Region{Space: r.Space, Subspace: r.Subspace, Prefix: r.Prefix, Mask: mask, Chain: chain})
	}
	return nil
}
