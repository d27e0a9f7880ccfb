package testcoordinator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/space"
)

func buildTopology(t *testing.T) *Coordinator {
	t.Helper()
	c := New(nil)
	c.AddHost(1, space.Instance{IP: "127.0.0.1", InPort: 1981, OutPort: 1982})
	c.AddHost(2, space.Instance{IP: "127.0.0.1", InPort: 2981, OutPort: 2982})
	c.AddSpace(&space.Space{ID: 0, Name: "kv", Attributes: []space.Attribute{
		{Name: "key", Type: space.AttrString},
		{Name: "value", Type: space.AttrString},
	}})
	c.AddSubspace(&space.Subspace{Space: 0, ID: 0, Repl: []bool{true, false}, Disk: []bool{true, false}})
	c.AddRegion(&space.Region{Space: 0, Subspace: 0, Prefix: 0, Mask: 0, Chain: []space.HostID{1, 2}})
	return c
}

func TestSerializeRoundTrips(t *testing.T) {
	c := buildTopology(t)

	c.mu.Lock()
	c.version = 3
	text := c.serializeLocked()
	c.mu.Unlock()

	require.True(t, strings.HasSuffix(text, config.EndOfConfig+"\n"))

	cfg, err := config.ParseStream(strings.NewReader(text))
	require.NoError(t, err)
	require.Equal(t, uint64(3), cfg.Version)
	require.Len(t, cfg.Hosts, 2)
	require.Len(t, cfg.Spaces, 1)
	require.Len(t, cfg.Regions, 1)
	require.Equal(t, []space.HostID{1, 2}, cfg.Regions[0].Chain)
}

func TestSerializeIsDeterministic(t *testing.T) {
	c := buildTopology(t)
	c.mu.Lock()
	a := c.serializeLocked()
	b := c.serializeLocked()
	c.mu.Unlock()
	require.Equal(t, a, b)
}

func TestParseAnnounce(t *testing.T) {
	addr, err := parseAnnounce("instance\t127.0.0.1\t1981\t1982\t4242\tdeadbeef\n")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:1981", addr)

	_, err = parseAnnounce("garbage\n")
	require.Error(t, err)
}
