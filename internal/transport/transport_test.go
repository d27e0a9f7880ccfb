package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

func oneHostConfig(self space.Instance) (*config.Configuration, space.HostID, space.RegionID) {
	cfg := config.Empty()
	cfg.Version = 1
	host := space.HostID(1)
	cfg.Hosts[host] = self
	region := space.RegionID{Space: 1, Subspace: 0, Prefix: 0, Mask: 0}
	cfg.Regions = []*space.Region{{Space: 1, Subspace: 0, Prefix: 0, Mask: 0, Chain: []space.HostID{host}}}
	return cfg, host, region
}

func TestSendLoopsBackToSelf(t *testing.T) {
	self := space.Instance{IP: "127.0.0.1", InPort: 9100, InEpoch: 1, OutPort: 9101, OutEpoch: 1}
	cfg, host, region := oneHostConfig(self)

	tr := New(nil, self, host, cfg, nil)
	entity := space.EntityID{Region: region, Number: 0}

	require.NoError(t, tr.Send(entity, entity, wire.ChainAck, []byte("hi")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := tr.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.ChainAck, msg.Type)
	require.Equal(t, []byte("hi"), msg.Body)
}

func TestSendUnknownDestinationFails(t *testing.T) {
	self := space.Instance{IP: "127.0.0.1", InPort: 9100, InEpoch: 1, OutPort: 9101, OutEpoch: 1}
	cfg, host, region := oneHostConfig(self)
	tr := New(nil, self, host, cfg, nil)

	from := space.EntityID{Region: region, Number: 0}
	to := space.EntityID{Region: space.RegionID{Space: 99}, Number: 0}
	err := tr.Send(from, to, wire.ChainAck, nil)
	require.ErrorIs(t, err, ErrUnknownDestination)
}

func TestSendFromNotOurInstanceFails(t *testing.T) {
	self := space.Instance{IP: "127.0.0.1", InPort: 9100, InEpoch: 1, OutPort: 9101, OutEpoch: 1}
	cfg := config.Empty()
	cfg.Version = 1
	other := space.Instance{IP: "127.0.0.2", InPort: 9200, InEpoch: 1, OutPort: 9201, OutEpoch: 1}
	cfg.Hosts[space.HostID(1)] = other
	region := space.RegionID{Space: 1, Subspace: 0, Prefix: 0, Mask: 0}
	cfg.Regions = []*space.Region{{Space: 1, Subspace: 0, Prefix: 0, Mask: 0, Chain: []space.HostID{1}}}

	tr := New(nil, self, space.HostID(2), cfg, nil)
	entity := space.EntityID{Region: region, Number: 0}
	err := tr.Send(entity, entity, wire.ChainAck, nil)
	require.ErrorIs(t, err, ErrNotOurInstance)
}

func TestPauseBlocksRecv(t *testing.T) {
	self := space.Instance{IP: "127.0.0.1", InPort: 9100, InEpoch: 1, OutPort: 9101, OutEpoch: 1}
	cfg, host, _ := oneHostConfig(self)
	tr := New(nil, self, host, cfg, nil)
	tr.Pause()

	_, err := tr.Recv(context.Background())
	require.ErrorIs(t, err, ErrPaused)
}

func TestClientTableFabricatesAndForgets(t *testing.T) {
	ct := newClientTable()
	a1, a2 := net.Pipe()
	defer a1.Close()
	defer a2.Close()
	b1, b2 := net.Pipe()
	defer b1.Close()
	defer b2.Close()

	n1 := ct.bind(a1, 0)
	n2 := ct.bind(b1, 0)
	require.NotEqual(t, n1, n2)

	again := ct.bind(a1, 0)
	require.Equal(t, n1, again)

	ct.forget(a1)
	_, ok := ct.lookup(n1)
	require.False(t, ok)

	_ = a2
	_ = b2
}
