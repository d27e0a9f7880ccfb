package replication

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/datalayer"
	"github.com/dreamware/hyperdex/internal/disk"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

const testSpaceID uint32 = 1

var testSchema = []space.Attribute{
	{Name: "key", Type: space.AttrString},
	{Name: "value", Type: space.AttrString},
	{Name: "count", Type: space.AttrInt64},
}

type sentMsg struct {
	From, To space.EntityID
	Type     wire.MsgType
	Body     []byte
}

// fakeSender records every Send call and, like the real transport's
// own-instance loopback, can redeliver self-addressed chain_ack messages
// back into the owning manager so single-host-chain tests don't need a
// live transport to observe the self-ack completing. Redelivery is
// queued rather than immediate: the real Transport hands a looped-back
// message to a worker goroutine via a channel rather than re-entering the
// sender's own call stack, and a keyholder's stripe lock is not
// reentrant, so an immediate call back into the manager here would
// deadlock against the lock the triggering op is still held under.
// Tests call drain() once their top-level call has returned.
type fakeSender struct {
	sent     []sentMsg
	loopback *Manager
	pending  []func()
}

func (f *fakeSender) Send(from, to space.EntityID, msgType wire.MsgType, body []byte) error {
	f.sent = append(f.sent, sentMsg{from, to, msgType, body})
	if f.loopback != nil && from == to && msgType == wire.ChainAck {
		b, err := wire.DecodeChainAck(body)
		if err != nil {
			return err
		}
		region := to.Region
		mgr := f.loopback
		f.pending = append(f.pending, func() { _ = mgr.ChainAck(region, b) })
	}
	return nil
}

func (f *fakeSender) drain() {
	for len(f.pending) > 0 {
		next := f.pending[0]
		f.pending = f.pending[1:]
		next()
	}
}

func oneHostRegion(chain ...space.HostID) *space.Region {
	return &space.Region{Space: testSpaceID, Subspace: 0, Prefix: 0, Mask: 0, Chain: chain}
}

func testCfg(chain ...space.HostID) *config.Configuration {
	cfg := config.Empty()
	cfg.Version = 1
	cfg.Hosts = map[space.HostID]space.Instance{}
	for i, h := range chain {
		cfg.Hosts[h] = space.Instance{IP: "127.0.0.1", InPort: uint16(9000 + i)}
	}
	cfg.Spaces[testSpaceID] = &space.Space{ID: testSpaceID, Name: "kv", Attributes: testSchema}
	cfg.Subspaces[testSpaceID] = map[uint16]*space.Subspace{
		0: {Space: testSpaceID, ID: 0, Repl: []bool{true, false, false}, Disk: []bool{true, false, false}},
	}
	cfg.Regions = []*space.Region{oneHostRegion(chain...)}
	return cfg
}

func newTestManager(t *testing.T, selfHost space.HostID, cfg *config.Configuration) (*Manager, *fakeSender) {
	t.Helper()
	dl := datalayer.New(nil, disk.NewMemDisk)
	dl.Prepare(cfg, selfHost)
	sender := &fakeSender{}
	m := New(nil, dl, sender, space.XXHasher{}, selfHost, cfg)
	sender.loopback = m
	return m, sender
}

func clientPutAttrs() map[int]space.Value {
	return map[int]space.Value{1: space.Value("hello")}
}

func TestClientPutNotPointLeaderRejected(t *testing.T) {
	host1, host2 := space.HostID(1), space.HostID(2)
	cfg := testCfg(host1, host2)
	m, _ := newTestManager(t, host2, cfg)

	err := m.ClientPut(oneHostRegion(host1, host2).ID(), space.EntityID{}, 1, []byte("k"), clientPutAttrs())
	require.ErrorIs(t, err, ErrNotUs)
}

func TestClientPutSingleHostChainSelfAcksAndReplies(t *testing.T) {
	host1 := space.HostID(1)
	cfg := testCfg(host1)
	m, sender := newTestManager(t, host1, cfg)

	region := oneHostRegion(host1).ID()
	client := space.EntityID{Region: space.RegionID{Space: space.SpaceClient}, Number: 7}

	err := m.ClientPut(region, client, 42, []byte("k"), clientPutAttrs())
	require.NoError(t, err)
	sender.drain()

	require.True(t, m.Quiesced(), "single-host chain should self-ack and drain immediately")

	var gotAck, gotReply bool
	for _, s := range sender.sent {
		if s.Type == wire.ChainAck {
			gotAck = true
		}
		if s.Type == wire.RespPut {
			gotReply = true
			require.Equal(t, client, s.To)
		}
	}
	require.True(t, gotAck, "expected a self chain_ack to be sent")
	require.True(t, gotReply, "expected the client to receive a RespPut reply")
}

func TestClientPutTwoHostChainDispatchesChainPutToTail(t *testing.T) {
	host1, host2 := space.HostID(1), space.HostID(2)
	cfg := testCfg(host1, host2)
	m, sender := newTestManager(t, host1, cfg)

	region := oneHostRegion(host1, host2).ID()
	client := space.EntityID{Region: space.RegionID{Space: space.SpaceClient}, Number: 3}

	err := m.ClientPut(region, client, 1, []byte("k"), clientPutAttrs())
	require.NoError(t, err)

	require.False(t, m.Quiesced(), "op should still be in flight awaiting the tail's ack")
	require.Len(t, sender.sent, 1)
	require.Equal(t, wire.ChainPut, sender.sent[0].Type)
	require.Equal(t, uint8(1), sender.sent[0].To.Number)

	body, err := wire.DecodeChainPut(sender.sent[0].Body)
	require.NoError(t, err)
	require.Equal(t, uint64(1), body.Version)
	require.True(t, body.Fresh)

	// The tail acks back to the head, completing the chain.
	ackBody := wire.ChainAckBody{Version: body.Version, Key: []byte("k")}
	require.NoError(t, m.ChainAck(region, ackBody))
	require.True(t, m.Quiesced())

	var gotReply bool
	for _, s := range sender.sent {
		if s.Type == wire.RespPut {
			gotReply = true
		}
	}
	require.True(t, gotReply)
}

func TestClientDelRequiresExistingKey(t *testing.T) {
	host1 := space.HostID(1)
	cfg := testCfg(host1)
	m, _ := newTestManager(t, host1, cfg)

	region := oneHostRegion(host1).ID()
	err := m.ClientDel(region, space.EntityID{}, 1, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClientCondPutFailsOnMismatch(t *testing.T) {
	host1 := space.HostID(1)
	cfg := testCfg(host1)
	m, _ := newTestManager(t, host1, cfg)
	region := oneHostRegion(host1).ID()
	client := space.EntityID{Region: space.RegionID{Space: space.SpaceClient}, Number: 1}

	require.NoError(t, m.ClientPut(region, client, 1, []byte("k"), map[int]space.Value{1: space.Value("a")}))

	err := m.ClientCondPut(region, client, 2, []byte("k"),
		map[int]space.Value{1: space.Value("not-a")}, map[int]space.Value{1: space.Value("b")})
	require.ErrorIs(t, err, ErrCmpFail)
}

func TestClientCondPutSucceedsOnMatch(t *testing.T) {
	host1 := space.HostID(1)
	cfg := testCfg(host1)
	m, _ := newTestManager(t, host1, cfg)
	region := oneHostRegion(host1).ID()
	client := space.EntityID{Region: space.RegionID{Space: space.SpaceClient}, Number: 1}

	require.NoError(t, m.ClientPut(region, client, 1, []byte("k"), map[int]space.Value{1: space.Value("a")}))

	err := m.ClientCondPut(region, client, 2, []byte("k"),
		map[int]space.Value{1: space.Value("a")}, map[int]space.Value{1: space.Value("b")})
	require.NoError(t, err)
}

func TestClientAtomicAppliesIntOps(t *testing.T) {
	host1 := space.HostID(1)
	cfg := testCfg(host1)
	m, _ := newTestManager(t, host1, cfg)
	region := oneHostRegion(host1).ID()
	client := space.EntityID{Region: space.RegionID{Space: space.SpaceClient}, Number: 1}

	require.NoError(t, m.ClientPut(region, client, 1, []byte("k"), map[int]space.Value{2: encodeInt64(10)}))
	err := m.ClientAtomic(region, client, 2, []byte("k"), []MicroOp{{Attr: 2, Kind: OpAdd, Value: encodeInt64(5)}})
	require.NoError(t, err)

	kh, stripe := m.lockKey(region, []byte("k"))
	v, ok := kh.mostRecentVersion()
	stripe.Unlock()
	require.True(t, ok)
	require.Equal(t, uint64(2), v)
}

func TestClientAtomicBadMicrosOutOfOrder(t *testing.T) {
	host1 := space.HostID(1)
	cfg := testCfg(host1)
	m, _ := newTestManager(t, host1, cfg)
	region := oneHostRegion(host1).ID()
	client := space.EntityID{Region: space.RegionID{Space: space.SpaceClient}, Number: 1}

	require.NoError(t, m.ClientPut(region, client, 1, []byte("k"), map[int]space.Value{2: encodeInt64(1)}))
	err := m.ClientAtomic(region, client, 2, []byte("k"), []MicroOp{
		{Attr: 2, Kind: OpAdd, Value: encodeInt64(1)},
		{Attr: 1, Kind: OpAppend, Value: space.Value("x")},
	})
	require.ErrorIs(t, err, ErrBadMicros)
}

func TestChainPutDeferredWhenNonContiguous(t *testing.T) {
	host1, host2 := space.HostID(1), space.HostID(2)
	cfg := testCfg(host1, host2)
	m, sender := newTestManager(t, host2, cfg)
	region := oneHostRegion(host1, host2).ID()

	from := space.EntityID{Region: region, Number: 0}
	// version 2 arrives before version 1: must defer, not apply.
	err := m.ChainPut(region, from, space.Instance{}, wire.ChainPutBody{
		Version: 2, Fresh: false, Key: []byte("k"), Value: []space.Value{[]byte("k"), []byte("v2"), encodeInt64(0)},
	})
	require.NoError(t, err)
	require.Empty(t, sender.sent, "a deferred op must not be dispatched yet")

	kh, stripe := m.lockKey(region, []byte("k"))
	require.True(t, kh.hasDeferred())
	stripe.Unlock()

	// version 1 arrives: both should now promote through to committable
	// and the tail should self-ack.
	err = m.ChainPut(region, from, space.Instance{}, wire.ChainPutBody{
		Version: 1, Fresh: true, Key: []byte("k"), Value: []space.Value{[]byte("k"), []byte("v1"), encodeInt64(0)},
	})
	require.NoError(t, err)
	sender.drain()

	kh, stripe = m.lockKey(region, []byte("k"))
	deferred := kh.hasDeferred()
	stripe.Unlock()
	require.False(t, deferred, "both versions should have promoted out of deferred")

	var acked int
	for _, s := range sender.sent {
		if s.Type == wire.ChainAck {
			acked++
		}
	}
	require.Equal(t, 2, acked, "both versions should have self-acked at the tail")
}

func TestChainPutFreshMustNotDefer(t *testing.T) {
	host1, host2 := space.HostID(1), space.HostID(2)
	cfg := testCfg(host1, host2)
	m, _ := newTestManager(t, host2, cfg)
	region := oneHostRegion(host1, host2).ID()
	from := space.EntityID{Region: region, Number: 0}

	err := m.ChainPut(region, from, space.Instance{}, wire.ChainPutBody{
		Version: 5, Fresh: true, Key: []byte("k"), Value: []space.Value{[]byte("k"), []byte("v"), encodeInt64(0)},
	})
	require.ErrorIs(t, err, ErrBadAdjacency)
}

func TestMicroOpOverflowWraps(t *testing.T) {
	schema := testSchema
	old := []space.Value{[]byte("k"), nil, encodeInt64(9223372036854775807)}
	out, err := ApplyMicroOps(schema, old, []MicroOp{{Attr: 2, Kind: OpAdd, Value: encodeInt64(1)}})
	require.NoError(t, err)
	v, err := decodeInt64(out[2])
	require.NoError(t, err)
	require.Equal(t, int64(-9223372036854775808), v, "int64 addition wraps on overflow rather than erroring")
}

func TestMicroOpDivByZeroRejected(t *testing.T) {
	old := []space.Value{[]byte("k"), nil, encodeInt64(10)}
	_, err := ApplyMicroOps(testSchema, old, []MicroOp{{Attr: 2, Kind: OpDiv, Value: encodeInt64(0)}})
	require.ErrorIs(t, err, ErrBadMicros)
}

func TestMicroOpRejectsMapAttribute(t *testing.T) {
	schema := []space.Attribute{
		{Name: "key", Type: space.AttrString},
		{Name: "m", Type: space.AttrMapStringString},
	}
	_, err := ApplyMicroOps(schema, []space.Value{nil, nil}, []MicroOp{{Attr: 1, Kind: OpSet, Value: space.Value("x")}})
	require.NoError(t, err, "plain set is always legal, even against a map attribute")

	_, err = ApplyMicroOps(schema, []space.Value{nil, nil}, []MicroOp{{Attr: 1, Kind: OpAppend, Value: space.Value("x")}})
	require.ErrorIs(t, err, ErrBadMicros)
}
