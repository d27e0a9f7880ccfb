package replication

import (
	"time"

	"github.com/dreamware/hyperdex/internal/disk"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

// noSubspace is the sentinel "none" value for Pending.SubspacePrev/Next
// when a key's region has no predecessor or successor subspace.
const noSubspace = -1

// ClientOp identifies the client-originated request a Pending op is
// ultimately serving, so the point-leader can reply once the op is fully
// acked. It stores only an opaque identifier plus the originating entity,
// never a reference back to the keyholder (spec.md §9: avoids a reference
// cycle).
type ClientOp struct {
	Region space.RegionID
	Client space.EntityID
	Nonce  uint64

	// respType names which RESP_* message carries the eventual reply to
	// Client, chosen by whichever client op (put/condput/del/atomic)
	// created this Pending.
	respType wire.MsgType
}

// Pending is one op moving through a keyholder's queues: a put or delete
// in flight through the chain, grounded on the original
// replication_manager::pending (spec.md §3 "Pending").
type Pending struct {
	Version uint64

	HasValue bool
	Key      []byte
	Value    []space.Value
	Fresh    bool
	Acked    bool

	SubspacePrev  int // -1 == none
	SubspaceNext  int // -1 == none
	PointPrev     uint64
	PointThis     uint64
	PointNext     uint64
	PointNextNext uint64

	RecvE space.EntityID
	RecvI space.Instance
	SentE space.EntityID
	SentI space.Instance

	// SentAt records when sendMessage last dispatched this op downstream,
	// so the replication periodic thread can tell a stuck op (no ack past
	// some threshold) from one still legitimately in flight (spec.md §5's
	// retransmission loop).
	SentAt time.Time

	ClientOp *ClientOp

	// Ref keeps the backing disk page (if any) alive for as long as this
	// op references it; nil for ops materialized purely in memory.
	Ref disk.Ref
}

func (p *Pending) hasSubspacePrev() bool { return p.SubspacePrev != noSubspace }
func (p *Pending) hasSubspaceNext() bool { return p.SubspaceNext != noSubspace }

// DeferredOp is a chain message that arrived before its predecessor
// version was known, held until move_operations_between_queues can
// reconstruct it into a real Pending (spec.md §4.4 "On a chain_put /
// chain_del", step 4).
type DeferredOp struct {
	Version   uint64
	Kind      wire.MsgType
	From      space.EntityID
	FromInst  space.Instance
	Fresh     bool
	HasValue  bool
	Key       []byte
	Value     []space.Value
	NextPoint uint64
}
