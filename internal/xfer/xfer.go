// Package xfer implements ongoing state transfers (spec.md §4.5): the
// bulk-copy path a newly-assigned replica uses to catch up on a region's
// existing data before it can join live chain replication, grounded on
// the original source's ongoing_state_transfers.h/.cc.
//
// The outgoing side (OutgoingTransfer) walks a disk.RollingSnapshot one
// entry per XFER_MORE it receives. The incoming side (IncomingTransfer)
// applies entries in ascending xfer_num order through
// replication.Manager.ApplyTransferEntry, which consults the trigger map
// so a transfer never clobbers data live replication already committed.
package xfer

import "github.com/dreamware/hyperdex/internal/space"

// EntityFor derives the EntityID a transfer's messages are addressed
// to/from. Transfer entities don't correspond to a chain position in any
// Region (space.SpaceTransfer is reserved, never assigned by a
// coordinator), so xfer_id is folded into the otherwise-unused region
// mask and resolved by the peer's Instance rather than by configuration
// lookup (internal/transport.SendToInstance).
func EntityFor(xferID uint64) space.EntityID {
	return space.EntityID{Region: space.RegionID{Space: space.SpaceTransfer, Mask: xferID}}
}

// XferIDFromEntity recovers the xfer_id EntityFor encoded.
func XferIDFromEntity(e space.EntityID) uint64 {
	return e.Region.Mask
}

// transferWindowConstant is the "large constant" in spec.md §5's in-flight
// window bound, multiplied by the worker-thread count to get the actual
// per-transfer pipeline depth.
const transferWindowConstant = 64

// WindowFor computes the in-flight XFER_DATA window for a given worker
// pool size (spec.md §4.5, §5).
func WindowFor(workerThreads int) int {
	if workerThreads < 1 {
		workerThreads = 1
	}
	return transferWindowConstant * workerThreads
}
