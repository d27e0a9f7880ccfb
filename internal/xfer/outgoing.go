package xfer

import (
	"sync"

	"github.com/dreamware/hyperdex/internal/disk"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

// OutgoingTransfer is the source side of one state transfer: it walks a
// rolling snapshot of a region's disk one entry at a time, handing out the
// current entry and advancing on each XFER_MORE (spec.md §4.5 "Outgoing").
type OutgoingTransfer struct {
	xferID uint64
	region space.RegionID
	dest   space.HostID

	mu       sync.Mutex
	snap     disk.RollingSnapshot
	xferNum  uint64
	cur      disk.Entry
	curValid bool
	done     bool
}

func newOutgoingTransfer(xferID uint64, region space.RegionID, dest space.HostID, snap disk.RollingSnapshot) (*OutgoingTransfer, error) {
	o := &OutgoingTransfer{xferID: xferID, region: region, dest: dest, snap: snap, xferNum: 1}
	entry, ok, err := snap.Next()
	if err != nil {
		snap.Close()
		return nil, err
	}
	o.cur, o.curValid = entry, ok
	return o, nil
}

// More answers one XFER_MORE: it returns the wire message to send back
// (XFER_DATA with the current entry, or XFER_DONE once the snapshot is
// exhausted) and advances internal state for the next call.
func (o *OutgoingTransfer) More() (wire.MsgType, []byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.done || !o.curValid {
		o.done = true
		return wire.XferDone, wire.EncodeXferID(wire.XferIDBody{XferID: o.xferID}), nil
	}

	entry := o.cur
	num := o.xferNum
	body := wire.EncodeXferData(wire.XferDataBody{
		XferNum: num, HasValue: entry.HasValue, Version: entry.Version, Key: entry.Key, Value: entry.Values,
	})

	next, ok, err := o.snap.Next()
	if err != nil {
		return 0, nil, err
	}
	o.cur, o.curValid = next, ok
	o.xferNum++
	return wire.XferData, body, nil
}

// Close releases the underlying snapshot.
func (o *OutgoingTransfer) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.Close()
}
