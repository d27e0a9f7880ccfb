package replication

import (
	"sync"

	"github.com/dreamware/hyperdex/internal/space"
)

// TriggerMap records every (region, key, version) that live replication has
// already committed via the chain_ack path. internal/xfer consults it while
// applying an incoming transfer: if live replication beat the transfer to a
// given (key, version), the transfer considers that entry already handled
// rather than re-applying a stale copy (spec.md §4.5: "if live replication
// already committed this (key,version), transfer considers itself
// complete").
//
// Entries are never removed individually. Forget drops everything recorded
// for a region, but nothing in this repository calls it, so the map keeps
// an entry for every version committed since startup.
type TriggerMap struct {
	mu sync.Mutex
	m  map[triggerKey]struct{}
}

type triggerKey struct {
	region  space.RegionID
	key     string
	version uint64
}

// NewTriggerMap creates an empty TriggerMap.
func NewTriggerMap() *TriggerMap {
	return &TriggerMap{m: map[triggerKey]struct{}{}}
}

// Mark records that (region, key, version) has been committed by live
// replication.
func (t *TriggerMap) Mark(region space.RegionID, key []byte, version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[triggerKey{region, string(key), version}] = struct{}{}
}

// Has reports whether (region, key, version) was already committed by live
// replication.
func (t *TriggerMap) Has(region space.RegionID, key []byte, version uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[triggerKey{region, string(key), version}]
	return ok
}

// Forget drops every entry recorded for region.
func (t *TriggerMap) Forget(region space.RegionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.m {
		if k.region == region {
			delete(t.m, k)
		}
	}
}
