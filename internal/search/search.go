// Package search implements client searches (spec.md §4.6), grounded on
// the original source's searches.h/searches.cc: a search is hashed under
// its region's subspace into a coarse search-coordinate used to open a
// filtered disk snapshot, then every candidate entry is re-checked against
// the client's full literal predicate before it's reported — the
// "coordinate match, then literal match" two-phase filter.
package search

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/datalayer"
	"github.com/dreamware/hyperdex/internal/disk"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

// Sender is the subset of *transport.Transport a search needs to deliver
// RESP_SEARCH_ITEM/RESP_SEARCH_DONE to the originating client.
type Sender interface {
	Send(from, to space.EntityID, msgType wire.MsgType, body []byte) error
}

type stateKey struct {
	region   space.RegionID
	client   space.EntityID
	searchID uint64
}

// searchState is one live search: its disk snapshot, the client's full
// predicate (which may constrain attributes beyond what the subspace
// indexes), and a lock serializing concurrent Next calls on it.
type searchState struct {
	mu       sync.Mutex
	region   space.RegionID
	client   space.EntityID
	searchID uint64
	full     space.SearchCoordinate
	snap     disk.Snapshot
	done     bool
}

// Manager owns every live search this server is answering.
type Manager struct {
	log    *slog.Logger
	dl     *datalayer.Datalayer
	sender Sender
	hasher space.Hasher

	cfg atomic.Pointer[config.Configuration]

	mu     sync.Mutex
	states map[stateKey]*searchState
}

// New creates a Manager.
func New(log *slog.Logger, dl *datalayer.Datalayer, sender Sender, hasher space.Hasher, cfg *config.Configuration) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:    log.With("component", "search"),
		dl:     dl,
		sender: sender,
		hasher: hasher,
		states: map[stateKey]*searchState{},
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) SetConfig(cfg *config.Configuration) { m.cfg.Store(cfg) }

// rowWithKey splices key into index 0 of a disk-sourced secondary-
// attribute slice, producing the schema-aligned row a full predicate's
// mask indexes against (mirrors internal/replication's same convention).
func rowWithKey(key []byte, secondary []space.Value) []space.Value {
	out := make([]space.Value, len(secondary)+1)
	out[0] = space.Value(key)
	copy(out[1:], secondary)
	return out
}

// Start implements search start (spec.md §4.6): predicate is the client's
// full equality predicate over the space's attributes (index 0 is never
// constrained, since key equality is just a get). A coordinate narrowed to
// the subspace's disk-indexed attributes opens the filtered snapshot; the
// full predicate is kept for Next's precise re-check. Start always issues
// the first Next itself.
func (m *Manager) Start(region space.RegionID, client space.EntityID, searchID uint64, predicate space.SearchCoordinate) error {
	cfg := m.cfg.Load()
	sub, ok := cfg.Subspace(region.Space, region.Subspace)
	if !ok {
		return ErrBadDimSpec
	}

	cheapMask := make([]bool, len(predicate.Mask))
	for i, on := range predicate.Mask {
		if on && i < len(sub.Disk) && sub.Disk[i] {
			cheapMask[i] = true
		}
	}
	diskCoord := space.SearchCoordinate{Mask: cheapMask, Values: predicate.Values}

	snap, err := m.dl.MakeSnapshot(region, diskCoord, sub.Disk, m.hasher)
	if err != nil {
		return err
	}

	st := &searchState{region: region, client: client, searchID: searchID, full: predicate, snap: snap}
	key := stateKey{region, client, searchID}
	m.mu.Lock()
	m.states[key] = st
	m.mu.Unlock()

	m.advance(st)
	return nil
}

// Next implements search next: advance the snapshot and report the next
// literal match, or RESP_SEARCH_DONE on exhaustion.
func (m *Manager) Next(region space.RegionID, client space.EntityID, searchID uint64) {
	m.mu.Lock()
	st, ok := m.states[stateKey{region, client, searchID}]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.advance(st)
}

// Stop implements search stop: drop the state without reporting anything
// further.
func (m *Manager) Stop(region space.RegionID, client space.EntityID, searchID uint64) {
	key := stateKey{region, client, searchID}
	m.mu.Lock()
	st, ok := m.states[key]
	delete(m.states, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if !st.done {
		st.snap.Close()
		st.done = true
	}
	st.mu.Unlock()
}

func (m *Manager) advance(st *searchState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return
	}

	for {
		entry, ok, err := st.snap.Next()
		if err != nil {
			m.finishLocked(st, wire.ServerError)
			return
		}
		if !ok {
			m.finishLocked(st, wire.Success)
			return
		}
		row := rowWithKey(entry.Key, entry.Values)
		if !st.full.Matches(row) {
			continue
		}
		body := wire.EncodeSearchItemResp(wire.SearchItemRespBody{
			SearchID: st.searchID, Version: entry.Version, Key: entry.Key, Value: row,
		})
		if err := m.sender.Send(space.EntityID{Region: st.region}, st.client, wire.RespSearchItem, body); err != nil {
			m.log.Warn("search item send failed", "search_id", st.searchID, "err", err)
		}
		return
	}
}

// finishLocked reports RESP_SEARCH_DONE and destroys the state. Must be
// called with st.mu held.
func (m *Manager) finishLocked(st *searchState, code wire.RespCode) {
	st.done = true
	st.snap.Close()
	body := wire.EncodeSearchDoneResp(wire.SearchDoneRespBody{SearchID: st.searchID, Code: code})
	if err := m.sender.Send(space.EntityID{Region: st.region}, st.client, wire.RespSearchDone, body); err != nil {
		m.log.Warn("search done send failed", "search_id", st.searchID, "err", err)
	}
	key := stateKey{st.region, st.client, st.searchID}
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
}
