package replication

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/datalayer"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

// stripeCount is the fixed size of the striped lock array (spec.md §5: "a
// fixed size L (e.g. 256 or 1024)").
const stripeCount = 256

// Sender is the subset of *transport.Transport the replication manager
// needs to dispatch chain messages and client replies.
type Sender interface {
	Send(from, to space.EntityID, msgType wire.MsgType, body []byte) error
}

type khKey struct {
	region space.RegionID
	key    string
}

// Manager is the replication manager, the core of the core (spec.md
// §4.4): it owns every live keyholder this server hosts, validates and
// enqueues client- and chain-originated ops, and drives them through the
// chain via Sender.
type Manager struct {
	log      *slog.Logger
	dl       *datalayer.Datalayer
	sender   Sender
	hasher   space.Hasher
	selfHost space.HostID

	cfg atomic.Pointer[config.Configuration]

	stripes    [stripeCount]sync.Mutex
	keyholders sync.Map // khKey -> *Keyholder

	// trigger records committed (region, key, version) tuples for
	// internal/xfer to consult; nil until SetTriggerMap is called, which
	// only the daemon's state-transfer wiring does.
	trigger *TriggerMap

	// lookupGroup collapses concurrent first-touch keyholder creation for
	// the same (region, key) into a single disk read: if two goroutines
	// miss the keyholders map at once, one performs the dl.Get and
	// LoadOrStore, the other adopts its result (spec.md §9: "insertions
	// race: if two threads miss, one wins the insert and the other adopts
	// the winner's handle").
	lookupGroup singleflight.Group

	quiescing atomic.Bool
}

// New creates a Manager. cfg is the initial configuration; SetConfig swaps
// it on every accepted reconfiguration.
func New(log *slog.Logger, dl *datalayer.Datalayer, sender Sender, hasher space.Hasher, selfHost space.HostID, cfg *config.Configuration) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:      log.With("component", "replication"),
		dl:       dl,
		sender:   sender,
		hasher:   hasher,
		selfHost: selfHost,
	}
	m.cfg.Store(cfg)
	return m
}

// SetTriggerMap wires the shared trigger map internal/xfer reads from; the
// daemon calls this once during startup before either subsystem runs.
func (m *Manager) SetTriggerMap(t *TriggerMap) { m.trigger = t }

func (m *Manager) SetConfig(cfg *config.Configuration) { m.cfg.Store(cfg) }
func (m *Manager) config() *config.Configuration       { return m.cfg.Load() }

// LiveKeyholders reports how many keyholders currently exist in memory,
// for the daemon's keyholder-depth gauge.
func (m *Manager) LiveKeyholders() int {
	n := 0
	m.keyholders.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Quiesced reports whether every keyholder has drained (spec.md §4.4
// Quiesce, §8 invariant 8). The periodic thread polls this while waiting
// to report quiesced to the coordinator.
func (m *Manager) Quiesced() bool {
	empty := true
	m.keyholders.Range(func(_, v any) bool {
		if !v.(*Keyholder).empty() {
			empty = false
			return false
		}
		return true
	})
	return empty
}

// BeginQuiesce switches the manager read-only: further client mutations
// fail with ErrReadOnly (spec.md §4.4 Quiesce).
func (m *Manager) BeginQuiesce() { m.quiescing.Store(true) }

// retransmitAfter is how long a committable op may go without a fresh ack
// before the periodic thread re-sends it (spec.md §5: "stuck operations
// are visible only via the retransmission loop").
const retransmitAfter = 2 * time.Second

// Retransmit re-sends every committable op across every keyholder whose
// last send is older than retransmitAfter. Chain message handling already
// treats redelivery of an already-applied version as a no-op re-ack
// (spec.md §4.4, §3 invariant 1), so resending is always safe.
func (m *Manager) Retransmit() {
	var stale []khKey
	m.keyholders.Range(func(k, _ any) bool {
		stale = append(stale, k.(khKey))
		return true
	})

	for _, t := range stale {
		kh, stripe := m.lockKey(t.region, []byte(t.key))
		for _, e := range kh.committable {
			if time.Since(e.op.SentAt) > retransmitAfter {
				m.sendMessage(t.region, []byte(t.key), e.op)
			}
		}
		stripe.Unlock()
	}
}

// RunLoops runs the replication manager's periodic thread (spec.md §5):
// retransmission of stuck committable ops.
func (m *Manager) RunLoops(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(retransmitAfter / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				m.Retransmit()
			}
		}
	})
	return g.Wait()
}

func stripeIndex(region space.RegionID, key []byte) int {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d.%d/%d:%x", region.Space, region.Subspace, region.Prefix, region.Mask)
	h.Write(key)
	return int(h.Sum64() % stripeCount)
}

// lockKey resolves the keyholder for (region, key) via the lock-free
// keyholders map, then acquires that key's stripe lock. A miss on the
// map is resolved through lookupGroup rather than directly, so concurrent
// first-touch lookups for the same key share one disk read instead of
// racing independent ones.
func (m *Manager) lockKey(region space.RegionID, key []byte) (*Keyholder, *sync.Mutex) {
	k := khKey{region, string(key)}

	v, ok := m.keyholders.Load(k)
	if !ok {
		sfKey := fmt.Sprintf("%d.%d/%d:%x\x00%s", region.Space, region.Subspace, region.Prefix, region.Mask, key)
		result, _, _ := m.lookupGroup.Do(sfKey, func() (interface{}, error) {
			if existing, ok := m.keyholders.Load(k); ok {
				return existing, nil
			}
			versionOnDisk := uint64(0)
			if got, err := m.dl.Get(region, key); err == nil && got.Found {
				versionOnDisk = got.Version
			}
			kh := newKeyholder(versionOnDisk)
			actual, _ := m.keyholders.LoadOrStore(k, kh)
			return actual, nil
		})
		v = result
	}

	stripe := &m.stripes[stripeIndex(region, key)]
	stripe.Lock()
	return v.(*Keyholder), stripe
}

// tryDestroy drops the keyholder from the concurrent map if it has become
// empty and its version-on-disk already reflects the most recent ack
// (spec.md §3 invariant 5). Must be called with the key's stripe held.
func (m *Manager) tryDestroy(region space.RegionID, key []byte, kh *Keyholder) {
	if kh.empty() {
		m.keyholders.Delete(khKey{region, string(key)})
	}
}

// currentValue returns (hasOld, value, version) from the most recent
// pending op if any, else from disk — spec.md §4.4 step 2. The returned
// row, like every Value slice elsewhere in this package, is schema-
// aligned with the key occupying index 0; Disk itself stores the key
// separately from its secondary attributes, so a disk-sourced row has the
// key spliced back in at index 0 here, once, at this single boundary.
func (m *Manager) currentValue(region space.RegionID, key []byte, kh *Keyholder) (bool, []space.Value, uint64, error) {
	if op := kh.mostRecentOp(); op != nil {
		v, _ := kh.mostRecentVersion()
		return op.HasValue, op.Value, v, nil
	}
	got, err := m.dl.Get(region, key)
	if err != nil {
		return false, nil, 0, err
	}
	if !got.Found {
		return false, nil, got.Version, nil
	}
	return true, rowWithKey(key, got.Values), got.Version, nil
}

// rowWithKey splices key into index 0 of a disk-sourced secondary-
// attribute slice, producing the schema-aligned row the rest of this
// package works with.
func rowWithKey(key []byte, secondary []space.Value) []space.Value {
	out := make([]space.Value, len(secondary)+1)
	out[0] = space.Value(key)
	copy(out[1:], secondary)
	return out
}

// persist writes a fully-acked op to disk: a put if it carries a value,
// a delete otherwise. The schema-aligned row's index 0 (the key) is
// dropped since Disk takes the key as a separate parameter.
func (m *Manager) persist(region space.RegionID, key []byte, op *Pending) error {
	if !op.HasValue {
		return m.dl.Del(region, key)
	}
	secondary := op.Value
	if len(secondary) > 0 {
		secondary = secondary[1:]
	}
	return m.dl.Put(region, key, secondary, op.Version)
}

// subspaceNeighbors returns the predecessor and successor subspace ids for
// spaceID/subspaceID, or noSubspace if none exists.
func (m *Manager) subspaceNeighbors(spaceID uint32, subspaceID uint16) (prev, next int) {
	cfg := m.config()
	prev, next = noSubspace, noSubspace
	if subspaceID > 0 {
		prev = int(subspaceID) - 1
	}
	if int(subspaceID)+1 < cfg.NumSubspaces(spaceID) {
		next = int(subspaceID) + 1
	}
	return prev, next
}

// materialize applies attrs (a partial set of secondary-attribute
// overrides, indices always >0) on top of old, producing a full
// schema-aligned row with key spliced into index 0.
func materialize(old []space.Value, key []byte, attrs map[int]space.Value, schemaLen int) []space.Value {
	n := schemaLen
	if n < len(old) {
		n = len(old)
	}
	out := make([]space.Value, n)
	copy(out, old)
	out[0] = space.Value(key)
	for idx, v := range attrs {
		for len(out) <= idx {
			out = append(out, nil)
		}
		out[idx] = v
	}
	return out
}

func cloneValues(vs []space.Value) []space.Value {
	out := make([]space.Value, len(vs))
	for i, v := range vs {
		out[i] = append(space.Value{}, v...)
	}
	return out
}

// checkAttrs validates that every attribute index in attrs is a secondary
// attribute (not 0, the key) within schema bounds, returning ErrBadDimSpec
// otherwise.
func checkAttrs(schema []space.Attribute, attrs map[int]space.Value) error {
	for idx := range attrs {
		if idx <= 0 || idx >= len(schema) {
			return ErrBadDimSpec
		}
	}
	return nil
}

func checkConds(schema []space.Attribute, old []space.Value, conds map[int]space.Value) error {
	for idx, want := range conds {
		if idx <= 0 || idx >= len(schema) {
			return ErrBadDimSpec
		}
		if idx >= len(old) || string(old[idx]) != string(want) {
			return ErrCmpFail
		}
	}
	return nil
}
