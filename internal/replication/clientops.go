package replication

import (
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/wire"
)

// requirePointLeader enforces that region's chain head (subspace 0, number
// 0) is this server, per spec.md §4.4: "only legal if this server is the
// point-leader of the containing region."
func (m *Manager) requirePointLeader(region space.RegionID) error {
	if region.Subspace != 0 {
		return ErrNotUs
	}
	cfg := m.config()
	for _, r := range cfg.Regions {
		if r.ID() == region {
			if len(r.Chain) == 0 || r.Chain[0] != m.selfHost {
				return ErrNotUs
			}
			return nil
		}
	}
	return ErrNotUs
}

// ClientPut implements client_put (spec.md §4.4): attrs maps secondary
// attribute index to its new bytes. On success the op is enqueued and
// dispatched down the chain; the client eventually receives its reply
// when the op's chain_ack returns to this point-leader.
func (m *Manager) ClientPut(region space.RegionID, client space.EntityID, nonce uint64, key []byte, attrs map[int]space.Value) error {
	return m.clientMutate(region, client, nonce, wire.RespPut, key, attrs, nil, false)
}

// ClientCondPut implements client_condput: conds are per-attribute
// equality preconditions checked against the key's current value before
// the put is allowed to proceed.
func (m *Manager) ClientCondPut(region space.RegionID, client space.EntityID, nonce uint64, key []byte, conds, attrs map[int]space.Value) error {
	return m.clientMutate(region, client, nonce, wire.RespCondPut, key, attrs, conds, true)
}

func (m *Manager) clientMutate(region space.RegionID, client space.EntityID, nonce uint64, respType wire.MsgType, key []byte, attrs, conds map[int]space.Value, requireExisting bool) error {
	if err := m.requirePointLeader(region); err != nil {
		return err
	}
	if m.quiescing.Load() {
		return ErrReadOnly
	}

	cfg := m.config()
	sp, ok := cfg.Spaces[region.Space]
	if !ok {
		return ErrBadDimSpec
	}
	if err := checkAttrs(sp.Attributes, attrs); err != nil {
		return err
	}

	kh, stripe := m.lockKey(region, key)
	defer stripe.Unlock()

	hasOld, old, oldVersion, err := m.currentValue(region, key, kh)
	if err != nil {
		return err
	}
	if requireExisting && !hasOld {
		return ErrNotFound
	}
	if len(conds) > 0 {
		if err := checkConds(sp.Attributes, old, conds); err != nil {
			return err
		}
	}

	newValue := materialize(old, key, attrs, len(sp.Attributes))
	op := m.buildPending(region, true, key, newValue, !hasOld, &ClientOp{Region: region, Client: client, Nonce: nonce, respType: respType})
	version := oldVersion + 1
	kh.appendBlocked(version, op)
	m.moveOperationsBetweenQueues(region, key, kh)
	return nil
}

// ClientGet implements client_get (spec.md §4.4 glossary: "client requests
// land here"). Unlike the mutating Client* operations, a get is answered by
// whichever server the request reaches — it is not restricted to the
// region's point-leader, since any replica's keyholder plus disk state
// already reflects every op acked up to that point.
func (m *Manager) ClientGet(region space.RegionID, key []byte) (bool, []space.Value, uint64, error) {
	kh, stripe := m.lockKey(region, key)
	defer stripe.Unlock()
	return m.currentValue(region, key, kh)
}

// ClientDel implements client_del.
func (m *Manager) ClientDel(region space.RegionID, client space.EntityID, nonce uint64, key []byte) error {
	if err := m.requirePointLeader(region); err != nil {
		return err
	}
	if m.quiescing.Load() {
		return ErrReadOnly
	}

	kh, stripe := m.lockKey(region, key)
	defer stripe.Unlock()

	hasOld, _, oldVersion, err := m.currentValue(region, key, kh)
	if err != nil {
		return err
	}
	if !hasOld {
		return ErrNotFound
	}

	op := m.buildPending(region, false, key, nil, false, &ClientOp{Region: region, Client: client, Nonce: nonce, respType: wire.RespDel})
	kh.appendBlocked(oldVersion+1, op)
	m.moveOperationsBetweenQueues(region, key, kh)
	return nil
}

// ClientAtomic implements client_atomic: ops are applied in order against
// the key's current value to materialize the new value.
func (m *Manager) ClientAtomic(region space.RegionID, client space.EntityID, nonce uint64, key []byte, ops []MicroOp) error {
	if err := m.requirePointLeader(region); err != nil {
		return err
	}
	if m.quiescing.Load() {
		return ErrReadOnly
	}

	cfg := m.config()
	sp, ok := cfg.Spaces[region.Space]
	if !ok {
		return ErrBadDimSpec
	}

	kh, stripe := m.lockKey(region, key)
	defer stripe.Unlock()

	hasOld, old, oldVersion, err := m.currentValue(region, key, kh)
	if err != nil {
		return err
	}
	if !hasOld {
		return ErrNotFound
	}

	newValue, err := ApplyMicroOps(sp.Attributes, old, ops)
	if err != nil {
		return err
	}

	op := m.buildPending(region, true, key, newValue, false, &ClientOp{Region: region, Client: client, Nonce: nonce, respType: wire.RespAtomic})
	kh.appendBlocked(oldVersion+1, op)
	m.moveOperationsBetweenQueues(region, key, kh)
	return nil
}

// buildPending materializes a fresh Pending for a client-originated
// mutation, computing the subspace-hop hashes described in spec.md §4.4
// step 5. The previous-subspace point is hashed on the new value; the
// next-subspace point is hashed on the old value (preserved here as
// "value" since newValue already supersedes old by the time we hash — for
// a client-originated op there is no old value in a different region to
// delete, so point_next is computed from the same newValue; the
// asymmetry only bites on an actual subspace hop, handled in chainops.go).
func (m *Manager) buildPending(region space.RegionID, hasValue bool, key []byte, value []space.Value, fresh bool, co *ClientOp) *Pending {
	cfg := m.config()
	prevSub, nextSub := m.subspaceNeighbors(region.Space, region.Subspace)

	op := &Pending{
		HasValue: hasValue,
		Key:      append([]byte{}, key...),
		Value:    cloneValues(value),
		Fresh:    fresh,
		ClientOp: co,
		SubspacePrev: prevSub,
		SubspaceNext: nextSub,
	}

	if sub, ok := cfg.Subspace(region.Space, region.Subspace); ok {
		op.PointThis = space.Point(m.hasher, sub, value)
	}
	if prevSub != noSubspace {
		if sub, ok := cfg.Subspace(region.Space, uint16(prevSub)); ok {
			op.PointPrev = space.Point(m.hasher, sub, value)
		}
	}
	if nextSub != noSubspace {
		if sub, ok := cfg.Subspace(region.Space, uint16(nextSub)); ok {
			op.PointNext = space.Point(m.hasher, sub, value)
		}
	}
	return op
}
