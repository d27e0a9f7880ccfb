package replication

// entry pairs a version with the op at that version, the Go equivalent of
// the original's std::deque<std::pair<uint64_t, intrusive_ptr<T>>>.
type entry struct {
	version uint64
	op      *Pending
}

type deferredEntry struct {
	version uint64
	op      *DeferredOp
}

// Keyholder is the per-key in-memory state machine of spec.md §4.4: three
// FIFOs (committable, blocked, deferred) plus the last version flushed to
// disk. Grounded directly on replication_manager::keyholder — the deque
// operations there (front/back/push/pop) map onto slice operations here,
// since Go's slice already gives O(1) amortized append and a cheap
// reslice-from-front for the FIFO pop every caller here performs.
type Keyholder struct {
	committable   []entry
	blocked       []entry
	deferred      []deferredEntry
	versionOnDisk uint64
}

func newKeyholder(versionOnDisk uint64) *Keyholder {
	return &Keyholder{versionOnDisk: versionOnDisk}
}

func (k *Keyholder) empty() bool {
	return len(k.committable) == 0 && len(k.blocked) == 0 && len(k.deferred) == 0
}

func (k *Keyholder) hasCommittable() bool { return len(k.committable) > 0 }
func (k *Keyholder) hasBlocked() bool     { return len(k.blocked) > 0 }
func (k *Keyholder) hasDeferred() bool    { return len(k.deferred) > 0 }

// getByVersion finds the op at version across committable then blocked, in
// that order, mirroring get_by_version's early-exit-on-overshoot scan.
func (k *Keyholder) getByVersion(version uint64) *Pending {
	if n := len(k.committable); n > 0 && k.committable[n-1].version >= version {
		for _, e := range k.committable {
			if e.version == version {
				return e.op
			}
			if e.version > version {
				return nil
			}
		}
	}
	if n := len(k.blocked); n > 0 && k.blocked[n-1].version >= version {
		for _, e := range k.blocked {
			if e.version == version {
				return e.op
			}
			if e.version > version {
				return nil
			}
		}
	}
	return nil
}

// mostRecentVersion returns the highest version across committable and
// blocked (blocked is always the more recent of the two, since ops only
// ever move committable←blocked←deferred), or (0, false) if both are
// empty; callers then fall back to versionOnDisk.
func (k *Keyholder) mostRecentVersion() (uint64, bool) {
	if n := len(k.blocked); n > 0 {
		return k.blocked[n-1].version, true
	}
	if n := len(k.committable); n > 0 {
		return k.committable[n-1].version, true
	}
	return 0, false
}

func (k *Keyholder) mostRecentOp() *Pending {
	if n := len(k.blocked); n > 0 {
		return k.blocked[n-1].op
	}
	if n := len(k.committable); n > 0 {
		return k.committable[n-1].op
	}
	return nil
}

func (k *Keyholder) oldestCommittable() (uint64, *Pending, bool) {
	if len(k.committable) == 0 {
		return 0, nil, false
	}
	e := k.committable[0]
	return e.version, e.op, true
}

func (k *Keyholder) oldestBlocked() (uint64, *Pending, bool) {
	if len(k.blocked) == 0 {
		return 0, nil, false
	}
	e := k.blocked[0]
	return e.version, e.op, true
}

func (k *Keyholder) oldestDeferred() (uint64, *DeferredOp, bool) {
	if len(k.deferred) == 0 {
		return 0, nil, false
	}
	e := k.deferred[0]
	return e.version, e.op, true
}

func (k *Keyholder) appendBlocked(version uint64, op *Pending) {
	op.Version = version
	k.blocked = append(k.blocked, entry{version, op})
}

// insertDeferred inserts in version order via a linear scan, matching
// insert_deferred's "advance while d->first <= version" placement.
func (k *Keyholder) insertDeferred(version uint64, op *DeferredOp) {
	i := 0
	for i < len(k.deferred) && k.deferred[i].version <= version {
		i++
	}
	k.deferred = append(k.deferred, deferredEntry{})
	copy(k.deferred[i+1:], k.deferred[i:])
	k.deferred[i] = deferredEntry{version, op}
}

func (k *Keyholder) removeOldestCommittable() {
	k.committable = k.committable[1:]
}

func (k *Keyholder) removeOldestDeferred() {
	k.deferred = k.deferred[1:]
}

func (k *Keyholder) removeOldestBlocked() {
	k.blocked = k.blocked[1:]
}

func (k *Keyholder) setVersionOnDisk(version uint64) {
	k.versionOnDisk = version
}

// transferBlockedToCommittable moves exactly the head of blocked onto the
// tail of committable, per transfer_blocked_to_committable.
func (k *Keyholder) transferBlockedToCommittable() {
	k.committable = append(k.committable, k.blocked[0])
	k.blocked = k.blocked[1:]
}
