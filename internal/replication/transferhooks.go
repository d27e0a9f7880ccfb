package replication

import "github.com/dreamware/hyperdex/internal/space"

// ApplyTransferEntry applies one XFER_DATA entry arriving in ascending
// xfer_num order (spec.md §4.5). If the trigger map shows live replication
// already committed this (key, version), or this keyholder already has an
// op at this version, the transfer is already complete for this entry and
// nothing is written. Otherwise the entry is written straight to disk (it
// is, by construction, older than anything live replication is still
// working on) and check_for_deferred_operations runs so any blocked chain
// op waiting on this version can now proceed.
func (m *Manager) ApplyTransferEntry(region space.RegionID, key []byte, version uint64, hasValue bool, value []space.Value) (alreadyCommitted bool, err error) {
	kh, stripe := m.lockKey(region, key)
	defer stripe.Unlock()

	if m.trigger != nil && m.trigger.Has(region, key, version) {
		return true, nil
	}
	if existing := kh.getByVersion(version); existing != nil {
		return true, nil
	}

	if hasValue {
		secondary := value
		if len(secondary) > 0 {
			secondary = secondary[1:]
		}
		err = m.dl.Put(region, key, secondary, version)
	} else {
		err = m.dl.Del(region, key)
	}
	if err != nil {
		return false, err
	}
	kh.setVersionOnDisk(version)
	m.moveOperationsBetweenQueues(region, key, kh)
	return false, nil
}
