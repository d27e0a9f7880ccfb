// Package disk implements HyperDex's durable column-oriented store,
// keyed by (region, key): spec.md §4.1. A Disk supports point get/put/del,
// a point-in-time Snapshot restricted to a search coordinate, a
// scan-resumable RollingSnapshot used for state transfer, and a quiesce
// fence that marks the disk durable under a named snapshot id.
//
// Two implementations are provided. MemDisk is an in-memory, btree-ordered
// store used by tests; the daemon always opens BadgerDisk. BadgerDisk is
// the production implementation, backed by
// github.com/dgraph-io/badger/v4 — already present in the retrieval pack's
// dependency graph as marmos91-dittofs's metadata engine.
package disk
