// Package space defines HyperDex's data model: spaces, subspaces, regions,
// entity identifiers, and the attribute-hashing scheme that places an object
// onto one or more subspaces.
//
// # Overview
//
// A space is a named table with an ordered list of typed attributes;
// attribute 0 is always the key. A subspace hashes a chosen subset of those
// attributes onto a 64-bit point; subspace 0 (the key subspace) hashes the
// key alone and defines the point leader for client requests. A region is a
// contiguous prefix of a subspace's 64-bit point space, assigned to an
// ordered chain of server instances.
//
// Hashing is pluggable behind the Hasher interface: CityHash (the original
// HyperDex hash) is out of scope for this repository, so the default Hasher
// is backed by xxhash, a real non-stdlib hash already present in the
// retrieval pack's dependency graph.
package space
