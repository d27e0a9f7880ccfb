// Package config holds the Configuration snapshot a server receives from
// the coordinator (spec.md §3 "Configuration") and the parser that turns
// the coordinator's line-oriented directive stream (spec.md §6.1) into one.
//
// A Configuration is parsed wholesale or not at all: directives are staged
// into per-kind tables as they arrive, and only once every directive has
// parsed and every cross-reference (host-id, space-id, subspace-id)
// resolves is the staged build promoted to a usable Configuration. This
// mirrors the original hyperdex/configuration.h, which parses hosts,
// spaces, subspaces and regions into separate ordered tables before
// resolving references between them.
package config
