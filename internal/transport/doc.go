// Package transport implements the entity-addressed logical transport
// (spec.md §4.3): every message carries (src_entity, dst_entity,
// src_out_epoch, dst_in_epoch, type_tag), resolved against the current
// coordinator configuration rather than a raw network address. Connections
// to other server instances are length-prefixed TCP framed with
// internal/wire headers; client connections are tracked by a fabricated
// client number rather than an entity, since clients are never named in a
// Configuration. Client numbers are one-byte slots recycled from a fixed
// table of 256, not values of an ever-increasing counter.
package transport
