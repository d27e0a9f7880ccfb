package replication

import (
	"errors"

	"github.com/dreamware/hyperdex/internal/wire"
)

// Sentinel errors for client-originated operations (spec.md §4.4, §7).
// Each maps to one wire.RespCode via RespCodeFor so the daemon's request
// handler can reply without re-deriving the mapping.
var (
	ErrNotUs      = errors.New("replication: this server is not the point-leader for this key")
	ErrBadDimSpec = errors.New("replication: attribute out of range or type mismatch")
	ErrReadOnly   = errors.New("replication: read-only, server is quiescing")
	ErrNotFound   = errors.New("replication: key has no value")
	ErrCmpFail    = errors.New("replication: condput condition failed")
	ErrBadMicros  = errors.New("replication: atomic ops out of order, duplicated, or type-mismatched")
	ErrOverflow   = errors.New("replication: int64 arithmetic overflow")

	// ErrBadAdjacency is internal: a fresh chain_put arrived whose version
	// does not directly follow the key's most recent known version, so it
	// cannot be deferred.
	ErrBadAdjacency = errors.New("replication: fresh chain_put does not follow the key's latest version")
)

// RespCodeFor maps a client-op error to the wire response code the
// point-leader sends back to the originating client. Any error not listed
// here is an internal fault and maps to SERVERERROR, matching the
// scope-guard policy described in spec.md §7.
func RespCodeFor(err error) wire.RespCode {
	switch {
	case err == nil:
		return wire.Success
	case errors.Is(err, ErrNotUs):
		return wire.NotUs
	case errors.Is(err, ErrBadDimSpec):
		return wire.BadDimSpec
	case errors.Is(err, ErrReadOnly):
		return wire.ReadOnly
	case errors.Is(err, ErrNotFound):
		return wire.NotFound
	case errors.Is(err, ErrCmpFail):
		return wire.CmpFail
	case errors.Is(err, ErrBadMicros):
		return wire.BadMicros
	case errors.Is(err, ErrOverflow):
		return wire.Overflow
	default:
		return wire.ServerError
	}
}
