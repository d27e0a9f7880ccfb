package replication

import (
	"encoding/binary"

	"github.com/dreamware/hyperdex/internal/space"
)

// MicroOpKind enumerates the atomic sub-operations spec.md §4.4 allows in a
// client_atomic request.
type MicroOpKind uint8

const (
	OpSet MicroOpKind = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpAppend
	OpPrepend
	OpLPush
	OpRPush
)

// category groups a MicroOpKind by which attribute types may use it; two
// ops on the same attribute from different categories conflict and are
// rejected with BADMICROS (spec.md §4.4: "duplicate-for-conflicting-
// category on one attr").
type category uint8

const (
	categoryInt category = iota
	categoryString
	categoryList
)

func (k MicroOpKind) category() category {
	switch k {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr, OpXor:
		return categoryInt
	case OpAppend, OpPrepend:
		return categoryString
	case OpLPush, OpRPush:
		return categoryList
	default:
		return categoryInt // OpSet is valid against any category; never compared
	}
}

// MicroOp is one operation in a client_atomic request, already bound to an
// attribute index.
type MicroOp struct {
	Attr  int
	Kind  MicroOpKind
	Value space.Value
}

// ApplyMicroOps validates and applies ops against old (the key's current
// full value) under schema, returning the new full value. It enforces
// spec.md §4.4's BADMICROS conditions: ops must be sorted by attribute
// index, at most one category of op may target a given attribute, and
// each op's category must be compatible with that attribute's declared
// type. On a map attribute only a plain set (a whole-value replace) is
// accepted; every other op kind on a map attribute returns ErrBadMicros.
func ApplyMicroOps(schema []space.Attribute, old []space.Value, ops []MicroOp) ([]space.Value, error) {
	out := make([]space.Value, len(old))
	copy(out, old)

	lastAttr := -1
	var lastCategory category
	haveLast := false

	for _, op := range ops {
		if op.Attr <= 0 || op.Attr >= len(schema) {
			return nil, ErrBadDimSpec
		}
		if op.Attr < lastAttr {
			return nil, ErrBadMicros
		}
		cat := op.Kind.category()
		if op.Attr == lastAttr && haveLast && op.Kind != OpSet && cat != lastCategory {
			return nil, ErrBadMicros
		}
		if op.Attr != lastAttr {
			haveLast = false
		}
		lastAttr = op.Attr
		if op.Kind != OpSet {
			lastCategory, haveLast = cat, true
		}

		attrType := schema[op.Attr].Type
		if op.Kind != OpSet && isMapType(attrType) {
			return nil, ErrBadMicros
		}

		newVal, err := applyOne(attrType, out[op.Attr], op)
		if err != nil {
			return nil, err
		}
		out[op.Attr] = newVal
	}
	return out, nil
}

func isMapType(t space.AttrType) bool {
	switch t {
	case space.AttrMapStringString, space.AttrMapStringInt64, space.AttrMapInt64String, space.AttrMapInt64Int64:
		return true
	default:
		return false
	}
}

func applyOne(attrType space.AttrType, cur space.Value, op MicroOp) (space.Value, error) {
	switch op.Kind {
	case OpSet:
		return op.Value, nil
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr, OpXor:
		if attrType != space.AttrInt64 {
			return nil, ErrBadMicros
		}
		return applyIntOp(cur, op)
	case OpAppend, OpPrepend:
		if attrType != space.AttrString && attrType != space.AttrDocument {
			return nil, ErrBadMicros
		}
		if op.Kind == OpAppend {
			return append(append(space.Value{}, cur...), op.Value...), nil
		}
		return append(append(space.Value{}, op.Value...), cur...), nil
	case OpLPush, OpRPush:
		if attrType != space.AttrListString && attrType != space.AttrListInt64 {
			return nil, ErrBadMicros
		}
		return applyListPush(cur, op)
	default:
		return nil, ErrBadMicros
	}
}

// applyIntOp decodes cur and op.Value as little-endian int64 (spec.md §3),
// applies the arithmetic, and re-encodes. int64 overflow wraps using
// ordinary two's-complement semantics — the implementer's documented
// resolution of spec.md §9's open overflow question (also recorded in
// DESIGN.md), matching scenario #4's wrap expectation.
func applyIntOp(cur space.Value, op MicroOp) (space.Value, error) {
	a, err := decodeInt64(cur)
	if err != nil {
		return nil, err
	}
	b, err := decodeInt64(op.Value)
	if err != nil {
		return nil, err
	}

	var r int64
	switch op.Kind {
	case OpAdd:
		r = a + b
	case OpSub:
		r = a - b
	case OpMul:
		r = a * b
	case OpDiv:
		if b == 0 {
			return nil, ErrBadMicros
		}
		r = a / b
	case OpMod:
		if b == 0 {
			return nil, ErrBadMicros
		}
		r = a % b
	case OpAnd:
		r = a & b
	case OpOr:
		r = a | b
	case OpXor:
		r = a ^ b
	default:
		return nil, ErrBadMicros
	}
	return encodeInt64(r), nil
}

func decodeInt64(v space.Value) (int64, error) {
	if len(v) != 8 {
		return 0, ErrBadMicros
	}
	return int64(binary.LittleEndian.Uint64(v)), nil
}

func encodeInt64(v int64) space.Value {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func applyListPush(cur space.Value, op MicroOp) (space.Value, error) {
	if op.Kind == OpLPush {
		return append(append(space.Value{}, op.Value...), cur...), nil
	}
	return append(append(space.Value{}, cur...), op.Value...), nil
}
