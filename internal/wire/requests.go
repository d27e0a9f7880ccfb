package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/dreamware/hyperdex/internal/space"
)

// AttrKV is one (attribute index, value) pair, the wire shape of a client
// put's attrs map or a condput's conds map (spec.md §4.4).
type AttrKV struct {
	Attr  int
	Value space.Value
}

func putAttrList(buf []byte, kvs []AttrKV) []byte {
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], uint32(len(kvs)))
	buf = append(buf, cb[:]...)
	for _, kv := range kvs {
		buf = PutUint16(buf, uint16(kv.Attr))
		buf = putSlice(buf, kv.Value)
	}
	return buf
}

func getAttrList(b []byte) (out []AttrKV, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated attr list count")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	out = make([]AttrKV, 0, n)
	for i := uint32(0); i < n; i++ {
		var idx uint16
		idx, b, err = GetUint16(b)
		if err != nil {
			return nil, nil, err
		}
		var v []byte
		v, b, err = getSlice(b)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, AttrKV{Attr: int(idx), Value: space.Value(v)})
	}
	return out, b, nil
}

// NonceRespBody is the common shape of every RESP_* that carries only a
// nonce and a response code (RESP_PUT, RESP_CONDPUT, RESP_DEL, RESP_ATOMIC,
// RESP_SEARCH_DONE without a key).
type NonceRespBody struct {
	Nonce uint64
	Code  RespCode
}

func EncodeNonceResp(b NonceRespBody) []byte {
	out := PutUint64(nil, b.Nonce)
	return PutUint16(out, uint16(b.Code))
}

func DecodeNonceResp(b []byte) (NonceRespBody, error) {
	nonce, rest, err := GetUint64(b)
	if err != nil {
		return NonceRespBody{}, err
	}
	code, _, err := GetUint16(rest)
	if err != nil {
		return NonceRespBody{}, err
	}
	return NonceRespBody{Nonce: nonce, Code: RespCode(code)}, nil
}

// GetReqBody is REQ_GET's payload: <nonce u64><key slice>.
type GetReqBody struct {
	Nonce uint64
	Key   []byte
}

func EncodeGetReq(b GetReqBody) []byte {
	out := PutUint64(nil, b.Nonce)
	return putSlice(out, b.Key)
}

func DecodeGetReq(b []byte) (GetReqBody, error) {
	nonce, rest, err := GetUint64(b)
	if err != nil {
		return GetReqBody{}, err
	}
	key, _, err := getSlice(rest)
	if err != nil {
		return GetReqBody{}, err
	}
	return GetReqBody{Nonce: nonce, Key: key}, nil
}

// GetRespBody is RESP_GET's payload: <nonce u64><code u16><has_value u8><value vector>.
type GetRespBody struct {
	Nonce    uint64
	Code     RespCode
	HasValue bool
	Value    []space.Value
}

func EncodeGetResp(b GetRespBody) []byte {
	out := PutUint64(nil, b.Nonce)
	out = PutUint16(out, uint16(b.Code))
	hv := byte(0)
	if b.HasValue {
		hv = 1
	}
	out = append(out, hv)
	return putVector(out, b.Value)
}

func DecodeGetResp(b []byte) (GetRespBody, error) {
	nonce, rest, err := GetUint64(b)
	if err != nil {
		return GetRespBody{}, err
	}
	code, rest, err := GetUint16(rest)
	if err != nil {
		return GetRespBody{}, err
	}
	if len(rest) < 1 {
		return GetRespBody{}, fmt.Errorf("wire: truncated get_resp has_value")
	}
	hasValue := rest[0] != 0
	val, _, err := getVector(rest[1:])
	if err != nil {
		return GetRespBody{}, err
	}
	return GetRespBody{Nonce: nonce, Code: RespCode(code), HasValue: hasValue, Value: val}, nil
}

// PutReqBody is REQ_PUT's payload: <nonce u64><key slice><attrs list>.
type PutReqBody struct {
	Nonce uint64
	Key   []byte
	Attrs []AttrKV
}

func EncodePutReq(b PutReqBody) []byte {
	out := PutUint64(nil, b.Nonce)
	out = putSlice(out, b.Key)
	return putAttrList(out, b.Attrs)
}

func DecodePutReq(b []byte) (PutReqBody, error) {
	nonce, rest, err := GetUint64(b)
	if err != nil {
		return PutReqBody{}, err
	}
	key, rest, err := getSlice(rest)
	if err != nil {
		return PutReqBody{}, err
	}
	attrs, _, err := getAttrList(rest)
	if err != nil {
		return PutReqBody{}, err
	}
	return PutReqBody{Nonce: nonce, Key: key, Attrs: attrs}, nil
}

// CondPutReqBody is REQ_CONDPUT's payload:
// <nonce u64><key slice><conds list><attrs list>.
type CondPutReqBody struct {
	Nonce uint64
	Key   []byte
	Conds []AttrKV
	Attrs []AttrKV
}

func EncodeCondPutReq(b CondPutReqBody) []byte {
	out := PutUint64(nil, b.Nonce)
	out = putSlice(out, b.Key)
	out = putAttrList(out, b.Conds)
	return putAttrList(out, b.Attrs)
}

func DecodeCondPutReq(b []byte) (CondPutReqBody, error) {
	nonce, rest, err := GetUint64(b)
	if err != nil {
		return CondPutReqBody{}, err
	}
	key, rest, err := getSlice(rest)
	if err != nil {
		return CondPutReqBody{}, err
	}
	conds, rest, err := getAttrList(rest)
	if err != nil {
		return CondPutReqBody{}, err
	}
	attrs, _, err := getAttrList(rest)
	if err != nil {
		return CondPutReqBody{}, err
	}
	return CondPutReqBody{Nonce: nonce, Key: key, Conds: conds, Attrs: attrs}, nil
}

// DelReqBody is REQ_DEL's payload: <nonce u64><key slice>.
type DelReqBody struct {
	Nonce uint64
	Key   []byte
}

func EncodeDelReq(b DelReqBody) []byte {
	out := PutUint64(nil, b.Nonce)
	return putSlice(out, b.Key)
}

func DecodeDelReq(b []byte) (DelReqBody, error) {
	nonce, rest, err := GetUint64(b)
	if err != nil {
		return DelReqBody{}, err
	}
	key, _, err := getSlice(rest)
	if err != nil {
		return DelReqBody{}, err
	}
	return DelReqBody{Nonce: nonce, Key: key}, nil
}

// AtomicOpWire is one micro-op in a REQ_ATOMIC payload.
type AtomicOpWire struct {
	Attr  int
	Kind  uint8
	Value space.Value
}

// AtomicReqBody is REQ_ATOMIC's payload: <nonce u64><key slice><ops list>.
type AtomicReqBody struct {
	Nonce uint64
	Key   []byte
	Ops   []AtomicOpWire
}

func EncodeAtomicReq(b AtomicReqBody) []byte {
	out := PutUint64(nil, b.Nonce)
	out = putSlice(out, b.Key)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], uint32(len(b.Ops)))
	out = append(out, cb[:]...)
	for _, op := range b.Ops {
		out = PutUint16(out, uint16(op.Attr))
		out = append(out, op.Kind)
		out = putSlice(out, op.Value)
	}
	return out
}

func DecodeAtomicReq(b []byte) (AtomicReqBody, error) {
	nonce, rest, err := GetUint64(b)
	if err != nil {
		return AtomicReqBody{}, err
	}
	key, rest, err := getSlice(rest)
	if err != nil {
		return AtomicReqBody{}, err
	}
	if len(rest) < 4 {
		return AtomicReqBody{}, fmt.Errorf("wire: truncated atomic op count")
	}
	n := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	ops := make([]AtomicOpWire, 0, n)
	for i := uint32(0); i < n; i++ {
		var idx uint16
		idx, rest, err = GetUint16(rest)
		if err != nil {
			return AtomicReqBody{}, err
		}
		if len(rest) < 1 {
			return AtomicReqBody{}, fmt.Errorf("wire: truncated atomic op kind")
		}
		kind := rest[0]
		rest = rest[1:]
		var v []byte
		v, rest, err = getSlice(rest)
		if err != nil {
			return AtomicReqBody{}, err
		}
		ops = append(ops, AtomicOpWire{Attr: int(idx), Kind: kind, Value: space.Value(v)})
	}
	return AtomicReqBody{Nonce: nonce, Key: key, Ops: ops}, nil
}

// --- searches ---

func putBoolVector(buf []byte, bs []bool) []byte {
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], uint32(len(bs)))
	buf = append(buf, cb[:]...)
	for _, on := range bs {
		v := byte(0)
		if on {
			v = 1
		}
		buf = append(buf, v)
	}
	return buf
}

func getBoolVector(b []byte) (out []bool, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated bool vector count")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("wire: truncated bool vector body")
	}
	out = make([]bool, n)
	for i := uint32(0); i < n; i++ {
		out[i] = b[i] != 0
	}
	return out, b[n:], nil
}

func putCoordinate(buf []byte, c space.SearchCoordinate) []byte {
	buf = putBoolVector(buf, c.Mask)
	return putVector(buf, c.Values)
}

func getCoordinate(b []byte) (space.SearchCoordinate, []byte, error) {
	mask, rest, err := getBoolVector(b)
	if err != nil {
		return space.SearchCoordinate{}, nil, err
	}
	values, rest, err := getVector(rest)
	if err != nil {
		return space.SearchCoordinate{}, nil, err
	}
	return space.SearchCoordinate{Mask: mask, Values: values}, rest, nil
}

// SearchStartReqBody is REQ_SEARCH_START's payload:
// <nonce u64><search_id u64><coordinate>.
type SearchStartReqBody struct {
	Nonce    uint64
	SearchID uint64
	Coord    space.SearchCoordinate
}

func EncodeSearchStartReq(b SearchStartReqBody) []byte {
	out := PutUint64(nil, b.Nonce)
	out = PutUint64(out, b.SearchID)
	return putCoordinate(out, b.Coord)
}

func DecodeSearchStartReq(b []byte) (SearchStartReqBody, error) {
	nonce, rest, err := GetUint64(b)
	if err != nil {
		return SearchStartReqBody{}, err
	}
	searchID, rest, err := GetUint64(rest)
	if err != nil {
		return SearchStartReqBody{}, err
	}
	coord, _, err := getCoordinate(rest)
	if err != nil {
		return SearchStartReqBody{}, err
	}
	return SearchStartReqBody{Nonce: nonce, SearchID: searchID, Coord: coord}, nil
}

// SearchIDBody is the common shape of REQ_SEARCH_NEXT and REQ_SEARCH_STOP:
// <search_id u64>.
type SearchIDBody struct {
	SearchID uint64
}

func EncodeSearchID(b SearchIDBody) []byte {
	return PutUint64(nil, b.SearchID)
}

func DecodeSearchID(b []byte) (SearchIDBody, error) {
	id, _, err := GetUint64(b)
	if err != nil {
		return SearchIDBody{}, err
	}
	return SearchIDBody{SearchID: id}, nil
}

// SearchItemRespBody is RESP_SEARCH_ITEM's payload:
// <search_id u64><version u64><key slice><value vector>.
type SearchItemRespBody struct {
	SearchID uint64
	Version  uint64
	Key      []byte
	Value    []space.Value
}

func EncodeSearchItemResp(b SearchItemRespBody) []byte {
	out := PutUint64(nil, b.SearchID)
	out = PutUint64(out, b.Version)
	out = putSlice(out, b.Key)
	return putVector(out, b.Value)
}

func DecodeSearchItemResp(b []byte) (SearchItemRespBody, error) {
	searchID, rest, err := GetUint64(b)
	if err != nil {
		return SearchItemRespBody{}, err
	}
	version, rest, err := GetUint64(rest)
	if err != nil {
		return SearchItemRespBody{}, err
	}
	key, rest, err := getSlice(rest)
	if err != nil {
		return SearchItemRespBody{}, err
	}
	val, _, err := getVector(rest)
	if err != nil {
		return SearchItemRespBody{}, err
	}
	return SearchItemRespBody{SearchID: searchID, Version: version, Key: key, Value: val}, nil
}

// SearchDoneRespBody is RESP_SEARCH_DONE's payload: <search_id u64><code u16>.
type SearchDoneRespBody struct {
	SearchID uint64
	Code     RespCode
}

func EncodeSearchDoneResp(b SearchDoneRespBody) []byte {
	out := PutUint64(nil, b.SearchID)
	return PutUint16(out, uint16(b.Code))
}

func DecodeSearchDoneResp(b []byte) (SearchDoneRespBody, error) {
	searchID, rest, err := GetUint64(b)
	if err != nil {
		return SearchDoneRespBody{}, err
	}
	code, _, err := GetUint16(rest)
	if err != nil {
		return SearchDoneRespBody{}, err
	}
	return SearchDoneRespBody{SearchID: searchID, Code: RespCode(code)}, nil
}

// --- transfers ---

// XferIDBody is the common shape of XFER_MORE and XFER_DONE: <xfer_id u64>.
type XferIDBody struct {
	XferID uint64
}

func EncodeXferID(b XferIDBody) []byte {
	return PutUint64(nil, b.XferID)
}

func DecodeXferID(b []byte) (XferIDBody, error) {
	id, _, err := GetUint64(b)
	if err != nil {
		return XferIDBody{}, err
	}
	return XferIDBody{XferID: id}, nil
}
