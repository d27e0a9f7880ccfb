package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/dreamware/hyperdex/internal/space"
)

// MsgType is the 8-bit type tag of an inter-server message.
type MsgType uint8

const (
	ReqGet     MsgType = 8
	RespGet    MsgType = 9
	ReqPut     MsgType = 10
	RespPut    MsgType = 11
	ReqCondPut MsgType = 12
	RespCondPut MsgType = 13
	ReqDel     MsgType = 14
	RespDel    MsgType = 15
	ReqAtomic  MsgType = 16
	RespAtomic MsgType = 17

	ReqSearchStart MsgType = 32
	ReqSearchNext  MsgType = 33
	ReqSearchStop  MsgType = 34
	RespSearchItem MsgType = 35
	RespSearchDone MsgType = 36

	ChainPut     MsgType = 64
	ChainDel     MsgType = 65
	ChainPending MsgType = 66 // reserved: present in the original source but never used live
	ChainSubspace MsgType = 67
	ChainAck     MsgType = 68

	XferMore MsgType = 96
	XferData MsgType = 97
	XferDone MsgType = 98

	ConfigMismatch MsgType = 254
	PacketNop      MsgType = 255
)

// RespCode is the 16-bit response code packed after the nonce in RESP_*
// payloads.
type RespCode uint16

const (
	Success     RespCode = 8320
	NotFound    RespCode = 8321
	BadDimSpec  RespCode = 8322
	NotUs       RespCode = 8323
	ServerError RespCode = 8324
	CmpFail     RespCode = 8325
	BadMicros   RespCode = 8326
	ReadOnly    RespCode = 8327
	Overflow    RespCode = 8328
)

// Header is prepended to every inter-server message.
type Header struct {
	Type      MsgType
	SrcEpoch  uint16 // src_out_epoch
	DstEpoch  uint16 // dst_in_epoch
	Src       space.EntityID
	Dst       space.EntityID
}

// HeaderSize is the encoded byte length of a Header.
const HeaderSize = 1 + 2 + 2 + entitySize*2

// entitySize is the encoded length of one EntityID: space(4) subspace(2)
// prefix(1) mask(8) number(1).
const entitySize = 4 + 2 + 1 + 8 + 1

func putEntity(b []byte, e space.EntityID) {
	binary.BigEndian.PutUint32(b[0:4], e.Region.Space)
	binary.BigEndian.PutUint16(b[4:6], e.Region.Subspace)
	b[6] = e.Region.Prefix
	binary.BigEndian.PutUint64(b[7:15], e.Region.Mask)
	b[15] = e.Number
}

func getEntity(b []byte) space.EntityID {
	return space.EntityID{
		Region: space.RegionID{
			Space:    binary.BigEndian.Uint32(b[0:4]),
			Subspace: binary.BigEndian.Uint16(b[4:6]),
			Prefix:   b[6],
			Mask:     binary.BigEndian.Uint64(b[7:15]),
		},
		Number: b[15],
	}
}

// EncodeHeader writes h into a HeaderSize-byte buffer.
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	b[0] = byte(h.Type)
	binary.BigEndian.PutUint16(b[1:3], h.SrcEpoch)
	binary.BigEndian.PutUint16(b[3:5], h.DstEpoch)
	putEntity(b[5:5+entitySize], h.Src)
	putEntity(b[5+entitySize:5+2*entitySize], h.Dst)
	return b
}

// DecodeHeader parses a HeaderSize-byte buffer.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(b))
	}
	return Header{
		Type:     MsgType(b[0]),
		SrcEpoch: binary.BigEndian.Uint16(b[1:3]),
		DstEpoch: binary.BigEndian.Uint16(b[3:5]),
		Src:      getEntity(b[5 : 5+entitySize]),
		Dst:      getEntity(b[5+entitySize : 5+2*entitySize]),
	}, nil
}

// --- payload encoding helpers: length-prefixed slices and vectors ---

func putSlice(buf []byte, s []byte) []byte {
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(s)))
	buf = append(buf, lb[:]...)
	return append(buf, s...)
}

func getSlice(b []byte) (out []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated slice length")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("wire: truncated slice body")
	}
	return b[:n], b[n:], nil
}

func putVector(buf []byte, vs []space.Value) []byte {
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], uint32(len(vs)))
	buf = append(buf, cb[:]...)
	for _, v := range vs {
		buf = putSlice(buf, v)
	}
	return buf
}

func getVector(b []byte) (out []space.Value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated vector count")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	out = make([]space.Value, 0, n)
	for i := uint32(0); i < n; i++ {
		var s []byte
		s, b, err = getSlice(b)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, space.Value(s))
	}
	return out, b, nil
}

// ChainPutBody is CHAIN_PUT's payload: <version u64><fresh u8><key slice><value vector>.
type ChainPutBody struct {
	Version uint64
	Fresh   bool
	Key     []byte
	Value   []space.Value
}

func EncodeChainPut(b ChainPutBody) []byte {
	var hdr [9]byte
	binary.BigEndian.PutUint64(hdr[0:8], b.Version)
	if b.Fresh {
		hdr[8] = 1
	}
	out := append([]byte{}, hdr[:]...)
	out = putSlice(out, b.Key)
	out = putVector(out, b.Value)
	return out
}

func DecodeChainPut(b []byte) (ChainPutBody, error) {
	if len(b) < 9 {
		return ChainPutBody{}, fmt.Errorf("wire: truncated chain_put")
	}
	out := ChainPutBody{
		Version: binary.BigEndian.Uint64(b[0:8]),
		Fresh:   b[8] != 0,
	}
	rest := b[9:]
	key, rest, err := getSlice(rest)
	if err != nil {
		return ChainPutBody{}, err
	}
	out.Key = key
	val, _, err := getVector(rest)
	if err != nil {
		return ChainPutBody{}, err
	}
	out.Value = val
	return out, nil
}

// ChainDelBody is CHAIN_DEL's payload: <version u64><key slice>.
type ChainDelBody struct {
	Version uint64
	Key     []byte
}

func EncodeChainDel(b ChainDelBody) []byte {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[0:8], b.Version)
	out := append([]byte{}, hdr[:]...)
	return putSlice(out, b.Key)
}

func DecodeChainDel(b []byte) (ChainDelBody, error) {
	if len(b) < 8 {
		return ChainDelBody{}, fmt.Errorf("wire: truncated chain_del")
	}
	out := ChainDelBody{Version: binary.BigEndian.Uint64(b[0:8])}
	key, _, err := getSlice(b[8:])
	if err != nil {
		return ChainDelBody{}, err
	}
	out.Key = key
	return out, nil
}

// ChainSubspaceBody is CHAIN_SUBSPACE's payload:
// <version><key><value><nextpoint u64>.
type ChainSubspaceBody struct {
	Version   uint64
	Key       []byte
	Value     []space.Value
	NextPoint uint64
}

func EncodeChainSubspace(b ChainSubspaceBody) []byte {
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], b.Version)
	out := append([]byte{}, vb[:]...)
	out = putSlice(out, b.Key)
	out = putVector(out, b.Value)
	var npb [8]byte
	binary.BigEndian.PutUint64(npb[:], b.NextPoint)
	out = append(out, npb[:]...)
	return out
}

func DecodeChainSubspace(b []byte) (ChainSubspaceBody, error) {
	if len(b) < 8 {
		return ChainSubspaceBody{}, fmt.Errorf("wire: truncated chain_subspace")
	}
	out := ChainSubspaceBody{Version: binary.BigEndian.Uint64(b[0:8])}
	rest := b[8:]
	key, rest, err := getSlice(rest)
	if err != nil {
		return ChainSubspaceBody{}, err
	}
	out.Key = key
	val, rest, err := getVector(rest)
	if err != nil {
		return ChainSubspaceBody{}, err
	}
	out.Value = val
	if len(rest) < 8 {
		return ChainSubspaceBody{}, fmt.Errorf("wire: truncated chain_subspace nextpoint")
	}
	out.NextPoint = binary.BigEndian.Uint64(rest[0:8])
	return out, nil
}

// ChainAckBody is CHAIN_ACK's payload: <version><key>.
type ChainAckBody struct {
	Version uint64
	Key     []byte
}

func EncodeChainAck(b ChainAckBody) []byte {
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], b.Version)
	out := append([]byte{}, vb[:]...)
	return putSlice(out, b.Key)
}

func DecodeChainAck(b []byte) (ChainAckBody, error) {
	if len(b) < 8 {
		return ChainAckBody{}, fmt.Errorf("wire: truncated chain_ack")
	}
	out := ChainAckBody{Version: binary.BigEndian.Uint64(b[0:8])}
	key, _, err := getSlice(b[8:])
	if err != nil {
		return ChainAckBody{}, err
	}
	out.Key = key
	return out, nil
}

// XferDataBody is XFER_DATA's payload:
// <xfer_num u64><has_value u8><version u64><key><value>.
type XferDataBody struct {
	XferNum  uint64
	HasValue bool
	Version  uint64
	Key      []byte
	Value    []space.Value
}

func EncodeXferData(b XferDataBody) []byte {
	var hdr [17]byte
	binary.BigEndian.PutUint64(hdr[0:8], b.XferNum)
	if b.HasValue {
		hdr[8] = 1
	}
	binary.BigEndian.PutUint64(hdr[9:17], b.Version)
	out := append([]byte{}, hdr[:]...)
	out = putSlice(out, b.Key)
	out = putVector(out, b.Value)
	return out
}

func DecodeXferData(b []byte) (XferDataBody, error) {
	if len(b) < 17 {
		return XferDataBody{}, fmt.Errorf("wire: truncated xfer_data")
	}
	out := XferDataBody{
		XferNum:  binary.BigEndian.Uint64(b[0:8]),
		HasValue: b[8] != 0,
		Version:  binary.BigEndian.Uint64(b[9:17]),
	}
	rest := b[17:]
	key, rest, err := getSlice(rest)
	if err != nil {
		return XferDataBody{}, err
	}
	out.Key = key
	val, _, err := getVector(rest)
	if err != nil {
		return XferDataBody{}, err
	}
	out.Value = val
	return out, nil
}

// PutUint64/GetUint64 are small helpers used by request/response payloads
// elsewhere (e.g. nonce + response code framing) that don't warrant their
// own named struct.
func PutUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func GetUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("wire: truncated uint64")
	}
	return binary.BigEndian.Uint64(b[0:8]), b[8:], nil
}

func PutUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func GetUint16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("wire: truncated uint16")
	}
	return binary.BigEndian.Uint16(b[0:2]), b[2:], nil
}
