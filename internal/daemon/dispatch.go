package daemon

import (
	"context"
	"errors"

	"github.com/dreamware/hyperdex/internal/replication"
	"github.com/dreamware/hyperdex/internal/space"
	"github.com/dreamware/hyperdex/internal/transport"
	"github.com/dreamware/hyperdex/internal/wire"
	"github.com/dreamware/hyperdex/internal/xfer"
)

// workerLoop is one of the configurable pool of worker threads spec.md §5
// describes: it blocks on the transport's Recv and dispatches by message
// type. Client-mutating calls that return a non-nil error are replied to
// synchronously here; a nil error means the eventual RESP_* is sent later,
// asynchronously, by replication.Manager once the op is fully acked.
func (d *Daemon) workerLoop(ctx context.Context) error {
	for {
		msg, err := d.tr.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrPaused) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, transport.ErrShutdown) {
				return nil
			}
			continue
		}
		d.dispatch(msg)
	}
}

func (d *Daemon) dispatch(msg transport.Message) {
	region := msg.To.Region

	switch msg.Type {
	case wire.ReqGet:
		d.handleGet(region, msg)
	case wire.ReqPut:
		d.handlePut(region, msg)
	case wire.ReqCondPut:
		d.handleCondPut(region, msg)
	case wire.ReqDel:
		d.handleDel(region, msg)
	case wire.ReqAtomic:
		d.handleAtomic(region, msg)

	case wire.ChainPut:
		d.handleChainPut(region, msg)
	case wire.ChainDel:
		d.handleChainDel(region, msg)
	case wire.ChainSubspace:
		d.handleChainSubspace(region, msg)
	case wire.ChainAck:
		d.handleChainAck(region, msg)

	case wire.ReqSearchStart:
		d.handleSearchStart(region, msg)
	case wire.ReqSearchNext:
		d.handleSearchNext(region, msg)
	case wire.ReqSearchStop:
		d.handleSearchStop(region, msg)

	case wire.XferMore:
		d.handleXferMore(msg)
	case wire.XferData:
		d.handleXferData(msg)
	case wire.XferDone:
		d.handleXferDone(msg)

	default:
		d.log.Warn("unhandled message type", "type", msg.Type)
	}
}

func (d *Daemon) replyNonce(msg transport.Message, respType wire.MsgType, nonce uint64, err error) {
	body := wire.EncodeNonceResp(wire.NonceRespBody{Nonce: nonce, Code: replication.RespCodeFor(err)})
	if sendErr := d.tr.Send(msg.To, msg.From, respType, body); sendErr != nil {
		d.log.Warn("reply send failed", "type", respType, "err", sendErr)
	}
	d.metrics.clientOps.WithLabelValues(opLabel(respType), codeLabel(err)).Inc()
}

// opLabel names a RESP_* message type for the client-ops counter's label,
// since wire.MsgType carries no string form of its own.
func opLabel(t wire.MsgType) string {
	switch t {
	case wire.RespGet:
		return "get"
	case wire.RespPut:
		return "put"
	case wire.RespCondPut:
		return "condput"
	case wire.RespDel:
		return "del"
	case wire.RespAtomic:
		return "atomic"
	default:
		return "other"
	}
}

func (d *Daemon) handleGet(region space.RegionID, msg transport.Message) {
	req, err := wire.DecodeGetReq(msg.Body)
	if err != nil {
		d.log.Warn("malformed get request", "err", err)
		return
	}
	hasValue, value, _, err := d.repl.ClientGet(region, req.Key)
	body := wire.EncodeGetResp(wire.GetRespBody{
		Nonce: req.Nonce, Code: replication.RespCodeFor(err), HasValue: hasValue, Value: value,
	})
	if sendErr := d.tr.Send(msg.To, msg.From, wire.RespGet, body); sendErr != nil {
		d.log.Warn("get reply send failed", "err", sendErr)
	}
	d.metrics.clientOps.WithLabelValues("get", codeLabel(err)).Inc()
}

func attrMap(kvs []wire.AttrKV) map[int]space.Value {
	out := make(map[int]space.Value, len(kvs))
	for _, kv := range kvs {
		out[kv.Attr] = kv.Value
	}
	return out
}

func (d *Daemon) handlePut(region space.RegionID, msg transport.Message) {
	req, err := wire.DecodePutReq(msg.Body)
	if err != nil {
		d.log.Warn("malformed put request", "err", err)
		return
	}
	err = d.repl.ClientPut(region, msg.From, req.Nonce, req.Key, attrMap(req.Attrs))
	if err != nil {
		d.replyNonce(msg, wire.RespPut, req.Nonce, err)
	}
}

func (d *Daemon) handleCondPut(region space.RegionID, msg transport.Message) {
	req, err := wire.DecodeCondPutReq(msg.Body)
	if err != nil {
		d.log.Warn("malformed condput request", "err", err)
		return
	}
	err = d.repl.ClientCondPut(region, msg.From, req.Nonce, req.Key, attrMap(req.Conds), attrMap(req.Attrs))
	if err != nil {
		d.replyNonce(msg, wire.RespCondPut, req.Nonce, err)
	}
}

func (d *Daemon) handleDel(region space.RegionID, msg transport.Message) {
	req, err := wire.DecodeDelReq(msg.Body)
	if err != nil {
		d.log.Warn("malformed del request", "err", err)
		return
	}
	err = d.repl.ClientDel(region, msg.From, req.Nonce, req.Key)
	if err != nil {
		d.replyNonce(msg, wire.RespDel, req.Nonce, err)
	}
}

func (d *Daemon) handleAtomic(region space.RegionID, msg transport.Message) {
	req, err := wire.DecodeAtomicReq(msg.Body)
	if err != nil {
		d.log.Warn("malformed atomic request", "err", err)
		return
	}
	ops := make([]replication.MicroOp, len(req.Ops))
	for i, op := range req.Ops {
		ops[i] = replication.MicroOp{Attr: op.Attr, Kind: replication.MicroOpKind(op.Kind), Value: op.Value}
	}
	err = d.repl.ClientAtomic(region, msg.From, req.Nonce, req.Key, ops)
	if err != nil {
		d.replyNonce(msg, wire.RespAtomic, req.Nonce, err)
	}
}

func (d *Daemon) fromInst(e space.EntityID) space.Instance {
	cfg := d.liveCfg.Load()
	if cfg == nil {
		return space.Instance{}
	}
	inst, _ := cfg.EntityInstance(e)
	return inst
}

func (d *Daemon) handleChainPut(region space.RegionID, msg transport.Message) {
	body, err := wire.DecodeChainPut(msg.Body)
	if err != nil {
		d.log.Warn("malformed chain_put", "err", err)
		return
	}
	if err := d.repl.ChainPut(region, msg.From, d.fromInst(msg.From), body); err != nil {
		d.log.Warn("chain_put failed", "err", err)
	}
	d.metrics.chainOps.WithLabelValues("put").Inc()
}

func (d *Daemon) handleChainDel(region space.RegionID, msg transport.Message) {
	body, err := wire.DecodeChainDel(msg.Body)
	if err != nil {
		d.log.Warn("malformed chain_del", "err", err)
		return
	}
	if err := d.repl.ChainDel(region, msg.From, d.fromInst(msg.From), body); err != nil {
		d.log.Warn("chain_del failed", "err", err)
	}
	d.metrics.chainOps.WithLabelValues("del").Inc()
}

func (d *Daemon) handleChainSubspace(region space.RegionID, msg transport.Message) {
	body, err := wire.DecodeChainSubspace(msg.Body)
	if err != nil {
		d.log.Warn("malformed chain_subspace", "err", err)
		return
	}
	if err := d.repl.ChainSubspace(region, msg.From, d.fromInst(msg.From), body); err != nil {
		d.log.Warn("chain_subspace failed", "err", err)
	}
	d.metrics.chainOps.WithLabelValues("subspace").Inc()
}

func (d *Daemon) handleChainAck(region space.RegionID, msg transport.Message) {
	body, err := wire.DecodeChainAck(msg.Body)
	if err != nil {
		d.log.Warn("malformed chain_ack", "err", err)
		return
	}
	if err := d.repl.ChainAck(region, body); err != nil {
		d.log.Warn("chain_ack failed", "err", err)
	}
	d.metrics.chainOps.WithLabelValues("ack").Inc()
}

func (d *Daemon) handleSearchStart(region space.RegionID, msg transport.Message) {
	req, err := wire.DecodeSearchStartReq(msg.Body)
	if err != nil {
		d.log.Warn("malformed search_start", "err", err)
		return
	}
	if err := d.se.Start(region, msg.From, req.SearchID, req.Coord); err != nil {
		body := wire.EncodeSearchDoneResp(wire.SearchDoneRespBody{SearchID: req.SearchID, Code: wire.BadDimSpec})
		if sendErr := d.tr.Send(msg.To, msg.From, wire.RespSearchDone, body); sendErr != nil {
			d.log.Warn("search_start error reply failed", "err", sendErr)
		}
	}
}

func (d *Daemon) handleSearchNext(region space.RegionID, msg transport.Message) {
	req, err := wire.DecodeSearchID(msg.Body)
	if err != nil {
		d.log.Warn("malformed search_next", "err", err)
		return
	}
	d.se.Next(region, msg.From, req.SearchID)
}

func (d *Daemon) handleSearchStop(region space.RegionID, msg transport.Message) {
	req, err := wire.DecodeSearchID(msg.Body)
	if err != nil {
		d.log.Warn("malformed search_stop", "err", err)
		return
	}
	d.se.Stop(region, msg.From, req.SearchID)
}

func (d *Daemon) handleXferMore(msg transport.Message) {
	req, err := wire.DecodeXferID(msg.Body)
	if err != nil {
		d.log.Warn("malformed xfer_more", "err", err)
		return
	}
	d.xf.HandleXferMore(req.XferID)
}

func (d *Daemon) handleXferData(msg transport.Message) {
	body, err := wire.DecodeXferData(msg.Body)
	if err != nil {
		d.log.Warn("malformed xfer_data", "err", err)
		return
	}
	d.xf.HandleXferData(xfer.XferIDFromEntity(msg.To), body)
}

func (d *Daemon) handleXferDone(msg transport.Message) {
	req, err := wire.DecodeXferID(msg.Body)
	if err != nil {
		d.log.Warn("malformed xfer_done", "err", err)
		return
	}
	d.xf.HandleXferDone(req.XferID)
}

func codeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
