package aggregation

import (
	"time"

	"TwinTally/internal/batch"
	"TwinTally/internal/logger"
	"TwinTally/internal/network"
	"TwinTally/internal/protocol"
	"TwinTally/internal/task"
)

// Dispatcher routes incoming peer requests to the helper engines. Every
// failure goes back as a classified error message; unclassified internal
// failures surface as peer-unavailable so the leader retries them.
type Dispatcher struct {
	helper  *Helper
	batches *batch.Manager
	tasks   *task.Store
}

// NewDispatcher builds the helper-side request router.
func NewDispatcher(helper *Helper, batches *batch.Manager, tasks *task.Store) *Dispatcher {
	return &Dispatcher{helper: helper, batches: batches, tasks: tasks}
}

// Handle serves one peer request. Wire it as the node's request handler.
func (d *Dispatcher) Handle(_ *network.Peer, data []byte) ([]byte, error) {
	resp, err := d.dispatch(data)
	if err == nil {
		return resp, nil
	}

	kind := protocol.KindOf(err)
	if kind == 0 {
		logger.Error("peer request failed", "error", err)
		kind = protocol.KindPeerUnavailable
	}

	return protocol.EncodeError(kind, err.Error()), nil
}

func (d *Dispatcher) dispatch(data []byte) ([]byte, error) {
	typ, err := protocol.MessageType(data)
	if err != nil {
		return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "peer request")
	}

	now := uint64(time.Now().Unix())

	switch typ {
	case protocol.MsgAggregationJobInit:
		req, err := protocol.DecodeAggregationJobInitReq(data)
		if err != nil {
			return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "job init request")
		}

		resp, err := d.helper.HandleJobInit(req, now)
		if err != nil {
			return nil, err
		}

		return resp.Encode(), nil

	case protocol.MsgAggregationJobContinue:
		req, err := protocol.DecodeAggregationJobContinueReq(data)
		if err != nil {
			return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "job continue request")
		}

		resp, err := d.helper.HandleJobContinue(req, now)
		if err != nil {
			return nil, err
		}

		return resp.Encode(), nil

	case protocol.MsgAggregateShare:
		req, err := protocol.DecodeAggregateShareReq(data)
		if err != nil {
			return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "aggregate share request")
		}

		resp, err := d.batches.AggregateShare(req)
		if err != nil {
			return nil, err
		}

		return resp.Encode(), nil

	case protocol.MsgTaskAdvertise:
		adv, err := protocol.DecodeTaskAdvertise(data)
		if err != nil {
			return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "task advertise")
		}

		t, err := d.tasks.Activate(adv.Document, adv.Signature, now)
		if err != nil {
			return nil, err
		}

		logger.Info("task activated from peer", "task", t.ID)

		return protocol.EncodeAck(), nil

	default:
		return nil, protocol.Errf(protocol.KindMalformedInput, "unknown message type 0x%02x", typ)
	}
}
