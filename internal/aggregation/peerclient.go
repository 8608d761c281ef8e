package aggregation

import (
	"context"

	"TwinTally/internal/network"
	"TwinTally/internal/protocol"
)

// PeerClient carries the leader's sub-protocol requests to the helper over
// the QUIC node, implementing Peer. Transport failures are retried once on a
// fresh connection before surfacing as KindPeerUnavailable; the helper's
// request handlers are idempotent, so a duplicate delivery replays the stored
// answer.
type PeerClient struct {
	node *network.Node
	addr string
}

// NewPeerClient builds a client for the helper at addr.
func NewPeerClient(node *network.Node, addr string) *PeerClient {
	return &PeerClient{node: node, addr: addr}
}

// request sends one encoded message and returns the raw response. An error
// response payload is decoded into a classified error.
func (c *PeerClient) request(ctx context.Context, data []byte) ([]byte, error) {
	resp, err := c.exchange(ctx, data)
	if err != nil {
		return nil, protocol.WrapErr(protocol.KindPeerUnavailable, err, "helper unreachable")
	}

	typ, err := protocol.MessageType(resp)
	if err != nil {
		return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "helper response")
	}

	if typ == protocol.MsgError {
		perr, err := protocol.DecodeError(resp)
		if err != nil {
			return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "helper error response")
		}

		return nil, perr
	}

	return resp, nil
}

// exchange sends over the live connection, reconnecting and retrying once
// when the transport fails.
func (c *PeerClient) exchange(ctx context.Context, data []byte) ([]byte, error) {
	if p := c.node.PeerByAddress(c.addr); p != nil {
		resp, err := p.Request(ctx, data)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, err
		}
	}

	p, err := c.node.Connect(c.addr)
	if err != nil {
		return nil, err
	}

	return p.Request(ctx, data)
}

// JobInit starts an aggregation job on the helper.
func (c *PeerClient) JobInit(ctx context.Context, req *protocol.AggregationJobInitReq) (*protocol.AggregationJobResp, error) {
	resp, err := c.request(ctx, req.Encode())
	if err != nil {
		return nil, err
	}

	decoded, err := protocol.DecodeAggregationJobResp(resp)
	if err != nil {
		return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "job init response")
	}

	return decoded, nil
}

// JobContinue advances an aggregation job one round.
func (c *PeerClient) JobContinue(ctx context.Context, req *protocol.AggregationJobContinueReq) (*protocol.AggregationJobResp, error) {
	resp, err := c.request(ctx, req.Encode())
	if err != nil {
		return nil, err
	}

	decoded, err := protocol.DecodeAggregationJobResp(resp)
	if err != nil {
		return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "job continue response")
	}

	return decoded, nil
}

// AggregateShare fetches the helper's aggregate share for a collected batch.
func (c *PeerClient) AggregateShare(ctx context.Context, req *protocol.AggregateShareReq) (*protocol.AggregateShareResp, error) {
	resp, err := c.request(ctx, req.Encode())
	if err != nil {
		return nil, err
	}

	decoded, err := protocol.DecodeAggregateShareResp(resp)
	if err != nil {
		return nil, protocol.WrapErr(protocol.KindMalformedInput, err, "aggregate share response")
	}

	return decoded, nil
}

// AdvertiseTask pushes a signed task document to the helper.
func (c *PeerClient) AdvertiseTask(ctx context.Context, adv *protocol.TaskAdvertise) error {
	resp, err := c.request(ctx, adv.Encode())
	if err != nil {
		return err
	}

	typ, err := protocol.MessageType(resp)
	if err != nil {
		return err
	}
	if typ != protocol.MsgAck {
		return protocol.Errf(protocol.KindMalformedInput, "unexpected advertise response type 0x%02x", typ)
	}

	return nil
}
