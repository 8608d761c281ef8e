package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// defaultRequestTimeout bounds a Request when the caller's context has no
// deadline of its own.
const defaultRequestTimeout = 30 * time.Second

// Peer represents a connected remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the peer's ed25519 public key
	address   string            // address is the peer's network address
	conn      *quic.Conn        // conn is the QUIC connection
	node      *Node             // node is the local node this peer belongs to
	closed    atomic.Bool       // closed indicates if the peer is closed
}

// PublicKey returns the peer's public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the peer's network address.
func (p *Peer) Address() string {
	return p.address
}

// Request sends a request and waits for the response on a dedicated
// bidirectional stream. The context bounds the whole exchange; without a
// deadline, defaultRequestTimeout applies.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return resp, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closing")
}

// receiveLoop accepts incoming streams until the connection closes.
func (p *Peer) receiveLoop() {
	for {
		stream, err := p.conn.AcceptStream(p.node.ctx)
		if err != nil {
			p.handleDisconnect()
			return
		}

		go p.handleStream(stream)
	}
}

// handleStream serves one request/response exchange.
func (p *Peer) handleStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	resp, err := p.node.callOnRequest(p, data)
	if err != nil {
		// No response; the requester times out.
		stream.CancelWrite(1)
		return
	}

	writeFrame(stream, resp)
}

// handleDisconnect handles the peer disconnecting.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return // Already handled
	}

	p.node.handlePeerDisconnect(p)
}
