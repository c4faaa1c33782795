// Package transporttest provides an in-memory protocol.Transport pair
// for exercising the engine without a real wire. It plays the same
// role the teacher's httptest-backed transport tests play for
// server/transport, minus any HTTP framing.
package transporttest

import (
	"context"
	"sync"

	"github.com/mcp-go/protocolcore/protocol"
)

// Pipe is one end of a connected pair of in-memory transports. Sending
// on one end calls the other end's onMessage synchronously on the
// sender's goroutine, matching the ordering guarantee the real contract
// requires (onMessage invoked in arrival order, one at a time).
type Pipe struct {
	mu sync.Mutex

	peer *Pipe

	onMessage func(*protocol.Message, *protocol.InboundExtra)
	onClose   func()
	onError   func(error)

	deliverMu sync.Mutex // serializes calls into onMessage

	sessionID string
	closed    bool

	sent []*protocol.Message
}

// NewPair builds two Pipes wired to each other, ready to pass to
// Engine.Connect. sessionID is attached to InboundExtra on every
// message the first pipe's peer delivers, so tests exercising
// session-scoped behavior have something to assert on.
func NewPair(sessionID string) (*Pipe, *Pipe) {
	a := &Pipe{sessionID: sessionID}
	b := &Pipe{sessionID: sessionID}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *Pipe) Start(ctx context.Context) error { return nil }

func (p *Pipe) Send(ctx context.Context, msg *protocol.Message, opts *protocol.SendOptions) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return protocol.NewStateError("pipe is closed")
	}
	p.sent = append(p.sent, msg)
	peer := p.peer
	p.mu.Unlock()

	peer.mu.Lock()
	cb := peer.onMessage
	extra := &protocol.InboundExtra{SessionID: peer.sessionID}
	peer.mu.Unlock()
	if cb != nil {
		peer.deliverMu.Lock()
		cb(msg, extra)
		peer.deliverMu.Unlock()
	}
	return nil
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cb := p.onClose
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (p *Pipe) SetCallbacks(onMessage func(*protocol.Message, *protocol.InboundExtra), onClose func(), onError func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = onMessage
	p.onClose = onClose
	p.onError = onError
}

func (p *Pipe) SetProtocolVersion(v string) {}

// Sent returns every message this end has handed to Send, in order,
// for assertions that don't want to intercept via the peer's
// onMessage.
func (p *Pipe) Sent() []*protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.Message, len(p.sent))
	copy(out, p.sent)
	return out
}

var _ protocol.SessionedTransport = (*Pipe)(nil)
