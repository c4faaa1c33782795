package protocol

import "context"

// SendOptions carries per-send hints a transport may use (e.g. to
// preserve submission order within a correlation family). The core
// never interprets these beyond passing them through.
type SendOptions struct {
	RelatedRequestID *RequestID
}

// Transport is the byte-in/byte-out adapter the engine drives. Concrete
// implementations (in-memory pipe, stdio, HTTP/SSE, WebSocket) are
// deliberately out of scope for this module; the engine only consumes
// this contract. Ordering guarantee: onMessage must be invoked in
// arrival order, and Send must preserve submission order for messages
// sharing a correlation family, but no cross-family ordering is
// required.
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, msg *Message, opts *SendOptions) error
	Close() error

	// SetCallbacks installs the engine's handlers. The transport must
	// serialize calls to onMessage (one in flight at a time); the engine
	// itself fans dispatch back out onto per-message goroutines.
	SetCallbacks(onMessage func(*Message, *InboundExtra), onClose func(), onError func(error))
}

// SessionedTransport is a Transport that also accepts the negotiated
// protocol version. The session a message arrived on is reported per
// message through InboundExtra.SessionID, not through this interface.
type SessionedTransport interface {
	Transport
	SetProtocolVersion(v string)
}

// InboundExtra carries transport-supplied context about an arriving
// message that isn't part of the JSON-RPC envelope itself.
type InboundExtra struct {
	SessionID string
	AuthInfo  any
}
