package protocol

import (
	"context"
	"encoding/json"
)

// allowlist gates a role facade's outbound/inbound method set: an
// empty allowlist means "no restriction", letting a role expose the
// bare Engine unchanged for methods it never names.
type allowlist map[string]bool

func (a allowlist) allows(method string) bool {
	if len(a) == 0 {
		return true
	}
	return a[method]
}

// Agent is a thin facade over Engine for the side of a connection that
// initiates requests toward the other peer's handlers (the client role
// in an MCP conversation). It adds nothing the Engine doesn't already
// do - it just narrows which outbound methods are exposed, so a caller
// can't accidentally send a request belonging to the other role.
type Agent struct {
	engine          *Engine
	allowedRequests allowlist
}

// NewAgent wraps engine, restricting outbound requests to
// allowedRequests (pass nil to leave Engine's full method set open).
func NewAgent(engine *Engine, allowedRequests map[string]bool) *Agent {
	return &Agent{engine: engine, allowedRequests: allowlist(allowedRequests)}
}

func (a *Agent) Engine() *Engine { return a.engine }

// Connect, SetNotificationHandler, and SetErrorInterceptor pass
// straight through; only the request-sending surface is narrowed.
func (a *Agent) Connect(ctx context.Context, transport Transport) error {
	return a.engine.Connect(ctx, transport)
}

func (a *Agent) SetNotificationHandler(h NotificationHandlerFunc) {
	a.engine.SetNotificationHandler(h)
}

func (a *Agent) SetErrorInterceptor(h ErrorInterceptor) {
	a.engine.SetErrorInterceptor(h)
}

// SetRequestHandler lets an Agent also answer inbound requests, since
// bidirectionality means either role may receive requests too (e.g. a
// client answering a server-initiated sampling request).
func (a *Agent) SetRequestHandler(h HandlerFunc) {
	a.engine.SetRequestHandler(h)
}

func (a *Agent) Request(ctx context.Context, method string, params any, opts RequestOptions) (json.RawMessage, error) {
	if !a.allowedRequests.allows(method) {
		return nil, NewInvalidRequestError("method " + method + " is not permitted for this role")
	}
	return a.engine.request(ctx, method, params, opts)
}

func (a *Agent) BeginRequest(ctx context.Context, method string, params any, opts RequestOptions) (*PendingRequestHandle, error) {
	if !a.allowedRequests.allows(method) {
		return nil, NewInvalidRequestError("method " + method + " is not permitted for this role")
	}
	return a.engine.beginRequest(ctx, method, params, opts)
}

func (a *Agent) Notify(method string, params any) error {
	if !a.allowedRequests.allows(method) {
		return NewInvalidRequestError("method " + method + " is not permitted for this role")
	}
	return a.engine.notification(method, params, "")
}

func (a *Agent) Close() error { return a.engine.Close() }

// Provider is a thin facade over Engine for the side of a connection
// that primarily answers requests (the server role). Symmetric to
// Agent: it can still send requests of its own (bidirectional
// messaging, e.g. a server requesting sampling from the client), just
// through the same narrowing pattern.
type Provider struct {
	engine          *Engine
	allowedRequests allowlist
}

func NewProvider(engine *Engine, allowedRequests map[string]bool) *Provider {
	return &Provider{engine: engine, allowedRequests: allowlist(allowedRequests)}
}

func (p *Provider) Engine() *Engine { return p.engine }

func (p *Provider) Connect(ctx context.Context, transport Transport) error {
	return p.engine.Connect(ctx, transport)
}

func (p *Provider) SetRequestHandler(h HandlerFunc) {
	p.engine.SetRequestHandler(h)
}

func (p *Provider) SetNotificationHandler(h NotificationHandlerFunc) {
	p.engine.SetNotificationHandler(h)
}

func (p *Provider) SetErrorInterceptor(h ErrorInterceptor) {
	p.engine.SetErrorInterceptor(h)
}

func (p *Provider) Request(ctx context.Context, method string, params any, opts RequestOptions) (json.RawMessage, error) {
	if !p.allowedRequests.allows(method) {
		return nil, NewInvalidRequestError("method " + method + " is not permitted for this role")
	}
	return p.engine.request(ctx, method, params, opts)
}

func (p *Provider) Notify(method string, params any) error {
	if !p.allowedRequests.allows(method) {
		return NewInvalidRequestError("method " + method + " is not permitted for this role")
	}
	return p.engine.notification(method, params, "")
}

func (p *Provider) Close() error { return p.engine.Close() }
