package protocol

import (
	"context"
	"encoding/json"
)

// InboundRequestContext is created when an inbound request arrives and
// destroyed once the handler resolves or is aborted. It is the handle
// user handlers receive: Context().Done() fires when
// notifications/cancelled arrives for this request's id - never for a
// task built on top of it, since request cancellation and task
// cancellation are independent mechanisms.
type InboundRequestContext struct {
	ID               *RequestID
	Method           string
	Params           json.RawMessage
	SessionID        string
	AuthInfo         any
	RelatedTaskID    string // set when this request runs as part of a task's background work
	TaskCreateParams *TaskCreateParams

	ctx    context.Context
	cancel context.CancelCauseFunc

	engine *Engine
}

// Context returns the cancellation-aware context.Context for this
// inbound request. Handlers should select on Context().Done() to
// observe abort rather than polling Aborted.
func (c *InboundRequestContext) Context() context.Context { return c.ctx }

// Aborted reports whether notifications/cancelled has fired for this
// request.
func (c *InboundRequestContext) Aborted() bool {
	return c.ctx.Err() != nil
}

// SendRequest issues a nested outbound request from within a handler.
// If this context is running as part of a task, the outgoing request
// is automatically stamped with _meta.relatedTask.taskId so the peer
// can correlate it back to the task that produced it.
func (c *InboundRequestContext) SendRequest(ctx context.Context, method string, params any, opts RequestOptions) (json.RawMessage, error) {
	opts.relatedTaskID = c.RelatedTaskID
	return c.engine.request(ctx, method, params, opts)
}

// SendNotification issues a nested outbound notification, stamped with
// relatedTask metadata under the same rule as SendRequest.
func (c *InboundRequestContext) SendNotification(method string, params any) error {
	return c.engine.notification(method, params, c.RelatedTaskID)
}

// SendProgress emits a notifications/progress update correlated to the
// progress token the peer attached to this request's _meta, if any. It
// is a no-op when the request carried no progress token, so handlers
// can call it unconditionally without checking first.
func (c *InboundRequestContext) SendProgress(progress float64, total *float64, message string) error {
	meta := extractMeta(c.Params)
	if meta == nil {
		return nil
	}
	raw, ok := meta[metaProgressToken]
	if !ok {
		return nil
	}
	var token uint64
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil
	}
	return c.engine.notification(NotificationProgress, buildProgressParams(token, progress, total, message), c.RelatedTaskID)
}

func newInboundRequestContext(parent context.Context, engine *Engine, id *RequestID, method string, params json.RawMessage, extra *InboundExtra) *InboundRequestContext {
	ctx, cancel := context.WithCancelCause(parent)
	ic := &InboundRequestContext{
		ID:     id,
		Method: method,
		Params: params,
		ctx:    ctx,
		cancel: cancel,
		engine: engine,
	}
	if extra != nil {
		ic.SessionID = extra.SessionID
		ic.AuthInfo = extra.AuthInfo
	}
	return ic
}

// abort fulfils inbound request cancellation: the context is cancelled
// so the handler may observe and return early, but the engine never
// forcibly kills the handler goroutine - the handler has to return on
// its own for the request to actually complete.
func (c *InboundRequestContext) abort(reason string) {
	c.cancel(NewCancelError("remote", reason))
}
