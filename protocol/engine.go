package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Well-known notification methods the engine itself interprets before
// handing anything else off to the registered notification handler.
const (
	NotificationProgress  = "notifications/progress"
	NotificationCancelled = "notifications/cancelled"
)

// NotificationHandlerFunc is a user-registered handler for any
// notification method the engine does not itself interpret.
type NotificationHandlerFunc func(method string, params json.RawMessage, extra *InboundExtra)

// ErrorInterceptor gets a last look at an error about to be rendered on
// the wire as a response; it may translate it (e.g. redact internals)
// before it is rendered. If the original error carries one of the five
// fixed JSON-RPC protocol codes, that code is kept on the wire whatever
// the interceptor returns.
type ErrorInterceptor func(err error) error

// RequestOptions customizes one outbound request. The zero value sends
// with the engine's configured defaults, no progress tracking, and no
// result schema.
type RequestOptions struct {
	// Timeout is the soft deadline. Zero means "use the engine's
	// default"; a negative value requests the literal zero-timeout
	// boundary case, failing the request immediately.
	Timeout         time.Duration
	MaxTotalTimeout time.Duration
	ResetOnProgress bool
	OnProgress      func(ProgressUpdate)
	ResultSchema    any
	Meta            Meta

	relatedTaskID string // set by InboundRequestContext.SendRequest, not user-settable
}

// PendingRequestHandle is returned immediately by beginRequest, before
// any response has arrived; Result blocks for the outcome. Splitting
// send from await lets a caller fire several requests before waiting on
// any of them.
type PendingRequestHandle struct {
	ID      RequestID
	pending *pendingRequest
	engine  *Engine
}

// Result blocks until the request settles: a matching response, a
// timeout, or ctx's own cancellation (which both aborts the wait and
// sends notifications/cancelled is left to the caller via
// Engine.CancelRequest - Result itself only gives up waiting).
func (h *PendingRequestHandle) Result(ctx context.Context) (json.RawMessage, error) {
	select {
	case outcome, ok := <-h.pending.resultCh:
		if !ok {
			return nil, NewStateError("request already settled")
		}
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		if h.pending.validate != nil {
			if vr := h.pending.validate(outcome.Result); !vr.Valid {
				return nil, NewProtocolResultError(vr.ErrorMessage)
			}
		}
		return outcome.Result, nil
	case <-ctx.Done():
		h.engine.pending.remove(h.pending)
		h.pending.settle(RequestOutcome{Err: NewCancelError("local", "context cancelled while awaiting result")})
		return nil, ctx.Err()
	}
}

// ParseTaskAck extracts the taskId from a task-creation acknowledgement
// result, for callers that sent a request with task params and want to
// know whether it was actually promoted to a task.
func ParseTaskAck(raw json.RawMessage) (taskID string, ok bool) {
	var holder struct {
		TaskID string `json:"taskId"`
	}
	if json.Unmarshal(raw, &holder) != nil || holder.TaskID == "" {
		return "", false
	}
	return holder.TaskID, true
}

// Engine is the peer-neutral protocol engine: one instance multiplexes
// every in-flight request/response over one transport, regardless of
// which side of the conversation it plays.
type Engine struct {
	logger          *zap.Logger
	opts            *Options
	transport       Transport
	capabilities    *CapabilityRegistry
	validator       *cachingValidator
	pending         *pendingTable
	pipelines       *pipelines
	debounce        *debouncer
	tasks           *taskSubProtocol
	ids             idAllocator
	progressLimiter *rate.Limiter

	handlersMu           sync.RWMutex
	requestHandler       HandlerFunc
	notificationHandler  NotificationHandlerFunc
	errorInterceptor     ErrorInterceptor

	inboundMu         sync.Mutex
	inbound           map[string]*InboundRequestContext
	preCancelled      map[string]struct{}
	preCancelledOrder []string

	relatedStampMu sync.Mutex
	relatedStamps  map[string]string

	stateMu   sync.Mutex
	connected bool
	closeOnce sync.Once
}

// maxPreCancelled bounds the pre-request cancellation buffer: a peer
// whose cancellation races ahead of its own request can at worst waste
// this much memory, never an unbounded amount.
const maxPreCancelled = 256

// NewEngine constructs an unconnected engine. Call Connect to bind it
// to a transport; capability registration and handler wiring are
// expected to happen before Connect, though nothing but the capability
// registry itself enforces that.
func NewEngine(opts *Options) *Engine {
	o := opts.withDefaults()
	e := &Engine{
		logger:       o.Logger,
		opts:         o,
		pending:      newPendingTable(),
		validator:    newCachingValidator(o.Validator),
		capabilities: NewCapabilityRegistry(o.MethodCapabilityMapper, o.EnforceStrictCapabilities),
		inbound:      make(map[string]*InboundRequestContext),
		preCancelled: make(map[string]struct{}),
		relatedStamps: make(map[string]string),
	}
	if len(o.Capabilities) > 0 {
		_ = e.capabilities.RegisterLocal(o.Capabilities)
	}
	e.pipelines = newPipelines(o.Middleware)
	e.tasks = newTaskSubProtocol(e, o.TaskStore)
	if o.ProgressNotificationLimit > 0 {
		e.progressLimiter = rate.NewLimiter(o.ProgressNotificationLimit, o.ProgressNotificationBurst)
	}
	e.debounce = newDebouncer(o.DebouncedNotificationMethods, func(method string) {
		msg := &Message{Kind: KindNotification, Method: method}
		if err := e.transport.Send(context.Background(), msg, &SendOptions{}); err != nil {
			e.logger.Warn("failed to flush debounced notification", zap.String("method", method), zap.Error(err))
		}
	})
	return e
}

// RegisterLocalCapabilities merges caps into what this side advertises.
// Fails once Connect has bound the registry.
func (e *Engine) RegisterLocalCapabilities(caps CapabilitySet) error {
	return e.capabilities.RegisterLocal(caps)
}

// RegisterRemoteCapabilities merges caps into what the peer is known to
// support, normally called while processing an initialize handshake.
func (e *Engine) RegisterRemoteCapabilities(caps CapabilitySet) error {
	return e.capabilities.RegisterRemote(caps)
}

func (e *Engine) SetRequestHandler(h HandlerFunc) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.requestHandler = h
}

func (e *Engine) SetNotificationHandler(h NotificationHandlerFunc) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.notificationHandler = h
}

func (e *Engine) SetErrorInterceptor(h ErrorInterceptor) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.errorInterceptor = h
}

func (e *Engine) requestHandlerFn() HandlerFunc {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	return e.requestHandler
}

func (e *Engine) notificationHandlerFn() NotificationHandlerFunc {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	return e.notificationHandler
}

func (e *Engine) errorInterceptorFn() ErrorInterceptor {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	return e.errorInterceptor
}

// Connect binds the engine to transport, locks capability registration,
// installs the engine's callbacks, and starts the transport. An engine
// may connect at most once.
func (e *Engine) Connect(ctx context.Context, transport Transport) error {
	e.stateMu.Lock()
	if e.connected {
		e.stateMu.Unlock()
		return NewStateError("engine already connected")
	}
	e.connected = true
	e.transport = transport
	e.stateMu.Unlock()

	e.capabilities.Bind()
	transport.SetCallbacks(e.onMessage, e.onTransportClose, e.onTransportError)
	return transport.Start(ctx)
}

// Close drains every pending outbound request with a "transport closed"
// error, aborts every in-flight inbound request's context, discards any
// unflushed debounced notifications, and closes the transport.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.onTransportClose()
		e.inboundMu.Lock()
		for _, ic := range e.inbound {
			ic.abort("engine closed")
		}
		e.inboundMu.Unlock()
		if e.transport != nil {
			closeErr = e.transport.Close()
		}
	})
	return closeErr
}

func (e *Engine) onTransportClose() {
	e.pending.drainAll(NewStateError("transport closed"))
	e.debounce.Close()
}

func (e *Engine) onTransportError(err error) {
	e.logger.Warn("transport reported an error", zap.Error(err))
	if e.opts.OnProtocolError != nil {
		e.opts.OnProtocolError(err)
	}
}

// onMessage is installed as the transport's single inbound callback.
// The transport is required to serialize calls to it; the engine fans
// each one back out onto its own goroutine so a slow handler for
// message A never blocks dispatch of message B. Responses settle
// synchronously since that path never blocks on user code.
func (e *Engine) onMessage(msg *Message, extra *InboundExtra) {
	switch msg.Kind {
	case KindRequest:
		go e.dispatchRequest(msg, extra)
	case KindNotification:
		go e.dispatchNotification(msg, extra)
	default:
		e.dispatchResponse(msg)
	}
}

// dispatchResponse settles the pending outbound request msg answers.
// An unknown or already-settled id is dropped silently: a second
// response for the same id is a late duplicate, not an error.
func (e *Engine) dispatchResponse(msg *Message) {
	pending, ok := e.pending.lookupByID(msg.ID)
	if !ok {
		return
	}
	e.pending.remove(pending)
	if msg.Kind == KindError {
		pending.settle(RequestOutcome{Err: wireErrorToRPCError(msg.Err)})
		return
	}
	pending.settle(RequestOutcome{Result: msg.Result})
}

func (e *Engine) dispatchNotification(msg *Message, extra *InboundExtra) {
	switch msg.Method {
	case NotificationProgress:
		e.handleProgressNotification(msg.Params)
		return
	case NotificationCancelled:
		e.handleCancelledNotification(msg.Params)
		return
	}
	if h := e.notificationHandlerFn(); h != nil {
		h(msg.Method, msg.Params, extra)
	}
}

type cancelledParams struct {
	RequestID *RequestID `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// handleCancelledNotification routes an inbound notifications/cancelled
// to the matching in-flight request's context. If the named request
// hasn't been dispatched yet - the request and its cancellation can
// race over an unordered transport - the id is buffered so the
// cancellation still takes effect the instant the request arrives.
func (e *Engine) handleCancelledNotification(raw json.RawMessage) {
	var p cancelledParams
	if err := json.Unmarshal(raw, &p); err != nil || p.RequestID == nil {
		e.logger.Debug("dropping malformed notifications/cancelled", zap.Error(err))
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "Request cancelled by remote peer."
	}
	key := p.RequestID.String()

	e.inboundMu.Lock()
	ic, ok := e.inbound[key]
	if !ok {
		e.bufferPreCancellationLocked(key)
	}
	e.inboundMu.Unlock()

	if ok {
		ic.abort(reason)
	}
}

func (e *Engine) bufferPreCancellationLocked(key string) {
	if _, exists := e.preCancelled[key]; exists {
		return
	}
	if len(e.preCancelledOrder) >= maxPreCancelled {
		oldest := e.preCancelledOrder[0]
		e.preCancelledOrder = e.preCancelledOrder[1:]
		delete(e.preCancelled, oldest)
	}
	e.preCancelled[key] = struct{}{}
	e.preCancelledOrder = append(e.preCancelledOrder, key)
}

// dispatchRequest runs one inbound request end to end: capability gate,
// the five-pipeline middleware composition, task interception, the
// user handler, and finally sending back a response or error.
func (e *Engine) dispatchRequest(msg *Message, extra *InboundExtra) {
	ic := newInboundRequestContext(context.Background(), e, msg.ID, msg.Method, msg.Params, extra)
	key := msg.ID.String()

	e.inboundMu.Lock()
	if _, pre := e.preCancelled[key]; pre {
		delete(e.preCancelled, key)
		ic.abort("cancelled before the request was received")
	}
	e.inbound[key] = ic
	e.inboundMu.Unlock()

	// backgrounded is set once maybeCreateTask hands this request off to
	// a goroutine that outlives this call. In that case ic must stay in
	// e.inbound so a later notifications/cancelled can still reach it;
	// runTaskHandler removes the entry itself once the handler returns.
	backgrounded := false
	defer func() {
		if backgrounded {
			return
		}
		e.inboundMu.Lock()
		delete(e.inbound, key)
		e.inboundMu.Unlock()
	}()

	if !isTaskMethod(msg.Method) {
		if err := e.capabilities.AssertRequestHandlerCapability(msg.Method); err != nil {
			e.sendErrorResponse(msg.ID, err)
			return
		}
	}

	mwCtx := &MiddlewareContext{Ctx: ic.ctx, Direction: "inbound", Method: msg.Method, Request: ic, Message: msg}
	terminal := func(c *MiddlewareContext) (any, error) {
		if isTaskMethod(ic.Method) {
			return e.tasks.dispatch(ic)
		}
		handler := e.requestHandlerFn()
		if ack, handled, err := e.maybeCreateTask(ic, handler); handled {
			if err == nil {
				backgrounded = true
			}
			return ack, err
		}
		if handler == nil {
			return nil, NewMethodNotFoundError(ic.Method)
		}
		return handler(ic)
	}

	result, err := e.pipelines.runInbound(mwCtx, terminal)
	if err != nil {
		e.sendErrorResponse(msg.ID, err)
		return
	}
	e.sendResult(msg.ID, result)
}

// stampRelatedTaskOnNextResponse marks the response about to be sent
// for id with a _meta.relatedTask.taskId reference - used by
// tasks/result so the response can be correlated back to the task.
func (e *Engine) stampRelatedTaskOnNextResponse(id *RequestID, taskID string) {
	e.relatedStampMu.Lock()
	defer e.relatedStampMu.Unlock()
	e.relatedStamps[id.String()] = taskID
}

func (e *Engine) takeRelatedStamp(id *RequestID) (string, bool) {
	e.relatedStampMu.Lock()
	defer e.relatedStampMu.Unlock()
	taskID, ok := e.relatedStamps[id.String()]
	if ok {
		delete(e.relatedStamps, id.String())
	}
	return taskID, ok
}

func (e *Engine) sendResult(id *RequestID, result any) {
	raw, err := rawJSON(result)
	if err != nil {
		e.sendErrorResponse(id, NewApplicationError(CodeInternalError, err.Error(), nil))
		return
	}
	if taskID, stamped := e.takeRelatedStamp(id); stamped {
		meta := Meta{}
		mraw, mErr := json.Marshal(map[string]string{"taskId": taskID})
		if mErr != nil {
			e.sendErrorResponse(id, NewApplicationError(CodeInternalError, mErr.Error(), nil))
			return
		}
		meta[metaRelatedTask] = mraw
		raw, err = withMeta(raw, meta)
		if err != nil {
			e.sendErrorResponse(id, NewApplicationError(CodeInternalError, err.Error(), nil))
			return
		}
	}
	msg := &Message{Kind: KindResponse, ID: id, Result: raw}
	if sendErr := e.transport.Send(context.Background(), msg, &SendOptions{}); sendErr != nil {
		e.logger.Warn("failed to send response", zap.Error(sendErr))
	}
}

func (e *Engine) sendErrorResponse(id *RequestID, err error) {
	wireErr := toWireError(err)
	if interceptor := e.errorInterceptorFn(); interceptor != nil {
		if intercepted := interceptor(err); intercepted != nil {
			rewritten := toWireError(intercepted)
			// The five fixed JSON-RPC protocol codes survive interception;
			// only their message and data may be rewritten.
			if wireErr.Code == CodeParseError || (wireErr.Code >= CodeInternalError && wireErr.Code <= CodeInvalidRequest) {
				rewritten.Code = wireErr.Code
			}
			wireErr = rewritten
		}
	}
	msg := &Message{Kind: KindError, ID: id, Err: wireErr}
	if sendErr := e.transport.Send(context.Background(), msg, &SendOptions{}); sendErr != nil {
		e.logger.Warn("failed to send error response", zap.Error(sendErr))
	}
}

// beginRequest allocates an id, registers the pending request, arms its
// timers, runs the outbound middleware pipeline, and sends the
// message - all without waiting for a response. Call Result on the
// returned handle to await the outcome.
func (e *Engine) beginRequest(ctx context.Context, method string, params any, opts RequestOptions) (*PendingRequestHandle, error) {
	if err := e.capabilities.AssertCapabilityForMethod(method); err != nil {
		return nil, err
	}

	paramsRaw, err := rawJSON(params)
	if err != nil {
		return nil, err
	}

	var progressToken *uint64
	if opts.OnProgress != nil {
		t := e.pending.nextProgressToken()
		progressToken = &t
	}

	meta := Meta{}
	if progressToken != nil {
		raw, mErr := json.Marshal(*progressToken)
		if mErr != nil {
			return nil, mErr
		}
		meta[metaProgressToken] = raw
	}
	if opts.relatedTaskID != "" {
		raw, mErr := json.Marshal(map[string]string{"taskId": opts.relatedTaskID})
		if mErr != nil {
			return nil, mErr
		}
		meta[metaRelatedTask] = raw
	}
	for k, v := range opts.Meta {
		meta[k] = v
	}
	if len(meta) > 0 {
		paramsRaw, err = withMeta(paramsRaw, meta)
		if err != nil {
			return nil, err
		}
	}

	var validate Validator
	if opts.ResultSchema != nil {
		validate, err = e.validator.compile(opts.ResultSchema)
		if err != nil {
			return nil, err
		}
	}

	// RequestOptions.Timeout == 0 means "not specified": fall back to the
	// engine default. A negative value is the caller explicitly asking
	// for the boundary case - "timeout=0 fails immediately" - since a
	// real zero can't otherwise be told apart from "unspecified".
	timeout := opts.Timeout
	switch {
	case timeout < 0:
		timeout = 0
	case timeout == 0:
		timeout = e.opts.DefaultTimeout
	}
	maxTotal := opts.MaxTotalTimeout
	if maxTotal == 0 {
		maxTotal = e.opts.DefaultMaxTotalTimeout
	}

	id := NewRequestID(e.ids.next())
	pending := newPendingRequest(id, method, validate, timeout, maxTotal, opts.ResetOnProgress, progressToken, opts.OnProgress)
	e.pending.register(pending)
	pending.armTimers(e.expirePending)

	msg := &Message{Kind: KindRequest, ID: &id, Method: method, Params: paramsRaw}
	mwCtx := &MiddlewareContext{Ctx: ctx, Direction: "outbound", Method: method, Message: msg}
	if _, mwErr := e.pipelines.runOutbound(mwCtx, func(*MiddlewareContext) (any, error) { return nil, nil }); mwErr != nil {
		e.pending.remove(pending)
		pending.settle(RequestOutcome{Err: mwErr})
		return nil, mwErr
	}

	if sendErr := e.transport.Send(ctx, msg, &SendOptions{}); sendErr != nil {
		e.pending.remove(pending)
		pending.settle(RequestOutcome{Err: sendErr})
		return nil, sendErr
	}

	return &PendingRequestHandle{ID: id, pending: pending, engine: e}, nil
}

func (e *Engine) expirePending(p *pendingRequest, reason string) {
	e.pending.remove(p)
	p.settle(RequestOutcome{Err: NewTimeoutError(reason)})
}

// request is the convenience wrapper most callers use: send and await
// in one call.
func (e *Engine) request(ctx context.Context, method string, params any, opts RequestOptions) (json.RawMessage, error) {
	handle, err := e.beginRequest(ctx, method, params, opts)
	if err != nil {
		return nil, err
	}
	return handle.Result(ctx)
}

// notification sends a fire-and-forget message, honoring debounce
// eligibility unless relatedTaskID stamps it with correlation metadata,
// which always forces an immediate send.
func (e *Engine) notification(method string, params any, relatedTaskID string) error {
	paramsRaw, err := rawJSON(params)
	if err != nil {
		return err
	}
	if relatedTaskID != "" {
		meta := Meta{}
		raw, mErr := json.Marshal(map[string]string{"taskId": relatedTaskID})
		if mErr != nil {
			return mErr
		}
		meta[metaRelatedTask] = raw
		paramsRaw, err = withMeta(paramsRaw, meta)
		if err != nil {
			return err
		}
	} else if e.debounce.shouldDebounce(method, len(paramsRaw) > 0, nil) {
		e.debounce.Notify(method)
		return nil
	}
	msg := &Message{Kind: KindNotification, Method: method, Params: paramsRaw}
	return e.transport.Send(context.Background(), msg, &SendOptions{})
}

// CancelRequest aborts a pending outbound request locally and informs
// the remote peer via notifications/cancelled. This is entirely
// independent of task cancellation: cancelling a request that happens
// to have been promoted to a task does not touch the task's status.
func (e *Engine) CancelRequest(id RequestID, reason string) {
	pending, ok := e.pending.lookupByID(&id)
	if !ok {
		return
	}
	e.pending.remove(pending)
	pending.settle(RequestOutcome{Err: NewCancelError("local", reason)})
	_ = e.notification(NotificationCancelled, map[string]any{"requestId": id, "reason": reason}, "")
}

func wireErrorToRPCError(we *WireError) error {
	if we == nil {
		return NewApplicationError(CodeInternalError, "response carried neither result nor error", nil)
	}
	var data any
	if len(we.Data) > 0 {
		_ = json.Unmarshal(we.Data, &data)
	}
	return NewApplicationError(we.Code, we.Message, data)
}
