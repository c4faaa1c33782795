package protocol

import "context"

// PipelineKind names one of the five middleware pipelines the engine
// composes requests through.
type PipelineKind int

const (
	PipelineUniversal PipelineKind = iota
	PipelineOutgoing
	PipelineIncoming
	PipelineToolCall     // method-scoped, extensible: tool-call-like methods
	PipelineResourceRead // method-scoped, extensible: resource-read-like methods
)

// MiddlewareContext is threaded through one pipeline invocation. A
// middleware may mutate Request before calling Next, and may wrap the
// value Next returns.
type MiddlewareContext struct {
	Ctx       context.Context
	Direction string // "inbound" or "outbound"
	Method    string
	Request   *InboundRequestContext // nil for outbound-only invocations
	Message   *Message
}

// Next invokes the remainder of the pipeline (or the terminal handler
// once the chain is exhausted). It must be called at most once per
// middleware invocation.
type Next func(*MiddlewareContext) (any, error)

// Middleware may short-circuit by not calling next, mutate ctx.Request
// before calling next, or wrap the result next returns. Errors
// propagate outward and are translated to JSON-RPC errors at the
// boundary.
type Middleware func(ctx *MiddlewareContext, next Next) (any, error)

// pipeline is an ordered, immutable chain of middleware built once at
// registration time: cloning on registration avoids shared-mutable
// state if the caller keeps mutating the slice it passed in.
type pipeline struct {
	chain []Middleware
}

func newPipeline(mw []Middleware) pipeline {
	cloned := make([]Middleware, len(mw))
	copy(cloned, mw)
	return pipeline{chain: cloned}
}

// run executes the pipeline outermost (registration order) to
// innermost, finally invoking terminal.
func (p pipeline) run(ctx *MiddlewareContext, terminal Next) (any, error) {
	var invoke func(i int) (any, error)
	invoke = func(i int) (any, error) {
		if i >= len(p.chain) {
			return terminal(ctx)
		}
		called := false
		next := func(c *MiddlewareContext) (any, error) {
			called = true
			return invoke(i + 1)
		}
		result, err := p.chain[i](ctx, next)
		_ = called // a middleware that never calls next has short-circuited; that's valid.
		return result, err
	}
	return invoke(0)
}

// pipelines bundles the five pipelines an engine composes requests
// through.
type pipelines struct {
	universal    pipeline
	outgoing     pipeline
	incoming     pipeline
	toolCall     pipeline
	resourceRead pipeline
	methodScoped map[string]pipeline // extensible beyond the two named method-scoped pipelines
}

func newPipelines(cfg MiddlewareConfig) *pipelines {
	p := &pipelines{
		universal:    newPipeline(cfg.Universal),
		outgoing:     newPipeline(cfg.Outgoing),
		incoming:     newPipeline(cfg.Incoming),
		toolCall:     newPipeline(cfg.ToolCall),
		resourceRead: newPipeline(cfg.ResourceRead),
		methodScoped: make(map[string]pipeline, len(cfg.MethodScoped)),
	}
	for method, mw := range cfg.MethodScoped {
		p.methodScoped[method] = newPipeline(mw)
	}
	return p
}

// MiddlewareConfig is the registration-time input for the five
// pipelines, plus room for additional method-scoped pipelines beyond
// tool-call-like and resource-read-like; hosts can register further
// method-scoped pipelines of their own.
type MiddlewareConfig struct {
	Universal    []Middleware
	Outgoing     []Middleware
	Incoming     []Middleware
	ToolCall     []Middleware
	ResourceRead []Middleware
	MethodScoped map[string][]Middleware
}

// runInbound composes universal + incoming + any method-scoped pipeline
// matching ctx.Method, then invokes terminal.
func (p *pipelines) runInbound(ctx *MiddlewareContext, terminal Next) (any, error) {
	return p.compose(ctx, terminal, p.incoming)
}

// runOutbound composes universal + outgoing + any method-scoped
// pipeline matching ctx.Method, then invokes terminal.
func (p *pipelines) runOutbound(ctx *MiddlewareContext, terminal Next) (any, error) {
	return p.compose(ctx, terminal, p.outgoing)
}

func (p *pipelines) compose(ctx *MiddlewareContext, terminal Next, directional pipeline) (any, error) {
	scoped, hasScoped := p.methodScoped[ctx.Method]
	switch ctx.Method {
	case methodToolsCallAlias:
		scoped, hasScoped = p.toolCall, true
	case methodResourcesReadAlias:
		scoped, hasScoped = p.resourceRead, true
	}

	innermost := terminal
	if hasScoped {
		innermost = func(c *MiddlewareContext) (any, error) { return scoped.run(c, terminal) }
	}
	withDirectional := func(c *MiddlewareContext) (any, error) { return directional.run(c, innermost) }
	return p.universal.run(ctx, withDirectional)
}

// Method-scoped pipeline aliases for the two named extensible
// categories; hosts can register additional ones through
// MiddlewareConfig.MethodScoped keyed by their own method names.
const (
	methodToolsCallAlias     = "tools/call"
	methodResourcesReadAlias = "resources/read"
)
