package protocol

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures one Engine instance.
type Options struct {
	Logger *zap.Logger

	Capabilities              CapabilitySet
	EnforceStrictCapabilities bool // default false

	Validator SchemaValidator

	DebouncedNotificationMethods map[string]bool

	TaskStore TaskStore

	Middleware MiddlewareConfig

	OnProtocolError func(error)

	// MethodCapabilityMapper resolves which capability key (if any) a
	// method requires, for the Capability Registry. Role facades
	// (agent/provider) supply this; the engine itself stays
	// method-table-agnostic.
	MethodCapabilityMapper func(method string) (key string, required bool)

	// Default timeouts applied to outbound requests that don't specify
	// their own via RequestOptions.
	DefaultTimeout         time.Duration
	DefaultMaxTotalTimeout time.Duration

	// ProgressNotificationLimit caps how often a single peer's
	// notifications/progress messages are allowed to reset a pending
	// request's soft deadline. A chatty or misbehaving peer can
	// otherwise keep resetting the timer indefinitely just by sending
	// progress notifications faster than the timeout; excess
	// notifications are accepted on the wire but dropped before they
	// touch any timer. Zero disables limiting.
	ProgressNotificationLimit rate.Limit
	ProgressNotificationBurst int
}

func (o *Options) withDefaults() *Options {
	cp := *o
	if cp.Logger == nil {
		cp.Logger, _ = zap.NewProduction()
	}
	if cp.TaskStore == nil {
		cp.TaskStore = NewInMemoryTaskStore()
	}
	if cp.Validator == nil {
		cp.Validator = NoopSchemaValidator{}
	}
	if cp.DefaultTimeout == 0 {
		cp.DefaultTimeout = 60 * time.Second
	}
	if cp.ProgressNotificationLimit > 0 && cp.ProgressNotificationBurst == 0 {
		cp.ProgressNotificationBurst = 1
	}
	return &cp
}
