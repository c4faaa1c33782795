package protocol

import (
	"encoding/json"
	"sync"
)

// ValidationResult is the outcome of validating one value against a
// compiled schema.
type ValidationResult struct {
	Valid        bool
	ErrorMessage string
}

// Validator checks one value against the schema it was compiled from.
type Validator func(value json.RawMessage) ValidationResult

// SchemaValidator compiles opaque schema handles into Validators. The
// engine never interprets schemas beyond this contract; no specific
// schema language is mandated.
type SchemaValidator interface {
	Compile(schema any) (Validator, error)
}

// NoopSchemaValidator accepts any value for any schema. It is the
// engine's default when no SchemaValidator is configured, consistent
// with "no specific schema language is mandated" - a real JSON Schema
// backend is a pluggable concern the core consumes, not implements.
type NoopSchemaValidator struct{}

func (NoopSchemaValidator) Compile(any) (Validator, error) {
	return func(json.RawMessage) ValidationResult { return ValidationResult{Valid: true} }, nil
}

// cachingValidator wraps a SchemaValidator with a compiled-validator
// cache keyed by schema identity, so repeated dispatch of the same
// method doesn't recompile its schema. Mirrors the lazy-populate,
// store-back idiom used for per-session rate limiters in the teacher's
// validators.Throttling.getLimiters.
type cachingValidator struct {
	backend SchemaValidator
	cache   sync.Map // schema (any, used as map key) -> Validator
}

func newCachingValidator(backend SchemaValidator) *cachingValidator {
	if backend == nil {
		backend = NoopSchemaValidator{}
	}
	return &cachingValidator{backend: backend}
}

func (c *cachingValidator) compile(schema any) (Validator, error) {
	if schema == nil {
		return NoopSchemaValidator{}.Compile(nil)
	}
	if v, ok := c.cache.Load(schema); ok {
		return v.(Validator), nil
	}
	v, err := c.backend.Compile(schema)
	if err != nil {
		return nil, err
	}
	c.cache.Store(schema, v)
	return v, nil
}
