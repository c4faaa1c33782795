package protocol

import "fmt"

// CapabilitySet is a recursively mergeable advertisement of optional
// feature support. An empty (non-nil) value at a leaf means "present
// with defaults".
type CapabilitySet map[string]any

// MergeCapabilities deep-merges additional into a copy of base: later
// values override earlier ones at the leaf, and nested maps merge
// recursively instead of being replaced wholesale. merge(x, {}) == x.
func MergeCapabilities(base, additional CapabilitySet) CapabilitySet {
	out := make(CapabilitySet, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range additional {
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := existing.(CapabilitySet)
			addMap, addIsMap := asCapabilitySet(v)
			if !existingIsMap {
				if em, ok := asCapabilitySet(existing); ok {
					existingMap, existingIsMap = em, true
				}
			}
			if existingIsMap && addIsMap {
				out[k] = MergeCapabilities(existingMap, addMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func asCapabilitySet(v any) (CapabilitySet, bool) {
	switch m := v.(type) {
	case CapabilitySet:
		return m, true
	case map[string]any:
		return CapabilitySet(m), true
	default:
		return nil, false
	}
}

// methodCapabilityMapper resolves the capability key a method requires,
// so the registry can be checked generically without hard-coding a
// method table. Roles (agent/provider facades) supply one.
type methodCapabilityMapper func(method string) (key string, required bool)

// CapabilityRegistry gates dispatch: before each dispatch the engine
// asserts the remote-advertised set supports the method, and the
// local-advertised set supports handling it.
type CapabilityRegistry struct {
	local   CapabilitySet
	remote  CapabilitySet
	mapper  methodCapabilityMapper
	bound   bool
	enforce bool
}

// NewCapabilityRegistry creates a registry. enforceStrict mirrors the
// engine option `enforceStrictCapabilities`: when true, a missing
// capability fails closed; when false, it's permitted and nothing is
// reported to the caller.
func NewCapabilityRegistry(mapper methodCapabilityMapper, enforceStrict bool) *CapabilityRegistry {
	return &CapabilityRegistry{
		local:   CapabilitySet{},
		remote:  CapabilitySet{},
		mapper:  mapper,
		enforce: enforceStrict,
	}
}

// RegisterLocal and RegisterRemote merge in advertised capabilities.
// Both fail with StateError once the registry is bound (i.e. the
// engine has connected to a transport).
func (r *CapabilityRegistry) RegisterLocal(caps CapabilitySet) error {
	if r.bound {
		return NewStateError("cannot register capabilities after connect")
	}
	r.local = MergeCapabilities(r.local, caps)
	return nil
}

func (r *CapabilityRegistry) RegisterRemote(caps CapabilitySet) error {
	if r.bound {
		return NewStateError("cannot register capabilities after connect")
	}
	r.remote = MergeCapabilities(r.remote, caps)
	return nil
}

// Bind locks the registry against further registration; called once by
// the engine on connect().
func (r *CapabilityRegistry) Bind() { r.bound = true }

// AssertCapabilityForMethod checks the remote peer advertises what a
// method we're about to send requires.
func (r *CapabilityRegistry) AssertCapabilityForMethod(method string) error {
	return r.assert(r.remote, method, "remote")
}

// AssertRequestHandlerCapability checks we ourselves advertise what a
// method we're about to handle requires.
func (r *CapabilityRegistry) AssertRequestHandlerCapability(method string) error {
	return r.assert(r.local, method, "local")
}

func (r *CapabilityRegistry) assert(set CapabilitySet, method, side string) error {
	if r.mapper == nil {
		return nil
	}
	key, required := r.mapper(method)
	if !required {
		return nil
	}
	if _, present := lookupCapability(set, key); !present {
		if !r.enforce {
			return nil
		}
		return NewCapabilityError(side, method, fmt.Sprintf("%s does not advertise capability %q required by %q", side, key, method))
	}
	return nil
}

// lookupCapability resolves a dotted capability path ("tasks.list")
// against a CapabilitySet.
func lookupCapability(set CapabilitySet, dottedKey string) (any, bool) {
	cur := set
	var last any = cur
	parts := splitDotted(dottedKey)
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		last = v
		if i == len(parts)-1 {
			return last, true
		}
		next, ok := asCapabilitySet(v)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return last, true
}

func splitDotted(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
