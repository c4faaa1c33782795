package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind tags which of the four JSON-RPC message shapes a Message is.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindError
	KindNotification
)

// Meta is the free-form "_meta" sub-object allowed on request params
// and response results, used by the core to carry progressToken and
// relatedTask correlation without polluting the domain-level
// params/result shape.
type Meta map[string]json.RawMessage

const (
	metaProgressToken = "progressToken"
	metaRelatedTask   = "relatedTask"
)

// Message is the engine's in-memory representation of one decoded (or
// about-to-be-encoded) JSON-RPC message. Exactly one of the
// Result/Err/Method-without-ID/Method-with-ID shapes applies, per Kind.
type Message struct {
	Kind   Kind
	ID     *RequestID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *WireError
}

// DecodeMessage parses a single JSON-RPC envelope. Batches are the
// transport's concern (framing); this operates on one decoded envelope
// already separated out by the caller.
func DecodeMessage(data []byte) (*Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewParseError(fmt.Sprintf("invalid JSON-RPC envelope: %v", err))
	}
	return messageFromEnvelope(env)
}

func messageFromEnvelope(env wireEnvelope) (*Message, error) {
	msg := &Message{ID: env.ID}
	switch {
	case env.Error != nil:
		msg.Kind = KindError
		msg.Err = env.Error
		if env.ID == nil {
			return nil, NewInvalidRequestError("error response missing id")
		}
	case env.Result != nil:
		msg.Kind = KindResponse
		msg.Result = *env.Result
		if env.ID == nil {
			return nil, NewInvalidRequestError("response missing id")
		}
	case env.Method != nil:
		msg.Method = *env.Method
		if env.Params != nil {
			msg.Params = *env.Params
		}
		if env.ID != nil {
			msg.Kind = KindRequest
		} else {
			msg.Kind = KindNotification
		}
	default:
		return nil, NewInvalidRequestError("message has neither method, result, nor error")
	}
	return msg, nil
}

// Encode renders the message back to its wire envelope.
func (m *Message) Encode() ([]byte, error) {
	env := wireEnvelope{JSONRPC: JSONRPCVersion, ID: m.ID}
	switch m.Kind {
	case KindRequest, KindNotification:
		method := m.Method
		env.Method = &method
		if m.Params != nil {
			raw := json.RawMessage(m.Params)
			env.Params = &raw
		}
	case KindResponse:
		raw := json.RawMessage(m.Result)
		env.Result = &raw
	case KindError:
		env.Error = m.Err
	}
	return json.Marshal(env)
}

// ParamsMeta extracts the "_meta" sub-object embedded in Params, if any.
func (m *Message) ParamsMeta() Meta {
	return extractMeta(m.Params)
}

// ResultMeta extracts the "_meta" sub-object embedded in Result, if any.
func (m *Message) ResultMeta() Meta {
	return extractMeta(m.Result)
}

func extractMeta(raw json.RawMessage) Meta {
	if len(raw) == 0 {
		return nil
	}
	var holder struct {
		Meta Meta `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &holder); err != nil {
		return nil
	}
	return holder.Meta
}

// withMeta re-marshals base (an object, or nil) with the given _meta
// sub-object merged in, used when the engine stamps progressToken or
// relatedTask onto outgoing params.
func withMeta(base json.RawMessage, meta Meta) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &obj); err != nil {
			return nil, fmt.Errorf("params is not a JSON object, cannot attach _meta: %w", err)
		}
	}
	existing := Meta{}
	if raw, ok := obj["_meta"]; ok {
		_ = json.Unmarshal(raw, &existing)
	}
	for k, v := range meta {
		existing[k] = v
	}
	metaRaw, err := json.Marshal(existing)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = metaRaw
	return json.Marshal(obj)
}

func rawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
