package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchemas holds one compiled JSON Schema per message type that
// carries a payload worth shape-checking. Compiled once at package
// init; a schema compile failure is a programming error (panics),
// matching the teacher's "fail fast on bad embedded schema" posture
// in internal/engine/structured.go.
var payloadSchemas map[MessageType]*jsonschema.Schema

func init() {
	payloadSchemas = make(map[MessageType]*jsonschema.Schema)
	defs := map[MessageType]string{
		TypeRegister: `{
			"type": "object",
			"required": ["device_id"],
			"properties": {"device_id": {"type": "string", "minLength": 1}}
		}`,
		TypeTask: `{
			"type": "object",
			"required": ["task_id"],
			"properties": {"task_id": {"type": "string", "minLength": 1}}
		}`,
		TypeDeviceInfoRequest: `{
			"type": "object",
			"required": ["request_id"]
		}`,
		TypeDeviceInfoResponse: `{
			"type": "object",
			"required": ["device_id"]
		}`,
		TypeTaskEnd: `{
			"type": "object"
		}`,
		TypeError: `{
			"type": "object",
			"required": ["error_code", "message"]
		}`,
		TypeCommandResults: `{
			"type": "object",
			"required": ["action_results"]
		}`,
	}
	for typ, raw := range defs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("protocol: compile schema for %s: %v", typ, err))
		}
		c := jsonschema.NewCompiler()
		resource := string(typ) + ".json"
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("protocol: add schema resource for %s: %v", typ, err))
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("protocol: compile schema for %s: %v", typ, err))
		}
		payloadSchemas[typ] = schema
	}
}

// Decode parses a raw AIP frame into an Envelope and validates its
// shape. Unknown `type` values are rejected with a *ProtocolError;
// known types with a malformed payload are also rejected. Unknown
// optional envelope fields are accepted but not kept: encoding/json
// ignores them when filling Envelope, so re-encoding the result drops
// them. The raw Payload is kept untouched until a caller unmarshals
// it, so unknown fields inside the payload do survive a round trip.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Wrapped: err}
	}
	if !knownTypes[env.Type] {
		return nil, &ProtocolError{Reason: "unknown message type", Type: env.Type}
	}
	if env.SessionID == "" {
		return nil, &ProtocolError{Reason: "missing session_id", Type: env.Type}
	}
	if schema, ok := payloadSchemas[env.Type]; ok && len(env.Payload) > 0 {
		var v interface{}
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, &ProtocolError{Reason: "malformed payload", Type: env.Type, Wrapped: err}
		}
		if err := schema.Validate(v); err != nil {
			return nil, &ProtocolError{Reason: "payload schema violation", Type: env.Type, Wrapped: err}
		}
	}
	return &env, nil
}

// Encode serializes an Envelope deterministically (Go's
// encoding/json already emits struct fields in declaration order, so
// repeated encodes of an equal Envelope are byte-identical).
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodePayload unmarshals env.Payload into dst. Used by the router
// after Decode has already validated the payload shape.
func DecodePayload(env *Envelope, dst interface{}) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &ProtocolError{Reason: "payload decode failed", Type: env.Type, Wrapped: err}
	}
	return nil
}

// EncodePayload marshals src into a RawMessage suitable for
// Envelope.Payload.
func EncodePayload(src interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
