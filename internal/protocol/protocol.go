// Package protocol defines the AIP (Agent Interop Protocol) wire
// format shared by the coordinator, the relay server, and device
// agents: message envelopes, typed payloads, and a codec that
// enforces the schema on every frame.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType enumerates the AIP envelope `type` tag.
type MessageType string

// Message types, in both directions (client → relay and relay → client).
const (
	TypeRegister           MessageType = "REGISTER"
	TypeHeartbeat          MessageType = "HEARTBEAT"
	TypeTask               MessageType = "TASK"
	TypeDeviceInfoRequest  MessageType = "DEVICE_INFO_REQUEST"
	TypeDeviceInfoResponse MessageType = "DEVICE_INFO_RESPONSE"
	TypeCommand            MessageType = "COMMAND"
	TypeCommandResults     MessageType = "COMMAND_RESULTS"
	TypeTaskEnd            MessageType = "TASK_END"
	TypeError              MessageType = "ERROR"
)

// Status enumerates the AIP envelope `status` tag.
type Status string

const (
	StatusOK        Status = "ok"
	StatusContinue  Status = "continue"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// ClientType distinguishes the two kinds of AIP peers.
type ClientType string

const (
	ClientTypeConstellation ClientType = "constellation"
	ClientTypeDevice        ClientType = "device"
)

// Envelope is the outer AIP message. Payload is kept as raw JSON so
// it can be decoded into a type-specific struct once Type is known,
// and so unknown optional fields inside the payload round-trip
// untouched. Unknown top-level envelope fields are dropped on decode.
type Envelope struct {
	Type           MessageType     `json:"type"`
	Status         Status          `json:"status,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ClientType     ClientType      `json:"client_type,omitempty"`
	ClientID       string          `json:"client_id,omitempty"`
	TargetID       string          `json:"target_id,omitempty"`
	SessionID      string          `json:"session_id"`
	ResponseID     string          `json:"response_id,omitempty"`
	PrevResponseID string          `json:"prev_response_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Payload types, one per message type that carries one.

type RegisterPayload struct {
	DeviceID     string                 `json:"device_id"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type DeviceInfoRequestPayload struct {
	RequestID string `json:"request_id"`
}

type DeviceInfoResponsePayload struct {
	DeviceID   string                 `json:"device_id"`
	DeviceInfo map[string]interface{} `json:"device_info,omitempty"`
}

type TaskPayload struct {
	TaskID      string                 `json:"task_id"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

type CommandAction struct {
	Action     string                 `json:"action"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type CommandPayload struct {
	Actions []CommandAction `json:"actions"`
}

type ActionResult struct {
	Action string      `json:"action"`
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
}

type CommandResultsPayload struct {
	ActionResults []ActionResult `json:"action_results"`
}

type TaskEndPayload struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

type ErrorPayload struct {
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ProtocolError is a structured decode/validation failure (spec §7
// "Protocol errors"). The offending frame is dropped by the router;
// the session stays open.
type ProtocolError struct {
	Reason  string
	Type    MessageType
	Wrapped error
}

func (e *ProtocolError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("protocol error (%s): %s: %v", e.Type, e.Reason, e.Wrapped)
	}
	return fmt.Sprintf("protocol error (%s): %s", e.Type, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Wrapped }

// knownTypes is the set of message types the codec will decode.
// Unknown types are rejected per spec §4.3.
var knownTypes = map[MessageType]bool{
	TypeRegister:           true,
	TypeHeartbeat:          true,
	TypeTask:               true,
	TypeDeviceInfoRequest:  true,
	TypeDeviceInfoResponse: true,
	TypeCommand:            true,
	TypeCommandResults:     true,
	TypeTaskEnd:            true,
	TypeError:              true,
}
