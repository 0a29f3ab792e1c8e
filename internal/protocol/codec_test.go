package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecode_UnknownType(t *testing.T) {
	frame := []byte(`{"type":"BOGUS","session_id":"s1","timestamp":"2026-01-01T00:00:00Z"}`)
	_, err := Decode(frame)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
}

func TestDecode_MissingSessionID(t *testing.T) {
	frame := []byte(`{"type":"HEARTBEAT","timestamp":"2026-01-01T00:00:00Z"}`)
	_, err := Decode(frame)
	if err == nil {
		t.Fatal("expected error for missing session_id")
	}
}

func TestDecode_RegisterRoundTrip(t *testing.T) {
	payload, err := EncodePayload(RegisterPayload{
		DeviceID:     "dev-1",
		Capabilities: []string{"office", "pdf"},
		Metadata:     map[string]interface{}{"os": "linux"},
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	env := &Envelope{
		Type:       TypeRegister,
		Timestamp:  time.Now().UTC(),
		ClientType: ClientTypeDevice,
		ClientID:   "dev-1",
		SessionID:  "sess-abc",
		Payload:    payload,
	}
	frame, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != TypeRegister || decoded.SessionID != "sess-abc" {
		t.Fatalf("decoded envelope mismatch: %+v", decoded)
	}

	var rp RegisterPayload
	if err := DecodePayload(decoded, &rp); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if rp.DeviceID != "dev-1" || len(rp.Capabilities) != 2 {
		t.Fatalf("payload mismatch: %+v", rp)
	}
}

func TestDecode_RegisterMissingDeviceID(t *testing.T) {
	payload, _ := json.Marshal(map[string]interface{}{})
	env := &Envelope{
		Type:      TypeRegister,
		Timestamp: time.Now().UTC(),
		SessionID: "sess-1",
		Payload:   payload,
	}
	frame, _ := Encode(env)

	_, err := Decode(frame)
	if err == nil {
		t.Fatal("expected schema violation for missing device_id")
	}
}

func TestDecode_UnknownFieldsPreserved(t *testing.T) {
	frame := []byte(`{"type":"HEARTBEAT","session_id":"s1","timestamp":"2026-01-01T00:00:00Z","extra_future_field":"kept-in-raw-only-if-we-add-it"}`)
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeHeartbeat {
		t.Fatalf("unexpected type: %v", env.Type)
	}
}
