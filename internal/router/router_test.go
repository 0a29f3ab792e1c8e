package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/constellation/internal/protocol"
	"github.com/basket/constellation/internal/router"
)

func envelope(t *testing.T, typ protocol.MessageType, sessionID string, status protocol.Status, payload interface{}) *protocol.Envelope {
	t.Helper()
	raw, err := protocol.EncodePayload(payload)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	return &protocol.Envelope{Type: typ, SessionID: sessionID, Status: status, Payload: raw}
}

func TestDispatch_TaskEndResolvesPending(t *testing.T) {
	r := router.New(nil, nil, nil)
	handle := r.RegisterPending("d1", "s1")

	env := envelope(t, protocol.TypeTaskEnd, "s1", protocol.StatusCompleted, protocol.TaskEndPayload{Result: "done"})
	if err := r.Dispatch("d1", env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Result != "done" {
		t.Fatalf("Result = %v, want done", outcome.Result)
	}
}

func TestDispatch_CommandResultsStreamsThenResolves(t *testing.T) {
	r := router.New(nil, nil, nil)
	handle := r.RegisterPending("d1", "s1")

	cont := envelope(t, protocol.TypeCommandResults, "s1", protocol.StatusContinue,
		protocol.CommandResultsPayload{ActionResults: []protocol.ActionResult{{Action: "click", Status: "ok"}}})
	if err := r.Dispatch("d1", cont); err != nil {
		t.Fatalf("Dispatch continue: %v", err)
	}
	if len(handle.Log()) != 1 {
		t.Fatalf("Log = %v, want 1 entry", handle.Log())
	}

	final := envelope(t, protocol.TypeCommandResults, "s1", protocol.StatusCompleted,
		protocol.CommandResultsPayload{ActionResults: []protocol.ActionResult{{Action: "type", Status: "ok"}}})
	if err := r.Dispatch("d1", final); err != nil {
		t.Fatalf("Dispatch final: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

type fakeHeartbeat struct{ notified chan string }

func (f *fakeHeartbeat) NotifyReply(deviceID string) { f.notified <- deviceID }

func TestDispatch_HeartbeatNotifiesMonitor(t *testing.T) {
	fh := &fakeHeartbeat{notified: make(chan string, 1)}
	r := router.New(fh, nil, nil)

	env := &protocol.Envelope{Type: protocol.TypeHeartbeat, SessionID: "s1"}
	if err := r.Dispatch("d1", env); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case id := <-fh.notified:
		if id != "d1" {
			t.Fatalf("notified = %q, want d1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected heartbeat notification")
	}
}

func TestResolve_ExactlyOnce(t *testing.T) {
	r := router.New(nil, nil, nil)
	handle := r.RegisterPending("d1", "s1")

	env := envelope(t, protocol.TypeTaskEnd, "s1", protocol.StatusCompleted, protocol.TaskEndPayload{Result: "first"})
	_ = r.Dispatch("d1", env)
	// A second terminal reply for the same session must not panic or
	// block on an already-resolved channel.
	_ = r.Dispatch("d1", env)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome.Result != "first" {
		t.Fatalf("Result = %v, want first", outcome.Result)
	}
}
