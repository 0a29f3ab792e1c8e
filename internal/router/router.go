// Package router implements the message router (spec §4.4, component
// C4): one receive loop per device, dispatching decoded AIP envelopes
// by type and resolving outstanding submissions by session_id.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/constellation/internal/protocol"
	"github.com/basket/constellation/internal/transport"
)

// Outcome is the terminal result of one submitted request/command,
// delivered exactly once to whoever is waiting on it.
type Outcome struct {
	Status protocol.Status
	Result interface{}
	Err    string
}

// pendingKey identifies one outstanding submission.
type pendingKey struct {
	deviceID  string
	sessionID string
}

type pendingEntry struct {
	mu      sync.Mutex
	done    chan Outcome
	log     []protocol.ActionResult
	resolved bool
}

// HeartbeatNotifier is notified when a HEARTBEAT reply arrives for a
// device. Satisfied by *heartbeat.Monitor; kept as an interface here
// to avoid an import cycle between router and heartbeat.
type HeartbeatNotifier interface {
	NotifyReply(deviceID string)
}

// DisconnectHandler is invoked once when a device's receive loop ends,
// whether by clean close or transport error.
type DisconnectHandler func(deviceID string, cause error)

// Router owns the pending-submission table and dispatches decoded
// envelopes to the right handler.
type Router struct {
	mu        sync.Mutex
	pending   map[pendingKey]*pendingEntry
	heartbeat HeartbeatNotifier
	onDisconnect DisconnectHandler
	logger    *slog.Logger
}

func New(heartbeat HeartbeatNotifier, onDisconnect DisconnectHandler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pending:      make(map[pendingKey]*pendingEntry),
		heartbeat:    heartbeat,
		onDisconnect: onDisconnect,
		logger:       logger,
	}
}

// RegisterPending creates a new outstanding submission keyed by
// (deviceID, sessionID). Callers await its result via Wait.
func (r *Router) RegisterPending(deviceID, sessionID string) *PendingHandle {
	entry := &pendingEntry{done: make(chan Outcome, 1)}
	key := pendingKey{deviceID: deviceID, sessionID: sessionID}

	r.mu.Lock()
	r.pending[key] = entry
	r.mu.Unlock()

	return &PendingHandle{router: r, key: key, entry: entry}
}

// PendingHandle is the caller-facing side of one RegisterPending call.
type PendingHandle struct {
	router *Router
	key    pendingKey
	entry  *pendingEntry
}

// Wait blocks until the submission resolves (terminal reply or
// disconnect) or ctx is done. Calling Wait after a timeout still
// leaves the entry registered; callers that give up early should call
// Forget to avoid resolving into a void.
func (h *PendingHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o := <-h.entry.done:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Log returns the streaming COMMAND_RESULTS entries accumulated so far.
func (h *PendingHandle) Log() []protocol.ActionResult {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	return append([]protocol.ActionResult(nil), h.entry.log...)
}

// Forget removes the pending entry without resolving it, e.g. after a
// caller-side timeout that the router should no longer track.
func (h *PendingHandle) Forget() {
	h.router.mu.Lock()
	delete(h.router.pending, h.key)
	h.router.mu.Unlock()
}

func (r *Router) lookup(deviceID, sessionID string) *pendingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[pendingKey{deviceID: deviceID, sessionID: sessionID}]
}

func (r *Router) resolve(deviceID, sessionID string, outcome Outcome) {
	key := pendingKey{deviceID: deviceID, sessionID: sessionID}

	r.mu.Lock()
	entry, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	entry.mu.Lock()
	already := entry.resolved
	entry.resolved = true
	entry.mu.Unlock()
	if already {
		return
	}
	entry.done <- outcome
}

// Dispatch routes one decoded envelope from deviceID (spec §4.4
// dispatch table).
func (r *Router) Dispatch(deviceID string, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeRegister:
		// Reached only when RunReceiveLoop has no onRegister callback,
		// i.e. this side dialed out and is awaiting its own
		// registration ack rather than handling someone else's.
		r.resolve(deviceID, env.SessionID, Outcome{Status: env.Status})
		return nil

	case protocol.TypeHeartbeat:
		if r.heartbeat != nil {
			r.heartbeat.NotifyReply(deviceID)
		}
		// The registration-confirmation contract (spec §6) acks REGISTER
		// with a HEARTBEAT echoing its session_id, so a pending Connect
		// may be waiting on this same session_id. resolve is a no-op if
		// nothing is registered under it (the common case: a periodic
		// liveness heartbeat, not a registration ack).
		r.resolve(deviceID, env.SessionID, Outcome{Status: protocol.StatusOK})
		return nil

	case protocol.TypeDeviceInfoResponse:
		var payload protocol.DeviceInfoResponsePayload
		if err := protocol.DecodePayload(env, &payload); err != nil {
			return err
		}
		r.resolve(deviceID, env.SessionID, Outcome{Status: protocol.StatusOK, Result: payload.DeviceInfo})
		return nil

	case protocol.TypeCommandResults:
		var payload protocol.CommandResultsPayload
		if err := protocol.DecodePayload(env, &payload); err != nil {
			return err
		}
		entry := r.lookup(deviceID, env.SessionID)
		if entry == nil {
			r.logger.Warn("router: COMMAND_RESULTS for unknown session", "device_id", deviceID, "session_id", env.SessionID)
			return nil
		}
		entry.mu.Lock()
		entry.log = append(entry.log, payload.ActionResults...)
		entry.mu.Unlock()
		if env.Status != protocol.StatusContinue {
			r.resolve(deviceID, env.SessionID, Outcome{Status: env.Status, Result: payload.ActionResults})
		}
		return nil

	case protocol.TypeTaskEnd:
		var payload protocol.TaskEndPayload
		if err := protocol.DecodePayload(env, &payload); err != nil {
			return err
		}
		r.resolve(deviceID, env.SessionID, Outcome{Status: env.Status, Result: payload.Result, Err: payload.Error})
		return nil

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := protocol.DecodePayload(env, &payload); err != nil {
			return err
		}
		r.resolve(deviceID, env.SessionID, Outcome{Status: protocol.StatusError, Err: payload.Message})
		return nil

	default:
		return &protocol.ProtocolError{Reason: "unexpected message type from device", Type: env.Type}
	}
}

// RunReceiveLoop reads and dispatches frames from sess until ctx is
// done, the peer closes, or a transport error occurs. It starts
// before the registration handshake completes, since REGISTER itself
// arrives over this same loop (spec §4.4 "starts before registration
// handshake"). On return it always calls onDisconnect exactly once
// and resolves every pending submission for deviceID as failed.
func (r *Router) RunReceiveLoop(ctx context.Context, deviceID string, sess *transport.Session, onRegister func(*protocol.Envelope) error) error {
	var cause error
	defer func() {
		r.failAllPending(deviceID, cause)
		if r.onDisconnect != nil {
			r.onDisconnect(deviceID, cause)
		}
	}()

	for {
		frame, err := sess.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosedByPeer) {
				cause = nil
			} else {
				cause = err
			}
			return err
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			r.logger.Warn("router: dropping malformed frame", "device_id", deviceID, "error", err)
			continue
		}

		if env.Type == protocol.TypeRegister && onRegister != nil {
			if err := onRegister(env); err != nil {
				r.logger.Error("router: registration handler failed", "device_id", deviceID, "error", err)
			}
			continue
		}

		if err := r.Dispatch(deviceID, env); err != nil {
			r.logger.Warn("router: dispatch error", "device_id", deviceID, "error", err)
		}
	}
}

func (r *Router) failAllPending(deviceID string, cause error) {
	r.mu.Lock()
	var keys []pendingKey
	for k := range r.pending {
		if k.deviceID == deviceID {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()

	reason := "device disconnected"
	if cause != nil {
		reason = fmt.Sprintf("device disconnected: %v", cause)
	}
	for _, k := range keys {
		r.resolve(k.deviceID, k.sessionID, Outcome{Status: protocol.StatusFailed, Err: reason})
	}
}
