// Package coordinator implements the Connection Coordinator (spec
// §4.7, component C7): the Connect/Disconnect lifecycle for a single
// device session, reconnection with exponential backoff, and task
// submission against a device's current state.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/constellation/internal/bus"
	"github.com/basket/constellation/internal/devices"
	"github.com/basket/constellation/internal/heartbeat"
	"github.com/basket/constellation/internal/protocol"
	"github.com/basket/constellation/internal/router"
	"github.com/basket/constellation/internal/taskqueue"
	"github.com/basket/constellation/internal/transport"
	"github.com/google/uuid"
)

// Dialer opens a transport session to a device's relay endpoint.
// A field, not a hardcoded call, so tests can substitute an in-memory
// implementation.
type Dialer func(ctx context.Context, endpointURL string) (*transport.Session, error)

// Config carries the coordinator's tunable options (spec §6).
type Config struct {
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	DefaultMaxRetries     int
	DefaultTaskTimeout    time.Duration
	HeartbeatInterval     time.Duration
}

func defaultConfig() Config {
	return Config{
		InitialReconnectDelay: time.Second,
		MaxReconnectDelay:     60 * time.Second,
		DefaultMaxRetries:     3,
		DefaultTaskTimeout:    5 * time.Minute,
		HeartbeatInterval:     heartbeat.DefaultInterval,
	}
}

// DeviceUnavailableError is returned by Submit when deviceID is
// neither Idle (send now) nor Busy (queue it) — Connecting,
// Disconnected, or Failed — spec §4.7 Submit logic: "SubmitTask to a
// Failed device resolves immediately" generalizes to every status the
// queue can't meaningfully hold work for.
type DeviceUnavailableError struct {
	DeviceID string
	Status   devices.Status
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("coordinator: device %q unavailable (status=%s, reason=DeviceUnavailable)", e.DeviceID, e.Status)
}

// session is the Coordinator's live state for one connected device.
type session struct {
	mu       sync.Mutex
	sess     *transport.Session
	cancel   context.CancelFunc
	endpoint string
}

// Coordinator owns the lifecycle of every device connection.
type Coordinator struct {
	cfg       Config
	devices   *devices.Registry
	router    *router.Router
	heartbeat *heartbeat.Monitor
	queue     *taskqueue.Registry
	bus       *bus.Bus
	dial      Dialer
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New wires a Coordinator from its components. cfg's zero value is
// replaced field-by-field with defaults where unset.
func New(cfg Config, reg *devices.Registry, q *taskqueue.Registry, b *bus.Bus, dial Dialer, logger *slog.Logger) *Coordinator {
	d := defaultConfig()
	if cfg.InitialReconnectDelay > 0 {
		d.InitialReconnectDelay = cfg.InitialReconnectDelay
	}
	if cfg.MaxReconnectDelay > 0 {
		d.MaxReconnectDelay = cfg.MaxReconnectDelay
	}
	if cfg.DefaultMaxRetries > 0 {
		d.DefaultMaxRetries = cfg.DefaultMaxRetries
	}
	if cfg.DefaultTaskTimeout > 0 {
		d.DefaultTaskTimeout = cfg.DefaultTaskTimeout
	}
	if cfg.HeartbeatInterval > 0 {
		d.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		cfg:      d,
		devices:  reg,
		queue:    q,
		bus:      b,
		dial:     dial,
		logger:   logger,
		sessions: make(map[string]*session),
	}
	c.router = router.New(heartbeatAdapter{c}, c.handleDisconnect, logger)
	c.heartbeat = heartbeat.New(d.HeartbeatInterval, c.sendHeartbeat, c.handleHeartbeatTimeout, logger)
	return c
}

// heartbeatAdapter lets Coordinator satisfy router.HeartbeatNotifier
// without exposing its *heartbeat.Monitor field directly.
type heartbeatAdapter struct{ c *Coordinator }

func (h heartbeatAdapter) NotifyReply(deviceID string) { h.c.heartbeat.NotifyReply(deviceID) }

// Connect runs the 9-step connect sequence for deviceID against
// endpointURL (spec §4.7):
//  1. dial the transport
//  2. record the session and cancel func
//  3. set device status Connecting
//  4. start the receive loop (so the REGISTER ack can be read back)
//  5. send REGISTER
//  6. await the relay's REGISTER ack (a HEARTBEAT echoing its
//     session_id) via a pending submission
//  7. set device status Connected, then Idle
//  8. reset the reconnect-attempt counter
//  9. start the heartbeat loop and send the oldest queued task, if any
func (c *Coordinator) Connect(ctx context.Context, deviceID, endpointURL string, profile devices.Profile) error {
	sess, err := c.dial(ctx, endpointURL)
	if err != nil {
		return fmt.Errorf("coordinator: dial %s: %w", deviceID, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	st := &session{sess: sess, cancel: cancel, endpoint: endpointURL}

	c.mu.Lock()
	c.sessions[deviceID] = st
	c.mu.Unlock()

	if err := c.devices.SetStatus(deviceID, devices.StatusConnecting, "connect requested"); err != nil {
		cancel()
		return err
	}

	go func() {
		_ = c.router.RunReceiveLoop(loopCtx, deviceID, sess, nil)
	}()

	sessionID := uuid.New().String()
	regPayload, err := protocol.EncodePayload(protocol.RegisterPayload{
		DeviceID: profile.DeviceID, Metadata: profile.Metadata,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("coordinator: encode REGISTER payload: %w", err)
	}
	pending := c.router.RegisterPending(deviceID, sessionID)
	env := &protocol.Envelope{
		Type: protocol.TypeRegister, SessionID: sessionID,
		ClientType: protocol.ClientTypeDevice, ClientID: deviceID,
		Timestamp: time.Now(), Payload: regPayload,
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		cancel()
		return fmt.Errorf("coordinator: encode REGISTER envelope: %w", err)
	}
	if err := sess.Send(ctx, frame); err != nil {
		cancel()
		return fmt.Errorf("coordinator: send REGISTER: %w", err)
	}

	outcome, err := pending.Wait(ctx)
	if err != nil {
		pending.Forget()
		cancel()
		return fmt.Errorf("coordinator: REGISTER ack wait for %s: %w", deviceID, err)
	}
	if outcome.Status == protocol.StatusError || outcome.Status == protocol.StatusFailed {
		cancel()
		return fmt.Errorf("coordinator: REGISTER rejected for %s: %s", deviceID, outcome.Err)
	}

	if err := c.devices.SetStatus(deviceID, devices.StatusConnected, "registered"); err != nil {
		return err
	}
	if err := c.devices.SetStatus(deviceID, devices.StatusIdle, "ready"); err != nil {
		return err
	}
	_ = c.devices.ResetAttempts(deviceID)

	c.heartbeat.Start(loopCtx, deviceID)
	c.flushQueue(ctx, deviceID)
	return nil
}

// Disconnect runs the 4-step disconnect sequence for an involuntary
// drop (transport error or heartbeat timeout) that will retry via
// reconnect (spec §4.7):
//  1. stop the heartbeat loop
//  2. cancel the receive loop
//  3. close the transport session
//  4. set device status Disconnected and schedule a reconnect attempt
//
// C6's queue is deliberately left untouched: tasks queued while the
// device was Busy survive reconnection and are flushed once the
// device returns to Idle (spec §4.7 Reconnection, testable property
// "Queue preservation under reconnection"). Use Deregister for a
// device that is leaving for good.
func (c *Coordinator) Disconnect(deviceID, reason string) {
	c.heartbeat.Stop(deviceID)

	c.mu.Lock()
	st, ok := c.sessions[deviceID]
	delete(c.sessions, deviceID)
	c.mu.Unlock()

	if ok {
		st.cancel()
		_ = st.sess.Close(4000, reason)
	}

	_ = c.devices.SetStatus(deviceID, devices.StatusDisconnected, reason)

	if ok {
		go c.reconnect(deviceID, st.endpoint)
	}
}

// Deregister permanently removes deviceID: it tears down any active
// session exactly like Disconnect, but drains C6's queue (failing
// every pending item as Failed(reason) via its completion handle) and
// does not schedule a reconnect. Callers that want a device gone for
// good — not merely dropped and due to retry — call this instead of
// Disconnect.
func (c *Coordinator) Deregister(deviceID, reason string) error {
	c.heartbeat.Stop(deviceID)

	c.mu.Lock()
	st, ok := c.sessions[deviceID]
	delete(c.sessions, deviceID)
	c.mu.Unlock()

	if ok {
		st.cancel()
		_ = st.sess.Close(4000, reason)
	}

	for _, item := range c.queue.Drain(deviceID, reason) {
		c.logger.Info("coordinator: failed queued task on deregister", "device_id", deviceID, "task_id", item.TaskID, "reason", reason)
	}

	return c.devices.Deregister(deviceID)
}

func (c *Coordinator) handleDisconnect(deviceID string, cause error) {
	reason := "connection closed"
	if cause != nil {
		reason = cause.Error()
	}
	c.Disconnect(deviceID, reason)
}

func (c *Coordinator) handleHeartbeatTimeout(deviceID string) {
	c.Disconnect(deviceID, "heartbeat timeout")
}

func (c *Coordinator) sendHeartbeat(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	st, ok := c.sessions[deviceID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: no active session for %s", deviceID)
	}

	env := &protocol.Envelope{Type: protocol.TypeHeartbeat, SessionID: uuid.New().String(), Timestamp: time.Now()}
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return st.sess.Send(ctx, frame)
}

// reconnect retries Connect with exponential backoff, doubling the
// delay each attempt up to MaxReconnectDelay, resetting the
// consecutive-attempt counter on success (spec §4.7/§9).
func (c *Coordinator) reconnect(deviceID, endpointURL string) {
	delay := c.cfg.InitialReconnectDelay
	for {
		attempts, err := c.devices.IncrementAttempts(deviceID)
		if err != nil {
			return // device was deregistered
		}

		profile, err := c.devices.Snapshot(deviceID)
		if err != nil {
			return
		}

		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = c.Connect(ctx, deviceID, endpointURL, *profile)
		cancel()
		if err == nil {
			return
		}

		c.logger.Warn("coordinator: reconnect attempt failed", "device_id", deviceID, "attempt", attempts, "error", err)
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// flushQueue sends the oldest task queued for deviceID while it was
// Busy or disconnected. It sends at most one: the device is Busy once
// that task is out, and the next queued task follows when its outcome
// returns the device to Idle via TaskCompleted.
func (c *Coordinator) flushQueue(ctx context.Context, deviceID string) {
	item, ok := c.queue.DequeueOne(deviceID)
	if !ok {
		return
	}
	if err := c.sendTask(ctx, deviceID, item); err != nil {
		c.logger.Error("coordinator: failed to flush queued task", "device_id", deviceID, "task_id", item.TaskID, "error", err)
	}
}

// sendTask transmits item to deviceID's active session, registers a
// pending completion keyed by the envelope's session_id, and spawns a
// waiter that republishes the eventual TASK_END/ERROR as a
// TaskCompleted/TaskFailed bus event and returns the device to Idle
// (spec §4.11 "the event bus is the bridge between connection-layer
// outcomes and the DAG").
func (c *Coordinator) sendTask(ctx context.Context, deviceID string, item taskqueue.Item) error {
	c.mu.Lock()
	st, ok := c.sessions[deviceID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: no active session for %s", deviceID)
	}

	payload, err := protocol.EncodePayload(item.Payload)
	if err != nil {
		return err
	}
	sessionID := uuid.New().String()
	env := &protocol.Envelope{
		Type: protocol.TypeTask, SessionID: sessionID,
		Timestamp: time.Now(), Payload: payload,
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.devices.SetStatus(deviceID, devices.StatusBusy, "task dispatched"); err != nil {
		return err
	}
	_ = c.devices.SetCurrentTask(deviceID, item.TaskID)
	if c.bus != nil {
		c.bus.Publish(bus.TopicTaskStarted, bus.TaskStartedEvent{TaskID: item.TaskID, DeviceID: deviceID, Timestamp: time.Now()})
	}

	pending := c.router.RegisterPending(deviceID, sessionID)
	if err := st.sess.Send(ctx, frame); err != nil {
		pending.Forget()
		return err
	}

	go c.awaitTaskOutcome(deviceID, item.TaskID, pending)
	return nil
}

func (c *Coordinator) awaitTaskOutcome(deviceID, taskID string, pending *router.PendingHandle) {
	outcome, err := pending.Wait(context.Background())
	now := time.Now()
	if err != nil {
		if c.bus != nil {
			c.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{TaskID: taskID, Error: err.Error(), Timestamp: now})
		}
	} else if outcome.Status == protocol.StatusFailed || outcome.Status == protocol.StatusError {
		if c.bus != nil {
			c.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{TaskID: taskID, Error: outcome.Err, Timestamp: now})
		}
	} else {
		if c.bus != nil {
			c.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: taskID, Result: outcome.Result, Timestamp: now})
		}
	}
	c.TaskCompleted(context.Background(), deviceID)
}

// Submit dispatches item to deviceID immediately if the device is
// Idle, enqueues it for later if Busy, or resolves it as failed right
// away for every other status (Connecting, Disconnected, Failed) —
// spec §4.7 Submit logic, and the §8 boundary behavior "SubmitTask to
// a Failed device resolves immediately".
func (c *Coordinator) Submit(ctx context.Context, deviceID string, item taskqueue.Item) error {
	profile, err := c.devices.Snapshot(deviceID)
	if err != nil {
		return err
	}
	switch profile.Status {
	case devices.StatusIdle:
		return c.sendTask(ctx, deviceID, item)
	case devices.StatusBusy:
		handle := c.queue.Enqueue(deviceID, item)
		go c.awaitQueuedOutcome(item.TaskID, handle)
		return nil
	default:
		return &DeviceUnavailableError{DeviceID: deviceID, Status: profile.Status}
	}
}

// awaitQueuedOutcome watches a queued item's completion handle. If
// Drain later discards it unsent, this republishes the failure as a
// TaskFailed bus event so the task the Scheduler already marked
// Running doesn't get stuck there forever (spec §8 "Terminal
// monotonicity"/"Correlation uniqueness"). If the item is instead
// dequeued for normal sending, the handle resolves Failed:false and
// this is a no-op — sendTask's own awaitTaskOutcome owns that task's
// real terminal event.
func (c *Coordinator) awaitQueuedOutcome(taskID string, handle *taskqueue.Handle) {
	outcome, err := handle.Wait(context.Background())
	if err != nil || !outcome.Failed {
		return
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{TaskID: taskID, Error: outcome.Error, Timestamp: time.Now()})
	}
}

// TaskCompleted marks the device Idle again and sends the next task
// from its backlog, if any.
// Called by whatever observes a TASK_END/ERROR for the task the
// device was running (spec §4.7 "device returns to Idle on
// completion").
func (c *Coordinator) TaskCompleted(ctx context.Context, deviceID string) {
	_ = c.devices.SetCurrentTask(deviceID, "")
	if err := c.devices.SetStatus(deviceID, devices.StatusIdle, "task completed"); err != nil {
		c.logger.Warn("coordinator: could not return device to Idle", "device_id", deviceID, "error", err)
		return
	}
	c.flushQueue(ctx, deviceID)
}

// Router exposes the underlying message router so callers (e.g. the
// scheduler) can register pending submissions against a device's
// session directly.
func (c *Coordinator) Router() *router.Router { return c.router }
