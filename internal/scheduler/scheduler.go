package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/constellation/internal/bus"
	"github.com/basket/constellation/internal/coordinator"
	"github.com/basket/constellation/internal/dag"
	"github.com/basket/constellation/internal/devices"
	"github.com/basket/constellation/internal/otel"
	"github.com/basket/constellation/internal/policy"
	"github.com/basket/constellation/internal/taskqueue"
)

// Submitter is the subset of *coordinator.Coordinator the scheduler
// needs; an interface so tests can substitute a fake.
type Submitter interface {
	Submit(ctx context.Context, deviceID string, item taskqueue.Item) error
}

// Scheduler drives one Constellation to completion by repeatedly
// selecting ready tasks and assigning them to Idle devices (spec
// §4.10, component C10).
type Scheduler struct {
	c          *dag.Constellation
	devices    *devices.Registry
	submitter  Submitter
	b          *bus.Bus
	logger     *slog.Logger
	pollPeriod time.Duration

	strategyMu sync.RWMutex
	strategy   AssignmentStrategy

	metrics *otel.Metrics  // nil unless SetMetrics is called
	policy  policy.Checker // nil means unrestricted (policy.Default() semantics)

	taskDevice map[string]string // task_id -> device_id it was dispatched to, for re-evaluation on completion
}

// SetMetrics attaches an optional metrics sink. Safe to call once
// before Run; a nil Scheduler.metrics means dispatch counters are
// simply skipped.
func (s *Scheduler) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

// SetPolicy attaches a capability policy consulted before every
// dispatch. A task whose DeviceType names a capability the policy
// denies is left un-dispatched (retried on the next tick, same as a
// task with no idle device available) rather than failed outright.
func (s *Scheduler) SetPolicy(p policy.Checker) {
	s.policy = p
}

// New creates a Scheduler. strategy and logger may be nil (defaults
// to RoundRobinStrategy and slog.Default()).
func New(c *dag.Constellation, reg *devices.Registry, submitter Submitter, strategy AssignmentStrategy, b *bus.Bus, logger *slog.Logger) *Scheduler {
	if strategy == nil {
		strategy = &RoundRobinStrategy{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		c: c, devices: reg, submitter: submitter, strategy: strategy, b: b, logger: logger,
		pollPeriod: 200 * time.Millisecond,
		taskDevice: make(map[string]string),
	}
}

// Run drives the constellation to completion or until ctx is
// cancelled. On cancellation every non-terminal task is marked
// Cancelled and any pending submissions are left to the coordinator's
// own disconnect/drain handling (spec §4.10 "termination semantics").
func (s *Scheduler) Run(ctx context.Context) (*dag.Stats, error) {
	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	var unsubs []func()
	if s.b != nil {
		completed := s.b.Subscribe(bus.TopicTaskCompleted)
		unsubs = append(unsubs, func() { s.b.Unsubscribe(completed) })
		go func(ch <-chan bus.Event) {
			for ev := range ch {
				if tc, ok := ev.Payload.(bus.TaskCompletedEvent); ok {
					_ = s.c.MarkCompleted(tc.TaskID, true, tc.Result, "")
				}
				notify()
			}
		}(completed.Ch())

		failed := s.b.Subscribe(bus.TopicTaskFailed)
		unsubs = append(unsubs, func() { s.b.Unsubscribe(failed) })
		go func(ch <-chan bus.Event) {
			for ev := range ch {
				if tf, ok := ev.Payload.(bus.TaskFailedEvent); ok {
					_ = s.c.MarkCompleted(tf.TaskID, false, nil, tf.Error)
				}
				notify()
			}
		}(failed.Ch())

		mutated := s.b.Subscribe(bus.TopicConstellationMutated)
		unsubs = append(unsubs, func() { s.b.Unsubscribe(mutated) })
		go func(ch <-chan bus.Event) {
			for range ch {
				notify()
			}
		}(mutated.Ch())
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()

	for {
		s.dispatchReady(ctx)

		if s.c.IsComplete() {
			stats := s.c.Statistics()
			return &stats, nil
		}

		select {
		case <-ctx.Done():
			s.cancelOutstanding()
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) dispatchReady(ctx context.Context) {
	for _, taskID := range s.c.ReadyTasks() {
		task := s.c.GetTask(taskID)
		if task == nil {
			continue
		}

		if s.policy != nil && task.DeviceType != "" && !s.policy.AllowCapability(task.DeviceType) {
			continue
		}

		device := s.pickDevice(task)
		if device == nil {
			continue
		}

		if err := s.c.MarkStarted(taskID); err != nil {
			continue // lost a race with another dispatcher; try again next tick
		}
		s.taskDevice[taskID] = device.DeviceID

		item := taskqueue.Item{TaskID: taskID, Payload: taskPayload(task)}
		dispatchStart := time.Now()
		if err := s.submitter.Submit(ctx, device.DeviceID, item); err != nil {
			s.logger.Error("scheduler: submit failed", "task_id", taskID, "device_id", device.DeviceID, "error", err)
			_ = s.c.MarkCompleted(taskID, false, nil, fmt.Sprintf("submit failed: %v", err))
			if s.metrics != nil {
				s.metrics.TasksFailed.Add(ctx, 1)
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.TasksDispatched.Add(ctx, 1)
			s.metrics.TaskDispatchDuration.Record(ctx, time.Since(dispatchStart).Seconds())
		}
	}
}

func (s *Scheduler) pickDevice(task *dag.TaskNode) *devices.Profile {
	if task.TargetDeviceID != "" {
		p, err := s.devices.Snapshot(task.TargetDeviceID)
		if err != nil {
			return nil
		}
		// A pinned target that's Busy is still a valid pick: Submit
		// enqueues it on C6 rather than failing, and it flushes once
		// the device returns to Idle (spec §4.7/§4.10). Any other
		// non-Idle status (Connecting/Disconnected/Failed) has no
		// queue to land in and is left for the next dispatch pass.
		if p.Status != devices.StatusIdle && p.Status != devices.StatusBusy {
			return nil
		}
		return p
	}

	idle := s.devices.List(devices.Filter{Status: devices.StatusIdle})
	if len(idle) == 0 {
		return nil
	}
	s.strategyMu.RLock()
	strategy := s.strategy
	s.strategyMu.RUnlock()
	return strategy.SelectDevice(task.DeviceType, idle)
}

// SetStrategy swaps the assignment strategy in place, for spec §6's
// live hot-reload of assignment_strategy/device_preference_table.
func (s *Scheduler) SetStrategy(strategy AssignmentStrategy) {
	if strategy == nil {
		return
	}
	s.strategyMu.Lock()
	s.strategy = strategy
	s.strategyMu.Unlock()
}

func taskPayload(task *dag.TaskNode) interface{} {
	return map[string]interface{}{
		"task_id":     task.TaskID,
		"description": task.Description,
		"data":        task.TaskData,
	}
}

// cancelOutstanding marks every non-terminal task Cancelled when Run's
// context is cancelled.
func (s *Scheduler) cancelOutstanding() {
	for id, t := range s.c.Tasks() {
		if !t.Status.IsTerminal() {
			_ = s.c.MarkCancelled(id, "scheduler context cancelled")
		}
	}
}

// HandleOutcome applies a task's terminal outcome to the DAG. Callers
// that don't wire the bus (e.g. in tests) can invoke this directly
// instead of relying on Run's bus subscription to notice it.
func (s *Scheduler) HandleOutcome(taskID string, success bool, result interface{}, errMsg string) error {
	return s.c.MarkCompleted(taskID, success, result, errMsg)
}
