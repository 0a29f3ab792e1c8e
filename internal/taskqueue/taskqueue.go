// Package taskqueue implements the per-device FIFO task queue (spec
// §4.6, component C6). Each device_id gets its own serialized queue;
// the Connection Coordinator dequeues at most one task per device at
// a time.
package taskqueue

import (
	"context"
	"sync"
)

// Outcome is how a completion handle resolves when Drain discards an
// item before it was ever sent. Failed is always true for a drained
// item; a handle that's instead dequeued for normal sending resolves
// with Failed false, since the coordinator's own send path publishes
// the task's real terminal outcome.
type Outcome struct {
	Failed bool
	Error  string
}

// Handle is the completion_handle spec §4.6's Enqueue returns: resolved
// exactly once, either by Drain (discarded unsent) or by DequeueOne
// (handed off for sending).
type Handle struct {
	ch   chan Outcome
	once sync.Once
}

func newHandle() *Handle {
	return &Handle{ch: make(chan Outcome, 1)}
}

// Resolve completes the handle. Only the first call has effect.
func (h *Handle) Resolve(o Outcome) {
	h.once.Do(func() { h.ch <- o })
}

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case o := <-h.ch:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Item is one unit of queued work. Payload is opaque to the queue;
// Handle is resolved exactly once when the item leaves the queue,
// either way (see Handle).
type Item struct {
	TaskID  string
	Payload interface{}
	Handle  *Handle
}

type deviceQueue struct {
	mu    sync.Mutex
	items []Item
}

// Registry holds one FIFO queue per device_id.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*deviceQueue
}

func New() *Registry {
	return &Registry{devices: make(map[string]*deviceQueue)}
}

func (r *Registry) queueFor(deviceID string) *deviceQueue {
	r.mu.RLock()
	q, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.devices[deviceID]; ok {
		return q
	}
	q = &deviceQueue{}
	r.devices[deviceID] = q
	return q
}

// Enqueue appends item to deviceID's queue and returns its completion
// handle (spec §4.6 "Enqueue(task_request) -> completion_handle"). A
// nil item.Handle is filled in with a fresh one.
func (r *Registry) Enqueue(deviceID string, item Item) *Handle {
	if item.Handle == nil {
		item.Handle = newHandle()
	}
	q := r.queueFor(deviceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return item.Handle
}

// DequeueOne removes and returns the oldest item for deviceID, if any,
// resolving its handle as handed-off (Failed: false) — the coordinator's
// own send path is now responsible for the task's real outcome.
func (r *Registry) DequeueOne(deviceID string) (Item, bool) {
	q := r.queueFor(deviceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if item.Handle != nil {
		item.Handle.Resolve(Outcome{Failed: false})
	}
	return item, true
}

// Len reports the number of items waiting for deviceID.
func (r *Registry) Len(deviceID string) int {
	q := r.queueFor(deviceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain empties deviceID's queue, resolving every item's handle as
// Failed(reason) (spec §4.6 "Drain(reason) resolves all pending
// handles as Failed(reason) and clears the queue"), and returns what
// was drained in FIFO order for logging. Drain is for true
// deregistration, not a disconnect that will retry via reconnect —
// tasks queued during an ordinary disconnect must survive it.
func (r *Registry) Drain(deviceID, reason string) []Item {
	q := r.queueFor(deviceID)
	q.mu.Lock()
	drained := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range drained {
		if item.Handle != nil {
			item.Handle.Resolve(Outcome{Failed: true, Error: reason})
		}
	}
	return drained
}
