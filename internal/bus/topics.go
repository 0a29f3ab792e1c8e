package bus

import "time"

// DeviceStatusChangedEvent is published whenever a device's registry
// status transitions (spec §4.11).
type DeviceStatusChangedEvent struct {
	DeviceID  string
	From      string
	To        string
	Reason    string
	Timestamp time.Time
}

// TaskStartedEvent is published when a scheduler dispatches a task
// node to a device.
type TaskStartedEvent struct {
	ConstellationID string
	TaskID          string
	DeviceID        string
	Timestamp       time.Time
}

// TaskCompletedEvent is published when a task node reaches Completed.
type TaskCompletedEvent struct {
	ConstellationID string
	TaskID          string
	Result          interface{}
	Timestamp       time.Time
}

// TaskFailedEvent is published when a task node reaches Failed.
type TaskFailedEvent struct {
	ConstellationID string
	TaskID          string
	Error           string
	Timestamp       time.Time
}

// ConstellationMutatedEvent is published, through the Editor's audit
// hook wired in cmd/constellation, after any successful Do/Undo/Redo
// that changes a constellation's tasks or edges. SummaryOfChanges is
// the operation and command description ("Do AddTask t3",
// "Undo UpdateEdge e1"), not a full diff.
type ConstellationMutatedEvent struct {
	ConstellationID  string
	SummaryOfChanges string
	Timestamp        time.Time
}

// ConstellationStateChangedEvent describes a change in the derived
// Constellation.State (spec §4.8). Nothing in this module publishes
// it: Constellation recomputes its state without emitting bus events.
type ConstellationStateChangedEvent struct {
	ConstellationID string
	From            string
	To              string
	Timestamp       time.Time
}

// TaskIDOf extracts a task_id correlating field from whichever typed
// event payload is carried on the bus, for consumers that only care
// about correlation, not the concrete event type.
func TaskIDOf(payload interface{}) (string, bool) {
	switch p := payload.(type) {
	case TaskStartedEvent:
		return p.TaskID, true
	case TaskCompletedEvent:
		return p.TaskID, true
	case TaskFailedEvent:
		return p.TaskID, true
	default:
		return "", false
	}
}
