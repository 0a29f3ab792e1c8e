package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the control plane's metric instruments.
type Metrics struct {
	TaskDispatchDuration  metric.Float64Histogram
	TasksDispatched       metric.Int64Counter
	TasksFailed           metric.Int64Counter
	HeartbeatMisses       metric.Int64Counter
	ReconnectAttempts     metric.Int64Counter
	ActiveSessions        metric.Int64UpDownCounter
	ConstellationEdits    metric.Int64Counter
	PendingSubmissions    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDispatchDuration, err = meter.Float64Histogram("constellation.task.dispatch_duration",
		metric.WithDescription("Duration of the scheduler's Submit call for a dispatched task, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("constellation.task.dispatched",
		metric.WithDescription("Total tasks submitted to a device"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("constellation.task.failed",
		metric.WithDescription("Total tasks that reached a Failed terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatMisses, err = meter.Int64Counter("constellation.heartbeat.misses",
		metric.WithDescription("Total missed heartbeat deadlines across all sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconnectAttempts, err = meter.Int64Counter("constellation.session.reconnect_attempts",
		metric.WithDescription("Total reconnect attempts issued by the coordinator"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("constellation.session.active",
		metric.WithDescription("Number of sessions currently Connected"),
	)
	if err != nil {
		return nil, err
	}

	m.ConstellationEdits, err = meter.Int64Counter("constellation.dag.edits",
		metric.WithDescription("Total runtime edit commands applied to a constellation"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingSubmissions, err = meter.Int64UpDownCounter("constellation.task.pending_submissions",
		metric.WithDescription("Number of submissions awaiting a correlated outcome"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
