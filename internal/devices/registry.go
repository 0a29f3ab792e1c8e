// Package devices is the authoritative store of device profiles and
// status (spec §4.1, component C1). All mutations are serialized per
// device_id; readers get deep-copied snapshots.
package devices

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/constellation/internal/bus"
)

// Status is a device's connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "Disconnected"
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusIdle         Status = "Idle"
	StatusBusy         Status = "Busy"
	StatusFailed       Status = "Failed"
)

// legalTransitions enumerates the transition table from spec §4.1.
var legalTransitions = map[Status]map[Status]bool{
	StatusDisconnected: {StatusConnecting: true},
	StatusConnecting:   {StatusConnected: true, StatusFailed: true},
	StatusConnected:    {StatusIdle: true, StatusDisconnected: true, StatusFailed: true},
	StatusIdle:         {StatusBusy: true, StatusDisconnected: true, StatusFailed: true},
	StatusBusy:         {StatusIdle: true, StatusDisconnected: true, StatusFailed: true},
	StatusFailed:       {StatusConnecting: true},
}

// IllegalTransitionError is returned when SetStatus is asked to make a
// move not present in the transition table.
type IllegalTransitionError struct {
	DeviceID string
	From, To Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("devices: illegal transition %s -> %s for device %q", e.From, e.To, e.DeviceID)
}

// DuplicateIDError is returned by Register for an already-known device_id.
type DuplicateIDError struct{ DeviceID string }

func (e *DuplicateIDError) Error() string { return fmt.Sprintf("devices: duplicate device_id %q", e.DeviceID) }

// UnknownDeviceError is returned by operations on a device_id the
// registry has no record of.
type UnknownDeviceError struct{ DeviceID string }

func (e *UnknownDeviceError) Error() string { return fmt.Sprintf("devices: unknown device_id %q", e.DeviceID) }

// Profile is the device's authoritative record (spec §3 DeviceProfile).
type Profile struct {
	DeviceID          string
	EndpointURL       string
	OS                string
	Capabilities      map[string]struct{}
	Metadata          map[string]interface{}
	Status            Status
	LastHeartbeatAt   time.Time
	ConnectionAttempts int
	MaxRetries        int
	CurrentTaskID     string // empty means none
	SystemInfo        map[string]interface{}
}

// clone returns a deep copy suitable for handing to a reader.
func (p *Profile) clone() *Profile {
	c := *p
	c.Capabilities = make(map[string]struct{}, len(p.Capabilities))
	for k := range p.Capabilities {
		c.Capabilities[k] = struct{}{}
	}
	c.Metadata = deepCopyMap(p.Metadata)
	c.SystemInfo = deepCopyMap(p.SystemInfo)
	return &c
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type record struct {
	mu      sync.Mutex // serializes all mutation of this device
	profile *Profile
}

// Registry is the keyed device_id -> Profile store.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*record
	bus     *bus.Bus
	logger  *slog.Logger
}

// New creates an empty Registry. bus and logger may be nil.
func New(b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		devices: make(map[string]*record),
		bus:     b,
		logger:  logger,
	}
}

// Register creates a new profile record. A profile whose OS is empty
// falls back to Metadata["os"] if present (spec §9 open question 2);
// otherwise the registration is rejected.
func (r *Registry) Register(p Profile) error {
	if p.OS == "" {
		if os, ok := p.Metadata["os"].(string); ok && os != "" {
			r.logger.Warn("devices: OS missing from profile, falling back to metadata.os",
				slog.String("device_id", p.DeviceID), slog.String("os", os))
			p.OS = os
		} else {
			return fmt.Errorf("devices: profile for %q missing required OS field", p.DeviceID)
		}
	}
	if p.Status == "" {
		p.Status = StatusDisconnected
	}
	if p.Capabilities == nil {
		p.Capabilities = make(map[string]struct{})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[p.DeviceID]; exists {
		return &DuplicateIDError{DeviceID: p.DeviceID}
	}
	pc := p
	r.devices[p.DeviceID] = &record{profile: &pc}
	return nil
}

// Deregister removes a device's record entirely.
func (r *Registry) Deregister(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[deviceID]; !exists {
		return &UnknownDeviceError{DeviceID: deviceID}
	}
	delete(r.devices, deviceID)
	return nil
}

func (r *Registry) get(deviceID string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownDeviceError{DeviceID: deviceID}
	}
	return rec, nil
}

// Snapshot returns a deep-copied, point-in-time view of a profile.
func (r *Registry) Snapshot(deviceID string) (*Profile, error) {
	rec, err := r.get(deviceID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.profile.clone(), nil
}

// SetStatus enforces the transition table in spec §4.1 and publishes
// a DeviceStatusChanged event on success.
func (r *Registry) SetStatus(deviceID string, to Status, reason string) error {
	rec, err := r.get(deviceID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	from := rec.profile.Status
	if from == to {
		return nil
	}
	allowed := legalTransitions[from]
	if allowed == nil || !allowed[to] {
		return &IllegalTransitionError{DeviceID: deviceID, From: from, To: to}
	}
	rec.profile.Status = to

	if r.bus != nil {
		r.bus.Publish(bus.TopicDeviceStatusChanged, bus.DeviceStatusChangedEvent{
			DeviceID: deviceID, From: string(from), To: string(to), Reason: reason, Timestamp: time.Now(),
		})
	}
	return nil
}

// TouchHeartbeat records the time of the most recent liveness reply.
func (r *Registry) TouchHeartbeat(deviceID string) error {
	rec, err := r.get(deviceID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.profile.LastHeartbeatAt = time.Now()
	return nil
}

// IncrementAttempts bumps the consecutive-reconnect-failure counter
// and returns the new value.
func (r *Registry) IncrementAttempts(deviceID string) (int, error) {
	rec, err := r.get(deviceID)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.profile.ConnectionAttempts++
	return rec.profile.ConnectionAttempts, nil
}

// ResetAttempts zeroes the reconnect-failure counter (called on a
// successful (re)connect).
func (r *Registry) ResetAttempts(deviceID string) error {
	rec, err := r.get(deviceID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.profile.ConnectionAttempts = 0
	return nil
}

// SetCurrentTask records (or clears, with "") the task the device is
// presently executing.
func (r *Registry) SetCurrentTask(deviceID, taskID string) error {
	rec, err := r.get(deviceID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.profile.CurrentTaskID = taskID
	return nil
}

// UpdateSystemInfo merges the post-handshake device_info payload into
// the profile's opaque SystemInfo map.
func (r *Registry) UpdateSystemInfo(deviceID string, info map[string]interface{}) error {
	rec, err := r.get(deviceID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.profile.SystemInfo == nil {
		rec.profile.SystemInfo = make(map[string]interface{})
	}
	for k, v := range info {
		rec.profile.SystemInfo[k] = v
	}
	return nil
}

// Filter selects devices for List.
type Filter struct {
	Status     Status   // zero value matches any status
	Capability string   // empty matches any capability set
}

// List returns snapshots of devices matching filter. An empty Filter
// matches everything.
func (r *Registry) List(filter Filter) []*Profile {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.devices))
	for _, rec := range r.devices {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	var out []*Profile
	for _, rec := range recs {
		rec.mu.Lock()
		p := rec.profile
		matchStatus := filter.Status == "" || p.Status == filter.Status
		_, hasCap := p.Capabilities[filter.Capability]
		matchCap := filter.Capability == "" || hasCap
		if matchStatus && matchCap {
			out = append(out, p.clone())
		}
		rec.mu.Unlock()
	}
	return out
}
