// Package scheduler runs a Constellation to completion by assigning
// its ready tasks to connected devices (spec §4.10, component C10).
package scheduler

import (
	"sort"
	"sync"

	"github.com/basket/constellation/internal/devices"
)

// AssignmentStrategy picks a device for a task out of the devices
// currently Idle. The candidates are not filtered by the task's
// DeviceType; each strategy decides how, if at all, it uses it.
type AssignmentStrategy interface {
	SelectDevice(taskDeviceType string, candidates []*devices.Profile) *devices.Profile
}

// RoundRobinStrategy cycles through candidates in device_id order so
// load spreads evenly across the fleet.
type RoundRobinStrategy struct {
	mu   sync.Mutex
	next int
}

func (s *RoundRobinStrategy) SelectDevice(_ string, candidates []*devices.Profile) *devices.Profile {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].DeviceID < candidates[j].DeviceID })

	s.mu.Lock()
	idx := s.next % len(candidates)
	s.next++
	s.mu.Unlock()
	return candidates[idx]
}

// CapabilityFirstStrategy prefers a device whose Capabilities include
// the task's device type as a capability tag, falling back to the
// first candidate otherwise.
type CapabilityFirstStrategy struct{}

func (s CapabilityFirstStrategy) SelectDevice(taskDeviceType string, candidates []*devices.Profile) *devices.Profile {
	if len(candidates) == 0 {
		return nil
	}
	if taskDeviceType != "" {
		for _, c := range candidates {
			if _, ok := c.Capabilities[taskDeviceType]; ok {
				return c
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].DeviceID < candidates[j].DeviceID })
	return candidates[0]
}

// PreferenceTableStrategy resolves a task's DeviceType against a
// configured ordered list of preferred device_ids (spec §6
// device_preference_table), picking the first preferred device that
// is also in candidates; falls back to the lowest device_id.
type PreferenceTableStrategy struct {
	Table map[string][]string // device_type -> ordered preferred device_ids
}

func (s PreferenceTableStrategy) SelectDevice(taskDeviceType string, candidates []*devices.Profile) *devices.Profile {
	if len(candidates) == 0 {
		return nil
	}
	byID := make(map[string]*devices.Profile, len(candidates))
	for _, c := range candidates {
		byID[c.DeviceID] = c
	}
	for _, preferredID := range s.Table[taskDeviceType] {
		if c, ok := byID[preferredID]; ok {
			return c
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].DeviceID < candidates[j].DeviceID })
	return candidates[0]
}
