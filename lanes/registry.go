// Package lanes holds the live per-lane state read and written by arbitration.
package lanes

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownLane = errors.New("unknown lane")
	ErrInvalidLane = errors.New("invalid lane")
)

// Lane is the state of one signaled approach. The detector owns VehicleCount and
// EmergencyVehicle; arbitration owns IsGreen and GreenTime.
type Lane struct {
	ID               int  `json:"lane_id"`
	VehicleCount     int  `json:"vehicle_count"`
	GreenTime        int  `json:"green_time"`
	IsGreen          bool `json:"is_green"`
	EmergencyVehicle bool `json:"emergency_vehicle"`
}

// Assignment is one arbitration write-back.
type Assignment struct {
	ID        int
	IsGreen   bool
	GreenTime int
}

// Registry maps lane ids to lane state. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	lanes map[int]*Lane
}

func NewRegistry() *Registry {
	return &Registry{lanes: make(map[int]*Lane)}
}

// Upsert records a detector reading, registering the lane (red, no green time) when
// it is new.
func (r *Registry) Upsert(id, vehicleCount int, emergency bool) error {
	if id < 0 {
		return fmt.Errorf("%w: id %d", ErrInvalidLane, id)
	}
	if vehicleCount < 0 {
		return fmt.Errorf("%w: lane %d vehicle count %d", ErrInvalidLane, id, vehicleCount)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[id]
	if !ok {
		l = &Lane{ID: id}
		r.lanes[id] = l
	}
	l.VehicleCount = vehicleCount
	l.EmergencyVehicle = emergency
	return nil
}

// SetSignal records an arbitration decision for a registered lane.
func (r *Registry) SetSignal(id int, isGreen bool, greenTime int) error {
	if greenTime < 0 {
		return fmt.Errorf("%w: lane %d green time %d", ErrInvalidLane, id, greenTime)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setLocked(Assignment{ID: id, IsGreen: isGreen, GreenTime: greenTime})
}

func (r *Registry) setLocked(a Assignment) error {
	l, ok := r.lanes[a.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLane, a.ID)
	}
	l.IsGreen = a.IsGreen
	l.GreenTime = a.GreenTime
	return nil
}

// Remove deregisters a lane. It reports whether the lane existed.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lanes[id]
	delete(r.lanes, id)
	return ok
}

func (r *Registry) Get(id int) (Lane, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[id]
	if !ok {
		return Lane{}, false
	}
	return *l, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes)
}

// IDs returns the registered lane ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.lanes))
	for id := range r.lanes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshot returns a consistent copy of every lane ordered by ascending id.
func (r *Registry) Snapshot() []Lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Lane {
	out := make([]Lane, 0, len(r.lanes))
	for _, l := range r.lanes {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Arbitrate runs decide over a snapshot and applies its assignments without releasing
// the registry lock in between, so no detector write can land mid-decision. It returns
// the state after the assignments. Assignments for lanes that are not registered are
// ignored. decide must not call back into the Registry.
func (r *Registry) Arbitrate(decide func(view []Lane) []Assignment) []Lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range decide(r.snapshotLocked()) {
		if a.GreenTime < 0 {
			continue
		}
		_ = r.setLocked(a)
	}
	return r.snapshotLocked()
}
