// Package detector feeds per-lane detector readings into the lane registry. Readings
// arrive over Kafka, MQTT or the HTTP API; all of them end in Apply.
package detector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reading is one detector observation for a lane.
type Reading struct {
	LaneID       int  `json:"lane_id"`
	VehicleCount int  `json:"vehicle_count"`
	HasEmergency bool `json:"has_emergency"`
}

// Sink receives readings. *lanes.Registry satisfies it.
type Sink interface {
	Upsert(laneID, vehicleCount int, emergency bool) error
}

func (r Reading) Validate() error {
	if r.LaneID < 0 {
		return fmt.Errorf("lane_id must not be negative, got %d", r.LaneID)
	}
	if r.VehicleCount < 0 {
		return fmt.Errorf("vehicle_count must not be negative, got %d", r.VehicleCount)
	}
	return nil
}

// Apply validates r and hands it to sink.
func Apply(sink Sink, r Reading) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := sink.Upsert(r.LaneID, r.VehicleCount, r.HasEmergency); err != nil {
		return fmt.Errorf("apply reading for lane %d: %w", r.LaneID, err)
	}
	return nil
}

type envelope struct {
	LaneID       *int  `json:"lane_id"`
	VehicleCount *int  `json:"vehicle_count"`
	HasEmergency bool  `json:"has_emergency"`
	Emergency    *bool `json:"emergency_vehicle"`
}

// Decode parses a JSON reading. fallbackLane is used when the payload carries no
// lane_id; pass -1 when the transport has no lane of its own.
func Decode(raw []byte, fallbackLane int) (Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	if env.VehicleCount == nil {
		return Reading{}, errors.New("vehicle_count missing")
	}
	r := Reading{LaneID: fallbackLane, VehicleCount: *env.VehicleCount, HasEmergency: env.HasEmergency}
	if env.LaneID != nil {
		r.LaneID = *env.LaneID
	}
	if env.Emergency != nil {
		r.HasEmergency = r.HasEmergency || *env.Emergency
	}
	if r.LaneID < 0 {
		return Reading{}, errors.New("lane_id missing")
	}
	return r, r.Validate()
}

// laneFromTopic extracts the lane id following a "lanes" segment, as in
// traffic/lanes/3/detections.
func laneFromTopic(topic string) int {
	parts := strings.Split(topic, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] != "lanes" {
			continue
		}
		id, err := strconv.Atoi(parts[i+1])
		if err == nil && id >= 0 {
			return id
		}
	}
	return -1
}
