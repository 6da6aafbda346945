package ledger

import (
	"fmt"
	"maps"
	"time"
)

// SignalState is the signal color (or bookkeeping marker) recorded by a transaction.
type SignalState string

const (
	StateInit   SignalState = "INIT"
	StateGreen  SignalState = "GREEN"
	StateRed    SignalState = "RED"
	StateYellow SignalState = "YELLOW"
	StateReward SignalState = "REWARD"
)

// Valid reports whether s is one of the known signal states.
func (s SignalState) Valid() bool {
	switch s {
	case StateInit, StateGreen, StateRed, StateYellow, StateReward:
		return true
	}
	return false
}

// IsSignal reports whether s is an observable light color.
func (s SignalState) IsSignal() bool {
	return s == StateGreen || s == StateRed || s == StateYellow
}

// Transaction records one observed or decided signal state of a lane.
// The field order is the canonical order used for hashing.
type Transaction struct {
	LaneID           int               `json:"lane_id"`
	SignalState      SignalState       `json:"signal_state"`
	VehicleCount     int               `json:"vehicle_count"`
	GreenTime        int               `json:"green_time"`
	EmergencyVehicle bool              `json:"emergency_vehicle"`
	NodeID           string            `json:"node_id"`
	Timestamp        time.Time         `json:"timestamp"`
	Metadata         map[string]string `json:"metadata"`
}

// NewTransaction stamps a transaction with the current UTC time. The metadata map is
// copied so later changes by the caller do not leak into the record.
func NewTransaction(laneID int, state SignalState, vehicleCount, greenTime int, emergency bool, nodeID string, metadata map[string]string) Transaction {
	return Transaction{
		LaneID:           laneID,
		SignalState:      state,
		VehicleCount:     vehicleCount,
		GreenTime:        greenTime,
		EmergencyVehicle: emergency,
		NodeID:           nodeID,
		Timestamp:        time.Now().UTC(),
		Metadata:         cloneMetadata(metadata),
	}
}

// Validate checks the fields the ledger refuses to record.
func (tx Transaction) Validate() error {
	if tx.LaneID < 0 {
		return fmt.Errorf("invalid lane id %d", tx.LaneID)
	}
	if !tx.SignalState.Valid() {
		return fmt.Errorf("invalid signal state %q", tx.SignalState)
	}
	if tx.VehicleCount < 0 {
		return fmt.Errorf("invalid vehicle count %d", tx.VehicleCount)
	}
	if tx.GreenTime < 0 {
		return fmt.Errorf("invalid green time %d", tx.GreenTime)
	}
	return nil
}

func (tx Transaction) clone() Transaction {
	tx.Metadata = cloneMetadata(tx.Metadata)
	return tx
}

func (tx Transaction) String() string {
	return fmt.Sprintf("Transaction(lane=%d, state=%s, vehicles=%d)", tx.LaneID, tx.SignalState, tx.VehicleCount)
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}
