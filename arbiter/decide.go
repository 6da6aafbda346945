package arbiter

import "github.com/luca-patrignani/traffic-ledger/lanes"

// None marks the absence of a lane.
const None = -1

type Reason string

const (
	ReasonEmpty     Reason = "empty"
	ReasonSeed      Reason = "seed"
	ReasonEmergency Reason = "emergency"
	ReasonRotation  Reason = "rotation"
	ReasonLoad      Reason = "load"
	ReasonIdle      Reason = "idle"
)

type Decision struct {
	Green  int
	Reason Reason
}

// Decide picks the green lane for view. current is the lane green before this cycle and
// hold a lane the caller wants kept green; either may be None. Decide is pure.
func Decide(view []lanes.Lane, current, hold int) Decision {
	if len(view) == 0 {
		return Decision{Green: None, Reason: ReasonEmpty}
	}

	emergency := None
	for _, l := range view {
		if !l.EmergencyVehicle {
			continue
		}
		if l.ID == current {
			return Decision{Green: current, Reason: ReasonEmergency}
		}
		if emergency == None || l.ID < emergency {
			emergency = l.ID
		}
	}
	if emergency != None {
		return Decision{Green: emergency, Reason: ReasonEmergency}
	}

	lowest, best, maxTraffic := view[0].ID, None, 0
	for _, l := range view {
		if l.ID == hold {
			return Decision{Green: hold, Reason: ReasonRotation}
		}
		if l.ID < lowest {
			lowest = l.ID
		}
		if l.VehicleCount > maxTraffic || (l.VehicleCount == maxTraffic && maxTraffic > 0 && l.ID < best) {
			best, maxTraffic = l.ID, l.VehicleCount
		}
	}
	if maxTraffic == 0 {
		return Decision{Green: lowest, Reason: ReasonIdle}
	}
	return Decision{Green: best, Reason: ReasonLoad}
}
