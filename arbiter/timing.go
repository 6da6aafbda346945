package arbiter

import "fmt"

// Timing turns a vehicle count into a green duration in seconds.
type Timing struct {
	Base       int
	Multiplier float64
	Max        int
}

var DefaultTiming = Timing{Base: 30, Multiplier: 1.5, Max: 90}

// GreenTime returns Base + count*Multiplier truncated to whole seconds and capped at Max.
func (t Timing) GreenTime(vehicleCount int) int {
	if vehicleCount < 0 {
		vehicleCount = 0
	}
	return min(int(float64(t.Base)+float64(vehicleCount)*t.Multiplier), t.Max)
}

func (t Timing) Validate() error {
	if t.Base < 0 {
		return fmt.Errorf("base time must not be negative, got %d", t.Base)
	}
	if t.Multiplier < 0 {
		return fmt.Errorf("multiplier must not be negative, got %g", t.Multiplier)
	}
	if t.Max < t.Base {
		return fmt.Errorf("max time %d is below base time %d", t.Max, t.Base)
	}
	return nil
}

// CalculateGreenTime applies DefaultTiming.
func CalculateGreenTime(vehicleCount int) int {
	return DefaultTiming.GreenTime(vehicleCount)
}
