package arbiter

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/luca-patrignani/traffic-ledger/lanes"
	"github.com/luca-patrignani/traffic-ledger/ledger"
)

// Recorder accepts signal transactions. *ledger.Blockchain satisfies it.
type Recorder interface {
	AddTransaction(tx ledger.Transaction) bool
}

// Result describes one arbitration cycle.
type Result struct {
	Green     int                  `json:"green"`
	Previous  int                  `json:"previous"`
	Reason    Reason               `json:"reason"`
	GreenTime int                  `json:"green_time"`
	Lanes     []lanes.Lane         `json:"lanes"`
	Emitted   []ledger.Transaction `json:"emitted"`
}

// Changed reports whether the green lane moved in this cycle.
func (r Result) Changed() bool {
	return r.Green != r.Previous
}

// Preempted reports whether an emergency took the grant from another lane.
func (r Result) Preempted() bool {
	return r.Reason == ReasonEmergency && r.Changed()
}

// Engine runs arbitration cycles for one intersection.
type Engine struct {
	mu       sync.Mutex
	registry *lanes.Registry
	recorder Recorder
	timing   Timing
	nodeID   string
	logger   *slog.Logger

	green int
	// last signal state recorded per lane; emission is keyed on the GREEN/RED flip only,
	// count and emergency changes alone do not produce a transaction
	recorded map[int]ledger.SignalState
}

type Option func(*Engine)

func WithTiming(t Timing) Option {
	return func(e *Engine) {
		e.timing = t
	}
}

func WithNodeID(id string) Option {
	return func(e *Engine) {
		e.nodeID = id
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func NewEngine(registry *lanes.Registry, recorder Recorder, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		recorder: recorder,
		timing:   DefaultTiming,
		nodeID:   ledger.DefaultNodeID,
		green:    None,
		recorded: make(map[int]ledger.SignalState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Seed puts the first registered lane on green and every other lane on red, recording
// one transaction per lane. An emergency already flagged still wins.
func (e *Engine) Seed() Result {
	ids := e.registry.IDs()
	if len(ids) == 0 {
		return e.Cycle(None)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycleLocked(ids[0], true)
}

// Cycle runs one arbitration cycle. hold is a lane to keep green unless an emergency
// intervenes, or None for load-based selection.
func (e *Engine) Cycle(hold int) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycleLocked(hold, false)
}

// cycleLocked runs a cycle. When seeding, a grant of the held lane is reported as a seed.
func (e *Engine) cycleLocked(hold int, seeding bool) Result {
	res := Result{Previous: e.green, Green: None}

	res.Lanes = e.registry.Arbitrate(func(view []lanes.Lane) []lanes.Assignment {
		d := Decide(view, e.green, hold)
		if seeding && d.Reason == ReasonRotation {
			d.Reason = ReasonSeed
		}
		res.Green, res.Reason = d.Green, d.Reason
		if d.Green == None {
			return nil
		}
		out := make([]lanes.Assignment, len(view))
		for i, l := range view {
			out[i] = lanes.Assignment{
				ID:        l.ID,
				IsGreen:   l.ID == d.Green,
				GreenTime: e.timing.GreenTime(l.VehicleCount),
			}
		}
		return out
	})
	e.green = res.Green

	present := make(map[int]struct{}, len(res.Lanes))
	for _, l := range res.Lanes {
		present[l.ID] = struct{}{}
		if l.IsGreen {
			res.GreenTime = l.GreenTime
		}
	}
	for id := range e.recorded {
		if _, ok := present[id]; !ok {
			delete(e.recorded, id)
		}
	}

	// reds first so the ledger never holds two greens in a row
	for _, wantGreen := range []bool{false, true} {
		for _, l := range res.Lanes {
			if l.IsGreen != wantGreen {
				continue
			}
			if tx, ok := e.emit(l, res.Reason); ok {
				res.Emitted = append(res.Emitted, tx)
			}
		}
	}

	if res.Changed() {
		e.logger.Info("signal changed", "green", res.Green, "previous", res.Previous, "reason", res.Reason, "green_time", res.GreenTime)
	}
	return res
}

func (e *Engine) emit(l lanes.Lane, reason Reason) (ledger.Transaction, bool) {
	state := ledger.StateRed
	if l.IsGreen {
		state = ledger.StateGreen
	}
	if last, ok := e.recorded[l.ID]; ok && last == state {
		return ledger.Transaction{}, false
	}

	tx := ledger.NewTransaction(l.ID, state, l.VehicleCount, l.GreenTime, l.EmergencyVehicle, e.nodeID, map[string]string{
		"tx_id":  uuid.NewString(),
		"reason": string(reason),
	})
	if !e.recorder.AddTransaction(tx) {
		e.logger.Warn("signal transaction rejected", "lane", l.ID, "state", state)
		return ledger.Transaction{}, false
	}
	e.recorded[l.ID] = state
	return tx, true
}

// Forget drops the recorded state of a lane so that it is recorded afresh if it comes back.
func (e *Engine) Forget(laneID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.recorded, laneID)
	if e.green == laneID {
		e.green = None
	}
}

// Green returns the lane granted by the last cycle, or None.
func (e *Engine) Green() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.green
}

// Order returns the round-robin order of the registered lanes.
func (e *Engine) Order() []int {
	return e.registry.IDs()
}

func (e *Engine) Timing() Timing {
	return e.timing
}
