// Package scheduler drives arbitration cycles on a fixed cadence and enforces the
// green-time expiry that keeps every lane from starving.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/luca-patrignani/traffic-ledger/arbiter"
)

const DefaultInterval = 2 * time.Second

// Stats counts what the scheduler has done since it was created.
type Stats struct {
	Cycles      int            `json:"cycles"`
	Rotations   int            `json:"rotations"`
	Preemptions int            `json:"preemptions"`
	Emitted     int            `json:"emitted"`
	Green       int            `json:"green"`
	Reason      arbiter.Reason `json:"reason"`
	GreenSince  time.Time      `json:"green_since"`
	Paused      bool           `json:"paused"`
}

// Scheduler owns the timing policy around an arbiter.Engine.
type Scheduler struct {
	engine    *arbiter.Engine
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	observers []func(arbiter.Result)

	mu         sync.Mutex
	seeded     bool
	paused     bool
	green      int
	greenSince time.Time
	grant      int
	emergency  bool
	hold       int
	cursor     int
	stats      Stats
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithClock replaces time.Now for Run.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithObserver registers fn to be called with the result of every tick, outside any lock.
func WithObserver(fn func(arbiter.Result)) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, fn)
	}
}

func New(engine *arbiter.Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		interval: DefaultInterval,
		now:      time.Now,
		green:    arbiter.None,
		hold:     arbiter.None,
		cursor:   arbiter.None,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Run ticks until ctx is done. Ticks that fall due while a cycle is still running are
// dropped, not queued.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	if !s.Paused() {
		s.Tick(s.now())
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if s.Paused() {
				continue
			}
			s.Tick(s.now())
		}
	}
}

// Tick runs one cycle as of now. The first tick seeds the intersection.
func (s *Scheduler) Tick(now time.Time) arbiter.Result {
	res := s.tick(now)
	for _, fn := range s.observers {
		fn(res)
	}
	return res
}

func (s *Scheduler) tick(now time.Time) arbiter.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res arbiter.Result
	if !s.seeded {
		res = s.engine.Seed()
		s.seeded = res.Green != arbiter.None
	} else {
		res = s.engine.Cycle(s.expire(now))
	}

	if res.Reason == arbiter.ReasonRotation {
		s.hold = res.Green
	} else {
		s.hold = arbiter.None
	}
	if res.Green != s.green {
		s.green = res.Green
		s.greenSince = now
	}
	s.grant = res.GreenTime
	s.emergency = res.Reason == arbiter.ReasonEmergency

	s.stats.Cycles++
	s.stats.Emitted += len(res.Emitted)
	if res.Preempted() {
		s.stats.Preemptions++
		s.logger.Warn("emergency preemption", "lane", res.Green, "previous", res.Previous)
	}
	s.stats.Green = res.Green
	s.stats.Reason = res.Reason
	s.stats.GreenSince = s.greenSince
	return res
}

// expire applies the green-time rule and returns the lane to hold this cycle. A lane
// granted by load that outlives its green time passes control to the next lane after
// the rotation cursor, never back to itself; a lane granted by rotation that expires
// hands back to load.
func (s *Scheduler) expire(now time.Time) int {
	if s.green == arbiter.None || s.emergency {
		return s.hold
	}
	if now.Sub(s.greenSince) < time.Duration(s.grant)*time.Second {
		return s.hold
	}
	s.greenSince = now

	if s.hold != arbiter.None {
		s.logger.Debug("rotation expired", "lane", s.hold)
		return arbiter.None
	}
	from := s.cursor
	if from == arbiter.None {
		from = s.green
	}
	order := s.engine.Order()
	next := Successor(order, from)
	if next == s.green {
		next = Successor(order, next)
	}
	if next == arbiter.None || next == s.green {
		// a lone lane keeps its grant under load rules
		return arbiter.None
	}
	s.cursor = next
	s.stats.Rotations++
	s.logger.Info("green time expired", "lane", s.green, "next", next, "grant", s.grant)
	return next
}

func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Paused = s.paused
	return st
}

// Successor returns the lane after from in the ascending order, wrapping around. from
// need not be present in order.
func Successor(order []int, from int) int {
	if len(order) == 0 {
		return arbiter.None
	}
	if !sort.IntsAreSorted(order) {
		order = append([]int(nil), order...)
		sort.Ints(order)
	}
	i := sort.SearchInts(order, from+1)
	return order[i%len(order)]
}
