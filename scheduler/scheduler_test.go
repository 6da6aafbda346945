package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luca-patrignani/traffic-ledger/arbiter"
	"github.com/luca-patrignani/traffic-ledger/lanes"
	"github.com/luca-patrignani/traffic-ledger/ledger"
)

func newIntersection(t *testing.T, counts map[int]int) (*lanes.Registry, *ledger.Blockchain, *arbiter.Engine) {
	t.Helper()
	bc, err := ledger.NewBlockchain(ledger.WithDifficulty(1), ledger.WithBlockSize(4))
	if err != nil {
		t.Fatalf("blockchain: %v", err)
	}
	r := lanes.NewRegistry()
	for id, c := range counts {
		if err := r.Upsert(id, c, false); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	return r, bc, arbiter.NewEngine(r, bc)
}

func TestSuccessor(t *testing.T) {
	order := []int{1, 2, 3, 4}
	cases := []struct{ from, want int }{
		{1, 2}, {2, 3}, {4, 1}, {0, 1}, {7, 1}, {arbiter.None, 1},
	}
	for _, c := range cases {
		if got := Successor(order, c.from); got != c.want {
			t.Errorf("Successor(%v, %d) = %d, want %d", order, c.from, got, c.want)
		}
	}
	if got := Successor([]int{5, 2, 9}, 2); got != 5 {
		t.Errorf("unsorted order: got %d, want 5", got)
	}
	if got := Successor(nil, 3); got != arbiter.None {
		t.Errorf("empty order: got %d, want None", got)
	}
}

// TestExpiryRotation walks a heavy lane through its green time and checks that the
// round robin hands control to every lane in turn.
func TestExpiryRotation(t *testing.T) {
	_, _, e := newIntersection(t, map[int]int{1: 0, 2: 0, 3: 10, 4: 0})
	s := New(e)
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

	steps := []struct {
		sec    int
		green  int
		reason arbiter.Reason
	}{
		{0, 1, arbiter.ReasonSeed},
		{1, 3, arbiter.ReasonLoad},
		{45, 3, arbiter.ReasonLoad},
		{46, 4, arbiter.ReasonRotation},
		{50, 4, arbiter.ReasonRotation},
		{76, 3, arbiter.ReasonLoad},
		{121, 1, arbiter.ReasonRotation},
		{151, 3, arbiter.ReasonLoad},
		{196, 2, arbiter.ReasonRotation},
	}
	for _, st := range steps {
		res := s.Tick(at(st.sec))
		if res.Green != st.green || res.Reason != st.reason {
			t.Fatalf("t=%ds: expected lane %d by %s, got lane %d by %s", st.sec, st.green, st.reason, res.Green, res.Reason)
		}
	}
	stats := s.Stats()
	if stats.Rotations != 3 || stats.Cycles != len(steps) {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !stats.GreenSince.Equal(at(196)) {
		t.Fatalf("green since should be the last switch, got %v", stats.GreenSince)
	}
}

func TestEmergencyOverridesExpiry(t *testing.T) {
	r, bc, e := newIntersection(t, map[int]int{1: 0, 2: 20})
	s := New(e)
	t0 := time.Unix(0, 0)

	s.Tick(t0)
	if res := s.Tick(t0.Add(time.Second)); res.Green != 2 {
		t.Fatalf("lane 2 should win by load, got %d", res.Green)
	}

	r.Upsert(1, 0, true)
	res := s.Tick(t0.Add(2 * time.Second))
	if res.Green != 1 || res.Reason != arbiter.ReasonEmergency {
		t.Fatalf("emergency lane 1 should preempt, got %+v", res)
	}
	if res = s.Tick(t0.Add(time.Hour)); res.Green != 1 {
		t.Fatalf("emergency grant must not expire, got lane %d", res.Green)
	}
	if s.Stats().Preemptions != 1 || s.Stats().Rotations != 0 {
		t.Fatalf("unexpected stats %+v", s.Stats())
	}

	r.Upsert(1, 0, false)
	if res = s.Tick(t0.Add(time.Hour + time.Second)); res.Green != 2 {
		t.Fatalf("load should resume once the emergency clears, got %d", res.Green)
	}
	if !bc.IsChainValid() {
		t.Fatal("chain should stay valid")
	}
}

func TestEmptyIntersectionSeedsLater(t *testing.T) {
	r, _, e := newIntersection(t, nil)
	s := New(e)
	if res := s.Tick(time.Unix(0, 0)); res.Green != arbiter.None || len(res.Emitted) != 0 {
		t.Fatalf("empty registry should be a no-op, got %+v", res)
	}
	r.Upsert(7, 3, false)
	r.Upsert(9, 8, false)
	if res := s.Tick(time.Unix(2, 0)); res.Green != 7 || res.Reason != arbiter.ReasonSeed {
		t.Fatalf("first lane should be seeded once lanes appear, got %+v", res)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	_, _, e := newIntersection(t, map[int]int{1: 2, 2: 0})
	ticks := make(chan arbiter.Result, 16)
	s := New(e, WithInterval(5*time.Millisecond), WithObserver(func(res arbiter.Result) {
		select {
		case ticks <- res:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d never happened", i)
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Stats().Cycles < 3 {
		t.Fatalf("expected at least 3 cycles, got %d", s.Stats().Cycles)
	}
}

func TestPausedSchedulerDoesNotTick(t *testing.T) {
	_, _, e := newIntersection(t, map[int]int{1: 2})
	s := New(e, WithInterval(time.Millisecond))
	s.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	st := s.Stats()
	if st.Cycles != 0 || !st.Paused {
		t.Fatalf("paused scheduler ran %d cycles (paused=%v)", st.Cycles, st.Paused)
	}
	s.Resume()
	if s.Paused() {
		t.Fatal("Resume should clear the pause")
	}
}

// TestExpiredLaneIsNotReselected covers a rotation cursor that points just before the
// lane whose grant runs out: control must move to the other lane.
func TestExpiredLaneIsNotReselected(t *testing.T) {
	_, _, e := newIntersection(t, map[int]int{1: 10, 2: 0})
	s := New(e)
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

	steps := []struct {
		sec    int
		green  int
		reason arbiter.Reason
	}{
		{0, 1, arbiter.ReasonSeed},
		{1, 1, arbiter.ReasonLoad},
		{46, 2, arbiter.ReasonRotation},
		{80, 1, arbiter.ReasonLoad},
		{81, 1, arbiter.ReasonLoad},
		{126, 2, arbiter.ReasonRotation},
		{127, 2, arbiter.ReasonRotation},
	}
	for _, st := range steps {
		res := s.Tick(at(st.sec))
		if res.Green != st.green || res.Reason != st.reason {
			t.Fatalf("t=%ds: expected lane %d by %s, got lane %d by %s", st.sec, st.green, st.reason, res.Green, res.Reason)
		}
	}
	if got := s.Stats().Rotations; got != 2 {
		t.Fatalf("expected 2 rotations, got %d", got)
	}
}

func TestSingleLaneKeepsGrantAfterExpiry(t *testing.T) {
	_, _, e := newIntersection(t, map[int]int{1: 10})
	s := New(e)
	t0 := time.Unix(0, 0)

	s.Tick(t0)
	s.Tick(t0.Add(time.Second))
	res := s.Tick(t0.Add(46 * time.Second))
	if res.Green != 1 || res.Reason != arbiter.ReasonLoad {
		t.Fatalf("lone lane should stay green by load, got lane %d by %s", res.Green, res.Reason)
	}
	if got := s.Stats().Rotations; got != 0 {
		t.Fatalf("a lone lane cannot rotate, got %d rotations", got)
	}
}

func TestRunUsesInjectedClock(t *testing.T) {
	_, _, e := newIntersection(t, map[int]int{1: 2, 2: 0})
	fixed := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	ticked := make(chan struct{}, 1)
	s := New(e,
		WithInterval(time.Hour),
		WithClock(func() time.Time { return fixed }),
		WithObserver(func(arbiter.Result) {
			select {
			case ticked <- struct{}{}:
			default:
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case <-ticked:
	case <-time.After(2 * time.Second):
		t.Fatal("Run should tick once at start")
	}
	cancel()
	<-done

	if got := s.Stats().GreenSince; !got.Equal(fixed) {
		t.Fatalf("green since should come from the injected clock, got %v", got)
	}
}
