// Package metrics exposes Prometheus collectors for the control loop, the ledger, the
// detector feeds and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luca-patrignani/traffic-ledger/arbiter"
	"github.com/luca-patrignani/traffic-ledger/detector"
	"github.com/luca-patrignani/traffic-ledger/ledger"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	cycles       prometheus.Counter
	preemptions  prometheus.Counter
	rotations    prometheus.Counter
	emitted      *prometheus.CounterVec
	greenLane    prometheus.Gauge
	laneVehicles *prometheus.GaugeVec

	blocksMined   prometheus.Counter
	miningSeconds prometheus.Histogram
	chainHeight   prometheus.Gauge
	pending       prometheus.Gauge

	readings *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "traffic_cycles_total",
			Help: "Arbitration cycles run.",
		}),
		preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "traffic_preemptions_total",
			Help: "Green grants taken over by an emergency vehicle.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "traffic_rotations_total",
			Help: "Green grants passed on by green-time expiry.",
		}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traffic_transactions_emitted_total",
			Help: "Signal transactions recorded, by state.",
		}, []string{"state"}),
		greenLane: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traffic_green_lane",
			Help: "Lane currently holding green, -1 when none.",
		}),
		laneVehicles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "traffic_lane_vehicles",
			Help: "Last vehicle count seen by arbitration, by lane.",
		}, []string{"lane"}),
		blocksMined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_blocks_mined_total",
			Help: "Blocks mined by this node.",
		}),
		miningSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_mining_duration_seconds",
			Help:    "Time spent searching a proof-of-work nonce.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		chainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_chain_blocks",
			Help: "Blocks in the chain, genesis included.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_pending_transactions",
			Help: "Transactions waiting to be mined.",
		}),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detector_readings_total",
			Help: "Detector readings received, by source and outcome.",
		}, []string{"source", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.cycles,
		m.preemptions,
		m.rotations,
		m.emitted,
		m.greenLane,
		m.laneVehicles,
		m.blocksMined,
		m.miningSeconds,
		m.chainHeight,
		m.pending,
		m.readings,
		m.httpRequests,
		m.httpDuration,
	)
	m.greenLane.Set(float64(arbiter.None))
	return m
}

// ObserveCycle records one arbitration result.
func (m *Metrics) ObserveCycle(res arbiter.Result) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	if res.Preempted() {
		m.preemptions.Inc()
	}
	if res.Reason == arbiter.ReasonRotation && res.Changed() {
		m.rotations.Inc()
	}
	for _, tx := range res.Emitted {
		m.emitted.WithLabelValues(string(tx.SignalState)).Inc()
	}
	m.greenLane.Set(float64(res.Green))
	m.laneVehicles.Reset()
	for _, l := range res.Lanes {
		m.laneVehicles.WithLabelValues(strconv.Itoa(l.ID)).Set(float64(l.VehicleCount))
	}
}

// BlockMined has the signature of ledger.WithMinedHook.
func (m *Metrics) BlockMined(_ ledger.Block, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.blocksMined.Inc()
	m.miningSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveChain(blocks, pending int) {
	if m == nil {
		return
	}
	m.chainHeight.Set(float64(blocks))
	m.pending.Set(float64(pending))
}

type countingSink struct {
	next   detector.Sink
	source string
	m      *Metrics
}

func (s countingSink) Upsert(laneID, vehicleCount int, emergency bool) error {
	err := s.next.Upsert(laneID, vehicleCount, emergency)
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	s.m.readings.WithLabelValues(s.source, result).Inc()
	return err
}

// Sink counts the readings that reach next from source.
func (m *Metrics) Sink(source string, next detector.Sink) detector.Sink {
	if m == nil {
		return next
	}
	return countingSink{next: next, source: source, m: m}
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snoop := httpsnoop.CaptureMetrics(next, w, r)
		m.httpRequests.WithLabelValues(route, strconv.Itoa(snoop.Code)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(snoop.Duration.Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
