package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luca-patrignani/traffic-ledger/arbiter"
	"github.com/luca-patrignani/traffic-ledger/lanes"
	"github.com/luca-patrignani/traffic-ledger/ledger"
	"github.com/luca-patrignani/traffic-ledger/metrics"
	"github.com/luca-patrignani/traffic-ledger/scheduler"
	"github.com/luca-patrignani/traffic-ledger/seal"
	"github.com/luca-patrignani/traffic-ledger/store"
)

type fixture struct {
	srv   *httptest.Server
	chain *ledger.Blockchain
	reg   *lanes.Registry
	sched *scheduler.Scheduler
	store *store.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	signer := seal.NewSigner()
	bc, err := ledger.NewBlockchain(ledger.WithDifficulty(1), ledger.WithBlockSize(10), ledger.WithSealer(signer))
	if err != nil {
		t.Fatalf("blockchain: %v", err)
	}
	st, err := store.OpenMem(nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := lanes.NewRegistry()
	for id := 1; id <= 3; id++ {
		reg.Upsert(id, 0, false)
	}
	engine := arbiter.NewEngine(reg, bc)
	sched := scheduler.New(engine)
	s := New(Deps{
		Chain:     bc,
		Registry:  reg,
		Engine:    engine,
		Scheduler: sched,
		Store:     st,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Verifier:  signer,
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, chain: bc, reg: reg, sched: sched, store: st}
}

func (f fixture) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestDetectorUpdateAndStatus(t *testing.T) {
	f := newFixture(t)

	var lane lanes.Lane
	code := f.do(t, http.MethodPost, "/api/ai/update", `{"lane_id":2,"vehicle_count":11,"has_emergency":false}`, &lane)
	if code != http.StatusOK || lane.VehicleCount != 11 {
		t.Fatalf("update: status %d lane %+v", code, lane)
	}
	if code := f.do(t, http.MethodPost, "/api/ai/update", `{"lane_id":2,"vehicle_count":-1}`, nil); code != http.StatusBadRequest {
		t.Fatalf("negative count should be rejected, got %d", code)
	}

	f.sched.Tick(time.Unix(0, 0))
	f.sched.Tick(time.Unix(1, 0))

	var status statusResponse
	if code := f.do(t, http.MethodGet, "/api/status", "", &status); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if !status.AnalysisRunning || status.Green != 2 || len(status.Lanes) != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Scheduler.Cycles != 2 || status.Ledger.PendingTransactions == 0 {
		t.Fatalf("unexpected counters %+v", status)
	}
}

func TestLaneLifecycle(t *testing.T) {
	f := newFixture(t)

	if code := f.do(t, http.MethodPost, "/api/lanes", `{"lane_id":7,"name":"Ring road","capacity":30}`, nil); code != http.StatusCreated {
		t.Fatalf("register: %d", code)
	}
	if code := f.do(t, http.MethodPost, "/api/lanes", `{"lane_id":7}`, nil); code != http.StatusConflict {
		t.Fatalf("duplicate register should conflict, got %d", code)
	}
	if code := f.do(t, http.MethodPost, "/api/lanes", `{"name":"no id"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("missing id should be rejected, got %d", code)
	}

	var list []laneView
	f.do(t, http.MethodGet, "/api/lanes", "", &list)
	if len(list) != 4 || list[3].ID != 7 || list[3].Name != "Ring road" {
		t.Fatalf("unexpected lane list %+v", list)
	}

	if code := f.do(t, http.MethodDelete, "/api/lanes/7", "", nil); code != http.StatusOK {
		t.Fatalf("remove: %d", code)
	}
	if code := f.do(t, http.MethodDelete, "/api/lanes/7", "", nil); code != http.StatusNotFound {
		t.Fatalf("second remove should 404, got %d", code)
	}
	if recs, _ := f.store.Lanes(); len(recs) != 0 {
		t.Fatalf("lane record should be deleted, got %+v", recs)
	}
}

func TestAnalysisStartStop(t *testing.T) {
	f := newFixture(t)
	if code := f.do(t, http.MethodPost, "/api/analysis/stop", "", nil); code != http.StatusOK || !f.sched.Paused() {
		t.Fatalf("stop should pause the scheduler, got %d", code)
	}
	var resp map[string]any
	f.do(t, http.MethodPost, "/api/analysis/start", "", &resp)
	if f.sched.Paused() || resp["message"] != "Analysis started" {
		t.Fatalf("start should resume the scheduler, got %v", resp)
	}
}

// TestChainEndpoints mines through the API and reads the result back.
func TestChainEndpoints(t *testing.T) {
	f := newFixture(t)
	f.sched.Tick(time.Unix(0, 0))

	var mined struct {
		Mined bool         `json:"mined"`
		Block ledger.Block `json:"block"`
	}
	if code := f.do(t, http.MethodPost, "/api/chain/mine", "", &mined); code != http.StatusOK || !mined.Mined {
		t.Fatalf("mine: %d %+v", code, mined)
	}
	if len(mined.Block.Transactions) != 3 || len(mined.Block.Seal) == 0 {
		t.Fatalf("unexpected mined block %+v", mined.Block)
	}
	if h, ok := f.store.Height(); !ok || h != 1 {
		t.Fatalf("mined block should be persisted, height %d", h)
	}
	f.do(t, http.MethodPost, "/api/chain/mine", "", &mined)
	if mined.Mined {
		t.Fatal("empty pool should not mine")
	}

	var b ledger.Block
	if code := f.do(t, http.MethodGet, "/api/chain/blocks/1", "", &b); code != http.StatusOK || b.Hash != mined.Block.Hash {
		t.Fatalf("block lookup: %d", code)
	}
	if code := f.do(t, http.MethodGet, "/api/chain/blocks/9", "", nil); code != http.StatusNotFound {
		t.Fatalf("missing block should 404, got %d", code)
	}

	var valid map[string]any
	f.do(t, http.MethodGet, "/api/chain/validate", "", &valid)
	if valid["valid"] != true || valid["seals_valid"] != true {
		t.Fatalf("chain should validate: %v", valid)
	}

	var stats ledger.Stats
	f.do(t, http.MethodGet, "/api/chain/stats", "", &stats)
	if stats.TotalBlocks != 2 || stats.LaneTransactions[1] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	var signal ledger.Transaction
	if code := f.do(t, http.MethodGet, "/api/lanes/1/signal", "", &signal); code != http.StatusOK || signal.SignalState != ledger.StateGreen {
		t.Fatalf("lane 1 should be green: %d %+v", code, signal)
	}
	var txs []ledger.Transaction
	f.do(t, http.MethodGet, "/api/lanes/2/transactions", "", &txs)
	if len(txs) != 1 || txs[0].SignalState != ledger.StateRed {
		t.Fatalf("unexpected lane 2 history %+v", txs)
	}
	if code := f.do(t, http.MethodGet, "/api/lanes/9/signal", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown lane signal should 404, got %d", code)
	}

	var export struct {
		Chain []ledger.Block `json:"chain"`
	}
	f.do(t, http.MethodGet, "/api/chain", "", &export)
	if len(export.Chain) != 2 {
		t.Fatalf("chain export should hold 2 blocks, got %d", len(export.Chain))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	var health map[string]any
	if code := f.do(t, http.MethodGet, "/health", "", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health: %d %v", code, health)
	}
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), `http_requests_total{route="health",status="200"} 1`) {
		t.Fatalf("health request should be counted:\n%s", buf.String())
	}
}

func TestOutOfRangeIDsAreRejected(t *testing.T) {
	f := newFixture(t)
	huge := "99999999999999999999999"
	for _, path := range []string{
		"/api/lanes/" + huge + "/signal",
		"/api/lanes/" + huge + "/transactions",
		"/api/chain/blocks/" + huge,
	} {
		var body map[string]string
		if code := f.do(t, http.MethodGet, path, "", &body); code != http.StatusBadRequest || body["error"] == "" {
			t.Errorf("GET %s: expected 400 with an error, got %d %v", path, code, body)
		}
	}
	if code := f.do(t, http.MethodDelete, "/api/lanes/"+huge, "", nil); code != http.StatusBadRequest {
		t.Errorf("DELETE with an overflowing id: expected 400, got %d", code)
	}
	if f.reg.Len() != 3 {
		t.Fatalf("no lane should have been removed, registry holds %d", f.reg.Len())
	}
}

func TestBlockByHash(t *testing.T) {
	f := newFixture(t)
	f.sched.Tick(time.Unix(0, 0))
	var mined struct {
		Block ledger.Block `json:"block"`
	}
	f.do(t, http.MethodPost, "/api/chain/mine", "", &mined)

	var b ledger.Block
	if code := f.do(t, http.MethodGet, "/api/chain/hash/"+mined.Block.Hash, "", &b); code != http.StatusOK || b.Index != 1 {
		t.Fatalf("persisted block lookup: %d %+v", code, b)
	}

	// mined but not yet synced to the store
	f.chain.AddTransaction(ledger.NewTransaction(2, ledger.StateRed, 0, 30, false, "test", nil))
	fresh, ok := f.chain.MinePendingTransactions()
	if !ok {
		t.Fatal("mine failed")
	}
	if code := f.do(t, http.MethodGet, "/api/chain/hash/"+fresh.Hash, "", &b); code != http.StatusOK || b.Index != 2 {
		t.Fatalf("in-memory block lookup: %d %+v", code, b)
	}
	if code := f.do(t, http.MethodGet, "/api/chain/hash/"+strings.Repeat("f", 64), "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown hash should 404, got %d", code)
	}
}

func TestChainExportImport(t *testing.T) {
	src := newFixture(t)
	src.sched.Tick(time.Unix(0, 0))
	src.do(t, http.MethodPost, "/api/chain/mine", "", nil)

	resp, err := http.Get(src.srv.URL + "/api/chain/export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %v", resp.StatusCode, err)
	}

	dst := newFixture(t)
	var out struct {
		Replaced bool `json:"replaced"`
		Length   int  `json:"length"`
	}
	if code := dst.do(t, http.MethodPost, "/api/chain/import", string(data), &out); code != http.StatusOK || !out.Replaced || out.Length != 2 {
		t.Fatalf("import into a shorter chain: %d %+v", code, out)
	}
	if dst.chain.Latest().Hash != src.chain.Latest().Hash {
		t.Fatal("imported tip differs from the exported one")
	}
	if h, ok := dst.store.Height(); !ok || h != 1 {
		t.Fatalf("imported chain should be persisted, height %d", h)
	}

	if code := src.do(t, http.MethodPost, "/api/chain/import", string(data), &out); code != http.StatusOK || out.Replaced {
		t.Fatalf("a chain of equal length must not replace: %d %+v", code, out)
	}
	if code := dst.do(t, http.MethodPost, "/api/chain/import", "not json", nil); code != http.StatusBadRequest {
		t.Fatalf("garbage import should 400, got %d", code)
	}
}
