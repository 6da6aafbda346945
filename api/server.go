// Package api exposes lane state, arbitration control and the signal ledger over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/luca-patrignani/traffic-ledger/arbiter"
	"github.com/luca-patrignani/traffic-ledger/detector"
	"github.com/luca-patrignani/traffic-ledger/lanes"
	"github.com/luca-patrignani/traffic-ledger/ledger"
	"github.com/luca-patrignani/traffic-ledger/metrics"
	"github.com/luca-patrignani/traffic-ledger/scheduler"
	"github.com/luca-patrignani/traffic-ledger/store"
)

// Deps are the components the API serves. Store, Metrics and Verifier are optional.
type Deps struct {
	Chain     *ledger.Blockchain
	Registry  *lanes.Registry
	Engine    *arbiter.Engine
	Scheduler *scheduler.Scheduler
	Store     *store.Store
	Metrics   *metrics.Metrics
	Verifier  ledger.SealVerifier
	Logger    *slog.Logger
}

type Server struct {
	Deps
	sink detector.Sink
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{Deps: d, sink: d.Metrics.Sink("http", d.Registry)}
}

// Router builds the route table. Every route is instrumented when Metrics is set.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	handle := func(path, name string, fn http.HandlerFunc, methods ...string) {
		r.Handle(path, s.Metrics.WrapHandler(name, fn)).Methods(methods...)
	}

	handle("/health", "health", s.health, http.MethodGet)
	handle("/api/status", "status", s.status, http.MethodGet)
	handle("/api/ai/update", "detector_update", s.detectorUpdate, http.MethodPost)
	handle("/api/analysis/start", "analysis_start", s.startAnalysis, http.MethodPost)
	handle("/api/analysis/stop", "analysis_stop", s.stopAnalysis, http.MethodPost)

	handle("/api/lanes", "lanes", s.listLanes, http.MethodGet)
	handle("/api/lanes", "lane_register", s.registerLane, http.MethodPost)
	handle("/api/lanes/{id:[0-9]+}", "lane_remove", s.removeLane, http.MethodDelete)
	handle("/api/lanes/{id:[0-9]+}/transactions", "lane_transactions", s.laneTransactions, http.MethodGet)
	handle("/api/lanes/{id:[0-9]+}/signal", "lane_signal", s.laneSignal, http.MethodGet)

	handle("/api/chain", "chain", s.chain, http.MethodGet)
	handle("/api/chain/blocks/{index:[0-9]+}", "chain_block", s.block, http.MethodGet)
	handle("/api/chain/hash/{hash:[0-9a-f]{64}}", "chain_block_hash", s.blockByHash, http.MethodGet)
	handle("/api/chain/export", "chain_export", s.exportChain, http.MethodGet)
	handle("/api/chain/import", "chain_import", s.importChain, http.MethodPost)
	handle("/api/chain/stats", "chain_stats", s.chainStats, http.MethodGet)
	handle("/api/chain/validate", "chain_validate", s.validate, http.MethodGet)
	handle("/api/chain/mine", "chain_mine", s.mine, http.MethodPost)

	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("response write failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// pathInt reads a numeric route variable, answering 400 when it does not fit an int.
func pathInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	n, err := strconv.Atoi(mux.Vars(r)[key])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+key+": "+err.Error())
		return 0, false
	}
	return n, true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"node_id":     s.Chain.NodeID(),
		"chain_valid": s.Chain.IsChainValid(),
	})
}

type statusResponse struct {
	AnalysisRunning bool            `json:"analysis_running"`
	Green           int             `json:"green"`
	Lanes           []lanes.Lane    `json:"lanes"`
	Scheduler       scheduler.Stats `json:"scheduler"`
	Ledger          ledger.Stats    `json:"ledger"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.Scheduler.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		AnalysisRunning: !st.Paused,
		Green:           s.Engine.Green(),
		Lanes:           s.Registry.Snapshot(),
		Scheduler:       st,
		Ledger:          s.Chain.Statistics(),
	})
}

func (s *Server) detectorUpdate(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<16)
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reading, err := detector.Decode(raw, -1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := detector.Apply(s.sink, reading); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lane, _ := s.Registry.Get(reading.LaneID)
	writeJSON(w, http.StatusOK, lane)
}

func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.Registry.Len() == 0 {
		writeError(w, http.StatusBadRequest, "no lanes registered")
		return
	}
	msg := "Analysis already running"
	if s.Scheduler.Paused() {
		s.Scheduler.Resume()
		msg = "Analysis started"
		s.Logger.Info("analysis resumed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

func (s *Server) stopAnalysis(w http.ResponseWriter, r *http.Request) {
	s.Scheduler.Pause()
	s.Logger.Info("analysis paused")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Analysis stopped"})
}

type laneView struct {
	lanes.Lane
	Name     string `json:"name,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
	Source   string `json:"source,omitempty"`
}

func (s *Server) listLanes(w http.ResponseWriter, r *http.Request) {
	records := map[int]store.LaneRecord{}
	if s.Store != nil {
		recs, err := s.Store.Lanes()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, rec := range recs {
			records[rec.ID] = rec
		}
	}
	snap := s.Registry.Snapshot()
	out := make([]laneView, len(snap))
	for i, l := range snap {
		rec := records[l.ID]
		out[i] = laneView{Lane: l, Name: rec.Name, Capacity: rec.Capacity, Source: rec.Source}
	}
	writeJSON(w, http.StatusOK, out)
}

type registerRequest struct {
	LaneID   *int   `json:"lane_id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Source   string `json:"source"`
}

func (s *Server) registerLane(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LaneID == nil || *req.LaneID < 0 {
		writeError(w, http.StatusBadRequest, "lane_id must be a non-negative integer")
		return
	}
	if req.Capacity < 0 {
		writeError(w, http.StatusBadRequest, "capacity must not be negative")
		return
	}
	id := *req.LaneID
	if _, exists := s.Registry.Get(id); exists {
		writeError(w, http.StatusConflict, "lane already registered")
		return
	}
	if err := s.Registry.Upsert(id, 0, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Store != nil {
		rec := store.LaneRecord{ID: id, Name: req.Name, Capacity: req.Capacity, Source: req.Source, CreatedAt: time.Now().UTC()}
		if err := s.Store.SaveLane(rec); err != nil {
			s.Logger.Error("lane record not saved", "lane", id, "err", err)
		}
	}
	s.Logger.Info("lane registered", "lane", id, "name", req.Name)
	lane, _ := s.Registry.Get(id)
	writeJSON(w, http.StatusCreated, lane)
}

func (s *Server) removeLane(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	if !s.Registry.Remove(id) {
		writeError(w, http.StatusNotFound, "lane not registered")
		return
	}
	s.Engine.Forget(id)
	if s.Store != nil {
		if err := s.Store.DeleteLane(id); err != nil {
			s.Logger.Error("lane record not deleted", "lane", id, "err", err)
		}
	}
	s.Logger.Info("lane removed", "lane", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Lane removed"})
}

func (s *Server) laneTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	txs := s.Chain.TransactionsByLane(id)
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) laneSignal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(w, r, "id")
	if !ok {
		return
	}
	tx, ok := s.Chain.LatestSignalState(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no signal recorded for lane")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) chain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Chain)
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	index, ok := pathInt(w, r, "index")
	if !ok {
		return
	}
	b, err := s.Chain.BlockByIndex(index)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// blockByHash answers from the persisted hash index, falling back to the in-memory
// chain for blocks mined since the last sync.
func (s *Server) blockByHash(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if s.Store != nil {
		b, err := s.Store.BlockByHash(hash)
		if err == nil {
			writeJSON(w, http.StatusOK, b)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	for _, b := range s.Chain.Blocks() {
		if b.Hash == hash {
			writeJSON(w, http.StatusOK, b)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no block with hash "+hash)
}

func (s *Server) exportChain(w http.ResponseWriter, r *http.Request) {
	data, err := ledger.MarshalChain(s.Chain.Blocks())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="chain.json"`)
	if _, err := w.Write(data); err != nil {
		s.Logger.Debug("chain export write failed", "err", err)
	}
}

// importChain offers an exported chain to ReplaceChain. Only a longer valid chain is
// adopted; anything else leaves the ledger untouched.
func (s *Server) importChain(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	blocks, err := ledger.UnmarshalChain(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.Chain.ReplaceChain(blocks) {
		writeJSON(w, http.StatusOK, map[string]any{"replaced": false, "length": s.Chain.Len()})
		return
	}
	s.Logger.Warn("chain replaced by import", "length", len(blocks))
	if s.Store != nil {
		if _, err := s.Store.Sync(s.Chain); err != nil {
			s.Logger.Error("imported chain not persisted", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"replaced": true, "length": len(blocks)})
}

func (s *Server) chainStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Chain.Statistics())
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"valid": true}
	if err := s.Chain.Verify(); err != nil {
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	if s.Verifier != nil {
		err := s.Chain.VerifySeals(s.Verifier)
		resp["seals_valid"] = err == nil
		if err != nil {
			resp["seal_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) mine(w http.ResponseWriter, r *http.Request) {
	b, ok, err := s.Chain.MinePendingTransactionsContext(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, r.Context().Err()) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"mined": false, "message": "no pending transactions"})
		return
	}
	if s.Store != nil {
		if _, err := s.Store.Sync(s.Chain); err != nil {
			s.Logger.Error("mined block not persisted", "block", b.Index, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mined": true, "block": b})
}
