package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luca-patrignani/traffic-ledger/api"
	"github.com/luca-patrignani/traffic-ledger/arbiter"
	"github.com/luca-patrignani/traffic-ledger/config"
	"github.com/luca-patrignani/traffic-ledger/discovery"
	"github.com/luca-patrignani/traffic-ledger/lanes"
	"github.com/luca-patrignani/traffic-ledger/ledger"
	"github.com/luca-patrignani/traffic-ledger/metrics"
	"github.com/luca-patrignani/traffic-ledger/scheduler"
	"github.com/luca-patrignani/traffic-ledger/seal"
	"github.com/luca-patrignani/traffic-ledger/store"
)

const nodeKeyMeta = "node_key"

// node owns every component of one intersection controller.
type node struct {
	cfg       config.Config
	log       *slog.Logger
	store     *store.Store
	metrics   *metrics.Metrics
	signer    *seal.Signer
	chain     *ledger.Blockchain
	registry  *lanes.Registry
	engine    *arbiter.Engine
	scheduler *scheduler.Scheduler
	api       *api.Server
}

func newNode(cfg config.Config, log *slog.Logger, reg *prometheus.Registry) (*node, error) {
	n := &node{cfg: cfg, log: log, metrics: metrics.New(reg)}

	if cfg.DBPath != "" {
		st, err := store.Open(cfg.DBPath, log)
		if err != nil {
			return nil, err
		}
		n.store = st
	}

	opts := []ledger.Option{
		ledger.WithNodeID(cfg.NodeID),
		ledger.WithDifficulty(cfg.Difficulty),
		ledger.WithBlockSize(cfg.BlockSize),
		ledger.WithLogger(log),
		ledger.WithMinedHook(n.metrics.BlockMined),
	}
	if cfg.Seal {
		signer, err := n.loadSigner()
		if err != nil {
			n.Close()
			return nil, err
		}
		n.signer = signer
		opts = append(opts, ledger.WithSealer(signer))
	}
	chain, err := ledger.NewBlockchain(opts...)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.chain = chain

	n.registry = lanes.NewRegistry()
	for _, id := range cfg.Lanes {
		if err := n.registry.Upsert(id, 0, false); err != nil {
			n.Close()
			return nil, err
		}
	}
	if n.store != nil {
		recs, err := n.store.Lanes()
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("load lane records: %w", err)
		}
		for _, rec := range recs {
			if _, ok := n.registry.Get(rec.ID); !ok {
				_ = n.registry.Upsert(rec.ID, 0, false)
			}
		}
	}

	n.engine = arbiter.NewEngine(n.registry, n.chain,
		arbiter.WithTiming(cfg.Timing),
		arbiter.WithNodeID(cfg.NodeID),
		arbiter.WithLogger(log),
	)
	n.scheduler = scheduler.New(n.engine,
		scheduler.WithInterval(cfg.CycleInterval),
		scheduler.WithLogger(log),
		scheduler.WithObserver(n.afterTick),
	)

	deps := api.Deps{
		Chain:     n.chain,
		Registry:  n.registry,
		Engine:    n.engine,
		Scheduler: n.scheduler,
		Store:     n.store,
		Metrics:   n.metrics,
		Logger:    log,
	}
	if n.signer != nil {
		deps.Verifier = n.signer
	}
	n.api = api.New(deps)
	return n, nil
}

// loadSigner reuses the persisted sealing key so that seals of earlier runs still verify.
func (n *node) loadSigner() (*seal.Signer, error) {
	if n.store == nil {
		return seal.NewSigner(), nil
	}
	data, err := n.store.Meta(nodeKeyMeta)
	if err == nil {
		return seal.UnmarshalSigner(data)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load node key: %w", err)
	}
	signer := seal.NewSigner()
	data, err = signer.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := n.store.PutMeta(nodeKeyMeta, data); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return signer, nil
}

// recoverChain replaces the fresh in-memory chain with the persisted one when that is
// longer and valid. It returns the recovered height, 0 when nothing was recovered.
func (n *node) recoverChain() (int, error) {
	if n.store == nil {
		return 0, nil
	}
	blocks, err := n.store.LoadChain()
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load persisted chain: %w", err)
	}
	if !n.chain.ReplaceChain(blocks) {
		return 0, nil
	}
	return len(blocks) - 1, nil
}

func (n *node) afterTick(res arbiter.Result) {
	n.metrics.ObserveCycle(res)
	n.metrics.ObserveChain(n.chain.Len(), n.chain.PendingCount())
	if n.store != nil {
		if _, err := n.store.Sync(n.chain); err != nil {
			n.log.Error("blocks not persisted", "err", err)
		}
	}
	if n.cfg.TableEvery > 0 && n.scheduler.Stats().Cycles%n.cfg.TableEvery == 0 {
		printLaneTable(res)
	}
}

// watchPeers records discovered neighbours among the chain's known nodes. A neighbour
// announcing a seal key that does not decode is skipped.
func (n *node) watchPeers(ctx context.Context, entries <-chan discovery.Announcement) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-entries:
			if a.PublicKey != "" {
				if _, err := seal.NewVerifier(a.PublicKey); err != nil {
					n.log.Warn("peer ignored", "node", a.NodeID, "err", err)
					continue
				}
			}
			n.chain.AddNode(a.NodeID)
			n.log.Info("node discovered", "node", a.NodeID, "api", a.API, "key", a.PublicKey)
		}
	}
}

func (n *node) Close() {
	if n.store == nil {
		return
	}
	if n.chain != nil {
		if _, err := n.store.Sync(n.chain); err != nil {
			n.log.Error("final persist failed", "err", err)
		}
	}
	if err := n.store.Close(); err != nil {
		n.log.Error("closing store", "err", err)
	}
	n.store = nil
}
