package store

import (
	"errors"
	"testing"

	"github.com/luca-patrignani/traffic-ledger/ledger"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMem(nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newChain(t *testing.T, txs int) *ledger.Blockchain {
	t.Helper()
	bc, err := ledger.NewBlockchain(ledger.WithDifficulty(1), ledger.WithBlockSize(1))
	if err != nil {
		t.Fatalf("blockchain: %v", err)
	}
	for i := 0; i < txs; i++ {
		bc.AddTransaction(ledger.NewTransaction(i%3+1, ledger.StateGreen, i, 30, false, "test", nil))
	}
	return bc
}

func TestEmptyStore(t *testing.T) {
	s := openTest(t)
	if _, ok := s.Height(); ok {
		t.Fatal("empty store should have no height")
	}
	if _, err := s.LoadChain(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Block(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSyncIsIncremental(t *testing.T) {
	s := openTest(t)
	bc := newChain(t, 2)

	n, err := s.Sync(bc)
	if err != nil || n != 3 {
		t.Fatalf("first sync should write 3 blocks, got %d (%v)", n, err)
	}
	if n, _ := s.Sync(bc); n != 0 {
		t.Fatalf("second sync should write nothing, got %d", n)
	}

	bc.AddTransaction(ledger.NewTransaction(4, ledger.StateRed, 0, 30, false, "test", nil))
	if n, _ := s.Sync(bc); n != 1 {
		t.Fatalf("expected 1 new block, got %d", n)
	}
	if h, ok := s.Height(); !ok || h != 3 {
		t.Fatalf("expected height 3, got %d", h)
	}

	tip := bc.Latest()
	b, err := s.BlockByHash(tip.Hash)
	if err != nil || b.Index != 3 {
		t.Fatalf("lookup by hash failed: %v", err)
	}
}

// TestLoadChainRecovers persists a chain and replays it into a fresh ledger.
func TestLoadChainRecovers(t *testing.T) {
	s := openTest(t)
	bc := newChain(t, 4)
	if _, err := s.Sync(bc); err != nil {
		t.Fatalf("sync: %v", err)
	}

	blocks, err := s.LoadChain()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fresh := newChain(t, 0)
	if !fresh.ReplaceChain(blocks) {
		t.Fatal("persisted chain should replace a fresh ledger")
	}
	if fresh.Latest().Hash != bc.Latest().Hash {
		t.Fatal("recovered tip differs")
	}
}

func TestSyncRewritesDivergedChain(t *testing.T) {
	s := openTest(t)
	if _, err := s.Sync(newChain(t, 3)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	other := newChain(t, 1)
	n, err := s.Sync(other)
	if err != nil || n != 2 {
		t.Fatalf("diverged chain should be rewritten from genesis, got %d (%v)", n, err)
	}
	blocks, err := s.LoadChain()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(blocks) != 2 || blocks[1].Hash != other.Latest().Hash {
		t.Fatalf("store should hold the new chain, got %d blocks", len(blocks))
	}
}

func TestLaneRecords(t *testing.T) {
	s := openTest(t)
	for _, rec := range []LaneRecord{
		{ID: 3, Name: "Via Emilia east", Capacity: 40},
		{ID: 1, Name: "Via Emilia west", Capacity: 35, Source: "rtsp://cam-1"},
	} {
		if err := s.SaveLane(rec); err != nil {
			t.Fatalf("save lane %d: %v", rec.ID, err)
		}
	}
	recs, err := s.Lanes()
	if err != nil {
		t.Fatalf("lanes: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != 1 || recs[1].ID != 3 {
		t.Fatalf("unexpected lane records %+v", recs)
	}
	if recs[0].CreatedAt.IsZero() {
		t.Fatal("creation time should be stamped")
	}

	if err := s.DeleteLane(3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Lane(3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.SaveLane(LaneRecord{ID: -1}); err == nil {
		t.Fatal("negative lane id should be rejected")
	}
}

func TestMeta(t *testing.T) {
	s := openTest(t)
	if _, err := s.Meta("node_key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutMeta("node_key", []byte{9, 8, 7}); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := s.Meta("node_key")
	if err != nil || len(v) != 3 || v[0] != 9 {
		t.Fatalf("unexpected meta %v (%v)", v, err)
	}
}

func TestSyncRewriteDropsStaleKeys(t *testing.T) {
	s := openTest(t)
	first := newChain(t, 3)
	if _, err := s.Sync(first); err != nil {
		t.Fatalf("sync: %v", err)
	}
	other := newChain(t, 1)
	if _, err := s.Sync(other); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for _, i := range []int{2, 3} {
		if _, err := s.Block(i); !errors.Is(err, ErrNotFound) {
			t.Errorf("block %d above the new tip should be gone, got %v", i, err)
		}
	}
	for _, b := range first.Blocks() {
		if _, err := s.BlockByHash(b.Hash); !errors.Is(err, ErrNotFound) {
			t.Errorf("hash index still holds block %d of the replaced chain", b.Index)
		}
	}
	for _, b := range other.Blocks() {
		got, err := s.BlockByHash(b.Hash)
		if err != nil || got.Index != b.Index {
			t.Errorf("hash index misses block %d of the new chain: %v", b.Index, err)
		}
	}
	if h, _ := s.Height(); h != 1 {
		t.Fatalf("height should follow the new tip, got %d", h)
	}
}
