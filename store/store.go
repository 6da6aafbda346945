// Package store persists the signal ledger and lane metadata in LevelDB.
//
// Keys:
//
//	block_<index>   block JSON, by height
//	hash_<hash>     block JSON, by hash
//	height_latest   index of the newest persisted block
//	lane_<id>       lane metadata record
//	meta_<name>     opaque node state, such as the sealing key
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/luca-patrignani/traffic-ledger/ledger"
)

const (
	heightKey  = "height_latest"
	lanePrefix = "lane_"
)

var ErrNotFound = errors.New("not found")

// Chain is the read side of a ledger that Sync copies from. *ledger.Blockchain
// satisfies it.
type Chain interface {
	BlockByIndex(index int) (ledger.Block, error)
	BlocksFrom(from int) []ledger.Block
}

type Store struct {
	mu  sync.Mutex
	db  *leveldb.DB
	log *slog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return newStore(db, log), nil
}

// OpenMem opens a database that lives only in memory.
func OpenMem(log *slog.Logger) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return newStore(db, log), nil
}

func newStore(db *leveldb.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func blockKey(index int) []byte { return []byte(fmt.Sprintf("block_%d", index)) }
func hashKey(hash string) []byte { return []byte("hash_" + hash) }
func laneKey(id int) []byte      { return []byte(fmt.Sprintf("%s%d", lanePrefix, id)) }

func (s *Store) get(key []byte, v any) error {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Height returns the index of the newest persisted block.
func (s *Store) Height() (int, bool) {
	v, err := s.db.Get([]byte(heightKey), nil)
	if err != nil {
		return 0, false
	}
	h, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, false
	}
	return h, true
}

func (s *Store) Block(index int) (ledger.Block, error) {
	var b ledger.Block
	if err := s.get(blockKey(index), &b); err != nil {
		return ledger.Block{}, fmt.Errorf("block %d: %w", index, err)
	}
	return b, nil
}

func (s *Store) BlockByHash(hash string) (ledger.Block, error) {
	var b ledger.Block
	if err := s.get(hashKey(hash), &b); err != nil {
		return ledger.Block{}, fmt.Errorf("block %s: %w", hash, err)
	}
	return b, nil
}

// LoadChain reads the persisted chain from genesis to the stored height and verifies
// it. An empty database yields ErrNotFound.
func (s *Store) LoadChain() ([]ledger.Block, error) {
	h, ok := s.Height()
	if !ok {
		return nil, ErrNotFound
	}
	blocks := make([]ledger.Block, 0, h+1)
	for i := 0; i <= h; i++ {
		b, err := s.Block(i)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := ledger.VerifyBlocks(blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Sync writes every block of chain that is not yet persisted and returns how many were
// written. When the persisted tip is not part of chain the whole chain is rewritten.
func (s *Store) Sync(chain Chain) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := 0
	stale := -1
	if h, ok := s.Height(); ok {
		stored, err := s.Block(h)
		local, lerr := chain.BlockByIndex(h)
		if err == nil && lerr == nil && stored.Hash == local.Hash {
			from = h + 1
		} else {
			s.log.Warn("persisted chain diverged, rewriting", "height", h)
			stale = h
		}
	}

	blocks := chain.BlocksFrom(from)
	if len(blocks) == 0 {
		return 0, nil
	}
	tip := blocks[len(blocks)-1].Index
	batch := new(leveldb.Batch)
	// deletes go first so that blocks shared with the old chain are put back below
	for i := 0; i <= stale; i++ {
		if old, err := s.Block(i); err == nil {
			batch.Delete(hashKey(old.Hash))
		}
		if i > tip {
			batch.Delete(blockKey(i))
		}
	}
	for _, b := range blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return 0, fmt.Errorf("encode block %d: %w", b.Index, err)
		}
		batch.Put(blockKey(b.Index), data)
		batch.Put(hashKey(b.Hash), data)
	}
	batch.Put([]byte(heightKey), []byte(strconv.Itoa(tip)))
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("persist blocks %d..%d: %w", from, tip, err)
	}
	s.log.Debug("blocks persisted", "from", from, "to", tip)
	return len(blocks), nil
}

func (s *Store) PutMeta(name string, value []byte) error {
	return s.db.Put([]byte("meta_"+name), value, nil)
}

func (s *Store) Meta(name string) ([]byte, error) {
	v, err := s.db.Get([]byte("meta_"+name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// LaneRecord is the descriptive metadata of a lane. Live counts stay in the registry.
type LaneRecord struct {
	ID        int       `json:"lane_id"`
	Name      string    `json:"name"`
	Capacity  int       `json:"capacity"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveLane(rec LaneRecord) error {
	if rec.ID < 0 {
		return fmt.Errorf("invalid lane id %d", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(laneKey(rec.ID), data, nil)
}

func (s *Store) Lane(id int) (LaneRecord, error) {
	var rec LaneRecord
	if err := s.get(laneKey(id), &rec); err != nil {
		return LaneRecord{}, fmt.Errorf("lane %d: %w", id, err)
	}
	return rec, nil
}

func (s *Store) DeleteLane(id int) error {
	return s.db.Delete(laneKey(id), nil)
}

// Lanes returns every lane record ordered by id.
func (s *Store) Lanes() ([]LaneRecord, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(lanePrefix)), nil)
	defer iter.Release()

	var out []LaneRecord
	for iter.Next() {
		var rec LaneRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
