// Package store keeps a history of search runs in BadgerDB.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/bitsearch/services/search-engine/search"
)

var ErrNotFound = errors.New("run not found")

var (
	runPrefix = []byte("run:")
	idPrefix  = []byte("id:")
)

// RunResult is the persisted form of one search result.
type RunResult struct {
	Label  string              `json:"label"`
	Ranges []search.MatchRange `json:"ranges"`
}

// Run records one search call: what was searched, where, and what matched.
type Run struct {
	ID           uuid.UUID   `json:"id"`
	At           time.Time   `json:"at"`
	Kind         string      `json:"kind"`
	Literal      string      `json:"literal"`
	MessageID    uuid.UUID   `json:"message_id"`
	MessageBytes int         `json:"message_bytes"`
	PayloadHash  uint64      `json:"payload_hash"`
	Results      []RunResult `json:"results"`
	Skipped      []string    `json:"skipped,omitempty"`
	Fingerprint  uint64      `json:"fingerprint"`
	Error        string      `json:"error,omitempty"`
}

// NewRun captures results against payload under a fresh ID.
func NewRun(kind, literal string, messageID uuid.UUID, payload []byte, results search.Results) *Run {
	r := &Run{
		ID:           uuid.New(),
		At:           time.Now().UTC(),
		Kind:         kind,
		Literal:      literal,
		MessageID:    messageID,
		MessageBytes: len(payload),
		PayloadHash:  murmur3.Sum64(payload),
		Fingerprint:  results.Fingerprint(),
		Results:      make([]RunResult, 0, len(results)),
	}
	for _, res := range results {
		r.Results = append(r.Results, RunResult{Label: res.Label(), Ranges: res.Ranges})
	}
	return r
}

// Store wraps BadgerDB with run history methods and metrics.
type Store struct {
	mu     sync.RWMutex
	db     *badger.DB
	saved  metric.Int64Counter
	pruned metric.Int64Counter
}

// Open returns a store rooted at path.
func Open(path string) (*Store, error) {
	return open(badger.DefaultOptions(filepath.Clean(path)))
}

// OpenInMemory returns a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts.WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, err
	}
	m := otel.Meter("search-engine-store")
	saved, _ := m.Int64Counter("search_engine_runs_saved_total")
	pruned, _ := m.Int64Counter("search_engine_runs_pruned_total")
	return &Store{db: db, saved: saved, pruned: pruned}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// runKey orders runs chronologically: prefix, big-endian unix nanos, run ID.
func runKey(at time.Time, id uuid.UUID) []byte {
	k := make([]byte, 0, len(runPrefix)+8+16)
	k = append(k, runPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(at.UnixNano()))
	return append(k, id[:]...)
}

func idKey(id uuid.UUID) []byte {
	return append(append([]byte(nil), idPrefix...), id[:]...)
}

// SaveRun writes run idempotently; a second save of the same ID is a no-op.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		return errors.New("run without id")
	}
	enc, err := json.Marshal(run)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(idKey(run.ID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		key := runKey(run.At, run.ID)
		if err := txn.Set(key, enc); err != nil {
			return err
		}
		if err := txn.Set(idKey(run.ID), key); err != nil {
			return err
		}
		s.saved.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", run.Kind)))
		return nil
	})
}

// GetRun loads a run by ID.
func (s *Store) GetRun(_ context.Context, id uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out *Run
	err := s.db.View(func(txn *badger.Txn) error {
		ref, err := txn.Get(idKey(id))
		if err != nil {
			return err
		}
		key, err := ref.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = &Run{}
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Latest returns up to n runs, newest first.
func (s *Store) Latest(_ context.Context, n int) ([]*Run, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Reverse = true
		opt.Prefix = runPrefix
		it := txn.NewIterator(opt)
		defer it.Close()
		// reverse iteration starts from the largest key sharing the prefix
		seek := append(append([]byte(nil), runPrefix...), bytes.Repeat([]byte{0xFF}, 8+16)...)
		for it.Seek(seek); it.ValidForPrefix(runPrefix) && len(out) < n; it.Next() {
			var r Run
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				continue // skip malformed
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// Count returns the number of stored runs.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.PrefetchValues = false
		opt.Prefix = runPrefix
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Prune keeps the newest retain runs and deletes the rest. retain 0 keeps
// everything. It returns the number of runs deleted.
func (s *Store) Prune(ctx context.Context, retain int) (int, error) {
	if retain <= 0 {
		return 0, nil
	}
	total, err := s.Count(ctx)
	if err != nil || total <= retain {
		return 0, err
	}
	excess := total - retain

	s.mu.Lock()
	defer s.mu.Unlock()
	var victims [][]byte
	err = s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.PrefetchValues = false
		opt.Prefix = runPrefix
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(victims) < excess; it.Next() {
			victims = append(victims, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// a write batch splits into as many transactions as the deletes need
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	deleted := 0
	for _, k := range victims {
		if err := ctx.Err(); err != nil {
			break
		}
		var id uuid.UUID
		copy(id[:], k[len(k)-16:])
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
		if err := wb.Delete(idKey(id)); err != nil {
			return 0, err
		}
		deleted++
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	s.pruned.Add(ctx, int64(deleted))
	return deleted, nil
}
