package interchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// Key prefixes of the remark store.
// Format: prefix:key -> value
var (
	prefixRun    = []byte("run:") // run:RunID -> RunInfo JSON
	prefixRemark = []byte("rmk:") // rmk:RunID:Seq -> Remark JSON
)

// ErrNoRun is returned when remarks are stored before BeginRun.
var ErrNoRun = errors.New("interchange: no run in progress")

// RunInfo describes one recorded pass run.
type RunInfo struct {
	ID      string    `json:"id"`
	Label   string    `json:"label,omitempty"`
	Started time.Time `json:"started"`
}

// RemarkStore persists remarks in a Pebble database, grouped by run. It
// implements RemarkSink for the current run and is safe for concurrent
// use.
type RemarkStore struct {
	db *pebble.DB

	mu  sync.Mutex
	run string
	seq uint64
	err error // first Emit failure
}

// RemarkStoreOptions configures NewRemarkStore.
type RemarkStoreOptions struct {
	ReadOnly  bool  // Open an existing store for reports only
	CacheSize int64 // Block cache size in bytes (default: 8MB)
}

// DefaultRemarkStoreOptions returns the defaults for a writable store.
func DefaultRemarkStoreOptions() RemarkStoreOptions {
	return RemarkStoreOptions{CacheSize: 8 << 20}
}

// NewRemarkStore opens or creates the store at dbPath.
func NewRemarkStore(dbPath string, opts RemarkStoreOptions) (*RemarkStore, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = 8 << 20
	}
	if opts.ReadOnly {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("remark store does not exist: %s", dbPath)
		}
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()
	db, err := pebble.Open(dbPath, &pebble.Options{
		Cache:    cache,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open remark store %q: %w", dbPath, err)
	}
	return &RemarkStore{db: db}, nil
}

// Close flushes pending writes and closes the database.
func (s *RemarkStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func buildRunKey(id string) []byte {
	return append(append([]byte(nil), prefixRun...), id...)
}

// Zero padded sequence numbers keep a run's remarks in emission order.
func buildRemarkKey(runID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016d", prefixRemark, runID, seq))
}

// Returns a byte slice just past every key with the given prefix.
func incrementLastByte(prefix []byte) []byte {
	result := append([]byte(nil), prefix...)
	for i := len(result) - 1; i >= 0; i-- {
		if result[i] < 0xff {
			result[i]++
			return result[:i+1]
		}
	}
	return nil
}

// BeginRun starts a new run; later remarks are stored under it.
func (s *RemarkStore) BeginRun(label string) (string, error) {
	info := RunInfo{ID: uuid.NewString(), Label: label, Started: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshal run: %w", err)
	}
	if err := s.db.Set(buildRunKey(info.ID), data, pebble.Sync); err != nil {
		return "", fmt.Errorf("store run %s: %w", info.ID, err)
	}
	s.mu.Lock()
	s.run, s.seq = info.ID, 0
	s.mu.Unlock()
	return info.ID, nil
}

// Put stores r under the current run.
func (s *RemarkStore) Put(r Remark) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal remark: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == "" {
		return ErrNoRun
	}
	if err := s.db.Set(buildRemarkKey(s.run, s.seq), data, pebble.NoSync); err != nil {
		return fmt.Errorf("store remark: %w", err)
	}
	s.seq++
	return nil
}

// Emit stores r, keeping the first failure for Err.
func (s *RemarkStore) Emit(r Remark) {
	if err := s.Put(r); err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
}

// Err returns the first error Emit ran into.
func (s *RemarkStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Flush syncs the remarks written so far to disk.
func (s *RemarkStore) Flush() error {
	return s.db.Flush()
}

// Remarks returns the remarks of a run in emission order.
func (s *RemarkStore) Remarks(runID string) ([]Remark, error) {
	prefix := []byte(fmt.Sprintf("%s%s:", prefixRemark, runID))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementLastByte(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iterator creation failed: %w", err)
	}
	defer iter.Close()

	var out []Remark
	for iter.First(); iter.Valid(); iter.Next() {
		var r Remark
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("unmarshal remark %s: %w", iter.Key(), err)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

// Runs lists the recorded runs, oldest first.
func (s *RemarkStore) Runs() ([]RunInfo, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixRun,
		UpperBound: incrementLastByte(prefixRun),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iterator creation failed: %w", err)
	}
	defer iter.Close()

	var runs []RunInfo
	for iter.First(); iter.Valid(); iter.Next() {
		var info RunInfo
		if err := json.Unmarshal(iter.Value(), &info); err != nil {
			return nil, fmt.Errorf("unmarshal run %s: %w", iter.Key(), err)
		}
		runs = append(runs, info)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, nil
}
