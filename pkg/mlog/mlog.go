package mlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta = []byte("meta")

	keyRunID      = []byte("run_id")
	keyBatchCount = []byte("batch_count")

	categoryPrefix = "cat:"
)

// Logger accumulates training metrics in batches, one batch per
// generation, and snapshots them to a BoltDB file. A value is addressed
// by (category, key) within the current batch; categories become buckets
// on disk, with one JSON row per batch.
//
// Logger is safe for concurrent use, although in practice only the
// orchestrator's control goroutine writes to it.
type Logger struct {
	mu      sync.Mutex
	runID   string
	batches []map[string]float64
}

// NewLogger creates an empty metric logger with a fresh run identity.
func NewLogger() *Logger {
	return &Logger{
		runID: uuid.NewString(),
	}
}

// RunID returns the run identity persisted with the log.
func (l *Logger) RunID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runID
}

// StartBatch begins a new batch row. Values logged afterwards belong to
// the new batch.
func (l *Logger) StartBatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.batches = append(l.batches, map[string]float64{})
}

// Log records a value under (category, key) in the current batch. A batch
// is started implicitly if none is open.
func (l *Logger) Log(category, key string, value float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.batches) == 0 {
		l.batches = append(l.batches, map[string]float64{})
	}
	l.batches[len(l.batches)-1][category+"/"+key] = value
}

// Batches returns the number of batch rows, including the one in
// progress.
func (l *Logger) Batches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches)
}

// Get returns the value logged under (category, key) in the given batch.
func (l *Logger) Get(batch int, category, key string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if batch < 0 || batch >= len(l.batches) {
		return 0, false
	}
	v, ok := l.batches[batch][category+"/"+key]
	return v, ok
}

// Keys returns the sorted set of "category/key" names seen in any batch.
func (l *Logger) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := map[string]struct{}{}
	for _, b := range l.batches {
		for k := range b {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Truncate drops batch rows from index n on. Used on resume when a
// saved snapshot carries rows for a generation that never finished.
func (l *Logger) Truncate(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n >= 0 && n < len(l.batches) {
		l.batches = l.batches[:n]
	}
}

// Save snapshots the full log to the BoltDB file at path. The snapshot is
// written in one transaction, so a crash mid-save leaves the previous
// snapshot intact.
func (l *Logger) Save(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open metric log: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if err := meta.Put(keyRunID, []byte(l.runID)); err != nil {
			return err
		}
		count := make([]byte, 8)
		binary.BigEndian.PutUint64(count, uint64(len(l.batches)))
		if err := meta.Put(keyBatchCount, count); err != nil {
			return err
		}

		// Drop stale category buckets so a snapshot of a truncated log
		// does not keep rows beyond the batch count.
		var stale [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if strings.HasPrefix(string(name), categoryPrefix) {
				stale = append(stale, append([]byte(nil), name...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, name := range stale {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		// One bucket per category, one JSON row per batch.
		rows := map[string]map[int]map[string]float64{}
		for bi, batch := range l.batches {
			for name, value := range batch {
				cat, key, ok := strings.Cut(name, "/")
				if !ok {
					continue
				}
				if rows[cat] == nil {
					rows[cat] = map[int]map[string]float64{}
				}
				if rows[cat][bi] == nil {
					rows[cat][bi] = map[string]float64{}
				}
				rows[cat][bi][key] = value
			}
		}

		for cat, batches := range rows {
			b, err := tx.CreateBucketIfNotExists([]byte(categoryPrefix + cat))
			if err != nil {
				return err
			}
			for bi, row := range batches {
				data, err := json.Marshal(row)
				if err != nil {
					return err
				}
				rowKey := make([]byte, 8)
				binary.BigEndian.PutUint64(rowKey, uint64(bi))
				if err := b.Put(rowKey, data); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Load restores a previously saved metric log.
func Load(path string) (*Logger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open metric log: %w", err)
	}
	defer db.Close()

	l := &Logger{}
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("metric log has no meta bucket")
		}
		l.runID = string(meta.Get(keyRunID))
		if l.runID == "" {
			return fmt.Errorf("metric log has no run id")
		}
		count := meta.Get(keyBatchCount)
		if len(count) != 8 {
			return fmt.Errorf("metric log has no batch count")
		}
		l.batches = make([]map[string]float64, binary.BigEndian.Uint64(count))
		for i := range l.batches {
			l.batches[i] = map[string]float64{}
		}

		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			cat, ok := strings.CutPrefix(string(name), categoryPrefix)
			if !ok {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				if len(k) != 8 {
					return fmt.Errorf("corrupt row key in category %q", cat)
				}
				bi := int(binary.BigEndian.Uint64(k))
				if bi >= len(l.batches) {
					return fmt.Errorf("row %d beyond batch count in category %q", bi, cat)
				}
				var row map[string]float64
				if err := json.Unmarshal(v, &row); err != nil {
					return err
				}
				for key, value := range row {
					l.batches[bi][cat+"/"+key] = value
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

