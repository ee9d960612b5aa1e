// Package store — bolt.go
//
// BoltDB-backed persistence for the scheduler's cross-build history:
// the historical per-pip-type performance table used to seed priority
// computation, and the execution log used for post-build inspection.
//
// Schema (BoltDB bucket layout):
//
//	/perf
//	    key:   stable pip fingerprint (sha256 of spec-file path + pip type,
//	           hex-encoded)
//	    value: JSON-encoded PerfRecord
//
//	/execution_log
//	    key:   RFC3339Nano timestamp + "_" + pip id  [sortable]
//	    value: JSON-encoded ExecutionLogEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent
//     writers); the scheduler is the only writer of its own database.
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Execution-log entries older than RetentionDays are pruned on
//     startup (cmd/scheduler) and at the end of each build
//     (Scheduler.WhenDone).
//   - Perf records are never automatically pruned (they are small and
//     keyed by fingerprint, not by build — retained across builds for the
//     perf collector's duration estimates).
//
// Failure modes:
//   - Database file corruption: bbolt detects via CRC and returns an
//     error on Open(). The scheduler logs a fatal event and refuses to
//     start. Recovery: restore from backup or delete the file (perf
//     history is an optimization, not correctness-critical).
//   - Disk full: bbolt.Update() returns an error. The scheduler logs the
//     error and continues scheduling without persisting (in-memory
//     counters are preserved for the remainder of the build).
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default execution-log retention period.
	DefaultRetentionDays = 30

	bucketPerf          = "perf"
	bucketExecutionLog  = "execution_log"
	bucketMeta          = "meta"
)

// PerfRecord is the persisted historical performance entry for one pip
// fingerprint. Stored as JSON in the perf bucket and read back by
// perf.Collector.EstimateDurationMs. The DAG driver does not read it: its
// initial priorities use the per-type fallback estimates only.
type PerfRecord struct {
	// Fingerprint is the stable identity of a pip across builds: the
	// spec-file-relative path plus pip type. Used as the BoltDB key
	// (sha256, hex-encoded).
	Fingerprint string `json:"fingerprint"`

	// MeanDurationMs is the EWMA-smoothed process execution time.
	MeanDurationMs float64 `json:"mean_duration_ms"`

	// VarianceMs2 is the EWMA-smoothed variance, used to flag pips whose
	// latest observed duration diverges sharply from their own history
	// (diagnostic only — never feeds back into dispatch ordering).
	VarianceMs2 float64 `json:"variance_ms2"`

	// SampleCount is the number of observations folded into the EWMA.
	SampleCount int `json:"sample_count"`

	// LastPeakWorkingSetMb is the most recent observed memory peak, as
	// recorded by the perf collector. The scheduler does not read it back.
	LastPeakWorkingSetMb int64 `json:"last_peak_working_set_mb"`

	// UpdatedAt is the timestamp of the last update.
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionLogEntry is a single record of one pip's terminal outcome in one
// build, written after HandleResult. Stored as JSON in the execution_log
// bucket (spec.md §6: "fingerprint store / execution log" collaborator).
type ExecutionLogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	PipID       uint32    `json:"pip_id"`
	Fingerprint string    `json:"fingerprint"`
	PipType     uint8     `json:"pip_type"`
	Result      uint8     `json:"result"`
	DurationMs  int32     `json:"duration_ms"`
	WorkerID    int32     `json:"worker_id"`
	NodeID      string    `json:"node_id"`
}

// DB wraps a BoltDB instance with typed accessors for scheduler history.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPerf, bucketExecutionLog, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, scheduler requires %q. "+
					"Delete the file to reset history, or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Perf-table operations ─────────────────────────────────────────────────

// FingerprintKey computes the BoltDB key for a pip fingerprint string.
func FingerprintKey(fingerprint string) []byte {
	h := sha256.Sum256([]byte(fingerprint))
	key := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(key, h[:])
	return key
}

// PutPerfRecord writes or updates the historical performance record for a
// pip fingerprint. Uses a single ACID write transaction.
func (d *DB) PutPerfRecord(rec PerfRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	key := FingerprintKey(rec.Fingerprint)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutPerfRecord marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPerf))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("PutPerfRecord bolt.Put: %w", err)
		}
		return nil
	})
}

// GetPerfRecord retrieves the historical performance record for a pip
// fingerprint. Returns (nil, nil) if no record exists yet.
func (d *DB) GetPerfRecord(fingerprint string) (*PerfRecord, error) {
	key := FingerprintKey(fingerprint)
	var rec PerfRecord
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPerf))
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetPerfRecord(%q): %w", fingerprint, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ─── Execution-log operations ───────────────────────────────────────────────

// logKey constructs a sortable BoltDB key for an execution-log entry.
// Format: RFC3339Nano + "_" + PipID (zero-padded). Lexicographic sort is
// chronological sort.
func logKey(t time.Time, pipID uint32) []byte {
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format(time.RFC3339Nano), pipID))
}

// AppendExecutionLog writes a new execution-log entry.
func (d *DB) AppendExecutionLog(entry ExecutionLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendExecutionLog marshal: %w", err)
	}

	key := logKey(entry.Timestamp, entry.PipID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketExecutionLog))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendExecutionLog bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldExecutionLogEntries deletes execution-log entries older than
// retentionDays. Called on startup and by Scheduler.WhenDone. Returns the
// number of entries deleted.
func (d *DB) PruneOldExecutionLogEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := logKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketExecutionLog))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldExecutionLogEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadExecutionLog returns all execution-log entries in chronological
// order. For operational use (CLI inspection); not called on the hot path.
func (d *DB) ReadExecutionLog() ([]ExecutionLogEntry, error) {
	var entries []ExecutionLogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketExecutionLog))
		return b.ForEach(func(_, v []byte) error {
			var entry ExecutionLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
