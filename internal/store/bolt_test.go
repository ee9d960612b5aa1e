package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetPerfRecordRoundTrip(t *testing.T) {
	db := openTestDB(t)

	rec := PerfRecord{
		Fingerprint:          "//foo:bar#Process",
		MeanDurationMs:       123.4,
		VarianceMs2:          5.6,
		SampleCount:          3,
		LastPeakWorkingSetMb: 256,
	}
	if err := db.PutPerfRecord(rec); err != nil {
		t.Fatalf("PutPerfRecord: %v", err)
	}

	got, err := db.GetPerfRecord(rec.Fingerprint)
	if err != nil {
		t.Fatalf("GetPerfRecord: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record, got nil")
	}
	if got.MeanDurationMs != rec.MeanDurationMs || got.SampleCount != rec.SampleCount {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestGetPerfRecordMissingReturnsNilNil(t *testing.T) {
	db := openTestDB(t)
	got, err := db.GetPerfRecord("//nope:nope#Process")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown fingerprint, got %+v", got)
	}
}

func TestPruneOldExecutionLogEntries(t *testing.T) {
	db := openTestDB(t)

	old := ExecutionLogEntry{Timestamp: time.Now().AddDate(0, 0, -10), PipID: 1}
	recent := ExecutionLogEntry{Timestamp: time.Now(), PipID: 2}
	if err := db.AppendExecutionLog(old); err != nil {
		t.Fatalf("AppendExecutionLog old: %v", err)
	}
	if err := db.AppendExecutionLog(recent); err != nil {
		t.Fatalf("AppendExecutionLog recent: %v", err)
	}

	n, err := db.PruneOldExecutionLogEntries()
	if err != nil {
		t.Fatalf("PruneOldExecutionLogEntries: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", n)
	}

	entries, err := db.ReadExecutionLog()
	if err != nil {
		t.Fatalf("ReadExecutionLog: %v", err)
	}
	if len(entries) != 1 || entries[0].PipID != 2 {
		t.Fatalf("expected only the recent entry to remain, got %+v", entries)
	}
}
