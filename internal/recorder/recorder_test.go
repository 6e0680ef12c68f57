package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/store"
)

func testSession() model.Session {
	return model.Session{
		ID: "11111111-2222-3333-4444-555555555555",
		Source: model.SourceIdentity{
			Host: "db1", Port: 3306, Kind: model.ServerMySQL, Version: "8.0.36",
		},
		FormatVersion: model.FormatVersion,
		CreatedAt:     time.Now(),
	}
}

func testSnapshot(ts time.Time, connections string) *model.Snapshot {
	return &model.Snapshot{
		Timestamp:    ts,
		Source:       testSession().Source,
		GlobalStatus: map[string]string{"Threads_connected": connections},
		GlobalVariables: map[string]string{
			"max_connections": "500",
			"read_only":       "OFF",
		},
	}
}

func storedRows(t *testing.T, path string) []int64 {
	t.Helper()

	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store for inspection: %v", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT ts_ns FROM snapshots ORDER BY ts_ns ASC`)
	if err != nil {
		t.Fatalf("query snapshots: %v", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, ts)
	}
	return out
}

func TestAppendPersistsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	rec, err := Open(path, testSession(), 48*time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := time.Now()
	const count = 15
	for i := 0; i < count; i++ {
		snap := testSnapshot(base.Add(time.Duration(i)*time.Second), "42")
		if err := rec.Append(snap); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := storedRows(t, path)
	if len(got) != count {
		t.Fatalf("expected %d stored snapshots, got %d", count, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatal("stored timestamps out of order")
		}
	}
}

func TestDictionaryTrainedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	rec, err := Open(path, testSession(), 48*time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := time.Now()
	for i := 0; i < dictSampleTarget+5; i++ {
		_ = rec.Append(testSnapshot(base.Add(time.Duration(i)*time.Second), "42"))
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer db.Close()

	dict, err := store.LoadDictionary(db)
	if err != nil {
		t.Fatalf("LoadDictionary: %v", err)
	}
	if len(dict) == 0 {
		t.Fatal("expected a trained dictionary after enough snapshots")
	}

	// Early rows are plain, later ones dictionary-compressed.
	var plain, dicted int
	if err := db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE dict = 0`).Scan(&plain); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE dict = 1`).Scan(&dicted); err != nil {
		t.Fatal(err)
	}
	if plain == 0 || dicted == 0 {
		t.Fatalf("expected a mix of plain and dictionary rows, got %d/%d", plain, dicted)
	}
}

func TestReopenCompatibleStoreContinues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	session := testSession()

	rec, err := Open(path, session, 48*time.Hour)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	base := time.Now()
	_ = rec.Append(testSnapshot(base, "1"))
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	rec, err = Open(path, session, 48*time.Hour)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	_ = rec.Append(testSnapshot(base.Add(time.Second), "2"))
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	if got := storedRows(t, path); len(got) != 2 {
		t.Fatalf("expected both runs' snapshots, got %d", len(got))
	}
}

func TestIncompatibleStoreIsSetAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.db")

	rec, err := Open(path, testSession(), 48*time.Hour)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_ = rec.Append(testSnapshot(time.Now(), "1"))
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	other := testSession()
	other.Source.Host = "db2"
	rec, err = Open(path, other, 48*time.Hour)
	if err != nil {
		t.Fatalf("Open against different identity: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected the old store set aside next to the new one, got %v", names)
	}

	// The fresh store carries the new identity and no old rows.
	if got := storedRows(t, path); len(got) != 0 {
		t.Fatalf("fresh store must be empty, got %d rows", len(got))
	}
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	meta, err := store.ReadMetadata(db)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.Source.Host != "db2" {
		t.Fatalf("fresh store has wrong identity: %+v", meta.Source)
	}
}

func TestUpgradedServerStartsFreshStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.db")

	rec, err := Open(path, testSession(), 48*time.Hour)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_ = rec.Append(testSnapshot(time.Now(), "1"))
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	upgraded := testSession()
	upgraded.Source.Version = "8.0.37"
	rec, err = Open(path, upgraded, 48*time.Hour)
	if err != nil {
		t.Fatalf("Open after upgrade: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected the pre-upgrade store set aside, got %d entries", len(entries))
	}
	if got := storedRows(t, path); len(got) != 0 {
		t.Fatalf("fresh store must not inherit pre-upgrade rows, got %d", len(got))
	}
}

func TestPurgeOlderThanIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	rec, err := Open(path, testSession(), 48*time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	now := time.Now()
	_ = rec.Append(testSnapshot(now.Add(-3*time.Hour), "old"))
	_ = rec.Append(testSnapshot(now.Add(-2*time.Hour), "old"))
	_ = rec.Append(testSnapshot(now, "new"))
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	rec, err = Open(path, testSession(), 48*time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rec.Close()

	if err := rec.PurgeOlderThan(time.Hour); err != nil {
		t.Fatalf("first purge: %v", err)
	}
	if err := rec.PurgeOlderThan(time.Hour); err != nil {
		t.Fatalf("second purge: %v", err)
	}

	got := storedRows(t, path)
	if len(got) != 1 {
		t.Fatalf("expected only the recent snapshot to survive, got %d", len(got))
	}
	if got[0] != now.UnixNano() {
		t.Fatalf("wrong survivor: %d", got[0])
	}
}
