package replay

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/recorder"
	"github.com/dbpulse/dbpulse-agent/internal/store"
)

func testSession() model.Session {
	return model.Session{
		ID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		Source: model.SourceIdentity{
			Host: "db1", Port: 3306, Kind: model.ServerMySQL, Version: "8.0.36",
		},
		FormatVersion: model.FormatVersion,
		CreatedAt:     time.Now(),
	}
}

// recordSession writes count snapshots one second apart and returns the store
// path and the base timestamp.
func recordSession(t *testing.T, count int) (string, time.Time) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.db")
	rec, err := recorder.Open(path, testSession(), 48*time.Hour)
	if err != nil {
		t.Fatalf("recorder.Open: %v", err)
	}

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		snap := &model.Snapshot{
			Timestamp:    base.Add(time.Duration(i) * time.Second),
			Source:       testSession().Source,
			GlobalStatus: map[string]string{"Threads_connected": strconv.Itoa(i)},
			GlobalVariables: map[string]string{
				"max_connections": strconv.Itoa(100 + i),
			},
		}
		if err := rec.Append(snap); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("recorder.Close: %v", err)
	}

	return path, base
}

func TestOpenPositionsAtEarliestSnapshot(t *testing.T) {
	path, base := recordSession(t, 5)

	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	first, last := e.Range()
	if !first.Equal(base) {
		t.Fatalf("first = %s, want %s", first, base)
	}
	if !last.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("last = %s", last)
	}

	cur := e.Current()
	if cur == nil || !cur.Timestamp.Equal(base) {
		t.Fatalf("expected to start at the earliest snapshot, got %+v", cur)
	}
	if cur.GlobalStatus["Threads_connected"] != "0" {
		t.Fatalf("round-tripped values wrong: %+v", cur.GlobalStatus)
	}

	caps := e.Capabilities()
	if !caps.Replay || caps.SupportsKill {
		t.Fatalf("unexpected capabilities: %+v", caps)
	}
}

func TestStepForwardAndBackward(t *testing.T) {
	path, base := recordSession(t, 3)

	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	snap, err := e.Step(Forward)
	if err != nil {
		t.Fatalf("Step forward: %v", err)
	}
	if !snap.Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("forward landed on %s", snap.Timestamp)
	}

	snap, err = e.Step(Backward)
	if err != nil {
		t.Fatalf("Step backward: %v", err)
	}
	if !snap.Timestamp.Equal(base) {
		t.Fatalf("backward landed on %s", snap.Timestamp)
	}

	// At the first snapshot, stepping back stays put.
	snap, err = e.Step(Backward)
	if err != nil {
		t.Fatalf("Step backward at edge: %v", err)
	}
	if !snap.Timestamp.Equal(base) {
		t.Fatalf("expected to stay at the edge, got %s", snap.Timestamp)
	}
}

func TestStepToEndStaysAtLast(t *testing.T) {
	path, base := recordSession(t, 2)

	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if _, err := e.Step(Forward); err != nil {
		t.Fatal(err)
	}
	snap, err := e.Step(Forward)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("expected to stay at the last snapshot, got %s", snap.Timestamp)
	}
}

func TestSeekFloorsAndClamps(t *testing.T) {
	path, base := recordSession(t, 5)

	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	// Between two snapshots: floor to the earlier one.
	snap, err := e.Seek(base.Add(2500 * time.Millisecond))
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !snap.Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("expected floor to t+2s, got %s", snap.Timestamp)
	}

	// Before the recording: clamp to the first snapshot.
	snap, err = e.Seek(base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Seek before range: %v", err)
	}
	if !snap.Timestamp.Equal(base) {
		t.Fatalf("expected clamp to first, got %s", snap.Timestamp)
	}

	// After the recording: clamp to the last snapshot.
	snap, err = e.Seek(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Seek after range: %v", err)
	}
	if !snap.Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("expected clamp to last, got %s", snap.Timestamp)
	}
}

func TestStepRecomputesChangeEvents(t *testing.T) {
	path, _ := recordSession(t, 3)

	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	// Drain the snapshot published by Open's initial positioning.
	<-e.Snapshots()

	if _, err := e.Step(Forward); err != nil {
		t.Fatal(err)
	}
	published := <-e.Snapshots()
	if len(published.Events) != 1 {
		t.Fatalf("expected 1 change event, got %+v", published.Events)
	}
	ev := published.Events[0]
	if ev.Kind != model.VariableChanged || ev.Name != "max_connections" || ev.Old != "100" || ev.New != "101" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPlayRunsToEndAndPauses(t *testing.T) {
	path, base := recordSession(t, 4)

	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	// 1s recorded gaps replayed at 1000x finish almost immediately.
	if err := e.Play(1000); err != nil {
		t.Fatalf("Play: %v", err)
	}

	last := base.Add(3 * time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cur := e.Current(); cur != nil && cur.Timestamp.Equal(last) {
			// Playback must have paused itself; a step still works.
			if _, err := e.Step(Backward); err != nil {
				t.Fatalf("Step after playback ended: %v", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("playback never reached the last snapshot")
}

func TestPlayRejectsNonPositiveSpeed(t *testing.T) {
	path, _ := recordSession(t, 2)

	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.Play(0); err == nil {
		t.Fatal("expected an error for zero speed")
	}
	if err := e.Play(-1); err == nil {
		t.Fatal("expected an error for negative speed")
	}
}

func TestRoundTripAcrossDictionaryBoundary(t *testing.T) {
	const count = 15
	path, base := recordSession(t, count)

	// The recording must actually span the training point: early rows plain,
	// later rows dictionary-compressed.
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	var plain, dicted int
	if err := db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE dict = 0`).Scan(&plain); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE dict = 1`).Scan(&dicted); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if plain == 0 || dicted == 0 {
		t.Fatalf("expected both plain and dictionary rows, got %d/%d", plain, dicted)
	}

	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	snap := e.Current()
	for i := 0; i < count; i++ {
		want := base.Add(time.Duration(i) * time.Second)
		if !snap.Timestamp.Equal(want) {
			t.Fatalf("snapshot %d: timestamp %s, want %s", i, snap.Timestamp, want)
		}
		if got := snap.GlobalStatus["Threads_connected"]; got != strconv.Itoa(i) {
			t.Fatalf("snapshot %d: Threads_connected = %q", i, got)
		}
		if got := snap.GlobalVariables["max_connections"]; got != strconv.Itoa(100+i) {
			t.Fatalf("snapshot %d: max_connections = %q", i, got)
		}

		if i == count-1 {
			break
		}
		next, err := e.Step(Forward)
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		snap = next
	}
}

func TestReplayHonorsExclusions(t *testing.T) {
	path, _ := recordSession(t, 3)

	e, err := Open(path, map[string]struct{}{"max_connections": {}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	<-e.Snapshots()

	if _, err := e.Step(Forward); err != nil {
		t.Fatal(err)
	}
	published := <-e.Snapshots()
	if len(published.Events) != 0 {
		t.Fatalf("excluded variable must not produce replayed events, got %+v", published.Events)
	}
}

func TestOpenRejectsUnknownFormatVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")

	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	session := testSession()
	session.FormatVersion = model.FormatVersion + 1
	if err := store.WriteMetadata(db, session); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected Open to reject a newer format version")
	}
}

func TestCorruptRowIsSkipped(t *testing.T) {
	path, base := recordSession(t, 3)

	// Wedge an undecodable row between the first and second snapshots.
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ts := base.Add(500 * time.Millisecond).UnixNano()
	if _, err := db.Exec(`INSERT INTO snapshots (ts_ns, dict, data) VALUES (?, 0, ?)`,
		ts, []byte("not a zstd frame")); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	snap, err := e.Step(Forward)
	if err != nil {
		t.Fatalf("Step across corrupt row: %v", err)
	}
	if !snap.Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("expected the corrupt row to be skipped, landed on %s", snap.Timestamp)
	}
}
