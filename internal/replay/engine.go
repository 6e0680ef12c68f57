// Package replay reads a recorded session store back as if it were live: it
// exposes the same snapshot source the collector does, plus seeking and
// playback controls. The engine never writes to the store.
package replay

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbpulse/dbpulse-agent/internal/logger"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/notifier"
	"github.com/dbpulse/dbpulse-agent/internal/store"
)

// ErrEmptyStore is returned when the store holds metadata but no snapshots.
var ErrEmptyStore = errors.New("replay store holds no snapshots")

// Direction selects which neighbor Step moves to.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// playState is the engine's playback mode.
type playState int

const (
	statePaused playState = iota
	statePlaying
)

// Engine replays one recorded session. All methods are safe for concurrent
// use; playback runs on its own goroutine between Play and Pause.
type Engine struct {
	db       *sql.DB
	codec    *store.Codec
	session  model.Session
	notifier *notifier.Notifier

	publishCh chan model.Published

	mu       sync.Mutex
	state    playState
	speed    float64
	first    time.Time
	last     time.Time
	current  *model.Snapshot
	previous *model.Snapshot

	playCancel chan struct{}
	playWG     sync.WaitGroup

	closed bool
}

// Open loads the store at path and positions the engine at the earliest
// snapshot, paused. exclusions is the session's variable-change exclusion
// set, applied to replayed events exactly as the live notifier applies it.
// Stores written by a different format version are rejected; recording again
// is the only upgrade path.
func Open(path string, exclusions map[string]struct{}) (*Engine, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}

	session, err := store.ReadMetadata(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if session.FormatVersion != model.FormatVersion {
		_ = db.Close()
		return nil, fmt.Errorf("replay store %s uses format v%d, this build reads v%d",
			path, session.FormatVersion, model.FormatVersion)
	}

	dict, err := store.LoadDictionary(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	codec, err := store.NewCodec(dict)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	e := &Engine{
		db:        db,
		codec:     codec,
		session:   session,
		notifier:  notifier.New(exclusions),
		publishCh: make(chan model.Published, 8),
		speed:     1,
	}

	if err := e.loadRange(); err != nil {
		codec.Close()
		_ = db.Close()
		return nil, err
	}

	if _, err := e.Seek(e.first); err != nil {
		codec.Close()
		_ = db.Close()
		return nil, err
	}

	logger.Info("Opened replay of %s %s (%s): %s to %s",
		session.Source.Kind, session.Source.Version, session.Source.Addr(),
		e.first.Format(time.RFC3339), e.last.Format(time.RFC3339))

	return e, nil
}

func (e *Engine) loadRange() error {
	var firstNS, lastNS sql.NullInt64
	err := e.db.QueryRow(`SELECT MIN(ts_ns), MAX(ts_ns) FROM snapshots`).Scan(&firstNS, &lastNS)
	if err != nil {
		return fmt.Errorf("read snapshot range: %w", err)
	}
	if !firstNS.Valid {
		return ErrEmptyStore
	}
	e.first = time.Unix(0, firstNS.Int64)
	e.last = time.Unix(0, lastNS.Int64)
	return nil
}

// Metadata returns the recorded session's identity.
func (e *Engine) Metadata() model.Session { return e.session }

// Range returns the timestamps of the earliest and latest snapshots.
func (e *Engine) Range() (first, last time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.first, e.last
}

// Current implements model.SnapshotSource.
func (e *Engine) Current() *model.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Snapshots implements model.SnapshotSource.
func (e *Engine) Snapshots() <-chan model.Published {
	return e.publishCh
}

// Capabilities implements model.SnapshotSource. Recorded data is inert:
// nothing can be killed and nothing refreshes.
func (e *Engine) Capabilities() model.Capabilities {
	return model.Capabilities{Replay: true, SupportsKill: false}
}

// Seek positions the engine at the newest snapshot at or before t. Targets
// outside the recorded range clamp to its edges. Seeking pauses playback and
// resets the diff baseline, so the first events after a seek come from the
// next step, not from the jump itself.
func (e *Engine) Seek(t time.Time) (*model.Snapshot, error) {
	e.pause()

	e.mu.Lock()
	defer e.mu.Unlock()

	if t.Before(e.first) {
		t = e.first
	}
	if t.After(e.last) {
		t = e.last
	}

	snap, err := e.fetch(
		`SELECT ts_ns, data FROM snapshots WHERE ts_ns <= ? ORDER BY ts_ns DESC`, t.UnixNano())
	if err != nil {
		return nil, err
	}

	e.previous = nil
	e.emitLocked(snap)
	return snap, nil
}

// Step moves one snapshot forward or backward and pauses playback. At either
// edge of the recording it stays put and returns the current snapshot.
func (e *Engine) Step(dir Direction) (*model.Snapshot, error) {
	e.pause()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stepLocked(dir)
}

func (e *Engine) stepLocked(dir Direction) (*model.Snapshot, error) {
	if e.current == nil {
		return nil, ErrEmptyStore
	}

	query := `SELECT ts_ns, data FROM snapshots WHERE ts_ns > ? ORDER BY ts_ns ASC`
	if dir == Backward {
		query = `SELECT ts_ns, data FROM snapshots WHERE ts_ns < ? ORDER BY ts_ns DESC`
	}

	snap, err := e.fetch(query, e.current.Timestamp.UnixNano())
	if errors.Is(err, sql.ErrNoRows) {
		return e.current, nil
	}
	if err != nil {
		return nil, err
	}

	e.emitLocked(snap)
	return snap, nil
}

// fetch runs a query ordered so its first row is the wanted snapshot, then
// decodes it. Rows that fail to decode are skipped with a warning; the store
// may hold a torn tail from a crashed recorder.
func (e *Engine) fetch(query string, arg int64) (*model.Snapshot, error) {
	rows, err := e.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tsNS int64
			data []byte
		)
		if err := rows.Scan(&tsNS, &data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}

		snap, err := e.codec.Decode(data)
		if err != nil {
			logger.Warning("Skipping corrupt snapshot at %s: %v", time.Unix(0, tsNS).Format(time.RFC3339Nano), err)
			continue
		}
		return snap, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return nil, sql.ErrNoRows
}

// emitLocked makes snap current, recomputes change events against the
// previously emitted snapshot and publishes. Caller holds e.mu.
func (e *Engine) emitLocked(snap *model.Snapshot) {
	events := e.notifier.Diff(e.previous, snap)
	e.previous = snap
	e.current = snap

	published := model.Published{Snapshot: snap, Events: events}
	select {
	case e.publishCh <- published:
	default:
		select {
		case <-e.publishCh:
		default:
		}
		select {
		case e.publishCh <- published:
		default:
		}
	}
}

// Play starts advancing through the recording at speed times the recorded
// pace (1 replays in real time, 2 twice as fast). Reaching the latest
// snapshot pauses. Calling Play while playing only adjusts the speed.
func (e *Engine) Play(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("playback speed must be positive, got %g", speed)
	}

	e.mu.Lock()
	e.speed = speed
	if e.state == statePlaying || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.state = statePlaying
	cancel := make(chan struct{})
	e.playCancel = cancel
	e.mu.Unlock()

	e.playWG.Add(1)
	go e.playLoop(cancel)
	return nil
}

// Pause stops playback. Pausing while paused is a no-op.
func (e *Engine) Pause() {
	e.pause()
}

func (e *Engine) pause() {
	e.mu.Lock()
	if e.state != statePlaying {
		e.mu.Unlock()
		return
	}
	e.state = statePaused
	cancel := e.playCancel
	e.playCancel = nil
	e.mu.Unlock()

	close(cancel)
	e.playWG.Wait()
}

func (e *Engine) playLoop(cancel chan struct{}) {
	defer e.playWG.Done()

	for {
		e.mu.Lock()
		if e.state != statePlaying {
			e.mu.Unlock()
			return
		}

		before := e.current
		snap, err := e.stepLocked(Forward)
		if err != nil {
			e.state = statePaused
			e.mu.Unlock()
			logger.Error("Playback stopped: %v", err)
			return
		}
		if snap == before {
			// End of the recording.
			e.state = statePaused
			e.mu.Unlock()
			logger.Info("Playback reached the end of the recording")
			return
		}

		var wait time.Duration
		if before != nil {
			wait = time.Duration(float64(snap.Timestamp.Sub(before.Timestamp)) / e.speed)
		}
		e.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-cancel:
			return
		}
	}
}

// Close releases the store. The engine is unusable afterwards.
func (e *Engine) Close() error {
	e.pause()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.publishCh)
	e.codec.Close()
	return e.db.Close()
}
