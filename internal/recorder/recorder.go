// Package recorder persists every sampled snapshot to the session's replay
// store. Appends are asynchronous: the sampling loop hands snapshots to a
// bounded queue and a single writer goroutine owns the SQLite file, so a slow
// disk never stalls a cycle.
package recorder

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/dbpulse/dbpulse-agent/internal/logger"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/store"
)

const (
	// queueSize bounds the append queue. When the writer falls behind, the
	// oldest queued snapshot is dropped in favor of the newest.
	queueSize = 64

	// dictSampleTarget is how many serialized payloads are collected before
	// the shared compression dictionary is trained. Snapshots from one server
	// are highly repetitive, so a small corpus is enough.
	dictSampleTarget = 10

	// purgeInterval is how often retention is enforced.
	purgeInterval = time.Hour
)

// Recorder owns one replay store file for the duration of a session.
type Recorder struct {
	db    *sql.DB
	codec *store.Codec
	path  string

	queue chan *model.Snapshot

	retention time.Duration

	// dictSamples accumulates early payloads until the dictionary is trained.
	// nil once training is done or a dictionary was loaded from the store.
	dictSamples [][]byte

	dropped int

	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// Open prepares the store at path for the given session and starts the
// writer. An existing file recorded by an incompatible session (different
// server identity or format version) is renamed aside and a fresh store is
// created; a compatible file is continued, reusing its trained dictionary.
func Open(path string, session model.Session, retention time.Duration) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create replay directory: %w", err)
	}

	db, err := openCompatible(path, session)
	if err != nil {
		return nil, err
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

	r := &Recorder{
		db:        db,
		codec:     codec,
		path:      path,
		queue:     make(chan *model.Snapshot, queueSize),
		retention: retention,
		done:      make(chan struct{}),
	}
	if dict == nil {
		r.dictSamples = make([][]byte, 0, dictSampleTarget)
	}

	r.wg.Add(2)
	go r.writeLoop()
	go r.purgeLoop()

	return r, nil
}

// openCompatible opens the store at path, renaming an incompatible existing
// file aside first.
func openCompatible(path string, session model.Session) (*sql.DB, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}

	existing, err := store.ReadMetadata(db)
	switch {
	case err == store.ErrNoMetadata:
		if err := store.WriteMetadata(db, session); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil

	case err != nil:
		_ = db.Close()
		return nil, err
	}

	if existing.FormatVersion == session.FormatVersion && existing.Source.Equal(session.Source) {
		logger.Info("Continuing replay store %s (session %s, recorded %s)",
			path, existing.ID, existing.CreatedAt.Format(time.RFC3339))
		return db, nil
	}

	_ = db.Close()

	aside := fmt.Sprintf("%s.%s", path, time.Now().Format("20060102T150405"))
	if err := os.Rename(path, aside); err != nil {
		return nil, fmt.Errorf("set aside incompatible store: %w", err)
	}
	logger.Warning("Replay store %s was recorded against %s (format v%d); moved aside to %s",
		path, existing.Source.Addr(), existing.FormatVersion, aside)

	db, err = store.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.WriteMetadata(db, session); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Append queues a snapshot for persistence. Never blocks: when the queue is
// full the oldest queued snapshot is dropped so the freshest data survives.
func (r *Recorder) Append(snap *model.Snapshot) error {
	select {
	case <-r.done:
		return fmt.Errorf("recorder is closed")
	default:
	}

	select {
	case r.queue <- snap:
		return nil
	default:
	}

	select {
	case <-r.queue:
		r.dropped++
		logger.Warning("Recorder queue full, dropped oldest snapshot (%d dropped this session)", r.dropped)
	default:
	}

	select {
	case r.queue <- snap:
	default:
	}
	return nil
}

// Close stops the writer after draining queued snapshots and releases the
// store.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()

	r.codec.Close()
	return r.db.Close()
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	for {
		select {
		case snap := <-r.queue:
			r.persist(snap)
		case <-r.done:
			// Drain what sampling produced before shutdown.
			for {
				select {
				case snap := <-r.queue:
					r.persist(snap)
				default:
					return
				}
			}
		}
	}
}

// persist serializes, compresses and inserts one snapshot. The insert is a
// single statement, so a crash leaves the store with whole rows only.
func (r *Recorder) persist(snap *model.Snapshot) {
	payload, err := r.codec.Marshal(snap)
	if err != nil {
		logger.Error("Failed to serialize snapshot %s: %v", snap.Timestamp.Format(time.RFC3339Nano), err)
		return
	}

	r.maybeTrainDictionary(payload)

	dictFlag := 0
	if r.codec.HasDictionary() {
		dictFlag = 1
	}

	_, err = r.db.Exec(`INSERT INTO snapshots (ts_ns, dict, data) VALUES (?, ?, ?)`,
		snap.Timestamp.UnixNano(), dictFlag, r.codec.Compress(payload))
	if err != nil {
		logger.Error("Failed to persist snapshot %s: %v", snap.Timestamp.Format(time.RFC3339Nano), err)
	}
}

// maybeTrainDictionary collects early payloads and, once enough are in hand,
// trains the session's shared dictionary exactly once. Statistical training
// can refuse small or highly uniform corpora; in that case the most recent
// payloads are used directly as a raw content dictionary, which snapshot
// streams suit well since consecutive cycles repeat most of their bytes.
func (r *Recorder) maybeTrainDictionary(payload []byte) {
	if r.dictSamples == nil || r.codec.HasDictionary() {
		return
	}

	r.dictSamples = append(r.dictSamples, payload)
	if len(r.dictSamples) < dictSampleTarget {
		return
	}

	dict, err := zstd.BuildDict(zstd.BuildDictOptions{
		ID:       store.DictID,
		Contents: r.dictSamples,
	})
	if err != nil {
		logger.Info("Statistical dictionary training declined the corpus (%v), using raw content dictionary", err)
		dict = rawDictionary(r.dictSamples)
	}
	r.dictSamples = nil

	codec, err := r.codec.WithDictionary(dict)
	if err != nil {
		logger.Warning("Failed to apply trained dictionary: %v", err)
		return
	}
	r.codec = codec

	if err := store.SaveDictionary(r.db, dict); err != nil {
		logger.Warning("Failed to persist trained dictionary: %v", err)
	}
	logger.Info("Trained %d-byte compression dictionary from %d snapshots", len(dict), dictSampleTarget)
}

// rawDictMaxBytes caps the raw content dictionary; matches against bytes near
// its end are the cheapest, so the newest payloads go last.
const rawDictMaxBytes = 64 * 1024

// rawDictionary concatenates the sample payloads, newest last, trimmed to the
// cap from the front.
func rawDictionary(samples [][]byte) []byte {
	var dict []byte
	for _, sample := range samples {
		dict = append(dict, sample...)
	}
	if len(dict) > rawDictMaxBytes {
		dict = dict[len(dict)-rawDictMaxBytes:]
	}
	return dict
}

func (r *Recorder) purgeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.PurgeOlderThan(r.retention); err != nil {
				logger.Warning("Retention purge failed: %v", err)
			}
		case <-r.done:
			return
		}
	}
}

// PurgeOlderThan deletes snapshots older than age. Idempotent; running it
// with nothing to delete is a no-op.
func (r *Recorder) PurgeOlderThan(age time.Duration) error {
	cutoff := time.Now().Add(-age).UnixNano()

	result, err := r.db.Exec(`DELETE FROM snapshots WHERE ts_ns < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("purge snapshots: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n > 0 {
		logger.Info("Purged %d snapshots older than %s", n, age)
	}
	return nil
}
