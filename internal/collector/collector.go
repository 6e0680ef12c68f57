// Package collector drives the sampling cycle: on every tick of the refresh
// interval it runs the enabled probes against the one connection, assembles
// a snapshot, diffs it against the previous one and publishes the result to
// the live consumer and the recorder.
package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/logger"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/notifier"
	"github.com/dbpulse/dbpulse-agent/internal/probe"
)

// Appender receives every produced snapshot for persistence. The recorder
// satisfies it; tests substitute fakes.
type Appender interface {
	Append(snap *model.Snapshot) error
}

// Conn is the slice of the connection manager the collector needs.
type Conn interface {
	conn.Executor
	Identity() model.SourceIdentity
}

// publishBuffer bounds the live channel so a stalled consumer cannot stall
// sampling; the freshest snapshot wins.
const publishBuffer = 8

// Collector owns the Idle -> Sampling -> Publishing cycle for one session.
// Cycles never overlap: the loop body is synchronous against the single
// connection, and a cycle that overruns its interval finishes before the
// next one starts (missed ticks are dropped, not queued).
type Collector struct {
	cfg      *config.Config
	manager  Conn
	probes   []probe.Probe
	notifier *notifier.Notifier
	recorder Appender

	// onConnectionLost is invoked when the reconnect budget is exhausted.
	// The host process decides what that means; the collector keeps going.
	onConnectionLost func(error)

	publishCh chan model.Published

	mu       sync.Mutex
	current  *model.Snapshot
	previous *model.Snapshot

	lastTimestamp time.Time
	overruns      int
}

// New creates a collector. recorder and onConnectionLost may be nil.
func New(cfg *config.Config, manager Conn, probes []probe.Probe,
	n *notifier.Notifier, recorder Appender, onConnectionLost func(error)) *Collector {

	return &Collector{
		cfg:              cfg,
		manager:          manager,
		probes:           probes,
		notifier:         n,
		recorder:         recorder,
		onConnectionLost: onConnectionLost,
		publishCh:        make(chan model.Published, publishBuffer),
	}
}

// Current implements model.SnapshotSource.
func (c *Collector) Current() *model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Snapshots implements model.SnapshotSource.
func (c *Collector) Snapshots() <-chan model.Published {
	return c.publishCh
}

// Capabilities implements model.SnapshotSource. The live collector can act
// on the server.
func (c *Collector) Capabilities() model.Capabilities {
	return model.Capabilities{Replay: false, SupportsKill: true}
}

// Run drives the sampling loop until ctx is cancelled. The publish channel
// is closed on return.
func (c *Collector) Run(ctx context.Context) {
	defer close(c.publishCh)

	interval := time.Duration(c.cfg.Sampling.RefreshIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First cycle immediately; waiting a full interval before showing
	// anything makes the tool feel broken.
	c.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			c.RunCycle(ctx)

			if elapsed := time.Since(started); elapsed > interval {
				c.overruns++
				if c.overruns > 1 {
					logger.Warning("Sampling cycle overran the %s interval (%s), %d consecutive overruns",
						interval, elapsed.Round(time.Millisecond), c.overruns)
				}
			} else {
				c.overruns = 0
			}
		}
	}
}

// RunCycle executes exactly one Sampling -> Publishing pass. Exported so the
// agent can drive a cycle outside the ticker (startup, tests).
func (c *Collector) RunCycle(ctx context.Context) {
	snap := c.sample(ctx)
	if snap == nil {
		return
	}
	c.publish(snap)
}

// sample runs every enabled probe. A probe failure degrades its section and
// the cycle carries on; only a lost connection aborts the cycle, and even
// that never aborts the session from inside the collector.
func (c *Collector) sample(ctx context.Context) *model.Snapshot {
	snap := &model.Snapshot{
		Timestamp: c.nextTimestamp(),
		Source:    c.manager.Identity(),
	}

	for _, p := range c.probes {
		if !p.Enabled(c.cfg) {
			continue
		}

		if err := p.Sample(ctx, c.manager, snap); err != nil {
			if errors.Is(err, conn.ErrConnectionLost) {
				logger.Error("Connection lost during %s probe: %v", p.Name(), err)
				if c.onConnectionLost != nil {
					c.onConnectionLost(err)
				}
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}

			logger.Warning("Probe %s failed: %v", p.Name(), err)
			snap.MarkUnavailable(p.Name(), err.Error())
		}
	}

	return snap
}

// nextTimestamp returns a wall-clock instant guaranteed strictly greater
// than the previous snapshot's, even against clock steps.
func (c *Collector) nextTimestamp() time.Time {
	now := time.Now()
	if !now.After(c.lastTimestamp) {
		now = c.lastTimestamp.Add(time.Nanosecond)
	}
	c.lastTimestamp = now
	return now
}

// publish hands the finished snapshot to the consumer and the recorder and
// retires the previous one. Only the previous snapshot is retained in
// memory; history lives in the store.
func (c *Collector) publish(snap *model.Snapshot) {
	c.mu.Lock()
	events := c.notifier.Diff(c.previous, snap)
	c.previous = snap
	c.current = snap
	c.mu.Unlock()

	published := model.Published{Snapshot: snap, Events: events}
	select {
	case c.publishCh <- published:
	default:
		// Consumer is behind; drop the oldest buffered cycle in its favor.
		select {
		case <-c.publishCh:
		default:
		}
		select {
		case c.publishCh <- published:
		default:
		}
	}

	if c.recorder != nil {
		if err := c.recorder.Append(snap); err != nil {
			logger.Warning("Failed to queue snapshot for recording: %v", err)
		}
	}
}
