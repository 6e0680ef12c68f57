// Package agent wires the pieces into a running process: connection manager,
// probes, collector, notifier and recorder for live sessions, or the replay
// engine for recorded ones. One agent runs exactly one mode.
package agent

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/dbpulse/dbpulse-agent/internal/collector"
	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/logger"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/notifier"
	"github.com/dbpulse/dbpulse-agent/internal/probe"
	"github.com/dbpulse/dbpulse-agent/internal/recorder"
	"github.com/dbpulse/dbpulse-agent/internal/replay"
)

// startupRetryDelay paces connection attempts while the server is down at
// agent start (daemon mode only; interactive starts fail fast).
const startupRetryDelay = 10 * time.Second

// reconnectDelay paces daemon-mode reconnection after the per-query retry
// budget is exhausted mid-session.
const reconnectDelay = 30 * time.Second

// selfUsageInterval is how often daemon mode logs its own resource usage.
const selfUsageInterval = 10 * time.Minute

// Agent orchestrates one monitoring session.
type Agent struct {
	cfg    *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	manager   *conn.Manager
	collector *collector.Collector
	recorder  *recorder.Recorder

	// connLost receives one value per exhausted reconnect budget.
	connLost chan error
}

// New creates an agent for the given configuration.
func New(cfg *config.Config) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		connLost: make(chan error, 1),
	}
}

// Run starts the agent in the mode the configuration selects and blocks
// until shutdown. Replay and live recording are mutually exclusive.
func (a *Agent) Run() error {
	defer a.cancel()

	if a.cfg.Profiling.Enabled {
		go a.startProfiling()
	}
	a.handleSignals()

	if a.cfg.Replay.File != "" {
		return a.runReplay()
	}
	return a.runLive()
}

// Stop requests shutdown; Run returns once in-flight work is flushed.
func (a *Agent) Stop() {
	a.cancel()
}

// runLive connects, builds the sampling pipeline and drives it until the
// context ends or (outside daemon mode) the connection is lost for good.
func (a *Agent) runLive() error {
	if err := a.connectWithRetry(); err != nil {
		return err
	}
	defer a.manager.Close()

	identity := a.manager.Identity()
	logger.Info("Connected to %s %s at %s", identity.Kind, identity.Version, identity.Addr())

	session := model.Session{
		ID:            uuid.NewString(),
		Source:        identity,
		FormatVersion: model.FormatVersion,
		CreatedAt:     time.Now(),
	}
	logger.Info("Session %s started", session.ID)

	if a.cfg.Replay.Dir != "" {
		path := filepath.Join(a.cfg.Replay.Dir,
			fmt.Sprintf("dbpulse_%s_%d.db", identity.Host, identity.Port))
		rec, err := recorder.Open(path, session,
			time.Duration(a.cfg.Replay.RetentionHours)*time.Hour)
		if err != nil {
			return fmt.Errorf("open replay store: %w", err)
		}
		a.recorder = rec
		defer func() {
			if err := a.recorder.Close(); err != nil {
				logger.Warning("Failed to close replay store: %v", err)
			}
		}()
		logger.Info("Recording session to %s", path)
	}

	probes := probe.Build(a.cfg, identity)
	n := notifier.New(a.cfg.ExcludeSet())

	var rec collector.Appender
	if a.recorder != nil {
		rec = a.recorder
	}
	a.collector = collector.New(a.cfg, a.manager, probes, n, rec, a.onConnectionLost)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.collector.Run(a.ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consume(a.collector)
	}()

	if a.cfg.Daemon {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.selfUsageLoop()
		}()
	}

	err := a.superviseConnection()
	a.cancel()
	a.wg.Wait()
	return err
}

// connectWithRetry establishes the initial connection. Daemon mode keeps
// trying until the server answers; interactive mode reports the failure.
func (a *Agent) connectWithRetry() error {
	a.manager = conn.NewManager(a.cfg)

	for {
		err := a.manager.Connect(a.ctx)
		if err == nil {
			return nil
		}
		if !a.cfg.Daemon {
			return fmt.Errorf("connect to %s: %w", a.cfg.Server.Host, err)
		}

		logger.Warning("Initial connection failed, retrying in %s: %v", startupRetryDelay, err)
		select {
		case <-a.ctx.Done():
			return a.ctx.Err()
		case <-time.After(startupRetryDelay):
		}
	}
}

// onConnectionLost is called by the collector when the per-query reconnect
// budget runs out. It never blocks the sampling loop.
func (a *Agent) onConnectionLost(err error) {
	select {
	case a.connLost <- err:
	default:
	}
}

// superviseConnection decides what a lost connection means for the process:
// daemon mode reconnects on a slow loop for as long as it takes, interactive
// mode ends the session.
func (a *Agent) superviseConnection() error {
	for {
		select {
		case <-a.ctx.Done():
			return nil
		case err := <-a.connLost:
			if !a.cfg.Daemon {
				logger.Error("Connection lost, ending session: %v", err)
				return err
			}

			logger.Warning("Connection lost, reconnecting every %s: %v", reconnectDelay, err)
			for {
				select {
				case <-a.ctx.Done():
					return nil
				case <-time.After(reconnectDelay):
				}
				if cerr := a.manager.Connect(a.ctx); cerr == nil {
					logger.Info("Reconnected to %s", a.manager.Identity().Addr())
					if a.manager.IdentityChanged() {
						logger.Warning("Reconnected server differs from the session identity; continuity is not guaranteed")
					}
					break
				} else {
					logger.Warning("Reconnect failed: %v", cerr)
				}
			}
		}
	}
}

// runReplay opens the recorded store and steps through it end to end,
// emitting the same snapshots and change events the live session produced.
func (a *Agent) runReplay() error {
	engine, err := replay.Open(a.cfg.Replay.File, a.cfg.ExcludeSet())
	if err != nil {
		return fmt.Errorf("open replay: %w", err)
	}

	meta := engine.Metadata()
	first, last := engine.Range()
	logger.Info("Replaying session %s (%s %s at %s), %s of data",
		meta.ID, meta.Source.Kind, meta.Source.Version, meta.Source.Addr(),
		last.Sub(first).Round(time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consume(engine)
	}()

	current := engine.Current()
	for a.ctx.Err() == nil {
		next, err := engine.Step(replay.Forward)
		if err != nil {
			logger.Error("Replay stopped: %v", err)
			break
		}
		if next == current {
			logger.Info("Replay finished")
			break
		}
		current = next
	}

	if err := engine.Close(); err != nil {
		logger.Warning("Failed to close replay store: %v", err)
	}
	a.cancel()
	a.wg.Wait()
	return nil
}

// consume drains the snapshot stream. The notifier already logs every change
// event; this loop keeps a low-volume pulse in the debug log so a silent
// session is distinguishable from a stuck one.
func (a *Agent) consume(source model.SnapshotSource) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case published, ok := <-source.Snapshots():
			if !ok {
				return
			}
			snap := published.Snapshot
			logger.Debug("Snapshot %s: %d threads, %d change events, %d sections unavailable",
				snap.Timestamp.Format(time.RFC3339),
				len(snap.Threads), len(published.Events), len(snap.Unavailable))
		}
	}
}

// selfUsageLoop periodically logs the daemon's own footprint alongside host
// memory pressure, so a leaking agent shows up in its own log.
func (a *Agent) selfUsageLoop() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warning("Self-usage reporting unavailable: %v", err)
		return
	}

	ticker := time.NewTicker(selfUsageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			var rssMB float64
			if memInfo, err := proc.MemoryInfo(); err == nil {
				rssMB = float64(memInfo.RSS) / 1024 / 1024
			}
			cpuPct, _ := proc.CPUPercent()

			hostUsedPct := 0.0
			if vm, err := mem.VirtualMemory(); err == nil {
				hostUsedPct = vm.UsedPercent
			}

			logger.Info("Agent usage: rss=%.1fMB cpu=%.1f%% host_mem_used=%.1f%%",
				rssMB, cpuPct, hostUsedPct)
		}
	}
}

// handleSignals wires SIGINT/SIGTERM to a graceful stop.
func (a *Agent) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal: %v", sig)
		a.Stop()
	}()
}

// startProfiling serves the pprof endpoints on localhost.
func (a *Agent) startProfiling() {
	addr := fmt.Sprintf("localhost:%d", a.cfg.Profiling.Port)
	logger.Info("Profiling endpoints available at http://%s/debug/pprof/", addr)

	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 3 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warning("Profiling server error: %v", err)
	}
}
