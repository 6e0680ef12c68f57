package probe

import (
	"context"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/lag"
	"github.com/dbpulse/dbpulse-agent/internal/logger"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/queries"
)

// ReplicationProbe gathers the replication view: role, thread states, binlog
// coordinates, and the lag value resolved across the configured lag sources.
type ReplicationProbe struct {
	cfg      *config.Config
	identity model.SourceIdentity

	useReplicaStatus bool
	useBinaryLogStmt bool

	// previousPosition carries the binlog write position across cycles so
	// per-cycle throughput can be derived.
	previousPosition int64
	havePrevious     bool
}

// NewReplicationProbe builds the probe with version-dependent statement
// selection fixed at session start.
func NewReplicationProbe(cfg *config.Config, identity model.SourceIdentity) *ReplicationProbe {
	isMariaDB := identity.Kind == model.ServerMariaDB
	return &ReplicationProbe{
		cfg:              cfg,
		identity:         identity,
		useReplicaStatus: !isMariaDB && identity.VersionAtLeast("8.0.22"),
		useBinaryLogStmt: !isMariaDB && identity.VersionAtLeast("8.2.0"),
	}
}

func (p *ReplicationProbe) Name() string { return "replication" }

func (p *ReplicationProbe) Enabled(cfg *config.Config) bool {
	return cfg.Sampling.Probes.Replication
}

// lagProbes assembles the precedence-ordered lag sources for this cycle.
// The heartbeat probe only participates when a table is configured; the
// performance_schema probe only on servers that can populate it.
func (p *ReplicationProbe) lagProbes() []lag.Probe {
	var probes []lag.Probe
	if p.cfg.Sampling.HeartbeatTable != "" {
		probes = append(probes, &lag.HeartbeatProbe{Table: p.cfg.Sampling.HeartbeatTable})
	}
	if p.identity.Kind != model.ServerMariaDB && p.identity.VersionAtLeast("8.0.0") {
		probes = append(probes, &lag.PerfSchemaProbe{})
	}
	probes = append(probes, &lag.ReplicaStatusProbe{UseReplicaStatus: p.useReplicaStatus})
	return probes
}

func (p *ReplicationProbe) Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error {
	statusQuery := queries.ShowSlaveStatus
	if p.useReplicaStatus {
		statusQuery = queries.ShowReplicaStatus
	}

	row, err := db.ExecuteRow(ctx, statusQuery)
	if err != nil {
		return err
	}

	if len(row) == 0 {
		snap.Replication = &model.ReplicationStatus{Role: "source"}
	} else {
		sample := lag.Resolve(ctx, db, p.lagProbes())

		status := &model.ReplicationStatus{
			Role:       "replica",
			LagSeconds: sample.Seconds,
			LagKnown:   sample.Known,
			LagSource:  sample.Source,
		}
		p.fillCoordinates(status, row)
		snap.Replication = status
	}

	binlog, err := p.sampleBinlog(ctx, db)
	if err != nil {
		// Binlog coordinates degrade alone; the replication section above
		// is already populated.
		logger.Warning("Binary log status unavailable: %v", err)
		snap.MarkUnavailable("binlog", err.Error())
		return nil
	}
	snap.Binlog = binlog

	return nil
}

func (p *ReplicationProbe) fillCoordinates(status *model.ReplicationStatus, row map[string]string) {
	if p.useReplicaStatus {
		status.IOThreadState = row["Replica_IO_Running"]
		status.SQLThreadState = row["Replica_SQL_Running"]
		status.SourceLogFile = row["Source_Log_File"]
		status.ReadSourceLogPos = parseInt64(row["Read_Source_Log_Pos"])
		status.RelayLogFile = row["Relay_Log_File"]
		status.ExecSourceLogPos = parseInt64(row["Exec_Source_Log_Pos"])
		status.SQLDelay = parseInt64(row["SQL_Delay"])
		return
	}

	status.IOThreadState = row["Slave_IO_Running"]
	status.SQLThreadState = row["Slave_SQL_Running"]
	status.SourceLogFile = row["Master_Log_File"]
	status.ReadSourceLogPos = parseInt64(row["Read_Master_Log_Pos"])
	status.RelayLogFile = row["Relay_Log_File"]
	status.ExecSourceLogPos = parseInt64(row["Exec_Master_Log_Pos"])
	status.SQLDelay = parseInt64(row["SQL_Delay"])
}

func (p *ReplicationProbe) sampleBinlog(ctx context.Context, db conn.Executor) (*model.BinlogStatus, error) {
	query := queries.ShowMasterStatus
	if p.useBinaryLogStmt {
		query = queries.ShowBinaryLogStatus
	}

	row, err := db.ExecuteRow(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(row) == 0 {
		// Binary logging disabled.
		return nil, nil
	}

	position := parseInt64(row["Position"])
	binlog := &model.BinlogStatus{
		File:     row["File"],
		Position: position,
	}

	switch {
	case !p.havePrevious:
		binlog.DiffPosition = 0
	case position < p.previousPosition:
		binlog.Rotated = true
		binlog.DiffPosition = 0
	default:
		binlog.DiffPosition = position - p.previousPosition
	}

	p.previousPosition = position
	p.havePrevious = true

	return binlog, nil
}
