package lag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/queries"
)

// HeartbeatProbe reads a pt-heartbeat style table. Highest precedence: the
// heartbeat row is written by the source, so its age measures end-to-end
// apply delay independent of the SQL thread's own opinion.
type HeartbeatProbe struct {
	// Table is the configured schema.table identifier.
	Table string
}

func (p *HeartbeatProbe) Source() model.LagSource { return model.LagSourceHeartbeat }

func (p *HeartbeatProbe) Sample(ctx context.Context, db conn.Executor) (model.LagSample, error) {
	row, err := db.ExecuteRow(ctx, fmt.Sprintf(queries.HeartbeatLag, p.Table))
	if err != nil {
		return model.LagSample{}, err
	}

	raw, ok := row["lag"]
	if !ok || raw == "" {
		return model.LagSample{Known: false}, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return model.LagSample{}, fmt.Errorf("unparseable heartbeat lag %q: %w", raw, err)
	}

	return model.LagSample{Seconds: seconds, Known: true}, nil
}

// PerfSchemaProbe derives lag from applier worker commit timestamps. Only
// populated for multi-threaded replication on versions that expose the
// timestamp columns; elsewhere the query returns NULL and the sample is
// unknown, which demotes this source in the precedence walk.
type PerfSchemaProbe struct{}

func (p *PerfSchemaProbe) Source() model.LagSource { return model.LagSourcePerfSchema }

func (p *PerfSchemaProbe) Sample(ctx context.Context, db conn.Executor) (model.LagSample, error) {
	row, err := db.ExecuteRow(ctx, queries.PerfSchemaLag)
	if err != nil {
		return model.LagSample{}, err
	}

	raw, ok := row["lag"]
	if !ok || raw == "" {
		return model.LagSample{Known: false}, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return model.LagSample{}, fmt.Errorf("unparseable applier lag %q: %w", raw, err)
	}

	return model.LagSample{Seconds: seconds, Known: true}, nil
}

// ReplicaStatusProbe falls back to the Seconds_Behind counter of
// SHOW REPLICA STATUS / SHOW SLAVE STATUS. Lowest precedence: the counter is
// NULL whenever the SQL thread is stopped and lies during large events, but
// it exists everywhere.
type ReplicaStatusProbe struct {
	// UseReplicaStatus selects the modern statement (MySQL 8.0.22+,
	// non-MariaDB).
	UseReplicaStatus bool
}

func (p *ReplicaStatusProbe) Source() model.LagSource { return model.LagSourceReplicaStatus }

func (p *ReplicaStatusProbe) Sample(ctx context.Context, db conn.Executor) (model.LagSample, error) {
	query := queries.ShowSlaveStatus
	lagKey := "Seconds_Behind_Master"
	if p.UseReplicaStatus {
		query = queries.ShowReplicaStatus
		lagKey = "Seconds_Behind_Source"
	}

	row, err := db.ExecuteRow(ctx, query)
	if err != nil {
		return model.LagSample{}, err
	}
	if len(row) == 0 {
		// Not a replica.
		return model.LagSample{Known: false}, nil
	}

	sample := model.LagSample{
		IOState:  replicaThreadState(row, "Replica_IO_Running", "Slave_IO_Running"),
		SQLState: replicaThreadState(row, "Replica_SQL_Running", "Slave_SQL_Running"),
	}

	raw, ok := row[lagKey]
	if !ok || raw == "" || raw == "NULL" {
		return sample, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return sample, nil
	}

	sample.Seconds = seconds
	sample.Known = true
	return sample, nil
}

func replicaThreadState(row map[string]string, keys ...string) string {
	for _, key := range keys {
		if v, ok := row[key]; ok {
			return v
		}
	}
	return ""
}
