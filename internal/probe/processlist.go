package probe

import (
	"context"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/queries"
)

// ProcesslistProbe gathers thread records. The source view is re-read from
// configuration every cycle, so switching between performance_schema and
// information_schema takes effect on the next cycle without a restart.
type ProcesslistProbe struct {
	cfg *config.Config
}

func (p *ProcesslistProbe) Name() string { return "processlist" }

func (p *ProcesslistProbe) Enabled(cfg *config.Config) bool {
	return cfg.Sampling.Probes.Processlist
}

func (p *ProcesslistProbe) Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error {
	query := queries.ProcesslistPerfSchema
	if p.cfg.Sampling.ProcesslistSource == "information_schema" {
		query = queries.ProcesslistInfoSchema
	}

	rows, err := db.Execute(ctx, query)
	if err != nil {
		return err
	}

	threads := make([]model.Thread, 0, len(rows))
	for _, row := range rows {
		threads = append(threads, model.Thread{
			ID:            parseInt64(row["id"]),
			User:          row["user"],
			Host:          row["host"],
			Db:            row["db"],
			Command:       row["command"],
			Time:          parseInt64(row["time"]),
			State:         row["state"],
			Query:         row["query"],
			IsTransaction: row["in_trx"] == "1",
			RowsExamined:  parseInt64(row["rows_examined"]),
			RowsSent:      parseInt64(row["rows_sent"]),
		})
	}

	snap.Threads = threads
	return nil
}
