package probe

import (
	"context"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/queries"
)

// InnoDBProbe sweeps the INNODB_METRICS counter view.
type InnoDBProbe struct{}

func (p *InnoDBProbe) Name() string { return "innodb" }

func (p *InnoDBProbe) Enabled(cfg *config.Config) bool {
	return cfg.Sampling.Probes.InnoDB
}

func (p *InnoDBProbe) Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error {
	rows, err := db.Execute(ctx, queries.InnoDBMetrics)
	if err != nil {
		return err
	}

	metrics := make(map[string]int64, len(rows))
	for _, row := range rows {
		metrics[row["NAME"]] = parseInt64(row["COUNT"])
	}

	snap.InnoDBMetrics = metrics
	return nil
}
