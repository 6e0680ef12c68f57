package probe

import (
	"context"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/queries"
)

// StatusProbe sweeps the global status counters. For ProxySQL the admin
// interface exposes the equivalent through stats_mysql_global.
type StatusProbe struct{}

func (p *StatusProbe) Name() string { return "status" }

func (p *StatusProbe) Enabled(cfg *config.Config) bool { return true }

func (p *StatusProbe) Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error {
	query := queries.GlobalStatus
	nameCol, valueCol := "Variable_name", "Value"
	if snap.Source.Kind == model.ServerProxySQL {
		query = queries.ProxySQLGlobalStatus
		nameCol, valueCol = "Variable_Name", "Variable_Value"
	}

	rows, err := db.Execute(ctx, query)
	if err != nil {
		return err
	}

	status := make(map[string]string, len(rows))
	for _, row := range rows {
		status[row[nameCol]] = row[valueCol]
	}

	snap.GlobalStatus = status
	return nil
}
