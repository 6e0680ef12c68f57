package probe

import (
	"context"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/queries"
)

// VariablesProbe sweeps the global variables and derives the read-only
// state from them, so the transition tracking costs no extra round-trip.
type VariablesProbe struct{}

func (p *VariablesProbe) Name() string { return "variables" }

func (p *VariablesProbe) Enabled(cfg *config.Config) bool { return true }

func (p *VariablesProbe) Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error {
	rows, err := db.Execute(ctx, queries.GlobalVariables)
	if err != nil {
		return err
	}

	vars := make(map[string]string, len(rows))
	for _, row := range rows {
		vars[row["Variable_name"]] = row["Value"]
	}

	snap.GlobalVariables = vars

	if snap.Source.Kind != model.ServerProxySQL {
		if v, ok := vars["read_only"]; ok {
			readOnly := v == "ON" || v == "1"
			snap.ReadOnly = &readOnly
		}
	}

	return nil
}
