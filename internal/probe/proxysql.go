package probe

import (
	"context"
	"strconv"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/queries"
)

// ProxySQLProbe gathers hostgroup connection-pool summaries and query rule
// hit counters from the ProxySQL admin interface.
type ProxySQLProbe struct{}

func (p *ProxySQLProbe) Name() string { return "proxysql" }

func (p *ProxySQLProbe) Enabled(cfg *config.Config) bool {
	return cfg.Server.Kind == "proxysql"
}

func (p *ProxySQLProbe) Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error {
	hostgroupRows, err := db.Execute(ctx, queries.ProxySQLHostgroupSummary)
	if err != nil {
		return err
	}

	status := &model.ProxySQLStatus{
		Hostgroups: make([]model.HostgroupSummary, 0, len(hostgroupRows)),
	}

	for _, row := range hostgroupRows {
		hostgroup, _ := strconv.Atoi(row["hostgroup"])
		port, _ := strconv.Atoi(row["srv_port"])
		status.Hostgroups = append(status.Hostgroups, model.HostgroupSummary{
			Hostgroup:       hostgroup,
			Host:            row["srv_host"],
			Port:            port,
			Status:          row["status"],
			ConnectionsUsed: parseInt64(row["connections_used"]),
			ConnectionsFree: parseInt64(row["connections_free"]),
			Queries:         parseInt64(row["queries"]),
			BytesSent:       parseInt64(row["bytes_sent"]),
			BytesRecv:       parseInt64(row["bytes_recv"]),
		})
	}

	ruleRows, err := db.Execute(ctx, queries.ProxySQLQueryRules)
	if err != nil {
		// Hostgroup data is already in hand; rules degrade alone.
		snap.ProxySQL = status
		return nil
	}

	status.QueryRules = make([]model.QueryRuleHit, 0, len(ruleRows))
	for _, row := range ruleRows {
		status.QueryRules = append(status.QueryRules, model.QueryRuleHit{
			RuleID: parseInt64(row["rule_id"]),
			Hits:   parseInt64(row["hits"]),
		})
	}

	snap.ProxySQL = status
	return nil
}
