// Package probe contains the metric-gathering units. Each probe fills one
// section of the snapshot and fails alone: a probe error degrades its
// section, never the cycle or its siblings.
package probe

import (
	"context"
	"strconv"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/model"
)

// Probe is one independently enabled, independently fallible data source.
type Probe interface {
	// Name identifies the probe in logs and in Snapshot.Unavailable.
	Name() string

	// Enabled reports whether the probe should run. Evaluated at the top of
	// every cycle, so configuration toggles take effect on the next cycle,
	// never mid-cycle.
	Enabled(cfg *config.Config) bool

	// Sample fills the probe's section of the snapshot. Returning an error
	// marks the section unavailable.
	Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error
}

// Build assembles the fixed, closed probe set for a session. The set is
// selected once from configuration and server identity; there is no dynamic
// discovery.
func Build(cfg *config.Config, identity model.SourceIdentity) []Probe {
	if identity.Kind == model.ServerProxySQL {
		return []Probe{
			&StatusProbe{},
			&VariablesProbe{},
			&ProxySQLProbe{},
		}
	}

	return []Probe{
		&StatusProbe{},
		&VariablesProbe{},
		&InnoDBProbe{},
		&ProcesslistProbe{cfg: cfg},
		NewReplicationProbe(cfg, identity),
		&MetadataLocksProbe{},
	}
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
