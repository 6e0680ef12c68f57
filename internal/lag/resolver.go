// Package lag picks the best replication lag signal among several imperfect
// ones. Heartbeat tables beat performance_schema timestamps beat the plain
// replica status counter; the first probe with a defined value wins.
package lag

import (
	"context"

	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/logger"
	"github.com/dbpulse/dbpulse-agent/internal/model"
)

// Probe is the common shape of all lag sources.
type Probe interface {
	// Source identifies the signal for provenance display.
	Source() model.LagSource

	// Sample returns the current lag reading. Known=false means this source
	// has nothing usable this cycle; that is not an error.
	Sample(ctx context.Context, db conn.Executor) (model.LagSample, error)
}

// Resolve walks probes in the given precedence order and returns the first
// defined sample, stamped with its source. Precedence is evaluated fresh on
// every call: a source that goes dark never sticks. When no probe has a
// defined value the returned sample has Known=false.
func Resolve(ctx context.Context, db conn.Executor, probes []Probe) model.LagSample {
	for _, p := range probes {
		sample, err := p.Sample(ctx, db)
		if err != nil {
			logger.Debug("Lag source %s unavailable: %v", p.Source(), err)
			continue
		}
		if !sample.Known {
			continue
		}
		sample.Source = p.Source()
		return sample
	}

	return model.LagSample{Known: false}
}
