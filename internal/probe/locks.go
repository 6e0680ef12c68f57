package probe

import (
	"context"

	"github.com/dbpulse/dbpulse-agent/internal/config"
	"github.com/dbpulse/dbpulse-agent/internal/conn"
	"github.com/dbpulse/dbpulse-agent/internal/model"
	"github.com/dbpulse/dbpulse-agent/internal/queries"
)

// MetadataLocksProbe lists metadata locks held or waited on by user threads.
// Requires the mdl instrument; a permission or instrumentation error makes
// only this section unavailable.
type MetadataLocksProbe struct{}

func (p *MetadataLocksProbe) Name() string { return "metadata_locks" }

func (p *MetadataLocksProbe) Enabled(cfg *config.Config) bool {
	return cfg.Sampling.Probes.MetadataLocks
}

func (p *MetadataLocksProbe) Sample(ctx context.Context, db conn.Executor, snap *model.Snapshot) error {
	rows, err := db.Execute(ctx, queries.MetadataLocks)
	if err != nil {
		return err
	}

	locks := make([]model.MetadataLock, 0, len(rows))
	for _, row := range rows {
		locks = append(locks, model.MetadataLock{
			ObjectSchema:  row["object_schema"],
			ObjectName:    row["object_name"],
			LockType:      row["lock_type"],
			LockStatus:    row["lock_status"],
			OwnerThreadID: parseInt64(row["owner_thread_id"]),
		})
	}

	snap.MetadataLocks = locks
	return nil
}
