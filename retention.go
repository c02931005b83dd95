package auditledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetentionManager deletes snapshot archives past their retention period.
// Deletion goes through the archiver, so each removal leaves a custody record
// written before the file disappears.
type RetentionManager struct {
	archiver *Archiver
	actor    string
	clock    func() time.Time
	metrics  *Metrics
}

// RetentionActor is the custody actor recorded for sweeps.
const RetentionActor = "system:retention"

// NewRetentionManager returns a manager deleting through archiver.
func NewRetentionManager(archiver *Archiver, m *Metrics) *RetentionManager {
	return &RetentionManager{archiver: archiver, actor: RetentionActor, clock: archiver.cfg.Clock, metrics: m}
}

// Sweep deletes completed snapshots created more than retentionDays ago and
// returns how many were deleted. Snapshots in any other state are left alone.
func (r *RetentionManager) Sweep(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, invalid("retention_days", "must be positive")
	}
	cutoff := r.clock().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	old, err := r.archiver.List(ctx, SnapshotFilter{Status: SnapshotCompleted, Until: cutoff})
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w: %w", ErrStoreUnavailable, err)
	}
	deleted := 0
	var errs []error
	for _, snap := range old {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !snap.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := r.archiver.Delete(ctx, r.actor, snap.ID); err != nil {
			log.Errorw("retention delete failed", "snapshot", snap.ID, "err", err)
			errs = append(errs, fmt.Errorf("snapshot %s: %w", snap.ID, err))
			continue
		}
		deleted++
		r.metrics.retentionDelete()
	}
	log.Infow("retention sweep", "retention_days", retentionDays, "cutoff", cutoff, "deleted", deleted)
	return deleted, errors.Join(errs...)
}
