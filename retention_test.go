package auditledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRetention_Sweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var failState bool
	fx := newArchiverFixture(t, func(c *ArchiverConfig) {
		c.Clock = func() time.Time { return now }
		c.System = collectorFunc(func(ctx context.Context) (map[string]any, error) {
			if failState {
				return nil, errors.New("collector down")
			}
			return map[string]any{"ok": true}, nil
		})
	})
	ctx := context.Background()

	now = now.Add(-40 * 24 * time.Hour)
	old1, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	old2, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{Type: SnapshotPeriodic})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	failState = true
	_, err = fx.archiver.Create(ctx, "analyst", SnapshotRequest{})
	var sf *SnapshotFailure
	if !errors.As(err, &sf) {
		t.Fatalf("expected snapshot failure, got %v", err)
	}
	failState = false

	now = now.Add(40 * 24 * time.Hour)
	fresh, err := fx.archiver.Create(ctx, "analyst", SnapshotRequest{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	rm := NewRetentionManager(fx.archiver, m)
	n, err := rm.Sweep(ctx, 30)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	if got := testutil.ToFloat64(m.retentionDeleted); got != 2 {
		t.Fatalf("retention metric = %v, want 2", got)
	}

	for _, old := range []Snapshot{old1, old2} {
		id := old.ID
		snap, err := fx.archiver.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if snap.Status != SnapshotDeleted {
			t.Fatalf("old snapshot %s is %s", id, snap.Status)
		}
		last := snap.ChainOfCustody[len(snap.ChainOfCustody)-1]
		if last.Action != CustodyDeleted || last.Actor != RetentionActor {
			t.Fatalf("unexpected last custody record %+v", last)
		}
		if _, err := os.Stat(old.ArchivePath); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("archive of %s still on disk", id)
		}
	}

	failed, err := fx.archiver.Get(ctx, sf.SnapshotID)
	if err != nil || failed.Status != SnapshotFailed {
		t.Fatalf("failed snapshot must be left alone, got %s %v", failed.Status, err)
	}
	kept, err := fx.archiver.Get(ctx, fresh.ID)
	if err != nil || kept.Status != SnapshotCompleted {
		t.Fatalf("fresh snapshot must be kept, got %s %v", kept.Status, err)
	}
	if _, err := os.Stat(fresh.ArchivePath); err != nil {
		t.Fatalf("fresh archive missing: %v", err)
	}

	// A second sweep has nothing left to do.
	if n, err := rm.Sweep(ctx, 30); err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v", n, err)
	}
}

func TestRetention_Validation(t *testing.T) {
	fx := newArchiverFixture(t, nil)
	if _, err := NewRetentionManager(fx.archiver, nil).Sweep(context.Background(), 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

type collectorFunc func(ctx context.Context) (map[string]any, error)

func (f collectorFunc) Collect(ctx context.Context) (map[string]any, error) { return f(ctx) }
