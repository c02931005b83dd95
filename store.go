package auditledger

import (
	"context"
	"time"
)

// Store abstracts persistence of entries and chain heads.
//
// Commit must insert the entry and advance the chain head in one atomic step,
// and only if the persisted head still equals expected. When it does not,
// Commit returns ErrChainConflict and persists nothing.
type Store interface {
	ChainHead(ctx context.Context, chainID string) (ChainState, bool, error)
	Commit(ctx context.Context, e LogEntry, expected ChainState) (LogEntry, error)
	Iter(ctx context.Context, chainID string, fromID, toID int64) (<-chan LogEntry, func() error, error)
	Get(ctx context.Context, id int64) (LogEntry, error)
	Query(ctx context.Context, f Filter) ([]LogEntry, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Distinct(ctx context.Context, column string) ([]string, error)
	MarkResolved(ctx context.Context, id int64, resolved bool) error
	Chains(ctx context.Context) ([]ChainState, error)
	Close() error
}

// SnapshotCatalog persists snapshot records and their custody trail.
// Custody records are append-only; PutSnapshot never rewrites them.
type SnapshotCatalog interface {
	PutSnapshot(ctx context.Context, s Snapshot) error
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	ListSnapshots(ctx context.Context, f SnapshotFilter) ([]Snapshot, error)
	AppendCustody(ctx context.Context, snapshotID string, rec CustodyRecord) error
}

// StoreDumper exports raw table contents for forensic bundles.
type StoreDumper interface {
	DumpTables(ctx context.Context, tables []string) (map[string][]map[string]any, error)
}

// Dumpable table names.
const (
	TableEntries  = "audit_logs"
	TableChains   = "chain_state"
	TableSnapshot = "snapshots"
	TableCustody  = "snapshot_custody"
)

var dumpableTables = map[string]bool{
	TableEntries:  true,
	TableChains:   true,
	TableSnapshot: true,
	TableCustody:  true,
}

// Distinct columns.
const (
	ColumnCategory = "category"
	ColumnActor    = "actor"
	ColumnChain    = "chain_id"
)

// Filter selects entries. Zero fields do not filter. Results are newest-first.
type Filter struct {
	ChainID     string
	Category    string
	Actor       string
	Action      string
	Severity    Severity // exact match
	MinSeverity Severity // rank at or above
	Since       time.Time
	Until       time.Time
	Resolved    *bool
	Search      string // case-insensitive substring of actor, action or target
	BeforeID    int64  // id < BeforeID, for cursor paging
	Offset      int
	Limit       int
}

func (f Filter) severities() []Severity {
	if f.MinSeverity == "" {
		return nil
	}
	var out []Severity
	for _, s := range []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical} {
		if s.AtLeast(f.MinSeverity) {
			out = append(out, s)
		}
	}
	return out
}

func (f Filter) match(e LogEntry) bool {
	switch {
	case f.ChainID != "" && e.ChainID != f.ChainID:
		return false
	case f.Category != "" && e.Category != f.Category:
		return false
	case f.Actor != "" && e.Actor != f.Actor:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Severity != "" && e.Severity != f.Severity:
		return false
	case f.MinSeverity != "" && !e.Severity.AtLeast(f.MinSeverity):
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && e.Timestamp.After(f.Until):
		return false
	case f.Resolved != nil && e.Resolved != *f.Resolved:
		return false
	case f.BeforeID > 0 && e.ID >= f.BeforeID:
		return false
	}
	if f.Search != "" {
		return containsFold(e.Actor, f.Search) ||
			containsFold(e.Action, f.Search) ||
			containsFold(e.Target, f.Search)
	}
	return true
}
