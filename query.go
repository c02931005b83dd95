package auditledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// DefaultPageSize is the List page size when a filter names none.
const DefaultPageSize = 50

// MaxPageSize caps List pages.
const MaxPageSize = 1000

// Page is one page of List results.
type Page struct {
	Entries []LogEntry `json:"entries"`
	Total   int64      `json:"total"`
	Offset  int        `json:"offset"`
	Limit   int        `json:"limit"`
}

// List returns one page of matching entries, newest-first.
func (l *Ledger) List(ctx context.Context, f Filter) (Page, error) {
	if f.Offset < 0 {
		return Page{}, invalid("offset", "must not be negative")
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Severity != "" {
		sev, err := ParseSeverity(string(f.Severity))
		if err != nil {
			return Page{}, err
		}
		f.Severity = sev
	}
	entries, err := l.store.Query(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("list: %w: %w", ErrStoreUnavailable, err)
	}
	total, err := l.store.Count(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("count: %w: %w", ErrStoreUnavailable, err)
	}
	return Page{Entries: entries, Total: total, Offset: f.Offset, Limit: f.Limit}, nil
}

// Get returns one entry by id.
func (l *Ledger) Get(ctx context.Context, id int64) (LogEntry, error) {
	return l.store.Get(ctx, id)
}

// Resolve marks an entry resolved. Resolved is outside the hashed fields,
// so resolving never affects verification.
func (l *Ledger) Resolve(ctx context.Context, id int64) (LogEntry, error) {
	if err := l.store.MarkResolved(ctx, id, true); err != nil {
		return LogEntry{}, err
	}
	log.Infow("entry resolved", "id", id)
	return l.store.Get(ctx, id)
}

// Categories returns the distinct categories in use.
func (l *Ledger) Categories(ctx context.Context) ([]string, error) {
	return l.store.Distinct(ctx, ColumnCategory)
}

// Actors returns the distinct actors in use.
func (l *Ledger) Actors(ctx context.Context) ([]string, error) {
	return l.store.Distinct(ctx, ColumnActor)
}

// ActorCount is one row of the top-actors table.
type ActorCount struct {
	Actor string `json:"actor"`
	Count int64  `json:"count"`
}

// Stats summarizes the ledger since a point in time.
type Stats struct {
	Since      time.Time          `json:"since"`
	Total      int64              `json:"total"`
	Unresolved int64              `json:"unresolved"`
	BySeverity map[Severity]int64 `json:"by_severity"`
	ByCategory map[string]int64   `json:"by_category"`
	TopActors  []ActorCount       `json:"top_actors"`
	LastDay    int64              `json:"last_day"`
}

const topActors = 10

// Stats counts entries since since (zero means all time) by severity,
// category and actor.
func (l *Ledger) Stats(ctx context.Context, since time.Time) (Stats, error) {
	st := Stats{
		Since:      since,
		BySeverity: make(map[Severity]int64),
		ByCategory: make(map[string]int64),
	}
	count := func(f Filter) (int64, error) {
		f.Since = since
		n, err := l.store.Count(ctx, f)
		if err != nil {
			return 0, fmt.Errorf("stats: %w: %w", ErrStoreUnavailable, err)
		}
		return n, nil
	}
	var err error
	if st.Total, err = count(Filter{}); err != nil {
		return st, err
	}
	unresolved := false
	if st.Unresolved, err = count(Filter{Resolved: &unresolved}); err != nil {
		return st, err
	}
	for _, sev := range []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical} {
		if st.BySeverity[sev], err = count(Filter{Severity: sev}); err != nil {
			return st, err
		}
	}
	cats, err := l.Categories(ctx)
	if err != nil {
		return st, err
	}
	for _, c := range cats {
		n, err := count(Filter{Category: c})
		if err != nil {
			return st, err
		}
		if n > 0 {
			st.ByCategory[c] = n
		}
	}
	actors, err := l.Actors(ctx)
	if err != nil {
		return st, err
	}
	for _, a := range actors {
		n, err := count(Filter{Actor: a})
		if err != nil {
			return st, err
		}
		if n > 0 {
			st.TopActors = append(st.TopActors, ActorCount{Actor: a, Count: n})
		}
	}
	sort.SliceStable(st.TopActors, func(i, j int) bool { return st.TopActors[i].Count > st.TopActors[j].Count })
	if len(st.TopActors) > topActors {
		st.TopActors = st.TopActors[:topActors]
	}
	if st.LastDay, err = l.store.Count(ctx, Filter{Since: l.cfg.Clock().Add(-24 * time.Hour)}); err != nil {
		return st, fmt.Errorf("stats: %w: %w", ErrStoreUnavailable, err)
	}
	return st, nil
}

var csvHeader = []string{
	"id", "chain_id", "timestamp", "category", "actor", "action", "target",
	"severity", "resolved", "payload", "hash_prev", "hash_self", "signature",
}

// ExportCSV writes entries as flat CSV rows including every integrity field.
func ExportCSV(w io.Writer, entries []LogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		payload, err := CanonicalPayload(e.Payload)
		if err != nil {
			return fmt.Errorf("entry %d: %w", e.ID, err)
		}
		if err := cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.ChainID,
			e.Timestamp.UTC().Format(TimestampFormat),
			e.Category,
			e.Actor,
			e.Action,
			e.Target,
			string(e.Severity),
			strconv.FormatBool(e.Resolved),
			string(payload),
			e.HashPrev,
			e.HashSelf,
			e.Signature,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
