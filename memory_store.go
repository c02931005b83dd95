package auditledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps entries, chain heads and snapshots in process memory.
// It implements Store, SnapshotCatalog and StoreDumper.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []LogEntry // ascending id; id == index+1
	heads     map[string]ChainState
	snapshots map[string]Snapshot
	custody   map[string][]CustodyRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		heads:     make(map[string]ChainState),
		snapshots: make(map[string]Snapshot),
		custody:   make(map[string][]CustodyRecord),
	}
}

// ChainHead returns the head of chainID, or false if the chain has no entries.
func (s *MemoryStore) ChainHead(_ context.Context, chainID string) (ChainState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.heads[chainID]
	return st, ok, nil
}

// Commit assigns the next id and advances the chain head if it still equals expected.
func (s *MemoryStore) Commit(ctx context.Context, e LogEntry, expected ChainState) (LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return LogEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.heads[e.ChainID]
	if !ok {
		cur = genesisState(e.ChainID)
	}
	if cur.LastID != expected.LastID || cur.LastHash != expected.LastHash {
		return LogEntry{}, ErrChainConflict
	}
	if e.HashPrev != cur.LastHash {
		return LogEntry{}, fmt.Errorf("commit: hash_prev does not match head: %w", ErrChainConflict)
	}

	e = e.Clone()
	e.ID = int64(len(s.entries)) + 1
	s.entries = append(s.entries, e)
	s.heads[e.ChainID] = ChainState{
		ChainID:       e.ChainID,
		LastID:        e.ID,
		LastHash:      e.HashSelf,
		LastTimestamp: e.Timestamp,
	}
	return e.Clone(), nil
}

// Iter streams the entries of chainID with fromID <= id <= toID in ascending order.
// A zero toID means no upper bound.
func (s *MemoryStore) Iter(ctx context.Context, chainID string, fromID, toID int64) (<-chan LogEntry, func() error, error) {
	s.mu.RLock()
	var batch []LogEntry
	for _, e := range s.entries {
		if e.ChainID != chainID || e.ID < fromID || (toID > 0 && e.ID > toID) {
			continue
		}
		batch = append(batch, e.Clone())
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan LogEntry, 64)
	go func() {
		defer close(out)
		for _, e := range batch {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() error { cancel(); return nil }, nil
}

// Get returns the entry with the given id.
func (s *MemoryStore) Get(_ context.Context, id int64) (LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 1 || id > int64(len(s.entries)) {
		return LogEntry{}, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	return s.entries[id-1].Clone(), nil
}

// Query returns matching entries newest-first.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LogEntry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !f.match(e) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of matching entries, ignoring Offset and Limit.
func (s *MemoryStore) Count(_ context.Context, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.entries {
		if f.match(e) {
			n++
		}
	}
	return n, nil
}

// Distinct returns the sorted distinct values of column.
func (s *MemoryStore) Distinct(_ context.Context, column string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, e := range s.entries {
		var v string
		switch column {
		case ColumnCategory:
			v = e.Category
		case ColumnActor:
			v = e.Actor
		case ColumnChain:
			v = e.ChainID
		default:
			return nil, invalid("column", "unsupported column "+column)
		}
		seen[v] = true
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// MarkResolved sets the resolved flag, the only field mutable after commit.
func (s *MemoryStore) MarkResolved(_ context.Context, id int64, resolved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.entries)) {
		return fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	s.entries[id-1].Resolved = resolved
	return nil
}

// Chains lists every chain head ordered by chain id.
func (s *MemoryStore) Chains(_ context.Context) ([]ChainState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChainState, 0, len(s.heads))
	for _, st := range s.heads {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// tamper overwrites a stored entry without touching hashes or the chain head.
// It exists so integrity checks can be exercised against a live store.
func (s *MemoryStore) tamper(id int64, mutate func(*LogEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.entries)) {
		return fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	mutate(&s.entries[id-1])
	return nil
}

// forge stores e under the next id without moving its chain head.
func (s *MemoryStore) forge(e LogEntry) LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.entries)) + 1
	s.entries = append(s.entries, e.Clone())
	return e
}

// PutSnapshot inserts or replaces a snapshot record, keeping its custody trail.
func (s *MemoryStore) PutSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ChainOfCustody = nil
	snap.Metadata = clonePayload(snap.Metadata)
	s.snapshots[snap.ID] = snap
	return nil
}

// GetSnapshot returns a snapshot with its full custody trail.
func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(id)
}

func (s *MemoryStore) snapshotLocked(id string) (Snapshot, error) {
	snap, ok := s.snapshots[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	snap.Metadata = clonePayload(snap.Metadata)
	snap.ChainOfCustody = append([]CustodyRecord(nil), s.custody[id]...)
	return snap, nil
}

// ListSnapshots returns matching snapshots newest-first.
func (s *MemoryStore) ListSnapshots(_ context.Context, f SnapshotFilter) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []Snapshot
	for id, snap := range s.snapshots {
		if !f.match(snap) {
			continue
		}
		full, err := s.snapshotLocked(id)
		if err != nil {
			return nil, err
		}
		all = append(all, full)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return f.page(all), nil
}

// AppendCustody adds one record to a snapshot's custody trail.
func (s *MemoryStore) AppendCustody(_ context.Context, snapshotID string, rec CustodyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snapshotID]; !ok {
		return fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	rec.Details = clonePayload(rec.Details)
	s.custody[snapshotID] = append(s.custody[snapshotID], rec)
	return nil
}

// DumpTables renders the named tables as generic rows.
func (s *MemoryStore) DumpTables(_ context.Context, tables []string) (map[string][]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]map[string]any, len(tables))
	for _, t := range tables {
		if !dumpableTables[t] {
			return nil, invalid("tables", "unknown table "+t)
		}
		rows := []map[string]any{}
		switch t {
		case TableEntries:
			for _, e := range s.entries {
				rows = append(rows, toRow(e))
			}
		case TableChains:
			for _, st := range s.heads {
				rows = append(rows, toRow(st))
			}
			sort.Slice(rows, func(i, j int) bool {
				return fmt.Sprint(rows[i]["chain_id"]) < fmt.Sprint(rows[j]["chain_id"])
			})
		case TableSnapshot:
			for _, snap := range s.snapshots {
				rows = append(rows, toRow(snap))
			}
			sort.Slice(rows, func(i, j int) bool {
				return fmt.Sprint(rows[i]["id"]) < fmt.Sprint(rows[j]["id"])
			})
		case TableCustody:
			ids := make([]string, 0, len(s.custody))
			for id := range s.custody {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				for _, rec := range s.custody[id] {
					row := toRow(rec)
					row["snapshot_id"] = id
					rows = append(rows, row)
				}
			}
		}
		out[t] = rows
	}
	return out, nil
}

func toRow(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	row, err := decodePayload(raw)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return row
}
