package auditledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Import PostgreSQL driver for database/sql
	_ "modernc.org/sqlite"             // Import SQLite driver for database/sql
)

// dialect captures what differs between the SQL engines we target.
type dialect struct {
	name     string
	driver   string
	serial   string // primary key column definition for generated ids
	pragmas  []string
	txOpts   *sql.TxOptions
	numbered bool   // $1, $2 placeholders instead of ?
	noLimit  string // LIMIT operand meaning "all rows"
	maxConns int    // 0 leaves the pool unbounded
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	serial: "INTEGER PRIMARY KEY AUTOINCREMENT",
	pragmas: []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	},
	txOpts:   &sql.TxOptions{Isolation: sql.LevelSerializable},
	noLimit:  "-1",
	maxConns: 1, // PRAGMAs are per connection
}

var postgresDialect = dialect{
	name:     "postgres",
	driver:   "pgx",
	serial:   "BIGSERIAL PRIMARY KEY",
	txOpts:   &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	numbered: true,
	noLimit:  "ALL",
}

// rebind rewrites ? placeholders for engines that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS audit_logs (
  id        ` + d.serial + `,
  chain_id  TEXT    NOT NULL,
  category  TEXT    NOT NULL,
  actor     TEXT    NOT NULL,
  action    TEXT    NOT NULL,
  target    TEXT    NOT NULL DEFAULT '',
  payload   TEXT    NOT NULL,
  severity  TEXT    NOT NULL,
  ts        BIGINT  NOT NULL,      -- unix nanos, UTC
  hash_prev TEXT    NOT NULL,
  hash_self TEXT    NOT NULL,
  signature TEXT    NOT NULL DEFAULT '',
  resolved  INTEGER NOT NULL DEFAULT 0
)`,
		// A chain can never fork: each hash_prev is consumed once.
		`CREATE UNIQUE INDEX IF NOT EXISTS audit_logs_link_uq ON audit_logs(chain_id, hash_prev)`,
		`CREATE INDEX IF NOT EXISTS audit_logs_chain_idx ON audit_logs(chain_id, id)`,
		`CREATE INDEX IF NOT EXISTS audit_logs_actor_idx ON audit_logs(actor, id)`,
		`CREATE INDEX IF NOT EXISTS audit_logs_ts_idx ON audit_logs(ts)`,
		`CREATE TABLE IF NOT EXISTS chain_state (
  chain_id  TEXT   PRIMARY KEY,
  last_id   BIGINT NOT NULL,
  last_hash TEXT   NOT NULL,
  last_ts   BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
  id           TEXT   PRIMARY KEY,
  type         TEXT   NOT NULL,
  description  TEXT   NOT NULL DEFAULT '',
  created_by   TEXT   NOT NULL,
  created_at   BIGINT NOT NULL,
  status       TEXT   NOT NULL,
  components   TEXT   NOT NULL,
  checksum     TEXT   NOT NULL DEFAULT '',
  signature    TEXT   NOT NULL DEFAULT '',
  signed_at    BIGINT NOT NULL DEFAULT 0,
  size_bytes   BIGINT NOT NULL DEFAULT 0,
  archive_path TEXT   NOT NULL DEFAULT '',
  metadata     TEXT   NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS snapshots_created_idx ON snapshots(created_at)`,
		`CREATE TABLE IF NOT EXISTS snapshot_custody (
  seq         ` + d.serial + `,
  snapshot_id TEXT   NOT NULL,
  ts          BIGINT NOT NULL,
  actor       TEXT   NOT NULL,
  action      TEXT   NOT NULL,
  details     TEXT   NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS snapshot_custody_idx ON snapshot_custody(snapshot_id, seq)`,
	}
}

type sqlStore struct {
	db *sql.DB
	d  dialect
}

// SQLStore is the Store, SnapshotCatalog and StoreDumper backed by database/sql.
type SQLStore interface {
	Store
	SnapshotCatalog
	StoreDumper
}

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (SQLStore, error) {
	return openSQLStore(sqliteDialect, dsn)
}

// OpenPostgresStore connects to PostgreSQL through pgx and ensures the schema.
func OpenPostgresStore(dsn string) (SQLStore, error) {
	return openSQLStore(postgresDialect, dsn)
}

// OpenStore opens the SQL store named by driver ("sqlite" or "postgres").
func OpenStore(driver, dsn string) (SQLStore, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return OpenSQLiteStore(dsn)
	case "postgres", "postgresql", "pgx":
		return OpenPostgresStore(dsn)
	}
	return nil, invalid("driver", "unsupported store driver "+driver)
}

func openSQLStore(d dialect, dsn string) (SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w: %v", d.name, ErrStoreUnavailable, err)
	}
	for _, p := range d.pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s schema: %w", d.name, err)
		}
	}
	return &sqlStore{db: db, d: d}, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

const entryColumns = `id, chain_id, category, actor, action, target, payload, severity, ts, hash_prev, hash_self, signature, resolved`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (LogEntry, error) {
	var (
		e        LogEntry
		payload  string
		severity string
		ts       int64
		resolved int64
	)
	if err := r.Scan(&e.ID, &e.ChainID, &e.Category, &e.Actor, &e.Action, &e.Target,
		&payload, &severity, &ts, &e.HashPrev, &e.HashSelf, &e.Signature, &resolved); err != nil {
		return LogEntry{}, err
	}
	p, err := decodePayload([]byte(payload))
	if err != nil {
		return LogEntry{}, fmt.Errorf("entry %d payload: %w", e.ID, err)
	}
	e.Payload = p
	e.Severity = Severity(severity)
	e.Timestamp = time.Unix(0, ts).UTC()
	e.Resolved = resolved != 0
	return e, nil
}

// ChainHead returns the persisted head of chainID.
func (s *sqlStore) ChainHead(ctx context.Context, chainID string) (ChainState, bool, error) {
	var st ChainState
	var ts int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT chain_id, last_id, last_hash, last_ts FROM chain_state WHERE chain_id=?`), chainID).
		Scan(&st.ChainID, &st.LastID, &st.LastHash, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	st.LastTimestamp = time.Unix(0, ts).UTC()
	return st, true, nil
}

// Commit inserts the entry and advances chain_state in one transaction.
// The head update is a compare-and-swap on last_id and last_hash.
func (s *sqlStore) Commit(ctx context.Context, e LogEntry, expected ChainState) (LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if e.HashPrev != expected.LastHash {
		return LogEntry{}, fmt.Errorf("commit: hash_prev does not match expected head: %w", ErrChainConflict)
	}
	payload, err := CanonicalPayload(e.Payload)
	if err != nil {
		return LogEntry{}, invalid("payload", err.Error())
	}

	tx, err := s.db.BeginTx(ctx, s.d.txOpts)
	if err != nil {
		return LogEntry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Insert first so SQLite takes the write lock before anything is read.
	var id int64
	err = tx.QueryRowContext(ctx, s.d.rebind(`INSERT INTO audit_logs(chain_id, category, actor, action, target, payload, severity, ts, hash_prev, hash_self, signature, resolved)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0) RETURNING id`),
		e.ChainID, e.Category, e.Actor, e.Action, e.Target, string(payload), string(e.Severity),
		e.Timestamp.UnixNano(), e.HashPrev, e.HashSelf, e.Signature).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return LogEntry{}, fmt.Errorf("commit: %w", ErrChainConflict)
		}
		return LogEntry{}, err
	}

	var res sql.Result
	if expected.IsGenesis() {
		res, err = tx.ExecContext(ctx, s.d.rebind(`INSERT INTO chain_state(chain_id, last_id, last_hash, last_ts) VALUES(?, ?, ?, ?)
ON CONFLICT(chain_id) DO NOTHING`), e.ChainID, id, e.HashSelf, e.Timestamp.UnixNano())
	} else {
		res, err = tx.ExecContext(ctx, s.d.rebind(`UPDATE chain_state SET last_id=?, last_hash=?, last_ts=?
WHERE chain_id=? AND last_id=? AND last_hash=?`),
			id, e.HashSelf, e.Timestamp.UnixNano(), e.ChainID, expected.LastID, expected.LastHash)
	}
	if err != nil {
		return LogEntry{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LogEntry{}, err
	}
	if n != 1 {
		return LogEntry{}, ErrChainConflict
	}
	if err := tx.Commit(); err != nil {
		return LogEntry{}, err
	}
	e.ID = id
	e.Resolved = false
	return e, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "sqlstate 23505")
}

// Iter returns a channel that streams entries of chainID in ascending id order.
// The returned done func stops the stream and reports any scan error.
func (s *sqlStore) Iter(ctx context.Context, chainID string, fromID, toID int64) (<-chan LogEntry, func() error, error) {
	ctx, cancel := context.WithCancel(ctx)
	query := `SELECT ` + entryColumns + ` FROM audit_logs WHERE chain_id=? AND id >= ?`
	args := []any{chainID, fromID}
	if toID > 0 {
		query += ` AND id <= ?`
		args = append(args, toID)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan LogEntry, 64)
	finished := make(chan struct{})
	var iterErr error
	go func() {
		defer close(finished)
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				iterErr = err
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil && ctx.Err() == nil {
			iterErr = err
		}
	}()
	return out, func() error {
		cancel()
		<-finished
		return iterErr
	}, nil
}

// Get returns a single entry by id.
func (s *sqlStore) Get(ctx context.Context, id int64) (LogEntry, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+entryColumns+` FROM audit_logs WHERE id=?`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LogEntry{}, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	return e, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, vals ...any) {
		conds = append(conds, cond)
		args = append(args, vals...)
	}
	if f.ChainID != "" {
		add("chain_id = ?", f.ChainID)
	}
	if f.Category != "" {
		add("category = ?", f.Category)
	}
	if f.Actor != "" {
		add("actor = ?", f.Actor)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.Severity != "" {
		add("severity = ?", string(f.Severity))
	}
	if sevs := f.severities(); len(sevs) > 0 {
		marks := make([]string, len(sevs))
		vals := make([]any, len(sevs))
		for i, s := range sevs {
			marks[i] = "?"
			vals[i] = string(s)
		}
		add("severity IN ("+strings.Join(marks, ", ")+")", vals...)
	}
	if !f.Since.IsZero() {
		add("ts >= ?", f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		add("ts <= ?", f.Until.UnixNano())
	}
	if f.Resolved != nil {
		v := 0
		if *f.Resolved {
			v = 1
		}
		add("resolved = ?", v)
	}
	if f.BeforeID > 0 {
		add("id < ?", f.BeforeID)
	}
	if f.Search != "" {
		p := escapeLike(f.Search)
		add(`(LOWER(actor) LIKE ? ESCAPE '\' OR LOWER(action) LIKE ? ESCAPE '\' OR LOWER(target) LIKE ? ESCAPE '\')`, p, p, p)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns matching entries newest-first.
func (s *sqlStore) Query(ctx context.Context, f Filter) ([]LogEntry, error) {
	where, args := f.where()
	query := `SELECT ` + entryColumns + ` FROM audit_logs` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	} else if f.Offset > 0 {
		query += ` LIMIT ` + s.d.noLimit
	}
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of matching entries.
func (s *sqlStore) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := f.where()
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM audit_logs`+where), args...).Scan(&n)
	return n, err
}

// Distinct returns sorted distinct values of an entry column.
func (s *sqlStore) Distinct(ctx context.Context, column string) ([]string, error) {
	switch column {
	case ColumnCategory, ColumnActor, ColumnChain:
	default:
		return nil, invalid("column", "unsupported column "+column)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT `+column+` FROM audit_logs ORDER BY `+column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MarkResolved flips the resolved flag of one entry.
func (s *sqlStore) MarkResolved(ctx context.Context, id int64, resolved bool) error {
	v := 0
	if resolved {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind(`UPDATE audit_logs SET resolved=? WHERE id=?`), v, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// Chains lists every chain head ordered by chain id.
func (s *sqlStore) Chains(ctx context.Context) ([]ChainState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chain_id, last_id, last_hash, last_ts FROM chain_state ORDER BY chain_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChainState
	for rows.Next() {
		var st ChainState
		var ts int64
		if err := rows.Scan(&st.ChainID, &st.LastID, &st.LastHash, &ts); err != nil {
			return nil, err
		}
		st.LastTimestamp = time.Unix(0, ts).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// PutSnapshot upserts a snapshot record. Custody lives in its own table.
func (s *sqlStore) PutSnapshot(ctx context.Context, snap Snapshot) error {
	components, err := json.Marshal(snap.Components)
	if err != nil {
		return err
	}
	meta, err := CanonicalPayload(snap.Metadata)
	if err != nil {
		return err
	}
	var signedAt int64
	if !snap.SignedAt.IsZero() {
		signedAt = snap.SignedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO snapshots(id, type, description, created_by, created_at, status, components, checksum, signature, signed_at, size_bytes, archive_path, metadata)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, checksum=excluded.checksum, signature=excluded.signature,
  signed_at=excluded.signed_at, size_bytes=excluded.size_bytes, archive_path=excluded.archive_path, metadata=excluded.metadata`),
		snap.ID, string(snap.Type), snap.Description, snap.CreatedBy, snap.CreatedAt.UnixNano(), string(snap.Status),
		string(components), snap.Checksum, snap.Signature, signedAt, snap.SizeBytes, snap.ArchivePath, string(meta))
	return err
}

const snapshotColumns = `id, type, description, created_by, created_at, status, components, checksum, signature, signed_at, size_bytes, archive_path, metadata`

func scanSnapshot(r rowScanner) (Snapshot, error) {
	var (
		snap                Snapshot
		typ, status         string
		components, meta    string
		createdAt, signedAt int64
	)
	if err := r.Scan(&snap.ID, &typ, &snap.Description, &snap.CreatedBy, &createdAt, &status, &components,
		&snap.Checksum, &snap.Signature, &signedAt, &snap.SizeBytes, &snap.ArchivePath, &meta); err != nil {
		return Snapshot{}, err
	}
	snap.Type = SnapshotType(typ)
	snap.Status = SnapshotStatus(status)
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	if signedAt != 0 {
		snap.SignedAt = time.Unix(0, signedAt).UTC()
	}
	if err := json.Unmarshal([]byte(components), &snap.Components); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s components: %w", snap.ID, err)
	}
	m, err := decodePayload([]byte(meta))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %s metadata: %w", snap.ID, err)
	}
	snap.Metadata = m
	return snap, nil
}

func (s *sqlStore) custody(ctx context.Context, id string) ([]CustodyRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT ts, actor, action, details FROM snapshot_custody WHERE snapshot_id=? ORDER BY seq ASC`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CustodyRecord
	for rows.Next() {
		var rec CustodyRecord
		var ts int64
		var details string
		if err := rows.Scan(&ts, &rec.Actor, &rec.Action, &details); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		if rec.Details, err = decodePayload([]byte(details)); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetSnapshot returns a snapshot with its custody trail.
func (s *sqlStore) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+snapshotColumns+` FROM snapshots WHERE id=?`), id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, err
	}
	if snap.ChainOfCustody, err = s.custody(ctx, id); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// ListSnapshots returns matching snapshots newest-first.
func (s *sqlStore) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]Snapshot, error) {
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Until.UnixNano())
	}
	query := `SELECT ` + snapshotColumns + ` FROM snapshots`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	var all []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	page := f.page(all)
	for i := range page {
		if page[i].ChainOfCustody, err = s.custody(ctx, page[i].ID); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// AppendCustody adds a custody record for an existing snapshot.
func (s *sqlStore) AppendCustody(ctx context.Context, snapshotID string, rec CustodyRecord) error {
	details, err := CanonicalPayload(rec.Details)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, s.d.txOpts)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var n int64
	if err := tx.QueryRowContext(ctx, s.d.rebind(`SELECT COUNT(*) FROM snapshots WHERE id=?`), snapshotID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`INSERT INTO snapshot_custody(snapshot_id, ts, actor, action, details) VALUES(?, ?, ?, ?, ?)`),
		snapshotID, rec.Timestamp.UnixNano(), rec.Actor, rec.Action, string(details)); err != nil {
		return err
	}
	return tx.Commit()
}

// DumpTables exports whole tables as rows of column name to value.
func (s *sqlStore) DumpTables(ctx context.Context, tables []string) (map[string][]map[string]any, error) {
	out := make(map[string][]map[string]any, len(tables))
	for _, t := range tables {
		if !dumpableTables[t] {
			return nil, invalid("tables", "unknown table "+t)
		}
		rows, err := s.db.QueryContext(ctx, `SELECT * FROM `+t+` ORDER BY 1`)
		if err != nil {
			return nil, fmt.Errorf("dump %s: %w", t, err)
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return nil, err
		}
		dump := []map[string]any{}
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return nil, err
			}
			row := make(map[string]any, len(cols))
			for i, c := range cols {
				if b, ok := vals[i].([]byte); ok {
					row[c] = string(b)
					continue
				}
				row[c] = vals[i]
			}
			dump = append(dump, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		out[t] = dump
	}
	return out, nil
}
