package throttle

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"dnsbl-monitor/pkg/rerrors"
)

// Config configures the reference SQLite-backed Store. The throttle table
// itself is owned externally — this package only reads and conditionally
// updates rows in it; it never creates or migrates the schema (spec.md §1
// names schema migration an explicit non-goal).
type Config struct {
	DSN       string
	TableName string // default "ip_throttle"
}

// DefaultConfig returns the default table name with an empty DSN, which the
// caller fills in.
func DefaultConfig() Config {
	return Config{TableName: "ip_throttle"}
}

// sqliteStore is the reference Store backed by modernc.org/sqlite, the
// pure-Go driver also used by the teacher's query-log store.
type sqliteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore opens a connection to cfg.DSN and verifies it. A connection
// failure here is StoreFatal — the caller should treat it as fatal to the
// run, not recoverable.
func NewSQLiteStore(cfg Config) (Store, error) {
	if cfg.DSN == "" {
		return nil, rerrors.Wrap(rerrors.ErrConfig, "throttle store DSN is empty")
	}
	table := cfg.TableName
	if table == "" {
		table = "ip_throttle"
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, rerrors.Wrapf(rerrors.ErrStoreFatal, "opening throttle store: %v", err)
	}

	// SQLite works best with a single connection per process; the teacher's
	// query-log store uses the same pool shape.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, rerrors.Wrapf(rerrors.ErrStoreFatal, "connecting to throttle store: %v", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, rerrors.Wrapf(rerrors.ErrStoreFatal, "setting pragma %q: %v", pragma, err)
		}
	}

	return &sqliteStore{db: db, table: table}, nil
}

func (s *sqliteStore) FetchIPs(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(`SELECT id, ip, priority, old_priority, blocking_lists, last_event FROM %s`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, rerrors.Wrapf(rerrors.ErrStoreFatal, "fetching throttle rows: %v", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var oldPriority sql.NullInt64
		var lastEvent sql.NullString
		if err := rows.Scan(&r.ID, &r.IP, &r.Priority, &oldPriority, &r.BlockingLists, &lastEvent); err != nil {
			return nil, rerrors.Wrapf(rerrors.ErrStoreFatal, "scanning throttle row: %v", err)
		}
		if oldPriority.Valid {
			v := int(oldPriority.Int64)
			r.OldPriority = &v
		}
		if lastEvent.Valid {
			v := lastEvent.String
			r.LastEvent = &v
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.Wrapf(rerrors.ErrStoreFatal, "iterating throttle rows: %v", err)
	}
	return records, nil
}

// NewListing: the SET clauses are evaluated against the pre-update row, so
// COALESCE(old_priority, priority) captures the current priority exactly
// once — a second application finds old_priority already non-null and
// leaves it alone (I3), and the guard clause on blocking_lists makes any
// repeated application with the same zone set a no-op write (I6).
func (s *sqliteStore) NewListing(ctx context.Context, id int64, canonicalZones string, listedPriority int) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET old_priority = COALESCE(old_priority, priority),
		    priority = ?,
		    blocking_lists = ?,
		    last_event = ?
		WHERE id = ? AND blocking_lists != ?`, s.table)

	lastEvent := "new block from list(s) " + canonicalZones
	res, err := s.db.ExecContext(ctx, query, listedPriority, canonicalZones, lastEvent, id, canonicalZones)
	if err != nil {
		return false, rerrors.Wrapf(rerrors.ErrStoreFatal, "applying new listing for id %d: %v", id, err)
	}
	return rowsAffected(res)
}

func (s *sqliteStore) ZoneChange(ctx context.Context, id int64, canonicalZones string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET blocking_lists = ?,
		    last_event = ?
		WHERE id = ? AND blocking_lists != ?`, s.table)

	lastEvent := "blocking list change: " + canonicalZones
	res, err := s.db.ExecContext(ctx, query, canonicalZones, lastEvent, id, canonicalZones)
	if err != nil {
		return false, rerrors.Wrapf(rerrors.ErrStoreFatal, "applying zone change for id %d: %v", id, err)
	}
	return rowsAffected(res)
}

func (s *sqliteStore) Cleared(ctx context.Context, id int64, fallbackPriority int) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET priority = COALESCE(old_priority, ?),
		    old_priority = NULL,
		    blocking_lists = '',
		    last_event = 'block removed'
		WHERE id = ? AND blocking_lists != ''`, s.table)

	res, err := s.db.ExecContext(ctx, query, fallbackPriority, id)
	if err != nil {
		return false, rerrors.Wrapf(rerrors.ErrStoreFatal, "applying cleared for id %d: %v", id, err)
	}
	return rowsAffected(res)
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, rerrors.Wrapf(rerrors.ErrStoreFatal, "reading rows affected: %v", err)
	}
	return n > 0, nil
}
