/*
Package sqlstore provides the SQL-backed implementation of every store
interface in the engine.

PURPOSE:
  One schema, two dialects:
    - "sqlite3"  (mattn/go-sqlite3): single-node deployments, dev, tests
    - "postgres" (lib/pq):           production
  Queries are written with `?` placeholders and rebound to `$n` for
  PostgreSQL. Column types are kept to TEXT and INTEGER so the same DDL
  runs on both.

INTERFACES IMPLEMENTED:
  billing.PlanStore       plans, installments, payments
  billing.DirectoryStore  patients, appointments (read side)
  quota.Store             subscriptions, monthly counters
  ledger.Store            delivery records
  reminder.RunStore       reminder run audit rows
  reminder.TenantLister   tenants with an active subscription

STORAGE CONVENTIONS:
  - timestamps: fixed-width UTC text (timeLayout), so text ordering is
    time ordering and range filters work on both dialects
  - money:      decimal.Decimal.String() text, never floating point
  - optional:   NULL (nullString / nullTime / nullInt helpers)

CONCURRENCY-CRITICAL STATEMENTS:
  quota:     UPDATE ... SET used = used + 1 WHERE ... AND used < ?
  ledger:    UPDATE ... SET status = ? WHERE id = ? AND status = 'pending'
  payments:  UPDATE ... WHERE id = ? AND amount_paid = ? AND status = 'active'
  Each reports "no row changed" instead of overwriting, and the caller
  maps that to a denial or a typed error.

SQLITE NOTES:
  Opened with WAL and foreign keys on. ":memory:" databases are private to
  one connection, so the pool is capped at a single connection for them.
  Writes are serialized with a mutex to avoid SQLITE_BUSY under WAL.

USAGE:
  store, err := sqlstore.New("sqlite3", "./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: PlanStore contract (atomicity, tenant scoping)
  - store/memory:     in-memory implementation for component tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeLayout is fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces on database/sql.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

// New opens the database and applies the schema.
func New(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite && strings.HasPrefix(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewSQLite is shorthand for New(DriverSQLite, path). Use ":memory:" in tests.
func NewSQLite(path string) (*Store, error) {
	return New(DriverSQLite, path)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity, for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Driver() string { return s.driver }

// migrate creates the schema. Idempotent.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS installment_plans (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		total_amount TEXT NOT NULL,
		installment_count INTEGER NOT NULL,
		installment_amount TEXT NOT NULL,
		frequency TEXT NOT NULL,
		start_date TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_tenant_status
		ON installment_plans(tenant_id, status);

	CREATE TABLE IF NOT EXISTS installments (
		plan_id TEXT NOT NULL REFERENCES installment_plans(id),
		idx INTEGER NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_at TEXT,
		PRIMARY KEY (plan_id, idx)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		plan_id TEXT NOT NULL REFERENCES installment_plans(id),
		amount TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		reference TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_plan ON payments(plan_id);

	CREATE TABLE IF NOT EXISTS patients (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT,
		phone TEXT,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS appointments (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_appointments_tenant_time
		ON appointments(tenant_id, scheduled_at);

	CREATE TABLE IF NOT EXISTS subscriptions (
		tenant_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		email_limit INTEGER,
		whatsapp_limit INTEGER
	);

	CREATE TABLE IF NOT EXISTS quota_counters (
		tenant_id TEXT NOT NULL,
		period TEXT NOT NULL,
		channel TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, period, channel)
	);

	CREATE TABLE IF NOT EXISTS delivery_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		patient_id TEXT,
		channel TEXT NOT NULL,
		recipient TEXT NOT NULL,
		subject_or_template TEXT,
		kind TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		sent_at TEXT,
		closed_at TEXT,
		error_message TEXT,
		provider_message_id TEXT,
		cost_unit INTEGER NOT NULL DEFAULT 1,
		idempotency_key TEXT,
		metadata_json TEXT
	);
	-- One reminder per key per tenant, across processes
	CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_idempotency
		ON delivery_records(tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_deliveries_tenant_created
		ON delivery_records(tenant_id, created_at);
	-- Sweep of stranded pending records
	CREATE INDEX IF NOT EXISTS idx_deliveries_pending
		ON delivery_records(status, created_at);

	CREATE TABLE IF NOT EXISTS reminder_runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL,
		scanned INTEGER NOT NULL DEFAULT 0,
		sent INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		denied INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_tenant_started
		ON reminder_runs(tenant_id, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DIALECT HELPERS
// =============================================================================

// q rebinds `?` placeholders for the active dialect.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// lockWrites serializes writers on SQLite. PostgreSQL handles concurrency
// itself.
func (s *Store) lockWrites() func() {
	if s.driver != DriverSQLite {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stored amount %q: %w", s, err)
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
