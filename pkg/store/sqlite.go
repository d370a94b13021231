package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverCGO is mattn/go-sqlite3.
	DriverCGO = "sqlite3"
	// DriverPure is modernc.org/sqlite, usable with CGO_ENABLED=0.
	DriverPure = "sqlite"

	busyTimeoutMillis = 5000
	dateLayout        = "2006-01-02"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Tx on top of a queryer.
type queries struct {
	q queryer
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	queries
	db *sql.DB
}

// NewSQLiteStore opens the database at path with the given driver and
// initializes the schema. Write transactions begin IMMEDIATE so they hold the
// database write lock from their first statement.
func NewSQLiteStore(driver, path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn, err := buildDSN(driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{queries: queries{q: db}, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	if logger != nil {
		logger.Info("database connection established and schema initialized",
			zap.String("driver", driver), zap.String("path", path))
	}
	return s, nil
}

// buildDSN puts the per-connection settings in the DSN, since the pool may
// open new connections at any time.
func buildDSN(driver, path string) (string, error) {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	switch driver {
	case DriverCGO:
		params.Set("_busy_timeout", fmt.Sprint(busyTimeoutMillis))
		params.Set("_foreign_keys", "on")
	case DriverPure:
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
		params.Add("_pragma", "foreign_keys(1)")
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	return "file:" + path + "?" + params.Encode(), nil
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost,
// and TEXT for timestamps so both drivers hand back the same representation.
func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			document_id TEXT PRIMARY KEY,
			document_type TEXT NOT NULL,
			full_name TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			tax_status TEXT NOT NULL DEFAULT '',
			pep INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS loans (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			principal TEXT NOT NULL,
			annual_rate TEXT NOT NULL,
			monthly_rate TEXT NOT NULL,
			months INTEGER NOT NULL,
			start_date TEXT NOT NULL,
			installment_amount TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(customer_id) REFERENCES customers(document_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_one_active ON loans(customer_id) WHERE state = 'ACTIVE'`,

		`CREATE TABLE IF NOT EXISTS installments (
			id TEXT PRIMARY KEY,
			loan_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			due_date TEXT NOT NULL,
			principal TEXT NOT NULL,
			interest TEXT NOT NULL,
			tax TEXT NOT NULL,
			amount TEXT NOT NULL,
			amount_paid TEXT NOT NULL,
			balance TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(loan_id, number),
			FOREIGN KEY(loan_id) REFERENCES loans(id)
		)`,

		`CREATE TABLE IF NOT EXISTS cash_sessions (
			id TEXT PRIMARY KEY,
			opened_by TEXT NOT NULL,
			opening_float TEXT NOT NULL,
			opened_at TEXT NOT NULL,
			opened_on TEXT NOT NULL UNIQUE,
			closed_at TEXT,
			system_cash TEXT,
			system_digital TEXT,
			physical_count TEXT,
			discrepancy TEXT,
			notes TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cash_sessions_one_open ON cash_sessions(state) WHERE state = 'OPEN'`,

		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			installment_id TEXT NOT NULL,
			loan_id TEXT NOT NULL,
			session_id TEXT,
			amount_applied TEXT NOT NULL,
			amount_received TEXT NOT NULL,
			change_given TEXT NOT NULL,
			rounding TEXT NOT NULL,
			arrears_calculated TEXT NOT NULL,
			arrears_charged TEXT NOT NULL,
			arrears_waived INTEGER NOT NULL,
			method TEXT NOT NULL,
			state TEXT NOT NULL,
			reference TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			gateway_charge_id TEXT NOT NULL DEFAULT '',
			gateway_payment_id TEXT,
			paid_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(installment_id) REFERENCES installments(id),
			FOREIGN KEY(loan_id) REFERENCES loans(id),
			FOREIGN KEY(session_id) REFERENCES cash_sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_installment ON payments(installment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_session ON payments(session_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_gateway_id ON payments(gateway_payment_id) WHERE gateway_payment_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS cash_movements (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount TEXT NOT NULL,
			concept TEXT NOT NULL,
			actor TEXT NOT NULL,
			payment_id TEXT,
			running_balance TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES cash_sessions(id),
			FOREIGN KEY(payment_id) REFERENCES payments(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cash_movements_session ON cash_movements(session_id)`,

		`CREATE TABLE IF NOT EXISTS invoice_outbox (
			payment_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(payment_id) REFERENCES payments(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoice_outbox_status ON invoice_outbox(status)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// WithTx runs fn inside one write transaction and commits if fn succeeds.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports a UNIQUE/PRIMARY KEY constraint failure. Both
// drivers surface SQLite's own message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var nowUTC = func() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rowsAffectedOne turns a zero-row UPDATE into ErrNotFound.
func rowsAffectedOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
