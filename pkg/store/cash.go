package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/shopspring/decimal"
)

const sessionColumns = `id, opened_by, opening_float, opened_at, opened_on, closed_at, system_cash, system_digital,
	physical_count, discrepancy, notes, state`

// CreateCashSession inserts an OPEN session. A second OPEN session, or a
// second session on the same day, fails with ErrDuplicate.
func (s *queries) CreateCashSession(ctx context.Context, cs *models.CashSession) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO cash_sessions (id, opened_by, opening_float, opened_at, opened_on, notes, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cs.ID.String(), cs.OpenedBy, money(cs.OpeningFloat), formatTime(cs.OpenedAt), cs.OpenedOn, cs.Notes, string(cs.State),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("cash session on %s: %w", cs.OpenedOn, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create cash session: %w", err)
	}
	return nil
}

// GetCashSession retrieves a session by its ID.
func (s *queries) GetCashSession(ctx context.Context, id uuid.UUID) (*models.CashSession, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = ?`, id.String())
	return s.oneSession(row, "cash session "+id.String())
}

// GetOpenCashSession retrieves the single OPEN session.
func (s *queries) GetOpenCashSession(ctx context.Context) (*models.CashSession, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE state = ?`, string(models.SessionOpen))
	return s.oneSession(row, "open cash session")
}

// GetCashSessionOpenedOn retrieves the session opened on day (YYYY-MM-DD).
func (s *queries) GetCashSessionOpenedOn(ctx context.Context, day string) (*models.CashSession, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE opened_on = ?`, day)
	return s.oneSession(row, "cash session on "+day)
}

func (s *queries) oneSession(row *sql.Row, what string) (*models.CashSession, error) {
	cs, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cash session: %w", err)
	}
	return cs, nil
}

// CloseCashSession stores the closing totals. Only an OPEN session can be closed.
func (s *queries) CloseCashSession(ctx context.Context, cs *models.CashSession) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE cash_sessions SET closed_at = ?, system_cash = ?, system_digital = ?, physical_count = ?,
			discrepancy = ?, notes = ?, state = ?
		WHERE id = ? AND state = ?`,
		nullTime(cs.ClosedAt), nullMoney(cs.SystemCash), nullMoney(cs.SystemDigital), nullMoney(cs.PhysicalCount),
		nullMoney(cs.Discrepancy), cs.Notes, string(cs.State), cs.ID.String(), string(models.SessionOpen),
	)
	if err != nil {
		return fmt.Errorf("failed to close cash session: %w", err)
	}
	return rowsAffectedOne(res, "open cash session "+cs.ID.String())
}

func scanSession(row rowScanner) (*models.CashSession, error) {
	var cs models.CashSession
	var opened, state string
	var closed sql.NullString
	var systemCash, systemDigital, physical, discrepancy decimal.NullDecimal
	err := row.Scan(&cs.ID, &cs.OpenedBy, &cs.OpeningFloat, &opened, &cs.OpenedOn, &closed, &systemCash, &systemDigital,
		&physical, &discrepancy, &cs.Notes, &state)
	if err != nil {
		return nil, err
	}
	cs.State = models.CashSessionState(state)
	if cs.OpenedAt, err = parseTime(opened); err != nil {
		return nil, err
	}
	if closed.Valid {
		t, err := parseTime(closed.String)
		if err != nil {
			return nil, err
		}
		cs.ClosedAt = &t
	}
	cs.SystemCash = decimalPtr(systemCash)
	cs.SystemDigital = decimalPtr(systemDigital)
	cs.PhysicalCount = decimalPtr(physical)
	cs.Discrepancy = decimalPtr(discrepancy)
	return &cs, nil
}

// CreateCashMovement appends a movement to a session's ledger.
func (s *queries) CreateCashMovement(ctx context.Context, m *models.CashMovement) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO cash_movements (id, session_id, kind, amount, concept, actor, payment_id, running_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.SessionID.String(), string(m.Kind), money(m.Amount), m.Concept, m.Actor, nullUUID(m.PaymentID),
		money(m.RunningBalance), formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create cash movement: %w", err)
	}
	return nil
}

// ListCashMovements retrieves a session's movements in insertion order.
func (s *queries) ListCashMovements(ctx context.Context, sessionID uuid.UUID) ([]*models.CashMovement, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, session_id, kind, amount, concept, actor, payment_id, running_balance, created_at
		FROM cash_movements WHERE session_id = ? ORDER BY rowid ASC`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get movements for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*models.CashMovement
	for rows.Next() {
		var m models.CashMovement
		var kind, created string
		var payment uuid.NullUUID
		if err := rows.Scan(&m.ID, &m.SessionID, &kind, &m.Amount, &m.Concept, &m.Actor, &payment, &m.RunningBalance, &created); err != nil {
			return nil, fmt.Errorf("failed to scan cash movement row: %w", err)
		}
		m.Kind = models.MovementKind(kind)
		if payment.Valid {
			id := payment.UUID
			m.PaymentID = &id
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for cash movements: %w", err)
	}
	return out, nil
}

// money renders an amount at the stored scale of two decimals.
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func nullMoney(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: money(*d), Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
