package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/models"
)

const paymentColumns = `p.id, p.installment_id, p.loan_id, p.session_id, p.amount_applied, p.amount_received, p.change_given,
	p.rounding, p.arrears_calculated, p.arrears_charged, p.arrears_waived, p.method, p.state, p.reference, p.notes,
	p.gateway_charge_id, p.gateway_payment_id, p.paid_at, p.created_at`

// CreatePayment inserts a payment. A reused gateway payment id fails with
// ErrDuplicate.
func (s *queries) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payments (id, installment_id, loan_id, session_id, amount_applied, amount_received, change_given,
			rounding, arrears_calculated, arrears_charged, arrears_waived, method, state, reference, notes,
			gateway_charge_id, gateway_payment_id, paid_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.InstallmentID.String(), p.LoanID.String(), nullUUID(p.SessionID), money(p.AmountApplied),
		money(p.AmountReceived), money(p.Change), money(p.Rounding), money(p.ArrearsCalculated), money(p.ArrearsCharged),
		p.ArrearsWaived,
		string(p.Method), string(p.State), p.Reference, p.Notes, p.GatewayChargeID, nullString(p.GatewayPaymentID),
		formatTime(p.PaidAt), formatTime(p.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment %s: %w", p.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by its ID.
func (s *queries) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.id = ?`, id.String())
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// GetPaymentByGatewayID retrieves the payment settled by a gateway payment id.
func (s *queries) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*models.Payment, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments p WHERE p.gateway_payment_id = ?`, gatewayPaymentID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gateway payment %s: %w", gatewayPaymentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment by gateway id: %w", err)
	}
	return p, nil
}

// UpdatePayment stores the state, amounts and gateway ids of a payment.
func (s *queries) UpdatePayment(ctx context.Context, p *models.Payment) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE payments SET state = ?, amount_applied = ?, amount_received = ?, arrears_calculated = ?,
			arrears_charged = ?, arrears_waived = ?, gateway_charge_id = ?, gateway_payment_id = ?, paid_at = ?, notes = ?
		WHERE id = ?`,
		string(p.State), money(p.AmountApplied), money(p.AmountReceived), money(p.ArrearsCalculated), money(p.ArrearsCharged),
		p.ArrearsWaived,
		p.GatewayChargeID, nullString(p.GatewayPaymentID), formatTime(p.PaidAt), p.Notes, p.ID.String(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("gateway payment %s: %w", p.GatewayPaymentID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return rowsAffectedOne(res, "payment "+p.ID.String())
}

// ListPayments retrieves payment history matching the filter, newest first.
func (s *queries) ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p`
	var where []string
	var args []any
	if filter.InstallmentID != nil {
		where = append(where, "p.installment_id = ?")
		args = append(args, filter.InstallmentID.String())
	}
	if filter.LoanID != nil {
		where = append(where, "p.loan_id = ?")
		args = append(args, filter.LoanID.String())
	}
	if filter.SessionID != nil {
		where = append(where, "p.session_id = ?")
		args = append(args, filter.SessionID.String())
	}
	if filter.CustomerID != "" {
		query += ` JOIN loans l ON l.id = p.loan_id`
		where = append(where, "l.customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.created_at DESC, p.rowid DESC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payments: %w", err)
	}
	return out, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var session uuid.NullUUID
	var method, state, paid, created string
	var gatewayPaymentID sql.NullString
	err := row.Scan(&p.ID, &p.InstallmentID, &p.LoanID, &session, &p.AmountApplied, &p.AmountReceived, &p.Change,
		&p.Rounding, &p.ArrearsCalculated, &p.ArrearsCharged, &p.ArrearsWaived, &method, &state, &p.Reference, &p.Notes,
		&p.GatewayChargeID, &gatewayPaymentID, &paid, &created)
	if err != nil {
		return nil, err
	}
	if session.Valid {
		id := session.UUID
		p.SessionID = &id
	}
	p.Method = models.PaymentMethod(method)
	p.State = models.PaymentState(state)
	p.GatewayPaymentID = gatewayPaymentID.String
	if p.PaidAt, err = parseTime(paid); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &p, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
