package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/models"
)

// EnqueueInvoice writes the PENDING invoice request for a payment. The
// payment id is the primary key, so a payment is never enqueued twice.
func (s *queries) EnqueueInvoice(ctx context.Context, paymentID uuid.UUID) error {
	now := formatTime(nowUTC())
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO invoice_outbox (payment_id, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, 0, '', ?, ?)`,
		paymentID.String(), string(models.OutboxPending), now, now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("invoice for payment %s: %w", paymentID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue invoice: %w", err)
	}
	return nil
}

// PendingInvoices returns up to limit PENDING entries, least-tried first and
// then oldest first, so a failing entry cannot hold back newer ones.
func (s *queries) PendingInvoices(ctx context.Context, limit int) ([]*models.InvoiceOutboxEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT payment_id, status, attempts, last_error, created_at, updated_at FROM invoice_outbox
		WHERE status = ? ORDER BY attempts ASC, created_at ASC, rowid ASC LIMIT ?`,
		string(models.OutboxPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending invoices: %w", err)
	}
	defer rows.Close()

	var out []*models.InvoiceOutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for outbox: %w", err)
	}
	return out, nil
}

// UpdateInvoice stores the outcome of a delivery attempt.
func (s *queries) UpdateInvoice(ctx context.Context, e *models.InvoiceOutboxEntry) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE invoice_outbox SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE payment_id = ?`,
		string(e.Status), e.Attempts, e.LastError, formatTime(e.UpdatedAt), e.PaymentID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return rowsAffectedOne(res, "invoice for payment "+e.PaymentID.String())
}

// GetInvoice retrieves the outbox entry of a payment.
func (s *queries) GetInvoice(ctx context.Context, paymentID uuid.UUID) (*models.InvoiceOutboxEntry, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT payment_id, status, attempts, last_error, created_at, updated_at FROM invoice_outbox WHERE payment_id = ?`,
		paymentID.String(),
	)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("invoice for payment %s: %w", paymentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return e, nil
}

func scanOutbox(row rowScanner) (*models.InvoiceOutboxEntry, error) {
	var e models.InvoiceOutboxEntry
	var status, created, updated string
	if err := row.Scan(&e.PaymentID, &status, &e.Attempts, &e.LastError, &created, &updated); err != nil {
		return nil, err
	}
	e.Status = models.OutboxStatus(status)
	var err error
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}
