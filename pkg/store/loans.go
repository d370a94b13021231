package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/models"
)

// CreateCustomer inserts a customer keyed by document id.
func (s *queries) CreateCustomer(ctx context.Context, c *models.Customer) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO customers (document_id, document_type, full_name, address, tax_status, pep, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.DocumentID, string(c.DocumentType), c.FullName, c.Address, c.TaxStatus, c.PEP, formatTime(c.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("customer %s: %w", c.DocumentID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer by document id.
func (s *queries) GetCustomer(ctx context.Context, documentID string) (*models.Customer, error) {
	var c models.Customer
	var docType, created string
	err := s.q.QueryRowContext(ctx,
		`SELECT document_id, document_type, full_name, address, tax_status, pep, created_at FROM customers WHERE document_id = ?`,
		documentID,
	).Scan(&c.DocumentID, &docType, &c.FullName, &c.Address, &c.TaxStatus, &c.PEP, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c.DocumentType = models.DocumentType(docType)
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCustomerPEP records the politically-exposed-person flag.
func (s *queries) UpdateCustomerPEP(ctx context.Context, documentID string, pep bool) error {
	res, err := s.q.ExecContext(ctx, `UPDATE customers SET pep = ? WHERE document_id = ?`, pep, documentID)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	return rowsAffectedOne(res, "customer "+documentID)
}

const loanColumns = `id, customer_id, principal, annual_rate, monthly_rate, months, start_date, installment_amount, state, created_at, updated_at`

// CreateLoan inserts a new loan. A second ACTIVE loan for the same customer
// fails with ErrDuplicate.
func (s *queries) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerID, money(loan.Principal), loan.AnnualRate, loan.MonthlyRate, loan.Months,
		formatDate(loan.StartDate), money(loan.InstallmentAmount), string(loan.State), formatTime(loan.CreatedAt), formatTime(loan.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("active loan for customer %s: %w", loan.CustomerID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID, without installments.
func (s *queries) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// GetActiveLoanForCustomer retrieves the customer's ACTIVE loan.
func (s *queries) GetActiveLoanForCustomer(ctx context.Context, customerID string) (*models.Loan, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE customer_id = ? AND state = ?`,
		customerID, string(models.LoanActive),
	)
	loan, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active loan for customer %s: %w", customerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active loan: %w", err)
	}
	return loan, nil
}

// GetAllLoans retrieves all loans, newest first.
func (s *queries) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// GetAllActiveLoans retrieves all active loans.
func (s *queries) GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE state = ?`, string(models.LoanActive))
	if err != nil {
		return nil, fmt.Errorf("failed to get all active loans: %w", err)
	}
	defer rows.Close()

	return scanLoans(rows)
}

// UpdateLoanState moves a loan to a new state.
func (s *queries) UpdateLoanState(ctx context.Context, id uuid.UUID, state models.LoanState) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE loans SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), formatTime(nowUTC()), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return rowsAffectedOne(res, "loan "+id.String())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var state, start, created, updated string
	err := row.Scan(&loan.ID, &loan.CustomerID, &loan.Principal, &loan.AnnualRate, &loan.MonthlyRate, &loan.Months,
		&start, &loan.InstallmentAmount, &state, &created, &updated)
	if err != nil {
		return nil, err
	}
	loan.State = models.LoanState(state)
	if loan.StartDate, err = parseDate(start); err != nil {
		return nil, err
	}
	if loan.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if loan.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &loan, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

const installmentColumns = `id, loan_id, number, due_date, principal, interest, tax, amount, amount_paid, balance, state, updated_at`

// CreateInstallments inserts a loan's schedule.
func (s *queries) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	for _, inst := range installments {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO installments (`+installmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID.String(), inst.LoanID.String(), inst.Number, formatDate(inst.DueDate), money(inst.Principal), money(inst.Interest),
			money(inst.Tax), money(inst.Amount), money(inst.AmountPaid), money(inst.Balance), string(inst.State), formatTime(inst.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create installment %d: %w", inst.Number, err)
		}
	}
	return nil
}

// GetInstallment retrieves an installment by its ID.
func (s *queries) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+installmentColumns+` FROM installments WHERE id = ?`, id.String())
	inst, err := scanInstallment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("installment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return inst, nil
}

// ListInstallments retrieves a loan's installments ordered by number.
func (s *queries) ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY number ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var out []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for installments: %w", err)
	}
	return out, nil
}

// UpdateInstallment stores the paid amount, balance and state.
func (s *queries) UpdateInstallment(ctx context.Context, inst *models.Installment) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE installments SET amount_paid = ?, balance = ?, state = ?, updated_at = ? WHERE id = ?`,
		money(inst.AmountPaid), money(inst.Balance), string(inst.State), formatTime(inst.UpdatedAt), inst.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	return rowsAffectedOne(res, "installment "+inst.ID.String())
}

// FirstUnpaidBefore scans the earlier installments in Go because balances
// are stored as TEXT and must not be compared numerically by SQLite.
func (s *queries) FirstUnpaidBefore(ctx context.Context, loanID uuid.UUID, number int) (*models.Installment, error) {
	all, err := s.ListInstallments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	for _, inst := range all {
		if inst.Number >= number {
			break
		}
		if inst.Balance.IsPositive() {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("unpaid installment before #%d: %w", number, ErrNotFound)
}

// CountUnpaidInstallments counts installments of the loan with a positive balance.
func (s *queries) CountUnpaidInstallments(ctx context.Context, loanID uuid.UUID) (int, error) {
	all, err := s.ListInstallments(ctx, loanID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range all {
		if inst.Balance.IsPositive() {
			n++
		}
	}
	return n, nil
}

func scanInstallment(row rowScanner) (*models.Installment, error) {
	var inst models.Installment
	var due, state, updated string
	err := row.Scan(&inst.ID, &inst.LoanID, &inst.Number, &due, &inst.Principal, &inst.Interest, &inst.Tax,
		&inst.Amount, &inst.AmountPaid, &inst.Balance, &state, &updated)
	if err != nil {
		return nil, err
	}
	inst.State = models.InstallmentState(state)
	if inst.DueDate, err = parseDate(due); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &inst, nil
}
