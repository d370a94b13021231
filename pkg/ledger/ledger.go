// Package ledger owns the loan lifecycle outside of payments: origination
// with its amortization schedule, lookups, and the periodic overdue sweep.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/amortization"
	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/arrears"
	"github.com/mcclellann/microloans/pkg/identity"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/mcclellann/microloans/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// activeTaxStatus is the tax authority's status for a taxpayer in good standing.
const activeTaxStatus = "ACTIVO"

// Ledger handles the business logic for loans.
type Ledger struct {
	storage  store.Storage
	engine   *amortization.Engine
	policy   *arrears.Policy
	verifier identity.Verifier
	logger   *zap.Logger
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, engine *amortization.Engine, policy *arrears.Policy, verifier identity.Verifier, logger *zap.Logger) *Ledger {
	return &Ledger{
		storage:  s,
		engine:   engine,
		policy:   policy,
		verifier: verifier,
		logger:   logger,
	}
}

// LoanRequest is a loan application.
type LoanRequest struct {
	DocumentID string          `json:"document_id"`
	Principal  decimal.Decimal `json:"principal"`
	AnnualRate decimal.Decimal `json:"annual_rate"`
	Months     int             `json:"months"`
	StartDate  *time.Time      `json:"start_date,omitempty"`
	PEP        bool            `json:"pep"`
}

// DocumentTypeOf classifies a document id by length, or fails validation.
func DocumentTypeOf(documentID string) (models.DocumentType, error) {
	for _, r := range documentID {
		if r < '0' || r > '9' {
			return "", apperr.Validationf("document id must contain only digits, got %q", documentID)
		}
	}
	switch len(documentID) {
	case 8:
		return models.DocumentDNI, nil
	case 11:
		return models.DocumentRUC, nil
	default:
		return "", apperr.Validationf("document id must have 8 (DNI) or 11 (RUC) digits, got %d", len(documentID))
	}
}

// CreateLoan originates a loan and its schedule for a customer.
func (l *Ledger) CreateLoan(ctx context.Context, req LoanRequest) (*models.Loan, error) {
	documentID := strings.TrimSpace(req.DocumentID)
	docType, err := DocumentTypeOf(documentID)
	if err != nil {
		return nil, err
	}

	if !req.Principal.Equal(req.Principal.Round(2)) {
		return nil, apperr.Validationf("principal %s has more than two decimals", req.Principal)
	}

	monthlyRate, err := amortization.MonthlyRate(req.AnnualRate)
	if err != nil {
		return nil, err
	}
	installmentAmount, err := amortization.InstallmentAmount(req.Principal, monthlyRate, req.Months)
	if err != nil {
		return nil, err
	}

	if _, err := l.storage.GetActiveLoanForCustomer(ctx, documentID); err == nil {
		return nil, apperr.Conflictf("customer %s already has an active loan", documentID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	customer, isNew, err := l.resolveCustomer(ctx, documentID, docType)
	if err != nil {
		return nil, err
	}
	if customer.DocumentType == models.DocumentRUC && !strings.EqualFold(customer.TaxStatus, activeTaxStatus) {
		return nil, apperr.Conflictf("taxpayer %s is not active (status %q)", documentID, customer.TaxStatus)
	}
	customer.PEP = customer.PEP || req.PEP

	now := l.policy.Now().UTC()
	start := l.policy.Today()
	if req.StartDate != nil {
		start = arrears.DateOnly(*req.StartDate)
	}

	loan := &models.Loan{
		ID:                uuid.New(),
		CustomerID:        documentID,
		Principal:         req.Principal,
		AnnualRate:        req.AnnualRate,
		MonthlyRate:       monthlyRate,
		Months:            req.Months,
		StartDate:         start,
		InstallmentAmount: installmentAmount,
		State:             models.LoanActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	schedule, err := l.engine.GenerateSchedule(loan, monthlyRate)
	if err != nil {
		return nil, err
	}
	for _, inst := range schedule {
		inst.UpdatedAt = now
	}

	err = l.storage.WithTx(ctx, func(tx store.Tx) error {
		if isNew {
			if err := tx.CreateCustomer(ctx, customer); err != nil && !errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("failed to store customer: %w", err)
			}
		}
		if customer.PEP {
			if err := tx.UpdateCustomerPEP(ctx, documentID, true); err != nil {
				return fmt.Errorf("failed to flag customer: %w", err)
			}
		}
		if err := tx.CreateLoan(ctx, loan); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflictf("customer %s already has an active loan", documentID)
			}
			return fmt.Errorf("failed to store loan: %w", err)
		}
		if err := tx.CreateInstallments(ctx, schedule); err != nil {
			return fmt.Errorf("failed to store schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	loan.Installments = schedule
	l.logger.Info("loan created",
		zap.String("loan_id", loan.ID.String()),
		zap.String("customer_id", documentID),
		zap.String("principal", loan.Principal.StringFixed(2)),
		zap.String("installment", loan.InstallmentAmount.StringFixed(2)),
		zap.Int("months", loan.Months))
	return loan, nil
}

// resolveCustomer loads a known customer or verifies a new one.
func (l *Ledger) resolveCustomer(ctx context.Context, documentID string, docType models.DocumentType) (*models.Customer, bool, error) {
	customer, err := l.storage.GetCustomer(ctx, documentID)
	if err == nil {
		return customer, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if l.verifier == nil {
		return nil, false, apperr.Externalf(errors.New("not configured"), "identity service unavailable")
	}
	result, err := l.verifier.Verify(ctx, documentID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, false, apperr.NotFoundf("document %s is not registered", documentID)
	}
	if err != nil {
		return nil, false, apperr.Externalf(err, "identity check failed for %s", documentID)
	}
	return &models.Customer{
		DocumentID:   documentID,
		DocumentType: docType,
		FullName:     result.FullName,
		Address:      result.Address,
		TaxStatus:    result.TaxStatus,
		CreatedAt:    l.policy.Now().UTC(),
	}, true, nil
}

// GetLoan retrieves a loan with its refreshed installments.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("loan %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := l.attachInstallments(ctx, loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// GetActiveLoanByCustomer returns the customer's ACTIVE loan with refreshed
// installment states and late-fee estimates.
func (l *Ledger) GetActiveLoanByCustomer(ctx context.Context, documentID string) (*models.Loan, error) {
	loan, err := l.storage.GetActiveLoanForCustomer(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("customer %s has no active loan", documentID)
	}
	if err != nil {
		return nil, err
	}
	if err := l.attachInstallments(ctx, loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// ListLoans retrieves all loans, without installments.
func (l *Ledger) ListLoans(ctx context.Context) ([]*models.Loan, error) {
	loans, err := l.storage.GetAllLoans(ctx)
	if err != nil {
		return nil, err
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	return loans, nil
}

func (l *Ledger) attachInstallments(ctx context.Context, loan *models.Loan) error {
	var installments []*models.Installment
	err := l.storage.WithTx(ctx, func(tx store.Tx) error {
		var err error
		installments, _, err = l.refreshLoan(ctx, tx, loan.ID)
		return err
	})
	if err != nil {
		return err
	}
	for _, inst := range installments {
		if inst.State == models.InstallmentPaid {
			continue
		}
		estimate := l.policy.Estimate(inst)
		inst.ArrearsEstimate = &estimate
	}
	loan.Installments = installments
	return nil
}

// refreshLoan brings the stored state of each unpaid installment in line
// with the calendar and reports how many rows changed.
func (l *Ledger) refreshLoan(ctx context.Context, tx store.Tx, loanID uuid.UUID) ([]*models.Installment, int, error) {
	installments, err := tx.ListInstallments(ctx, loanID)
	if err != nil {
		return nil, 0, err
	}
	now := l.policy.Now().UTC()
	changed := 0
	for _, inst := range installments {
		if inst.State == models.InstallmentPaid {
			continue
		}
		next := l.policy.NextState(inst)
		if next == inst.State {
			continue
		}
		inst.State = next
		inst.UpdatedAt = now
		if err := tx.UpdateInstallment(ctx, inst); err != nil {
			return nil, 0, fmt.Errorf("failed to refresh installment %s: %w", inst.ID, err)
		}
		changed++
	}
	return installments, changed, nil
}

// RefreshOverdue iterates through all active loans and marks installments
// that fell due. Each loan is refreshed in its own transaction; a failing
// loan is logged and skipped.
func (l *Ledger) RefreshOverdue(ctx context.Context) (int, error) {
	loans, err := l.storage.GetAllActiveLoans(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get active loans: %w", err)
	}

	total := 0
	for _, loan := range loans {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		var changed int
		err := l.storage.WithTx(ctx, func(tx store.Tx) error {
			var err error
			_, changed, err = l.refreshLoan(ctx, tx, loan.ID)
			return err
		})
		if err != nil {
			l.logger.Error("overdue refresh failed", zap.String("loan_id", loan.ID.String()), zap.Error(err))
			continue
		}
		if changed > 0 {
			l.logger.Info("installments refreshed", zap.String("loan_id", loan.ID.String()), zap.Int("changed", changed))
		}
		total += changed
	}
	return total, nil
}
