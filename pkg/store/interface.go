package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness invariant.
	ErrDuplicate = errors.New("duplicate")
)

// PaymentFilter selects payment history. Exactly one field should be set.
type PaymentFilter struct {
	InstallmentID *uuid.UUID
	LoanID        *uuid.UUID
	CustomerID    string
	SessionID     *uuid.UUID
}

// Tx is the set of operations available both directly on the storage and
// inside a transaction.
type Tx interface {
	CreateCustomer(ctx context.Context, c *models.Customer) error
	GetCustomer(ctx context.Context, documentID string) (*models.Customer, error)
	UpdateCustomerPEP(ctx context.Context, documentID string, pep bool) error

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	GetActiveLoanForCustomer(ctx context.Context, customerID string) (*models.Loan, error)
	GetAllLoans(ctx context.Context) ([]*models.Loan, error)
	GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error)
	UpdateLoanState(ctx context.Context, id uuid.UUID, state models.LoanState) error

	CreateInstallments(ctx context.Context, installments []*models.Installment) error
	GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error)
	ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error)
	UpdateInstallment(ctx context.Context, inst *models.Installment) error
	// FirstUnpaidBefore returns the lowest-numbered installment of the loan
	// numbered below number that still has a positive balance.
	FirstUnpaidBefore(ctx context.Context, loanID uuid.UUID, number int) (*models.Installment, error)
	CountUnpaidInstallments(ctx context.Context, loanID uuid.UUID) (int, error)

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error)

	CreateCashSession(ctx context.Context, s *models.CashSession) error
	GetCashSession(ctx context.Context, id uuid.UUID) (*models.CashSession, error)
	GetOpenCashSession(ctx context.Context) (*models.CashSession, error)
	GetCashSessionOpenedOn(ctx context.Context, day string) (*models.CashSession, error)
	CloseCashSession(ctx context.Context, s *models.CashSession) error

	CreateCashMovement(ctx context.Context, m *models.CashMovement) error
	ListCashMovements(ctx context.Context, sessionID uuid.UUID) ([]*models.CashMovement, error)

	EnqueueInvoice(ctx context.Context, paymentID uuid.UUID) error
	PendingInvoices(ctx context.Context, limit int) ([]*models.InvoiceOutboxEntry, error)
	UpdateInvoice(ctx context.Context, e *models.InvoiceOutboxEntry) error
	GetInvoice(ctx context.Context, paymentID uuid.UUID) (*models.InvoiceOutboxEntry, error)
}

// Storage defines the interface for database operations. WithTx runs fn in a
// single write transaction: fn's error rolls everything back.
type Storage interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
