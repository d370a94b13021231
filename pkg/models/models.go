package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DocumentType string

const (
	DocumentDNI DocumentType = "DNI" // 8 digits, natural person
	DocumentRUC DocumentType = "RUC" // 11 digits, taxpayer
)

type Customer struct {
	DocumentID   string       `json:"document_id"`
	DocumentType DocumentType `json:"document_type"`
	FullName     string       `json:"full_name"`
	Address      string       `json:"address,omitempty"`
	TaxStatus    string       `json:"tax_status,omitempty"`
	PEP          bool         `json:"pep"` // politically exposed person
	CreatedAt    time.Time    `json:"created_at"`
}

type LoanState string

const (
	LoanActive    LoanState = "ACTIVE"
	LoanCancelled LoanState = "CANCELLED" // fully repaid
)

type Loan struct {
	ID                uuid.UUID       `json:"id"`
	CustomerID        string          `json:"customer_id"` // document id of the customer
	Principal         decimal.Decimal `json:"principal"`
	AnnualRate        decimal.Decimal `json:"annual_rate"`
	MonthlyRate       decimal.Decimal `json:"monthly_rate"`
	Months            int             `json:"months"`
	StartDate         time.Time       `json:"start_date"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	State             LoanState       `json:"state"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Installments      []*Installment  `json:"installments,omitempty"`
}

type InstallmentState string

const (
	InstallmentPending       InstallmentState = "PENDING"
	InstallmentPartiallyPaid InstallmentState = "PARTIALLY_PAID"
	InstallmentOverdue       InstallmentState = "OVERDUE"
	InstallmentPaid          InstallmentState = "PAID"
)

type Installment struct {
	ID         uuid.UUID        `json:"id"`
	LoanID     uuid.UUID        `json:"loan_id"`
	Number     int              `json:"number"`
	DueDate    time.Time        `json:"due_date"`
	Principal  decimal.Decimal  `json:"principal"`
	Interest   decimal.Decimal  `json:"interest"` // tax-exclusive interest base
	Tax        decimal.Decimal  `json:"tax"`
	Amount     decimal.Decimal  `json:"amount"`
	AmountPaid decimal.Decimal  `json:"amount_paid"`
	Balance    decimal.Decimal  `json:"balance"`
	State      InstallmentState `json:"state"`
	UpdatedAt  time.Time        `json:"updated_at"`

	// ArrearsEstimate is filled on reads for display only and never stored.
	ArrearsEstimate *decimal.Decimal `json:"arrears_estimate,omitempty"`
}

type PaymentMethod string

const (
	MethodCash          PaymentMethod = "CASH"
	MethodCreditCard    PaymentMethod = "CREDIT_CARD"
	MethodDebitCard     PaymentMethod = "DEBIT_CARD"
	MethodDigitalWallet PaymentMethod = "DIGITAL_WALLET"
	MethodGateway       PaymentMethod = "GATEWAY"
)

type PaymentState string

const (
	PaymentActive  PaymentState = "ACTIVE"
	PaymentVoid    PaymentState = "VOID"
	PaymentPending PaymentState = "PENDING" // gateway payment awaiting confirmation
)

type Payment struct {
	ID                uuid.UUID       `json:"id"`
	InstallmentID     uuid.UUID       `json:"installment_id"`
	LoanID            uuid.UUID       `json:"loan_id"`
	SessionID         *uuid.UUID      `json:"session_id,omitempty"`
	AmountApplied     decimal.Decimal `json:"amount_applied"` // reduces the installment balance
	AmountReceived    decimal.Decimal `json:"amount_received"`
	Change            decimal.Decimal `json:"change"`
	Rounding          decimal.Decimal `json:"rounding"`
	ArrearsCalculated decimal.Decimal `json:"arrears_calculated"`
	ArrearsCharged    decimal.Decimal `json:"arrears_charged"`
	ArrearsWaived     bool            `json:"arrears_waived"`
	Method            PaymentMethod   `json:"method"`
	State             PaymentState    `json:"state"`
	Reference         string          `json:"reference,omitempty"` // voucher or wallet operation code
	Notes             string          `json:"notes,omitempty"`
	GatewayChargeID   string          `json:"gateway_charge_id,omitempty"`
	GatewayPaymentID  string          `json:"gateway_payment_id,omitempty"`
	PaidAt            time.Time       `json:"paid_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

type CashSessionState string

const (
	SessionOpen   CashSessionState = "OPEN"
	SessionClosed CashSessionState = "CLOSED"
)

type CashSession struct {
	ID            uuid.UUID        `json:"id"`
	OpenedBy      string           `json:"opened_by"`
	OpeningFloat  decimal.Decimal  `json:"opening_float"`
	OpenedAt      time.Time        `json:"opened_at"`
	OpenedOn      string           `json:"opened_on"` // calendar day, YYYY-MM-DD
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	SystemCash    *decimal.Decimal `json:"system_cash,omitempty"`
	SystemDigital *decimal.Decimal `json:"system_digital,omitempty"`
	PhysicalCount *decimal.Decimal `json:"physical_count,omitempty"`
	Discrepancy   *decimal.Decimal `json:"discrepancy,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	State         CashSessionState `json:"state"`
}

type MovementKind string

const (
	MovementReinfusion MovementKind = "RE_INFUSION"
	MovementWithdrawal MovementKind = "WITHDRAWAL"
	MovementSale       MovementKind = "SALE"
	MovementChangeOut  MovementKind = "CHANGE_OUT"
	MovementAdjustment MovementKind = "ADJUSTMENT" // the only kind stored signed
)

type CashMovement struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      uuid.UUID       `json:"session_id"`
	Kind           MovementKind    `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	Concept        string          `json:"concept"`
	Actor          string          `json:"actor"`
	PaymentID      *uuid.UUID      `json:"payment_id,omitempty"`
	RunningBalance decimal.Decimal `json:"running_balance"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Signed returns the movement's effect on the cash available in the drawer.
func (m *CashMovement) Signed() decimal.Decimal {
	switch m.Kind {
	case MovementWithdrawal, MovementChangeOut:
		return m.Amount.Neg()
	default:
		return m.Amount
	}
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

// InvoiceOutboxEntry is written in the same transaction as the payment it
// refers to and consumed by the invoicing worker.
type InvoiceOutboxEntry struct {
	PaymentID uuid.UUID    `json:"payment_id"`
	Status    OutboxStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
