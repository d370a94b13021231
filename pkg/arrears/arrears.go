// Package arrears decides how a payment against an installment is split
// between the late fee and the installment balance.
package arrears

import (
	"time"

	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/shopspring/decimal"
)

// DefaultMonthlyRate is the fee charged per elapsed month on the overdue balance.
var DefaultMonthlyRate = decimal.RequireFromString("0.01")

// Allocation is the outcome of applying a proposed amount to an installment.
type Allocation struct {
	FeeCalculated    decimal.Decimal `json:"fee_calculated"`
	FeeCharged       decimal.Decimal `json:"fee_charged"`
	PrincipalApplied decimal.Decimal `json:"principal_applied"`
	// FeeWaived is true when the installment was not overdue, so no fee
	// accrued at all.
	FeeWaived bool `json:"fee_waived"`
}

// Policy is the single place where late fees are computed.
type Policy struct {
	MonthlyRate decimal.Decimal
	Now         func() time.Time
}

// NewPolicy returns a fee-first policy charging rate per elapsed month.
func NewPolicy(rate decimal.Decimal, now func() time.Time) *Policy {
	if now == nil {
		now = time.Now
	}
	return &Policy{MonthlyRate: rate, Now: now}
}

// Today is the current calendar day, as a UTC midnight.
func (p *Policy) Today() time.Time {
	return DateOnly(p.Now())
}

// IsOverdue reports whether the installment's due date is strictly before today.
func (p *Policy) IsOverdue(inst *models.Installment) bool {
	return p.Today().After(DateOnly(inst.DueDate))
}

// Fee returns the late fee accrued on the installment's current balance.
func (p *Policy) Fee(inst *models.Installment) decimal.Decimal {
	if !p.IsOverdue(inst) || !inst.Balance.IsPositive() {
		return decimal.Zero
	}
	months := ElapsedMonths(inst.DueDate, p.Today())
	return inst.Balance.Mul(p.MonthlyRate).Mul(decimal.NewFromInt(int64(months))).Round(2)
}

// Allocate splits proposed into fee and principal, fee first.
func (p *Policy) Allocate(inst *models.Installment, proposed decimal.Decimal) (Allocation, error) {
	if !proposed.IsPositive() {
		return Allocation{}, apperr.Validationf("payment amount must be positive, got %s", proposed)
	}

	if !p.IsOverdue(inst) {
		if proposed.GreaterThan(inst.Balance) {
			return Allocation{}, apperr.Conflictf("amount %s exceeds the payable total %s for installment #%d",
				proposed.StringFixed(2), inst.Balance.StringFixed(2), inst.Number)
		}
		return Allocation{
			FeeCalculated:    decimal.Zero,
			FeeCharged:       decimal.Zero,
			PrincipalApplied: proposed,
			FeeWaived:        true,
		}, nil
	}

	fee := p.Fee(inst)
	payable := inst.Balance.Add(fee)
	if proposed.GreaterThan(payable) {
		return Allocation{}, apperr.Conflictf("amount %s exceeds the payable total %s for installment #%d (balance %s + late fee %s)",
			proposed.StringFixed(2), payable.StringFixed(2), inst.Number, inst.Balance.StringFixed(2), fee.StringFixed(2))
	}

	alloc := Allocation{FeeCalculated: fee}
	if proposed.LessThanOrEqual(fee) {
		alloc.FeeCharged = proposed
		alloc.PrincipalApplied = decimal.Zero
	} else {
		alloc.FeeCharged = fee
		alloc.PrincipalApplied = proposed.Sub(fee)
	}
	return alloc, nil
}

// Estimate is the display-only fee shown next to an unpaid installment.
func (p *Policy) Estimate(inst *models.Installment) decimal.Decimal {
	return p.Fee(inst)
}

// NextState is the installment state after a payment left it with balance.
func (p *Policy) NextState(inst *models.Installment) models.InstallmentState {
	switch {
	case !inst.Balance.IsPositive():
		return models.InstallmentPaid
	case p.IsOverdue(inst):
		return models.InstallmentOverdue
	case inst.AmountPaid.IsZero():
		return models.InstallmentPending
	default:
		return models.InstallmentPartiallyPaid
	}
}

// ElapsedMonths counts whole calendar months from due to today. An overdue
// installment always costs at least one month.
func ElapsedMonths(due, today time.Time) int {
	due, today = DateOnly(due), DateOnly(today)
	months := (today.Year()-due.Year())*12 + int(today.Month()) - int(due.Month())
	if today.Day() < due.Day() {
		months--
	}
	if months < 1 {
		months = 1
	}
	return months
}

// DateOnly truncates t to midnight UTC of its own calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
