// Package amortization derives monthly rates, fixed installment amounts and
// full repayment schedules for French-style (annuity) loans.
//
// Stored amounts use two decimal places rounded half-up. Rate arithmetic runs
// at ratePrecision fractional digits and is only rounded when an amount is
// stored.
package amortization

import (
	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	moneyScale    = 2
	ratePrecision = 24
	daysPerPeriod = 30
	maxRootIter   = 200
)

var (
	one         = decimal.NewFromInt(1)
	rootEpsilon = decimal.New(1, -ratePrecision)

	// DefaultTaxRate is the sales tax levied on interest.
	DefaultTaxRate = decimal.RequireFromString("0.18")
)

// Engine generates schedules. TaxRate is the rate of the tax already included
// in each period's interest (the interest is treated as tax-inclusive).
type Engine struct {
	TaxRate decimal.Decimal
}

// NewEngine creates an Engine for the given tax rate.
func NewEngine(taxRate decimal.Decimal) *Engine {
	return &Engine{TaxRate: taxRate}
}

// MonthlyRate converts an effective annual rate to the equivalent effective
// monthly rate: (1+annual)^(1/12) - 1.
func MonthlyRate(annual decimal.Decimal) (decimal.Decimal, error) {
	if annual.IsNegative() {
		return decimal.Zero, apperr.Validationf("annual rate must not be negative, got %s", annual)
	}
	if annual.IsZero() {
		return decimal.Zero, nil
	}
	root := nthRoot(one.Add(annual), 12)
	return root.Sub(one), nil
}

// nthRoot solves x^n = a with Newton's method at ratePrecision digits.
func nthRoot(a decimal.Decimal, n int64) decimal.Decimal {
	nd := decimal.NewFromInt(n)
	nm1 := decimal.NewFromInt(n - 1)
	// (1+a')^(1/n) is close to 1 + a'/n for the rates we deal with.
	x := one.Add(a.Sub(one).DivRound(nd, ratePrecision))
	for i := 0; i < maxRootIter; i++ {
		xPow := pow(x, n-1)
		next := nm1.Mul(x).Add(a.DivRound(xPow, ratePrecision)).DivRound(nd, ratePrecision)
		if next.Sub(x).Abs().LessThanOrEqual(rootEpsilon) {
			return next
		}
		x = next
	}
	return x
}

// pow raises x to a non-negative integer power, rounding every step so that
// intermediate values keep a bounded number of digits.
func pow(x decimal.Decimal, n int64) decimal.Decimal {
	result := one
	for i := int64(0); i < n; i++ {
		result = result.Mul(x).Round(ratePrecision)
	}
	return result
}

// InstallmentAmount returns the fixed installment P·[i(1+i)^n]/[(1+i)^n-1],
// or principal/months when the monthly rate is zero.
func InstallmentAmount(principal, monthlyRate decimal.Decimal, months int) (decimal.Decimal, error) {
	if !principal.IsPositive() {
		return decimal.Zero, apperr.Validationf("principal must be positive, got %s", principal)
	}
	if months < 1 {
		return decimal.Zero, apperr.Validationf("term must be at least 1 month, got %d", months)
	}
	if monthlyRate.IsNegative() {
		return decimal.Zero, apperr.Validationf("monthly rate must not be negative, got %s", monthlyRate)
	}
	if monthlyRate.IsZero() {
		return principal.DivRound(decimal.NewFromInt(int64(months)), moneyScale), nil
	}

	factor := pow(one.Add(monthlyRate), int64(months))
	numerator := monthlyRate.Mul(factor).Round(ratePrecision)
	rateFactor := numerator.DivRound(factor.Sub(one), ratePrecision)
	return principal.Mul(rateFactor).Round(moneyScale), nil
}

// GenerateSchedule expands the loan into its dated installments. The loan's
// Principal, Months, StartDate and InstallmentAmount must be set. The last
// installment absorbs any rounding residue so that the principal portions add
// up exactly to the financed principal.
func (e *Engine) GenerateSchedule(loan *models.Loan, monthlyRate decimal.Decimal) ([]*models.Installment, error) {
	if loan.Months < 1 {
		return nil, apperr.Validationf("term must be at least 1 month, got %d", loan.Months)
	}
	if !loan.InstallmentAmount.IsPositive() {
		return nil, apperr.Validationf("installment amount must be positive, got %s", loan.InstallmentAmount)
	}

	taxDivisor := one.Add(e.TaxRate)
	running := loan.Principal
	fixed := loan.InstallmentAmount
	schedule := make([]*models.Installment, 0, loan.Months)

	for period := 1; period <= loan.Months; period++ {
		interest := running.Mul(monthlyRate).Round(moneyScale)
		base := interest.DivRound(taxDivisor, moneyScale)
		tax := interest.Sub(base)

		principal := fixed.Sub(interest)
		running = running.Sub(principal)

		amount := fixed
		if period == loan.Months && !running.IsZero() {
			principal = principal.Add(running)
			running = decimal.Zero
			amount = principal.Add(interest)
		}

		schedule = append(schedule, &models.Installment{
			ID:         uuid.New(),
			LoanID:     loan.ID,
			Number:     period,
			DueDate:    loan.StartDate.AddDate(0, 0, daysPerPeriod*period),
			Principal:  principal,
			Interest:   base,
			Tax:        tax,
			Amount:     amount,
			AmountPaid: decimal.Zero,
			Balance:    amount,
			State:      models.InstallmentPending,
		})
	}
	return schedule, nil
}

// Totals sums the split columns of a schedule.
type Totals struct {
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Tax       decimal.Decimal `json:"tax"`
	Amount    decimal.Decimal `json:"amount"`
}

// SumSchedule totals the principal, interest, tax and amount of a schedule.
func SumSchedule(schedule []*models.Installment) Totals {
	var t Totals
	for _, inst := range schedule {
		t.Principal = t.Principal.Add(inst.Principal)
		t.Interest = t.Interest.Add(inst.Interest)
		t.Tax = t.Tax.Add(inst.Tax)
		t.Amount = t.Amount.Add(inst.Amount)
	}
	return t
}
