package amortization

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLoan(t *testing.T, principal, annual string, months int) (*models.Loan, decimal.Decimal) {
	t.Helper()
	rate, err := MonthlyRate(dec(annual))
	require.NoError(t, err)
	amount, err := InstallmentAmount(dec(principal), rate, months)
	require.NoError(t, err)
	return &models.Loan{
		ID:                uuid.New(),
		Principal:         dec(principal),
		AnnualRate:        dec(annual),
		Months:            months,
		StartDate:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		InstallmentAmount: amount,
	}, rate
}

func TestMonthlyRate(t *testing.T) {
	rate, err := MonthlyRate(dec("0.12"))
	require.NoError(t, err)

	// (1.12)^(1/12) - 1 = 0.00948879293...
	assert.True(t, rate.Round(10).Equal(dec("0.0094887929")), "got %s", rate)

	// Compounding the monthly rate twelve times must give back the annual rate.
	annual := pow(one.Add(rate), 12).Sub(one)
	assert.True(t, annual.Round(18).Equal(dec("0.12")), "got %s", annual)

	zero, err := MonthlyRate(decimal.Zero)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = MonthlyRate(dec("-0.1"))
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestInstallmentAmount(t *testing.T) {
	// 1000 at 1% monthly over 12 months: 88.85 (standard annuity table value).
	amount, err := InstallmentAmount(dec("1000"), dec("0.01"), 12)
	require.NoError(t, err)
	assert.Equal(t, "88.85", amount.StringFixed(2))

	flat, err := InstallmentAmount(dec("1200"), decimal.Zero, 12)
	require.NoError(t, err)
	assert.Equal(t, "100.00", flat.StringFixed(2))

	_, err = InstallmentAmount(decimal.Zero, dec("0.01"), 12)
	assert.True(t, apperr.Is(err, apperr.Validation))
	_, err = InstallmentAmount(dec("1000"), dec("0.01"), 0)
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestGenerateScheduleSumsExactly(t *testing.T) {
	cases := []struct {
		principal string
		annual    string
		months    int
	}{
		{"1000", "0.12", 12},
		{"2500.50", "0.35", 7},
		{"999.99", "0.80", 24},
		{"1000", "0", 3},
		{"150", "0.10", 1},
	}

	engine := NewEngine(DefaultTaxRate)
	for _, tc := range cases {
		loan, rate := newLoan(t, tc.principal, tc.annual, tc.months)
		schedule, err := engine.GenerateSchedule(loan, rate)
		require.NoError(t, err)
		require.Len(t, schedule, tc.months)

		totals := SumSchedule(schedule)
		assert.True(t, totals.Principal.Equal(loan.Principal),
			"principal portions %s != financed %s", totals.Principal, loan.Principal)
		assert.True(t, totals.Amount.Equal(totals.Principal.Add(totals.Interest).Add(totals.Tax)),
			"amount %s != principal+interest+tax", totals.Amount)

		running := loan.Principal
		for i, inst := range schedule {
			assert.Equal(t, i+1, inst.Number)
			assert.True(t, inst.Amount.Equal(inst.Principal.Add(inst.Interest).Add(inst.Tax)))
			assert.True(t, inst.Balance.Equal(inst.Amount))
			assert.True(t, inst.AmountPaid.IsZero())
			assert.Equal(t, models.InstallmentPending, inst.State)
			assert.Equal(t, loan.StartDate.AddDate(0, 0, 30*(i+1)), inst.DueDate)
			running = running.Sub(inst.Principal)
		}
		assert.Equal(t, "0.00", running.StringFixed(2))
	}
}

func TestGenerateScheduleTaxSplit(t *testing.T) {
	loan := &models.Loan{
		ID:                uuid.New(),
		Principal:         dec("1000"),
		Months:            2,
		StartDate:         time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		InstallmentAmount: dec("507.51"),
	}
	schedule, err := NewEngine(DefaultTaxRate).GenerateSchedule(loan, dec("0.01"))
	require.NoError(t, err)

	// Period 1: interest 10.00 → base 8.47, tax 1.53, principal 497.51.
	first := schedule[0]
	assert.Equal(t, "8.47", first.Interest.StringFixed(2))
	assert.Equal(t, "1.53", first.Tax.StringFixed(2))
	assert.Equal(t, "497.51", first.Principal.StringFixed(2))
	assert.Equal(t, "507.51", first.Amount.StringFixed(2))

	// Period 2: interest 5.02, principal retires the remaining 502.49.
	last := schedule[1]
	assert.Equal(t, "502.49", last.Principal.StringFixed(2))
	assert.Equal(t, "507.51", last.Amount.StringFixed(2))
}

func TestGenerateScheduleZeroRateFoldsResidue(t *testing.T) {
	loan, rate := newLoan(t, "1000", "0", 3)
	schedule, err := NewEngine(DefaultTaxRate).GenerateSchedule(loan, rate)
	require.NoError(t, err)

	assert.Equal(t, "333.33", schedule[0].Amount.StringFixed(2))
	assert.Equal(t, "333.33", schedule[1].Amount.StringFixed(2))
	assert.Equal(t, "333.34", schedule[2].Amount.StringFixed(2))
	assert.True(t, schedule[2].Interest.IsZero())
}
