package arrears

import (
	"testing"
	"time"

	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2024, 5, 15, 10, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixedNow() time.Time { return today }

func installment(due time.Time, balance string) *models.Installment {
	return &models.Installment{
		Number:     1,
		DueDate:    due,
		Amount:     dec(balance),
		AmountPaid: decimal.Zero,
		Balance:    dec(balance),
		State:      models.InstallmentPending,
	}
}

func TestAllocateNotOverdue(t *testing.T) {
	p := NewPolicy(DefaultMonthlyRate, fixedNow)

	for _, due := range []time.Time{today, today.AddDate(0, 0, 10)} {
		alloc, err := p.Allocate(installment(due, "100.00"), dec("40.00"))
		require.NoError(t, err)
		assert.True(t, alloc.FeeCalculated.IsZero())
		assert.True(t, alloc.FeeCharged.IsZero())
		assert.Equal(t, "40.00", alloc.PrincipalApplied.StringFixed(2))
		assert.True(t, alloc.FeeWaived)
	}
}

func TestAllocateTwoMonthsOverdue(t *testing.T) {
	p := NewPolicy(DefaultMonthlyRate, fixedNow)
	inst := installment(today.AddDate(0, -2, 0), "100.00")

	alloc, err := p.Allocate(inst, dec("2.00"))
	require.NoError(t, err)
	assert.Equal(t, "2.00", alloc.FeeCalculated.StringFixed(2))
	assert.Equal(t, "2.00", alloc.FeeCharged.StringFixed(2))
	assert.True(t, alloc.PrincipalApplied.IsZero())
	assert.False(t, alloc.FeeWaived)

	alloc, err = p.Allocate(inst, dec("1.00"))
	require.NoError(t, err)
	assert.Equal(t, "1.00", alloc.FeeCharged.StringFixed(2))
	assert.True(t, alloc.PrincipalApplied.IsZero())
	assert.False(t, alloc.FeeWaived)

	alloc, err = p.Allocate(inst, dec("52.00"))
	require.NoError(t, err)
	assert.Equal(t, "2.00", alloc.FeeCharged.StringFixed(2))
	assert.Equal(t, "50.00", alloc.PrincipalApplied.StringFixed(2))

	alloc, err = p.Allocate(inst, dec("102.00"))
	require.NoError(t, err)
	assert.Equal(t, "100.00", alloc.PrincipalApplied.StringFixed(2))
}

func TestAllocateOverdueLessThanAMonthCostsOneMonth(t *testing.T) {
	p := NewPolicy(DefaultMonthlyRate, fixedNow)
	inst := installment(today.AddDate(0, 0, -3), "250.00")

	alloc, err := p.Allocate(inst, dec("10.00"))
	require.NoError(t, err)
	assert.Equal(t, "2.50", alloc.FeeCalculated.StringFixed(2))
	assert.Equal(t, "7.50", alloc.PrincipalApplied.StringFixed(2))
}

func TestAllocateRejectsAmountsAbovePayable(t *testing.T) {
	p := NewPolicy(DefaultMonthlyRate, fixedNow)

	_, err := p.Allocate(installment(today.AddDate(0, -2, 0), "100.00"), dec("102.01"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Contains(t, err.Error(), "102.00")

	_, err = p.Allocate(installment(today.AddDate(0, 1, 0), "100.00"), dec("100.01"))
	assert.True(t, apperr.Is(err, apperr.Conflict))

	_, err = p.Allocate(installment(today, "100.00"), decimal.Zero)
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestElapsedMonths(t *testing.T) {
	tests := []struct {
		due, today time.Time
		want       int
	}{
		{time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), 2},
		{time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), 1},
		{time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), 1},
		{time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), 2},
		{time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), 12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ElapsedMonths(tt.due, tt.today), "%s → %s", tt.due.Format("2006-01-02"), tt.today.Format("2006-01-02"))
	}
}

func TestNextState(t *testing.T) {
	p := NewPolicy(DefaultMonthlyRate, fixedNow)

	paid := installment(today.AddDate(0, -1, 0), "0")
	assert.Equal(t, models.InstallmentPaid, p.NextState(paid))

	late := installment(today.AddDate(0, 0, -1), "10")
	assert.Equal(t, models.InstallmentOverdue, p.NextState(late))

	partial := installment(today.AddDate(0, 0, 5), "10")
	partial.AmountPaid = dec("5")
	assert.Equal(t, models.InstallmentPartiallyPaid, p.NextState(partial))

	untouched := installment(today.AddDate(0, 0, 5), "10")
	assert.Equal(t, models.InstallmentPending, p.NextState(untouched))
}

func TestEstimate(t *testing.T) {
	p := NewPolicy(DefaultMonthlyRate, fixedNow)
	assert.Equal(t, "3.00", p.Estimate(installment(today.AddDate(0, -3, 0), "100.00")).StringFixed(2))
	assert.True(t, p.Estimate(installment(today.AddDate(0, 0, 1), "100.00")).IsZero())
}
