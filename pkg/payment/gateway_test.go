package payment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/arrears"
	"github.com/mcclellann/microloans/pkg/cache"
	"github.com/mcclellann/microloans/pkg/gateway"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/mcclellann/microloans/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGatewayChargeConfirmIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.open(t, "100.00")
	loan, insts := f.seed(t, []time.Time{day(2024, 6, 10)}, []string{"50.00"})

	charge, err := f.proc.CreateGatewayCharge(ctx, insts[0].ID, dec("50.00"))
	require.NoError(t, err)
	assert.Equal(t, "pref-1", charge.ChargeID)
	assert.Equal(t, models.PaymentPending, charge.Payment.State)
	assert.Equal(t, models.MethodGateway, charge.Payment.Method)
	require.NotNil(t, charge.Payment.SessionID)
	require.Len(t, f.gw.items, 1)
	assert.True(t, strings.HasPrefix(f.gw.items[0].ID, "C-"))
	assert.Equal(t, charge.Payment.ID.String(), f.gw.reference)

	// Nothing is applied before the gateway confirms.
	inst, err := f.store.GetInstallment(ctx, insts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", inst.Balance.StringFixed(2))

	first, err := f.proc.ConfirmGatewayCharge(ctx, "mp-991")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentActive, first.State)
	assert.Equal(t, "mp-991", first.GatewayPaymentID)
	assert.Equal(t, "50.00", first.AmountReceived.StringFixed(2))

	second, err := f.proc.ConfirmGatewayCharge(ctx, "mp-991")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.gw.confirmCalls)

	// A fresh cache still finds the payment already settled.
	other := NewProcessor(f.store, arrears.NewPolicy(arrears.DefaultMonthlyRate, f.clock.now), f.gw, cache.NewMemoryCache(), nil, zap.NewNop())
	third, err := other.ConfirmGatewayCharge(ctx, "mp-991")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentActive, third.State)

	inst, err = f.store.GetInstallment(ctx, insts[0].ID)
	require.NoError(t, err)
	assert.True(t, inst.Balance.IsZero())
	assert.Equal(t, "50.00", inst.AmountPaid.StringFixed(2))
	assert.Equal(t, models.InstallmentPaid, inst.State)

	got, err := f.store.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanCancelled, got.State)

	entry, err := f.store.GetInvoice(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, entry.Status)
	assert.Equal(t, 1, f.kicker.count())

	summary, err := f.drawer.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "50.00", summary.DigitalSales.StringFixed(2))
	assert.Equal(t, "100.00", summary.Available.StringFixed(2))
}

func TestGatewayChargeSplitsLateFee(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.open(t, "100.00")
	_, insts := f.seed(t, []time.Time{day(2024, 3, 10)}, []string{"100.00"})

	charge, err := f.proc.CreateGatewayCharge(ctx, insts[0].ID, dec("30.00"))
	require.NoError(t, err)
	require.Len(t, f.gw.items, 2)
	assert.Equal(t, "28.00", f.gw.items[0].UnitPrice.StringFixed(2))
	assert.True(t, strings.HasPrefix(f.gw.items[1].ID, "M-"))
	assert.Equal(t, "2.00", f.gw.items[1].UnitPrice.StringFixed(2))
	assert.Equal(t, "2.00", charge.Payment.ArrearsCharged.StringFixed(2))
}

func TestGatewayRejectionVoidsPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.open(t, "100.00")
	_, insts := f.seed(t, []time.Time{day(2024, 6, 10)}, []string{"50.00"})

	_, err := f.proc.CreateGatewayCharge(ctx, insts[0].ID, dec("20.00"))
	require.NoError(t, err)

	f.gw.status = gateway.StatusRejected
	f.gw.detail = "cc_rejected_insufficient_amount"
	p, err := f.proc.ConfirmGatewayCharge(ctx, "mp-7")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentVoid, p.State)
	assert.Equal(t, "rejected: cc_rejected_insufficient_amount", p.Notes)

	inst, err := f.store.GetInstallment(ctx, insts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", inst.Balance.StringFixed(2))
	assert.Zero(t, f.kicker.count())

	_, err = f.store.GetInvoice(ctx, p.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGatewayPendingStaysPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.open(t, "100.00")
	_, insts := f.seed(t, []time.Time{day(2024, 6, 10)}, []string{"50.00"})

	_, err := f.proc.CreateGatewayCharge(ctx, insts[0].ID, dec("20.00"))
	require.NoError(t, err)

	f.gw.status = gateway.StatusInProcess
	p, err := f.proc.ConfirmGatewayCharge(ctx, "mp-8")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, p.State)

	f.gw.status = gateway.StatusApproved
	p, err = f.proc.ConfirmGatewayCharge(ctx, "mp-8")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentActive, p.State)
	assert.Equal(t, 2, f.gw.confirmCalls)
}

func TestGatewayUnknownPayment(t *testing.T) {
	f := setup(t)
	f.gw.reference = "not-a-uuid"

	_, err := f.proc.ConfirmGatewayCharge(context.Background(), "mp-404")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestGatewayCreateFailureIsExternal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.open(t, "100.00")
	_, insts := f.seed(t, []time.Time{day(2024, 6, 10)}, []string{"50.00"})
	f.gw.failCreate = errors.New("connection refused")

	_, err := f.proc.CreateGatewayCharge(ctx, insts[0].ID, dec("20.00"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.External))

	payments, err := f.proc.History(ctx, store.PaymentFilter{InstallmentID: &insts[0].ID})
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestGatewayApprovedRetryAfterRejection(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.open(t, "100.00")
	_, insts := f.seed(t, []time.Time{day(2024, 6, 10)}, []string{"80.00"})

	charge, err := f.proc.CreateGatewayCharge(ctx, insts[0].ID, dec("50.00"))
	require.NoError(t, err)

	f.gw.status = gateway.StatusRejected
	f.gw.detail = "cc_rejected_call_for_authorize"
	voided, err := f.proc.ConfirmGatewayCharge(ctx, "mp-A")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentVoid, voided.State)

	f.gw.status = gateway.StatusApproved
	f.gw.detail = "accredited"
	p, err := f.proc.ConfirmGatewayCharge(ctx, "mp-B")
	require.NoError(t, err)
	assert.Equal(t, charge.Payment.ID, p.ID)
	assert.Equal(t, models.PaymentActive, p.State)
	assert.Equal(t, "mp-B", p.GatewayPaymentID)
	assert.Equal(t, "50.00", p.AmountReceived.StringFixed(2))
	assert.Empty(t, p.Notes)

	// Neither the old rejection nor a repeated approval credits again.
	_, err = f.proc.ConfirmGatewayCharge(ctx, "mp-A")
	require.NoError(t, err)
	again, err := f.proc.ConfirmGatewayCharge(ctx, "mp-B")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentActive, again.State)

	inst, err := f.store.GetInstallment(ctx, insts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "30.00", inst.Balance.StringFixed(2))
	assert.Equal(t, "50.00", inst.AmountPaid.StringFixed(2))
	assert.Equal(t, 1, f.kicker.count())

	entry, err := f.store.GetInvoice(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, entry.Status)
}

func TestGatewayChargeRejectsSubCentAmount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.open(t, "100.00")
	_, insts := f.seed(t, []time.Time{day(2024, 6, 10)}, []string{"50.00"})

	_, err := f.proc.CreateGatewayCharge(ctx, insts[0].ID, dec("10.005"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Validation))
	assert.Empty(t, f.gw.items)

	payments, err := f.proc.History(ctx, store.PaymentFilter{InstallmentID: &insts[0].ID})
	require.NoError(t, err)
	assert.Empty(t, payments)
}
