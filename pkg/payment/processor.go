// Package payment records payments against installments: it checks the
// ordering and payable-total rules, splits the amount between late fee and
// balance, posts the cash effect to the drawer and queues the invoice, all in
// one storage transaction.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/arrears"
	"github.com/mcclellann/microloans/pkg/cache"
	"github.com/mcclellann/microloans/pkg/cashdrawer"
	"github.com/mcclellann/microloans/pkg/gateway"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/mcclellann/microloans/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Kicker is nudged after a commit that queued an invoice.
type Kicker interface {
	Kick()
}

// Processor is the payment service.
type Processor struct {
	store   store.Storage
	policy  *arrears.Policy
	gateway gateway.Client
	cache   cache.Cache
	outbox  Kicker
	logger  *zap.Logger
}

// NewProcessor wires a Processor. gw and outbox may be nil.
func NewProcessor(s store.Storage, policy *arrears.Policy, gw gateway.Client, c cache.Cache, outbox Kicker, logger *zap.Logger) *Processor {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	return &Processor{store: s, policy: policy, gateway: gw, cache: c, outbox: outbox, logger: logger}
}

// Request is a counter payment.
type Request struct {
	InstallmentID  uuid.UUID            `json:"installment_id"`
	Amount         decimal.Decimal      `json:"amount"`
	AmountReceived *decimal.Decimal     `json:"amount_received,omitempty"`
	Method         models.PaymentMethod `json:"method"`
	Reference      string               `json:"reference,omitempty"`
	Notes          string               `json:"notes,omitempty"`
	Actor          string               `json:"actor,omitempty"`
}

// target is the result of the shared preconditions.
type target struct {
	session *models.CashSession
	inst    *models.Installment
	alloc   arrears.Allocation
}

// prepare runs the preconditions in order; the first failure wins.
func (p *Processor) prepare(ctx context.Context, tx store.Tx, installmentID uuid.UUID, amount decimal.Decimal) (*target, error) {
	session, err := cashdrawer.RequireOpen(ctx, tx)
	if err != nil {
		return nil, err
	}

	inst, err := tx.GetInstallment(ctx, installmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("installment %s not found", installmentID)
	}
	if err != nil {
		return nil, err
	}
	if inst.State == models.InstallmentPaid || !inst.Balance.IsPositive() {
		return nil, apperr.Conflictf("installment #%d is already paid", inst.Number)
	}

	blocking, err := tx.FirstUnpaidBefore(ctx, inst.LoanID, inst.Number)
	if err == nil {
		return nil, apperr.Conflictf("installment #%d must be paid before installment #%d (balance %s)",
			blocking.Number, inst.Number, blocking.Balance.StringFixed(2))
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	alloc, err := p.policy.Allocate(inst, amount)
	if err != nil {
		return nil, err
	}
	return &target{session: session, inst: inst, alloc: alloc}, nil
}

// applyToInstallment reduces the balance by at most what is owed and
// returns the amount actually applied.
func (p *Processor) applyToInstallment(ctx context.Context, tx store.Tx, inst *models.Installment, principal decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	applied := decimal.Min(principal, inst.Balance)
	if applied.IsNegative() {
		applied = decimal.Zero
	}
	inst.AmountPaid = inst.AmountPaid.Add(applied)
	inst.Balance = inst.Balance.Sub(applied)
	if inst.Balance.IsNegative() {
		inst.Balance = decimal.Zero
	}
	inst.State = p.policy.NextState(inst)
	inst.UpdatedAt = now
	if err := tx.UpdateInstallment(ctx, inst); err != nil {
		return decimal.Zero, err
	}
	return applied, nil
}

// completeLoan cancels the loan once none of its installments owes anything.
func (p *Processor) completeLoan(ctx context.Context, tx store.Tx, loanID uuid.UUID) (bool, error) {
	unpaid, err := tx.CountUnpaidInstallments(ctx, loanID)
	if err != nil {
		return false, err
	}
	if unpaid > 0 {
		return false, nil
	}
	if err := tx.UpdateLoanState(ctx, loanID, models.LoanCancelled); err != nil {
		return false, err
	}
	return true, nil
}

// RecordPayment records a cash, card or wallet payment.
func (p *Processor) RecordPayment(ctx context.Context, req Request) (*models.Payment, error) {
	behavior, err := behaviorFor(req.Method)
	if err != nil {
		return nil, err
	}
	if !behavior.direct {
		return nil, apperr.Validationf("%s payments are started with a gateway charge", req.Method)
	}
	if req.InstallmentID == uuid.Nil {
		return nil, apperr.Validationf("installment id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Validationf("payment amount must be positive, got %s", req.Amount)
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, apperr.Validationf("payment amount %s has more than two decimals", req.Amount)
	}
	settled, err := behavior.settle(req.Amount, req.AmountReceived)
	if err != nil {
		return nil, err
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "system"
	}

	var payment *models.Payment
	var loanCompleted bool
	err = p.store.WithTx(ctx, func(tx store.Tx) error {
		t, err := p.prepare(ctx, tx, req.InstallmentID, req.Amount)
		if err != nil {
			return err
		}
		if behavior.touchesDrawer {
			if err := cashdrawer.CheckChange(ctx, tx, t.session, settled.Change); err != nil {
				return err
			}
		}

		now := p.policy.Now()
		sessionID := t.session.ID
		payment = &models.Payment{
			ID:                uuid.New(),
			InstallmentID:     t.inst.ID,
			LoanID:            t.inst.LoanID,
			SessionID:         &sessionID,
			AmountApplied:     t.alloc.PrincipalApplied,
			AmountReceived:    settled.Received,
			Change:            settled.Change,
			Rounding:          settled.Rounding,
			ArrearsCalculated: t.alloc.FeeCalculated,
			ArrearsCharged:    t.alloc.FeeCharged,
			ArrearsWaived:     t.alloc.FeeWaived,
			Method:            req.Method,
			State:             models.PaymentActive,
			Reference:         req.Reference,
			Notes:             req.Notes,
			PaidAt:            now,
			CreatedAt:         now,
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		if _, err := p.applyToInstallment(ctx, tx, t.inst, t.alloc.PrincipalApplied, now); err != nil {
			return err
		}

		if behavior.touchesDrawer {
			concept := fmt.Sprintf("installment #%d payment %s", t.inst.Number, payment.ID)
			if _, err := cashdrawer.Append(ctx, tx, t.session, cashdrawer.Entry{
				Kind: models.MovementSale, Amount: settled.Received, Concept: concept, Actor: actor, PaymentID: &payment.ID,
			}, now); err != nil {
				return err
			}
			if settled.Change.IsPositive() {
				if _, err := cashdrawer.Append(ctx, tx, t.session, cashdrawer.Entry{
					Kind: models.MovementChangeOut, Amount: settled.Change, Concept: "change for " + concept, Actor: actor, PaymentID: &payment.ID,
				}, now); err != nil {
					return err
				}
			}
		}

		if err := tx.EnqueueInvoice(ctx, payment.ID); err != nil {
			return err
		}
		loanCompleted, err = p.completeLoan(ctx, tx, t.inst.LoanID)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.kick()
	p.logger.Info("payment recorded",
		zap.String("payment_id", payment.ID.String()),
		zap.String("installment_id", payment.InstallmentID.String()),
		zap.String("method", string(payment.Method)),
		zap.String("applied", payment.AmountApplied.StringFixed(2)),
		zap.String("late_fee", payment.ArrearsCharged.StringFixed(2)),
		zap.String("received", payment.AmountReceived.StringFixed(2)),
		zap.String("change", payment.Change.StringFixed(2)),
		zap.String("rounding", payment.Rounding.StringFixed(2)))
	if loanCompleted {
		p.logger.Info("loan fully repaid", zap.String("loan_id", payment.LoanID.String()))
	}
	return payment, nil
}

// History lists payments for one installment, loan, customer or session.
func (p *Processor) History(ctx context.Context, filter store.PaymentFilter) ([]*models.Payment, error) {
	if filter.InstallmentID == nil && filter.LoanID == nil && filter.CustomerID == "" && filter.SessionID == nil {
		return nil, apperr.Validationf("payment history needs an installment, loan, customer or session")
	}
	payments, err := p.store.ListPayments(ctx, filter)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	return payments, nil
}

func (p *Processor) kick() {
	if p.outbox != nil {
		p.outbox.Kick()
	}
}
