package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/gateway"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/mcclellann/microloans/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const settledTTL = 72 * time.Hour

// GatewayCharge is a started checkout and its PENDING payment.
type GatewayCharge struct {
	Payment     *models.Payment `json:"payment"`
	ChargeID    string          `json:"charge_id"`
	CheckoutURL string          `json:"checkout_url"`
}

// CreateGatewayCharge starts a hosted checkout for an installment. The
// gateway is called outside any transaction; the PENDING payment is written
// afterwards, once the preconditions have been checked again.
func (p *Processor) CreateGatewayCharge(ctx context.Context, installmentID uuid.UUID, amount decimal.Decimal) (*GatewayCharge, error) {
	if p.gateway == nil {
		return nil, apperr.Externalf(errors.New("not configured"), "payment gateway unavailable")
	}
	if !amount.IsPositive() {
		return nil, apperr.Validationf("payment amount must be positive, got %s", amount)
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, apperr.Validationf("payment amount %s has more than two decimals", amount)
	}

	t, err := p.prepare(ctx, p.store, installmentID, amount)
	if err != nil {
		return nil, err
	}

	paymentID := uuid.New()
	var items []gateway.Item
	if t.alloc.PrincipalApplied.IsPositive() {
		items = append(items, gateway.Item{
			ID:        "C-" + t.inst.ID.String(),
			Title:     fmt.Sprintf("Installment #%d", t.inst.Number),
			Quantity:  1,
			UnitPrice: t.alloc.PrincipalApplied,
		})
	}
	if t.alloc.FeeCharged.IsPositive() {
		items = append(items, gateway.Item{
			ID:        "M-" + t.inst.ID.String(),
			Title:     "Late payment fee",
			Quantity:  1,
			UnitPrice: t.alloc.FeeCharged,
		})
	}

	charge, err := p.gateway.CreateCharge(ctx, paymentID.String(), items)
	if err != nil {
		return nil, apperr.Externalf(err, "payment gateway could not create the checkout")
	}

	var payment *models.Payment
	err = p.store.WithTx(ctx, func(tx store.Tx) error {
		t, err := p.prepare(ctx, tx, installmentID, amount)
		if err != nil {
			return err
		}
		now := p.policy.Now()
		sessionID := t.session.ID
		payment = &models.Payment{
			ID:                paymentID,
			InstallmentID:     t.inst.ID,
			LoanID:            t.inst.LoanID,
			SessionID:         &sessionID,
			AmountApplied:     t.alloc.PrincipalApplied,
			AmountReceived:    decimal.Zero,
			Change:            decimal.Zero,
			Rounding:          decimal.Zero,
			ArrearsCalculated: t.alloc.FeeCalculated,
			ArrearsCharged:    t.alloc.FeeCharged,
			ArrearsWaived:     t.alloc.FeeWaived,
			Method:            models.MethodGateway,
			State:             models.PaymentPending,
			Reference:         paymentID.String(),
			GatewayChargeID:   charge.ChargeID,
			PaidAt:            now,
			CreatedAt:         now,
		}
		return tx.CreatePayment(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("gateway checkout created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("charge_id", charge.ChargeID),
		zap.String("amount", amount.StringFixed(2)))
	return &GatewayCharge{Payment: payment, ChargeID: charge.ChargeID, CheckoutURL: charge.CheckoutURL}, nil
}

// ConfirmGatewayCharge applies the gateway's verdict on one of its payments.
// It is idempotent per gateway payment id: a payment that is already ACTIVE
// or VOID is returned unchanged, so repeated notifications never credit
// twice. A VOID payment is reactivated only when a different gateway payment
// for the same checkout is approved.
func (p *Processor) ConfirmGatewayCharge(ctx context.Context, gatewayPaymentID string) (*models.Payment, error) {
	if gatewayPaymentID == "" {
		return nil, apperr.Validationf("gateway payment id is required")
	}
	if p.gateway == nil {
		return nil, apperr.Externalf(errors.New("not configured"), "payment gateway unavailable")
	}

	key := "gateway:settled:" + gatewayPaymentID
	if cached, ok := p.cache.Get(ctx, key); ok {
		if id, err := uuid.Parse(cached); err == nil {
			if settled, err := p.store.GetPayment(ctx, id); err == nil {
				p.logger.Debug("duplicate gateway notification", zap.String("gateway_payment_id", gatewayPaymentID))
				return settled, nil
			}
		}
	}

	conf, err := p.gateway.Confirm(ctx, gatewayPaymentID)
	if err != nil {
		return nil, apperr.Externalf(err, "payment gateway could not confirm payment %s", gatewayPaymentID)
	}
	if conf.PaymentID == "" {
		conf.PaymentID = gatewayPaymentID
	}

	var payment *models.Payment
	var activated, loanCompleted bool
	err = p.store.WithTx(ctx, func(tx store.Tx) error {
		pay, err := findGatewayPayment(ctx, tx, conf)
		if err != nil {
			return err
		}
		payment = pay
		retried := pay.State == models.PaymentVoid && conf.Status == gateway.StatusApproved &&
			pay.GatewayPaymentID != conf.PaymentID
		if pay.State != models.PaymentPending && !retried {
			return nil
		}
		if retried {
			p.logger.Info("approved retry of a voided checkout",
				zap.String("payment_id", pay.ID.String()),
				zap.String("voided_gateway_payment_id", pay.GatewayPaymentID),
				zap.String("gateway_payment_id", conf.PaymentID))
		}

		now := p.policy.Now()
		switch conf.Status {
		case gateway.StatusApproved:
			inst, err := tx.GetInstallment(ctx, pay.InstallmentID)
			if err != nil {
				return err
			}
			collected := pay.AmountApplied.Add(pay.ArrearsCharged)
			applied, err := p.applyToInstallment(ctx, tx, inst, pay.AmountApplied, now)
			if err != nil {
				return err
			}
			pay.State = models.PaymentActive
			pay.AmountApplied = applied
			pay.AmountReceived = collected
			pay.GatewayPaymentID = conf.PaymentID
			pay.PaidAt = now
			if retried {
				pay.Notes = ""
			}
			if err := tx.UpdatePayment(ctx, pay); err != nil {
				return err
			}
			if err := tx.EnqueueInvoice(ctx, pay.ID); err != nil {
				return err
			}
			activated = true
			loanCompleted, err = p.completeLoan(ctx, tx, pay.LoanID)
			return err
		case gateway.StatusRejected, gateway.StatusCancelled:
			pay.State = models.PaymentVoid
			pay.GatewayPaymentID = conf.PaymentID
			pay.Notes = fmt.Sprintf("%s: %s", conf.Status, conf.StatusDetail)
			return tx.UpdatePayment(ctx, pay)
		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if payment.State != models.PaymentPending {
		if err := p.cache.Set(ctx, key, payment.ID.String(), settledTTL); err != nil {
			p.logger.Warn("failed to cache settled gateway payment", zap.Error(err))
		}
	}
	if activated {
		p.kick()
	}
	p.logger.Info("gateway notification processed",
		zap.String("gateway_payment_id", conf.PaymentID),
		zap.String("gateway_status", string(conf.Status)),
		zap.String("payment_id", payment.ID.String()),
		zap.String("state", string(payment.State)),
		zap.Bool("loan_completed", loanCompleted))
	return payment, nil
}

// findGatewayPayment locates the local payment by gateway payment id, then
// by the external reference we sent at checkout (our payment id).
func findGatewayPayment(ctx context.Context, tx store.Tx, conf *gateway.Confirmation) (*models.Payment, error) {
	pay, err := tx.GetPaymentByGatewayID(ctx, conf.PaymentID)
	if err == nil {
		return pay, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	id, perr := uuid.Parse(conf.ExternalReference)
	if perr != nil {
		return nil, apperr.NotFoundf("gateway payment %s has no local reference (%q)", conf.PaymentID, conf.ExternalReference)
	}
	pay, err = tx.GetPayment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("no local payment for gateway payment %s", conf.PaymentID)
	}
	if err != nil {
		return nil, err
	}
	if pay.Method != models.MethodGateway {
		return nil, apperr.NotFoundf("payment %s is not a gateway payment", pay.ID)
	}
	return pay, nil
}
