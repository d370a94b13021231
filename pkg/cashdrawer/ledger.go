// Package cashdrawer keeps the cash session ledger: one session per shift,
// an append-only list of movements, and the arithmetic that tells how much
// physical cash should be in the drawer.
//
// The package-level functions take a store.Tx so that the payment processor
// can check and post cash effects inside its own transaction.
package cashdrawer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/mcclellann/microloans/pkg/store"
	"github.com/shopspring/decimal"
)

// Totals are the per-kind sums of a session's movements.
type Totals struct {
	OpeningFloat decimal.Decimal `json:"opening_float"`
	CashSales    decimal.Decimal `json:"cash_sales"`
	Reinfusions  decimal.Decimal `json:"reinfusions"`
	Withdrawals  decimal.Decimal `json:"withdrawals"`
	ChangeOuts   decimal.Decimal `json:"change_outs"`
	Adjustments  decimal.Decimal `json:"adjustments"`
}

// Expected is the cash the drawer should hold at close. Withdrawals are
// reported separately and do not reduce it.
func (t Totals) Expected() decimal.Decimal {
	return t.OpeningFloat.Add(t.CashSales).Add(t.Reinfusions).Add(t.Adjustments).Sub(t.ChangeOuts)
}

// Available is the cash that can still be handed out.
func (t Totals) Available() decimal.Decimal {
	return t.Expected().Sub(t.Withdrawals)
}

// Sum totals movements by kind.
func Sum(session *models.CashSession, movements []*models.CashMovement) Totals {
	t := Totals{OpeningFloat: session.OpeningFloat}
	for _, m := range movements {
		switch m.Kind {
		case models.MovementSale:
			t.CashSales = t.CashSales.Add(m.Amount)
		case models.MovementReinfusion:
			t.Reinfusions = t.Reinfusions.Add(m.Amount)
		case models.MovementWithdrawal:
			t.Withdrawals = t.Withdrawals.Add(m.Amount)
		case models.MovementChangeOut:
			t.ChangeOuts = t.ChangeOuts.Add(m.Amount)
		case models.MovementAdjustment:
			t.Adjustments = t.Adjustments.Add(m.Amount)
		}
	}
	return t
}

// RequireOpen returns the OPEN session, or a Conflict when there is none.
func RequireOpen(ctx context.Context, tx store.Tx) (*models.CashSession, error) {
	session, err := tx.GetOpenCashSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Conflictf("no cash session is open")
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Available recomputes the session's available cash from its movements.
func Available(ctx context.Context, tx store.Tx, session *models.CashSession) (decimal.Decimal, error) {
	movements, err := tx.ListCashMovements(ctx, session.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return Sum(session, movements).Available(), nil
}

// CheckChange fails with a Conflict when the drawer cannot cover change.
func CheckChange(ctx context.Context, tx store.Tx, session *models.CashSession, change decimal.Decimal) error {
	if !change.IsPositive() {
		return nil
	}
	available, err := Available(ctx, tx, session)
	if err != nil {
		return err
	}
	if available.LessThan(change) {
		return apperr.Conflictf("insufficient cash for change: need %s, available %s, short %s",
			change.StringFixed(2), available.StringFixed(2), change.Sub(available).StringFixed(2))
	}
	return nil
}

// Entry describes a movement to append.
type Entry struct {
	Kind      models.MovementKind
	Amount    decimal.Decimal
	Concept   string
	Actor     string
	PaymentID *uuid.UUID
}

// Append records a movement with a snapshot of the available cash after it.
func Append(ctx context.Context, tx store.Tx, session *models.CashSession, e Entry, now time.Time) (*models.CashMovement, error) {
	available, err := Available(ctx, tx, session)
	if err != nil {
		return nil, err
	}
	m := &models.CashMovement{
		ID:        uuid.New(),
		SessionID: session.ID,
		Kind:      e.Kind,
		Amount:    e.Amount,
		Concept:   e.Concept,
		Actor:     e.Actor,
		PaymentID: e.PaymentID,
		CreatedAt: now,
	}
	m.RunningBalance = available.Add(m.Signed())
	if err := tx.CreateCashMovement(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to append %s movement: %w", e.Kind, err)
	}
	return m, nil
}
