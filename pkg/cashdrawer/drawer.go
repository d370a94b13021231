package cashdrawer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/apperr"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/mcclellann/microloans/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

// Drawer is the cash session service.
type Drawer struct {
	store  store.Storage
	logger *zap.Logger
	now    func() time.Time
}

// NewDrawer creates a Drawer. now defaults to time.Now.
func NewDrawer(s store.Storage, logger *zap.Logger, now func() time.Time) *Drawer {
	if now == nil {
		now = time.Now
	}
	return &Drawer{store: s, logger: logger, now: now}
}

// DiscrepancyError is returned by Close when the physical count does not
// match the expected cash and the operator has not confirmed it.
type DiscrepancyError struct {
	Expected   decimal.Decimal
	Counted    decimal.Decimal
	Difference decimal.Decimal
}

func (e *DiscrepancyError) Error() string {
	label := "overage"
	if e.Difference.IsNegative() {
		label = "shortfall"
	}
	return fmt.Sprintf("cash discrepancy: %s %s (expected %s, counted %s)",
		e.Difference.Abs().StringFixed(2), label, e.Expected.StringFixed(2), e.Counted.StringFixed(2))
}

// Kind makes a discrepancy a Conflict for apperr.KindOf.
func (e *DiscrepancyError) Kind() apperr.Kind { return apperr.Conflict }

// Open starts today's session with an opening float.
func (d *Drawer) Open(ctx context.Context, user string, openingFloat decimal.Decimal) (*models.CashSession, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, apperr.Validationf("opening user is required")
	}
	if openingFloat.IsNegative() {
		return nil, apperr.Validationf("opening float must not be negative, got %s", openingFloat)
	}

	now := d.now()
	session := &models.CashSession{
		ID:           uuid.New(),
		OpenedBy:     user,
		OpeningFloat: openingFloat,
		OpenedAt:     now,
		OpenedOn:     now.Format(dayLayout),
		State:        models.SessionOpen,
	}

	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		if open, err := tx.GetOpenCashSession(ctx); err == nil {
			return apperr.Conflictf("a cash session is already open since %s; close it first",
				open.OpenedAt.Format(time.RFC3339))
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if today, err := tx.GetCashSessionOpenedOn(ctx, session.OpenedOn); err == nil {
			return apperr.Conflictf("a cash session was already opened on %s (state %s)", today.OpenedOn, today.State)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.CreateCashSession(ctx, session); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.Conflictf("a cash session is already open or was opened on %s", session.OpenedOn)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("cash session opened",
		zap.String("session_id", session.ID.String()),
		zap.String("user", user),
		zap.String("opening_float", openingFloat.StringFixed(2)))
	return session, nil
}

// Current returns the OPEN session.
func (d *Drawer) Current(ctx context.Context) (*models.CashSession, error) {
	return RequireOpen(ctx, d.store)
}

// AvailableCash is the cash currently available in the open session.
func (d *Drawer) AvailableCash(ctx context.Context) (decimal.Decimal, error) {
	session, err := RequireOpen(ctx, d.store)
	if err != nil {
		return decimal.Zero, err
	}
	return Available(ctx, d.store, session)
}

// Summary is the reconciliation view of the open session.
type Summary struct {
	SessionID       uuid.UUID                                `json:"session_id"`
	OpenedBy        string                                   `json:"opened_by"`
	OpenedAt        time.Time                                `json:"opened_at"`
	Totals
	DigitalSales    decimal.Decimal                          `json:"digital_sales"`
	DigitalByMethod map[models.PaymentMethod]decimal.Decimal `json:"digital_by_method"`
	Expected        decimal.Decimal                          `json:"expected_in_drawer"`
	Available       decimal.Decimal                          `json:"available_cash"`
	Movements       []*models.CashMovement                   `json:"movements"`
}

// Summary reports totals, expected and available cash for the open session.
func (d *Drawer) Summary(ctx context.Context) (*Summary, error) {
	session, err := RequireOpen(ctx, d.store)
	if err != nil {
		return nil, err
	}
	return d.summarize(ctx, d.store, session)
}

func (d *Drawer) summarize(ctx context.Context, tx store.Tx, session *models.CashSession) (*Summary, error) {
	movements, err := tx.ListCashMovements(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	payments, err := tx.ListPayments(ctx, store.PaymentFilter{SessionID: &session.ID})
	if err != nil {
		return nil, err
	}

	totals := Sum(session, movements)
	s := &Summary{
		SessionID:       session.ID,
		OpenedBy:        session.OpenedBy,
		OpenedAt:        session.OpenedAt,
		Totals:          totals,
		DigitalSales:    decimal.Zero,
		DigitalByMethod: make(map[models.PaymentMethod]decimal.Decimal),
		Expected:        totals.Expected(),
		Available:       totals.Available(),
		Movements:       newestFirst(movements),
	}
	for _, p := range payments {
		if p.State != models.PaymentActive || p.Method == models.MethodCash {
			continue
		}
		s.DigitalSales = s.DigitalSales.Add(p.AmountReceived)
		s.DigitalByMethod[p.Method] = s.DigitalByMethod[p.Method].Add(p.AmountReceived)
	}
	return s, nil
}

// CloseRequest is the physical count taken at the end of the shift.
type CloseRequest struct {
	PhysicalCount      decimal.Decimal `json:"physical_count"`
	ConfirmDiscrepancy bool            `json:"confirm_discrepancy"`
	Notes              string          `json:"notes"`
	Actor              string          `json:"actor"`
}

// Close reconciles the physical count against the expected cash and closes
// the session. A non-zero difference needs ConfirmDiscrepancy.
func (d *Drawer) Close(ctx context.Context, req CloseRequest) (*models.CashSession, error) {
	if req.PhysicalCount.IsNegative() {
		return nil, apperr.Validationf("physical count must not be negative, got %s", req.PhysicalCount)
	}

	var closed *models.CashSession
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		session, err := RequireOpen(ctx, tx)
		if err != nil {
			return err
		}
		summary, err := d.summarize(ctx, tx, session)
		if err != nil {
			return err
		}

		diff := req.PhysicalCount.Sub(summary.Expected)
		if !diff.IsZero() && !req.ConfirmDiscrepancy {
			return &DiscrepancyError{Expected: summary.Expected, Counted: req.PhysicalCount, Difference: diff}
		}

		closedAt := d.now()
		systemCash := summary.CashSales
		systemDigital := summary.DigitalSales
		counted := req.PhysicalCount
		session.ClosedAt = &closedAt
		session.SystemCash = &systemCash
		session.SystemDigital = &systemDigital
		session.PhysicalCount = &counted
		session.Discrepancy = &diff
		session.Notes = req.Notes
		session.State = models.SessionClosed
		if err := tx.CloseCashSession(ctx, session); err != nil {
			return err
		}
		closed = session
		return nil
	})
	if err != nil {
		var de *DiscrepancyError
		if errors.As(err, &de) {
			d.logger.Warn("cash close blocked by discrepancy",
				zap.String("expected", de.Expected.StringFixed(2)),
				zap.String("counted", de.Counted.StringFixed(2)))
		}
		return nil, err
	}

	d.logger.Info("cash session closed",
		zap.String("session_id", closed.ID.String()),
		zap.String("discrepancy", closed.Discrepancy.StringFixed(2)))
	return closed, nil
}

// MovementRequest is a manual cash movement.
type MovementRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Concept string          `json:"concept"`
	Actor   string          `json:"actor"`
}

// MovementResult is the appended movement and the available cash after it.
type MovementResult struct {
	Movement  *models.CashMovement `json:"movement"`
	Available decimal.Decimal      `json:"available_cash"`
}

// RegisterReinfusion adds cash to the drawer.
func (d *Drawer) RegisterReinfusion(ctx context.Context, req MovementRequest) (*MovementResult, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Validationf("re-infusion amount must be positive, got %s", req.Amount)
	}
	return d.register(ctx, models.MovementReinfusion, req, "cash re-infusion")
}

// RegisterWithdrawal removes cash from the drawer. It never takes the
// available cash below zero.
func (d *Drawer) RegisterWithdrawal(ctx context.Context, req MovementRequest) (*MovementResult, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Validationf("withdrawal amount must be positive, got %s", req.Amount)
	}
	return d.register(ctx, models.MovementWithdrawal, req, "cash withdrawal")
}

// RegisterAdjustment records a signed correction.
func (d *Drawer) RegisterAdjustment(ctx context.Context, req MovementRequest) (*MovementResult, error) {
	if req.Amount.IsZero() {
		return nil, apperr.Validationf("adjustment amount must not be zero")
	}
	if strings.TrimSpace(req.Concept) == "" {
		return nil, apperr.Validationf("an adjustment needs a concept")
	}
	return d.register(ctx, models.MovementAdjustment, req, "")
}

func (d *Drawer) register(ctx context.Context, kind models.MovementKind, req MovementRequest, defaultConcept string) (*MovementResult, error) {
	concept := strings.TrimSpace(req.Concept)
	if concept == "" {
		concept = defaultConcept
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "system"
	}

	var result *MovementResult
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		session, err := RequireOpen(ctx, tx)
		if err != nil {
			return err
		}
		m, err := Append(ctx, tx, session, Entry{Kind: kind, Amount: req.Amount, Concept: concept, Actor: actor}, d.now())
		if err != nil {
			return err
		}
		if m.RunningBalance.IsNegative() {
			return apperr.Conflictf("%s of %s exceeds available cash %s",
				strings.ToLower(string(kind)), req.Amount.Abs().StringFixed(2), m.RunningBalance.Sub(m.Signed()).StringFixed(2))
		}
		result = &MovementResult{Movement: m, Available: m.RunningBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("cash movement registered",
		zap.String("kind", string(kind)),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.String("available", result.Available.StringFixed(2)))
	return result, nil
}

// ChangeCheck tells whether the drawer can hand out a given change.
type ChangeCheck struct {
	Required   decimal.Decimal `json:"required"`
	Available  decimal.Decimal `json:"available"`
	Sufficient bool            `json:"sufficient"`
	Shortfall  decimal.Decimal `json:"shortfall"`
}

// ValidateChange reports whether the open session can cover amount.
func (d *Drawer) ValidateChange(ctx context.Context, amount decimal.Decimal) (*ChangeCheck, error) {
	if amount.IsNegative() {
		return nil, apperr.Validationf("change must not be negative, got %s", amount)
	}
	available, err := d.AvailableCash(ctx)
	if err != nil {
		return nil, err
	}
	check := &ChangeCheck{
		Required:   amount,
		Available:  available,
		Sufficient: available.GreaterThanOrEqual(amount),
		Shortfall:  decimal.Zero,
	}
	if !check.Sufficient {
		check.Shortfall = amount.Sub(available)
	}
	return check, nil
}

// Movements lists the open session's movements, newest first.
func (d *Drawer) Movements(ctx context.Context) ([]*models.CashMovement, error) {
	session, err := RequireOpen(ctx, d.store)
	if err != nil {
		return nil, err
	}
	movements, err := d.store.ListCashMovements(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return newestFirst(movements), nil
}

func newestFirst(movements []*models.CashMovement) []*models.CashMovement {
	out := make([]*models.CashMovement, len(movements))
	for i, m := range movements {
		out[len(movements)-1-i] = m
	}
	return out
}
