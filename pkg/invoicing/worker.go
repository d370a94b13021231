package invoicing

import (
	"context"
	"fmt"
	"time"

	"github.com/mcclellann/microloans/pkg/models"
	"github.com/mcclellann/microloans/pkg/store"
	"go.uber.org/zap"
)

const defaultBatchSize = 50

// Worker drains the invoice outbox. Failures are retried on later passes
// until maxAttempts, after which the entry is marked FAILED.
type Worker struct {
	store       store.Storage
	emitter     Emitter
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int
	batchSize   int
	kick        chan struct{}
	now         func() time.Time
}

func NewWorker(s store.Storage, emitter Emitter, logger *zap.Logger, interval time.Duration, maxAttempts int) *Worker {
	return &Worker{
		store:       s,
		emitter:     emitter,
		logger:      logger,
		interval:    interval,
		maxAttempts: maxAttempts,
		batchSize:   defaultBatchSize,
		kick:        make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Kick asks the worker to drain soon. It never blocks.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run drains the outbox on every tick and kick until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("invoice outbox drain failed", zap.Error(err))
		}
	}
}

// Drain delivers pending entries, one attempt each, and returns how many
// were sent.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	sent := 0
	for {
		pending, err := w.store.PendingInvoices(ctx, w.batchSize)
		if err != nil {
			return sent, err
		}
		if len(pending) == 0 {
			return sent, nil
		}
		failed := false
		for _, entry := range pending {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			ok, err := w.deliver(ctx, entry)
			if err != nil {
				return sent, err
			}
			if ok {
				sent++
			} else {
				failed = true
			}
		}
		// Failed entries stay PENDING; leave them for the next pass.
		if failed || len(pending) < w.batchSize {
			return sent, nil
		}
	}
}

func (w *Worker) deliver(ctx context.Context, entry *models.InvoiceOutboxEntry) (bool, error) {
	inv, err := w.build(ctx, entry)
	if err == nil {
		err = w.emitter.Emit(ctx, inv)
	}

	entry.Attempts++
	entry.UpdatedAt = w.now().UTC()
	if err == nil {
		entry.Status = models.OutboxSent
		entry.LastError = ""
	} else {
		entry.LastError = err.Error()
		if entry.Attempts >= w.maxAttempts {
			entry.Status = models.OutboxFailed
		}
		w.logger.Warn("invoice delivery failed",
			zap.String("payment_id", entry.PaymentID.String()),
			zap.Int("attempt", entry.Attempts),
			zap.String("status", string(entry.Status)),
			zap.Error(err))
	}

	if uerr := w.store.UpdateInvoice(ctx, entry); uerr != nil {
		return false, fmt.Errorf("failed to record invoice attempt: %w", uerr)
	}
	return err == nil, nil
}

func (w *Worker) build(ctx context.Context, entry *models.InvoiceOutboxEntry) (*Invoice, error) {
	p, err := w.store.GetPayment(ctx, entry.PaymentID)
	if err != nil {
		return nil, err
	}
	inst, err := w.store.GetInstallment(ctx, p.InstallmentID)
	if err != nil {
		return nil, err
	}
	loan, err := w.store.GetLoan(ctx, p.LoanID)
	if err != nil {
		return nil, err
	}
	customer, err := w.store.GetCustomer(ctx, loan.CustomerID)
	if err != nil {
		return nil, err
	}

	kind := Receipt
	if customer.DocumentType == models.DocumentRUC {
		kind = TaxInvoice
	}
	return &Invoice{
		PaymentID:         p.ID,
		Kind:              kind,
		CustomerID:        customer.DocumentID,
		CustomerName:      customer.FullName,
		CustomerAddress:   customer.Address,
		LoanID:            loan.ID,
		InstallmentNumber: inst.Number,
		Principal:         p.AmountApplied,
		LateFee:           p.ArrearsCharged,
		Total:             p.AmountApplied.Add(p.ArrearsCharged),
		Method:            p.Method,
		PaidAt:            p.PaidAt,
	}, nil
}
