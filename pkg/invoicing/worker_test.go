package invoicing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/mcclellann/microloans/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingEmitter struct {
	mu       sync.Mutex
	failures int
	reject   uuid.UUID
	got      []*Invoice
}

func (e *recordingEmitter) Emit(_ context.Context, inv *Invoice) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inv.PaymentID == e.reject {
		return errors.New("invoice rejected")
	}
	if e.failures > 0 {
		e.failures--
		return errors.New("invoicing service unavailable")
	}
	e.got = append(e.got, inv)
	return nil
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.got)
}

// seedPayment stores an ACTIVE payment with its outbox entry.
func seedPayment(t *testing.T, s store.Storage, docType models.DocumentType, documentID string) *models.Payment {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	loan := &models.Loan{
		ID:                uuid.New(),
		CustomerID:        documentID,
		Principal:         decimal.NewFromInt(100),
		AnnualRate:        decimal.Zero,
		MonthlyRate:       decimal.Zero,
		Months:            1,
		StartDate:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		InstallmentAmount: decimal.NewFromInt(100),
		State:             models.LoanActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	inst := &models.Installment{
		ID:         uuid.New(),
		LoanID:     loan.ID,
		Number:     1,
		DueDate:    loan.StartDate.AddDate(0, 0, 30),
		Principal:  decimal.NewFromInt(100),
		Interest:   decimal.Zero,
		Tax:        decimal.Zero,
		Amount:     decimal.NewFromInt(100),
		AmountPaid: decimal.Zero,
		Balance:    decimal.NewFromInt(100),
		State:      models.InstallmentPending,
		UpdatedAt:  now,
	}
	p := &models.Payment{
		ID:                uuid.New(),
		InstallmentID:     inst.ID,
		LoanID:            loan.ID,
		AmountApplied:     decimal.RequireFromString("40.00"),
		AmountReceived:    decimal.RequireFromString("42.00"),
		Change:            decimal.Zero,
		Rounding:          decimal.Zero,
		ArrearsCalculated: decimal.RequireFromString("2.00"),
		ArrearsCharged:    decimal.RequireFromString("2.00"),
		Method:            models.MethodDebitCard,
		State:             models.PaymentActive,
		PaidAt:            now,
		CreatedAt:         now,
	}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateCustomer(ctx, &models.Customer{DocumentID: documentID, DocumentType: docType, FullName: "ACME", CreatedAt: now}); err != nil {
			return err
		}
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return err
		}
		if err := tx.CreateInstallments(ctx, []*models.Installment{inst}); err != nil {
			return err
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		return tx.EnqueueInvoice(ctx, p.ID)
	})
	require.NoError(t, err)
	return p
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.DriverCGO, filepath.Join(t.TempDir(), "outbox.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDrainSendsOncePerPayment(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := seedPayment(t, s, models.DocumentRUC, "20123456789")

	emitter := &recordingEmitter{}
	w := NewWorker(s, emitter, zap.NewNop(), time.Hour, 3)

	sent, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	require.Len(t, emitter.got, 1)
	inv := emitter.got[0]
	assert.Equal(t, p.ID, inv.PaymentID)
	assert.Equal(t, TaxInvoice, inv.Kind)
	assert.Equal(t, "42.00", inv.Total.StringFixed(2))
	assert.Equal(t, 1, inv.InstallmentNumber)

	entry, err := s.GetInvoice(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxSent, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
}

func TestDrainRetriesThenFails(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := seedPayment(t, s, models.DocumentDNI, "12345678")

	emitter := &recordingEmitter{failures: 10}
	w := NewWorker(s, emitter, zap.NewNop(), time.Hour, 2)

	sent, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	entry, err := s.GetInvoice(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Contains(t, entry.LastError, "unavailable")

	_, err = w.Drain(ctx)
	require.NoError(t, err)
	entry, err = s.GetInvoice(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxFailed, entry.Status)
	assert.Equal(t, 2, entry.Attempts)

	_, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, emitter.count())
}

func TestDrainFailingEntryDoesNotBlockNewer(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	stuck := seedPayment(t, s, models.DocumentDNI, "12345678")
	fresh := seedPayment(t, s, models.DocumentDNI, "87654321")

	emitter := &recordingEmitter{reject: stuck.ID}
	w := NewWorker(s, emitter, zap.NewNop(), time.Hour, 5)
	w.batchSize = 1

	sent, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	sent, err = w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	entry, err := s.GetInvoice(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxSent, entry.Status)

	entry, err = s.GetInvoice(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPending, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
}

func TestRunDrainsOnKick(t *testing.T) {
	s := newStore(t)
	seedPayment(t, s, models.DocumentDNI, "12345678")

	emitter := &recordingEmitter{}
	w := NewWorker(s, emitter, zap.NewNop(), time.Hour, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Kick()
	w.Kick()
	assert.Eventually(t, func() bool { return emitter.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestHTTPEmitter(t *testing.T) {
	var got Invoice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	inv := &Invoice{PaymentID: uuid.New(), Kind: Receipt, Total: decimal.RequireFromString("10.50")}
	require.NoError(t, NewHTTPEmitter(srv.URL).Emit(context.Background(), inv))
	assert.Equal(t, inv.PaymentID, got.PaymentID)
	assert.True(t, got.Total.Equal(inv.Total))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer failing.Close()
	err := NewHTTPEmitter(failing.URL).Emit(context.Background(), inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
