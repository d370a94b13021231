// Package invoicing delivers invoice requests for settled payments. Requests
// are queued in the invoice outbox inside the payment transaction; the Worker
// drains the outbox and hands each one to an Emitter.
package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/microloans/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DocumentKind is the tax document issued for a payment.
type DocumentKind string

const (
	// Receipt is issued to natural persons (DNI).
	Receipt DocumentKind = "RECEIPT"
	// TaxInvoice is issued to taxpayers (RUC).
	TaxInvoice DocumentKind = "INVOICE"
)

// Invoice is the payload sent to the invoicing service.
type Invoice struct {
	PaymentID         uuid.UUID            `json:"payment_id"`
	Kind              DocumentKind         `json:"kind"`
	CustomerID        string               `json:"customer_id"`
	CustomerName      string               `json:"customer_name"`
	CustomerAddress   string               `json:"customer_address,omitempty"`
	LoanID            uuid.UUID            `json:"loan_id"`
	InstallmentNumber int                  `json:"installment_number"`
	Principal         decimal.Decimal      `json:"principal"`
	LateFee           decimal.Decimal      `json:"late_fee"`
	Total             decimal.Decimal      `json:"total"`
	Method            models.PaymentMethod `json:"method"`
	PaidAt            time.Time            `json:"paid_at"`
}

// Emitter issues one invoice. Implementations must be idempotent on
// PaymentID, since a delivery may be retried after a timeout.
type Emitter interface {
	Emit(ctx context.Context, inv *Invoice) error
}

// HTTPEmitter POSTs the invoice as JSON.
type HTTPEmitter struct {
	url        string
	httpClient *http.Client
}

func NewHTTPEmitter(url string) *HTTPEmitter {
	return &HTTPEmitter{url: url, httpClient: &http.Client{Timeout: 20 * time.Second}}
}

func (e *HTTPEmitter) Emit(ctx context.Context, inv *Invoice) error {
	body, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to encode invoice: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", inv.PaymentID.String())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach invoicing service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("invoicing service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// LogEmitter only logs. It is used when no invoicing service is configured.
type LogEmitter struct {
	logger *zap.Logger
}

func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(_ context.Context, inv *Invoice) error {
	e.logger.Info("invoice issued",
		zap.String("payment_id", inv.PaymentID.String()),
		zap.String("kind", string(inv.Kind)),
		zap.String("customer_id", inv.CustomerID),
		zap.String("total", inv.Total.StringFixed(2)))
	return nil
}
