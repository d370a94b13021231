// Package gateway talks to the hosted-checkout payment gateway: it creates
// checkout preferences and looks up the final status of a gateway payment.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the gateway's payment status.
type Status string

const (
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusPending   Status = "pending"
	StatusInProcess Status = "in_process"
)

const (
	defaultCurrency    = "PEN"
	defaultHTTPTimeout = 15 * time.Second
)

// Item is one line of a checkout.
type Item struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Charge is a created checkout.
type Charge struct {
	ChargeID    string `json:"charge_id"`
	CheckoutURL string `json:"checkout_url"`
}

// Confirmation is what the gateway reports for one of its payments.
type Confirmation struct {
	PaymentID         string `json:"payment_id"`
	Status            Status `json:"status"`
	StatusDetail      string `json:"status_detail"`
	ExternalReference string `json:"external_reference"`
}

type Client interface {
	CreateCharge(ctx context.Context, reference string, items []Item) (*Charge, error)
	Confirm(ctx context.Context, paymentID string) (*Confirmation, error)
}

// HTTPClient is a Client for a MercadoPago-style REST API.
type HTTPClient struct {
	baseURL         string
	token           string
	notificationURL string
	httpClient      *http.Client
}

func NewHTTPClient(baseURL, token, notificationURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		token:           token,
		notificationURL: notificationURL,
		httpClient:      &http.Client{Timeout: defaultHTTPTimeout},
	}
}

type preferenceItem struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	CurrencyID string      `json:"currency_id"`
	UnitPrice  json.Number `json:"unit_price"`
}

type preferenceRequest struct {
	Items             []preferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	NotificationURL   string           `json:"notification_url,omitempty"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
}

// CreateCharge creates a checkout preference for the items.
func (c *HTTPClient) CreateCharge(ctx context.Context, reference string, items []Item) (*Charge, error) {
	req := preferenceRequest{ExternalReference: reference}
	if strings.HasPrefix(c.notificationURL, "https://") {
		req.NotificationURL = c.notificationURL
	}
	for _, it := range items {
		req.Items = append(req.Items, preferenceItem{
			ID:         it.ID,
			Title:      it.Title,
			Quantity:   it.Quantity,
			CurrencyID: defaultCurrency,
			UnitPrice:  json.Number(it.UnitPrice.StringFixed(2)),
		})
	}

	var resp preferenceResponse
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create checkout preference: %w", err)
	}
	return &Charge{ChargeID: resp.ID, CheckoutURL: resp.InitPoint}, nil
}

// Confirm fetches the status of a gateway payment.
func (c *HTTPClient) Confirm(ctx context.Context, paymentID string) (*Confirmation, error) {
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch gateway payment %s: %w", paymentID, err)
	}
	id := resp.ID.String()
	if id == "" {
		id = paymentID
	}
	return &Confirmation{
		PaymentID:         id,
		Status:            Status(resp.Status),
		StatusDetail:      resp.StatusDetail,
		ExternalReference: resp.ExternalReference,
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
