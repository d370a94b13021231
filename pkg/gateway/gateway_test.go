package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientCreateCharge(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pref-1","init_point":"https://checkout.example/pref-1"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret", "http://localhost/hook")
	charge, err := c.CreateCharge(context.Background(), "ref-1", []Item{
		{ID: "C-1", Title: "Installment #1", Quantity: 1, UnitPrice: decimal.RequireFromString("50")},
		{ID: "M-1", Title: "Late fee", Quantity: 1, UnitPrice: decimal.RequireFromString("2.5")},
	})
	require.NoError(t, err)
	assert.Equal(t, "pref-1", charge.ChargeID)
	assert.Equal(t, "https://checkout.example/pref-1", charge.CheckoutURL)

	assert.Equal(t, "ref-1", got["external_reference"])
	assert.NotContains(t, got, "notification_url")
	items := got["items"].([]any)
	require.Len(t, items, 2)
	second := items[1].(map[string]any)
	assert.Equal(t, 2.5, second["unit_price"])
	assert.Equal(t, "PEN", second["currency_id"])
}

func TestHTTPClientConfirm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/987", r.URL.Path)
		w.Write([]byte(`{"id":987,"status":"approved","status_detail":"accredited","external_reference":"ref-1"}`))
	}))
	defer srv.Close()

	conf, err := NewHTTPClient(srv.URL, "secret", "").Confirm(context.Background(), "987")
	require.NoError(t, err)
	assert.Equal(t, "987", conf.PaymentID)
	assert.Equal(t, StatusApproved, conf.Status)
	assert.Equal(t, "ref-1", conf.ExternalReference)
}

func TestHTTPClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "bad", "").Confirm(context.Background(), "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "bad token")
}
