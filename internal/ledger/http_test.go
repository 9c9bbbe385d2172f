package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestHTTPLedgerDebit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/debit", r.URL.Path)
		require.Equal(t, "stake:b1", r.Header.Get("Idempotency-Key"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var e Entry
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		require.Equal(t, "alice", e.UserID)
		require.Equal(t, "1.5", e.Amount.String())

		json.NewEncoder(w).Encode(map[string]any{"balance": "8.5"})
	}))
	defer server.Close()

	c := NewHTTPLedger(HTTPConfig{BaseURL: server.URL, Token: "secret"})
	bal, err := c.Debit(context.Background(), Entry{
		Key: "stake:b1", UserID: "alice", Currency: "btc", Amount: decimal.RequireFromString("1.5"),
	})
	require.NoError(t, err)
	require.Equal(t, "8.5", bal.String())
}

func TestHTTPLedgerBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/balance", r.URL.Path)
		require.Equal(t, "alice", r.URL.Query().Get("user"))
		require.Equal(t, "eth", r.URL.Query().Get("currency"))
		w.Write([]byte(`{"balance":"42.00000001"}`))
	}))
	defer server.Close()

	c := NewHTTPLedger(HTTPConfig{BaseURL: server.URL})
	bal, err := c.Balance(context.Background(), "alice", "eth")
	require.NoError(t, err)
	require.Equal(t, "42.00000001", bal.String())
}

func TestHTTPLedgerErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"service insufficient", http.StatusUnprocessableEntity, `{"errorType":"insufficientBalance","message":"no"}`, ErrInsufficientFunds},
		{"payment required", http.StatusPaymentRequired, `plain`, ErrInsufficientFunds},
		{"key reused", http.StatusConflict, `{"errorType":"idempotencyKeyReused","message":"dup"}`, ErrKeyReused},
		{"server error", http.StatusBadGateway, `upstream`, ErrLedgerUnavailable},
		{"rate limited", http.StatusTooManyRequests, ``, ErrLedgerUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewHTTPLedger(HTTPConfig{BaseURL: server.URL})
			_, err := c.Credit(context.Background(), entry("payout:x", "alice", "1"))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPLedgerBadRequestIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`bad`))
	}))
	defer server.Close()

	c := NewHTTPLedger(HTTPConfig{BaseURL: server.URL})
	_, err := c.Credit(context.Background(), entry("payout:x", "alice", "1"))

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.False(t, httpErr.IsRetryable())
	require.False(t, errors.Is(err, ErrLedgerUnavailable))
}

func TestHTTPLedgerTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewHTTPLedger(HTTPConfig{BaseURL: url})
	_, err := c.Debit(context.Background(), entry("stake:x", "alice", "1"))
	require.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestHTTPLedgerValidatesBeforeSending(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := NewHTTPLedger(HTTPConfig{BaseURL: server.URL})
	_, err := c.Debit(context.Background(), Entry{UserID: "alice", Currency: "btc", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrInvalidEntry)
	require.False(t, called)
}
