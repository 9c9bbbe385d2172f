package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPConfig holds configuration for the remote ledger client.
type HTTPConfig struct {
	// BaseURL is the ledger service root, e.g. "https://ledger.internal".
	BaseURL string

	// Token is sent as a bearer token on every request. Optional.
	Token string

	// HTTPClient allows injecting a custom HTTP client (useful for testing).
	// Defaults to a client with 10s timeout.
	HTTPClient *http.Client

	// UserAgent overrides the User-Agent header. Optional.
	UserAgent string
}

// HTTPLedger is a client for an external ledger service. It makes a single
// attempt per call; retries belong to the Settler.
type HTTPLedger struct {
	config HTTPConfig
	http   *http.Client
	mu     sync.RWMutex
}

// NewHTTPLedger creates a ledger client with the given configuration.
func NewHTTPLedger(cfg HTTPConfig) *HTTPLedger {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPLedger{config: cfg, http: httpClient}
}

// SetToken updates the bearer token (thread-safe).
func (c *HTTPLedger) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.Token = token
}

func (c *HTTPLedger) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Token
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

// Debit implements Ledger.
func (c *HTTPLedger) Debit(ctx context.Context, e Entry) (decimal.Decimal, error) {
	return c.post(ctx, OpDebit, e)
}

// Credit implements Ledger.
func (c *HTTPLedger) Credit(ctx context.Context, e Entry) (decimal.Decimal, error) {
	return c.post(ctx, OpCredit, e)
}

// Lock implements Ledger.
func (c *HTTPLedger) Lock(ctx context.Context, e Entry) error {
	_, err := c.post(ctx, OpLock, e)
	return err
}

// Unlock implements Ledger.
func (c *HTTPLedger) Unlock(ctx context.Context, e Entry) error {
	_, err := c.post(ctx, OpUnlock, e)
	return err
}

// Balance implements Ledger.
func (c *HTTPLedger) Balance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("user", userID)
	q.Set("currency", currency)
	var out balanceResponse
	if err := c.doRequest(ctx, http.MethodGet, "v1/balance?"+q.Encode(), "", nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

func (c *HTTPLedger) post(ctx context.Context, op string, e Entry) (decimal.Decimal, error) {
	if err := e.Validate(op); err != nil {
		return decimal.Zero, err
	}
	var out balanceResponse
	if err := c.doRequest(ctx, http.MethodPost, "v1/"+op, e.Key, e, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

// doRequest sends one request and decodes a 2xx body into out.
func (c *HTTPLedger) doRequest(ctx context.Context, method, path, idemKey string, body, out any) error {
	base := c.config.BaseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	endpoint := fmt.Sprintf("%s/%s", strings.TrimRight(base, "/"), strings.TrimPrefix(path, "/"))

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ledger: marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures leave the outcome unknown; the same key makes
		// the retry safe.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrLedgerUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var svcErr ServiceError
		if json.Unmarshal(respBody, &svcErr) == nil && svcErr.ErrorType != "" && svcErr.Unwrap() != nil {
			return &svcErr
		}
		if resp.StatusCode == http.StatusPaymentRequired {
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, strings.TrimSpace(string(respBody)))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("ledger: invalid response JSON: %w", err)
	}
	return nil
}
