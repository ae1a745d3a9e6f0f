package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/httputil"
)

// HTTPLedger is a client for the credit service RPC.
type HTTPLedger struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type HTTPOption func(*HTTPLedger)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(l *HTTPLedger) { l.client = c }
}

func NewHTTPLedger(baseURL, apiKey string, opts ...HTTPOption) *HTTPLedger {
	l := &HTTPLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httputil.DefaultClient(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type deductRequest struct {
	Account string `json:"account"`
	Amount  int    `json:"amount"`
}

type balanceResponse struct {
	Balance int `json:"balance"`
}

func (l *HTTPLedger) Deduct(ctx context.Context, account string, amount int) (int, error) {
	body, err := json.Marshal(deductRequest{Account: account, Amount: amount})
	if err != nil {
		return 0, fmt.Errorf("marshal deduct request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/v1/credits/deduct", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return l.do(req)
}

func (l *HTTPLedger) Balance(ctx context.Context, account string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/v1/credits/"+url.PathEscape(account), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	return l.do(req)
}

func (l *HTTPLedger) do(req *http.Request) (int, error) {
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	var br balanceResponse
	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		// The 402 body carries the current balance when the service has one.
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&br)
		return br.Balance, domain.ErrInsufficientCredits
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return 0, fmt.Errorf("%w: status %d", domain.ErrLedgerUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&br); err != nil {
		return 0, fmt.Errorf("%w: decode balance: %v", domain.ErrLedgerUnavailable, err)
	}
	return br.Balance, nil
}
