// Package settlement pays out withdrawals and applies settlement outcomes to
// the ledger. Payouts run on a worker pool that never holds wallet locks; the
// ledger debits synchronously and settles or refunds later.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"coin_ledger/internal/ledger"
)

var (
	// ErrRejected means the payout provider refused the payout for good; the
	// withdrawal is failed and refunded.
	ErrRejected = errors.New("payout rejected")
	// ErrAwaitingConfirmation means the provider accepted the payout and will
	// report the outcome through the settlement webhook.
	ErrAwaitingConfirmation = errors.New("payout awaiting confirmation")
)

// Processor sends a payout to the outside world and returns its reference.
type Processor interface {
	Payout(ctx context.Context, req ledger.PayoutRequest) (string, error)
}

// HTTPProcessor posts payouts as signed JSON to a payout service.
type HTTPProcessor struct {
	url    string
	secret []byte
	client *http.Client
}

// NewHTTPProcessor returns a processor for url. Requests carry an
// X-Settlement-Signature header computed with secret.
func NewHTTPProcessor(url string, secret []byte, timeout time.Duration) *HTTPProcessor {
	return &HTTPProcessor{url: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

type payoutBody struct {
	TransactionID uint   `json:"transaction_id"`
	UserID        uint   `json:"user_id"`
	Amount        string `json:"amount"`
	CoinType      string `json:"coin_type"`
	Destination   string `json:"destination,omitempty"`
}

type payoutResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

// Payout maps the provider's answer: 200/201 settled, 202 pending webhook
// confirmation, other 4xx rejected, anything else a retryable error.
func (p *HTTPProcessor) Payout(ctx context.Context, req ledger.PayoutRequest) (string, error) {
	body, err := json.Marshal(payoutBody{
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		Amount:        req.Amount.String(),
		CoinType:      req.CoinType,
		Destination:   req.Destination,
	})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(SignatureHeader, Sign(p.secret, body))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("payout %d: %w", req.TransactionID, err)
	}
	defer resp.Body.Close()

	var out payoutResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return out.Reference, ErrAwaitingConfirmation
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return out.Reference, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return "", fmt.Errorf("payout %d: %s: %w", req.TransactionID, reason(resp.Status, out.Error), ErrRejected)
	default:
		return "", fmt.Errorf("payout %d: %s", req.TransactionID, reason(resp.Status, out.Error))
	}
}

func reason(status, msg string) string {
	if msg == "" {
		return status
	}
	return status + ": " + msg
}
