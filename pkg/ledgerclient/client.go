/**
 * @description
 * This package provides a client for the external Ledger service, the system of
 * record for account balances. It encapsulates the authenticated HTTP call that
 * moves money between two accounts as a single all-or-nothing posting.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/google/uuid: For account identifiers.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Transfer result statuses reported by the Ledger.
const (
	StatusSuccess            = "success"
	StatusInsufficientFunds  = "insufficient_funds"
	StatusAccountUnavailable = "account_unavailable"
	StatusTransientError     = "transient_error"
)

// Client is a client for the Ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Ledger API client with a bounded request timeout.
// Exceeding the timeout is reported as a transient error, never as a partial
// posting: the Ledger applies the transfer atomically or not at all.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// transferRequest is the payload for the Ledger's transfer endpoint.
type transferRequest struct {
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	Amount         int64  `json:"amount"` // in kobo
	IdempotencyKey string `json:"idempotency_key"`
}

// transferResponse is the expected response from the Ledger's transfer endpoint.
type transferResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Transfer asks the Ledger to debit fromAccountID and credit toAccountID by
// amount, atomically. The idempotency key makes a retried call for the same
// due date take effect at most once. The returned status is one of the Status*
// constants; network failures, timeouts and 5xx responses all map to
// StatusTransientError so the caller's retry policy can treat them uniformly.
func (c *Client) Transfer(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amount int64, idempotencyKey string) (string, string, error) {
	payload, err := json.Marshal(transferRequest{
		FromAccountID:  fromAccountID.String(),
		ToAccountID:    toAccountID.String(),
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	url := fmt.Sprintf("%s/transfers", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return "", "", fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Timeouts and connection failures: the posting may or may not have
		// landed, which is exactly what the idempotency key protects against.
		return StatusTransientError, trimmedError(err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return StatusTransientError, fmt.Sprintf("ledger returned status %d", resp.StatusCode), nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", "", fmt.Errorf("ledger returned unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", fmt.Errorf("failed to decode ledger response: %w", err)
	}

	switch result.Status {
	case StatusSuccess, StatusInsufficientFunds, StatusAccountUnavailable, StatusTransientError:
		return result.Status, result.Reason, nil
	default:
		return "", "", fmt.Errorf("ledger returned unknown transfer status %q", result.Status)
	}
}

// trimmedError keeps transport error text short enough for a reason column.
func trimmedError(err error) string {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ledger call timed out"
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
