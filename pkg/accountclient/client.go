/**
 * @description
 * This package provides a client for the Account Directory service. The engine
 * uses it at execution time to resolve a routing-level account number to a
 * concrete account id and to re-check that both sides of a transfer are in an
 * active status before asking the Ledger to move money.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, net/url, time: Standard Go libraries.
 * - github.com/google/uuid: For account identifiers.
 */
package accountclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Account statuses reported by the directory.
const (
	StatusActive  = "active"
	StatusFrozen  = "frozen"
	StatusClosed  = "closed"
	StatusPending = "pending"
)

// ErrAccountNotFound is returned when the directory has no account for the
// given number or id.
var ErrAccountNotFound = errors.New("account not found")

// Client is a client for the Account Directory API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Account Directory client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("account directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAccountNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("account directory returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ResolveAccountNumber maps a routing-level account number to the account id
// behind it. Resolution happens at execution time, not at schedule creation:
// the recipient account may not exist yet, or may change before the first run.
func (c *Client) ResolveAccountNumber(ctx context.Context, accountNumber string) (uuid.UUID, error) {
	var payload struct {
		AccountID uuid.UUID `json:"account_id"`
	}
	path := "/accounts/resolve?number=" + url.QueryEscape(accountNumber)
	if err := c.get(ctx, path, &payload); err != nil {
		return uuid.Nil, err
	}
	return payload.AccountID, nil
}

// GetAccountStatus returns the directory's current status for an account.
func (c *Client) GetAccountStatus(ctx context.Context, accountID uuid.UUID) (string, error) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/accounts/"+accountID.String()+"/status", &payload); err != nil {
		return "", err
	}
	return payload.Status, nil
}
