package wallet

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a thin HTTP client for the cafeteria platform's wallet API.
// Balance updates are one-way: a charge that already succeeded at the
// provider is never rolled back from here, so an update failure is the
// caller's problem to surface, not ours to retry.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewClient creates a wallet API client.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// UpdateBalanceRequest is the POST /wallet/update-balance body.
type UpdateBalanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Type   string          `json:"type"`
	Note   string          `json:"note"`
}

// UpdateBalance credits a completed top-up to the remote wallet. Any
// non-200 response is an error.
func (c *Client) UpdateBalance(ctx context.Context, amount decimal.Decimal, note string) error {
	body := UpdateBalanceRequest{
		Amount: amount,
		Type:   "top_up",
		Note:   note,
	}
	return c.post(ctx, "/wallet/update-balance", body, nil)
}

// Profile fetches the authenticated user's profile.
func (c *Client) Profile(ctx context.Context, dest interface{}) error {
	return c.get(ctx, "/profile", dest)
}

// Wallet fetches the current wallet record.
func (c *Client) Wallet(ctx context.Context, dest interface{}) error {
	return c.get(ctx, "/wallet", dest)
}

// Transactions fetches the remote transaction history.
func (c *Client) Transactions(ctx context.Context, dest interface{}) error {
	return c.get(ctx, "/transactions", dest)
}

func (c *Client) post(ctx context.Context, endpoint string, payload, response interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	return c.do(req, response)
}

func (c *Client) get(ctx context.Context, endpoint string, response interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuth(req)

	return c.do(req, response)
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *Client) do(req *http.Request, response interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet API returned %d: %s", resp.StatusCode, string(respBody))
	}

	if response != nil {
		if err := json.Unmarshal(respBody, response); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
