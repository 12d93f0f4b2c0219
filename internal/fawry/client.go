package fawry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the Fawry payment API. Card data always travels in a TLS
// POST body; it must never be placed in a URL.
type Client struct {
	client *http.Client
}

// NewClient creates a provider client with SSL verification enforced.
func NewClient() *Client {
	return &Client{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// ChargeItem is one line of the itemized charge list.
type ChargeItem struct {
	ItemID      string `json:"itemId"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price"`
	Quantity    int    `json:"quantity"`
}

// ChargeSessionRequest opens a hosted 3DS charge session. The provider
// responds with the URL of its hosted challenge page.
type ChargeSessionRequest struct {
	MerchantCode           string       `json:"merchantCode"`
	MerchantRefNum         string       `json:"merchantRefNum"`
	CustomerProfileID      string       `json:"customerProfileId,omitempty"`
	CustomerName           string       `json:"customerName"`
	CustomerMobile         string       `json:"customerMobile"`
	CustomerEmail          string       `json:"customerEmail"`
	Amount                 string       `json:"amount"`
	CurrencyCode           string       `json:"currencyCode"`
	Language               string       `json:"language"`
	PaymentMethod          string       `json:"paymentMethod"`
	CardNumber             string       `json:"cardNumber"`
	CardExpiryYear         string       `json:"cardExpiryYear"`
	CardExpiryMonth        string       `json:"cardExpiryMonth"`
	CVV                    string       `json:"cvv"`
	ReturnURL              string       `json:"returnUrl"`
	Enable3DS              bool         `json:"enable3DS"`
	AuthCaptureModePayment bool         `json:"authCaptureModePayment"`
	Description            string       `json:"description,omitempty"`
	ChargeItems            []ChargeItem `json:"chargeItems,omitempty"`
	Signature              string       `json:"signature"`
}

// CompletionRequest finishes a charge after the customer returns from the
// 3DS challenge.
type CompletionRequest struct {
	MerchantCode      string `json:"merchantCode"`
	MerchantRefNum    string `json:"merchantRefNum"`
	CustomerProfileID string `json:"customerProfileId,omitempty"`
	CustomerName      string `json:"customerName"`
	CustomerMobile    string `json:"customerMobile"`
	CustomerEmail     string `json:"customerEmail"`
	Amount            string `json:"amount"`
	CurrencyCode      string `json:"currencyCode"`
	Language          string `json:"language"`
	PaymentMethod     string `json:"paymentMethod"`
	ReturnURL         string `json:"returnUrl"`
	Enable3DS         bool   `json:"enable3DS"`
	Signature         string `json:"signature"`
}

// ChargeResult is the provider's verdict on a charge call. StatusCode 200
// means the charge succeeded; anything else carries the failure description.
type ChargeResult struct {
	Type              string      `json:"type"`
	StatusCode        int         `json:"statusCode"`
	StatusDescription string      `json:"statusDescription"`
	ReferenceNumber   string      `json:"referenceNumber"`
	MerchantRefNumber string      `json:"merchantRefNumber"`
	PaymentAmount     json.Number `json:"paymentAmount"`
	NextAction        *NextAction `json:"nextAction,omitempty"`
}

// NextAction carries the hosted-page redirect for a 3DS challenge.
type NextAction struct {
	Type        string `json:"type"`
	RedirectURL string `json:"redirectUrl"`
}

// CreateChargeSession posts the charge request and returns the hosted 3DS
// redirect URL.
func (c *Client) CreateChargeSession(ctx context.Context, baseURL string, req ChargeSessionRequest) (string, error) {
	result, err := c.postCharge(ctx, baseURL, req)
	if err != nil {
		return "", err
	}

	if result.NextAction == nil || result.NextAction.RedirectURL == "" {
		return "", fmt.Errorf("charge session missing redirect URL: %s", result.StatusDescription)
	}
	return result.NextAction.RedirectURL, nil
}

// CompleteCharge posts the post-3DS completion request and returns the
// provider's verdict.
func (c *Client) CompleteCharge(ctx context.Context, baseURL string, req CompletionRequest) (*ChargeResult, error) {
	return c.postCharge(ctx, baseURL, req)
}

func (c *Client) postCharge(ctx context.Context, baseURL string, payload interface{}) (*ChargeResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/payments/charge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send charge request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("charge request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ChargeResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge response: %w", err)
	}
	return &result, nil
}
