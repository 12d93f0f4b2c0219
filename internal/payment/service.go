package payment

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fawry-gateway/internal/credentials"
	"github.com/fawry-gateway/internal/fawry"
	"github.com/fawry-gateway/internal/ledger"
	"github.com/fawry-gateway/internal/models"
	"github.com/fawry-gateway/internal/signature"
	"github.com/fawry-gateway/internal/storage"
)

// ChargeSessionCreator opens a hosted 3DS session at the provider.
type ChargeSessionCreator interface {
	CreateChargeSession(ctx context.Context, baseURL string, req fawry.ChargeSessionRequest) (string, error)
}

// Service initiates 3DS card payments: it signs the charge request, records
// the attempt in the ledger, persists the single-slot pending marker, and
// hands the customer off to the provider's hosted challenge page.
type Service struct {
	creds     *credentials.Store
	ledger    ledger.Ledger
	provider  ChargeSessionCreator
	store     storage.Store
	validator *validator.Validate
	returnURL string
}

// NewService creates a payment initiation service.
func NewService(creds *credentials.Store, l ledger.Ledger, provider ChargeSessionCreator, st storage.Store, returnURL string) *Service {
	return &Service{
		creds:     creds,
		ledger:    l,
		provider:  provider,
		store:     st,
		validator: validator.New(),
		returnURL: returnURL,
	}
}

// Create3DSPaymentRequest carries everything needed to start a card payment.
// Card fields are accepted here once, sent to the provider in a POST body,
// and never persisted or placed in a URL.
type Create3DSPaymentRequest struct {
	Amount            decimal.Decimal
	CardNumber        string `validate:"required"`
	CardExpiryMonth   string `validate:"required,len=2,numeric"`
	CardExpiryYear    string `validate:"required,min=2,numeric"`
	CVV               string `validate:"required,min=3,numeric"`
	CustomerName      string `validate:"required"`
	CustomerMobile    string `validate:"required"`
	CustomerEmail     string `validate:"required,email"`
	CustomerProfileID string
	UserID            string
	Description       string
	ChargeItems       []fawry.ChargeItem
}

// RedirectDescriptor tells the caller where to send the customer next.
type RedirectDescriptor struct {
	Type           string `json:"type"`
	RedirectURL    string `json:"redirectUrl"`
	MerchantRefNum string `json:"merchantRefNum"`
	TransactionID  string `json:"transactionId"`
}

// Validate3DSPaymentData checks a payment request before initiation. Callers
// are expected to run this; Create3DSPayment does not re-validate.
func (s *Service) Validate3DSPaymentData(req Create3DSPaymentRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return fmt.Errorf("invalid payment data: %w", err)
	}

	pan := stripWhitespace(req.CardNumber)
	if len(pan) < 13 {
		return fmt.Errorf("invalid payment data: card number must be at least 13 digits")
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("invalid payment data: amount must be greater than zero")
	}
	return nil
}

// Create3DSPayment signs and submits the charge, persists the pending
// marker, and returns the redirect descriptor for the hosted 3DS page.
//
// The marker is a single slot: a second initiation while one is pending
// overwrites the first, orphaning that attempt in the ledger.
func (s *Service) Create3DSPayment(ctx context.Context, req Create3DSPaymentRequest) (*RedirectDescriptor, error) {
	creds, err := s.creds.Credentials()
	if err != nil {
		return nil, err
	}

	pan := stripWhitespace(req.CardNumber)
	expiryMonth := padLeft(req.CardExpiryMonth, 2)
	expiryYear := lastN(req.CardExpiryYear, 2)
	merchantRefNum := models.NewMerchantRefNum()

	sig := signature.Sign(signature.ChargeRequestFields(
		creds.MerchantCode,
		merchantRefNum,
		req.CustomerProfileID,
		"CARD",
		req.Amount,
		pan,
		expiryYear,
		expiryMonth,
		req.CVV,
		s.returnURL,
	), creds.SecurityKey)

	tx, err := s.ledger.Create(ctx, ledger.CreateParams{
		Amount:         req.Amount,
		UserID:         req.UserID,
		MerchantRefNum: merchantRefNum,
		PaymentMethod:  "card",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	marker := models.PendingMarker{
		MerchantRefNum:    merchantRefNum,
		TransactionID:     tx.ID,
		Amount:            req.Amount,
		CustomerProfileID: req.CustomerProfileID,
		CustomerName:      req.CustomerName,
		CustomerMobile:    req.CustomerMobile,
		CustomerEmail:     req.CustomerEmail,
		Signature:         sig,
		ReturnURL:         s.returnURL,
		Step:              "3ds_redirect",
		CreatedAt:         time.Now(),
	}
	if err := s.store.Set(ctx, storage.KeyPendingMarker, marker); err != nil {
		return nil, fmt.Errorf("failed to persist pending marker: %w", err)
	}

	sessionReq := fawry.ChargeSessionRequest{
		MerchantCode:           creds.MerchantCode,
		MerchantRefNum:         merchantRefNum,
		CustomerProfileID:      req.CustomerProfileID,
		CustomerName:           req.CustomerName,
		CustomerMobile:         req.CustomerMobile,
		CustomerEmail:          req.CustomerEmail,
		Amount:                 signature.FormatAmount(req.Amount),
		CurrencyCode:           "EGP",
		Language:               "en-gb",
		PaymentMethod:          "CARD",
		CardNumber:             pan,
		CardExpiryYear:         expiryYear,
		CardExpiryMonth:        expiryMonth,
		CVV:                    req.CVV,
		ReturnURL:              s.returnURL,
		Enable3DS:              true,
		AuthCaptureModePayment: false,
		Description:            req.Description,
		ChargeItems:            req.ChargeItems,
		Signature:              sig,
	}

	var redirectURL string
	err = s.creds.Do(ctx, func(ctx context.Context) error {
		var err error
		redirectURL, err = s.provider.CreateChargeSession(ctx, creds.APIBaseURL, sessionReq)
		return err
	})
	if err != nil {
		if _, markErr := s.ledger.MarkFailed(ctx, tx.ID, err.Error(), ""); markErr != nil {
			log.Printf("Failed to mark transaction %s failed: %v", tx.ID, markErr)
		}
		if delErr := s.store.Delete(ctx, storage.KeyPendingMarker); delErr != nil {
			log.Printf("Failed to delete pending marker: %v", delErr)
		}
		return nil, fmt.Errorf("charge session failed: %w", err)
	}

	log.Printf("3DS payment initiated: ref=%s tx=%s", merchantRefNum, tx.ID)

	return &RedirectDescriptor{
		Type:           "redirect",
		RedirectURL:    redirectURL,
		MerchantRefNum: merchantRefNum,
		TransactionID:  tx.ID,
	}, nil
}

func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func padLeft(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return padLeft(s, n)
	}
	return s[len(s)-n:]
}
