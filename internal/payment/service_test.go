package payment

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fawry-gateway/internal/credentials"
	"github.com/fawry-gateway/internal/fawry"
	"github.com/fawry-gateway/internal/ledger"
	"github.com/fawry-gateway/internal/models"
	"github.com/fawry-gateway/internal/storage"
)

type fakeProvider struct {
	requests []fawry.ChargeSessionRequest
	err      error
}

func (f *fakeProvider) CreateChargeSession(_ context.Context, _ string, req fawry.ChargeSessionRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "https://provider.example.com/3ds/challenge", nil
}

func newTestService(t *testing.T) (*Service, *fakeProvider, *storage.MemoryStore, ledger.Ledger) {
	t.Helper()

	mem := storage.NewMemoryStore()
	creds := credentials.NewStore(mem, credentials.Defaults{
		StagingMerchantCode: "MERCHANT1",
		StagingSecurityKey:  "secret",
		StagingBaseURL:      "https://staging.example.com",
		ProductionBaseURL:   "https://prod.example.com",
	})
	require.NoError(t, creds.Initialize(context.Background()))

	l := ledger.NewKVLedger(mem)
	provider := &fakeProvider{}
	svc := NewService(creds, l, provider, mem, "https://app.example.com/fawry-callback")
	return svc, provider, mem, l
}

func validRequest() Create3DSPaymentRequest {
	return Create3DSPaymentRequest{
		Amount:          decimal.NewFromInt(100),
		CardNumber:      "4111 1111 1111 1111",
		CardExpiryMonth: "07",
		CardExpiryYear:  "26",
		CVV:             "123",
		CustomerName:    "Parent One",
		CustomerMobile:  "01234567890",
		CustomerEmail:   "parent@example.com",
		UserID:          "user-1",
	}
}

func TestValidate3DSPaymentData(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	tests := []struct {
		name   string
		mutate func(*Create3DSPaymentRequest)
		errMsg string
	}{
		{"valid", func(r *Create3DSPaymentRequest) {}, ""},
		{"valid with spaced pan", func(r *Create3DSPaymentRequest) { r.CardNumber = "4111 1111 1111 1111" }, ""},
		{"short pan", func(r *Create3DSPaymentRequest) { r.CardNumber = "4111 1111" }, "at least 13 digits"},
		{"zero amount", func(r *Create3DSPaymentRequest) { r.Amount = decimal.Zero }, "greater than zero"},
		{"negative amount", func(r *Create3DSPaymentRequest) { r.Amount = decimal.NewFromInt(-5) }, "greater than zero"},
		{"short cvv", func(r *Create3DSPaymentRequest) { r.CVV = "12" }, "invalid payment data"},
		{"bad expiry month", func(r *Create3DSPaymentRequest) { r.CardExpiryMonth = "7" }, "invalid payment data"},
		{"missing name", func(r *Create3DSPaymentRequest) { r.CustomerName = "" }, "invalid payment data"},
		{"missing mobile", func(r *Create3DSPaymentRequest) { r.CustomerMobile = "" }, "invalid payment data"},
		{"bad email", func(r *Create3DSPaymentRequest) { r.CustomerEmail = "nope" }, "invalid payment data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			err := svc.Validate3DSPaymentData(req)
			if tt.errMsg == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestCreate3DSPayment(t *testing.T) {
	svc, provider, mem, l := newTestService(t)

	resp, err := svc.Create3DSPayment(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, "redirect", resp.Type)
	require.Equal(t, "https://provider.example.com/3ds/challenge", resp.RedirectURL)
	require.Regexp(t, regexp.MustCompile(`^3DS_\d+_[A-Z0-9]{6}$`), resp.MerchantRefNum)

	// Card data was normalized and sent in the POST body, never a URL.
	require.Len(t, provider.requests, 1)
	sent := provider.requests[0]
	require.Equal(t, "4111111111111111", sent.CardNumber)
	require.Equal(t, "100.00", sent.Amount)
	require.Equal(t, "07", sent.CardExpiryMonth)
	require.Equal(t, "26", sent.CardExpiryYear)
	require.Equal(t, "EGP", sent.CurrencyCode)
	require.True(t, sent.Enable3DS)
	require.False(t, sent.AuthCaptureModePayment)
	require.NotEmpty(t, sent.Signature)
	require.NotContains(t, resp.RedirectURL, sent.CardNumber)

	// Pending ledger entry was recorded.
	tx, err := l.GetByMerchantRef(context.Background(), resp.MerchantRefNum)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusPending), tx.Status)
	require.Equal(t, resp.TransactionID, tx.ID)

	// Pending marker occupies its slot.
	var marker models.PendingMarker
	require.NoError(t, mem.Get(context.Background(), storage.KeyPendingMarker, &marker))
	require.Equal(t, resp.MerchantRefNum, marker.MerchantRefNum)
	require.Equal(t, "3ds_redirect", marker.Step)
	require.Equal(t, "https://app.example.com/fawry-callback", marker.ReturnURL)
}

func TestCreate3DSPaymentExpiryNormalization(t *testing.T) {
	svc, provider, _, _ := newTestService(t)

	req := validRequest()
	req.CardExpiryMonth = "07"
	req.CardExpiryYear = "2026"

	_, err := svc.Create3DSPayment(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "26", provider.requests[0].CardExpiryYear)
}

func TestSecondPaymentOverwritesPendingMarker(t *testing.T) {
	svc, _, mem, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create3DSPayment(ctx, validRequest())
	require.NoError(t, err)

	second, err := svc.Create3DSPayment(ctx, validRequest())
	require.NoError(t, err)
	require.NotEqual(t, first.MerchantRefNum, second.MerchantRefNum)

	// Single slot: only the second marker survives.
	var marker models.PendingMarker
	require.NoError(t, mem.Get(ctx, storage.KeyPendingMarker, &marker))
	require.Equal(t, second.MerchantRefNum, marker.MerchantRefNum)
}

func TestProviderFailureMarksTransactionFailed(t *testing.T) {
	svc, provider, mem, l := newTestService(t)
	provider.err = errors.New("connection refused")

	_, err := svc.Create3DSPayment(context.Background(), validRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "charge session failed")

	failed, err := l.ListByStatus(context.Background(), models.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// Marker cleaned up: nothing pending to reconcile.
	var marker models.PendingMarker
	require.ErrorIs(t, mem.Get(context.Background(), storage.KeyPendingMarker, &marker), storage.ErrNotFound)
}

func TestCreate3DSPaymentRequiresCredentials(t *testing.T) {
	mem := storage.NewMemoryStore()
	creds := credentials.NewStore(mem, credentials.Defaults{})
	svc := NewService(creds, ledger.NewKVLedger(mem), &fakeProvider{}, mem, "https://app.example.com/fawry-callback")

	_, err := svc.Create3DSPayment(context.Background(), validRequest())
	require.ErrorIs(t, err, credentials.ErrNotInitialized)
}
