package reconcile

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fawry-gateway/internal/credentials"
	"github.com/fawry-gateway/internal/fawry"
	"github.com/fawry-gateway/internal/ledger"
	"github.com/fawry-gateway/internal/models"
	"github.com/fawry-gateway/internal/signature"
	"github.com/fawry-gateway/internal/storage"
)

type fakeCompleter struct {
	requests []fawry.CompletionRequest
	result   *fawry.ChargeResult
	err      error
}

func (f *fakeCompleter) CompleteCharge(_ context.Context, _ string, req fawry.CompletionRequest) (*fawry.ChargeResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type walletCall struct {
	amount decimal.Decimal
	note   string
}

type fakeWallet struct {
	calls []walletCall
	err   error
}

func (f *fakeWallet) UpdateBalance(_ context.Context, amount decimal.Decimal, note string) error {
	f.calls = append(f.calls, walletCall{amount: amount, note: note})
	return f.err
}

type fixture struct {
	reconciler *Reconciler
	completer  *fakeCompleter
	wallet     *fakeWallet
	store      *storage.MemoryStore
	ledger     *ledger.KVLedger
	creds      *credentials.Store
}

func newFixture(t *testing.T, enforceSignature bool) *fixture {
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
	completer := &fakeCompleter{result: &fawry.ChargeResult{StatusCode: 200, ReferenceNumber: "REF123"}}
	wallet := &fakeWallet{}

	return &fixture{
		reconciler: New(creds, l, completer, wallet, mem, enforceSignature),
		completer:  completer,
		wallet:     wallet,
		store:      mem,
		ledger:     l,
		creds:      creds,
	}
}

func (f *fixture) createPending(t *testing.T, amount int64, ref string) *models.Transaction {
	t.Helper()
	tx, err := f.ledger.Create(context.Background(), ledger.CreateParams{
		Amount:         decimal.NewFromInt(amount),
		UserID:         "user-1",
		MerchantRefNum: ref,
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) setMarker(t *testing.T, tx *models.Transaction) {
	t.Helper()
	marker := models.PendingMarker{
		MerchantRefNum: tx.MerchantRefNum,
		TransactionID:  tx.ID,
		Amount:         tx.Amount,
		CustomerName:   "Parent One",
		CustomerMobile: "01234567890",
		CustomerEmail:  "parent@example.com",
		ReturnURL:      "https://app.example.com/fawry-callback",
		Step:           "3ds_redirect",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, f.store.Set(context.Background(), storage.KeyPendingMarker, marker))
}

func (f *fixture) markerExists(t *testing.T) bool {
	t.Helper()
	var marker models.PendingMarker
	err := f.store.Get(context.Background(), storage.KeyPendingMarker, &marker)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestPendingMarkerCompletionSuccess(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tx := f.createPending(t, 100, "3DS_1_ABC123")
	f.setMarker(t, tx)

	result := f.reconciler.Reconcile(ctx, url.Values{})

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, "REF123", result.Reference)
	require.Equal(t, "100.00", result.Amount)
	require.Empty(t, result.WalletWarning)

	// Completion request carried the divergent second signature.
	require.Len(t, f.completer.requests, 1)
	sent := f.completer.requests[0]
	expectedSig := signature.Sign(signature.CompletionFields(
		"MERCHANT1", tx.MerchantRefNum, "", tx.Amount, "https://app.example.com/fawry-callback",
	), "secret")
	require.Equal(t, expectedSig, sent.Signature)

	// Ledger terminal, wallet credited once with the reference in the note.
	updated, err := f.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusCompleted), updated.Status)

	require.Len(t, f.wallet.calls, 1)
	require.True(t, f.wallet.calls[0].amount.Equal(decimal.NewFromInt(100)))
	require.Contains(t, f.wallet.calls[0].note, "REF123")

	// Marker consumed.
	require.False(t, f.markerExists(t))
}

func TestPendingMarkerCompletionDeclined(t *testing.T) {
	f := newFixture(t, false)
	f.completer.result = &fawry.ChargeResult{StatusCode: 9901, StatusDescription: "card declined"}
	ctx := context.Background()

	tx := f.createPending(t, 100, "3DS_1_ABC123")
	f.setMarker(t, tx)

	result := f.reconciler.Reconcile(ctx, url.Values{})

	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Contains(t, result.Message, "card declined")
	require.Contains(t, result.Actions, "try_again")

	updated, err := f.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusFailed), updated.Status)
	require.Empty(t, f.wallet.calls)
	require.False(t, f.markerExists(t))
}

func TestPendingMarkerCompletionNetworkError(t *testing.T) {
	f := newFixture(t, false)
	f.completer.err = errors.New("connection reset")
	ctx := context.Background()

	tx := f.createPending(t, 100, "3DS_1_ABC123")
	f.setMarker(t, tx)

	result := f.reconciler.Reconcile(ctx, url.Values{})

	require.Equal(t, OutcomeFailed, result.Outcome)
	require.NotEmpty(t, result.Actions)

	updated, err := f.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusFailed), updated.Status)
	require.False(t, f.markerExists(t))
}

func TestWalletFailureAfterSuccessfulChargeIsWarned(t *testing.T) {
	f := newFixture(t, false)
	f.wallet.err = errors.New("wallet API down")
	ctx := context.Background()

	tx := f.createPending(t, 100, "3DS_1_ABC123")
	f.setMarker(t, tx)

	result := f.reconciler.Reconcile(ctx, url.Values{})

	// The charge stuck; the outcome stays completed with a support warning,
	// nothing is rolled back.
	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Contains(t, result.WalletWarning, "contact support")

	updated, err := f.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusCompleted), updated.Status)
}

func TestPendingMarkerReplayDoesNotRecharge(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tx := f.createPending(t, 100, "3DS_1_ABC123")
	_, err := f.ledger.MarkCompleted(ctx, tx.ID, "REF123")
	require.NoError(t, err)
	f.setMarker(t, tx)

	result := f.reconciler.Reconcile(ctx, url.Values{})

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Empty(t, f.completer.requests, "terminal transaction must not be re-charged")
	require.Empty(t, f.wallet.calls, "terminal transaction must not re-credit the wallet")
	require.False(t, f.markerExists(t))
}

func chargeResponseParams(ref, statusCode, amount string) url.Values {
	params := url.Values{}
	params.Set("type", "ChargeResponse")
	params.Set("statusCode", statusCode)
	params.Set("merchantRefNumber", ref)
	params.Set("referenceNumber", "REF123")
	params.Set("paymentAmount", amount)
	return params
}

func TestChargeResponseCallbackSuccess(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tx := f.createPending(t, 100, "3DS_1_ABC123")

	result := f.reconciler.Reconcile(ctx, chargeResponseParams(tx.MerchantRefNum, "200", "100"))

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, "REF123", result.Reference)

	updated, err := f.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusCompleted), updated.Status)
	require.Equal(t, "REF123", *updated.FawryReference)

	require.Len(t, f.wallet.calls, 1)
	require.True(t, f.wallet.calls[0].amount.Equal(decimal.NewFromInt(100)))
	require.Contains(t, f.wallet.calls[0].note, "REF123")
}

func TestChargeResponseReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tx := f.createPending(t, 100, "3DS_1_ABC123")
	params := chargeResponseParams(tx.MerchantRefNum, "200", "100")

	first := f.reconciler.Reconcile(ctx, params)
	second := f.reconciler.Reconcile(ctx, params)

	require.Equal(t, OutcomeCompleted, first.Outcome)
	require.Equal(t, OutcomeCompleted, second.Outcome)
	require.Len(t, f.wallet.calls, 1, "replaying the same callback must not double-credit")
}

func TestChargeResponseCallbackFailure(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tx := f.createPending(t, 100, "3DS_1_ABC123")

	params := chargeResponseParams(tx.MerchantRefNum, "9901", "100")
	params.Set("statusDescription", "insufficient funds")

	result := f.reconciler.Reconcile(ctx, params)

	require.Equal(t, OutcomeFailed, result.Outcome)
	require.Contains(t, result.Message, "insufficient funds")
	require.Empty(t, f.wallet.calls)

	updated, err := f.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusFailed), updated.Status)
}

func webhookParams(ref, orderStatus, amount string) url.Values {
	params := url.Values{}
	params.Set("orderStatus", orderStatus)
	params.Set("merchantRefNumber", ref)
	params.Set("fawryRefNumber", "963455678")
	params.Set("paymentAmount", amount)
	params.Set("orderAmount", amount)
	params.Set("paymentMethod", "CARD")
	return params
}

// Every enumerated orderStatus maps to exactly one of completed, failed, or
// left-pending.
func TestWebhookOrderStatusMapping(t *testing.T) {
	tests := []struct {
		orderStatus  string
		outcome      Outcome
		ledgerStatus models.TransactionStatus
		walletCalls  int
	}{
		{"paid", OutcomeCompleted, models.StatusCompleted, 1},
		{"delivered", OutcomeCompleted, models.StatusCompleted, 1},
		{"cancelled", OutcomeFailed, models.StatusFailed, 0},
		{"expired", OutcomeFailed, models.StatusFailed, 0},
		{"failed", OutcomeFailed, models.StatusFailed, 0},
		{"declined", OutcomeFailed, models.StatusFailed, 0},
		{"created", OutcomeProcessing, models.StatusPending, 0},
		{"pending", OutcomeProcessing, models.StatusPending, 0},
		{"processing", OutcomeProcessing, models.StatusPending, 0},
		{"shipped", OutcomeProcessing, models.StatusPending, 0},
	}

	for _, tt := range tests {
		t.Run(tt.orderStatus, func(t *testing.T) {
			f := newFixture(t, false)
			ctx := context.Background()
			tx := f.createPending(t, 150, "3DS_1_ABC123")

			result := f.reconciler.Reconcile(ctx, webhookParams(tx.MerchantRefNum, tt.orderStatus, "150"))

			require.Equal(t, tt.outcome, result.Outcome)
			require.Len(t, f.wallet.calls, tt.walletCalls)
			if tt.walletCalls > 0 {
				require.True(t, f.wallet.calls[0].amount.Equal(decimal.NewFromInt(150)))
			}

			updated, err := f.ledger.Get(ctx, tx.ID)
			require.NoError(t, err)
			require.Equal(t, string(tt.ledgerStatus), updated.Status)
		})
	}
}

func TestLateProcessingWebhookDoesNotTouchSettledTransaction(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tx := f.createPending(t, 150, "3DS_1_ABC123")
	_, err := f.ledger.MarkCompleted(ctx, tx.ID, "REF123")
	require.NoError(t, err)

	// A stale "shipped" notification arrives after settlement.
	result := f.reconciler.Reconcile(ctx, webhookParams(tx.MerchantRefNum, "shipped", "150"))

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, "payment completed", result.Message)

	updated, err := f.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusCompleted), updated.Status)
	require.Nil(t, updated.FawryStatus, "stale provider status must not be recorded on a settled transaction")
	require.Empty(t, f.wallet.calls)
}

func TestWebhookNoMatchingTransaction(t *testing.T) {
	f := newFixture(t, false)

	result := f.reconciler.Reconcile(context.Background(), webhookParams("3DS_9_MISSING", "paid", "150"))

	// Strictly keyed by merchant reference: no amount fallback, no ledger
	// writes, no wallet credit.
	require.Equal(t, OutcomeUnknown, result.Outcome)
	require.Contains(t, result.Message, "no matching transaction")
	require.Empty(t, f.wallet.calls)
}

func TestUnknownShapeYieldsUnknownOutcome(t *testing.T) {
	f := newFixture(t, false)

	params := url.Values{}
	params.Set("something", "else")

	result := f.reconciler.Reconcile(context.Background(), params)
	require.Equal(t, OutcomeUnknown, result.Outcome)
	require.NotEmpty(t, result.Actions)
}

func TestWebhookSignatureEnforcement(t *testing.T) {
	ctx := context.Background()

	validSig := func(ref string, amount decimal.Decimal) string {
		return signature.Sign(signature.WebhookV2Fields(
			"963455678", ref, amount, amount, "paid", "CARD",
		), "secret")
	}

	t.Run("enforced, bad signature", func(t *testing.T) {
		f := newFixture(t, true)
		tx := f.createPending(t, 150, "3DS_1_ABC123")

		params := webhookParams(tx.MerchantRefNum, "paid", "150")
		params.Set("messageSignature", "forged")

		result := f.reconciler.Reconcile(ctx, params)
		require.Equal(t, OutcomeUnknown, result.Outcome)

		// Ledger untouched.
		updated, err := f.ledger.Get(ctx, tx.ID)
		require.NoError(t, err)
		require.Equal(t, string(models.StatusPending), updated.Status)
		require.Empty(t, f.wallet.calls)
	})

	t.Run("enforced, valid signature", func(t *testing.T) {
		f := newFixture(t, true)
		tx := f.createPending(t, 150, "3DS_1_ABC123")

		params := webhookParams(tx.MerchantRefNum, "paid", "150")
		params.Set("messageSignature", validSig(tx.MerchantRefNum, decimal.NewFromInt(150)))

		result := f.reconciler.Reconcile(ctx, params)
		require.Equal(t, OutcomeCompleted, result.Outcome)
		require.Len(t, f.wallet.calls, 1)
	})

	t.Run("not enforced, bad signature is only logged", func(t *testing.T) {
		f := newFixture(t, false)
		tx := f.createPending(t, 150, "3DS_1_ABC123")

		params := webhookParams(tx.MerchantRefNum, "paid", "150")
		params.Set("messageSignature", "forged")

		result := f.reconciler.Reconcile(ctx, params)
		require.Equal(t, OutcomeCompleted, result.Outcome)
	})
}

func TestWebhookReconcileSkipsPendingMarker(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// A marker from an unrelated redirect flow is in flight.
	markerTx := f.createPending(t, 50, "3DS_0_MARKER")
	f.setMarker(t, markerTx)

	tx := f.createPending(t, 150, "3DS_1_ABC123")
	result := f.reconciler.ReconcileWebhook(ctx, webhookParams(tx.MerchantRefNum, "paid", "150"))

	require.Equal(t, OutcomeCompleted, result.Outcome)
	require.Equal(t, tx.ID, result.TransactionID)
	require.Empty(t, f.completer.requests, "webhook path must not complete the marker's charge")
	require.True(t, f.markerExists(t), "webhook path must leave the marker alone")
}

func TestEndToEndTopUp(t *testing.T) {
	// Full round trip: initiation artifacts, simulated provider return,
	// terminal ledger state, one wallet credit.
	f := newFixture(t, false)
	ctx := context.Background()

	tx := f.createPending(t, 100, "3DS_1700000000000_AB12CD")
	f.setMarker(t, tx)

	params := url.Values{}
	params.Set("type", "ChargeResponse")
	params.Set("statusCode", "200")
	params.Set("paymentAmount", "100")
	params.Set("referenceNumber", "REF123")

	// The marker takes precedence over the query parameters.
	result := f.reconciler.Reconcile(ctx, params)

	require.Equal(t, OutcomeCompleted, result.Outcome)

	updated, err := f.ledger.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusCompleted), updated.Status)

	require.Len(t, f.wallet.calls, 1)
	require.True(t, f.wallet.calls[0].amount.Equal(decimal.NewFromInt(100)))
	require.Contains(t, f.wallet.calls[0].note, "REF123")
	require.False(t, f.markerExists(t))
}
