package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/fawry-gateway/internal/credentials"
	"github.com/fawry-gateway/internal/fawry"
	"github.com/fawry-gateway/internal/ledger"
	"github.com/fawry-gateway/internal/models"
	"github.com/fawry-gateway/internal/signature"
	"github.com/fawry-gateway/internal/storage"
)

// Outcome is the terminal state of one reconciliation pass. Whatever goes
// wrong, Reconcile always produces exactly one of these.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeProcessing Outcome = "processing"
	OutcomeUnknown    Outcome = "unknown"
)

// orderStatusOutcomes maps the provider's V2 orderStatus enumeration onto
// ledger outcomes. Statuses mapping to processing leave the transaction
// pending; no terminal transition happens.
var orderStatusOutcomes = map[string]Outcome{
	"paid":       OutcomeCompleted,
	"delivered":  OutcomeCompleted,
	"cancelled":  OutcomeFailed,
	"expired":    OutcomeFailed,
	"failed":     OutcomeFailed,
	"declined":   OutcomeFailed,
	"created":    OutcomeProcessing,
	"pending":    OutcomeProcessing,
	"processing": OutcomeProcessing,
	"shipped":    OutcomeProcessing,
}

// Result is what one reconciliation pass decided.
type Result struct {
	Outcome        Outcome  `json:"outcome"`
	Message        string   `json:"message"`
	TransactionID  string   `json:"transaction_id,omitempty"`
	MerchantRefNum string   `json:"merchant_ref_num,omitempty"`
	Reference      string   `json:"reference,omitempty"`
	Amount         string   `json:"amount,omitempty"`
	WalletWarning  string   `json:"wallet_warning,omitempty"`
	Actions        []string `json:"actions"`
}

// ChargeCompleter finishes a charge after the 3DS challenge.
type ChargeCompleter interface {
	CompleteCharge(ctx context.Context, baseURL string, req fawry.CompletionRequest) (*fawry.ChargeResult, error)
}

// BalanceUpdater credits a completed top-up to the remote wallet.
type BalanceUpdater interface {
	UpdateBalance(ctx context.Context, amount decimal.Decimal, note string) error
}

// Reconciler resolves the return trip from the payment provider: it
// consumes the pending marker when one exists, otherwise parses the
// callback parameters, then drives the ledger transition and the wallet
// balance update.
type Reconciler struct {
	creds    *credentials.Store
	ledger   ledger.Ledger
	provider ChargeCompleter
	wallet   BalanceUpdater
	store    storage.Store

	// When set, a webhook whose messageSignature does not verify is
	// downgraded to unknown and the ledger is left untouched. When unset the
	// mismatch is only logged.
	enforceSignature bool
}

// New creates a reconciler.
func New(creds *credentials.Store, l ledger.Ledger, provider ChargeCompleter, wallet BalanceUpdater, st storage.Store, enforceSignature bool) *Reconciler {
	return &Reconciler{
		creds:            creds,
		ledger:           l,
		provider:         provider,
		wallet:           wallet,
		store:            st,
		enforceSignature: enforceSignature,
	}
}

// Reconcile runs one reconciliation pass over callback parameters. It never
// returns an error and never panics out: every failure downgrades to a
// failed or unknown outcome with a human-readable message and at least one
// recovery action.
func (r *Reconciler) Reconcile(ctx context.Context, params url.Values) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Reconciliation panicked: %v", rec)
			result = unknownResult("payment status unknown")
		}
	}()

	var marker models.PendingMarker
	err := r.store.Get(ctx, storage.KeyPendingMarker, &marker)
	switch {
	case err == nil:
		return r.processPendingThreeDS(ctx, marker)
	case errors.Is(err, storage.ErrNotFound):
		// No marker; fall through to parameter parsing.
	default:
		log.Printf("Failed to read pending marker: %v", err)
		return unknownResult("payment status unknown")
	}

	parsed, err := fawry.ParseCallback(params)
	if err != nil {
		return unknownResult("payment status unknown")
	}

	switch parsed.Shape {
	case fawry.ShapeChargeResponse:
		return r.handleChargeResponse(ctx, parsed)
	case fawry.ShapeWebhookV2:
		return r.handleWebhookV2(ctx, parsed)
	default:
		return unknownResult("payment status unknown")
	}
}

// ReconcileWebhook processes a server-to-server notification. Unlike the
// browser callback route, the pending marker is not consulted: the marker
// belongs to the redirect round trip, not to provider-pushed webhooks.
func (r *Reconciler) ReconcileWebhook(ctx context.Context, params url.Values) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Webhook reconciliation panicked: %v", rec)
			result = unknownResult("payment status unknown")
		}
	}()

	parsed, err := fawry.ParseCallback(params)
	if err != nil {
		return unknownResult("payment status unknown")
	}

	switch parsed.Shape {
	case fawry.ShapeChargeResponse:
		return r.handleChargeResponse(ctx, parsed)
	case fawry.ShapeWebhookV2:
		return r.handleWebhookV2(ctx, parsed)
	default:
		return unknownResult("payment status unknown")
	}
}

// processPendingThreeDS completes a charge whose marker survived the
// redirect round trip. The marker is read once and deleted on every path
// that reaches a verdict.
func (r *Reconciler) processPendingThreeDS(ctx context.Context, marker models.PendingMarker) *Result {
	tx, err := r.ledger.Get(ctx, marker.TransactionID)
	if err != nil && !errors.Is(err, ledger.ErrTransactionNotFound) {
		log.Printf("Ledger lookup failed for %s: %v", marker.TransactionID, err)
		return unknownResult("payment status unknown")
	}

	// Replay guard: a marker pointing at an already-terminal transaction
	// means this return trip was processed before. Consume the marker and
	// report the recorded outcome without touching the wallet again.
	if tx != nil && models.TransactionStatus(tx.Status).IsTerminal() {
		r.deleteMarker(ctx)
		return r.resultForExisting(tx)
	}

	creds, err := r.creds.Credentials()
	if err != nil {
		log.Printf("Credentials unavailable during completion: %v", err)
		return unknownResult("payment status unknown")
	}

	sig := signature.Sign(signature.CompletionFields(
		creds.MerchantCode,
		marker.MerchantRefNum,
		marker.CustomerProfileID,
		marker.Amount,
		marker.ReturnURL,
	), creds.SecurityKey)

	completion := fawry.CompletionRequest{
		MerchantCode:      creds.MerchantCode,
		MerchantRefNum:    marker.MerchantRefNum,
		CustomerProfileID: marker.CustomerProfileID,
		CustomerName:      marker.CustomerName,
		CustomerMobile:    marker.CustomerMobile,
		CustomerEmail:     marker.CustomerEmail,
		Amount:            signature.FormatAmount(marker.Amount),
		CurrencyCode:      "EGP",
		Language:          "en-gb",
		PaymentMethod:     "CARD",
		ReturnURL:         marker.ReturnURL,
		Enable3DS:         true,
		Signature:         sig,
	}

	var chargeResult *fawry.ChargeResult
	err = r.creds.Do(ctx, func(ctx context.Context) error {
		var err error
		chargeResult, err = r.provider.CompleteCharge(ctx, creds.APIBaseURL, completion)
		return err
	})
	if err != nil {
		log.Printf("Charge completion failed for %s: %v", marker.MerchantRefNum, err)
		r.markFailed(ctx, marker.TransactionID, "payment could not be completed", "")
		r.deleteMarker(ctx)
		return &Result{
			Outcome:        OutcomeFailed,
			Message:        "payment failed, you were not charged twice; contact support if money left your account",
			MerchantRefNum: marker.MerchantRefNum,
			TransactionID:  marker.TransactionID,
			Actions:        failureActions(),
		}
	}

	if chargeResult.StatusCode != 200 {
		r.markFailed(ctx, marker.TransactionID, chargeResult.StatusDescription, fmt.Sprintf("%d", chargeResult.StatusCode))
		r.deleteMarker(ctx)
		return &Result{
			Outcome:        OutcomeFailed,
			Message:        failureMessage(chargeResult.StatusDescription),
			MerchantRefNum: marker.MerchantRefNum,
			TransactionID:  marker.TransactionID,
			Actions:        failureActions(),
		}
	}

	if _, err := r.ledger.MarkCompleted(ctx, marker.TransactionID, chargeResult.ReferenceNumber); err != nil {
		log.Printf("Failed to mark transaction %s completed: %v", marker.TransactionID, err)
	}
	r.deleteMarker(ctx)

	result := &Result{
		Outcome:        OutcomeCompleted,
		Message:        "payment completed",
		MerchantRefNum: marker.MerchantRefNum,
		TransactionID:  marker.TransactionID,
		Reference:      chargeResult.ReferenceNumber,
		Amount:         signature.FormatAmount(marker.Amount),
		Actions:        successActions(),
	}
	// A wallet failure after a successful charge is reported, not rolled
	// back: the charge cannot be undone from here.
	if err := r.syncWallet(ctx, marker.Amount, chargeResult.ReferenceNumber); err != nil {
		log.Printf("Wallet update failed after successful charge %s: %v", marker.MerchantRefNum, err)
		result.WalletWarning = "payment succeeded but wallet update failed; contact support"
	}
	return result
}

// handleChargeResponse resolves the 3DS redirect-return shape. Success iff
// statusCode is 200.
func (r *Reconciler) handleChargeResponse(ctx context.Context, parsed *fawry.CallbackResult) *Result {
	tx, res := r.lookup(ctx, parsed.MerchantRefNum)
	if res != nil {
		return res
	}
	if done := r.replayGuard(ctx, tx); done != nil {
		return done
	}

	if parsed.StatusCode != 200 {
		r.markFailed(ctx, tx.ID, parsed.StatusDescription, fmt.Sprintf("%d", parsed.StatusCode))
		return &Result{
			Outcome:        OutcomeFailed,
			Message:        failureMessage(parsed.StatusDescription),
			MerchantRefNum: tx.MerchantRefNum,
			TransactionID:  tx.ID,
			Actions:        failureActions(),
		}
	}

	if _, err := r.ledger.MarkCompleted(ctx, tx.ID, parsed.ReferenceNumber); err != nil {
		log.Printf("Failed to mark transaction %s completed: %v", tx.ID, err)
	}

	amount := parsed.PaymentAmount
	if amount.IsZero() {
		amount = tx.Amount
	}

	result := &Result{
		Outcome:        OutcomeCompleted,
		Message:        "payment completed",
		MerchantRefNum: tx.MerchantRefNum,
		TransactionID:  tx.ID,
		Reference:      parsed.ReferenceNumber,
		Amount:         signature.FormatAmount(amount),
		Actions:        successActions(),
	}
	if err := r.syncWallet(ctx, amount, parsed.ReferenceNumber); err != nil {
		log.Printf("Wallet update failed after successful charge %s: %v", tx.MerchantRefNum, err)
		result.WalletWarning = "payment succeeded but wallet update failed; contact support"
	}
	return result
}

// handleWebhookV2 resolves the server-notification shape via the fixed
// orderStatus mapping.
func (r *Reconciler) handleWebhookV2(ctx context.Context, parsed *fawry.CallbackResult) *Result {
	if !r.verifyWebhookSignature(parsed) && r.enforceSignature {
		return unknownResult("payment status unknown: signature verification failed")
	}

	outcome, ok := orderStatusOutcomes[parsed.OrderStatus]
	if !ok {
		log.Printf("Unmapped orderStatus %q for ref %s", parsed.OrderStatus, parsed.MerchantRefNum)
		return unknownResult("payment status unknown")
	}

	tx, res := r.lookup(ctx, parsed.MerchantRefNum)
	if res != nil {
		return res
	}

	switch outcome {
	case OutcomeProcessing:
		// A late non-terminal status for an already-settled transaction is a
		// replay; report the recorded outcome instead of regressing it.
		if done := r.replayGuard(ctx, tx); done != nil {
			return done
		}
		// Non-terminal provider status; record it but leave the transaction
		// pending.
		if _, err := r.ledger.Update(ctx, tx.ID, ledger.UpdateFields{
			FawryStatus: &parsed.OrderStatus,
		}); err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
			log.Printf("Failed to record provider status for %s: %v", tx.ID, err)
		}
		return &Result{
			Outcome:        OutcomeProcessing,
			Message:        "payment is being processed",
			MerchantRefNum: tx.MerchantRefNum,
			TransactionID:  tx.ID,
			Actions:        successActions(),
		}

	case OutcomeFailed:
		if done := r.replayGuard(ctx, tx); done != nil {
			return done
		}
		r.markFailed(ctx, tx.ID, "payment "+parsed.OrderStatus, parsed.OrderStatus)
		return &Result{
			Outcome:        OutcomeFailed,
			Message:        failureMessage("payment " + parsed.OrderStatus),
			MerchantRefNum: tx.MerchantRefNum,
			TransactionID:  tx.ID,
			Actions:        failureActions(),
		}

	default: // OutcomeCompleted
		if done := r.replayGuard(ctx, tx); done != nil {
			return done
		}
		if _, err := r.ledger.MarkCompleted(ctx, tx.ID, parsed.FawryRefNumber); err != nil {
			log.Printf("Failed to mark transaction %s completed: %v", tx.ID, err)
		}

		amount := parsed.PaymentAmount
		if amount.IsZero() {
			amount = tx.Amount
		}

		result := &Result{
			Outcome:        OutcomeCompleted,
			Message:        "payment completed",
			MerchantRefNum: tx.MerchantRefNum,
			TransactionID:  tx.ID,
			Reference:      parsed.FawryRefNumber,
			Amount:         signature.FormatAmount(amount),
			Actions:        successActions(),
		}
		if err := r.syncWallet(ctx, amount, parsed.FawryRefNumber); err != nil {
			log.Printf("Wallet update failed after webhook for %s: %v", tx.MerchantRefNum, err)
			result.WalletWarning = "payment succeeded but wallet update failed; contact support"
		}
		return result
	}
}

// lookup finds the local transaction strictly by merchant reference number.
// There is deliberately no amount fallback: two transactions can share an
// amount, and crediting the wrong one is worse than reporting unknown.
func (r *Reconciler) lookup(ctx context.Context, merchantRefNum string) (*models.Transaction, *Result) {
	if merchantRefNum == "" {
		return nil, unknownResult("payment status unknown: no merchant reference in callback")
	}
	tx, err := r.ledger.GetByMerchantRef(ctx, merchantRefNum)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			log.Printf("No transaction matches merchant ref %s", merchantRefNum)
			return nil, unknownResult("payment status unknown: no matching transaction")
		}
		log.Printf("Ledger lookup failed for ref %s: %v", merchantRefNum, err)
		return nil, unknownResult("payment status unknown")
	}
	return tx, nil
}

// replayGuard short-circuits transactions that already reached a terminal
// state. Replaying the same callback must not credit the wallet twice.
func (r *Reconciler) replayGuard(ctx context.Context, tx *models.Transaction) *Result {
	if !models.TransactionStatus(tx.Status).IsTerminal() {
		return nil
	}
	return r.resultForExisting(tx)
}

func (r *Reconciler) resultForExisting(tx *models.Transaction) *Result {
	result := &Result{
		MerchantRefNum: tx.MerchantRefNum,
		TransactionID:  tx.ID,
		Amount:         signature.FormatAmount(tx.Amount),
	}
	if tx.FawryReference != nil {
		result.Reference = *tx.FawryReference
	}
	switch models.TransactionStatus(tx.Status) {
	case models.StatusCompleted:
		result.Outcome = OutcomeCompleted
		result.Message = "payment completed"
		result.Actions = successActions()
	case models.StatusFailed:
		result.Outcome = OutcomeFailed
		result.Message = "payment failed"
		if tx.ErrorMessage != nil {
			result.Message = failureMessage(*tx.ErrorMessage)
		}
		result.Actions = failureActions()
	default:
		result.Outcome = OutcomeProcessing
		result.Message = "payment is being processed"
		result.Actions = successActions()
	}
	return result
}

// verifyWebhookSignature recomputes the expected V2 signature and compares.
// The verdict is always logged; enforcement is the caller's configuration.
func (r *Reconciler) verifyWebhookSignature(parsed *fawry.CallbackResult) bool {
	if parsed.MessageSignature == "" {
		log.Printf("Webhook for ref %s carried no signature", parsed.MerchantRefNum)
		return false
	}

	creds, err := r.creds.Credentials()
	if err != nil {
		log.Printf("Credentials unavailable for signature verification: %v", err)
		return false
	}

	expected := signature.Sign(signature.WebhookV2Fields(
		parsed.FawryRefNumber,
		parsed.MerchantRefNum,
		parsed.PaymentAmount,
		parsed.OrderAmount,
		parsed.OrderStatus,
		parsed.PaymentMethod,
	), creds.SecurityKey)

	if expected != parsed.MessageSignature {
		log.Printf("Webhook signature mismatch for ref %s", parsed.MerchantRefNum)
		return false
	}
	return true
}

func (r *Reconciler) syncWallet(ctx context.Context, amount decimal.Decimal, reference string) error {
	note := "Fawry top-up"
	if reference != "" {
		note = fmt.Sprintf("Fawry top-up %s", reference)
	}
	return r.wallet.UpdateBalance(ctx, amount, note)
}

func (r *Reconciler) markFailed(ctx context.Context, id, message, providerStatus string) {
	if _, err := r.ledger.MarkFailed(ctx, id, message, providerStatus); err != nil {
		log.Printf("Failed to mark transaction %s failed: %v", id, err)
	}
}

func (r *Reconciler) deleteMarker(ctx context.Context) {
	if err := r.store.Delete(ctx, storage.KeyPendingMarker); err != nil {
		log.Printf("Failed to delete pending marker: %v", err)
	}
}

func failureMessage(detail string) string {
	if detail == "" {
		return "payment failed"
	}
	return "payment failed: " + detail
}

func unknownResult(message string) *Result {
	return &Result{
		Outcome: OutcomeUnknown,
		Message: message,
		Actions: failureActions(),
	}
}

func successActions() []string { return []string{"go_to_wallet"} }

func failureActions() []string { return []string{"try_again", "go_to_wallet"} }
