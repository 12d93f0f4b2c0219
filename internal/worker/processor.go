package worker

import (
	"context"
	"fmt"
	"log"
	"net/url"

	"github.com/hibiken/asynq"

	"github.com/fawry-gateway/internal/reconcile"
)

const (
	// TypeReconcileWebhook is the task type for queued provider webhooks.
	TypeReconcileWebhook = "webhook:reconcile"
)

// Processor drains queued provider webhooks through the reconciler.
type Processor struct {
	reconciler *reconcile.Reconciler
}

// NewProcessor creates a webhook processor.
func NewProcessor(r *reconcile.Reconciler) *Processor {
	return &Processor{reconciler: r}
}

// NewReconcileWebhookTask wraps a raw webhook payload (the provider's
// parameters, URL-encoded) in an asynq task.
func NewReconcileWebhookTask(encodedParams string) *asynq.Task {
	return asynq.NewTask(TypeReconcileWebhook, []byte(encodedParams))
}

// ProcessWebhook reconciles one queued webhook. Unknown outcomes are
// returned as errors so asynq's retry policy gets a chance at transient
// failures; terminal outcomes complete the task.
func (p *Processor) ProcessWebhook(ctx context.Context, t *asynq.Task) error {
	params, err := url.ParseQuery(string(t.Payload()))
	if err != nil {
		return fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	result := p.reconciler.ReconcileWebhook(ctx, params)

	log.Printf("Webhook reconciled: ref=%s outcome=%s", result.MerchantRefNum, result.Outcome)

	if result.Outcome == reconcile.OutcomeUnknown {
		return fmt.Errorf("webhook not reconciled: %s", result.Message)
	}
	if result.WalletWarning != "" {
		// The charge stuck but the wallet credit did not; retrying the task
		// would double-process the callback, so only flag it loudly.
		log.Printf("ATTENTION ref=%s: %s", result.MerchantRefNum, result.WalletWarning)
	}
	return nil
}
