package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/giggatek/reconciler/internal/middleware"
	"github.com/giggatek/reconciler/internal/payment"
	"github.com/giggatek/reconciler/internal/reconcile"
	"github.com/giggatek/reconciler/internal/webhook"
)

// DefaultMaxBodyBytes caps webhook request bodies. Provider envelopes are a
// few kilobytes.
const DefaultMaxBodyBytes int64 = 1 << 20

// EventProcessor reconciles a verified payment event.
type EventProcessor interface {
	Process(ctx context.Context, event *payment.PaymentEvent, raw []byte) (*reconcile.Report, error)
}

// WebhookHandlers holds dependencies for the webhook intake endpoint.
type WebhookHandlers struct {
	registry     *webhook.Registry
	processor    EventProcessor
	metrics      *reconcile.Metrics
	maxBodyBytes int64
	logger       *slog.Logger
}

// WebhookHandlersConfig configures the webhook handlers.
type WebhookHandlersConfig struct {
	Registry     *webhook.Registry
	Processor    EventProcessor
	Metrics      *reconcile.Metrics // optional
	MaxBodyBytes int64              // defaults to DefaultMaxBodyBytes
	Logger       *slog.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(cfg WebhookHandlersConfig) *WebhookHandlers {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebhookHandlers{
		registry:     cfg.Registry,
		processor:    cfg.Processor,
		metrics:      cfg.Metrics,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       cfg.Logger,
	}
}

// webhookAck is the body of every acknowledged delivery.
type webhookAck struct {
	Status string `json:"status"`
}

// HandleWebhook authenticates a delivery, reconciles it and answers the
// provider. POST /webhooks/{provider}
//
// Deliveries that verify but carry nothing to reconcile are still answered
// with 200 so the provider stops retrying. Reconciliation failures return 500
// so it redelivers.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["provider"]

	verifier, ok := h.registry.Lookup(name)
	if !ok {
		WriteError(w, ctx, http.StatusNotFound, ErrCodeUnknownProvider, "unknown payment provider")
		return
	}
	provider := string(verifier.Provider())
	ctx = middleware.SetProvider(ctx, provider)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, ctx, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
			return
		}
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	event, err := verifier.Verify(ctx, body, r.Header)
	if err != nil {
		h.rejectDelivery(w, ctx, provider, err)
		return
	}

	report, err := h.processor.Process(ctx, event, body)
	if err != nil {
		h.reconciliationFailed(w, ctx, event, err)
		return
	}

	h.logger.DebugContext(ctx, "webhook acknowledged",
		"provider", provider,
		"event_type", event.EventType,
		"transaction_id", event.ProviderTransactionID,
		"outcome", report.Outcome.String(),
		"duplicate", report.Duplicate,
	)
	writeJSON(w, ctx, http.StatusOK, webhookAck{Status: "success"})
}

func (h *WebhookHandlers) rejectDelivery(w http.ResponseWriter, ctx context.Context, provider string, err error) {
	var verr *webhook.VerificationError
	if !errors.As(err, &verr) {
		h.logger.ErrorContext(ctx, "webhook verification error", "provider", provider, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to verify webhook")
		return
	}

	if h.metrics != nil {
		h.metrics.IncVerificationFailure(provider, string(verr.Reason))
	}
	h.logger.WarnContext(ctx, "webhook verification failed",
		"provider", provider,
		"reason", string(verr.Reason),
		"error", err,
	)

	if verr.IsClientError() {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidPayload, "invalid webhook payload")
		return
	}
	WriteError(w, ctx, http.StatusUnauthorized, ErrCodeInvalidSignature, "invalid webhook signature")
}

func (h *WebhookHandlers) reconciliationFailed(w http.ResponseWriter, ctx context.Context, event *payment.PaymentEvent, err error) {
	var cerr *reconcile.ClassificationError
	if errors.As(err, &cerr) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidMetadata, "invalid reconciliation metadata: "+cerr.Field)
		return
	}
	// The processor has already logged and archived the failure.
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeReconciliationFailed, "failed to reconcile payment")
}
