package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giggatek/reconciler/internal/archive"
	"github.com/giggatek/reconciler/internal/jobs"
	"github.com/giggatek/reconciler/internal/notify"
	"github.com/giggatek/reconciler/internal/payment"
	"github.com/giggatek/reconciler/internal/tracing"
)

const archiveTimeout = 10 * time.Second

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Enqueue(n notify.Notification) bool
}

// Report summarizes what processing a verified event did.
type Report struct {
	Outcome    Outcome `json:"outcome"`
	Ignored    bool    `json:"ignored,omitempty"`
	Duplicate  bool    `json:"duplicate,omitempty"`
	Skipped    bool    `json:"skipped,omitempty"`
	Notified   int     `json:"notified,omitempty"`
	ArchiveKey string  `json:"archive_key,omitempty"`
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithNotifier sends committed notifications through n.
func WithNotifier(n Notifier) ProcessorOption {
	return func(p *Processor) { p.notifier = n }
}

// WithArchive stores payloads of failed reconciliations in a.
func WithArchive(a archive.Archiver) ProcessorOption {
	return func(p *Processor) { p.archive = a }
}

// WithMetrics records reconciliation metrics.
func WithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithJobMetrics records archive uploads as background jobs.
func WithJobMetrics(m *jobs.Metrics) ProcessorOption {
	return func(p *Processor) { p.jobMetrics = m }
}

// Processor runs the reconciliation pipeline for one verified event:
// metadata resolution, classification, transition and notification.
type Processor struct {
	applier    *Applier
	store      payment.Store
	notifier   Notifier
	archive    archive.Archiver
	metrics    *Metrics
	jobMetrics *jobs.Metrics
	logger     *slog.Logger
}

// NewProcessor creates a Processor. store is used to look up the ledger row a
// refund or reversal refers to.
func NewProcessor(applier *Applier, store payment.Store, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{applier: applier, store: store, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process reconciles event. raw is the verified request body, kept only for
// archiving. A *ClassificationError means the metadata is unusable and nothing
// was written. A *ReconciliationError means the transaction rolled back and
// the provider should redeliver.
func (p *Processor) Process(ctx context.Context, event *payment.PaymentEvent, raw []byte) (*Report, error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.process",
		attribute.String("payment.provider", string(event.Provider)),
		attribute.String("payment.event_type", event.EventType),
		attribute.String("payment.transaction_id", event.ProviderTransactionID),
	)
	report, err := p.process(ctx, event, raw)
	endSpan(err)
	return report, err
}

func (p *Processor) process(ctx context.Context, event *payment.PaymentEvent, raw []byte) (*Report, error) {
	provider := string(event.Provider)
	log := p.logger.With(
		"provider", provider,
		"event_type", event.EventType,
		"transaction_id", event.ProviderTransactionID,
	)

	if event.Kind == payment.KindIgnored {
		log.DebugContext(ctx, "ignoring event with no reconciliation meaning")
		p.countEvent(provider, ResultIgnored)
		return &Report{Outcome: Outcome{Kind: OutcomeUnrecognized}, Ignored: true}, nil
	}

	start := time.Now()

	ev, err := p.resolveMetadata(ctx, event)
	if err != nil {
		rerr := newReconciliationError(event.ProviderTransactionID, Outcome{Kind: OutcomeUnrecognized}, err)
		return p.fail(ctx, log, event, raw, rerr)
	}

	outcome, err := Classify(ev.Metadata)
	if err != nil {
		log.WarnContext(ctx, "invalid reconciliation metadata", "error", err)
		p.countEvent(provider, ResultInvalidMetadata)
		return nil, err
	}
	tracing.SetAttributes(ctx, attribute.String("reconcile.outcome", string(outcome.Kind)))

	if outcome.Kind == OutcomeUnrecognized {
		log.InfoContext(ctx, "unrecognized payment event, acknowledging", "outcome", string(outcome.Kind))
		p.countEvent(provider, ResultUnrecognized)
		return &Report{Outcome: outcome, Skipped: true}, nil
	}

	res, err := p.applier.Apply(ctx, outcome, ev)
	p.observe(outcome, start)
	if err != nil {
		return p.fail(ctx, log, ev, raw, err)
	}

	report := &Report{Outcome: outcome, Duplicate: res.Duplicate, Skipped: res.Skipped}
	switch {
	case res.Duplicate:
		log.InfoContext(ctx, "duplicate delivery, already reconciled", "outcome", outcome.String())
		p.countEvent(provider, ResultDuplicate)
		if p.metrics != nil {
			p.metrics.IncDuplicate(provider)
		}
	case res.Skipped:
		log.InfoContext(ctx, "event recorded without state change", "outcome", outcome.String())
		p.countEvent(provider, ResultSkipped)
	default:
		log.InfoContext(ctx, "payment reconciled", "outcome", outcome.String(), "ledger", res.Ledger.String())
		p.countEvent(provider, ResultApplied)
	}

	for _, n := range res.Notifications {
		if p.notifier == nil {
			break
		}
		if p.notifier.Enqueue(n) {
			report.Notified++
		}
	}
	return report, nil
}

// Replay loads an archived delivery and processes it again. The ledger makes
// replaying an event that has since been reconciled a no-op.
func (p *Processor) Replay(ctx context.Context, key string) (*Report, error) {
	if p.archive == nil {
		return nil, errors.New("replay: no archive configured")
	}
	rec, err := p.archive.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	ev := rec.Event
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("replay %s: %w", key, err)
	}
	p.logger.InfoContext(ctx, "replaying archived event",
		"archive_key", key,
		"provider", string(ev.Provider),
		"transaction_id", ev.ProviderTransactionID,
	)
	return p.Process(ctx, &ev, rec.Payload)
}

// resolveMetadata gives refunds and reversals without classification keys the
// metadata recorded for the transaction they refer to. A parent missing from
// the ledger is an entity_not_found failure.
func (p *Processor) resolveMetadata(ctx context.Context, event *payment.PaymentEvent) (*payment.PaymentEvent, error) {
	if !event.ReturnsFunds() || HasClassificationKeys(event.Metadata) || event.ProviderParentID == "" {
		return event, nil
	}
	// An unknown parent is usually a sale whose own delivery has not
	// reconciled yet. Failing makes the provider redeliver the refund.
	parent, err := p.store.LedgerEntry(ctx, event.ProviderParentID)
	if err != nil {
		return nil, fmt.Errorf("look up parent transaction %s: %w", event.ProviderParentID, err)
	}
	ev := event.WithMetadata(parent.Metadata)
	return &ev, nil
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, event *payment.PaymentEvent, raw []byte, err error) (*Report, error) {
	outcome := Outcome{Kind: OutcomeUnrecognized}
	kind := ErrorStoreFailure
	var rerr *ReconciliationError
	if errors.As(err, &rerr) {
		outcome = rerr.Outcome
		kind = rerr.Kind
	}

	log.ErrorContext(ctx, "reconciliation failed",
		"outcome", string(outcome.Kind),
		"error_kind", string(kind),
		"error", err,
	)
	p.countEvent(string(event.Provider), ResultError)

	report := &Report{Outcome: outcome}
	if key := p.archivePayload(ctx, log, event, raw, outcome, kind); key != "" {
		report.ArchiveKey = key
	}
	return report, err
}

func (p *Processor) archivePayload(ctx context.Context, log *slog.Logger, event *payment.PaymentEvent, raw []byte, outcome Outcome, kind ErrorKind) string {
	if p.archive == nil {
		return ""
	}
	// The request may already be cancelled; the upload must still happen.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	start := time.Now()
	key, err := p.archive.Put(ctx, archive.Record{
		Provider:              event.Provider,
		EventType:             event.EventType,
		ProviderTransactionID: event.ProviderTransactionID,
		Outcome:               string(outcome.Kind),
		Error:                 string(kind),
		Event:                 *event,
		Payload:               raw,
	})
	if p.jobMetrics != nil {
		p.jobMetrics.ObserveJobDuration(jobs.JobTypePayloadArchive, time.Since(start).Seconds())
	}
	if err != nil {
		log.ErrorContext(ctx, "failed to archive payload", "error", err)
		if p.jobMetrics != nil {
			p.jobMetrics.IncJobsTotal(jobs.JobTypePayloadArchive, jobs.StatusFailure)
			p.jobMetrics.IncJobErrors(jobs.JobTypePayloadArchive, "upload_error")
		}
		return ""
	}
	if p.jobMetrics != nil {
		p.jobMetrics.IncJobsTotal(jobs.JobTypePayloadArchive, jobs.StatusSuccess)
	}
	log.InfoContext(ctx, "payload archived for replay", "archive_key", key)
	return key
}

func (p *Processor) countEvent(provider, result string) {
	if p.metrics != nil {
		p.metrics.IncEvent(provider, result)
	}
}

func (p *Processor) observe(outcome Outcome, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveDuration(string(outcome.Kind), time.Since(start).Seconds())
	}
}
