package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bizeventdomain "github.com/smallbiznis/receiptflow/internal/bizevent/domain"
	"github.com/smallbiznis/receiptflow/internal/clock"
	"github.com/smallbiznis/receiptflow/internal/config"
	"github.com/smallbiznis/receiptflow/internal/observability/logger"
	"github.com/smallbiznis/receiptflow/internal/observability/metrics"
	"github.com/smallbiznis/receiptflow/internal/observability/tracing"
	"github.com/smallbiznis/receiptflow/internal/receipt/domain"
	"github.com/smallbiznis/receiptflow/internal/receipt/mapping"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "receiptflow/receipt"

type GeneratorParams struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Config        config.Config
	Recovery      *config.RecoveryConfigHolder
	Events        domain.EventSource
	Receipts      domain.ReceiptStore
	ReceiptErrors domain.ReceiptErrorStore
	Renderer      domain.Renderer
	Blobs         domain.BlobStore
	Notifications domain.NotificationQueue
	Mapper        *mapping.Mapper

	Generation     domain.GenerationQueue  `optional:"true"`
	Metrics        *metrics.Metrics        `optional:"true"`
	ReceiptMetrics *metrics.ReceiptMetrics `optional:"true"`
}

// Generator drives payment events through mapping, rendering, storage and notification.
type Generator struct {
	log    *zap.Logger
	clock  clock.Clock
	tracer trace.Tracer

	recovery   *config.RecoveryConfigHolder
	blobPrefix string

	events        domain.EventSource
	receipts      domain.ReceiptStore
	receiptErrors domain.ReceiptErrorStore
	renderer      domain.Renderer
	blobs         domain.BlobStore
	notifications domain.NotificationQueue
	generation    domain.GenerationQueue
	mapper        *mapping.Mapper

	metrics        *metrics.Metrics
	receiptMetrics *metrics.ReceiptMetrics
}

func NewGenerator(p GeneratorParams) *Generator {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Generator{
		log:    log.Named("receipt.generator"),
		clock:  clk,
		tracer: otel.Tracer(tracerName),

		recovery:   p.Recovery,
		blobPrefix: p.Config.Receipt.BlobNamePrefix,

		events:        p.Events,
		receipts:      p.Receipts,
		receiptErrors: p.ReceiptErrors,
		renderer:      p.Renderer,
		blobs:         p.Blobs,
		notifications: p.Notifications,
		generation:    p.Generation,
		mapper:        p.Mapper,

		metrics:        p.Metrics,
		receiptMetrics: p.ReceiptMetrics,
	}
}

var _ domain.Generator = (*Generator)(nil)

// GenerateReceipt resumes the receipt of eventID, creating it from the source event on first sight.
func (g *Generator) GenerateReceipt(ctx context.Context, eventID string) (*domain.Receipt, error) {
	ctx, span := g.startSpan(ctx, "receipt.generate", eventID)
	defer span.End()

	receipt, err := g.findOrCreate(ctx, eventID, false)
	if err != nil {
		return nil, endSpan(span, err)
	}
	out, err := g.Resume(ctx, receipt, domain.ResumeOptions{})
	return out, endSpan(span, err)
}

func (g *Generator) GenerateCartReceipt(ctx context.Context, cartID string) (*domain.Receipt, error) {
	ctx, span := g.startSpan(ctx, "receipt.generate_cart", cartID)
	defer span.End()

	receipt, err := g.findOrCreate(ctx, cartID, true)
	if err != nil {
		return nil, endSpan(span, err)
	}
	out, err := g.Resume(ctx, receipt, domain.ResumeOptions{})
	return out, endSpan(span, err)
}

// Ingest persists the receipt and hands it to the generation queue. Without a queue it generates inline.
func (g *Generator) Ingest(ctx context.Context, eventID string) (*domain.Receipt, error) {
	ctx, span := g.startSpan(ctx, "receipt.ingest", eventID)
	defer span.End()

	existing, err := g.receipts.FetchByEventID(ctx, eventID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, endSpan(span, err)
	}

	receipt, err := g.findOrCreate(ctx, eventID, false)
	if err != nil {
		return nil, endSpan(span, err)
	}
	g.metrics.RecordIngested(ctx, receipt.IsCart)

	if g.generation == nil {
		out, err := g.Resume(ctx, receipt, domain.ResumeOptions{})
		return out, endSpan(span, err)
	}

	qerr := g.generation.EnqueueGeneration(ctx, domain.GenerationRequest{
		ReceiptID: receipt.ID,
		EventID:   receipt.EventID,
		IsCart:    receipt.IsCart,
	})
	if qerr == nil {
		return receipt, nil
	}

	if !errors.Is(qerr, domain.ErrQueue) {
		qerr = &domain.QueueError{Op: "enqueue generation", Err: qerr}
	}
	g.log.Warn("receipt.ingest.not_queued",
		zap.String("receipt_id", receipt.ID),
		zap.String("event_id", receipt.EventID),
		zap.Error(qerr),
	)
	out, err := g.withConflictRetry(ctx, receipt, func(r *domain.Receipt) (*domain.Receipt, error) {
		if r.Status != domain.ReceiptStatusInserted {
			return r, nil
		}
		from := r.Status
		if err := r.TransitionTo(domain.ReceiptStatusNotQueued); err != nil {
			return nil, err
		}
		r.ReasonErr = &domain.ReasonError{Code: domain.ReasonQueue, Message: qerr.Error()}
		return g.save(ctx, from, r)
	})
	if err != nil {
		return nil, endSpan(span, err)
	}
	return out, endSpan(span, qerr)
}

// ProcessGenerationRequest is the consumer side of Ingest.
func (g *Generator) ProcessGenerationRequest(ctx context.Context, req domain.GenerationRequest) (*domain.Receipt, error) {
	receipt, err := g.receipts.FetchReceipt(ctx, req.ReceiptID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) || req.EventID == "" {
			return nil, err
		}
		if req.IsCart {
			return g.GenerateCartReceipt(ctx, req.EventID)
		}
		return g.GenerateReceipt(ctx, req.EventID)
	}
	return g.Resume(ctx, receipt, domain.ResumeOptions{})
}

func (g *Generator) GetReceipt(ctx context.Context, eventID string) (*domain.Receipt, error) {
	return g.receipts.FetchByEventID(ctx, eventID)
}

func (g *Generator) GetReceiptByMessageID(ctx context.Context, messageID string) (*domain.Receipt, error) {
	return g.receipts.FetchByMessageID(ctx, messageID)
}

// GetReceiptByOrganizationAndIUV resolves the paid notice to its event first, then to the receipt.
func (g *Generator) GetReceiptByOrganizationAndIUV(ctx context.Context, organizationFiscalCode, iuv string) (*domain.Receipt, error) {
	event, err := g.events.FetchEventByOrganizationAndIUV(ctx, organizationFiscalCode, iuv)
	if err != nil {
		return nil, sourceError("biz_event", organizationFiscalCode+"/"+iuv, err)
	}
	return g.receipts.FetchByEventID(ctx, event.ID)
}

// Resume continues the receipt from its persisted status. Lost version races re-read and re-evaluate.
func (g *Generator) Resume(ctx context.Context, receipt *domain.Receipt, opts domain.ResumeOptions) (*domain.Receipt, error) {
	return g.withConflictRetry(ctx, receipt, func(r *domain.Receipt) (*domain.Receipt, error) {
		return g.resumeOnce(ctx, r, opts)
	})
}

// Regenerate re-renders every document of a generated receipt under the same names.
// Status, counters and notifications are left alone.
func (g *Generator) Regenerate(ctx context.Context, eventID string) (*domain.Receipt, error) {
	ctx, span := g.startSpan(ctx, "receipt.regenerate", eventID)
	defer span.End()

	receipt, err := g.receipts.FetchByEventID(ctx, eventID)
	if err != nil {
		return nil, endSpan(span, err)
	}

	out, err := g.withConflictRetry(ctx, receipt, func(r *domain.Receipt) (*domain.Receipt, error) {
		switch r.Status {
		case domain.ReceiptStatusGenerated, domain.ReceiptStatusIONotified, domain.ReceiptStatusIOErrorToNotify:
		default:
			return r, fmt.Errorf("receipt %s in status %s: %w", r.ID, r.Status, domain.ErrNotGenerated)
		}

		fresh := r.Clone()
		fresh.MdAttach = nil
		fresh.MdAttachPayer = nil
		if failures := g.renderMissing(ctx, fresh); len(failures) > 0 {
			if err := ctx.Err(); err != nil {
				return r, err
			}
			return r, joinFailures(failures)
		}
		fresh.MarkGenerated(g.clock.Now())
		return g.save(ctx, fresh.Status, fresh)
	})
	return out, endSpan(span, err)
}

func (g *Generator) resumeOnce(ctx context.Context, receipt *domain.Receipt, opts domain.ResumeOptions) (*domain.Receipt, error) {
	r := receipt.Clone()
	cfg := g.recovery.Get()

	switch r.Status {
	case domain.ReceiptStatusIONotified:
		return r, nil

	case domain.ReceiptStatusGenerated:
		return g.notify(ctx, r)

	case domain.ReceiptStatusIOErrorToNotify:
		if r.RetryExhausted(cfg.MaxRetry, cfg.MaxNotifyRetry) && !opts.Force {
			return r, fmt.Errorf("receipt %s: %w", r.ID, domain.ErrRetryExhausted)
		}
		return g.notify(ctx, r)

	case domain.ReceiptStatusFailed:
		if r.RetryExhausted(cfg.MaxRetry, cfg.MaxNotifyRetry) && !opts.Force {
			return r, fmt.Errorf("receipt %s: %w", r.ID, domain.ErrRetryExhausted)
		}
		saved, err := g.reinsert(ctx, r)
		if err != nil {
			return nil, err
		}
		return g.generate(ctx, saved)

	case domain.ReceiptStatusNotQueued:
		saved, err := g.reinsert(ctx, r)
		if err != nil {
			return nil, err
		}
		return g.generate(ctx, saved)

	case domain.ReceiptStatusInserted:
		return g.generate(ctx, r)

	default:
		return r, fmt.Errorf("receipt %s: %w: %s", r.ID, domain.ErrInvalidStatus, r.Status)
	}
}

func (g *Generator) reinsert(ctx context.Context, r *domain.Receipt) (*domain.Receipt, error) {
	from := r.Status
	if err := r.TransitionTo(domain.ReceiptStatusInserted); err != nil {
		return nil, err
	}
	return g.save(ctx, from, r)
}

func (g *Generator) generate(ctx context.Context, r *domain.Receipt) (*domain.Receipt, error) {
	generated, err := g.renderDocuments(ctx, r)
	if err != nil {
		return generated, err
	}
	return g.notify(ctx, generated)
}

// renderDocuments stores every missing document. Any failure moves the receipt to FAILED,
// keeping documents that did succeed.
func (g *Generator) renderDocuments(ctx context.Context, r *domain.Receipt) (*domain.Receipt, error) {
	log := logger.WithReceipt(logger.WithContext(ctx, g.log), r.ID, r.EventID)

	failures := g.renderMissing(ctx, r)
	if err := ctx.Err(); err != nil {
		return r, err
	}

	from := r.Status
	if len(failures) > 0 {
		failErr := joinFailures(failures)
		r.NumRetry++
		if err := r.TransitionTo(domain.ReceiptStatusFailed); err != nil {
			return nil, err
		}
		saved, err := g.save(ctx, from, r)
		if err != nil {
			return nil, err
		}
		reason := domain.ReasonFor(failures[0])
		g.metrics.RecordFailed(ctx, fmt.Sprintf("%d", reason.Code))
		log.Warn("receipt.generate.failed",
			zap.Int("num_retry", saved.NumRetry),
			zap.Int("reason_code", int(reason.Code)),
			zap.Error(failErr),
		)
		return saved, failErr
	}

	if err := r.TransitionTo(domain.ReceiptStatusGenerated); err != nil {
		return nil, err
	}
	r.MarkGenerated(g.clock.Now())
	r.ClearReasons()
	saved, err := g.save(ctx, from, r)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordGenerated(ctx, saved.IsCart)
	log.Info("receipt.generate.success", zap.Int("documents", len(saved.Documents())))
	return saved, nil
}

// renderMissing renders and stores each required document without metadata, recording per-role reasons.
func (g *Generator) renderMissing(ctx context.Context, r *domain.Receipt) []error {
	docs := r.Documents()
	if len(docs) == 0 {
		err := &domain.RenderError{Code: domain.ReasonTemplate, Role: domain.RoleDebtor, Message: "receipt has no producible document"}
		r.SetReason(domain.RoleDebtor, domain.ReasonFor(err))
		return []error{err}
	}

	events := g.renderEvents(ctx, r)
	timeout := g.recovery.Get().RenderTimeout

	var failures []error
	for _, doc := range docs {
		if r.Attachment(doc.Role) != nil {
			continue
		}
		if ctx.Err() != nil {
			return append(failures, ctx.Err())
		}

		started := time.Now()
		meta, err := g.renderAndStore(ctx, r, doc, events, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return append(failures, ctx.Err())
			}
			r.SetReason(doc.Role, domain.ReasonFor(err))
			failures = append(failures, err)
			continue
		}
		r.SetAttachment(doc.Role, meta)
		r.SetReason(doc.Role, nil)
		g.receiptMetrics.ObserveRender(string(doc.Role), string(doc.Template), time.Since(started))
	}
	return failures
}

func (g *Generator) renderAndStore(ctx context.Context, r *domain.Receipt, doc domain.Document, events []*bizeventdomain.BizEvent, timeout time.Duration) (*domain.ReceiptMetadata, error) {
	renderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	artifact, err := g.renderer.Render(renderCtx, domain.RenderRequest{
		Template: doc.Template,
		Role:     doc.Role,
		Receipt:  r,
		Events:   events,
	})
	if err != nil {
		renderErr := asRenderError(doc.Role, err)
		if renderErr.Timeout {
			g.receiptMetrics.IncRenderTimeout(string(doc.Role))
		}
		return nil, renderErr
	}

	name := domain.BlobName(g.blobPrefix, r.EventID, doc.Role, r.InsertedAt)
	meta, err := g.blobs.Store(ctx, name, bytes.NewReader(artifact.Content))
	if err != nil {
		return nil, &domain.StoreError{Code: domain.ReasonBlobStorage, Op: "store " + string(doc.Role) + " document", Err: err}
	}
	return meta, nil
}

func asRenderError(role domain.DocumentRole, err error) *domain.RenderError {
	var renderErr *domain.RenderError
	if errors.As(err, &renderErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			renderErr.Timeout = true
		}
		return renderErr
	}
	return &domain.RenderError{
		Code:    domain.ReasonPDFEngine,
		Role:    role,
		Message: err.Error(),
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// renderEvents loads the source events for richer documents. Missing events only cost detail.
func (g *Generator) renderEvents(ctx context.Context, r *domain.Receipt) []*bizeventdomain.BizEvent {
	if r.IsCart {
		events, err := g.events.FetchCartEvents(ctx, r.EventID)
		if err != nil {
			g.log.Debug("cart events unavailable for render", zap.String("cart_id", r.EventID), zap.Error(err))
			return nil
		}
		return events
	}
	event, err := g.events.FetchEvent(ctx, r.EventID)
	if err != nil {
		g.log.Debug("event unavailable for render", zap.String("event_id", r.EventID), zap.Error(err))
		return nil
	}
	return []*bizeventdomain.BizEvent{event}
}

// notify sends one message per document. Ids already recorded are not sent again.
func (g *Generator) notify(ctx context.Context, r *domain.Receipt) (*domain.Receipt, error) {
	log := logger.WithReceipt(logger.WithContext(ctx, g.log), r.ID, r.EventID)

	var failed error
	for _, doc := range r.Documents() {
		if r.MessageID(doc.Role) != "" {
			continue
		}
		id, err := g.notifications.EnqueueNotification(ctx, domain.NotificationMessage{
			ReceiptID:  r.ID,
			EventID:    r.EventID,
			Role:       doc.Role,
			FiscalCode: r.FiscalCode(doc.Role),
			IsCart:     r.IsCart,
			Attachment: r.Attachment(doc.Role),
		})
		if err != nil {
			g.metrics.RecordNotification(ctx, string(doc.Role), "error")
			failed = err
			continue
		}
		g.metrics.RecordNotification(ctx, string(doc.Role), "ok")
		r.SetMessageID(doc.Role, id)
		log.Debug("receipt.notify.enqueued",
			zap.String("role", string(doc.Role)),
			zap.String("message_id", id),
			logger.FiscalCode("fiscal_code", r.FiscalCode(doc.Role)),
		)
	}
	if err := ctx.Err(); err != nil {
		return r, err
	}

	from := r.Status
	if failed != nil {
		if !errors.Is(failed, domain.ErrQueue) {
			failed = &domain.QueueError{Op: "enqueue notification", Err: failed}
		}
		if err := r.TransitionTo(domain.ReceiptStatusIOErrorToNotify); err != nil {
			return nil, err
		}
		r.NotificationNumRetry++
		r.ReasonErr = &domain.ReasonError{Code: domain.ReasonQueue, Message: failed.Error()}
		saved, err := g.save(ctx, from, r)
		if err != nil {
			return nil, err
		}
		log.Warn("receipt.notify.failed",
			zap.Int("notification_num_retry", saved.NotificationNumRetry),
			zap.Error(failed),
		)
		return saved, failed
	}

	if err := r.TransitionTo(domain.ReceiptStatusIONotified); err != nil {
		return nil, err
	}
	r.MarkNotified(g.clock.Now())
	r.ClearReasons()
	saved, err := g.save(ctx, from, r)
	if err != nil {
		return nil, err
	}
	log.Info("receipt.notify.success")
	return saved, nil
}

func (g *Generator) findOrCreate(ctx context.Context, eventID string, isCart bool) (*domain.Receipt, error) {
	existing, err := g.receipts.FetchByEventID(ctx, eventID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	data, source, err := g.mapSource(ctx, eventID, isCart)
	if err != nil {
		var mappingErr *domain.MappingError
		if errors.As(err, &mappingErr) {
			g.recordMappingError(ctx, eventID, source, mappingErr)
		}
		return nil, err
	}

	receipt := domain.NewReceipt(eventID, data, isCart, g.clock.Now())
	saved, err := g.receipts.SaveReceipt(ctx, receipt)
	if errors.Is(err, domain.ErrVersionConflict) {
		// another worker created it first
		g.receiptMetrics.IncConflictRetry("receipt")
		return g.receipts.FetchByEventID(ctx, eventID)
	}
	if err != nil {
		return nil, err
	}
	g.receiptMetrics.IncTransition("", string(saved.Status))
	g.markRequeued(ctx, eventID)

	logger.WithReceipt(logger.WithContext(ctx, g.log), saved.ID, saved.EventID).
		Info("receipt.created", zap.Bool("is_cart", saved.IsCart))
	return saved, nil
}

// mapSource returns the mapped data along with the raw source, which is kept for review on mapping errors.
func (g *Generator) mapSource(ctx context.Context, eventID string, isCart bool) (*domain.EventData, any, error) {
	if isCart {
		events, err := g.events.FetchCartEvents(ctx, eventID)
		if err != nil {
			return nil, nil, sourceError("cart", eventID, err)
		}
		data, err := g.mapper.MapCart(eventID, events)
		return data, events, err
	}

	event, err := g.events.FetchEvent(ctx, eventID)
	if err != nil {
		return nil, nil, sourceError("biz_event", eventID, err)
	}
	data, err := g.mapper.MapEvent(event)
	return data, event, err
}

func sourceError(resource, id string, err error) error {
	if errors.Is(err, bizeventdomain.ErrEventNotFound) {
		return &domain.NotFoundError{Resource: resource, ID: id}
	}
	return fmt.Errorf("fetch %s %s: %w", resource, id, err)
}

func (g *Generator) recordMappingError(ctx context.Context, eventID string, source any, mappingErr *domain.MappingError) {
	var payload string
	if source != nil {
		raw, err := json.Marshal(source)
		if err == nil {
			payload = base64.StdEncoding.EncodeToString(raw)
		}
	}

	_, err := g.receiptErrors.SaveReceiptError(ctx, &domain.ReceiptError{
		BizEventID:     eventID,
		MessagePayload: payload,
		MessageError:   mappingErr.Error(),
		Status:         domain.ReceiptErrorStatusToReview,
	})
	log := logger.WithContext(ctx, g.log).With(zap.String("event_id", eventID))
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Info("receipt_error.already_reviewed", zap.String("reason", mappingErr.Reason))
		return
	}
	if err != nil {
		log.Error("receipt_error.save.failed", zap.Error(err))
		return
	}
	log.Warn("receipt.mapping.failed", zap.String("reason", mappingErr.Reason))
}

// markRequeued flags a parked event that now mapped cleanly.
func (g *Generator) markRequeued(ctx context.Context, eventID string) {
	parked, err := g.receiptErrors.FetchByEventID(ctx, eventID)
	if err != nil || parked.Status != domain.ReceiptErrorStatusToReview {
		return
	}
	if err := parked.TransitionTo(domain.ReceiptErrorStatusRequeued); err != nil {
		return
	}
	if _, err := g.receiptErrors.SaveReceiptError(ctx, parked); err != nil {
		g.log.Warn("receipt_error.requeue.failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

// withConflictRetry runs step until it stops losing version races, re-reading the receipt between attempts.
func (g *Generator) withConflictRetry(ctx context.Context, receipt *domain.Receipt, step func(*domain.Receipt) (*domain.Receipt, error)) (*domain.Receipt, error) {
	maxConflicts := g.recovery.Get().MaxConflictRetries
	current := receipt
	for attempt := 0; ; attempt++ {
		out, err := step(current)
		if !errors.Is(err, domain.ErrVersionConflict) {
			return out, err
		}
		if attempt >= maxConflicts {
			return nil, &domain.StoreError{Code: domain.ReasonStore, Op: "save receipt " + receipt.ID, Err: err}
		}
		g.receiptMetrics.IncConflictRetry("receipt")
		g.log.Debug("receipt.conflict.retry", zap.String("receipt_id", receipt.ID), zap.Int("attempt", attempt+1))

		current, err = g.receipts.FetchReceipt(ctx, receipt.ID)
		if err != nil {
			return nil, err
		}
	}
}

func (g *Generator) save(ctx context.Context, from domain.ReceiptStatus, r *domain.Receipt) (*domain.Receipt, error) {
	saved, err := g.receipts.SaveReceipt(ctx, r)
	if err != nil {
		return nil, err
	}
	g.receiptMetrics.IncTransition(string(from), string(saved.Status))
	return saved, nil
}

func (g *Generator) startSpan(ctx context.Context, name, eventID string) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, name, trace.WithAttributes(
		tracing.SafeAttributes(attribute.String("event_id", eventID))...,
	))
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, tracing.SafeError(err).Error())
	}
	return err
}

func joinFailures(failures []error) error {
	if len(failures) == 1 {
		return failures[0]
	}
	return errors.Join(failures...)
}
