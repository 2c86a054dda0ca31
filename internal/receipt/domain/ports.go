package domain

import (
	"context"
	"io"

	bizeventdomain "github.com/smallbiznis/receiptflow/internal/bizevent/domain"
)

// EventSource returns bizeventdomain.ErrEventNotFound for unknown ids.
type EventSource interface {
	FetchEvent(ctx context.Context, id string) (*bizeventdomain.BizEvent, error)
	FetchEventByOrganizationAndIUV(ctx context.Context, organizationFiscalCode, iuv string) (*bizeventdomain.BizEvent, error)
	FetchCartEvents(ctx context.Context, cartID string) ([]*bizeventdomain.BizEvent, error)
}

// ScanFilter selects recoverable receipts. A zero ceiling means unbounded.
// INSERTED and GENERATED rows only match once their inserted_at or generated_at
// (unix millis) is older than InsertedBefore or GeneratedBefore, so a zero bound excludes them.
type ScanFilter struct {
	Statuses        []ReceiptStatus
	MaxRetry        int
	MaxNotifyRetry  int
	InsertedBefore  int64
	GeneratedBefore int64
}

// Matches reports whether r satisfies the filter the same way ScanRecoverable does.
func (f ScanFilter) Matches(r *Receipt) bool {
	found := false
	for _, s := range f.Statuses {
		if s == r.Status {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	switch r.Status {
	case ReceiptStatusInserted:
		return r.InsertedAt < f.InsertedBefore
	case ReceiptStatusGenerated:
		return r.GeneratedAt < f.GeneratedBefore
	}
	return !r.RetryExhausted(f.MaxRetry, f.MaxNotifyRetry)
}

// ReceiptStore persists receipts. SaveReceipt inserts when Version is zero and otherwise
// updates only if the stored version still matches, returning *VersionConflictError when not.
type ReceiptStore interface {
	FetchReceipt(ctx context.Context, id string) (*Receipt, error)
	FetchByEventID(ctx context.Context, eventID string) (*Receipt, error)
	// FetchByMessageID finds the receipt whose debtor or payer notification carries messageID.
	FetchByMessageID(ctx context.Context, messageID string) (*Receipt, error)
	SaveReceipt(ctx context.Context, receipt *Receipt) (*Receipt, error)
	ScanRecoverable(ctx context.Context, filter ScanFilter, cursor string, pageSize int) ([]*Receipt, string, error)
}

type CartStore interface {
	FetchCart(ctx context.Context, id string) (*CartForReceipt, error)
	SaveCart(ctx context.Context, cart *CartForReceipt) (*CartForReceipt, error)
	ScanCarts(ctx context.Context, statuses []CartStatus, cursor string, pageSize int) ([]*CartForReceipt, string, error)
}

type ReceiptErrorStore interface {
	FetchByEventID(ctx context.Context, eventID string) (*ReceiptError, error)
	SaveReceiptError(ctx context.Context, receiptErr *ReceiptError) (*ReceiptError, error)
	ListByStatus(ctx context.Context, status ReceiptErrorStatus, cursor string, pageSize int) ([]*ReceiptError, string, error)
}

type RenderRequest struct {
	Template TemplateRef
	Role     DocumentRole
	Receipt  *Receipt
	Events   []*bizeventdomain.BizEvent
}

// Renderer must honor ctx cancellation; the caller bounds every call with a deadline.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*Artifact, error)
}

type BlobStore interface {
	Store(ctx context.Context, name string, content io.Reader) (*ReceiptMetadata, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// NotificationQueue returns the id assigned to the enqueued message.
type NotificationQueue interface {
	EnqueueNotification(ctx context.Context, msg NotificationMessage) (string, error)
}

type GenerationQueue interface {
	EnqueueGeneration(ctx context.Context, req GenerationRequest) error
}
