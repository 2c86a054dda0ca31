package domain

import "context"

type ResumeOptions struct {
	// Force re-drives receipts whose retry ceiling is exhausted.
	Force bool
}

type Generator interface {
	GenerateReceipt(ctx context.Context, eventID string) (*Receipt, error)
	GenerateCartReceipt(ctx context.Context, cartID string) (*Receipt, error)
	Ingest(ctx context.Context, eventID string) (*Receipt, error)
	ProcessGenerationRequest(ctx context.Context, req GenerationRequest) (*Receipt, error)
	Resume(ctx context.Context, receipt *Receipt, opts ResumeOptions) (*Receipt, error)
	Regenerate(ctx context.Context, eventID string) (*Receipt, error)
	GetReceipt(ctx context.Context, eventID string) (*Receipt, error)
	GetReceiptByMessageID(ctx context.Context, messageID string) (*Receipt, error)
	GetReceiptByOrganizationAndIUV(ctx context.Context, organizationFiscalCode, iuv string) (*Receipt, error)
}

type Recovery interface {
	RecoverBatch(ctx context.Context, ids []string) (*RecoveryResult, error)
	RecoverNotNotified(ctx context.Context, status ReceiptStatus) (*RecoveryResult, error)
	RenotifyStale(ctx context.Context) (*RecoveryResult, error)
	ResetRetries(ctx context.Context, eventID string) (*Receipt, error)
	RecoverCarts(ctx context.Context, ids []string) (*CartRecoveryResult, error)
}

type CartAggregator interface {
	OnCartItemArrived(ctx context.Context, cartID, paymentID string, totalExpected int) (*CartForReceipt, error)
	Redispatch(ctx context.Context, cartID string, force bool) (*CartForReceipt, error)
	GetCart(ctx context.Context, cartID string) (*CartForReceipt, error)
}

// Dispatcher triggers receipt generation for a completed cart.
type Dispatcher interface {
	DispatchCart(ctx context.Context, cart *CartForReceipt) error
}

type ReceiptErrorService interface {
	GetReceiptError(ctx context.Context, eventID string) (*ReceiptError, error)
	MarkReviewed(ctx context.Context, eventID string) (*ReceiptError, error)
	MarkAllReviewed(ctx context.Context) (int, error)
}
