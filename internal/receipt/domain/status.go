package domain

import (
	"fmt"
	"strings"
)

type ReceiptStatus string

const (
	ReceiptStatusInserted        ReceiptStatus = "INSERTED"
	ReceiptStatusGenerated       ReceiptStatus = "GENERATED"
	ReceiptStatusIONotified      ReceiptStatus = "IO_NOTIFIED"
	ReceiptStatusIOErrorToNotify ReceiptStatus = "IO_ERROR_TO_NOTIFY"
	ReceiptStatusFailed          ReceiptStatus = "FAILED"
	ReceiptStatusNotQueued       ReceiptStatus = "NOT_QUEUED"
)

var receiptTransitions = map[ReceiptStatus][]ReceiptStatus{
	ReceiptStatusInserted:        {ReceiptStatusGenerated, ReceiptStatusFailed, ReceiptStatusNotQueued},
	ReceiptStatusGenerated:       {ReceiptStatusIONotified, ReceiptStatusIOErrorToNotify},
	ReceiptStatusIOErrorToNotify: {ReceiptStatusIONotified, ReceiptStatusIOErrorToNotify, ReceiptStatusGenerated},
	ReceiptStatusFailed:          {ReceiptStatusInserted, ReceiptStatusFailed},
	ReceiptStatusNotQueued:       {ReceiptStatusInserted},
	ReceiptStatusIONotified:      {},
}

func ParseReceiptStatus(raw string) (ReceiptStatus, error) {
	status := ReceiptStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := receiptTransitions[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

func CanTransitionReceipt(from, to ReceiptStatus) bool {
	for _, next := range receiptTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo applies a status change listed in the receipt transition table.
func (r *Receipt) TransitionTo(to ReceiptStatus) error {
	if !CanTransitionReceipt(r.Status, to) {
		return &TransitionError{Entity: "receipt", From: string(r.Status), To: string(to)}
	}
	r.Status = to
	return nil
}

// RetryExhausted reports whether automatic recovery must leave the receipt alone.
func (r *Receipt) RetryExhausted(maxRetry, maxNotifyRetry int) bool {
	switch r.Status {
	case ReceiptStatusFailed:
		return maxRetry > 0 && r.NumRetry >= maxRetry
	case ReceiptStatusIOErrorToNotify:
		return maxNotifyRetry > 0 && r.NotificationNumRetry >= maxNotifyRetry
	default:
		return false
	}
}

type CartStatus string

const (
	CartStatusInserted   CartStatus = "INSERTED"
	CartStatusDispatched CartStatus = "DISPATCHED"
	CartStatusFailed     CartStatus = "FAILED"
)

// DISPATCHED only leaves for FAILED when the hand-off itself errored.
var cartTransitions = map[CartStatus][]CartStatus{
	CartStatusInserted:   {CartStatusInserted, CartStatusDispatched},
	CartStatusDispatched: {CartStatusFailed},
	CartStatusFailed:     {CartStatusDispatched},
}

func ParseCartStatus(raw string) (CartStatus, error) {
	status := CartStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := cartTransitions[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

func CanTransitionCart(from, to CartStatus) bool {
	for _, next := range cartTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (c *CartForReceipt) TransitionTo(to CartStatus) error {
	if !CanTransitionCart(c.Status, to) {
		return &TransitionError{Entity: "cart", From: string(c.Status), To: string(to)}
	}
	c.Status = to
	return nil
}

type ReceiptErrorStatus string

const (
	ReceiptErrorStatusToReview ReceiptErrorStatus = "TO_REVIEW"
	ReceiptErrorStatusRequeued ReceiptErrorStatus = "REQUEUED"
	ReceiptErrorStatusReviewed ReceiptErrorStatus = "REVIEWED"
)

var receiptErrorTransitions = map[ReceiptErrorStatus][]ReceiptErrorStatus{
	ReceiptErrorStatusToReview: {ReceiptErrorStatusRequeued, ReceiptErrorStatusReviewed},
	ReceiptErrorStatusRequeued: {ReceiptErrorStatusToReview, ReceiptErrorStatusReviewed},
	ReceiptErrorStatusReviewed: {},
}

// ReceiptErrorSources lists the stored statuses a record may be overwritten from to land in to.
// Rewriting a record in its current status is always allowed.
func ReceiptErrorSources(to ReceiptErrorStatus) []ReceiptErrorStatus {
	sources := []ReceiptErrorStatus{to}
	for from, targets := range receiptErrorTransitions {
		for _, next := range targets {
			if next == to && from != to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

func (e *ReceiptError) TransitionTo(to ReceiptErrorStatus) error {
	for _, next := range receiptErrorTransitions[e.Status] {
		if next == to {
			e.Status = to
			return nil
		}
	}
	return &TransitionError{Entity: "receipt_error", From: string(e.Status), To: string(to)}
}
