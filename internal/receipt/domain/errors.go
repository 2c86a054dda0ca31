package domain

import (
	"context"
	"errors"
	"fmt"
)

// ReasonErrorCode is the numeric code persisted in a receipt's reason fields.
type ReasonErrorCode int

const (
	ReasonPDFEngine   ReasonErrorCode = 700
	ReasonIO          ReasonErrorCode = 800
	ReasonUnexpected  ReasonErrorCode = 801
	ReasonMapping     ReasonErrorCode = 802
	ReasonBlobStorage ReasonErrorCode = 901
	ReasonQueue       ReasonErrorCode = 902
	ReasonTemplate    ReasonErrorCode = 903
	ReasonStore       ReasonErrorCode = 904
)

var (
	ErrNotFound              = errors.New("not_found")
	ErrMapping               = errors.New("mapping_failed")
	ErrRender                = errors.New("render_failed")
	ErrStore                 = errors.New("store_failed")
	ErrQueue                 = errors.New("queue_failed")
	ErrVersionConflict       = errors.New("version_conflict")
	ErrInvalidTransition     = errors.New("invalid_transition")
	ErrInvalidStatus         = errors.New("invalid_status")
	ErrRetryExhausted        = errors.New("retry_exhausted")
	ErrCartAlreadyDispatched = errors.New("cart_already_dispatched")
	ErrInvalidCart           = errors.New("invalid_cart")
	ErrNotGenerated          = errors.New("receipt_not_generated")
)

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MappingError means the source data cannot become a receipt without operator correction.
type MappingError struct {
	EventID string
	Reason  string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map event %s: %s", e.EventID, e.Reason)
}

func (e *MappingError) Is(target error) bool { return target == ErrMapping }

type RenderError struct {
	Code    ReasonErrorCode
	Role    DocumentRole
	Message string
	Timeout bool
	Err     error
}

func (e *RenderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("render %s document timed out: %s", e.Role, e.Message)
	}
	return fmt.Sprintf("render %s document (%d): %s", e.Role, e.Code, e.Message)
}

func (e *RenderError) Is(target error) bool { return target == ErrRender }

func (e *RenderError) Unwrap() error { return e.Err }

type StoreError struct {
	Code ReasonErrorCode
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s (%d): %v", e.Op, e.Code, e.Err)
}

func (e *StoreError) Is(target error) bool { return target == ErrStore }

func (e *StoreError) Unwrap() error { return e.Err }

type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *QueueError) Is(target error) bool { return target == ErrQueue }

func (e *QueueError) Unwrap() error { return e.Err }

// VersionConflictError is returned by stores when a conditional write lost a race.
type VersionConflictError struct {
	Resource string
	ID       string
	Version  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %q changed since version %d", e.Resource, e.ID, e.Version)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// IsRetryable reports whether recovery may re-drive the item that produced err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrRender), errors.Is(err, ErrStore), errors.Is(err, ErrQueue), errors.Is(err, ErrVersionConflict):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// ReasonFor maps an error onto the reason persisted on the receipt.
func ReasonFor(err error) *ReasonError {
	if err == nil {
		return nil
	}
	code := ReasonUnexpected
	var (
		renderErr *RenderError
		storeErr  *StoreError
	)
	switch {
	case errors.As(err, &renderErr):
		code = renderErr.Code
	case errors.As(err, &storeErr):
		code = storeErr.Code
	case errors.Is(err, ErrQueue):
		code = ReasonQueue
	case errors.Is(err, ErrMapping):
		code = ReasonMapping
	case errors.Is(err, context.DeadlineExceeded):
		code = ReasonIO
	}
	return &ReasonError{Code: code, Message: err.Error()}
}
