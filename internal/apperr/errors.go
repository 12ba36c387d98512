package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrForbidden         = errors.New("forbidden")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrEmptyOrder        = errors.New("order has no items")
	ErrConflict          = errors.New("modified concurrently")
)

// NotFoundError names the missing record. It matches ErrNotFound.
type NotFoundError struct {
	Kind string // "product" | "order"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func ProductNotFound(id string) error { return &NotFoundError{Kind: "product", ID: id} }
func OrderNotFound(id string) error   { return &NotFoundError{Kind: "order", ID: id} }

// StockError matches ErrInsufficientStock.
type StockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("not enough stock for %s: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool { return target == ErrInsufficientStock }

func InsufficientStock(itemID string, requested, available int) error {
	return &StockError{ItemID: itemID, Requested: requested, Available: available}
}

// TransitionError matches ErrInvalidTransition.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ValidationError matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

func Forbidden(reason string) error { return fmt.Errorf("%w: %s", ErrForbidden, reason) }

// Conflict reports that a record changed between the caller's read and its
// write. The caller should read again before retrying.
func Conflict(kind, id string) error {
	return fmt.Errorf("%s %s: %w, reload and retry", kind, id, ErrConflict)
}

// Unavailable marks err as a store outage while keeping it in the chain.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}

// IsTimeout reports whether err came from an expired store deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Code is the stable machine-readable name used on the wire.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrEmptyOrder):
		return "empty_order"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
