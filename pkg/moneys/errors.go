package moneys

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the economy service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrUnknownSpendKind        = errors.New("unknown spend kind")
	ErrUnknownWallet           = errors.New("unknown wallet")
	ErrUnknownEntry            = errors.New("unknown entry")
	ErrWalletExists            = errors.New("wallet already exists")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrTransactionConflict     = errors.New("transaction conflict")
	ErrPurchaseRejected        = errors.New("purchase rejected")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidEntryID          = errors.New("invalid entry id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidEntryAmount      = errors.New("invalid entry amount")
	ErrInvalidEntryKind        = errors.New("invalid entry kind")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidGrantPolicy      = errors.New("invalid grant policy")
	ErrInvalidCostTable        = errors.New("invalid cost table")
	ErrInvalidListLimit        = errors.New("invalid list limit")
	ErrInvalidListCursor       = errors.New("invalid list cursor")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsBusinessError reports whether err is a definitive rule or validation failure
// that must not be retried.
func IsBusinessError(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrUnknownSpendKind),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidMetadataJSON),
		errors.Is(err, ErrInvalidIdempotencyKey),
		errors.Is(err, ErrInvalidUserID),
		errors.Is(err, ErrDuplicateIdempotencyKey),
		errors.Is(err, ErrPurchaseRejected):
		return true
	}
	return false
}
