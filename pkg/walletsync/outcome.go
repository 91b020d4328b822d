package walletsync

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const statusInsufficientFunds = "insufficient_funds"

// Outcome classifies the result of a remote economy call.
type Outcome int

const (
	// OutcomeSucceeded means the operation committed.
	OutcomeSucceeded Outcome = iota
	// OutcomeUnauthenticated means there is no session or the server rejected it.
	OutcomeUnauthenticated
	// OutcomeInvalidArgument means the request itself was rejected.
	OutcomeInvalidArgument
	// OutcomeInsufficientFunds means the wallet could not cover the spend.
	OutcomeInsufficientFunds
	// OutcomeUnknown means the call may or may not have committed. Callers
	// re-check the live view instead of assuming either way.
	OutcomeUnknown
	// OutcomeFailed covers every other definitive server-side failure.
	OutcomeFailed
)

func (outcome Outcome) String() string {
	switch outcome {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeUnauthenticated:
		return "unauthenticated"
	case OutcomeInvalidArgument:
		return "invalid_argument"
	case OutcomeInsufficientFunds:
		return "insufficient_funds"
	case OutcomeUnknown:
		return "unknown"
	case OutcomeFailed:
		return "failed"
	}
	return "invalid_outcome"
}

// isTransient reports whether err is worth retrying with the same
// idempotency key.
func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}

func classify(err error) Outcome {
	if err == nil {
		return OutcomeSucceeded
	}
	if errors.Is(err, ErrNoSession) {
		return OutcomeUnauthenticated
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeUnknown
	}
	statusInfo, ok := status.FromError(err)
	if !ok {
		return OutcomeUnknown
	}
	switch statusInfo.Code() {
	case codes.Unauthenticated:
		return OutcomeUnauthenticated
	case codes.InvalidArgument:
		return OutcomeInvalidArgument
	case codes.FailedPrecondition:
		if statusInfo.Message() == statusInsufficientFunds {
			return OutcomeInsufficientFunds
		}
		return OutcomeFailed
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Canceled, codes.Unknown:
		return OutcomeUnknown
	}
	return OutcomeFailed
}
