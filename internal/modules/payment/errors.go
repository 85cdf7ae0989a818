package payment

import "errors"

var (
	// ErrValidation rejects bad input before any payment record exists.
	ErrValidation = errors.New("validation failed")

	// ErrGatewayUnavailable marks a failed outbound provider call. It is
	// absorbed into payment status for Initiate and swallowed for
	// Reconcile; it never reaches an HTTP response while the payment can
	// still resolve.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrUnknownCorrelationID is benign: duplicate and stale callback
	// deliveries are expected, so an unmatched correlation id is logged
	// and acknowledged.
	ErrUnknownCorrelationID = errors.New("unknown correlation id")

	// ErrConflictingTerminalState marks a terminal signal that disagrees
	// with an already-settled payment. The original state is preserved
	// and the report is stored for manual review.
	ErrConflictingTerminalState = errors.New("conflicting terminal state reported")

	// ErrMalformedCompletion rejects a success signal that lacks the
	// completion evidence: a receipt number, or the transaction timestamp
	// on callback deliveries. A payment may only complete with a receipt.
	ErrMalformedCompletion = errors.New("success result without completion metadata")

	// ErrAmountMismatch rejects a success signal whose reported amount
	// disagrees with the stored payment. The payment is left as-is and
	// the report is stored for manual review.
	ErrAmountMismatch = errors.New("reported amount differs from payment amount")

	// ErrMalformedCallback marks a payload that could not be parsed at
	// all. This is the only callback error that maps to a non-200.
	ErrMalformedCallback = errors.New("malformed callback payload")

	// ErrAlreadyTerminal rejects an explicit cancel of a settled payment.
	ErrAlreadyTerminal = errors.New("payment already in a terminal state")

	ErrNotFound  = errors.New("payment not found")
	ErrForbidden = errors.New("payment belongs to another user")
)
