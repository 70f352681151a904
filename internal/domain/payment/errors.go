package payment

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind classifies a payment failure so transports can map it without
// inspecting individual errors.
type Kind int

// Failure kinds.
const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindValidation
	KindProtocol
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindProtocol:
		return "protocol"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Sentinel causes carried by *Error.
var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrAlreadyPaid          = errors.New("order already paid")
	ErrOrderCancelled       = errors.New("order cancelled")
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
	ErrUnsupportedMethod    = errors.New("unsupported payment method")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrAmountMismatch       = errors.New("amount mismatch")
	ErrForeignTransaction   = errors.New("transaction does not belong to order")
)

// Error is a classified payment failure. Message is safe to show to API
// clients; Err is the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" || e.Message == e.Err.Error() {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: cause, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
