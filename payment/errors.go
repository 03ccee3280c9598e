package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrPaymentsUnavailable is returned when the platform does not permit
	// purchasing (parental controls, restricted account).
	ErrPaymentsUnavailable = errors.New("payments are not available")

	// ErrProductNotFound is returned for identifiers the service does not
	// recognize.
	ErrProductNotFound = errors.New("product not found")

	// ErrTransactionNotFound is returned when finishing a transaction the
	// service has never delivered.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// ErrorCode classifies a failed transaction.
type ErrorCode string

const (
	ErrorCodeUnknown            ErrorCode = "unknown"
	ErrorCodePaymentCancelled   ErrorCode = "payment_cancelled"
	ErrorCodePaymentInvalid     ErrorCode = "payment_invalid"
	ErrorCodePaymentNotAllowed  ErrorCode = "payment_not_allowed"
	ErrorCodeProductUnavailable ErrorCode = "product_unavailable"
)

// Error is the error detail carried by a failed transaction. Observers can
// inspect the code to decide policy (e.g., not alerting the user on a
// cancelled payment); the broker itself never filters on it.
type Error struct {
	Code    ErrorCode
	Message string
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCancelled reports whether err represents a payment the user cancelled.
func IsCancelled(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == ErrorCodePaymentCancelled
}
