// Package payment defines the contract between the purchase broker and an
// external in-app payment service (App Store, Google Play, or an in-memory
// double). Implementations live in the subpackages appstore, playstore and
// memory.
package payment

import (
	"context"
	"time"
)

// TransactionState is the lifecycle state of a purchase or restore attempt.
type TransactionState string

const (
	StatePurchasing TransactionState = "purchasing"
	StateDeferred   TransactionState = "deferred"
	StatePurchased  TransactionState = "purchased"
	StateRestored   TransactionState = "restored"
	StateFailed     TransactionState = "failed"
)

// Terminal reports whether the state resolves the transaction. Terminal
// transactions must be finished with the service so they are not redelivered.
func (s TransactionState) Terminal() bool {
	switch s {
	case StatePurchased, StateRestored, StateFailed:
		return true
	default:
		return false
	}
}

// Product is a purchasable item as reported by the payment service.
type Product struct {
	ID       string
	Title    string
	Price    float64
	Currency string // ISO 4217 currency code (e.g., "USD", "EUR")
	Locale   string // BCP 47 language tag the price should be formatted in
}

// ProductsResponse is the result of a product metadata query. Identifiers the
// platform explicitly rejected are listed in InvalidIdentifiers.
type ProductsResponse struct {
	Products           []Product
	InvalidIdentifiers []string
}

// Transaction is a purchase or restore attempt moving through states
// purchasing -> {purchased | restored | failed | deferred}. Err is set only
// for failed transactions.
type Transaction struct {
	ID         string
	ProductID  string
	Quantity   int64
	State      TransactionState
	Err        *Error
	OccurredAt time.Time
}

// Service is the external payment service the broker drives. All methods are
// safe for concurrent use. QueryProducts, SubmitPayment and RestoreCompleted
// only issue requests; outcomes arrive asynchronously on the Updates channel.
type Service interface {
	// CanMakePayments reports whether the platform currently permits
	// purchasing (false under parental controls or a restricted account).
	CanMakePayments(ctx context.Context) bool

	// QueryProducts fetches metadata for the given product identifiers.
	QueryProducts(ctx context.Context, identifiers []string) (*ProductsResponse, error)

	// SubmitPayment submits a payment for a product and quantity. A nil
	// error means the request was accepted, not that the purchase
	// succeeded; the outcome arrives as transaction updates.
	SubmitPayment(ctx context.Context, productID string, quantity int64) error

	// RestoreCompleted asks the service to redeliver previously completed
	// purchases as restored transactions.
	RestoreCompleted(ctx context.Context) error

	// Finish acknowledges a resolved transaction so the service stops
	// redelivering it. Finishing an already-finished transaction is
	// harmless.
	Finish(ctx context.Context, transactionID string) error

	// Updates is the stream of transaction-state updates. Updates for a
	// given transaction are delivered in order.
	Updates() <-chan *Transaction
}
