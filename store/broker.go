// Package store implements a purchase-event broker: an observer-pattern
// facade over an external in-app payment service. The broker loads product
// metadata, initiates purchases and restores, classifies the service's
// asynchronous transaction updates and reports outcomes to registered
// observers, finishing each resolved transaction exactly once.
package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bivex/storebroker/payment"
)

// ProductsResult partitions the identifiers of a product load into those the
// platform returned metadata for and those it rejected.
type ProductsResult struct {
	SuccessfulIdentifiers []string
	FailedIdentifiers     []string
}

// LoadCallback receives the result of a LoadProducts call. At most one load
// callback is live at a time; issuing a new load replaces an unfulfilled one
// and the earlier caller never receives a result.
type LoadCallback func(ProductsResult)

// Broker is the purchase-event broker. Create one with New, register
// observers, and call Close when done. All observer notifications and load
// callbacks fire sequentially on a single dispatch goroutine, never
// concurrently with each other.
type Broker struct {
	svc payment.Service
	log *zap.Logger

	observers *Registry

	mu          sync.RWMutex
	products    []payment.Product
	pendingLoad LoadCallback
	loadSeq     uint64

	startOnce sync.Once
	closeOnce sync.Once
	jobs      chan func()
	done      chan struct{}
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(b *Broker) {
		b.log = log
	}
}

// New creates a broker on top of the given payment service. The dispatch
// goroutine starts lazily on the first operation that needs it.
func New(svc payment.Service, opts ...Option) *Broker {
	b := &Broker{
		svc:       svc,
		log:       zap.NewNop(),
		observers: NewRegistry(),
		jobs:      make(chan func(), 16),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddObserver registers an observer for store events. Adding the same
// observer twice is a no-op.
func (b *Broker) AddObserver(o Observer) {
	b.observers.Add(o)
}

// RemoveObserver unregisters an observer. Safe to call at any time, including
// from an observer notification.
func (b *Broker) RemoveObserver(o Observer) {
	b.observers.Remove(o)
}

// LoadProducts issues an asynchronous metadata request for the given
// identifiers. onComplete, if non-nil, is invoked once with the result on the
// dispatch goroutine, replacing any previous unfulfilled load callback.
// Observers additionally receive StoreDidLoadProducts.
//
// If the platform does not permit purchasing the request is not issued and
// payment.ErrPaymentsUnavailable is returned.
func (b *Broker) LoadProducts(ctx context.Context, identifiers []string, onComplete LoadCallback) error {
	b.start()

	if !b.svc.CanMakePayments(ctx) {
		return payment.ErrPaymentsUnavailable
	}

	b.mu.Lock()
	b.loadSeq++
	seq := b.loadSeq
	b.pendingLoad = onComplete
	b.mu.Unlock()

	ids := make([]string, len(identifiers))
	copy(ids, identifiers)

	go func() {
		resp, err := b.svc.QueryProducts(ctx, ids)
		b.post(func() {
			b.finishLoad(seq, ids, resp, err)
		})
	}()

	return nil
}

// finishLoad runs on the dispatch goroutine.
func (b *Broker) finishLoad(seq uint64, identifiers []string, resp *payment.ProductsResponse, err error) {
	var result ProductsResult
	if err != nil {
		b.log.Error("product query failed", zap.Strings("identifiers", identifiers), zap.Error(err))
		result.FailedIdentifiers = identifiers
	} else {
		returned := make(map[string]struct{}, len(resp.Products))
		for _, p := range resp.Products {
			returned[p.ID] = struct{}{}
		}
		rejected := make(map[string]struct{}, len(resp.InvalidIdentifiers))
		for _, id := range resp.InvalidIdentifiers {
			rejected[id] = struct{}{}
		}
		for _, id := range identifiers {
			_, ok := returned[id]
			if _, bad := rejected[id]; bad || !ok {
				// Failed when the platform rejected the identifier or
				// simply returned nothing for it.
				result.FailedIdentifiers = append(result.FailedIdentifiers, id)
			} else {
				result.SuccessfulIdentifiers = append(result.SuccessfulIdentifiers, id)
			}
		}

		// The cache reflects only the most recent successful load,
		// replaced wholesale, never merged.
		products := make([]payment.Product, len(resp.Products))
		copy(products, resp.Products)
		b.mu.Lock()
		b.products = products
		b.mu.Unlock()

		b.log.Debug("products loaded",
			zap.Strings("successful", result.SuccessfulIdentifiers),
			zap.Strings("failed", result.FailedIdentifiers),
		)
	}

	b.broadcast(func(o Observer) {
		o.StoreDidLoadProducts(result.SuccessfulIdentifiers, result.FailedIdentifiers)
	})

	// Only the most recent load's callback ever fires; a stale response
	// must not resolve a newer caller's callback.
	b.mu.Lock()
	var cb LoadCallback
	if b.loadSeq == seq {
		cb = b.pendingLoad
		b.pendingLoad = nil
	}
	b.mu.Unlock()

	if cb != nil {
		b.invokeCallback(cb, result)
	}
}

// LocalizedPrice returns the product's price formatted in its own locale, or
// false if the identifier is not in the cache of the last successful load.
func (b *Broker) LocalizedPrice(identifier string) (string, bool) {
	p, ok := b.product(identifier)
	if !ok {
		return "", false
	}
	return localizedPrice(p), true
}

// CanMakePurchases reports whether the platform permits purchasing and at
// least one product has been loaded. Recomputed on every call.
func (b *Broker) CanMakePurchases(ctx context.Context) bool {
	b.mu.RLock()
	loaded := len(b.products) > 0
	b.mu.RUnlock()
	return loaded && b.svc.CanMakePayments(ctx)
}

// Products returns a copy of the product cache from the last successful load.
func (b *Broker) Products() []payment.Product {
	b.mu.RLock()
	defer b.mu.RUnlock()
	products := make([]payment.Product, len(b.products))
	copy(products, b.products)
	return products
}

// PurchaseProduct submits a payment for the identified product. It returns
// false, without contacting the payment service, when the identifier is not
// in the product cache. True means the request was submitted; the outcome
// arrives later through observer notifications. A submission the service
// refuses outright is reported as StoreDidFailPurchase, so every accepted
// purchase eventually produces exactly one outcome notification.
func (b *Broker) PurchaseProduct(ctx context.Context, identifier string, quantity int64) bool {
	if _, ok := b.product(identifier); !ok {
		return false
	}

	b.start()
	go func() {
		err := b.svc.SubmitPayment(ctx, identifier, quantity)
		if err == nil {
			return
		}
		b.log.Error("payment submission failed",
			zap.String("product_id", identifier),
			zap.Int64("quantity", quantity),
			zap.Error(err),
		)
		b.post(func() {
			// No transaction was created, so there is nothing to
			// finish.
			b.broadcast(func(o Observer) {
				o.StoreDidFailPurchase(identifier, err)
			})
		})
	}()
	return true
}

// RestorePurchases asks the payment service to redeliver completed purchases.
// Outcomes arrive as StoreDidRestorePurchase notifications.
func (b *Broker) RestorePurchases(ctx context.Context) {
	b.start()
	go func() {
		if err := b.svc.RestoreCompleted(ctx); err != nil {
			b.log.Error("restore request failed", zap.Error(err))
		}
	}()
}

// Close stops the dispatch goroutine. No notifications are delivered after
// Close returns.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *Broker) product(identifier string) (payment.Product, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.products {
		if p.ID == identifier {
			return p, true
		}
	}
	return payment.Product{}, false
}

func (b *Broker) start() {
	b.startOnce.Do(func() {
		go b.dispatch()
	})
}

// dispatch is the single delivery context: it serializes every observer
// notification and load callback, and is the only writer of the product
// cache.
func (b *Broker) dispatch() {
	updates := b.svc.Updates()
	for {
		select {
		case <-b.done:
			return
		case job := <-b.jobs:
			job()
		case tx, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			b.handleUpdate(tx)
		}
	}
}

func (b *Broker) post(job func()) {
	select {
	case b.jobs <- job:
	case <-b.done:
	}
}

// handleUpdate classifies a transaction update. Terminal states are broadcast
// and then finished with the service; purchasing and deferred transactions
// receive neither until a later update resolves them.
func (b *Broker) handleUpdate(tx *payment.Transaction) {
	switch tx.State {
	case payment.StatePurchasing, payment.StateDeferred:
		return
	case payment.StatePurchased:
		b.broadcast(func(o Observer) {
			o.StoreDidCompletePurchase(tx.ProductID)
		})
	case payment.StateRestored:
		b.broadcast(func(o Observer) {
			o.StoreDidRestorePurchase(tx.ProductID)
		})
	case payment.StateFailed:
		var err error
		if tx.Err != nil {
			err = tx.Err
		}
		b.broadcast(func(o Observer) {
			o.StoreDidFailPurchase(tx.ProductID, err)
		})
	default:
		b.log.Warn("unknown transaction state",
			zap.String("transaction_id", tx.ID),
			zap.String("state", string(tx.State)),
		)
		return
	}

	if err := b.svc.Finish(context.Background(), tx.ID); err != nil {
		b.log.Error("transaction finish failed",
			zap.String("transaction_id", tx.ID),
			zap.String("product_id", tx.ProductID),
			zap.Error(err),
		)
	}
}

// broadcast notifies every observer in a stable snapshot, in registration
// order. A panicking observer does not prevent delivery to later observers or
// finishing the underlying transaction.
func (b *Broker) broadcast(notify func(Observer)) {
	for _, o := range b.observers.Snapshot() {
		b.notifyOne(o, notify)
	}
}

func (b *Broker) notifyOne(o Observer, notify func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("store observer panicked", zap.Any("panic", r))
		}
	}()
	notify(o)
}

func (b *Broker) invokeCallback(cb LoadCallback, result ProductsResult) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("load callback panicked", zap.Any("panic", r))
		}
	}()
	cb(result)
}
