package store

import "sync"

// Observer receives store lifecycle events. Embed NopObserver to implement
// only the events you care about.
//
// Observers are compared by identity, so register pointer values. The
// registry holds a strong reference; callers must RemoveObserver before
// discarding an observer or it will keep receiving events.
type Observer interface {
	// StoreDidLoadProducts is broadcast after a product metadata load
	// resolves, with the identifiers the platform accepted and rejected.
	StoreDidLoadProducts(successful, failed []string)

	// StoreDidCompletePurchase is broadcast when a purchase completes.
	StoreDidCompletePurchase(productID string)

	// StoreDidRestorePurchase is broadcast when a previous purchase is
	// restored.
	StoreDidRestorePurchase(productID string)

	// StoreDidFailPurchase is broadcast when a purchase fails. err may be
	// a *payment.Error carrying the platform's error code.
	StoreDidFailPurchase(productID string, err error)
}

// NopObserver implements Observer with no-op methods for all events.
type NopObserver struct{}

func (NopObserver) StoreDidLoadProducts(_, _ []string) {}
func (NopObserver) StoreDidCompletePurchase(string)    {}
func (NopObserver) StoreDidRestorePurchase(string)     {}
func (NopObserver) StoreDidFailPurchase(string, error) {}

// ObserverFuncs is an adapter to allow ordinary functions to be used as an
// Observer. Nil fields are no-ops. Register a *ObserverFuncs, not a value.
type ObserverFuncs struct {
	OnLoadProducts     func(successful, failed []string)
	OnCompletePurchase func(productID string)
	OnRestorePurchase  func(productID string)
	OnFailPurchase     func(productID string, err error)
}

func (o *ObserverFuncs) StoreDidLoadProducts(successful, failed []string) {
	if o.OnLoadProducts != nil {
		o.OnLoadProducts(successful, failed)
	}
}

func (o *ObserverFuncs) StoreDidCompletePurchase(productID string) {
	if o.OnCompletePurchase != nil {
		o.OnCompletePurchase(productID)
	}
}

func (o *ObserverFuncs) StoreDidRestorePurchase(productID string) {
	if o.OnRestorePurchase != nil {
		o.OnRestorePurchase(productID)
	}
}

func (o *ObserverFuncs) StoreDidFailPurchase(productID string, err error) {
	if o.OnFailPurchase != nil {
		o.OnFailPurchase(productID, err)
	}
}

// Registry maintains the set of registered observers in registration order.
type Registry struct {
	mu        sync.Mutex
	observers []Observer
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers an observer. Adding an observer that is already registered is
// a no-op; identity is compared, not value equality.
func (r *Registry) Add(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.observers {
		if existing == o {
			return
		}
	}
	r.observers = append(r.observers, o)
}

// Remove unregisters all entries matching the observer's identity. Removing
// an absent observer is a no-op. Safe to call during a broadcast: observers
// already snapshotted for that broadcast are still notified once.
func (r *Registry) Remove(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.observers[:0]
	for _, existing := range r.observers {
		if existing != o {
			kept = append(kept, existing)
		}
	}
	for i := len(kept); i < len(r.observers); i++ {
		r.observers[i] = nil
	}
	r.observers = kept
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// Snapshot returns a stable copy of the current observers so a broadcast can
// iterate without holding the lock.
func (r *Registry) Snapshot() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make([]Observer, len(r.observers))
	copy(snapshot, r.observers)
	return snapshot
}
