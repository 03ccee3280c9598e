package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	NopObserver
	completed []string
}

func (o *countingObserver) StoreDidCompletePurchase(productID string) {
	o.completed = append(o.completed, productID)
}

func TestRegistry(t *testing.T) {
	t.Run("Add is idempotent by identity", func(t *testing.T) {
		r := NewRegistry()
		o := &countingObserver{}

		r.Add(o)
		r.Add(o)
		r.Add(o)

		assert.Equal(t, 1, r.Len())

		// A distinct observer of the same type is a different identity.
		r.Add(&countingObserver{})
		assert.Equal(t, 2, r.Len())
	})

	t.Run("Remove absent observer is a no-op", func(t *testing.T) {
		r := NewRegistry()
		r.Add(&countingObserver{})

		r.Remove(&countingObserver{})
		assert.Equal(t, 1, r.Len())
	})

	t.Run("Remove drops all matching entries", func(t *testing.T) {
		r := NewRegistry()
		o := &countingObserver{}
		r.Add(o)
		r.Remove(o)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("Snapshot preserves registration order", func(t *testing.T) {
		r := NewRegistry()
		first := &countingObserver{}
		second := &countingObserver{}
		third := &countingObserver{}
		r.Add(first)
		r.Add(second)
		r.Add(third)

		snapshot := r.Snapshot()
		require.Len(t, snapshot, 3)
		assert.Same(t, first, snapshot[0].(*countingObserver))
		assert.Same(t, second, snapshot[1].(*countingObserver))
		assert.Same(t, third, snapshot[2].(*countingObserver))
	})

	t.Run("Remove during snapshot iteration neither skips nor double-notifies", func(t *testing.T) {
		r := NewRegistry()

		var notified []string
		var second Observer
		first := &ObserverFuncs{OnCompletePurchase: func(id string) {
			notified = append(notified, "first")
			r.Remove(second)
		}}
		second = &ObserverFuncs{OnCompletePurchase: func(id string) {
			notified = append(notified, "second")
		}}
		r.Add(first)
		r.Add(second)

		for _, o := range r.Snapshot() {
			o.StoreDidCompletePurchase("gold")
		}

		// The snapshot is stable: second is still notified exactly once
		// for this broadcast, and is gone for the next.
		assert.Equal(t, []string{"first", "second"}, notified)
		assert.Equal(t, 1, r.Len())

		notified = nil
		for _, o := range r.Snapshot() {
			o.StoreDidCompletePurchase("gold")
		}
		assert.Equal(t, []string{"first"}, notified)
	})
}

func TestNopObserver_ImplementsAllEvents(t *testing.T) {
	var o Observer = NopObserver{}
	o.StoreDidLoadProducts(nil, nil)
	o.StoreDidCompletePurchase("gold")
	o.StoreDidRestorePurchase("gold")
	o.StoreDidFailPurchase("gold", nil)
}

func TestObserverFuncs_NilFieldsAreNoOps(t *testing.T) {
	var o Observer = &ObserverFuncs{}
	o.StoreDidLoadProducts(nil, nil)
	o.StoreDidCompletePurchase("gold")
	o.StoreDidRestorePurchase("gold")
	o.StoreDidFailPurchase("gold", nil)
}
