// Package tests holds a conformance suite shared by payment.Service
// implementations that can be driven deterministically.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bivex/storebroker/payment"
)

// Driver is the control surface a testable service exposes on top of
// payment.Service.
type Driver interface {
	payment.Service

	Approve(productID string) error
	Reject(productID string, code payment.ErrorCode) error
	Drain()
	FinishCount(transactionID string) int
}

// RunServiceTests runs the conformance suite against a fresh service per
// test. The factory must return a service selling at least the products
// "gold" and "silver".
func RunServiceTests(t *testing.T, factory func() Driver) {
	for _, tf := range []struct {
		name string
		fn   func(t *testing.T, svc Driver)
	}{
		{"QueryPartition", testQueryPartition},
		{"PaymentLifecycle", testPaymentLifecycle},
		{"RejectedPayment", testRejectedPayment},
		{"FinishIdempotent", testFinishIdempotent},
		{"RedeliveryUntilFinished", testRedeliveryUntilFinished},
		{"Restore", testRestore},
	} {
		t.Run(tf.name, func(t *testing.T) {
			tf.fn(t, factory())
		})
	}
}

func nextUpdate(t *testing.T, svc payment.Service) *payment.Transaction {
	t.Helper()
	select {
	case tx := <-svc.Updates():
		return tx
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transaction update")
		return nil
	}
}

func testQueryPartition(t *testing.T, svc Driver) {
	ctx := context.Background()

	resp, err := svc.QueryProducts(ctx, []string{"gold", "nope", "silver"})
	require.NoError(t, err)

	var ids []string
	for _, p := range resp.Products {
		ids = append(ids, p.ID)
	}
	require.ElementsMatch(t, []string{"gold", "silver"}, ids)
	require.Equal(t, []string{"nope"}, resp.InvalidIdentifiers)
}

func testPaymentLifecycle(t *testing.T, svc Driver) {
	ctx := context.Background()

	require.NoError(t, svc.SubmitPayment(ctx, "gold", 1))

	tx := nextUpdate(t, svc)
	require.Equal(t, payment.StatePurchasing, tx.State)
	require.Equal(t, "gold", tx.ProductID)

	require.NoError(t, svc.Approve("gold"))

	tx = nextUpdate(t, svc)
	require.Equal(t, payment.StatePurchased, tx.State)
	require.NoError(t, svc.Finish(ctx, tx.ID))
}

func testRejectedPayment(t *testing.T, svc Driver) {
	ctx := context.Background()

	require.NoError(t, svc.SubmitPayment(ctx, "silver", 1))
	nextUpdate(t, svc) // purchasing

	require.NoError(t, svc.Reject("silver", payment.ErrorCodePaymentCancelled))

	tx := nextUpdate(t, svc)
	require.Equal(t, payment.StateFailed, tx.State)
	require.NotNil(t, tx.Err)
	require.True(t, payment.IsCancelled(tx.Err))
}

func testFinishIdempotent(t *testing.T, svc Driver) {
	ctx := context.Background()

	require.NoError(t, svc.SubmitPayment(ctx, "gold", 1))
	nextUpdate(t, svc) // purchasing
	require.NoError(t, svc.Approve("gold"))
	tx := nextUpdate(t, svc)

	require.NoError(t, svc.Finish(ctx, tx.ID))
	require.NoError(t, svc.Finish(ctx, tx.ID))
	require.Equal(t, 2, svc.FinishCount(tx.ID))

	require.ErrorIs(t, svc.Finish(ctx, "never-delivered"), payment.ErrTransactionNotFound)
}

func testRedeliveryUntilFinished(t *testing.T, svc Driver) {
	ctx := context.Background()

	require.NoError(t, svc.SubmitPayment(ctx, "gold", 1))
	nextUpdate(t, svc) // purchasing
	require.NoError(t, svc.Approve("gold"))
	tx := nextUpdate(t, svc)

	// Unfinished terminal transactions come back on the next drain.
	svc.Drain()
	redelivered := nextUpdate(t, svc)
	require.Equal(t, tx.ID, redelivered.ID)
	require.Equal(t, payment.StatePurchased, redelivered.State)

	require.NoError(t, svc.Finish(ctx, tx.ID))
	svc.Drain()

	select {
	case extra := <-svc.Updates():
		t.Fatalf("unexpected redelivery of finished transaction %s", extra.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func testRestore(t *testing.T, svc Driver) {
	ctx := context.Background()

	require.NoError(t, svc.SubmitPayment(ctx, "gold", 2))
	nextUpdate(t, svc) // purchasing
	require.NoError(t, svc.Approve("gold"))
	tx := nextUpdate(t, svc)
	require.NoError(t, svc.Finish(ctx, tx.ID))

	require.NoError(t, svc.RestoreCompleted(ctx))

	restored := nextUpdate(t, svc)
	require.Equal(t, payment.StateRestored, restored.State)
	require.Equal(t, "gold", restored.ProductID)
	require.Equal(t, int64(2), restored.Quantity)
	require.NotEqual(t, tx.ID, restored.ID)
}
