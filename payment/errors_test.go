package payment

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("message includes the code", func(t *testing.T) {
		err := NewError(ErrorCodePaymentInvalid, "bad payment token")
		assert.Equal(t, "payment_invalid: bad payment token", err.Error())
	})

	t.Run("bare code without message", func(t *testing.T) {
		err := NewError(ErrorCodeUnknown, "")
		assert.Equal(t, "unknown", err.Error())
	})
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(NewError(ErrorCodePaymentCancelled, "user backed out")))
	assert.False(t, IsCancelled(NewError(ErrorCodePaymentInvalid, "")))
	assert.False(t, IsCancelled(errors.New("some other error")))
	assert.False(t, IsCancelled(nil))

	wrapped := fmt.Errorf("purchase gold: %w", NewError(ErrorCodePaymentCancelled, ""))
	assert.True(t, IsCancelled(wrapped))
}

func TestTransactionStateTerminal(t *testing.T) {
	assert.False(t, StatePurchasing.Terminal())
	assert.False(t, StateDeferred.Terminal())
	assert.True(t, StatePurchased.Terminal())
	assert.True(t, StateRestored.Terminal())
	assert.True(t, StateFailed.Terminal())
}
