package handlers_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bivex/storebroker/internal/interfaces/http/handlers"
	"github.com/bivex/storebroker/payment"
	"github.com/bivex/storebroker/payment/appstore"
)

const webhookSecret = "apple-webhook-secret"

func newWebhookRouter(t *testing.T) (*gin.Engine, *appstore.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	apple := appstore.NewService(appstore.Config{
		Catalog: []payment.Product{
			{ID: "gold", Price: 4.99, Currency: "USD", Locale: "en-US"},
		},
	})

	h := handlers.NewWebhookHandler(apple, nil, webhookSecret, "")
	router := gin.New()
	router.POST("/webhook/apple", h.AppleWebhook)
	router.POST("/webhook/google", h.GoogleWebhook)
	return router, apple
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookHandler_Apple(t *testing.T) {
	t.Run("valid notification becomes a transaction update", func(t *testing.T) {
		router, apple := newWebhookRouter(t)

		body, err := json.Marshal(appstore.ServerNotification{
			NotificationType: appstore.NotificationOneTimeCharge,
			TransactionID:    "tx-42",
			ProductID:        "gold",
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/webhook/apple", bytes.NewReader(body))
		req.Header.Set("X-Apple-Signature", sign(body, webhookSecret))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		select {
		case tx := <-apple.Updates():
			assert.Equal(t, "tx-42", tx.ID)
			assert.Equal(t, "gold", tx.ProductID)
			assert.Equal(t, payment.StatePurchased, tx.State)
		case <-time.After(time.Second):
			t.Fatal("no transaction update emitted")
		}
	})

	t.Run("bad signature is rejected", func(t *testing.T) {
		router, apple := newWebhookRouter(t)

		body := []byte(`{"notificationType":"ONE_TIME_CHARGE","transactionId":"tx-1","productId":"gold"}`)
		req := httptest.NewRequest(http.MethodPost, "/webhook/apple", bytes.NewReader(body))
		req.Header.Set("X-Apple-Signature", "not-a-signature")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		select {
		case tx := <-apple.Updates():
			t.Fatalf("unauthenticated notification emitted update %s", tx.ID)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("unclassified notification types are dropped", func(t *testing.T) {
		router, apple := newWebhookRouter(t)

		body, err := json.Marshal(appstore.ServerNotification{
			NotificationType: "PRICE_INCREASE",
			TransactionID:    "tx-9",
			ProductID:        "gold",
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/webhook/apple", bytes.NewReader(body))
		req.Header.Set("X-Apple-Signature", sign(body, webhookSecret))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		select {
		case tx := <-apple.Updates():
			t.Fatalf("unexpected update %s for unclassified notification", tx.ID)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestWebhookHandler_GoogleInactive(t *testing.T) {
	router, _ := newWebhookRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/google", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
