package handlers_test

import (
	"bytes"
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
	"github.com/bivex/storebroker/payment/memory"
	"github.com/bivex/storebroker/store"
)

func newTestRouter(t *testing.T, svc payment.Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	broker := store.New(svc)
	t.Cleanup(broker.Close)

	h := handlers.NewStoreHandler(broker, 2*time.Second)

	router := gin.New()
	router.GET("/v1/store/status", h.Status)
	router.GET("/v1/products", h.Products)
	router.GET("/v1/products/:id/price", h.Price)
	router.POST("/v1/products/load", h.LoadProducts)
	router.POST("/v1/purchases", h.Purchase)
	router.POST("/v1/purchases/restore", h.Restore)
	return router
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func catalog() []payment.Product {
	return []payment.Product{
		{ID: "gold", Title: "Gold Pack", Price: 4.99, Currency: "USD", Locale: "en-US"},
	}
}

func loadCatalog(t *testing.T, router *gin.Engine, ids []string) *httptest.ResponseRecorder {
	t.Helper()
	w := doJSON(router, http.MethodPost, "/v1/products/load", gin.H{"identifiers": ids})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return w
}

func TestStoreHandler_LoadProducts(t *testing.T) {
	t.Run("partitions identifiers", func(t *testing.T) {
		router := newTestRouter(t, memory.NewService(catalog()))

		w := loadCatalog(t, router, []string{"gold", "bogus"})

		var resp struct {
			Data handlers.LoadProductsResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, []string{"gold"}, resp.Data.Successful)
		assert.Equal(t, []string{"bogus"}, resp.Data.Failed)
	})

	t.Run("rejects an empty identifier list", func(t *testing.T) {
		router := newTestRouter(t, memory.NewService(catalog()))
		w := doJSON(router, http.MethodPost, "/v1/products/load", gin.H{"identifiers": []string{}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reports purchasing unavailable", func(t *testing.T) {
		router := newTestRouter(t, memory.NewService(catalog(), memory.WithPaymentsDisabled()))
		w := doJSON(router, http.MethodPost, "/v1/products/load", gin.H{"identifiers": []string{"gold"}})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestStoreHandler_Price(t *testing.T) {
	router := newTestRouter(t, memory.NewService(catalog()))

	w := doJSON(router, http.MethodGet, "/v1/products/gold/price", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing is priced before a load")

	loadCatalog(t, router, []string{"gold"})

	w = doJSON(router, http.MethodGet, "/v1/products/gold/price", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "4.99")
}

func TestStoreHandler_Purchase(t *testing.T) {
	router := newTestRouter(t, memory.NewService(catalog(), memory.WithAutoApprove()))
	loadCatalog(t, router, []string{"gold"})

	w := doJSON(router, http.MethodPost, "/v1/purchases", gin.H{"product_id": "bogus"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/purchases", gin.H{"product_id": "gold", "quantity": 2})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestStoreHandler_Restore(t *testing.T) {
	router := newTestRouter(t, memory.NewService(catalog()))
	w := doJSON(router, http.MethodPost, "/v1/purchases/restore", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestStoreHandler_Status(t *testing.T) {
	router := newTestRouter(t, memory.NewService(catalog()))

	w := doJSON(router, http.MethodGet, "/v1/store/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"can_make_purchases":false`)

	loadCatalog(t, router, []string{"gold"})

	w = doJSON(router, http.MethodGet, "/v1/store/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"can_make_purchases":true`)
}
