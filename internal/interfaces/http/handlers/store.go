package handlers

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bivex/storebroker/internal/interfaces/http/response"
	"github.com/bivex/storebroker/payment"
	"github.com/bivex/storebroker/store"
)

// StoreHandler exposes the purchase broker over HTTP
type StoreHandler struct {
	broker      *store.Broker
	loadTimeout time.Duration
}

// NewStoreHandler creates a new store handler
func NewStoreHandler(broker *store.Broker, loadTimeout time.Duration) *StoreHandler {
	return &StoreHandler{
		broker:      broker,
		loadTimeout: loadTimeout,
	}
}

// LoadProductsRequest is the product load request body
type LoadProductsRequest struct {
	Identifiers []string `json:"identifiers" binding:"required,min=1"`
}

// LoadProductsResponse reports which identifiers loaded
type LoadProductsResponse struct {
	Successful []string `json:"successful"`
	Failed     []string `json:"failed"`
}

// LoadProducts triggers a product metadata load and waits for the result
func (h *StoreHandler) LoadProducts(c *gin.Context) {
	var req LoadProductsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request format: "+err.Error())
		return
	}

	done := make(chan store.ProductsResult, 1)
	err := h.broker.LoadProducts(c.Request.Context(), req.Identifiers, func(r store.ProductsResult) {
		done <- r
	})
	if err != nil {
		if errors.Is(err, payment.ErrPaymentsUnavailable) {
			response.ServiceUnavailable(c, "Purchasing is not available")
			return
		}
		response.BadRequest(c, err.Error())
		return
	}

	select {
	case result := <-done:
		response.OK(c, LoadProductsResponse{
			Successful: result.SuccessfulIdentifiers,
			Failed:     result.FailedIdentifiers,
		})
	case <-time.After(h.loadTimeout):
		// A newer load may have replaced this request's callback, in
		// which case it will never resolve.
		response.GatewayTimeout(c, "Product load did not resolve in time")
	}
}

// ProductResponse describes one cached product
type ProductResponse struct {
	ID             string `json:"id"`
	Title          string `json:"title,omitempty"`
	LocalizedPrice string `json:"localized_price"`
}

// Products lists the product cache from the last successful load
func (h *StoreHandler) Products(c *gin.Context) {
	products := h.broker.Products()
	out := make([]ProductResponse, 0, len(products))
	for _, p := range products {
		price, _ := h.broker.LocalizedPrice(p.ID)
		out = append(out, ProductResponse{
			ID:             p.ID,
			Title:          p.Title,
			LocalizedPrice: price,
		})
	}
	response.OK(c, out)
}

// Price returns the localized price for one product
func (h *StoreHandler) Price(c *gin.Context) {
	id := c.Param("id")
	price, ok := h.broker.LocalizedPrice(id)
	if !ok {
		response.NotFound(c, "Product not loaded: "+id)
		return
	}
	response.OK(c, gin.H{"id": id, "localized_price": price})
}

// Status reports whether purchases can currently be made
func (h *StoreHandler) Status(c *gin.Context) {
	response.OK(c, gin.H{
		"can_make_purchases": h.broker.CanMakePurchases(c.Request.Context()),
	})
}

// PurchaseRequest is the purchase request body
type PurchaseRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int64  `json:"quantity"`
}

// Purchase submits a payment for a product. A 202 means submitted, not
// succeeded; the outcome is delivered to store observers.
func (h *StoreHandler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request format: "+err.Error())
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	if !h.broker.PurchaseProduct(c.Request.Context(), req.ProductID, req.Quantity) {
		response.NotFound(c, "Product not loaded: "+req.ProductID)
		return
	}
	response.Accepted(c, gin.H{"product_id": req.ProductID, "quantity": req.Quantity})
}

// Restore asks the payment service to redeliver completed purchases
func (h *StoreHandler) Restore(c *gin.Context) {
	h.broker.RestorePurchases(c.Request.Context())
	response.Accepted(c, gin.H{"status": "restore requested"})
}
