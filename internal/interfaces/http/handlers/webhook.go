package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bivex/storebroker/internal/infrastructure/logging"
	"github.com/bivex/storebroker/internal/interfaces/http/response"
	"github.com/bivex/storebroker/payment/appstore"
	"github.com/bivex/storebroker/payment/playstore"
)

// WebhookHandler receives platform purchase notifications and feeds them into
// the payment adapters, which turn them into transaction updates for the
// broker.
type WebhookHandler struct {
	apple  *appstore.Service  // nil unless the appstore backend is active
	google *playstore.Service // nil unless the playstore backend is active

	appleSecret  string
	googleSecret string
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(apple *appstore.Service, google *playstore.Service, appleSecret, googleSecret string) *WebhookHandler {
	return &WebhookHandler{
		apple:        apple,
		google:       google,
		appleSecret:  appleSecret,
		googleSecret: googleSecret,
	}
}

// AppleWebhook handles App Store Server Notifications
func (h *WebhookHandler) AppleWebhook(c *gin.Context) {
	if h.apple == nil {
		response.NotFound(c, "App Store backend is not active")
		return
	}

	body, ok := h.readVerified(c, c.GetHeader("X-Apple-Signature"), h.appleSecret)
	if !ok {
		return
	}

	var notification appstore.ServerNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		response.BadRequest(c, "Invalid notification payload")
		return
	}

	h.apple.HandleNotification(notification)
	c.Status(http.StatusOK)
}

// pubSubEnvelope is the Pub/Sub push wrapper Google delivers RTDNs in.
type pubSubEnvelope struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
}

// GoogleWebhook handles Google Play real-time developer notifications
// delivered through a Pub/Sub push subscription
func (h *WebhookHandler) GoogleWebhook(c *gin.Context) {
	if h.google == nil {
		response.NotFound(c, "Google Play backend is not active")
		return
	}

	body, ok := h.readVerified(c, c.GetHeader("X-Goog-Signature"), h.googleSecret)
	if !ok {
		return
	}

	var envelope pubSubEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		response.BadRequest(c, "Invalid Pub/Sub envelope")
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		response.BadRequest(c, "Invalid notification encoding")
		return
	}

	var notification playstore.DeveloperNotification
	if err := json.Unmarshal(decoded, &notification); err != nil {
		response.BadRequest(c, "Invalid notification payload")
		return
	}

	if err := h.google.HandleNotification(c.Request.Context(), notification); err != nil {
		logging.GetLogger(c).Error("failed to process developer notification", zap.Error(err))
		response.ServiceUnavailable(c, "Notification processing failed")
		return
	}
	c.Status(http.StatusOK)
}

// readVerified reads the request body and checks its HMAC-SHA256 signature
// when a webhook secret is configured.
func (h *WebhookHandler) readVerified(c *gin.Context, signature, secret string) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, "Failed to read request body")
		return nil, false
	}

	if secret != "" && !verifySignature(body, signature, secret) {
		logging.GetLogger(c).Warn("webhook signature mismatch",
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
		)
		response.Unauthorized(c, "Invalid webhook signature")
		return nil, false
	}
	return body, true
}

func verifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
