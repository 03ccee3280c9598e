// Package playstore implements payment.Service against Google Play Billing
// through the Android Publisher API.
//
// As with the App Store, payments originate on the device; the server side
// verifies purchase tokens, acknowledges processed purchases and turns
// real-time developer notifications into transaction updates. Product
// metadata is fetched live from the in-app product listing.
package playstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"github.com/bivex/storebroker/payment"
)

const updateBuffer = 64

// Purchase states reported by Purchases.Products.Get.
const (
	purchaseStatePurchased = 0
	purchaseStateCancelled = 1
	purchaseStatePending   = 2
)

// Notification types carried by a one-time product RTDN.
const (
	oneTimeProductPurchased = 1
	oneTimeProductCancelled = 2
)

// Service is a Google Play backed payment.Service.
type Service struct {
	packageName string
	publisher   *androidpublisher.Service
	disabled    bool
	log         *zap.Logger

	mu        sync.Mutex
	purchases map[string]string // purchase token -> product ID
	finished  map[string]struct{}

	updates chan *payment.Transaction
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the adapter's logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithPaymentsDisabled makes CanMakePayments report false.
func WithPaymentsDisabled() Option {
	return func(s *Service) {
		s.disabled = true
	}
}

// NewService creates a Google Play payment service for the given application
// package, authenticated with a service-account JSON key.
func NewService(ctx context.Context, packageName, serviceAccountJSON string, opts ...Option) (*Service, error) {
	creds, err := google.CredentialsFromJSON(
		ctx,
		[]byte(serviceAccountJSON),
		androidpublisher.AndroidpublisherScope,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account credentials: %w", err)
	}

	publisher, err := androidpublisher.NewService(ctx, option.WithTokenSource(creds.TokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create android publisher service: %w", err)
	}

	s := &Service{
		packageName: packageName,
		publisher:   publisher,
		log:         zap.NewNop(),
		purchases:   make(map[string]string),
		finished:    make(map[string]struct{}),
		updates:     make(chan *payment.Transaction, updateBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) CanMakePayments(context.Context) bool {
	return !s.disabled
}

// QueryProducts lists the app's in-app products and partitions the requested
// identifiers against them.
func (s *Service) QueryProducts(ctx context.Context, identifiers []string) (*payment.ProductsResponse, error) {
	listing, err := s.publisher.Inappproducts.List(s.packageName).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list in-app products: %w", err)
	}

	bySku := make(map[string]*androidpublisher.InAppProduct, len(listing.Inappproduct))
	for _, p := range listing.Inappproduct {
		bySku[p.Sku] = p
	}

	resp := &payment.ProductsResponse{}
	for _, id := range identifiers {
		p, ok := bySku[id]
		if !ok {
			resp.InvalidIdentifiers = append(resp.InvalidIdentifiers, id)
			continue
		}
		resp.Products = append(resp.Products, toProduct(p))
	}
	return resp, nil
}

func toProduct(p *androidpublisher.InAppProduct) payment.Product {
	product := payment.Product{
		ID:     p.Sku,
		Locale: p.DefaultLanguage,
	}
	if listing, ok := p.Listings[p.DefaultLanguage]; ok {
		product.Title = listing.Title
	}
	if p.DefaultPrice != nil {
		product.Currency = p.DefaultPrice.Currency
		if micros, err := strconv.ParseInt(p.DefaultPrice.PriceMicros, 10, 64); err == nil {
			product.Price = float64(micros) / 1e6
		}
	}
	return product
}

// SubmitPayment always fails: Play Billing payments are initiated on the
// device, never server-side.
func (s *Service) SubmitPayment(_ context.Context, productID string, _ int64) error {
	return fmt.Errorf("submit payment for %q: play billing payments originate on device: %w",
		productID, payment.ErrPaymentsUnavailable)
}

// RestoreCompleted redelivers every purchase this adapter has verified as a
// restored transaction.
func (s *Service) RestoreCompleted(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, productID := range s.purchases {
		s.emit(&payment.Transaction{
			ID:         token,
			ProductID:  productID,
			Quantity:   1,
			State:      payment.StateRestored,
			OccurredAt: time.Now(),
		})
	}
	return nil
}

// VerifyPurchase checks a purchase token with the Android Publisher API and
// emits the corresponding transaction update. The token doubles as the
// transaction ID.
func (s *Service) VerifyPurchase(ctx context.Context, productID, purchaseToken string) error {
	p, err := s.publisher.Purchases.Products.
		Get(s.packageName, productID, purchaseToken).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to verify purchase %q: %w", productID, err)
	}

	tx := &payment.Transaction{
		ID:         purchaseToken,
		ProductID:  productID,
		Quantity:   1,
		OccurredAt: time.Now(),
	}

	switch p.PurchaseState {
	case purchaseStatePurchased:
		tx.State = payment.StatePurchased
		s.mu.Lock()
		s.purchases[purchaseToken] = productID
		s.mu.Unlock()
	case purchaseStateCancelled:
		tx.State = payment.StateFailed
		tx.Err = payment.NewError(payment.ErrorCodePaymentCancelled, "purchase was cancelled")
	case purchaseStatePending:
		tx.State = payment.StateDeferred
	default:
		return fmt.Errorf("unexpected purchase state %d for %q", p.PurchaseState, productID)
	}

	s.mu.Lock()
	s.emit(tx)
	s.mu.Unlock()
	return nil
}

// DeveloperNotification is a Google Play real-time developer notification.
type DeveloperNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
}

// OneTimeProductNotification describes a one-time product purchase event.
type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	Sku              string `json:"sku"`
}

// HandleNotification processes a real-time developer notification. Purchase
// notifications are re-verified with the API before an update is emitted;
// cancellations are emitted directly.
func (s *Service) HandleNotification(ctx context.Context, n DeveloperNotification) error {
	otp := n.OneTimeProductNotification
	if otp == nil {
		s.log.Debug("ignoring developer notification without one-time product payload",
			zap.String("package_name", n.PackageName),
		)
		return nil
	}

	switch otp.NotificationType {
	case oneTimeProductPurchased:
		return s.VerifyPurchase(ctx, otp.Sku, otp.PurchaseToken)
	case oneTimeProductCancelled:
		s.mu.Lock()
		s.emit(&payment.Transaction{
			ID:         otp.PurchaseToken,
			ProductID:  otp.Sku,
			Quantity:   1,
			State:      payment.StateFailed,
			Err:        payment.NewError(payment.ErrorCodePaymentCancelled, "purchase was cancelled"),
			OccurredAt: time.Now(),
		})
		s.mu.Unlock()
		return nil
	default:
		s.log.Debug("ignoring developer notification",
			zap.Int("notification_type", otp.NotificationType),
			zap.String("purchase_token", otp.PurchaseToken),
		)
		return nil
	}
}

// Finish acknowledges the purchase with Play Billing so it is not considered
// pending acknowledgment anymore. Acknowledging twice is harmless: the second
// call is skipped locally.
func (s *Service) Finish(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	if _, done := s.finished[transactionID]; done {
		s.mu.Unlock()
		return nil
	}
	productID, known := s.purchases[transactionID]
	s.mu.Unlock()

	if known {
		err := s.publisher.Purchases.Products.
			Acknowledge(s.packageName, productID, transactionID,
				&androidpublisher.ProductPurchasesAcknowledgeRequest{}).
			Context(ctx).
			Do()
		if err != nil {
			return fmt.Errorf("failed to acknowledge purchase %q: %w", productID, err)
		}
	}

	s.mu.Lock()
	s.finished[transactionID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Service) Updates() <-chan *payment.Transaction {
	return s.updates
}

// emit queues an update. Callers hold s.mu.
func (s *Service) emit(tx *payment.Transaction) {
	select {
	case s.updates <- tx:
	default:
		s.log.Warn("transaction update dropped, channel full",
			zap.String("transaction_id", tx.ID),
			zap.String("product_id", tx.ProductID),
		)
	}
}
