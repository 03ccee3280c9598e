// Package appstore implements payment.Service against Apple's App Store.
//
// Payments themselves originate on the device; this server-side adapter
// verifies receipts, turns App Store Server Notifications into transaction
// updates and serves product metadata from a configured catalog (the App
// Store exposes no server-side metadata listing).
package appstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/awa/go-iap/appstore"
	"go.uber.org/zap"

	"github.com/bivex/storebroker/payment"
)

const updateBuffer = 64

// Notification types delivered by App Store Server Notifications that this
// adapter classifies. Anything else is logged and dropped.
const (
	NotificationOneTimeCharge = "ONE_TIME_CHARGE"
	NotificationDidRenew      = "DID_RENEW"
	NotificationSubscribed    = "SUBSCRIBED"
	NotificationRefund        = "REFUND"
	NotificationRevoke        = "REVOKE"
)

// Config configures the App Store service.
type Config struct {
	// SharedSecret is the app-specific shared secret used for receipt
	// verification. Verification goes to the production endpoint and falls
	// back to the sandbox automatically.
	SharedSecret string

	// Catalog lists the products sold through this app. Metadata queries
	// are answered from it.
	Catalog []payment.Product

	// Disabled makes CanMakePayments report false.
	Disabled bool
}

// Service is an App Store backed payment.Service.
type Service struct {
	client *appstore.Client
	cfg    Config
	log    *zap.Logger

	mu          sync.Mutex
	catalog     map[string]payment.Product
	lastReceipt string
	finished    map[string]struct{}

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

// NewService creates an App Store payment service.
func NewService(cfg Config, opts ...Option) *Service {
	s := &Service{
		client:   appstore.New(),
		cfg:      cfg,
		log:      zap.NewNop(),
		catalog:  make(map[string]payment.Product, len(cfg.Catalog)),
		finished: make(map[string]struct{}),
		updates:  make(chan *payment.Transaction, updateBuffer),
	}
	for _, p := range cfg.Catalog {
		s.catalog[p.ID] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CanMakePayments(context.Context) bool {
	return !s.cfg.Disabled
}

func (s *Service) QueryProducts(_ context.Context, identifiers []string) (*payment.ProductsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &payment.ProductsResponse{}
	for _, id := range identifiers {
		if p, ok := s.catalog[id]; ok {
			resp.Products = append(resp.Products, p)
		} else {
			resp.InvalidIdentifiers = append(resp.InvalidIdentifiers, id)
		}
	}
	return resp, nil
}

// SubmitPayment always fails: App Store payments are initiated on the device
// through StoreKit, never server-side.
func (s *Service) SubmitPayment(_ context.Context, productID string, _ int64) error {
	return fmt.Errorf("submit payment for %q: app store payments originate on device: %w",
		productID, payment.ErrPaymentsUnavailable)
}

// RestoreCompleted re-verifies the most recently seen receipt and redelivers
// its purchases as restored transactions. Without a prior VerifyReceipt call
// there is nothing to restore.
func (s *Service) RestoreCompleted(ctx context.Context) error {
	s.mu.Lock()
	receipt := s.lastReceipt
	s.mu.Unlock()

	if receipt == "" {
		s.log.Debug("restore requested with no receipt on file")
		return nil
	}
	return s.verify(ctx, receipt, payment.StateRestored)
}

// VerifyReceipt verifies a device receipt and emits a purchased transaction
// update for each valid purchase it contains. The receipt is retained for
// later restores.
func (s *Service) VerifyReceipt(ctx context.Context, receiptData string) error {
	s.mu.Lock()
	s.lastReceipt = receiptData
	s.mu.Unlock()

	return s.verify(ctx, receiptData, payment.StatePurchased)
}

func (s *Service) verify(ctx context.Context, receiptData string, state payment.TransactionState) error {
	req := appstore.IAPRequest{
		ReceiptData: receiptData,
		Password:    s.cfg.SharedSecret,
	}

	resp := &appstore.IAPResponse{}
	if err := s.client.Verify(ctx, req, resp); err != nil {
		return fmt.Errorf("failed to verify receipt: %w", err)
	}
	if err := appstore.HandleError(resp.Status); err != nil {
		return fmt.Errorf("receipt rejected: %w", err)
	}

	inApps := resp.LatestReceiptInfo
	if len(inApps) == 0 {
		inApps = resp.Receipt.InApp
	}

	for _, entry := range inApps {
		// Repeated verification of the same receipt must not replay
		// purchases that were already processed. Restores redeliver on
		// purpose.
		if state == payment.StatePurchased && s.isFinished(entry.TransactionID) {
			continue
		}

		tx := &payment.Transaction{
			ID:         entry.TransactionID,
			ProductID:  entry.ProductID,
			Quantity:   1,
			State:      state,
			OccurredAt: time.Now(),
		}
		if entry.CancellationDate.CancellationDate != "" {
			tx.State = payment.StateFailed
			tx.Err = payment.NewError(payment.ErrorCodePaymentCancelled, "purchase was refunded")
		}
		s.emit(tx)
	}
	return nil
}

// ServerNotification is the subset of an App Store Server Notification the
// adapter classifies. The HTTP layer decodes and authenticates the payload
// before handing it over.
type ServerNotification struct {
	NotificationType string `json:"notificationType"`
	TransactionID    string `json:"transactionId"`
	ProductID        string `json:"productId"`
}

// HandleNotification turns a server notification into a transaction update.
func (s *Service) HandleNotification(n ServerNotification) {
	tx := &payment.Transaction{
		ID:         n.TransactionID,
		ProductID:  n.ProductID,
		Quantity:   1,
		OccurredAt: time.Now(),
	}

	switch n.NotificationType {
	case NotificationOneTimeCharge, NotificationDidRenew, NotificationSubscribed:
		tx.State = payment.StatePurchased
	case NotificationRefund, NotificationRevoke:
		tx.State = payment.StateFailed
		tx.Err = payment.NewError(payment.ErrorCodePaymentCancelled, "purchase was revoked")
	default:
		s.log.Debug("ignoring app store notification",
			zap.String("notification_type", n.NotificationType),
			zap.String("transaction_id", n.TransactionID),
		)
		return
	}

	s.emit(tx)
}

// Finish records the transaction as processed. The App Store has no
// server-side acknowledgment call; finishing only stops this adapter from
// replaying the purchase when the same receipt is verified again.
func (s *Service) Finish(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[transactionID] = struct{}{}
	return nil
}

func (s *Service) isFinished(transactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.finished[transactionID]
	return ok
}

func (s *Service) Updates() <-chan *payment.Transaction {
	return s.updates
}

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
