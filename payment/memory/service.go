// Package memory provides an in-memory payment.Service with a configurable
// catalog and deterministic transaction delivery. It backs the broker tests
// and the local daemon profile.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bivex/storebroker/payment"
)

const updateBuffer = 64

// Service is an in-memory payment service. Submitted payments emit a
// purchasing update and then wait for Approve or Reject, unless auto-approve
// is enabled. Terminal updates stay queued for redelivery (Drain) until
// finished.
type Service struct {
	mu sync.Mutex

	paymentsEnabled bool
	autoApprove     bool
	queryErr        error

	catalog    map[string]payment.Product
	inflight   map[string]*payment.Transaction // keyed by product ID
	unfinished map[string]*payment.Transaction // terminal, not yet finished
	finished   map[string]int                  // finish call count per transaction
	completed  []payment.Transaction           // purchase history, drives restores

	updates chan *payment.Transaction
}

// Option configures a Service.
type Option func(*Service)

// WithPaymentsDisabled makes CanMakePayments report false until
// SetPaymentsEnabled(true) is called.
func WithPaymentsDisabled() Option {
	return func(s *Service) {
		s.paymentsEnabled = false
	}
}

// WithAutoApprove makes every submitted payment complete immediately after
// its purchasing update.
func WithAutoApprove() Option {
	return func(s *Service) {
		s.autoApprove = true
	}
}

// NewService creates a service selling the given products.
func NewService(products []payment.Product, opts ...Option) *Service {
	s := &Service{
		paymentsEnabled: true,
		catalog:         make(map[string]payment.Product, len(products)),
		inflight:        make(map[string]*payment.Transaction),
		unfinished:      make(map[string]*payment.Transaction),
		finished:        make(map[string]int),
		updates:         make(chan *payment.Transaction, updateBuffer),
	}
	for _, p := range products {
		s.catalog[p.ID] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CanMakePayments(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paymentsEnabled
}

// SetPaymentsEnabled toggles the platform purchasing permission.
func (s *Service) SetPaymentsEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentsEnabled = enabled
}

// FailQueries makes subsequent QueryProducts calls return err. Pass nil to
// restore normal behavior.
func (s *Service) FailQueries(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

func (s *Service) QueryProducts(_ context.Context, identifiers []string) (*payment.ProductsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryErr != nil {
		return nil, s.queryErr
	}

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

func (s *Service) SubmitPayment(_ context.Context, productID string, quantity int64) error {
	s.mu.Lock()

	if !s.paymentsEnabled {
		s.mu.Unlock()
		return payment.ErrPaymentsUnavailable
	}
	if _, ok := s.catalog[productID]; !ok {
		s.mu.Unlock()
		return payment.ErrProductNotFound
	}

	tx := &payment.Transaction{
		ID:         uuid.NewString(),
		ProductID:  productID,
		Quantity:   quantity,
		State:      payment.StatePurchasing,
		OccurredAt: time.Now(),
	}
	s.inflight[productID] = tx
	out := s.recordLocked(tx)
	auto := s.autoApprove
	s.mu.Unlock()

	s.updates <- out
	if auto {
		return s.Approve(productID)
	}
	return nil
}

// Approve resolves the in-flight payment for productID as purchased.
func (s *Service) Approve(productID string) error {
	return s.resolve(productID, payment.StatePurchased, nil)
}

// Reject resolves the in-flight payment for productID as failed with the
// given error code.
func (s *Service) Reject(productID string, code payment.ErrorCode) error {
	return s.resolve(productID, payment.StateFailed, payment.NewError(code, "payment rejected"))
}

// Defer moves the in-flight payment for productID to the deferred state,
// awaiting external approval.
func (s *Service) Defer(productID string) error {
	s.mu.Lock()
	tx, ok := s.inflight[productID]
	if !ok {
		s.mu.Unlock()
		return payment.ErrTransactionNotFound
	}
	tx.State = payment.StateDeferred
	out := s.recordLocked(tx)
	s.mu.Unlock()

	s.updates <- out
	return nil
}

func (s *Service) resolve(productID string, state payment.TransactionState, txErr *payment.Error) error {
	s.mu.Lock()
	tx, ok := s.inflight[productID]
	if !ok {
		s.mu.Unlock()
		return payment.ErrTransactionNotFound
	}
	delete(s.inflight, productID)

	tx.State = state
	tx.Err = txErr
	out := s.recordLocked(tx)
	s.mu.Unlock()

	s.updates <- out
	return nil
}

func (s *Service) RestoreCompleted(context.Context) error {
	s.mu.Lock()
	out := make([]*payment.Transaction, 0, len(s.completed))
	for _, prev := range s.completed {
		tx := &payment.Transaction{
			ID:         uuid.NewString(),
			ProductID:  prev.ProductID,
			Quantity:   prev.Quantity,
			State:      payment.StateRestored,
			OccurredAt: time.Now(),
		}
		out = append(out, s.recordLocked(tx))
	}
	s.mu.Unlock()

	for _, tx := range out {
		s.updates <- tx
	}
	return nil
}

// Deliver injects an arbitrary transaction update, as the platform queue
// would. Terminal transactions stay queued for redelivery until finished.
func (s *Service) Deliver(tx *payment.Transaction) {
	s.mu.Lock()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = time.Now()
	}
	out := s.recordLocked(tx)
	s.mu.Unlock()

	s.updates <- out
}

// Drain redelivers every terminal transaction that has not been finished,
// modeling the platform queue redelivering unacknowledged outcomes.
func (s *Service) Drain() {
	s.mu.Lock()
	pending := make([]*payment.Transaction, 0, len(s.unfinished))
	for _, tx := range s.unfinished {
		cp := *tx
		pending = append(pending, &cp)
	}
	s.mu.Unlock()

	for _, tx := range pending {
		s.updates <- tx
	}
}

func (s *Service) Finish(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.finished[transactionID]; ok {
		// Finishing twice is harmless.
		s.finished[transactionID]++
		return nil
	}
	if _, ok := s.unfinished[transactionID]; !ok {
		return payment.ErrTransactionNotFound
	}
	delete(s.unfinished, transactionID)
	s.finished[transactionID] = 1
	return nil
}

// FinishCount returns how many times a transaction has been finished.
func (s *Service) FinishCount(transactionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished[transactionID]
}

// UnfinishedCount returns the number of delivered terminal transactions that
// have not been finished.
func (s *Service) UnfinishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unfinished)
}

func (s *Service) Updates() <-chan *payment.Transaction {
	return s.updates
}

// recordLocked registers a terminal transaction for redelivery and returns a
// copy for the caller to send. Callers hold s.mu and must send only after
// releasing it: a consumer blocked in Finish needs the lock to make room on a
// full update channel.
func (s *Service) recordLocked(tx *payment.Transaction) *payment.Transaction {
	if tx.State.Terminal() {
		s.unfinished[tx.ID] = tx
		if tx.State == payment.StatePurchased {
			s.completed = append(s.completed, *tx)
		}
	}
	cp := *tx
	return &cp
}
