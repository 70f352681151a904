// Package txndir implements the in-process transaction directory: a
// bounded-lifetime index from gateway transaction IDs to payments.
package txndir

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

// DefaultTTL is how long a mapping stays resolvable after registration.
const DefaultTTL = 24 * time.Hour

var _ payment.Directory = (*Memory)(nil)

type entry struct {
	mapping   payment.Mapping
	expiresAt time.Time
}

// Memory is a payment.Directory held in process memory. Entries expire
// lazily on lookup; StartSweeper additionally reclaims them in the
// background.
type Memory struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

// NewMemory returns an empty directory. A non-positive ttl selects DefaultTTL.
func NewMemory(clock clockwork.Clock, ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

func (m *Memory) Register(_ context.Context, txnID string, paymentID, orderID int64) error {
	if txnID == "" {
		return errors.New("empty transaction id")
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[txnID]; ok && now.Before(e.expiresAt) {
		return errors.Wrap(payment.ErrDuplicateTransaction, txnID)
	}
	m.entries[txnID] = entry{
		mapping: payment.Mapping{
			TransactionID: txnID,
			PaymentID:     paymentID,
			OrderID:       orderID,
			CreatedAt:     now,
		},
		expiresAt: now.Add(m.ttl),
	}
	return nil
}

func (m *Memory) Resolve(_ context.Context, txnID string) (payment.Mapping, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[txnID]
	if !ok {
		return payment.Mapping{}, payment.ErrTransactionNotFound
	}
	if !now.Before(e.expiresAt) {
		delete(m.entries, txnID)
		return payment.Mapping{}, payment.ErrTransactionNotFound
	}
	return e.mapping, nil
}

func (m *Memory) Remove(_ context.Context, txnID string) error {
	m.mu.Lock()
	delete(m.entries, txnID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *Memory) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if n := m.Sweep(); n > 0 {
					zctx.From(ctx).Debug("Swept expired transaction mappings", zap.Int("count", n))
				}
			}
		}
	}()
}
