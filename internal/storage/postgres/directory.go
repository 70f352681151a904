package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/payment"
)

const (
	// An existing row is only overwritten once it has expired.
	registerMappingSQL = `INSERT INTO transaction_mappings (transaction_id, payment_id, order_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id) DO UPDATE
			SET payment_id = EXCLUDED.payment_id,
				order_id   = EXCLUDED.order_id,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at
			WHERE transaction_mappings.expires_at <= EXCLUDED.created_at`

	resolveMappingSQL = `SELECT transaction_id, payment_id, order_id, created_at
		FROM transaction_mappings WHERE transaction_id = $1 AND expires_at > $2`

	removeMappingSQL = `DELETE FROM transaction_mappings WHERE transaction_id = $1`

	sweepMappingsSQL = `DELETE FROM transaction_mappings WHERE expires_at <= $1`
)

var _ payment.TxDirectory = (*Directory)(nil)

// Directory is a payment.Directory persisted in PostgreSQL, for deployments
// running more than one API instance. Expiry is evaluated against the
// injected clock, not the database clock.
type Directory struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
	ttl   time.Duration
}

// NewDirectory returns a Directory whose entries live for ttl.
func NewDirectory(pool *pgxpool.Pool, clock clockwork.Clock, ttl time.Duration) *Directory {
	return &Directory{pool: pool, clock: clock, ttl: ttl}
}

func (d *Directory) Register(ctx context.Context, txnID string, paymentID, orderID int64) error {
	return d.register(ctx, d.pool, txnID, paymentID, orderID)
}

// RegisterTx writes the mapping through a transaction opened by
// PaymentStore.InOrderTx. Other transactions fall back to Register.
func (d *Directory) RegisterTx(ctx context.Context, tx payment.Tx, txnID string, paymentID, orderID int64) error {
	if t, ok := tx.(*paymentTx); ok {
		return d.register(ctx, t.tx, txnID, paymentID, orderID)
	}
	return d.Register(ctx, txnID, paymentID, orderID)
}

func (d *Directory) register(ctx context.Context, q querier, txnID string, paymentID, orderID int64) error {
	now := d.clock.Now().UTC()
	tag, err := q.Exec(ctx, registerMappingSQL, txnID, paymentID, orderID, now, now.Add(d.ttl))
	if err != nil {
		return errors.Wrapf(err, "register transaction %s", txnID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(payment.ErrDuplicateTransaction, txnID)
	}
	return nil
}

func (d *Directory) Resolve(ctx context.Context, txnID string) (payment.Mapping, error) {
	var m payment.Mapping
	err := d.pool.QueryRow(ctx, resolveMappingSQL, txnID, d.clock.Now().UTC()).Scan(
		&m.TransactionID, &m.PaymentID, &m.OrderID, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Mapping{}, payment.ErrTransactionNotFound
		}
		return payment.Mapping{}, errors.Wrapf(err, "resolve transaction %s", txnID)
	}
	return m, nil
}

func (d *Directory) Remove(ctx context.Context, txnID string) error {
	if _, err := d.pool.Exec(ctx, removeMappingSQL, txnID); err != nil {
		return errors.Wrapf(err, "remove transaction %s", txnID)
	}
	return nil
}

// Sweep deletes expired mappings and returns how many were removed.
func (d *Directory) Sweep(ctx context.Context) (int64, error) {
	tag, err := d.pool.Exec(ctx, sweepMappingsSQL, d.clock.Now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "sweep transaction mappings")
	}
	return tag.RowsAffected(), nil
}

// StartSweeper runs Sweep every interval until ctx is done.
func (d *Directory) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := d.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		lg := zctx.From(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				n, err := d.Sweep(ctx)
				if err != nil {
					lg.Warn("Sweep transaction mappings", zap.Error(err))
					continue
				}
				if n > 0 {
					lg.Debug("Swept expired transaction mappings", zap.Int64("count", n))
				}
			}
		}
	}()
}
