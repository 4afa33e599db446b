package payment

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/paymentflow/paymentflow/internal/platform/clock"
)

// PostgresLedger serializes balance mutations at the wallet row: the delta
// is folded into a conditional UPDATE whose WHERE clause enforces
// non-negativity, so concurrent writers cannot lose updates or overdraw.
type PostgresLedger struct {
	db    *sql.DB
	clock clock.Clock
	newID func() string
}

func NewPostgresLedger(db *sql.DB, clk clock.Clock, newID func() string) *PostgresLedger {
	return &PostgresLedger{db: db, clock: clk, newID: newID}
}

func (l *PostgresLedger) ensureWallet(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, key WalletKey) error {
	const ins = `
INSERT INTO wallets (id, account_id, wallet_type, currency, balance, available_balance, frozen_balance, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, 0, 0, $5, $5)
ON CONFLICT (account_id, wallet_type, currency) DO NOTHING
`
	_, err := q.ExecContext(ctx, ins, l.newID(), key.AccountID, string(key.WalletType), key.Currency, l.clock.Now())
	return err
}

func (l *PostgresLedger) Wallet(ctx context.Context, key WalletKey) (Wallet, error) {
	if err := l.ensureWallet(ctx, l.db, key); err != nil {
		return Wallet{}, err
	}
	const q = `
SELECT id, balance, available_balance, frozen_balance, created_at, updated_at
FROM wallets
WHERE account_id = $1 AND wallet_type = $2 AND currency = $3
`
	var w Wallet
	w.Key = key
	err := l.db.QueryRowContext(ctx, q, key.AccountID, string(key.WalletType), key.Currency).
		Scan(&w.ID, &w.Balance, &w.Available, &w.Frozen, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// applyDeltaTx runs the conditional update inside the supplied transaction.
// Zero rows affected means the balance guard rejected the mutation.
func (l *PostgresLedger) applyDeltaTx(ctx context.Context, tx *sql.Tx, key WalletKey, availableDelta, frozenDelta decimal.Decimal) error {
	if err := l.ensureWallet(ctx, tx, key); err != nil {
		return err
	}
	const upd = `
UPDATE wallets
SET available_balance = available_balance + $4,
    frozen_balance    = frozen_balance + $5,
    balance           = available_balance + $4 + frozen_balance + $5,
    updated_at        = $6
WHERE account_id = $1 AND wallet_type = $2 AND currency = $3
  AND available_balance + $4 >= 0
  AND frozen_balance + $5 >= 0
`
	res, err := tx.ExecContext(ctx, upd,
		key.AccountID, string(key.WalletType), key.Currency,
		availableDelta, frozenDelta, l.clock.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (l *PostgresLedger) ApplyDelta(ctx context.Context, key WalletKey, availableDelta, frozenDelta decimal.Decimal) (Wallet, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Wallet{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.applyDeltaTx(ctx, tx, key, availableDelta, frozenDelta); err != nil {
		return Wallet{}, err
	}
	if err := tx.Commit(); err != nil {
		return Wallet{}, err
	}
	return l.Wallet(ctx, key)
}

func (l *PostgresLedger) ApplyTransfer(ctx context.Context, debit, credit WalletDelta) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Touch rows in key order so two concurrent transfers over the same
	// wallet pair cannot deadlock.
	first, second := debit, credit
	if second.Key.String() < first.Key.String() {
		first, second = second, first
	}
	if err := l.applyDeltaTx(ctx, tx, first.Key, first.Available, first.Frozen); err != nil {
		return err
	}
	if err := l.applyDeltaTx(ctx, tx, second.Key, second.Available, second.Frozen); err != nil {
		return err
	}
	return tx.Commit()
}
