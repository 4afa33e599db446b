package payment

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymentflow/paymentflow/internal/platform/clock"
)

// WalletDelta describes one side of a balance mutation. Deltas are signed;
// a debit carries negative amounts.
type WalletDelta struct {
	Key       WalletKey
	Available decimal.Decimal
	Frozen    decimal.Decimal
}

// Ledger is the only mutation path for wallet balances. ApplyDelta is
// atomic per wallet and rejects any mutation that would leave available or
// frozen negative, with no partial effect. ApplyTransfer applies two deltas
// as a single unit: either both land or neither is visible.
type Ledger interface {
	Wallet(ctx context.Context, key WalletKey) (Wallet, error)
	ApplyDelta(ctx context.Context, key WalletKey, availableDelta, frozenDelta decimal.Decimal) (Wallet, error)
	ApplyTransfer(ctx context.Context, debit, credit WalletDelta) error
}

// MemoryLedger keeps wallets in process memory behind per-wallet mutexes.
// Multi-wallet transfers take both locks in key order to avoid deadlock.
type MemoryLedger struct {
	clock clock.Clock
	newID func() string

	mapMu   sync.Mutex
	wallets map[WalletKey]*Wallet
	locks   map[WalletKey]*sync.Mutex
}

func NewMemoryLedger(clk clock.Clock, newID func() string) *MemoryLedger {
	return &MemoryLedger{
		clock:   clk,
		newID:   newID,
		wallets: make(map[WalletKey]*Wallet),
		locks:   make(map[WalletKey]*sync.Mutex),
	}
}

func (l *MemoryLedger) walletLock(key WalletKey) *sync.Mutex {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()
	if _, ok := l.locks[key]; !ok {
		l.locks[key] = &sync.Mutex{}
	}
	return l.locks[key]
}

// getOrCreate must be called with the wallet's lock held.
func (l *MemoryLedger) getOrCreate(key WalletKey) *Wallet {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()
	if w, ok := l.wallets[key]; ok {
		return w
	}
	now := l.clock.Now()
	w := &Wallet{
		ID:        l.newID(),
		Key:       key,
		Balance:   decimal.Zero,
		Available: decimal.Zero,
		Frozen:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.wallets[key] = w
	return w
}

func (l *MemoryLedger) Wallet(_ context.Context, key WalletKey) (Wallet, error) {
	mu := l.walletLock(key)
	mu.Lock()
	defer mu.Unlock()
	return *l.getOrCreate(key), nil
}

func applyDeltaLocked(w *Wallet, availableDelta, frozenDelta decimal.Decimal, now time.Time) error {
	newAvailable := w.Available.Add(availableDelta)
	newFrozen := w.Frozen.Add(frozenDelta)
	if newAvailable.IsNegative() || newFrozen.IsNegative() {
		return ErrInsufficientFunds
	}
	w.Available = newAvailable
	w.Frozen = newFrozen
	w.Balance = newAvailable.Add(newFrozen)
	w.UpdatedAt = now
	return nil
}

func (l *MemoryLedger) ApplyDelta(_ context.Context, key WalletKey, availableDelta, frozenDelta decimal.Decimal) (Wallet, error) {
	mu := l.walletLock(key)
	mu.Lock()
	defer mu.Unlock()

	w := l.getOrCreate(key)
	if err := applyDeltaLocked(w, availableDelta, frozenDelta, l.clock.Now()); err != nil {
		return Wallet{}, err
	}
	return *w, nil
}

func (l *MemoryLedger) ApplyTransfer(_ context.Context, debit, credit WalletDelta) error {
	if debit.Key == credit.Key {
		mu := l.walletLock(debit.Key)
		mu.Lock()
		defer mu.Unlock()
		w := l.getOrCreate(debit.Key)
		return applyDeltaLocked(w,
			debit.Available.Add(credit.Available),
			debit.Frozen.Add(credit.Frozen),
			l.clock.Now())
	}

	first, second := debit, credit
	if second.Key.String() < first.Key.String() {
		first, second = second, first
	}
	firstMu := l.walletLock(first.Key)
	secondMu := l.walletLock(second.Key)
	firstMu.Lock()
	defer firstMu.Unlock()
	secondMu.Lock()
	defer secondMu.Unlock()

	debitWallet := l.getOrCreate(debit.Key)
	creditWallet := l.getOrCreate(credit.Key)
	now := l.clock.Now()

	// Validate the debit side before touching either wallet so a rejected
	// transfer leaves no partial effect.
	if debitWallet.Available.Add(debit.Available).IsNegative() ||
		debitWallet.Frozen.Add(debit.Frozen).IsNegative() {
		return ErrInsufficientFunds
	}
	if creditWallet.Available.Add(credit.Available).IsNegative() ||
		creditWallet.Frozen.Add(credit.Frozen).IsNegative() {
		return ErrInsufficientFunds
	}

	if err := applyDeltaLocked(debitWallet, debit.Available, debit.Frozen, now); err != nil {
		return err
	}
	if err := applyDeltaLocked(creditWallet, credit.Available, credit.Frozen, now); err != nil {
		// Unreachable after pre-validation, but restore the debit side if it
		// ever trips.
		_ = applyDeltaLocked(debitWallet, debit.Available.Neg(), debit.Frozen.Neg(), now)
		return err
	}
	return nil
}
