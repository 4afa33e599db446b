package payment

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
)

// Randomized sweep over the full coordinator: after any prefix of random
// operations, every wallet satisfies non-negativity and the balance
// identity, and the platform total matches the money that entered minus
// the money that left (confirmed withdrawals and transfer fees).
func TestCoordinatorRandomizedConservation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	r := rand.New(rand.NewSource(42))

	accounts := []struct{ id, user string }{
		{"acct-a", "user-a"},
		{"acct-b", "user-b"},
		{"acct-c", "user-c"},
	}
	for _, a := range accounts {
		env.seedAccount(t, a.id, a.user)
	}

	expectedTotal := decimal.Zero
	var pendingWithdrawals []string

	for i := 0; i < 300; i++ {
		amount := decimal.NewFromInt(int64(r.Intn(900) + 1))
		pick := accounts[r.Intn(len(accounts))]

		switch r.Intn(5) {
		case 0:
			_, err := env.coord.Create(ctx, CreateRequest{
				AccountID: pick.id, UserID: pick.user, Type: TypeDeposit,
				Amount: amount, Currency: "USD", Context: knownDevice(),
			})
			if err == nil {
				expectedTotal = expectedTotal.Add(amount)
			}
		case 1:
			tx, err := env.coord.Create(ctx, CreateRequest{
				AccountID: pick.id, UserID: pick.user, Type: TypeWithdrawal,
				Amount: amount, Currency: "USD", Context: knownDevice(),
			})
			if err == nil {
				pendingWithdrawals = append(pendingWithdrawals, tx.ID)
			} else if !errors.Is(err, ErrInsufficientBalance) {
				t.Fatalf("op %d: withdrawal: %v", i, err)
			}
		case 2:
			other := accounts[r.Intn(len(accounts))]
			if other.id == pick.id {
				continue
			}
			tx, err := env.coord.Create(ctx, CreateRequest{
				AccountID: pick.id, UserID: pick.user, Type: TypeTransfer,
				Amount: amount, Currency: "USD",
				DestinationAccountID: other.id, Context: knownDevice(),
			})
			if err == nil {
				expectedTotal = expectedTotal.Sub(tx.Fee)
			} else if !errors.Is(err, ErrInsufficientBalance) {
				t.Fatalf("op %d: transfer: %v", i, err)
			}
		case 3:
			if len(pendingWithdrawals) == 0 {
				continue
			}
			idx := r.Intn(len(pendingWithdrawals))
			txID := pendingWithdrawals[idx]
			pendingWithdrawals = append(pendingWithdrawals[:idx], pendingWithdrawals[idx+1:]...)
			tx, err := env.coord.ConfirmWithdrawal(ctx, txID)
			if err != nil {
				t.Fatalf("op %d: confirm withdrawal: %v", i, err)
			}
			expectedTotal = expectedTotal.Sub(tx.Amount)
		case 4:
			if len(pendingWithdrawals) == 0 {
				continue
			}
			idx := r.Intn(len(pendingWithdrawals))
			txID := pendingWithdrawals[idx]
			pendingWithdrawals = append(pendingWithdrawals[:idx], pendingWithdrawals[idx+1:]...)
			if _, err := env.coord.FailWithdrawal(ctx, txID, "bank rejected"); err != nil {
				t.Fatalf("op %d: fail withdrawal: %v", i, err)
			}
		}

		total := decimal.Zero
		for _, a := range accounts {
			w := env.wallet(t, a.id)
			if w.Available.IsNegative() || w.Frozen.IsNegative() {
				t.Fatalf("op %d: negative balance on %s: available=%s frozen=%s", i, a.id, w.Available, w.Frozen)
			}
			if !w.Balance.Equal(w.Available.Add(w.Frozen)) {
				t.Fatalf("op %d: identity broken on %s", i, a.id)
			}
			total = total.Add(w.Balance)
		}
		if !total.Equal(expectedTotal) {
			t.Fatalf("op %d: conservation broken: wallets hold %s, expected %s", i, total, expectedTotal)
		}
	}
}

// Frozen funds of processing withdrawals always equal the sum of their
// amounts: nothing else parks money in frozen.
func TestFrozenMatchesProcessingWithdrawals(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	env.seedAccount(t, "acct-1", "user-1")
	env.deposit(t, "acct-1", "user-1", "1000")

	frozen := decimal.Zero
	for _, amount := range []string{"100", "250", "50"} {
		tx, err := env.coord.Create(ctx, CreateRequest{
			AccountID: "acct-1", UserID: "user-1", Type: TypeWithdrawal,
			Amount: dec(amount), Currency: "USD", Context: knownDevice(),
		})
		if err != nil {
			t.Fatalf("withdraw %s: %v", amount, err)
		}
		frozen = frozen.Add(tx.Amount)
	}

	w := env.wallet(t, "acct-1")
	if !w.Frozen.Equal(frozen) {
		t.Fatalf("frozen %s != pending withdrawal sum %s", w.Frozen, frozen)
	}
	if !w.Available.Equal(dec("600")) {
		t.Fatalf("available after freezes: %s", w.Available)
	}
}
