package payment

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreTransitionCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := fixedClock().Now()

	_ = store.CreateTransaction(ctx, Transaction{
		ID: "tx-1", AccountID: "acct-1", UserID: "user-1",
		Type: TypeWithdrawal, Status: StatusProcessing,
		Amount: dec("10"), NetAmount: dec("10"), Currency: "USD",
		CreatedAt: now, UpdatedAt: now,
	})

	got, err := store.TransitionTransaction(ctx, "tx-1", StatusProcessing, StatusCompleted)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("want completed, got %s", got.Status)
	}

	// The same transition again loses the compare-and-set.
	if _, err := store.TransitionTransaction(ctx, "tx-1", StatusProcessing, StatusFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if _, err := store.TransitionTransaction(ctx, "missing", StatusPending, StatusFailed); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("want ErrTransactionNotFound, got %v", err)
	}
}

func TestMemoryStoreUserProfileAggregates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	_ = store.CreateAccount(ctx, Account{ID: "a1", UserID: "u1", Status: AccountActive, CreatedAt: late})
	_ = store.CreateAccount(ctx, Account{ID: "a2", UserID: "u1", Status: AccountActive, KYCVerified: true, CreatedAt: early})
	_ = store.CreateAccount(ctx, Account{ID: "a3", UserID: "u2", Status: AccountActive, CreatedAt: late})

	p, err := store.UserProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if !p.CreatedAt.Equal(early) {
		t.Fatalf("want earliest account date, got %v", p.CreatedAt)
	}
	if !p.KYCVerified {
		t.Fatal("any verified account should verify the user")
	}

	if _, err := store.UserProfile(ctx, "u-none"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}
}

func TestMemoryStoreClaimSettlementPredicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := fixedClock().Now()

	_ = store.CreateTransaction(ctx, Transaction{
		ID: "tx-pending", Status: StatusPending, UserID: "u",
		Amount: dec("10"), NetAmount: dec("10"), Currency: "USD",
		CreatedAt: now, UpdatedAt: now,
	})
	_ = store.CreateTransaction(ctx, Transaction{
		ID: "tx-done", Status: StatusCompleted, UserID: "u",
		Amount: dec("10"), NetAmount: dec("10"), Currency: "USD",
		CreatedAt: now, UpdatedAt: now,
	})

	if ok, _ := store.ClaimSettlement(ctx, "tx-pending", "s-1"); ok {
		t.Fatal("claimed a non-completed transaction")
	}
	ok, err := store.ClaimSettlement(ctx, "tx-done", "s-1")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.ClaimSettlement(ctx, "tx-done", "s-2"); ok {
		t.Fatal("second claim succeeded")
	}
	tx, _ := store.Transaction(ctx, "tx-done")
	if tx.SettlementID != "s-1" {
		t.Fatalf("backlink: %s", tx.SettlementID)
	}
}

func TestMemoryStoreClaimBatchCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := fixedClock().Now()

	_ = store.CreateBatch(ctx, SettlementBatch{
		ID: "b-1", BatchNumber: "SETTLE-1", Status: BatchPending,
		Currency: "USD", CreatedAt: now, UpdatedAt: now,
	})

	b, err := store.ClaimBatch(ctx, "b-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if b.Status != BatchProcessing {
		t.Fatalf("want processing, got %s", b.Status)
	}

	if _, err := store.ClaimBatch(ctx, "b-1"); !errors.Is(err, ErrBatchNotPending) {
		t.Fatalf("second claim: want ErrBatchNotPending, got %v", err)
	}
	if _, err := store.ClaimBatch(ctx, "missing"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("missing batch: want ErrBatchNotFound, got %v", err)
	}
}

func TestMemoryStoreUserActivityWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := fixedClock().Now()

	_ = store.CreateTransaction(ctx, Transaction{
		ID: "old", UserID: "u1", Amount: dec("100"), Currency: "USD",
		CreatedAt: now.Add(-48 * time.Hour),
	})
	_ = store.CreateTransaction(ctx, Transaction{
		ID: "recent", UserID: "u1", Amount: dec("30"), Currency: "USD",
		CreatedAt: now.Add(-1 * time.Hour),
	})
	_ = store.CreateTransaction(ctx, Transaction{
		ID: "other-user", UserID: "u2", Amount: dec("500"), Currency: "USD",
		CreatedAt: now,
	})

	sum, err := store.UserActivity(ctx, "u1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if sum.Count != 1 || !sum.TotalAmount.Equal(dec("30")) {
		t.Fatalf("window sum: count=%d amount=%s", sum.Count, sum.TotalAmount)
	}
}
