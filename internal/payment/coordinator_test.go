package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymentflow/paymentflow/internal/events"
	"github.com/paymentflow/paymentflow/internal/platform/audit"
	"github.com/paymentflow/paymentflow/internal/platform/clock"
	"github.com/paymentflow/paymentflow/internal/platform/metrics"
)

type testEnv struct {
	store    *MemoryStore
	ledger   *MemoryLedger
	audit    *audit.InMemoryStore
	events   *events.Memory
	gate     *Gate
	engine   *Engine
	coord    *Coordinator
	reviewer *Reviewer
	clk      clock.Fixed
}

func testLimits() Limits {
	return Limits{
		MinAmount:           dec("0.01"),
		MaxAmount:           dec("1000000"),
		SupportedCurrencies: []string{"USD", "EUR"},
		KYCRequiredAmount:   dec("10000"),
		AMLEnabled:          true,
	}
}

func newTestEnv() *testEnv {
	clk := fixedClock()
	store := NewMemoryStore()
	ledger := NewMemoryLedger(clk, sequentialIDs("wallet"))
	auditStore := audit.NewInMemoryStore()
	pub := events.NewMemory()
	activity := NewStoreActivity(store, clk)
	engine := NewEngine(store, activity, clk, sequentialIDs("check"), 0.7)
	gate := NewGate(store, NewRuleProvider([]string{"user-sanctioned"}, dec("50000")), clk, sequentialIDs("cc"), nil)

	refs := 0
	coord := NewCoordinator(CoordinatorDeps{
		Store:    store,
		Ledger:   ledger,
		Risk:     engine,
		Gate:     gate,
		Activity: activity,
		Audit:    auditStore,
		Events:   pub,
		Clock:    clk,
		Metrics:  (*metrics.Metrics)(nil),
		Limits:   testLimits(),
		NewID:    sequentialIDs("tx"),
		NewRef: func(prefix string) string {
			refs++
			return fmt.Sprintf("%s-%06d", prefix, refs)
		},
	})
	return &testEnv{
		store:    store,
		ledger:   ledger,
		audit:    auditStore,
		events:   pub,
		gate:     gate,
		engine:   engine,
		coord:    coord,
		reviewer: NewReviewer(store, clk, nil),
		clk:      clk,
	}
}

// seedAccount registers an established, KYC-verified account two years old
// so its transactions score low risk unless a test says otherwise.
func (e *testEnv) seedAccount(t *testing.T, accountID, userID string) {
	t.Helper()
	e.seedAccountAt(t, accountID, userID, e.clk.Now().AddDate(-2, 0, 0), true)
}

func (e *testEnv) seedAccountAt(t *testing.T, accountID, userID string, createdAt time.Time, kyc bool) {
	t.Helper()
	err := e.store.CreateAccount(context.Background(), Account{
		ID:          accountID,
		UserID:      userID,
		AccountType: "standard",
		Status:      AccountActive,
		Currency:    "USD",
		KYCVerified: kyc,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func (e *testEnv) deposit(t *testing.T, accountID, userID, amount string) Transaction {
	t.Helper()
	tx, err := e.coord.Create(context.Background(), CreateRequest{
		AccountID: accountID,
		UserID:    userID,
		Type:      TypeDeposit,
		Amount:    dec(amount),
		Currency:  "USD",
		Context:   knownDevice(),
	})
	if err != nil {
		t.Fatalf("deposit %s: %v", amount, err)
	}
	return tx
}

func knownDevice() RequestContext {
	return RequestContext{DeviceFingerprint: "fp-1", KnownDevice: true, Geolocation: "US"}
}

func (e *testEnv) wallet(t *testing.T, accountID string) Wallet {
	t.Helper()
	w, err := e.ledger.Wallet(context.Background(), MainWallet(accountID, "USD"))
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	return w
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"bad type", CreateRequest{AccountID: "acct-1", UserID: "user-1", Type: "loan", Amount: dec("10"), Currency: "USD"}, ErrInvalidType},
		{"refund direct", CreateRequest{AccountID: "acct-1", UserID: "user-1", Type: TypeRefund, Amount: dec("10"), Currency: "USD"}, ErrInvalidType},
		{"zero amount", CreateRequest{AccountID: "acct-1", UserID: "user-1", Type: TypeDeposit, Amount: decimal.Zero, Currency: "USD"}, ErrInvalidAmount},
		{"negative amount", CreateRequest{AccountID: "acct-1", UserID: "user-1", Type: TypeDeposit, Amount: dec("-5"), Currency: "USD"}, ErrInvalidAmount},
		{"over max", CreateRequest{AccountID: "acct-1", UserID: "user-1", Type: TypeDeposit, Amount: dec("1000001"), Currency: "USD"}, ErrInvalidAmount},
		{"bad currency", CreateRequest{AccountID: "acct-1", UserID: "user-1", Type: TypeDeposit, Amount: dec("10"), Currency: "XAU"}, ErrUnsupportedCurrency},
		{"unknown account", CreateRequest{AccountID: "acct-x", UserID: "user-1", Type: TypeDeposit, Amount: dec("10"), Currency: "USD"}, ErrInvalidAccount},
		{"wrong owner", CreateRequest{AccountID: "acct-1", UserID: "user-2", Type: TypeDeposit, Amount: dec("10"), Currency: "USD"}, ErrInvalidAccount},
		{"transfer to self", CreateRequest{AccountID: "acct-1", UserID: "user-1", Type: TypeTransfer, Amount: dec("10"), Currency: "USD", DestinationAccountID: "acct-1"}, ErrInvalidAccount},
		{"payment without gateway", CreateRequest{AccountID: "acct-1", UserID: "user-1", Type: TypePayment, Amount: dec("10"), Currency: "USD"}, ErrInvalidType},
		// The account is screened before anything else, so a request that is
		// wrong in every way still reports the account problem.
		{"account checked first", CreateRequest{AccountID: "acct-x", UserID: "user-1", Type: "loan", Amount: decimal.Zero, Currency: "XAU"}, ErrInvalidAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.coord.Create(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateRejectsInactiveAccount(t *testing.T) {
	env := newTestEnv()
	now := env.clk.Now()
	_ = env.store.CreateAccount(context.Background(), Account{
		ID: "acct-closed", UserID: "user-1", Status: AccountClosed,
		Currency: "USD", CreatedAt: now, UpdatedAt: now,
	})
	_, err := env.coord.Create(context.Background(), CreateRequest{
		AccountID: "acct-closed", UserID: "user-1", Type: TypeDeposit,
		Amount: dec("10"), Currency: "USD",
	})
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("want ErrAccountInactive, got %v", err)
	}
}

func TestDepositCompletesAndCreditsWallet(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")

	tx := env.deposit(t, "acct-1", "user-1", "500")
	if tx.Status != StatusCompleted {
		t.Fatalf("deposit status: want completed, got %s", tx.Status)
	}
	if !tx.Fee.IsZero() || !tx.NetAmount.Equal(dec("500")) {
		t.Fatalf("deposit fee/net wrong: fee=%s net=%s", tx.Fee, tx.NetAmount)
	}
	if tx.ProcessedAt == nil {
		t.Fatal("deposit missing processed_at")
	}

	w := env.wallet(t, "acct-1")
	if !w.Available.Equal(dec("500")) || !w.Frozen.IsZero() || !w.Balance.Equal(dec("500")) {
		t.Fatalf("wallet after deposit: available=%s frozen=%s balance=%s", w.Available, w.Frozen, w.Balance)
	}

	if got := len(env.audit.Events()); got != 1 {
		t.Fatalf("want 1 audit event, got %d", got)
	}
	published := env.events.Published()
	if len(published) != 1 || published[0].Topic != events.TopicTransactionCompleted {
		t.Fatalf("want one completed event, got %+v", published)
	}
}

func TestWithdrawalFreezesAndStaysProcessing(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	env.deposit(t, "acct-1", "user-1", "500")

	tx, err := env.coord.Create(context.Background(), CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypeWithdrawal,
		Amount: dec("200"), Currency: "USD", Context: knownDevice(),
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if tx.Status != StatusProcessing {
		t.Fatalf("withdrawal status: want processing, got %s", tx.Status)
	}

	w := env.wallet(t, "acct-1")
	if !w.Available.Equal(dec("300")) || !w.Frozen.Equal(dec("200")) || !w.Balance.Equal(dec("500")) {
		t.Fatalf("wallet after withdrawal: available=%s frozen=%s balance=%s", w.Available, w.Frozen, w.Balance)
	}
}

func TestWithdrawalInsufficientBalanceFails(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	env.deposit(t, "acct-1", "user-1", "100")

	tx, err := env.coord.Create(context.Background(), CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypeWithdrawal,
		Amount: dec("200"), Currency: "USD", Context: knownDevice(),
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}
	if tx.Status != StatusFailed {
		t.Fatalf("want failed transaction, got %s", tx.Status)
	}
	w := env.wallet(t, "acct-1")
	if !w.Available.Equal(dec("100")) || !w.Frozen.IsZero() {
		t.Fatalf("failed withdrawal touched wallet: available=%s frozen=%s", w.Available, w.Frozen)
	}
}

func TestTransferChargesFeeAndMovesNet(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-src", "user-1")
	env.seedAccount(t, "acct-dst", "user-2")
	env.deposit(t, "acct-src", "user-1", "2000")

	tx, err := env.coord.Create(context.Background(), CreateRequest{
		AccountID: "acct-src", UserID: "user-1", Type: TypeTransfer,
		Amount: dec("1000"), Currency: "USD",
		DestinationAccountID: "acct-dst", Context: knownDevice(),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Fatalf("transfer status: want completed, got %s", tx.Status)
	}
	if !tx.Fee.Equal(dec("10")) || !tx.NetAmount.Equal(dec("990")) {
		t.Fatalf("transfer fee/net: fee=%s net=%s", tx.Fee, tx.NetAmount)
	}

	src := env.wallet(t, "acct-src")
	dst := env.wallet(t, "acct-dst")
	if !src.Available.Equal(dec("1000")) {
		t.Fatalf("source after transfer: %s", src.Available)
	}
	if !dst.Available.Equal(dec("990")) {
		t.Fatalf("destination after transfer: %s", dst.Available)
	}
}

func TestDuplicateReferenceRejected(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	ctx := context.Background()

	req := CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypeDeposit,
		Amount: dec("50"), Currency: "USD", ReferenceID: "order-42",
		Context: knownDevice(),
	}
	if _, err := env.coord.Create(ctx, req); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := env.coord.Create(ctx, req); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("want ErrDuplicateReference, got %v", err)
	}
	if Classify(ErrDuplicateReference) != ClassConflict {
		t.Fatalf("duplicate reference should classify as conflict")
	}

	w := env.wallet(t, "acct-1")
	if !w.Available.Equal(dec("50")) {
		t.Fatalf("duplicate mutated wallet: %s", w.Available)
	}
}

func TestSanctionedUserFailsWithNoMutation(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-s", "user-sanctioned")

	tx, err := env.coord.Create(context.Background(), CreateRequest{
		AccountID: "acct-s", UserID: "user-sanctioned", Type: TypeDeposit,
		Amount: dec("15000"), Currency: "USD", Context: knownDevice(),
	})
	if !errors.Is(err, ErrComplianceRejected) {
		t.Fatalf("want ErrComplianceRejected, got %v", err)
	}
	if tx.Status != StatusFailed {
		t.Fatalf("want failed transaction, got %s", tx.Status)
	}
	if tx.ComplianceCheckID == "" {
		t.Fatal("missing compliance check backlink")
	}
	check, err := env.store.ComplianceCheck(context.Background(), tx.ComplianceCheckID)
	if err != nil {
		t.Fatalf("load compliance check: %v", err)
	}
	if check.Status != ComplianceFailed {
		t.Fatalf("compliance status: want failed, got %s", check.Status)
	}

	w := env.wallet(t, "acct-s")
	if !w.Balance.IsZero() {
		t.Fatalf("sanctioned deposit mutated wallet: %s", w.Balance)
	}
	if got := len(env.audit.Events()); got != 0 {
		t.Fatalf("sanctioned deposit produced %d audit mutations", got)
	}
}

func TestSmallAmountSkipsCompliance(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-s", "user-sanctioned")

	tx := env.deposit(t, "acct-s", "user-sanctioned", "500")
	if tx.ComplianceCheckID != "" {
		t.Fatalf("sub-threshold amount was screened: %s", tx.ComplianceCheckID)
	}
	if tx.Status != StatusCompleted {
		t.Fatalf("want completed, got %s", tx.Status)
	}
}

func TestConcurrentWithdrawalsExactlyOneSucceeds(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	env.deposit(t, "acct-1", "user-1", "500")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.coord.Create(context.Background(), CreateRequest{
				AccountID: "acct-1", UserID: "user-1", Type: TypeWithdrawal,
				Amount: dec("300"), Currency: "USD", Context: knownDevice(),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("want exactly one winner, got %d", succeeded)
	}

	w := env.wallet(t, "acct-1")
	if !w.Available.Equal(dec("200")) || !w.Frozen.Equal(dec("300")) {
		t.Fatalf("post-race wallet: available=%s frozen=%s", w.Available, w.Frozen)
	}
}

func TestHighRiskHeldThenApproved(t *testing.T) {
	env := newTestEnv()
	env.seedAccountAt(t, "acct-new", "user-new", env.clk.Now(), false)

	tx, err := env.coord.Create(context.Background(), CreateRequest{
		AccountID: "acct-new", UserID: "user-new", Type: TypeDeposit,
		Amount: dec("9000"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.Status != StatusPending {
		t.Fatalf("high-risk transaction not held: %s", tx.Status)
	}
	check, err := env.store.FraudCheck(context.Background(), tx.FraudCheckID)
	if err != nil {
		t.Fatalf("load fraud check: %v", err)
	}
	if check.Status != FraudPending {
		t.Fatalf("check status: want pending, got %s", check.Status)
	}
	if check.RiskLevel != RiskHigh {
		t.Fatalf("risk level: want high, got %s (score %.3f)", check.RiskLevel, check.RiskScore)
	}
	if w := env.wallet(t, "acct-new"); !w.Balance.IsZero() {
		t.Fatalf("held transaction mutated wallet: %s", w.Balance)
	}

	released, err := env.coord.ApproveHeld(context.Background(), check.ID, "reviewer-1")
	if err != nil {
		t.Fatalf("approve held: %v", err)
	}
	if released.Status != StatusCompleted {
		t.Fatalf("released status: want completed, got %s", released.Status)
	}
	if w := env.wallet(t, "acct-new"); !w.Available.Equal(dec("9000")) {
		t.Fatalf("released deposit not credited: %s", w.Available)
	}

	check, _ = env.store.FraudCheck(context.Background(), check.ID)
	if check.Status != FraudApproved || check.ReviewedBy != "reviewer-1" {
		t.Fatalf("check after approval: status=%s reviewed_by=%s", check.Status, check.ReviewedBy)
	}

	// A second approval of the same check is refused.
	if _, err := env.coord.ApproveHeld(context.Background(), check.ID, "reviewer-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double approve: want ErrInvalidTransition, got %v", err)
	}
}

func TestRejectHeldFailsTransaction(t *testing.T) {
	env := newTestEnv()
	env.seedAccountAt(t, "acct-new", "user-new", env.clk.Now(), false)

	tx, err := env.coord.Create(context.Background(), CreateRequest{
		AccountID: "acct-new", UserID: "user-new", Type: TypeDeposit,
		Amount: dec("9000"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.Status != StatusPending {
		t.Fatalf("not held: %s", tx.Status)
	}

	rejected, err := env.coord.RejectHeld(context.Background(), tx.FraudCheckID, "reviewer-1", "stolen card pattern")
	if err != nil {
		t.Fatalf("reject held: %v", err)
	}
	if rejected.Status != StatusFailed {
		t.Fatalf("want failed, got %s", rejected.Status)
	}
	if w := env.wallet(t, "acct-new"); !w.Balance.IsZero() {
		t.Fatalf("rejected hold mutated wallet: %s", w.Balance)
	}
}

type failingAudit struct{}

func (failingAudit) Append(context.Context, audit.Event) (audit.Event, error) {
	return audit.Event{}, errors.New("audit store down")
}

func TestAuditFailureRollsBackMutation(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")

	activity := NewStoreActivity(env.store, env.clk)
	coord := NewCoordinator(CoordinatorDeps{
		Store:    env.store,
		Ledger:   env.ledger,
		Risk:     env.engine,
		Gate:     env.gate,
		Activity: activity,
		Audit:    failingAudit{},
		Events:   env.events,
		Clock:    env.clk,
		Metrics:  (*metrics.Metrics)(nil),
		Limits:   testLimits(),
	})

	tx, err := coord.Create(context.Background(), CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypeDeposit,
		Amount: dec("500"), Currency: "USD", Context: knownDevice(),
	})
	if !errors.Is(err, ErrAuditUnavailable) {
		t.Fatalf("want ErrAuditUnavailable, got %v", err)
	}
	if w := env.wallet(t, "acct-1"); !w.Balance.IsZero() {
		t.Fatalf("audit failure left mutation in place: %s", w.Balance)
	}

	// The transaction stays pending so it can be retried once the audit
	// store recovers; a terminal failure here would strand the attempt.
	stored, err := env.store.Transaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("want pending transaction, got %s", stored.Status)
	}
}

type failingActivity struct{}

func (failingActivity) Summary(context.Context, string, time.Duration) (ActivitySummary, error) {
	return ActivitySummary{}, errors.New("velocity store down")
}

func (failingActivity) Record(context.Context, string, decimal.Decimal) error {
	return nil
}

func TestRiskOutageLeavesTransactionPending(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	ctx := context.Background()

	broken := failingActivity{}
	coord := NewCoordinator(CoordinatorDeps{
		Store:    env.store,
		Ledger:   env.ledger,
		Risk:     NewEngine(env.store, broken, env.clk, sequentialIDs("check"), 0.7),
		Gate:     env.gate,
		Activity: broken,
		Audit:    env.audit,
		Events:   env.events,
		Clock:    env.clk,
		Metrics:  (*metrics.Metrics)(nil),
		Limits:   testLimits(),
	})

	tx, err := coord.Create(ctx, CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypeDeposit,
		Amount: dec("500"), Currency: "USD", ReferenceID: "order-77",
		Context: knownDevice(),
	})
	if err == nil {
		t.Fatal("want error from risk outage")
	}
	if Classify(err) != ClassDependency {
		t.Fatalf("want dependency class, got %s (%v)", Classify(err), err)
	}

	// The persisted transaction stays pending: the reference id is bound
	// to a recoverable record, not a terminal one, and no money moved.
	stored, serr := env.store.Transaction(ctx, tx.ID)
	if serr != nil {
		t.Fatalf("load transaction: %v", serr)
	}
	if stored.Status != StatusPending {
		t.Fatalf("want pending transaction, got %s", stored.Status)
	}
	if stored.ReferenceID != "order-77" {
		t.Fatalf("reference id: %s", stored.ReferenceID)
	}
	if w := env.wallet(t, "acct-1"); !w.Balance.IsZero() {
		t.Fatalf("risk outage moved money: %s", w.Balance)
	}
	if n := len(env.audit.Events()); n != 0 {
		t.Fatalf("want no audit events, got %d", n)
	}
}

type externalRisk struct {
	check FraudCheck
}

func (e externalRisk) Score(context.Context, Transaction, RequestContext) (FraudCheck, error) {
	return e.check, nil
}

// An external scorer substituted behind the RiskProvider seam can hold
// transactions just like the built-in engine.
func TestExternalRiskProviderHoldsTransaction(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	ctx := context.Background()

	coord := NewCoordinator(CoordinatorDeps{
		Store:    env.store,
		Ledger:   env.ledger,
		Risk:     externalRisk{check: FraudCheck{ID: "ext-1", Status: FraudPending, RiskLevel: RiskHigh, RiskScore: 0.75}},
		Gate:     env.gate,
		Activity: NewStoreActivity(env.store, env.clk),
		Audit:    env.audit,
		Events:   env.events,
		Clock:    env.clk,
		Metrics:  (*metrics.Metrics)(nil),
		Limits:   testLimits(),
	})

	tx, err := coord.Create(ctx, CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypeDeposit,
		Amount: dec("50"), Currency: "USD", Context: knownDevice(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.Status != StatusPending || tx.FraudCheckID != "ext-1" {
		t.Fatalf("want held transaction bound to ext-1, got status=%s check=%s", tx.Status, tx.FraudCheckID)
	}
	if w := env.wallet(t, "acct-1"); !w.Balance.IsZero() {
		t.Fatalf("held transaction moved money: %s", w.Balance)
	}
}

// Compliance screens before the risk hold: a sanctioned user's transaction
// fails at creation even when its risk level would have held it for review.
func TestSanctionedHighRiskFailsInsteadOfHolding(t *testing.T) {
	env := newTestEnv()
	env.seedAccountAt(t, "acct-1", "user-sanctioned", env.clk.Now(), false)
	ctx := context.Background()

	tx, err := env.coord.Create(ctx, CreateRequest{
		AccountID: "acct-1", UserID: "user-sanctioned", Type: TypeDeposit,
		Amount: dec("15000"), Currency: "USD", Context: knownDevice(),
	})
	if !errors.Is(err, ErrComplianceRejected) {
		t.Fatalf("want ErrComplianceRejected, got %v", err)
	}
	if tx.Status != StatusFailed {
		t.Fatalf("want failed transaction, got %s", tx.Status)
	}

	// The risk engine did flag it for a hold; the sanctions screen outranks
	// the hold.
	check, cerr := env.store.FraudCheck(ctx, tx.FraudCheckID)
	if cerr != nil {
		t.Fatalf("load fraud check: %v", cerr)
	}
	if check.RiskLevel != RiskHigh {
		t.Fatalf("fixture should score high risk, got %s (%.2f)", check.RiskLevel, check.RiskScore)
	}
	if w := env.wallet(t, "acct-1"); !w.Balance.IsZero() {
		t.Fatalf("failed transaction moved money: %s", w.Balance)
	}
}

func TestGatewayPaymentLifecycle(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	ctx := context.Background()

	tx, err := env.coord.Create(ctx, CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypePayment,
		Amount: dec("100"), Currency: "USD", Gateway: "stripe",
		Context: knownDevice(),
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if tx.Status != StatusProcessing {
		t.Fatalf("payment status: want processing, got %s", tx.Status)
	}
	if tx.PaymentID == "" || tx.ExternalReference == "" {
		t.Fatalf("payment backlinks missing: payment_id=%q external=%q", tx.PaymentID, tx.ExternalReference)
	}
	if w := env.wallet(t, "acct-1"); !w.Balance.IsZero() {
		t.Fatalf("pending payment mutated wallet: %s", w.Balance)
	}

	done, err := env.coord.CompleteGatewayPayment(ctx, tx.ExternalReference, true, "")
	if err != nil {
		t.Fatalf("complete payment: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("want completed, got %s", done.Status)
	}
	if w := env.wallet(t, "acct-1"); !w.Available.Equal(dec("100")) {
		t.Fatalf("completed payment not credited: %s", w.Available)
	}

	if _, err := env.coord.CompleteGatewayPayment(ctx, tx.ExternalReference, true, ""); !errors.Is(err, ErrDuplicateDelivery) {
		t.Fatalf("double delivery: want ErrDuplicateDelivery, got %v", err)
	}
	if w := env.wallet(t, "acct-1"); !w.Available.Equal(dec("100")) {
		t.Fatalf("double delivery mutated wallet: %s", w.Available)
	}
}

func TestGatewayPaymentFailure(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	ctx := context.Background()

	tx, err := env.coord.Create(ctx, CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypePayment,
		Amount: dec("75"), Currency: "USD", Gateway: "adyen",
		Context: knownDevice(),
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	failed, err := env.coord.CompleteGatewayPayment(ctx, tx.ExternalReference, false, "card declined")
	if err != nil {
		t.Fatalf("fail payment: %v", err)
	}
	if failed.Status != StatusFailed || failed.ErrorMessage != "card declined" {
		t.Fatalf("failed payment: status=%s msg=%q", failed.Status, failed.ErrorMessage)
	}
	if w := env.wallet(t, "acct-1"); !w.Balance.IsZero() {
		t.Fatalf("failed payment mutated wallet: %s", w.Balance)
	}
}

func TestConfirmWithdrawalReleasesFrozen(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	env.deposit(t, "acct-1", "user-1", "500")
	ctx := context.Background()

	tx, err := env.coord.Create(ctx, CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypeWithdrawal,
		Amount: dec("200"), Currency: "USD", Context: knownDevice(),
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	done, err := env.coord.ConfirmWithdrawal(ctx, tx.ID)
	if err != nil {
		t.Fatalf("confirm withdrawal: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("want completed, got %s", done.Status)
	}
	w := env.wallet(t, "acct-1")
	if !w.Available.Equal(dec("300")) || !w.Frozen.IsZero() || !w.Balance.Equal(dec("300")) {
		t.Fatalf("wallet after confirm: available=%s frozen=%s balance=%s", w.Available, w.Frozen, w.Balance)
	}

	if _, err := env.coord.ConfirmWithdrawal(ctx, tx.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double confirm: want ErrInvalidTransition, got %v", err)
	}
}

func TestFailWithdrawalReleasesFunds(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	env.deposit(t, "acct-1", "user-1", "500")
	ctx := context.Background()

	tx, err := env.coord.Create(ctx, CreateRequest{
		AccountID: "acct-1", UserID: "user-1", Type: TypeWithdrawal,
		Amount: dec("200"), Currency: "USD", Context: knownDevice(),
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	failed, err := env.coord.FailWithdrawal(ctx, tx.ID, "bank rejected")
	if err != nil {
		t.Fatalf("fail withdrawal: %v", err)
	}
	if failed.Status != StatusFailed || failed.ErrorMessage != "bank rejected" {
		t.Fatalf("failed withdrawal: status=%s msg=%q", failed.Status, failed.ErrorMessage)
	}
	w := env.wallet(t, "acct-1")
	if !w.Available.Equal(dec("500")) || !w.Frozen.IsZero() {
		t.Fatalf("wallet after fail: available=%s frozen=%s", w.Available, w.Frozen)
	}
}

func TestReverseCompletedDeposit(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	tx := env.deposit(t, "acct-1", "user-1", "400")

	reversed, err := env.coord.Reverse(context.Background(), tx.ID, "operator request")
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversed.Status != StatusReversed {
		t.Fatalf("want reversed, got %s", reversed.Status)
	}
	if w := env.wallet(t, "acct-1"); !w.Balance.IsZero() {
		t.Fatalf("reversal left funds: %s", w.Balance)
	}
}

func TestRefundTransferRestoresBothSides(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-src", "user-1")
	env.seedAccount(t, "acct-dst", "user-2")
	env.deposit(t, "acct-src", "user-1", "2000")
	ctx := context.Background()

	tx, err := env.coord.Create(ctx, CreateRequest{
		AccountID: "acct-src", UserID: "user-1", Type: TypeTransfer,
		Amount: dec("1000"), Currency: "USD",
		DestinationAccountID: "acct-dst", Context: knownDevice(),
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	refund, err := env.coord.Refund(ctx, tx.ID, "dispute upheld")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Type != TypeRefund || refund.Status != StatusCompleted {
		t.Fatalf("refund record: type=%s status=%s", refund.Type, refund.Status)
	}
	if refund.ExternalReference != tx.ID {
		t.Fatalf("refund not linked to original: %s", refund.ExternalReference)
	}

	orig, _ := env.store.Transaction(ctx, tx.ID)
	if orig.Status != StatusRefunded {
		t.Fatalf("original status: want refunded, got %s", orig.Status)
	}

	src := env.wallet(t, "acct-src")
	dst := env.wallet(t, "acct-dst")
	if !src.Available.Equal(dec("2000")) || !dst.Available.IsZero() {
		t.Fatalf("refund did not restore wallets: src=%s dst=%s", src.Available, dst.Available)
	}
}

func TestReviewerAutoRejectsCritical(t *testing.T) {
	env := newTestEnv()
	env.seedAccountAt(t, "acct-hot", "user-hot", env.clk.Now(), false)
	ctx := context.Background()

	// Seed a burst of recent activity so velocity pushes the score over
	// the critical line.
	for i := 0; i < 11; i++ {
		err := env.store.CreateTransaction(ctx, Transaction{
			ID:          fmt.Sprintf("seed-%d", i),
			AccountID:   "acct-hot",
			UserID:      "user-hot",
			Type:        TypeDeposit,
			Status:      StatusCompleted,
			Amount:      dec("100"),
			NetAmount:   dec("100"),
			Currency:    "USD",
			ReferenceID: fmt.Sprintf("seed-ref-%d", i),
			CreatedAt:   env.clk.Now(),
			UpdatedAt:   env.clk.Now(),
		})
		if err != nil {
			t.Fatalf("seed activity: %v", err)
		}
	}

	tx, err := env.coord.Create(ctx, CreateRequest{
		AccountID: "acct-hot", UserID: "user-hot", Type: TypeDeposit,
		Amount: dec("15000"), Currency: "USD",
		Context: RequestContext{HighRiskGeo: true},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.Status != StatusPending {
		t.Fatalf("not held: %s", tx.Status)
	}
	check, _ := env.store.FraudCheck(ctx, tx.FraudCheckID)
	if check.RiskLevel != RiskCritical {
		t.Fatalf("risk level: want critical, got %s (score %.3f)", check.RiskLevel, check.RiskScore)
	}
	if !check.Velocity.ExceedsLimit {
		t.Fatal("velocity limit flag not set")
	}

	disposed, err := env.reviewer.ReviewPending(ctx, 10)
	if err != nil {
		t.Fatalf("review pending: %v", err)
	}
	if disposed != 1 {
		t.Fatalf("want 1 disposed, got %d", disposed)
	}

	after, _ := env.store.Transaction(ctx, tx.ID)
	if after.Status != StatusFailed {
		t.Fatalf("transaction after review: want failed, got %s", after.Status)
	}
	check, _ = env.store.FraudCheck(ctx, check.ID)
	if check.Status != FraudRejected || check.ReviewedBy != reviewerActor {
		t.Fatalf("check after review: status=%s by=%s", check.Status, check.ReviewedBy)
	}

	// Re-running the sweep finds nothing left to do.
	disposed, err = env.reviewer.ReviewPending(ctx, 10)
	if err != nil {
		t.Fatalf("second review: %v", err)
	}
	if disposed != 0 {
		t.Fatalf("second sweep disposed %d", disposed)
	}
}

func TestReviewerParksModerateHighForHuman(t *testing.T) {
	env := newTestEnv()
	env.seedAccountAt(t, "acct-new", "user-new", env.clk.Now(), false)
	ctx := context.Background()

	tx, err := env.coord.Create(ctx, CreateRequest{
		AccountID: "acct-new", UserID: "user-new", Type: TypeDeposit,
		Amount: dec("9000"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	check, _ := env.store.FraudCheck(ctx, tx.FraudCheckID)
	if check.RiskLevel != RiskHigh || check.RiskScore > 0.8 {
		t.Fatalf("fixture drifted: level=%s score=%.3f", check.RiskLevel, check.RiskScore)
	}

	if _, err := env.reviewer.ReviewPending(ctx, 10); err != nil {
		t.Fatalf("review pending: %v", err)
	}

	check, _ = env.store.FraudCheck(ctx, check.ID)
	if check.Status != FraudReview {
		t.Fatalf("want review, got %s", check.Status)
	}
	after, _ := env.store.Transaction(ctx, tx.ID)
	if after.Status != StatusPending {
		t.Fatalf("parked transaction moved: %s", after.Status)
	}

	// The human approval path still works from review.
	released, err := env.coord.ApproveHeld(ctx, check.ID, "reviewer-2")
	if err != nil {
		t.Fatalf("approve from review: %v", err)
	}
	if released.Status != StatusCompleted {
		t.Fatalf("want completed, got %s", released.Status)
	}
}
