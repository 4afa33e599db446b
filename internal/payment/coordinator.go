package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/paymentflow/paymentflow/internal/events"
	"github.com/paymentflow/paymentflow/internal/platform/audit"
	"github.com/paymentflow/paymentflow/internal/platform/clock"
	"github.com/paymentflow/paymentflow/internal/platform/metrics"
)

// Limits carries the platform policy the coordinator enforces on every
// create call.
type Limits struct {
	MinAmount           decimal.Decimal
	MaxAmount           decimal.Decimal
	SupportedCurrencies []string
	KYCRequiredAmount   decimal.Decimal
	AMLEnabled          bool
}

func (l Limits) supportsCurrency(c string) bool {
	for _, cur := range l.SupportedCurrencies {
		if cur == c {
			return true
		}
	}
	return false
}

// CreateRequest is the caller's intent for a new transaction.
type CreateRequest struct {
	AccountID            string
	UserID               string
	Type                 TransactionType
	Amount               decimal.Decimal
	Currency             string
	Description          string
	ReferenceID          string
	DestinationAccountID string
	Gateway              string
	Context              RequestContext
}

// Coordinator drives a transaction through validation, risk scoring,
// compliance, balance mutation and its terminal state. Every money-moving
// step appends to the audit chain and fails closed: if the audit write
// fails, the balance mutation is rolled back and the transaction stays
// pending for a retry.
type Coordinator struct {
	store    Store
	ledger   Ledger
	risk     RiskProvider
	gate     *Gate
	activity ActivitySource
	auditLog audit.Store
	events   events.Publisher
	clock    clock.Clock
	metrics  *metrics.Metrics
	limits   Limits
	newID    func() string
	newRef   func(prefix string) string

	// Per-transaction locks serialize the completion paths against each
	// other within this process; the store CAS covers cross-process races.
	mapMu sync.Mutex
	muMap map[string]*sync.Mutex
}

type CoordinatorDeps struct {
	Store    Store
	Ledger   Ledger
	Risk     RiskProvider
	Gate     *Gate
	Activity ActivitySource
	Audit    audit.Store
	Events   events.Publisher
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Limits   Limits
	NewID    func() string
	NewRef   func(prefix string) string
}

func NewCoordinator(d CoordinatorDeps) *Coordinator {
	if d.NewID == nil {
		d.NewID = NewID
	}
	if d.NewRef == nil {
		d.NewRef = NewReference
	}
	return &Coordinator{
		store:    d.Store,
		ledger:   d.Ledger,
		risk:     d.Risk,
		gate:     d.Gate,
		activity: d.Activity,
		auditLog: d.Audit,
		events:   d.Events,
		clock:    d.Clock,
		metrics:  d.Metrics,
		limits:   d.Limits,
		newID:    d.NewID,
		newRef:   d.NewRef,
		muMap:    make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) txLock(id string) *sync.Mutex {
	c.mapMu.Lock()
	defer c.mapMu.Unlock()
	if _, ok := c.muMap[id]; !ok {
		c.muMap[id] = &sync.Mutex{}
	}
	return c.muMap[id]
}

// Create validates, scores and executes a new transaction. A failed
// compliance screen fails it before any mutation; high and critical risk
// then holds it in pending with no balance effect until review.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (Transaction, error) {
	account, err := c.store.Account(ctx, req.AccountID)
	if errors.Is(err, ErrAccountNotFound) {
		return Transaction{}, ErrInvalidAccount
	}
	if err != nil {
		return Transaction{}, err
	}
	if account.UserID != req.UserID {
		return Transaction{}, ErrInvalidAccount
	}
	if account.Status != AccountActive {
		return Transaction{}, ErrAccountInactive
	}

	if !ValidTransactionType(req.Type) {
		return Transaction{}, ErrInvalidType
	}
	if req.Type == TypeRefund {
		// Refunds are derived from a completed transaction, never created
		// directly.
		return Transaction{}, ErrInvalidType
	}
	if req.Type == TypePayment && req.Gateway == "" {
		return Transaction{}, fmt.Errorf("%w: payment requires a gateway", ErrInvalidType)
	}
	if !req.Amount.IsPositive() ||
		req.Amount.LessThan(c.limits.MinAmount) ||
		req.Amount.GreaterThan(c.limits.MaxAmount) {
		return Transaction{}, ErrInvalidAmount
	}
	if !c.limits.supportsCurrency(req.Currency) {
		return Transaction{}, ErrUnsupportedCurrency
	}
	if req.Type == TypeTransfer {
		if req.DestinationAccountID == "" || req.DestinationAccountID == req.AccountID {
			return Transaction{}, ErrInvalidAccount
		}
		dest, err := c.store.Account(ctx, req.DestinationAccountID)
		if errors.Is(err, ErrAccountNotFound) {
			return Transaction{}, ErrInvalidAccount
		}
		if err != nil {
			return Transaction{}, err
		}
		if dest.Status != AccountActive {
			return Transaction{}, ErrAccountInactive
		}
	}

	now := c.clock.Now()
	fee := FeeFor(req.Type, req.Amount)
	t := Transaction{
		ID:                   c.newID(),
		AccountID:            req.AccountID,
		UserID:               req.UserID,
		Type:                 req.Type,
		Status:               StatusPending,
		Amount:               req.Amount,
		Fee:                  fee,
		NetAmount:            req.Amount.Sub(fee),
		Currency:             req.Currency,
		Description:          req.Description,
		ReferenceID:          req.ReferenceID,
		DestinationAccountID: req.DestinationAccountID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if t.ReferenceID == "" {
		t.ReferenceID = c.newRef("TXN")
	}
	if req.Type == TypePayment {
		// ExternalReference carries the gateway name until execution swaps
		// in the gateway transaction id.
		t.ExternalReference = req.Gateway
	}
	if err := c.store.CreateTransaction(ctx, t); err != nil {
		return Transaction{}, err
	}
	if err := c.activity.Record(ctx, t.UserID, t.Amount); err != nil {
		log.Printf("record activity for %s: %v", t.ID, err)
	}

	check, err := c.risk.Score(ctx, t, req.Context)
	if err != nil {
		// Dependency fault: the transaction stays pending so a recovery
		// sweep or caller retry can finish it.
		log.Printf("transaction %s left pending, risk scoring failed: %v", t.ID, err)
		return t, fmt.Errorf("risk scoring: %w", err)
	}
	t.FraudCheckID = check.ID
	c.metrics.ObserveRiskLevel(string(check.RiskLevel))

	if done, err := c.runCompliance(ctx, &t); done || err != nil {
		return t, err
	}
	if check.Status == FraudPending {
		// Held for review; no balance effect until disposition.
		t.UpdatedAt = c.clock.Now()
		if err := c.store.UpdateTransaction(ctx, t); err != nil {
			return t, err
		}
		log.Printf("transaction %s held at risk %s (%.2f)", t.ID, check.RiskLevel, check.RiskScore)
		return t, nil
	}
	return c.execute(ctx, t, "transaction.create")
}

// runCompliance screens the transaction when it clears the KYC amount
// line. done=true means the transaction reached a terminal state here.
func (c *Coordinator) runCompliance(ctx context.Context, t *Transaction) (bool, error) {
	if !c.limits.AMLEnabled || t.Amount.LessThan(c.limits.KYCRequiredAmount) {
		return false, nil
	}
	check, err := c.gate.Check(ctx, *t)
	if err != nil {
		// Dependency fault: the transaction stays pending for a retry.
		log.Printf("transaction %s left pending, compliance screen failed: %v", t.ID, err)
		return true, fmt.Errorf("compliance: %w", err)
	}
	t.ComplianceCheckID = check.ID
	if check.Status == ComplianceFailed {
		c.failTransaction(ctx, t, "compliance check failed: "+check.DecisionReason)
		return true, ErrComplianceRejected
	}
	// A review status does not block execution; the check stays open for
	// the compliance team while the funds move.
	return false, nil
}

// execute applies the balance mutation for the transaction's type and
// drives it to completed or processing.
func (c *Coordinator) execute(ctx context.Context, t Transaction, action string) (Transaction, error) {
	now := c.clock.Now()

	var undo func()
	target := StatusCompleted

	switch t.Type {
	case TypeDeposit:
		key := MainWallet(t.AccountID, t.Currency)
		w, err := c.ledger.ApplyDelta(ctx, key, t.NetAmount, decimal.Zero)
		if err != nil {
			// Infrastructure fault; stays pending for a retry.
			return t, err
		}
		t.DestinationWalletID = w.ID
		undo = func() {
			_, _ = c.ledger.ApplyDelta(ctx, key, t.NetAmount.Neg(), decimal.Zero)
		}

	case TypeTransfer:
		src := MainWallet(t.AccountID, t.Currency)
		dst := MainWallet(t.DestinationAccountID, t.Currency)
		err := c.ledger.ApplyTransfer(ctx,
			WalletDelta{Key: src, Available: t.Amount.Neg()},
			WalletDelta{Key: dst, Available: t.NetAmount})
		if errors.Is(err, ErrInsufficientFunds) {
			c.failTransaction(ctx, &t, "insufficient balance")
			return t, ErrInsufficientBalance
		}
		if err != nil {
			return t, err
		}
		if w, werr := c.ledger.Wallet(ctx, src); werr == nil {
			t.SourceWalletID = w.ID
		}
		if w, werr := c.ledger.Wallet(ctx, dst); werr == nil {
			t.DestinationWalletID = w.ID
		}
		undo = func() {
			_ = c.ledger.ApplyTransfer(ctx,
				WalletDelta{Key: dst, Available: t.NetAmount.Neg()},
				WalletDelta{Key: src, Available: t.Amount})
		}

	case TypeWithdrawal:
		key := MainWallet(t.AccountID, t.Currency)
		w, err := c.ledger.ApplyDelta(ctx, key, t.Amount.Neg(), t.Amount)
		if errors.Is(err, ErrInsufficientFunds) {
			c.failTransaction(ctx, &t, "insufficient balance")
			return t, ErrInsufficientBalance
		}
		if err != nil {
			return t, err
		}
		t.SourceWalletID = w.ID
		target = StatusProcessing
		undo = func() {
			_, _ = c.ledger.ApplyDelta(ctx, key, t.Amount, t.Amount.Neg())
		}

	case TypePayment:
		p := Payment{
			ID:                   c.newID(),
			TransactionID:        t.ID,
			AccountID:            t.AccountID,
			UserID:               t.UserID,
			Amount:               t.Amount,
			Currency:             t.Currency,
			Gateway:              t.ExternalReference,
			GatewayTransactionID: c.newRef("GW"),
			Status:               PaymentPending,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := c.store.CreatePayment(ctx, p); err != nil {
			return t, err
		}
		t.PaymentID = p.ID
		t.ExternalReference = p.GatewayTransactionID
		target = StatusProcessing
		undo = func() {}
	}

	if err := c.auditMutation(ctx, t, action); err != nil {
		undo()
		c.metrics.AuditAppendFailed()
		// Balance effect is rolled back and the transaction stays pending;
		// a retry can complete it once the audit store recovers.
		log.Printf("transaction %s left pending, audit append failed: %v", t.ID, err)
		return t, ErrAuditUnavailable
	}

	t.Status = target
	if target == StatusCompleted {
		t.ProcessedAt = &now
	}
	t.UpdatedAt = now
	if err := c.store.UpdateTransaction(ctx, t); err != nil {
		return t, err
	}
	c.metrics.ObserveTransaction(string(t.Type), string(t.Status), t.Amount.InexactFloat64())
	if t.Status == StatusCompleted {
		c.publish(ctx, events.TopicTransactionCompleted, t)
	}
	return t, nil
}

// CompleteGatewayPayment finishes a gateway-mediated payment on webhook
// delivery. Re-delivery of the same gateway event returns
// ErrDuplicateDelivery with no second mutation.
func (c *Coordinator) CompleteGatewayPayment(ctx context.Context, gatewayTxID string, succeeded bool, failureReason string) (Transaction, error) {
	p, err := c.store.PaymentByGatewayRef(ctx, gatewayTxID)
	if err != nil {
		return Transaction{}, err
	}

	mu := c.txLock(p.TransactionID)
	mu.Lock()
	defer mu.Unlock()

	p, err = c.store.PaymentByGatewayRef(ctx, gatewayTxID)
	if err != nil {
		return Transaction{}, err
	}
	if p.Status != PaymentPending {
		return Transaction{}, ErrDuplicateDelivery
	}
	t, err := c.store.Transaction(ctx, p.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	now := c.clock.Now()

	if !succeeded {
		if _, err := c.store.TransitionTransaction(ctx, t.ID, StatusProcessing, StatusFailed); err != nil {
			return t, err
		}
		t.Status = StatusFailed
		t.ErrorMessage = failureReason
		t.UpdatedAt = now
		if err := c.store.UpdateTransaction(ctx, t); err != nil {
			return t, err
		}
		p.Status = PaymentFailed
		p.FailureReason = failureReason
		p.UpdatedAt = now
		if err := c.store.UpdatePayment(ctx, p); err != nil {
			return t, err
		}
		c.metrics.ObserveTransaction(string(t.Type), "failed", t.Amount.InexactFloat64())
		c.publish(ctx, events.TopicTransactionFailed, t)
		return t, nil
	}

	key := MainWallet(t.AccountID, t.Currency)
	w, err := c.ledger.ApplyDelta(ctx, key, t.NetAmount, decimal.Zero)
	if err != nil {
		return t, err
	}
	t.DestinationWalletID = w.ID
	if err := c.auditMutation(ctx, t, "payment.complete"); err != nil {
		_, _ = c.ledger.ApplyDelta(ctx, key, t.NetAmount.Neg(), decimal.Zero)
		c.metrics.AuditAppendFailed()
		return t, ErrAuditUnavailable
	}
	if _, err := c.store.TransitionTransaction(ctx, t.ID, StatusProcessing, StatusCompleted); err != nil {
		_, _ = c.ledger.ApplyDelta(ctx, key, t.NetAmount.Neg(), decimal.Zero)
		return t, err
	}
	t.Status = StatusCompleted
	t.ProcessedAt = &now
	t.UpdatedAt = now
	if err := c.store.UpdateTransaction(ctx, t); err != nil {
		return t, err
	}
	p.Status = PaymentCompleted
	p.UpdatedAt = now
	if err := c.store.UpdatePayment(ctx, p); err != nil {
		return t, err
	}
	c.metrics.ObserveTransaction(string(t.Type), "completed", t.Amount.InexactFloat64())
	c.publish(ctx, events.TopicTransactionCompleted, t)
	return t, nil
}

// ConfirmWithdrawal completes a processing withdrawal: the frozen amount
// leaves the platform, reducing total balance.
func (c *Coordinator) ConfirmWithdrawal(ctx context.Context, txID string) (Transaction, error) {
	mu := c.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.store.Transaction(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Type != TypeWithdrawal {
		return t, ErrInvalidType
	}
	if t.Status != StatusProcessing {
		return t, ErrInvalidTransition
	}

	key := MainWallet(t.AccountID, t.Currency)
	if _, err := c.ledger.ApplyDelta(ctx, key, decimal.Zero, t.Amount.Neg()); err != nil {
		return t, err
	}
	if err := c.auditMutation(ctx, t, "withdrawal.confirm"); err != nil {
		_, _ = c.ledger.ApplyDelta(ctx, key, decimal.Zero, t.Amount)
		c.metrics.AuditAppendFailed()
		return t, ErrAuditUnavailable
	}
	if _, err := c.store.TransitionTransaction(ctx, t.ID, StatusProcessing, StatusCompleted); err != nil {
		_, _ = c.ledger.ApplyDelta(ctx, key, decimal.Zero, t.Amount)
		return t, err
	}
	now := c.clock.Now()
	t.Status = StatusCompleted
	t.ProcessedAt = &now
	t.UpdatedAt = now
	if err := c.store.UpdateTransaction(ctx, t); err != nil {
		return t, err
	}
	c.metrics.ObserveTransaction(string(t.Type), "completed", t.Amount.InexactFloat64())
	c.publish(ctx, events.TopicTransactionCompleted, t)
	return t, nil
}

// FailWithdrawal fails a processing withdrawal and releases the frozen
// amount back to available.
func (c *Coordinator) FailWithdrawal(ctx context.Context, txID, reason string) (Transaction, error) {
	mu := c.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.store.Transaction(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Type != TypeWithdrawal {
		return t, ErrInvalidType
	}
	if t.Status != StatusProcessing {
		return t, ErrInvalidTransition
	}

	key := MainWallet(t.AccountID, t.Currency)
	if _, err := c.ledger.ApplyDelta(ctx, key, t.Amount, t.Amount.Neg()); err != nil {
		return t, err
	}
	if err := c.auditMutation(ctx, t, "withdrawal.fail"); err != nil {
		_, _ = c.ledger.ApplyDelta(ctx, key, t.Amount.Neg(), t.Amount)
		c.metrics.AuditAppendFailed()
		return t, ErrAuditUnavailable
	}
	if _, err := c.store.TransitionTransaction(ctx, t.ID, StatusProcessing, StatusFailed); err != nil {
		_, _ = c.ledger.ApplyDelta(ctx, key, t.Amount.Neg(), t.Amount)
		return t, err
	}
	now := c.clock.Now()
	t.Status = StatusFailed
	t.ErrorMessage = reason
	t.UpdatedAt = now
	if err := c.store.UpdateTransaction(ctx, t); err != nil {
		return t, err
	}
	c.metrics.ObserveTransaction(string(t.Type), "failed", t.Amount.InexactFloat64())
	c.publish(ctx, events.TopicTransactionFailed, t)
	return t, nil
}

// ApproveHeld releases a transaction held for fraud review: compliance is
// re-screened, the check is approved and the deferred balance mutation
// executes. An approved check whose transaction is still pending may be
// approved again; that retries a release interrupted by a dependency fault.
func (c *Coordinator) ApproveHeld(ctx context.Context, checkID, reviewerID string) (Transaction, error) {
	check, err := c.store.FraudCheck(ctx, checkID)
	if err != nil {
		return Transaction{}, err
	}
	if check.Status == FraudRejected {
		return Transaction{}, ErrInvalidTransition
	}

	mu := c.txLock(check.TransactionID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.store.Transaction(ctx, check.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status != StatusPending {
		return t, ErrInvalidTransition
	}

	if done, err := c.runCompliance(ctx, &t); done || err != nil {
		return t, err
	}

	now := c.clock.Now()
	check.Status = FraudApproved
	check.ReviewedBy = reviewerID
	check.ReviewedAt = &now
	check.DecisionReason = "approved on manual review"
	check.UpdatedAt = now
	if err := c.store.UpdateFraudCheck(ctx, check); err != nil {
		return t, err
	}
	return c.execute(ctx, t, "transaction.release")
}

// RejectHeld fails a held transaction on manual review. No balance effect;
// the hold never mutated the ledger.
func (c *Coordinator) RejectHeld(ctx context.Context, checkID, reviewerID, reason string) (Transaction, error) {
	check, err := c.store.FraudCheck(ctx, checkID)
	if err != nil {
		return Transaction{}, err
	}
	if check.Status != FraudPending && check.Status != FraudReview {
		return Transaction{}, ErrInvalidTransition
	}

	mu := c.txLock(check.TransactionID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.store.Transaction(ctx, check.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status != StatusPending {
		return t, ErrInvalidTransition
	}

	now := c.clock.Now()
	check.Status = FraudRejected
	check.ReviewedBy = reviewerID
	check.ReviewedAt = &now
	check.DecisionReason = reason
	check.UpdatedAt = now
	if err := c.store.UpdateFraudCheck(ctx, check); err != nil {
		return t, err
	}
	c.metrics.FraudRejected()
	c.failTransaction(ctx, &t, "rejected by fraud review: "+reason)
	return t, nil
}

// Reverse undoes a completed transaction's balance effect and marks it
// reversed. Settled transactions cannot be reversed.
func (c *Coordinator) Reverse(ctx context.Context, txID, reason string) (Transaction, error) {
	mu := c.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	t, err := c.store.Transaction(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if t.Status != StatusCompleted || t.SettlementID != "" {
		return t, ErrInvalidTransition
	}

	if err := c.invertMutation(ctx, t); err != nil {
		return t, err
	}
	if err := c.auditMutation(ctx, t, "transaction.reverse"); err != nil {
		_ = c.replayMutation(ctx, t)
		c.metrics.AuditAppendFailed()
		return t, ErrAuditUnavailable
	}
	if _, err := c.store.TransitionTransaction(ctx, t.ID, StatusCompleted, StatusReversed); err != nil {
		_ = c.replayMutation(ctx, t)
		return t, err
	}
	now := c.clock.Now()
	t.Status = StatusReversed
	t.ErrorMessage = reason
	t.UpdatedAt = now
	if err := c.store.UpdateTransaction(ctx, t); err != nil {
		return t, err
	}
	c.metrics.ObserveTransaction(string(t.Type), "reversed", t.Amount.InexactFloat64())
	return t, nil
}

// invertMutation applies the inverse of a completed transaction's balance
// effect.
func (c *Coordinator) invertMutation(ctx context.Context, t Transaction) error {
	switch t.Type {
	case TypeDeposit, TypePayment, TypeRefund:
		_, err := c.ledger.ApplyDelta(ctx, MainWallet(t.AccountID, t.Currency), t.NetAmount.Neg(), decimal.Zero)
		return err
	case TypeTransfer:
		return c.ledger.ApplyTransfer(ctx,
			WalletDelta{Key: MainWallet(t.DestinationAccountID, t.Currency), Available: t.NetAmount.Neg()},
			WalletDelta{Key: MainWallet(t.AccountID, t.Currency), Available: t.Amount})
	case TypeWithdrawal:
		// Money already left the platform; a reversal brings it back.
		_, err := c.ledger.ApplyDelta(ctx, MainWallet(t.AccountID, t.Currency), t.Amount, decimal.Zero)
		return err
	}
	return ErrInvalidType
}

// replayMutation re-applies a completed transaction's balance effect,
// undoing invertMutation.
func (c *Coordinator) replayMutation(ctx context.Context, t Transaction) error {
	switch t.Type {
	case TypeDeposit, TypePayment, TypeRefund:
		_, err := c.ledger.ApplyDelta(ctx, MainWallet(t.AccountID, t.Currency), t.NetAmount, decimal.Zero)
		return err
	case TypeTransfer:
		return c.ledger.ApplyTransfer(ctx,
			WalletDelta{Key: MainWallet(t.AccountID, t.Currency), Available: t.Amount.Neg()},
			WalletDelta{Key: MainWallet(t.DestinationAccountID, t.Currency), Available: t.NetAmount})
	case TypeWithdrawal:
		_, err := c.ledger.ApplyDelta(ctx, MainWallet(t.AccountID, t.Currency), t.Amount.Neg(), decimal.Zero)
		return err
	}
	return ErrInvalidType
}

// Refund reverses a completed transaction's balance effect through a new
// refund-type transaction and marks the original refunded.
func (c *Coordinator) Refund(ctx context.Context, txID, reason string) (Transaction, error) {
	mu := c.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	orig, err := c.store.Transaction(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if orig.Status != StatusCompleted || orig.SettlementID != "" {
		return Transaction{}, ErrInvalidTransition
	}

	if err := c.invertMutation(ctx, orig); err != nil {
		return Transaction{}, err
	}

	now := c.clock.Now()
	refund := Transaction{
		ID:                c.newID(),
		AccountID:         orig.AccountID,
		UserID:            orig.UserID,
		Type:              TypeRefund,
		Status:            StatusCompleted,
		Amount:            orig.Amount,
		Fee:               decimal.Zero,
		NetAmount:         orig.Amount,
		Currency:          orig.Currency,
		Description:       reason,
		ReferenceID:       c.newRef("TXN"),
		ExternalReference: orig.ID,
		ProcessedAt:       &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.auditMutation(ctx, refund, "transaction.refund"); err != nil {
		_ = c.replayMutation(ctx, orig)
		c.metrics.AuditAppendFailed()
		return Transaction{}, ErrAuditUnavailable
	}
	if err := c.store.CreateTransaction(ctx, refund); err != nil {
		_ = c.replayMutation(ctx, orig)
		return Transaction{}, err
	}
	if _, err := c.store.TransitionTransaction(ctx, orig.ID, StatusCompleted, StatusRefunded); err != nil {
		return refund, err
	}
	c.metrics.ObserveTransaction(string(TypeRefund), "completed", refund.Amount.InexactFloat64())
	c.publish(ctx, events.TopicTransactionCompleted, refund)
	return refund, nil
}

func (c *Coordinator) failTransaction(ctx context.Context, t *Transaction, msg string) {
	now := c.clock.Now()
	t.Status = StatusFailed
	t.ErrorMessage = msg
	t.UpdatedAt = now
	if err := c.store.UpdateTransaction(ctx, *t); err != nil {
		log.Printf("mark transaction %s failed: %v", t.ID, err)
	}
	c.metrics.ObserveTransaction(string(t.Type), "failed", t.Amount.InexactFloat64())
	c.publish(ctx, events.TopicTransactionFailed, *t)
}

func (c *Coordinator) auditMutation(ctx context.Context, t Transaction, action string) error {
	now := c.clock.Now()
	changes, _ := json.Marshal(map[string]any{
		"type":       t.Type,
		"amount":     t.Amount,
		"fee":        t.Fee,
		"net_amount": t.NetAmount,
		"currency":   t.Currency,
	})
	after, _ := json.Marshal(t)
	_, err := c.auditLog.Append(ctx, audit.Event{
		AuditID:    c.newID(),
		OccurredAt: now,
		RecordedAt: now,
		ActorID:    t.UserID,
		ActorType:  "user",
		EntityType: "transaction",
		EntityID:   t.ID,
		Action:     action,
		Changes:    changes,
		After:      after,
		Result:     audit.ResultSuccess,
	})
	return err
}

func (c *Coordinator) publish(ctx context.Context, topic string, t Transaction) {
	ev := events.TransactionEvent{
		TransactionID: t.ID,
		AccountID:     t.AccountID,
		UserID:        t.UserID,
		Type:          string(t.Type),
		Status:        string(t.Status),
		Amount:        t.Amount,
		Fee:           t.Fee,
		NetAmount:     t.NetAmount,
		Currency:      t.Currency,
		OccurredAt:    c.clock.Now(),
	}
	if err := c.events.Publish(ctx, topic, ev); err != nil {
		log.Printf("publish %s for %s: %v", topic, t.ID, err)
	}
}
