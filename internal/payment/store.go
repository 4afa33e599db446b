package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ActivitySummary is a trailing window over a user's transactions, consumed
// by the risk engine's history and velocity sub-scores.
type ActivitySummary struct {
	Count       int
	TotalAmount decimal.Decimal
}

// Profile carries the account-holder facts the risk engine scores on.
type Profile struct {
	CreatedAt   time.Time
	KYCVerified bool
}

// Store is the durable persistence contract for every core entity. Both
// implementations guarantee reference-id uniqueness on transaction create
// and an atomic settlement claim on the settlement_id backlink.
type Store interface {
	CreateAccount(ctx context.Context, a Account) error
	Account(ctx context.Context, id string) (Account, error)
	UserProfile(ctx context.Context, userID string) (Profile, error)

	CreateTransaction(ctx context.Context, t Transaction) error
	Transaction(ctx context.Context, id string) (Transaction, error)
	TransactionByReference(ctx context.Context, referenceID string) (Transaction, error)
	UpdateTransaction(ctx context.Context, t Transaction) error
	// TransitionTransaction flips status only when the current status still
	// equals from; it is the record-level compare-and-set the completion
	// paths rely on.
	TransitionTransaction(ctx context.Context, id string, from, to TransactionStatus) (Transaction, error)
	UserActivity(ctx context.Context, userID string, since time.Time) (ActivitySummary, error)

	CreateFraudCheck(ctx context.Context, c FraudCheck) error
	FraudCheck(ctx context.Context, id string) (FraudCheck, error)
	UpdateFraudCheck(ctx context.Context, c FraudCheck) error
	PendingFraudChecks(ctx context.Context, limit int) ([]FraudCheck, error)

	CreateComplianceCheck(ctx context.Context, c ComplianceCheck) error
	ComplianceCheck(ctx context.Context, id string) (ComplianceCheck, error)
	UpdateComplianceCheck(ctx context.Context, c ComplianceCheck) error

	CreateBatch(ctx context.Context, b SettlementBatch) error
	Batch(ctx context.Context, id string) (SettlementBatch, error)
	UpdateBatch(ctx context.Context, b SettlementBatch) error
	// ClaimBatch atomically moves a pending batch to processing. Exactly
	// one concurrent caller wins; the rest see ErrBatchNotPending.
	ClaimBatch(ctx context.Context, id string) (SettlementBatch, error)
	PendingBatches(ctx context.Context) ([]SettlementBatch, error)

	CreateSettlement(ctx context.Context, s Settlement) error
	SettlementsByBatch(ctx context.Context, batchID string) ([]Settlement, error)
	// SettleableTransactions lists completed transactions in the given
	// currency with no settlement backlink yet.
	SettleableTransactions(ctx context.Context, currency string, limit int) ([]Transaction, error)
	// ClaimSettlement sets the settlement backlink iff it is still unset;
	// false means another batch run claimed the transaction first.
	ClaimSettlement(ctx context.Context, transactionID, settlementID string) (bool, error)

	CreatePayment(ctx context.Context, p Payment) error
	PaymentByGatewayRef(ctx context.Context, gatewayTransactionID string) (Payment, error)
	UpdatePayment(ctx context.Context, p Payment) error
}

// MemoryStore keeps all records in maps behind a single mutex. It backs the
// test suite and single-node deployments without postgres.
type MemoryStore struct {
	mu sync.Mutex

	accounts     map[string]Account
	transactions map[string]Transaction
	byReference  map[string]string
	fraudChecks  map[string]FraudCheck
	compliance   map[string]ComplianceCheck
	batches      map[string]SettlementBatch
	settlements  map[string]Settlement
	payments     map[string]Payment
	byGatewayRef map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]Account),
		transactions: make(map[string]Transaction),
		byReference:  make(map[string]string),
		fraudChecks:  make(map[string]FraudCheck),
		compliance:   make(map[string]ComplianceCheck),
		batches:      make(map[string]SettlementBatch),
		settlements:  make(map[string]Settlement),
		payments:     make(map[string]Payment),
		byGatewayRef: make(map[string]string),
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	return nil
}

func (m *MemoryStore) Account(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (m *MemoryStore) UserProfile(_ context.Context, userID string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var p Profile
	found := false
	for _, a := range m.accounts {
		if a.UserID != userID {
			continue
		}
		if !found || a.CreatedAt.Before(p.CreatedAt) {
			p.CreatedAt = a.CreatedAt
		}
		if a.KYCVerified {
			p.KYCVerified = true
		}
		found = true
	}
	if !found {
		return Profile{}, ErrAccountNotFound
	}
	return p, nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, t Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ReferenceID != "" {
		if _, exists := m.byReference[t.ReferenceID]; exists {
			return ErrDuplicateReference
		}
	}
	m.transactions[t.ID] = t
	if t.ReferenceID != "" {
		m.byReference[t.ReferenceID] = t.ID
	}
	return nil
}

func (m *MemoryStore) Transaction(_ context.Context, id string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, nil
}

func (m *MemoryStore) TransactionByReference(_ context.Context, referenceID string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byReference[referenceID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return m.transactions[id], nil
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, t Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[t.ID]; !ok {
		return ErrTransactionNotFound
	}
	m.transactions[t.ID] = t
	return nil
}

func (m *MemoryStore) TransitionTransaction(_ context.Context, id string, from, to TransactionStatus) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if t.Status != from {
		return t, ErrInvalidTransition
	}
	t.Status = to
	m.transactions[id] = t
	return t, nil
}

func (m *MemoryStore) UserActivity(_ context.Context, userID string, since time.Time) (ActivitySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := ActivitySummary{TotalAmount: decimal.Zero}
	for _, t := range m.transactions {
		if t.UserID != userID || t.CreatedAt.Before(since) {
			continue
		}
		sum.Count++
		sum.TotalAmount = sum.TotalAmount.Add(t.Amount)
	}
	return sum, nil
}

func (m *MemoryStore) CreateFraudCheck(_ context.Context, c FraudCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fraudChecks[c.ID] = c
	return nil
}

func (m *MemoryStore) FraudCheck(_ context.Context, id string) (FraudCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.fraudChecks[id]
	if !ok {
		return FraudCheck{}, ErrCheckNotFound
	}
	return c, nil
}

func (m *MemoryStore) UpdateFraudCheck(_ context.Context, c FraudCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fraudChecks[c.ID]; !ok {
		return ErrCheckNotFound
	}
	m.fraudChecks[c.ID] = c
	return nil
}

func (m *MemoryStore) PendingFraudChecks(_ context.Context, limit int) ([]FraudCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FraudCheck, 0)
	for _, c := range m.fraudChecks {
		if c.Status != FraudPending {
			continue
		}
		if c.RiskLevel != RiskHigh && c.RiskLevel != RiskCritical {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateComplianceCheck(_ context.Context, c ComplianceCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compliance[c.ID] = c
	return nil
}

func (m *MemoryStore) ComplianceCheck(_ context.Context, id string) (ComplianceCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.compliance[id]
	if !ok {
		return ComplianceCheck{}, ErrCheckNotFound
	}
	return c, nil
}

func (m *MemoryStore) UpdateComplianceCheck(_ context.Context, c ComplianceCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.compliance[c.ID]; !ok {
		return ErrCheckNotFound
	}
	m.compliance[c.ID] = c
	return nil
}

func (m *MemoryStore) CreateBatch(_ context.Context, b SettlementBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
	return nil
}

func (m *MemoryStore) Batch(_ context.Context, id string) (SettlementBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return SettlementBatch{}, ErrBatchNotFound
	}
	return b, nil
}

func (m *MemoryStore) UpdateBatch(_ context.Context, b SettlementBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; !ok {
		return ErrBatchNotFound
	}
	m.batches[b.ID] = b
	return nil
}

func (m *MemoryStore) ClaimBatch(_ context.Context, id string) (SettlementBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return SettlementBatch{}, ErrBatchNotFound
	}
	if b.Status != BatchPending {
		return b, ErrBatchNotPending
	}
	b.Status = BatchProcessing
	m.batches[id] = b
	return b, nil
}

func (m *MemoryStore) PendingBatches(_ context.Context) ([]SettlementBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SettlementBatch, 0)
	for _, b := range m.batches {
		if b.Status == BatchPending {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateSettlement(_ context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[s.ID] = s
	return nil
}

func (m *MemoryStore) SettlementsByBatch(_ context.Context, batchID string) ([]Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Settlement, 0)
	for _, s := range m.settlements {
		if s.BatchID == batchID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SettleableTransactions(_ context.Context, currency string, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, 0)
	for _, t := range m.transactions {
		if t.Status != StatusCompleted || t.SettlementID != "" || t.Currency != currency {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimSettlement(_ context.Context, transactionID, settlementID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[transactionID]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.Status != StatusCompleted || t.SettlementID != "" {
		return false, nil
	}
	t.SettlementID = settlementID
	m.transactions[transactionID] = t
	return true, nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
	if p.GatewayTransactionID != "" {
		m.byGatewayRef[p.GatewayTransactionID] = p.ID
	}
	return nil
}

func (m *MemoryStore) PaymentByGatewayRef(_ context.Context, gatewayTransactionID string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byGatewayRef[gatewayTransactionID]
	if !ok {
		return Payment{}, ErrTransactionNotFound
	}
	return m.payments[id], nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrTransactionNotFound
	}
	m.payments[p.ID] = p
	if p.GatewayTransactionID != "" {
		m.byGatewayRef[p.GatewayTransactionID] = p.ID
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
