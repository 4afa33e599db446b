package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Topic names carried on the bus.
const (
	TopicTransactionCompleted = "transaction_completed"
	TopicTransactionFailed    = "transaction_failed"
	TopicBatchSettled         = "settlement_batch_settled"
)

// TransactionEvent is the envelope published when a transaction reaches a
// terminal-for-accounting state.
type TransactionEvent struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	UserID        string          `json:"user_id"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	Currency      string          `json:"currency"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// BatchEvent announces a finished settlement batch run.
type BatchEvent struct {
	BatchID        string          `json:"batch_id"`
	BatchNumber    string          `json:"batch_number"`
	Status         string          `json:"status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	Currency       string          `json:"currency"`
	ProcessedCount int             `json:"processed_count"`
	FailedCount    int             `json:"failed_count"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Publisher delivers domain events to downstream consumers. Publishing is
// best effort; a failed publish never rolls back the state that produced
// the event.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// Memory collects published events for tests and no-broker deployments.
type Memory struct {
	mu        sync.Mutex
	published []Published
}

type Published struct {
	Topic string
	Event any
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, topic string, event any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, Published{Topic: topic, Event: event})
	return nil
}

func (m *Memory) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.published))
	copy(out, m.published)
	return out
}

var _ Publisher = (*Memory)(nil)
