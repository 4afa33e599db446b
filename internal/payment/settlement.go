package payment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymentflow/paymentflow/internal/events"
	"github.com/paymentflow/paymentflow/internal/platform/clock"
	"github.com/paymentflow/paymentflow/internal/platform/metrics"
)

// Batcher aggregates completed, unsettled transactions into settlement
// batches. Claiming is a per-transaction compare-and-set on the settlement
// backlink, so concurrent batch runs never settle the same transaction
// twice.
type Batcher struct {
	store     Store
	clock     clock.Clock
	events    events.Publisher
	metrics   *metrics.Metrics
	newID     func() string
	newRef    func(prefix string) string
	batchSize int
}

func NewBatcher(store Store, clk clock.Clock, pub events.Publisher, m *metrics.Metrics, batchSize int) *Batcher {
	return &Batcher{
		store:     store,
		clock:     clk,
		events:    pub,
		metrics:   m,
		newID:     NewID,
		newRef:    NewReference,
		batchSize: batchSize,
	}
}

// CreateBatch opens a pending batch for one currency.
func (b *Batcher) CreateBatch(ctx context.Context, currency string) (SettlementBatch, error) {
	now := b.clock.Now()
	batch := SettlementBatch{
		ID:          b.newID(),
		BatchNumber: "SETTLE-" + now.Format("20060102-150405"),
		Status:      BatchPending,
		TotalAmount: decimal.Zero,
		TotalFees:   decimal.Zero,
		Currency:    currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.store.CreateBatch(ctx, batch); err != nil {
		return SettlementBatch{}, fmt.Errorf("create settlement batch: %w", err)
	}
	return batch, nil
}

// ProcessBatch claims up to batchSize settleable transactions into the
// batch and snapshots a Settlement per claim. The batch itself is claimed
// with a compare-and-set on its pending status, so two runs over the same
// batch id never both process it. The batch completes only when every
// claimed transaction settled; otherwise it stays processing and the
// failure count is surfaced through metrics.
func (b *Batcher) ProcessBatch(ctx context.Context, batchID string) (SettlementBatch, error) {
	batch, err := b.store.ClaimBatch(ctx, batchID)
	if err != nil {
		return batch, err
	}
	batch.UpdatedAt = b.clock.Now()

	txs, err := b.store.SettleableTransactions(ctx, batch.Currency, b.batchSize)
	if err != nil {
		return batch, fmt.Errorf("list settleable transactions: %w", err)
	}
	batch.TransactionCount = len(txs)

	for _, t := range txs {
		settlementID := b.newID()
		claimed, err := b.store.ClaimSettlement(ctx, t.ID, settlementID)
		if err != nil {
			batch.FailedCount++
			log.Printf("claim transaction %s for batch %s: %v", t.ID, batch.BatchNumber, err)
			continue
		}
		if !claimed {
			// Another run got there first; not a failure, just not ours.
			b.metrics.SettlementClaimMissed()
			batch.TransactionCount--
			continue
		}
		settlement := Settlement{
			ID:                  settlementID,
			BatchID:             batch.ID,
			TransactionID:       t.ID,
			AccountID:           t.AccountID,
			Amount:              t.Amount,
			Fee:                 t.Fee,
			NetAmount:           t.NetAmount,
			Currency:            t.Currency,
			Status:              "settled",
			SettlementReference: b.newRef("STL"),
			CreatedAt:           b.clock.Now(),
		}
		if err := b.store.CreateSettlement(ctx, settlement); err != nil {
			batch.FailedCount++
			log.Printf("settle transaction %s in batch %s: %v", t.ID, batch.BatchNumber, err)
			continue
		}
		batch.ProcessedCount++
		batch.TotalAmount = batch.TotalAmount.Add(t.Amount)
		batch.TotalFees = batch.TotalFees.Add(t.Fee)
	}

	done := b.clock.Now()
	batch.UpdatedAt = done
	if batch.FailedCount == 0 {
		batch.Status = BatchCompleted
		batch.ProcessedAt = &done
	}
	if err := b.store.UpdateBatch(ctx, batch); err != nil {
		return batch, err
	}

	b.metrics.ObserveSettlementRun(batch.FailedCount, batch.ProcessedCount)
	b.publish(ctx, batch)
	return batch, nil
}

func (b *Batcher) publish(ctx context.Context, batch SettlementBatch) {
	ev := events.BatchEvent{
		BatchID:        batch.ID,
		BatchNumber:    batch.BatchNumber,
		Status:         string(batch.Status),
		TotalAmount:    batch.TotalAmount,
		TotalFees:      batch.TotalFees,
		Currency:       batch.Currency,
		ProcessedCount: batch.ProcessedCount,
		FailedCount:    batch.FailedCount,
		OccurredAt:     b.clock.Now(),
	}
	if err := b.events.Publish(ctx, events.TopicBatchSettled, ev); err != nil {
		log.Printf("publish batch event for %s: %v", batch.BatchNumber, err)
	}
}

// Run sweeps on the given interval: any leftover pending batches are
// processed first, then a new batch is opened when settleable work exists.
func (b *Batcher) Run(ctx context.Context, interval time.Duration, currency string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx, currency)
		}
	}
}

func (b *Batcher) sweep(ctx context.Context, currency string) {
	pending, err := b.store.PendingBatches(ctx)
	if err != nil {
		log.Printf("settlement sweep: list pending batches: %v", err)
		return
	}
	for _, batch := range pending {
		if _, err := b.ProcessBatch(ctx, batch.ID); err != nil {
			log.Printf("settlement sweep: process batch %s: %v", batch.BatchNumber, err)
		}
	}

	txs, err := b.store.SettleableTransactions(ctx, currency, 1)
	if err != nil {
		log.Printf("settlement sweep: check backlog: %v", err)
		return
	}
	if len(txs) == 0 {
		return
	}
	batch, err := b.CreateBatch(ctx, currency)
	if err != nil {
		log.Printf("settlement sweep: %v", err)
		return
	}
	if _, err := b.ProcessBatch(ctx, batch.ID); err != nil {
		log.Printf("settlement sweep: process batch %s: %v", batch.BatchNumber, err)
	}
}
