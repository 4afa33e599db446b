package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/paymentflow/paymentflow/internal/platform/clock"
	"github.com/paymentflow/paymentflow/internal/platform/metrics"
)

const reviewerActor = "system:risk-reviewer"

// Reviewer sweeps pending high and critical fraud checks and disposes of
// them: critical checks and high checks scoring above the auto-reject line
// fail the held transaction; the rest are parked in review for a human.
type Reviewer struct {
	store   Store
	clock   clock.Clock
	metrics *metrics.Metrics

	// autoRejectScore is the score above which a high-risk check is
	// rejected without human review.
	autoRejectScore float64
}

func NewReviewer(store Store, clk clock.Clock, m *metrics.Metrics) *Reviewer {
	return &Reviewer{store: store, clock: clk, metrics: m, autoRejectScore: 0.8}
}

// ReviewPending processes up to limit pending checks. Re-running over
// already-disposed checks is a no-op.
func (r *Reviewer) ReviewPending(ctx context.Context, limit int) (int, error) {
	checks, err := r.store.PendingFraudChecks(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending fraud checks: %w", err)
	}
	disposed := 0
	for _, check := range checks {
		if err := r.dispose(ctx, check); err != nil {
			return disposed, err
		}
		disposed++
	}
	return disposed, nil
}

func (r *Reviewer) dispose(ctx context.Context, check FraudCheck) error {
	if check.Status != FraudPending {
		return nil
	}
	now := r.clock.Now()

	reject := check.RiskLevel == RiskCritical ||
		(check.RiskLevel == RiskHigh && check.RiskScore > r.autoRejectScore)
	if !reject {
		check.Status = FraudReview
		check.DecisionReason = fmt.Sprintf("risk %s (%.2f), queued for manual review", check.RiskLevel, check.RiskScore)
		check.UpdatedAt = now
		return r.store.UpdateFraudCheck(ctx, check)
	}

	// Fail the held transaction first so a crash between the two writes
	// leaves the check pending and the sweep retries it.
	if _, err := r.store.TransitionTransaction(ctx, check.TransactionID, StatusPending, StatusFailed); err != nil {
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrTransactionNotFound) {
			return fmt.Errorf("fail transaction %s: %w", check.TransactionID, err)
		}
		// Already disposed elsewhere; fall through and close the check.
	} else {
		t, err := r.store.Transaction(ctx, check.TransactionID)
		if err == nil {
			t.ErrorMessage = "rejected by fraud review"
			t.UpdatedAt = now
			_ = r.store.UpdateTransaction(ctx, t)
		}
	}

	check.Status = FraudRejected
	check.ReviewedBy = reviewerActor
	check.ReviewedAt = &now
	check.DecisionReason = fmt.Sprintf("auto-rejected at risk %s (%.2f)", check.RiskLevel, check.RiskScore)
	check.UpdatedAt = now
	if err := r.store.UpdateFraudCheck(ctx, check); err != nil {
		return err
	}
	r.metrics.FraudRejected()
	return nil
}

// Run sweeps on the given interval until the context is cancelled.
func (r *Reviewer) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ReviewPending(ctx, batchSize)
			if err != nil {
				log.Printf("fraud review sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("fraud review sweep disposed %d checks", n)
			}
		}
	}
}
