package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/paymentflow/paymentflow/internal/platform/clock"
	"github.com/paymentflow/paymentflow/internal/platform/metrics"
)

// ComplianceProvider evaluates a transaction and returns the flags it
// raises. Providers are pure screens; the Gate turns flags into a status.
type ComplianceProvider interface {
	Evaluate(ctx context.Context, t Transaction) ([]string, error)
	Name() string
}

// RuleProvider screens against a static sanctions list and an AML amount
// line. A production deployment swaps in a vendor-backed provider behind
// the same interface.
type RuleProvider struct {
	sanctionedUsers map[string]bool
	amlReviewAmount decimal.Decimal
}

func NewRuleProvider(sanctionedUsers []string, amlReviewAmount decimal.Decimal) *RuleProvider {
	set := make(map[string]bool, len(sanctionedUsers))
	for _, u := range sanctionedUsers {
		set[u] = true
	}
	return &RuleProvider{sanctionedUsers: set, amlReviewAmount: amlReviewAmount}
}

func (p *RuleProvider) Name() string { return "internal-rules" }

func (p *RuleProvider) Evaluate(_ context.Context, t Transaction) ([]string, error) {
	var flags []string
	if p.sanctionedUsers[t.UserID] {
		flags = append(flags, FlagSanctionsMatch)
	}
	if t.Amount.GreaterThanOrEqual(p.amlReviewAmount) {
		flags = append(flags, FlagAMLRisk)
	}
	return flags, nil
}

// Gate runs compliance screening for transactions at or above the KYC
// amount line. A sanctions match fails the check outright; an AML flag
// parks it for manual review; a clean screen passes.
type Gate struct {
	store    Store
	provider ComplianceProvider
	clock    clock.Clock
	newID    func() string
	metrics  *metrics.Metrics
}

func NewGate(store Store, provider ComplianceProvider, clk clock.Clock, newID func() string, m *metrics.Metrics) *Gate {
	return &Gate{store: store, provider: provider, clock: clk, newID: newID, metrics: m}
}

func (g *Gate) Check(ctx context.Context, t Transaction) (ComplianceCheck, error) {
	now := g.clock.Now()
	flags, err := g.provider.Evaluate(ctx, t)
	if err != nil {
		return ComplianceCheck{}, fmt.Errorf("compliance screen: %w", err)
	}

	check := ComplianceCheck{
		ID:            g.newID(),
		TransactionID: t.ID,
		UserID:        t.UserID,
		CheckType:     "aml_sanctions",
		Provider:      g.provider.Name(),
		Flags:         flags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch {
	case contains(flags, FlagSanctionsMatch):
		check.Status = ComplianceFailed
		check.DecisionReason = "sanctions list match"
	case contains(flags, FlagAMLRisk):
		check.Status = ComplianceReview
		check.DecisionReason = "amount exceeds aml review line"
	default:
		check.Status = CompliancePassed
	}

	if err := g.store.CreateComplianceCheck(ctx, check); err != nil {
		return ComplianceCheck{}, fmt.Errorf("persist compliance check: %w", err)
	}
	g.metrics.ObserveCompliance(string(check.Status))
	return check, nil
}

// Review resolves a check parked in review. Approving passes it; anything
// else fails it. Checks in any other state are left untouched.
func (g *Gate) Review(ctx context.Context, checkID, reviewerID string, approve bool, reason string) (ComplianceCheck, error) {
	check, err := g.store.ComplianceCheck(ctx, checkID)
	if err != nil {
		return ComplianceCheck{}, err
	}
	if check.Status != ComplianceReview {
		return check, ErrInvalidTransition
	}
	now := g.clock.Now()
	if approve {
		check.Status = CompliancePassed
	} else {
		check.Status = ComplianceFailed
	}
	if reason != "" {
		check.DecisionReason = reason
	}
	check.ReviewedBy = reviewerID
	check.ReviewedAt = &now
	check.UpdatedAt = now
	if err := g.store.UpdateComplianceCheck(ctx, check); err != nil {
		return ComplianceCheck{}, err
	}
	g.metrics.ObserveCompliance(string(check.Status))
	return check, nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
