package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymentflow/paymentflow/internal/platform/clock"
)

// RequestContext carries the per-request signals scored by the risk engine.
// All fields are optional; missing signals score as unknown.
type RequestContext struct {
	DeviceFingerprint string
	KnownDevice       bool
	IPAddress         string
	UserAgent         string
	Geolocation       string
	HighRiskGeo       bool
}

// ActivitySource answers trailing-window activity queries for a user.
// RedisActivity serves production; StoreActivity derives the same numbers
// from the transaction table when redis is absent.
type ActivitySource interface {
	Summary(ctx context.Context, userID string, window time.Duration) (ActivitySummary, error)
	Record(ctx context.Context, userID string, amount decimal.Decimal) error
}

// StoreActivity backs ActivitySource with the persisted transaction history.
type StoreActivity struct {
	store Store
	clock clock.Clock
}

func NewStoreActivity(store Store, clk clock.Clock) *StoreActivity {
	return &StoreActivity{store: store, clock: clk}
}

func (a *StoreActivity) Summary(ctx context.Context, userID string, window time.Duration) (ActivitySummary, error) {
	return a.store.UserActivity(ctx, userID, a.clock.Now().Add(-window))
}

func (a *StoreActivity) Record(context.Context, string, decimal.Decimal) error {
	// Writes are already visible through the transaction table.
	return nil
}

// Rule names attached to fraud checks when the corresponding signal fires.
const (
	RuleLargeAmount  = "large_amount"
	RuleUnusualTime  = "unusual_time"
	RuleNewDevice    = "new_device"
	RuleHighVelocity = "high_velocity"
)

const (
	velocityCountLimit    = 10
	largeAmountThreshold  = 10000
	amountScoreCeiling    = 10000
	historyCountCeiling   = 100
	accountAgeCeilingDays = 365
)

// Sub-score weights. They sum to 1 so the composite stays in [0, 1]
// before clamping.
var riskWeights = struct {
	age, history, amount, velocity, device, geo, kyc float64
}{
	age:      0.10,
	history:  0.15,
	amount:   0.20,
	velocity: 0.20,
	device:   0.10,
	geo:      0.10,
	kyc:      0.15,
}

// RiskProvider scores a transaction in its request context and persists
// the resulting FraudCheck. Engine is the built-in rule-based
// implementation; external scoring services plug in behind the same seam.
type RiskProvider interface {
	Score(ctx context.Context, t Transaction, rc RequestContext) (FraudCheck, error)
}

// Engine produces a FraudCheck per transaction from seven weighted
// sub-scores plus named rules. Scoring is deterministic for a given
// transaction, context and activity window.
type Engine struct {
	store     Store
	activity  ActivitySource
	clock     clock.Clock
	newID     func() string
	threshold float64
}

func NewEngine(store Store, activity ActivitySource, clk clock.Clock, newID func() string, threshold float64) *Engine {
	return &Engine{store: store, activity: activity, clock: clk, newID: newID, threshold: threshold}
}

var _ RiskProvider = (*Engine)(nil)

// LevelFor maps a composite score onto a risk level against the configured
// threshold T: critical at T and above, high at 0.7T, medium at 0.4T.
func (e *Engine) LevelFor(score float64) RiskLevel {
	switch {
	case score >= e.threshold:
		return RiskCritical
	case score >= 0.7*e.threshold:
		return RiskHigh
	case score >= 0.4*e.threshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func accountAgeScore(createdAt time.Time, now time.Time) float64 {
	days := now.Sub(createdAt).Hours() / 24
	aged := clamp01(days / accountAgeCeilingDays)
	return 1 - aged
}

func historyScore(count30d int) float64 {
	seen := clamp01(float64(count30d) / historyCountCeiling)
	return 1 - seen
}

func amountScore(amount decimal.Decimal) float64 {
	return clamp01(amount.InexactFloat64() / amountScoreCeiling)
}

func velocityScore(count24h int) float64 {
	switch {
	case count24h > velocityCountLimit:
		return 0.8
	case count24h > velocityCountLimit/2:
		return 0.5
	default:
		return 0
	}
}

func deviceScore(rc RequestContext) float64 {
	if rc.DeviceFingerprint == "" || !rc.KnownDevice {
		return 0.5
	}
	return 0.3
}

func geoScore(rc RequestContext) float64 {
	if rc.HighRiskGeo {
		return 0.5
	}
	return 0.4
}

func kycScore(verified bool) float64 {
	if verified {
		return 0.1
	}
	return 0.8
}

// Score evaluates a transaction and returns the persisted FraudCheck.
// High and critical checks stay pending for reviewer disposition; the rest
// are approved inline.
func (e *Engine) Score(ctx context.Context, t Transaction, rc RequestContext) (FraudCheck, error) {
	now := e.clock.Now()

	profile, err := e.store.UserProfile(ctx, t.UserID)
	if err != nil {
		return FraudCheck{}, fmt.Errorf("load user profile: %w", err)
	}
	day, err := e.activity.Summary(ctx, t.UserID, 24*time.Hour)
	if err != nil {
		return FraudCheck{}, fmt.Errorf("24h activity: %w", err)
	}
	month, err := e.activity.Summary(ctx, t.UserID, 30*24*time.Hour)
	if err != nil {
		return FraudCheck{}, fmt.Errorf("30d activity: %w", err)
	}

	score := clamp01(
		riskWeights.age*accountAgeScore(profile.CreatedAt, now) +
			riskWeights.history*historyScore(month.Count) +
			riskWeights.amount*amountScore(t.Amount) +
			riskWeights.velocity*velocityScore(day.Count) +
			riskWeights.device*deviceScore(rc) +
			riskWeights.geo*geoScore(rc) +
			riskWeights.kyc*kycScore(profile.KYCVerified))

	var rules []string
	if t.Amount.GreaterThan(decimal.NewFromInt(largeAmountThreshold)) {
		rules = append(rules, RuleLargeAmount)
	}
	if hour := now.Hour(); hour < 6 || hour > 22 {
		rules = append(rules, RuleUnusualTime)
	}
	if rc.DeviceFingerprint == "" || !rc.KnownDevice {
		rules = append(rules, RuleNewDevice)
	}
	if day.Count > velocityCountLimit {
		rules = append(rules, RuleHighVelocity)
	}

	level := e.LevelFor(score)
	check := FraudCheck{
		ID:                e.newID(),
		TransactionID:     t.ID,
		UserID:            t.UserID,
		RiskScore:         score,
		RiskLevel:         level,
		Status:            FraudApproved,
		RulesTriggered:    rules,
		DeviceFingerprint: rc.DeviceFingerprint,
		IPAddress:         rc.IPAddress,
		UserAgent:         rc.UserAgent,
		Geolocation:       rc.Geolocation,
		Velocity: VelocitySnapshot{
			Count24h:     day.Count,
			Amount24h:    day.TotalAmount,
			RiskScore:    velocityScore(day.Count),
			ExceedsLimit: day.Count > velocityCountLimit,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if level == RiskHigh || level == RiskCritical {
		check.Status = FraudPending
		check.DecisionReason = fmt.Sprintf("risk %s (%.2f), held for review", level, score)
	} else if len(rules) > 0 {
		check.DecisionReason = "rules: " + strings.Join(rules, ",")
	}

	if err := e.store.CreateFraudCheck(ctx, check); err != nil {
		return FraudCheck{}, fmt.Errorf("persist fraud check: %w", err)
	}
	return check, nil
}
