package payment

import (
	"context"
	"testing"
	"time"

	"github.com/paymentflow/paymentflow/internal/platform/clock"
)

func TestLevelThresholds(t *testing.T) {
	e := &Engine{threshold: 0.7}
	cases := []struct {
		score float64
		want  RiskLevel
	}{
		{0.0, RiskLow},
		{0.27, RiskLow},
		{0.28, RiskMedium},  // 0.4 * T
		{0.48, RiskMedium},
		{0.49, RiskHigh},    // 0.7 * T
		{0.69, RiskHigh},
		{0.70, RiskCritical}, // T
		{1.0, RiskCritical},
	}
	for _, tc := range cases {
		if got := e.LevelFor(tc.score); got != tc.want {
			t.Fatalf("LevelFor(%.2f): want %s, got %s", tc.score, tc.want, got)
		}
	}
}

func TestVelocityScoreSteps(t *testing.T) {
	cases := []struct {
		count int
		want  float64
	}{
		{0, 0}, {5, 0}, {6, 0.5}, {10, 0.5}, {11, 0.8}, {50, 0.8},
	}
	for _, tc := range cases {
		if got := velocityScore(tc.count); got != tc.want {
			t.Fatalf("velocityScore(%d): want %v, got %v", tc.count, tc.want, got)
		}
	}
	prev := -1.0
	for count := 0; count <= 30; count++ {
		s := velocityScore(count)
		if s < prev {
			t.Fatalf("velocity score decreased at count %d: %v < %v", count, s, prev)
		}
		prev = s
	}
}

func TestSubScoreBounds(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	if got := accountAgeScore(now, now); got != 1 {
		t.Fatalf("brand new account: want 1, got %v", got)
	}
	if got := accountAgeScore(now.AddDate(-3, 0, 0), now); got != 0 {
		t.Fatalf("three year old account: want 0, got %v", got)
	}
	if got := historyScore(0); got != 1 {
		t.Fatalf("no history: want 1, got %v", got)
	}
	if got := historyScore(200); got != 0 {
		t.Fatalf("deep history: want 0, got %v", got)
	}
	if got := amountScore(dec("5000")); got != 0.5 {
		t.Fatalf("amount 5000: want 0.5, got %v", got)
	}
	if got := amountScore(dec("250000")); got != 1 {
		t.Fatalf("amount cap: want 1, got %v", got)
	}
	if kycScore(true) >= kycScore(false) {
		t.Fatal("verified kyc must score lower than unverified")
	}
	if deviceScore(RequestContext{}) <= deviceScore(knownDevice()) {
		t.Fatal("unknown device must score higher than known")
	}
}

func TestScoreRulesTriggered(t *testing.T) {
	env := newTestEnv()
	env.seedAccount(t, "acct-1", "user-1")
	ctx := context.Background()

	// Late-night engine: same store, clock pinned past the quiet-hours
	// line.
	nightClock := clock.Fixed{Time: time.Date(2026, 8, 28, 23, 30, 0, 0, time.UTC)}
	activity := NewStoreActivity(env.store, nightClock)
	engine := NewEngine(env.store, activity, nightClock, sequentialIDs("night-check"), 0.7)

	tx := Transaction{
		ID: "tx-rules", AccountID: "acct-1", UserID: "user-1",
		Type: TypeDeposit, Amount: dec("10001"), Currency: "USD",
		CreatedAt: nightClock.Now(),
	}
	check, err := engine.Score(ctx, tx, RequestContext{})
	if err != nil {
		t.Fatalf("score: %v", err)
	}

	want := map[string]bool{
		RuleLargeAmount: true,
		RuleUnusualTime: true,
		RuleNewDevice:   true,
	}
	got := make(map[string]bool, len(check.RulesTriggered))
	for _, r := range check.RulesTriggered {
		got[r] = true
	}
	for rule := range want {
		if !got[rule] {
			t.Fatalf("rule %s not triggered: %v", rule, check.RulesTriggered)
		}
	}
	if got[RuleHighVelocity] {
		t.Fatalf("high_velocity should not trigger with no activity: %v", check.RulesTriggered)
	}
}

func TestScoreMonotoneInVelocity(t *testing.T) {
	ctx := context.Background()
	scoreWithSeeds := func(seeds int) float64 {
		env := newTestEnv()
		env.seedAccount(t, "acct-1", "user-1")
		for i := 0; i < seeds; i++ {
			_ = env.store.CreateTransaction(ctx, Transaction{
				ID: NewID(), AccountID: "acct-1", UserID: "user-1",
				Type: TypeDeposit, Status: StatusCompleted,
				Amount: dec("10"), NetAmount: dec("10"), Currency: "USD",
				ReferenceID: NewReference("TXN"),
				CreatedAt:   env.clk.Now(), UpdatedAt: env.clk.Now(),
			})
		}
		tx := Transaction{
			ID: "tx-vel", AccountID: "acct-1", UserID: "user-1",
			Type: TypeDeposit, Amount: dec("100"), Currency: "USD",
		}
		check, err := env.engine.Score(ctx, tx, knownDevice())
		if err != nil {
			t.Fatalf("score with %d seeds: %v", seeds, err)
		}
		return check.RiskScore
	}

	quiet := scoreWithSeeds(0)
	busy := scoreWithSeeds(6)
	burst := scoreWithSeeds(12)
	if !(quiet <= busy && busy <= burst) {
		t.Fatalf("score not monotone in velocity: %.3f, %.3f, %.3f", quiet, busy, burst)
	}
	if quiet == burst {
		t.Fatal("velocity had no effect on score")
	}
}

func TestScoreClampedToOne(t *testing.T) {
	if got := clamp01(1.7); got != 1 {
		t.Fatalf("clamp high: want 1, got %v", got)
	}
	if got := clamp01(-0.2); got != 0 {
		t.Fatalf("clamp low: want 0, got %v", got)
	}
}
