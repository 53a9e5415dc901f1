package governance

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/LoayCoder/tammal-sub006/internal/audit"
	"github.com/LoayCoder/tammal-sub006/internal/budget"
	"github.com/LoayCoder/tammal-sub006/internal/registry"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

type memBudgetStore struct {
	configs map[string]*models.BudgetConfig
	spend   map[string]float64
}

func newMemBudgetStore() *memBudgetStore {
	return &memBudgetStore{
		configs: make(map[string]*models.BudgetConfig),
		spend:   make(map[string]float64),
	}
}

func (s *memBudgetStore) GetBudgetConfig(_ context.Context, tenantID string) (*models.BudgetConfig, error) {
	return s.configs[tenantID], nil
}

func (s *memBudgetStore) UpsertBudgetConfig(_ context.Context, cfg *models.BudgetConfig) error {
	s.configs[cfg.TenantID] = cfg
	return nil
}

func (s *memBudgetStore) SpendSince(_ context.Context, tenantID string, _ time.Time) (float64, error) {
	return s.spend[tenantID], nil
}

type memAggStore struct {
	calls map[string]int64 // keyed by arm id
}

func (s *memAggStore) CallsSince(_ context.Context, _, armID string, _ time.Time) (int64, error) {
	return s.calls[armID], nil
}

func (s *memAggStore) DailyCost(_ context.Context, _ string, _ time.Time) ([]models.CostBreakdownRow, error) {
	return []models.CostBreakdownRow{
		{Date: "2025-06-16", Feature: "surveys", Provider: models.ProviderOpenAI, Calls: 10, Tokens: 4000, CostUSD: 0.12},
	}, nil
}

func (s *memAggStore) DailyPerformance(_ context.Context, _ string, _ time.Time) ([]models.PerformanceTrendRow, error) {
	return []models.PerformanceTrendRow{
		{Date: "2025-06-16", Provider: models.ProviderOpenAI, Calls: 10, Errors: 1, SuccessRate: 0.9, AvgLatencyMs: 420},
	}, nil
}

func newTestAggregator(spend float64) (*Aggregator, *registry.Registry) {
	store := newMemBudgetStore()
	store.spend["t1"] = spend
	auditor := audit.NewRecorder(nil)
	reg := registry.New(0.9, auditor)
	guard := budget.NewGuard(store, nil, false, 100, 80, auditor)

	agg := New(&memAggStore{calls: map[string]int64{}}, reg, guard, nil)
	agg.now = func() time.Time { return time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC) }
	return agg, reg
}

func TestRefreshSummary_BurnRateAndProjection(t *testing.T) {
	agg, reg := newTestAggregator(30) // $30 spent by June 16 on a $100 budget
	reg.Get(models.ProviderOpenAI, "gpt-4o", "surveys")

	rows, err := agg.RefreshSummary(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	row := rows[0]
	// 15 days elapsed in June at refresh time, 30 days in the month.
	if got, want := row.BurnRate, 2.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("burn rate = %f, want %f", got, want)
	}
	if got, want := row.ProjectedMonthlyCost, 60.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("projected monthly cost = %f, want %f", got, want)
	}
	if got, want := row.UsagePct, 30.0; math.Abs(got-want) > 1e-9 {
		t.Errorf("usage pct = %f, want %f", got, want)
	}
	if row.SLARiskLevel != models.RiskLow {
		t.Errorf("expected low risk at 30%% with 35 days of headroom, got %s", row.SLARiskLevel)
	}
}

func TestRefreshSummary_Idempotent(t *testing.T) {
	agg, reg := newTestAggregator(30)
	id := reg.Get(models.ProviderOpenAI, "gpt-4o", "surveys").ID
	for i := 0; i < 10; i++ {
		reg.RecordOutcome(id, registry.Observation{Success: true, LatencyMs: 400, CostPer1k: 0.01, Cost: 0.002})
	}

	first, err := agg.RefreshSummary(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := agg.RefreshSummary(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("row count changed across refreshes: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("row %d changed with no new activity:\n%+v\n%+v", i, first[i], second[i])
		}
	}
}

func TestRefreshSummary_DriftScore(t *testing.T) {
	agg, reg := newTestAggregator(10)
	id := reg.Get(models.ProviderOpenAI, "gpt-4o", "surveys").ID

	// A long run of successes followed by recent failures: the posterior
	// mean stays high while the success EWMA collapses.
	for i := 0; i < 50; i++ {
		reg.RecordOutcome(id, registry.Observation{Success: true, LatencyMs: 400, CostPer1k: 0.01, Cost: 0.002})
	}
	for i := 0; i < 10; i++ {
		reg.RecordOutcome(id, registry.Observation{Success: false, LatencyMs: 400, CostPer1k: 0.01, Cost: 0.002})
	}

	rows, err := agg.RefreshSummary(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := reg.Get(models.ProviderOpenAI, "gpt-4o", "surveys")
	want := math.Abs(snap.SuccessEWMA - snap.PosteriorMean())
	if got := rows[0].PerformanceDrift; math.Abs(got-want) > 1e-9 {
		t.Errorf("drift = %f, want %f", got, want)
	}
	if rows[0].PerformanceDrift < 0.2 {
		t.Errorf("expected visible drift after a failure streak, got %f", rows[0].PerformanceDrift)
	}
}

func TestSummary_FallsBackToRefreshWithoutCache(t *testing.T) {
	agg, reg := newTestAggregator(10)
	reg.Get(models.ProviderOpenAI, "gpt-4o", "surveys")

	rows, err := agg.Summary(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 row from uncached summary, got %d", len(rows))
	}
}

func TestCostBreakdownAndTrend(t *testing.T) {
	agg, _ := newTestAggregator(10)

	costs, err := agg.CostBreakdown(context.Background(), "t1", 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(costs) != 1 || costs[0].Feature != "surveys" {
		t.Errorf("unexpected cost rows: %+v", costs)
	}

	trend, err := agg.PerformanceTrend(context.Background(), "t1", 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trend) != 1 || trend[0].SuccessRate != 0.9 {
		t.Errorf("unexpected trend rows: %+v", trend)
	}
}
