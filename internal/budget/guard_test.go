package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LoayCoder/tammal-sub006/internal/audit"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	configs  map[string]*models.BudgetConfig
	spend    map[string]float64
	spendErr error
}

func newMemStore() *memStore {
	return &memStore{
		configs: make(map[string]*models.BudgetConfig),
		spend:   make(map[string]float64),
	}
}

func (s *memStore) GetBudgetConfig(_ context.Context, tenantID string) (*models.BudgetConfig, error) {
	return s.configs[tenantID], nil
}

func (s *memStore) UpsertBudgetConfig(_ context.Context, cfg *models.BudgetConfig) error {
	s.configs[cfg.TenantID] = cfg
	return nil
}

func (s *memStore) SpendSince(_ context.Context, tenantID string, _ time.Time) (float64, error) {
	if s.spendErr != nil {
		return 0, s.spendErr
	}
	return s.spend[tenantID], nil
}

func newTestGuard(store Store, failOpen bool) *Guard {
	return NewGuard(store, nil, failOpen, 100, 80, audit.NewRecorder(nil))
}

func TestAdmit_UnderSoftLimit(t *testing.T) {
	store := newMemStore()
	store.spend["t1"] = 50
	g := newTestGuard(store, false)

	adm, err := g.Admit(context.Background(), "t1", 0.01)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm.Decision != models.AdmitAllow {
		t.Errorf("expected Allow at 50%%, got %s", adm.Decision)
	}
	if adm.Mode != models.ModeBalanced {
		t.Errorf("expected default balanced mode, got %s", adm.Mode)
	}
}

func TestAdmit_SoftLimitDegrades(t *testing.T) {
	store := newMemStore()
	store.spend["t1"] = 81 // monthly_budget=100, soft=80
	g := newTestGuard(store, false)

	adm, err := g.Admit(context.Background(), "t1", 0.01)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm.Decision != models.AdmitAllowDegraded {
		t.Errorf("expected AllowDegraded at 81%%, got %s", adm.Decision)
	}
	if adm.Mode != models.ModeCostSaver {
		t.Errorf("degraded call must run in cost_saver, got %s", adm.Mode)
	}
	if !adm.Degraded {
		t.Error("expected Degraded flag")
	}
	// The stored config (here: the default) must be untouched.
	cfg, _ := g.Config(context.Background(), "t1")
	if cfg.RoutingMode != models.ModeBalanced {
		t.Errorf("degraded admission mutated stored mode: %s", cfg.RoutingMode)
	}
}

func TestAdmit_HardLimitDenies(t *testing.T) {
	store := newMemStore()
	store.spend["t1"] = 100
	g := newTestGuard(store, false)

	adm, err := g.Admit(context.Background(), "t1", 0.01)
	if adm == nil || adm.Decision != models.AdmitDeny {
		t.Fatalf("expected Deny at 100%%, got %+v", adm)
	}

	var costErr *models.CostLimitExceededError
	if !errors.As(err, &costErr) {
		t.Fatalf("expected CostLimitExceededError, got %v", err)
	}
	if costErr.LimitType != "hard" {
		t.Errorf("expected limit type hard, got %s", costErr.LimitType)
	}
	if costErr.Percent != 100 {
		t.Errorf("expected percent 100, got %f", costErr.Percent)
	}
}

func TestAdmit_MonotonicGate(t *testing.T) {
	store := newMemStore()
	store.spend["t1"] = 120
	g := newTestGuard(store, false)

	// Once spend >= budget, every admit in the period denies.
	for i := 0; i < 5; i++ {
		adm, err := g.Admit(context.Background(), "t1", 0.5)
		if adm.Decision != models.AdmitDeny || err == nil {
			t.Fatalf("call %d: expected persistent Deny, got %s err=%v", i, adm.Decision, err)
		}
	}

	// Raising the budget reopens the gate.
	if _, err := g.UpdateConfig(context.Background(), "t1", 500, 80, models.ModeBalanced, "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	adm, err := g.Admit(context.Background(), "t1", 0.5)
	if err != nil || adm.Decision != models.AdmitAllow {
		t.Errorf("expected Allow after budget increase, got %s err=%v", adm.Decision, err)
	}
}

func TestAdmit_SpendErrorFailOpen(t *testing.T) {
	store := newMemStore()
	store.spendErr = errors.New("log unavailable")

	g := newTestGuard(store, true)
	adm, err := g.Admit(context.Background(), "t1", 0.01)
	if err != nil {
		t.Fatalf("fail-open guard should allow: %v", err)
	}
	if adm.Decision != models.AdmitAllow {
		t.Errorf("expected Allow when failing open, got %s", adm.Decision)
	}

	g = newTestGuard(store, false)
	if _, err := g.Admit(context.Background(), "t1", 0.01); err == nil {
		t.Error("fail-closed guard should surface the error")
	}
}

func TestUpdateConfig_Validation(t *testing.T) {
	g := newTestGuard(newMemStore(), false)
	ctx := context.Background()

	if _, err := g.UpdateConfig(ctx, "t1", 0, 80, models.ModeBalanced, "admin"); err == nil {
		t.Error("expected error for zero budget")
	}
	if _, err := g.UpdateConfig(ctx, "t1", 100, 101, models.ModeBalanced, "admin"); err == nil {
		t.Error("expected error for soft limit > 100")
	}
	if _, err := g.UpdateConfig(ctx, "t1", 100, -1, models.ModeBalanced, "admin"); err == nil {
		t.Error("expected error for negative soft limit")
	}
	if _, err := g.UpdateConfig(ctx, "t1", 100, 80, "turbo", "admin"); err == nil {
		t.Error("expected error for unknown routing mode")
	}

	cfg, err := g.UpdateConfig(ctx, "t1", 250, 75, models.ModeCostSaver, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MonthlyBudget != 250 || cfg.SoftLimitPct != 75 || cfg.RoutingMode != models.ModeCostSaver {
		t.Errorf("config not stored as requested: %+v", cfg)
	}
}

func TestSwitchMode(t *testing.T) {
	store := newMemStore()
	g := newTestGuard(store, false)
	ctx := context.Background()

	if _, err := g.UpdateConfig(ctx, "t1", 200, 70, models.ModeBalanced, "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := g.SwitchMode(ctx, "t1", models.ModePerformance, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RoutingMode != models.ModePerformance {
		t.Errorf("expected performance mode, got %s", cfg.RoutingMode)
	}
	if cfg.MonthlyBudget != 200 || cfg.SoftLimitPct != 70 {
		t.Error("switch_strategy must preserve budget figures")
	}

	if _, err := g.SwitchMode(ctx, "t1", "warp", "admin"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestRiskLevel(t *testing.T) {
	cases := []struct {
		pct, days float64
		want      models.RiskLevel
	}{
		{10, 90, models.RiskLow},
		{65, 90, models.RiskMedium},
		{50, 5, models.RiskMedium},
		{90, 90, models.RiskHigh},
		{50, 2, models.RiskHigh},
		{100, 0, models.RiskCritical},
		{150, 0, models.RiskCritical},
	}
	for _, c := range cases {
		if got := RiskLevel(c.pct, c.days); got != c.want {
			t.Errorf("RiskLevel(%f, %f) = %s, want %s", c.pct, c.days, got, c.want)
		}
	}
}

func TestMonthStart(t *testing.T) {
	ts := time.Date(2025, 6, 17, 13, 45, 0, 0, time.UTC)
	want := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if got := MonthStart(ts); !got.Equal(want) {
		t.Errorf("MonthStart = %v, want %v", got, want)
	}
}
