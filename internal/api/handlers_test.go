package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LoayCoder/tammal-sub006/internal/audit"
	"github.com/LoayCoder/tammal-sub006/internal/budget"
	"github.com/LoayCoder/tammal-sub006/internal/governance"
	"github.com/LoayCoder/tammal-sub006/internal/middleware"
	"github.com/LoayCoder/tammal-sub006/internal/penalty"
	"github.com/LoayCoder/tammal-sub006/internal/provider"
	"github.com/LoayCoder/tammal-sub006/internal/registry"
	"github.com/LoayCoder/tammal-sub006/internal/router"
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

type memAuditStore struct {
	mu      sync.Mutex
	entries []models.AuditLogEntry
}

func (s *memAuditStore) AppendAuditLog(_ context.Context, e *models.AuditLogEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, *e)
	s.mu.Unlock()
	return nil
}

func (s *memAuditStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type memAggStore struct{}

func (memAggStore) CallsSince(context.Context, string, string, time.Time) (int64, error) {
	return 0, nil
}

func (memAggStore) DailyCost(context.Context, string, time.Time) ([]models.CostBreakdownRow, error) {
	return nil, nil
}

func (memAggStore) DailyPerformance(context.Context, string, time.Time) ([]models.PerformanceTrendRow, error) {
	return nil, nil
}

type okClient struct{}

func (okClient) Invoke(_ context.Context, _ provider.Request) (*provider.Outcome, error) {
	return &provider.Outcome{
		Success: true, StatusCode: 200,
		InputTokens: 100, OutputTokens: 50,
		Body: []byte(`{"text":"hello"}`),
	}, nil
}

type testEnv struct {
	engine *gin.Engine
	audits *memAuditStore
	store  *memBudgetStore
	reg    *registry.Registry
	pm     *penalty.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	audits := &memAuditStore{}
	auditor := audit.NewRecorder(audits)
	store := newMemBudgetStore()
	reg := registry.New(0.9, auditor)
	pm := penalty.NewManager(auditor)
	guard := budget.NewGuard(store, nil, false, 100, 80, auditor)
	agg := governance.New(memAggStore{}, reg, guard, nil)

	catalog := []provider.ModelSpec{
		{Provider: models.ProviderOpenAI, Model: "gpt-4o-mini", Tier: provider.TierEconomy, InputPerM: 0.15, OutputPerM: 0.6},
	}
	rt := router.New(reg, pm, guard, nil, map[models.Provider]provider.Client{
		models.ProviderOpenAI: okClient{},
	}, catalog, 2, time.Second)

	h := &Handler{
		Router:     rt,
		Registry:   reg,
		Guard:      guard,
		Penalties:  pm,
		Aggregator: agg,
	}

	engine := gin.New()
	engine.Use(middleware.RecoveryMiddleware())
	tenanted := engine.Group("/", middleware.TenantMiddleware())
	tenanted.POST("/v1/route", h.HandleRoute)
	tenanted.POST("/api/v1/engine", h.HandleDispatch)
	tenanted.GET("/api/v1/arms", h.HandleArms)

	return &testEnv{engine: engine, audits: audits, store: store, reg: reg, pm: pm}
}

func (e *testEnv) dispatch(t *testing.T, tenant, action string, params any) *httptest.ResponseRecorder {
	t.Helper()
	body := map[string]any{"action": action}
	if params != nil {
		body["params"] = params
	}
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/engine", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenant)
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func TestDispatch_UnknownAction(t *testing.T) {
	env := newTestEnv(t)
	w := env.dispatch(t, "t1", "explode", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown action, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDispatch_MissingTenantRejected(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/engine",
		bytes.NewReader([]byte(`{"action":"get_summary"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without tenant header, got %d", w.Code)
	}
}

func TestDispatch_UpdateBudgetRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	w := env.dispatch(t, "t1", "update_budget", map[string]any{
		"monthly_budget":        250.0,
		"soft_limit_percentage": 75.0,
		"routing_mode":          "cost_saver",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update_budget failed: %d %s", w.Code, w.Body.String())
	}
	if got := env.audits.count(); got != 1 {
		t.Errorf("expected exactly 1 audit entry after update_budget, got %d", got)
	}

	w = env.dispatch(t, "t1", "get_budget_config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get_budget_config failed: %d", w.Code)
	}
	var resp struct {
		Data models.BudgetConfig `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Data.MonthlyBudget != 250 || resp.Data.RoutingMode != models.ModeCostSaver {
		t.Errorf("config not persisted as sent: %+v", resp.Data)
	}

	// Reads must not add audit entries.
	if got := env.audits.count(); got != 1 {
		t.Errorf("read added audit entries: %d", got)
	}
}

func TestDispatch_InvalidBudgetRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.dispatch(t, "t1", "update_budget", map[string]any{
		"monthly_budget":        -5.0,
		"soft_limit_percentage": 80.0,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative budget, got %d", w.Code)
	}
	if env.audits.count() != 0 {
		t.Error("rejected mutation must not write an audit entry")
	}
}

func TestDispatch_PenaltyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	armID := env.reg.Get(models.ProviderOpenAI, "gpt-4o-mini", "surveys").ID

	w := env.dispatch(t, "t1", "apply_penalty", map[string]any{
		"arm_id": armID,
		"factor": 0.5,
		"reason": "latency regression",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("apply_penalty failed: %d %s", w.Code, w.Body.String())
	}
	var applied struct {
		Data models.Penalty `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &applied); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	w = env.dispatch(t, "t1", "get_penalties", nil)
	var listed struct {
		Data []models.Penalty `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(listed.Data) != 1 {
		t.Fatalf("expected 1 penalty listed, got %d", len(listed.Data))
	}

	// Another tenant cannot clear it.
	w = env.dispatch(t, "t2", "clear_penalty", map[string]any{"penalty_id": applied.Data.ID})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 clearing cross-tenant, got %d", w.Code)
	}

	w = env.dispatch(t, "t1", "clear_penalty", map[string]any{"penalty_id": applied.Data.ID})
	if w.Code != http.StatusOK {
		t.Errorf("clear_penalty failed: %d %s", w.Code, w.Body.String())
	}

	// apply + clear = 2 audit entries; the rejected cross-tenant clear adds none.
	if got := env.audits.count(); got != 2 {
		t.Errorf("expected 2 audit entries, got %d", got)
	}
}

func TestDispatch_ResetPosterior(t *testing.T) {
	env := newTestEnv(t)
	armID := env.reg.Get(models.ProviderOpenAI, "gpt-4o-mini", "surveys").ID
	for i := 0; i < 10; i++ {
		env.reg.RecordOutcome(armID, registry.Observation{Success: true, LatencyMs: 400})
	}

	w := env.dispatch(t, "t1", "reset_posterior", map[string]any{"arm_id": armID})
	if w.Code != http.StatusOK {
		t.Fatalf("reset_posterior failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data models.ArmSnapshot `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Data.Alpha != 1 || resp.Data.Beta != 1 || resp.Data.SampleCount != 0 {
		t.Errorf("arm not reset: %+v", resp.Data)
	}

	w = env.dispatch(t, "t1", "reset_posterior", map[string]any{"arm_id": "openai:no-such:scope"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown arm, got %d", w.Code)
	}
}

func TestDispatch_StorageUnavailable(t *testing.T) {
	env := newTestEnv(t)
	for _, action := range []string{"get_routing_logs", "get_audit_log"} {
		w := env.dispatch(t, "t1", action, nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503 without storage, got %d", action, w.Code)
		}
	}
}

func TestDispatch_GetSummary(t *testing.T) {
	env := newTestEnv(t)
	env.reg.Get(models.ProviderOpenAI, "gpt-4o-mini", "surveys")

	w := env.dispatch(t, "t1", "get_summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get_summary failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data []models.GovernanceSummaryRow `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Errorf("expected 1 summary row, got %d", len(resp.Data))
	}
}

func TestHandleRoute_Success(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"feature":"surveys","payload":{"prompt":"hi"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/route", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "t1")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("route failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			Provider string `json:"provider"`
			Model    string `json:"model"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Data.Model != "gpt-4o-mini" {
		t.Errorf("unexpected model: %s", resp.Data.Model)
	}
}

func TestHandleRoute_BudgetDenied(t *testing.T) {
	env := newTestEnv(t)
	env.store.spend["t1"] = 150 // past the default 100 budget

	payload := []byte(`{"feature":"surveys"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/route", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "t1")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402 when over budget, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleArms_ScopeFilter(t *testing.T) {
	env := newTestEnv(t)
	env.reg.Get(models.ProviderOpenAI, "gpt-4o-mini", "surveys")
	env.reg.Get(models.ProviderOpenAI, "gpt-4o-mini", "reports")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/arms?scope=surveys", nil)
	req.Header.Set("X-Tenant-ID", "t1")
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("arms listing failed: %d", w.Code)
	}
	var resp struct {
		Data []models.ArmSnapshot `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("expected 1 arm in scope, got %d", len(resp.Data))
	}
	if resp.Data[0].Scope != "surveys" {
		t.Errorf("wrong scope returned: %s", resp.Data[0].Scope)
	}
}
