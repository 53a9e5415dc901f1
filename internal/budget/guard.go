// Package budget implements admission control against per-tenant monthly
// budgets.
//
// Spend is derived from the append-only routing log (with a Redis fast
// path), never stored as an authoritative counter. Because the log is a
// lagging, eventually-consistent view, a small number of concurrent calls
// admitted just under the boundary can push cumulative spend slightly past
// the monthly budget before the next admission check observes Deny. This
// soft overshoot is deliberate: the admission check must stay cheap and
// non-blocking, so there is no global lock across calls.
package budget

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LoayCoder/tammal-sub006/internal/audit"
	"github.com/LoayCoder/tammal-sub006/pkg/cache"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

// Store provides budget configs and log-derived spend. Implemented by the
// database layer.
type Store interface {
	// GetBudgetConfig returns the tenant's config, or nil if none is stored.
	GetBudgetConfig(ctx context.Context, tenantID string) (*models.BudgetConfig, error)
	UpsertBudgetConfig(ctx context.Context, cfg *models.BudgetConfig) error
	// SpendSince sums routing-log cost for the tenant from the given instant.
	SpendSince(ctx context.Context, tenantID string, since time.Time) (float64, error)
}

// Admission is the Budget Guard's verdict for one prospective call.
type Admission struct {
	Decision models.AdmissionDecision `json:"decision"`
	Pct      float64                  `json:"usage_percentage"`
	// Mode is the effective routing mode for this call only. On a degraded
	// admission it is forced to cost_saver without mutating stored config.
	Mode     models.RoutingMode `json:"routing_mode"`
	Degraded bool               `json:"degraded"`
}

// Guard performs admission checks and owns BudgetConfig mutation.
type Guard struct {
	store    Store
	cache    *cache.Cache // optional fast path; nil falls back to the store
	failOpen bool

	defaultBudget  float64
	defaultSoftPct float64

	auditor *audit.Recorder
	now     func() time.Time
}

// NewGuard creates a Guard. cache may be nil; failOpen controls behavior
// when spend cannot be read at all.
func NewGuard(store Store, c *cache.Cache, failOpen bool, defaultBudget, defaultSoftPct float64, auditor *audit.Recorder) *Guard {
	return &Guard{
		store:          store,
		cache:          c,
		failOpen:       failOpen,
		defaultBudget:  defaultBudget,
		defaultSoftPct: defaultSoftPct,
		auditor:        auditor,
		now:            time.Now,
	}
}

// MonthStart returns the first instant of t's billing month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Admit gates a prospective call for the tenant.
//
//   - usage below the soft limit: Allow, tenant's stored routing mode.
//   - usage at or past the soft limit but under 100%: AllowDegraded, the
//     call runs with cost_saver weighting and cheapest-tier candidates.
//   - usage at or past 100%: Deny, with CostLimitExceededError("hard", pct).
//
// The estimated cost of the call is accepted for interface stability but
// does not move the thresholds: the gate is computed from observed spend
// only, accepting the documented soft overshoot.
func (g *Guard) Admit(ctx context.Context, tenantID string, estimatedCost float64) (*Admission, error) {
	cfg, err := g.Config(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("budget: loading config for %s: %w", tenantID, err)
	}

	spend, err := g.SpendToDate(ctx, tenantID)
	if err != nil {
		if g.failOpen {
			log.Printf("budget: spend unavailable for %s, failing open: %v", tenantID, err)
			return &Admission{Decision: models.AdmitAllow, Mode: cfg.RoutingMode}, nil
		}
		return nil, fmt.Errorf("budget: spend unavailable for %s: %w", tenantID, err)
	}

	pct := 100 * spend / cfg.MonthlyBudget

	switch {
	case pct >= 100:
		return &Admission{Decision: models.AdmitDeny, Pct: pct, Mode: cfg.RoutingMode},
			&models.CostLimitExceededError{LimitType: "hard", Percent: pct}
	case pct >= cfg.SoftLimitPct:
		return &Admission{Decision: models.AdmitAllowDegraded, Pct: pct, Mode: models.ModeCostSaver, Degraded: true}, nil
	default:
		return &Admission{Decision: models.AdmitAllow, Pct: pct, Mode: cfg.RoutingMode}, nil
	}
}

// SpendToDate returns the tenant's spend in the current billing month,
// preferring the Redis counter and falling back to (and re-warming from)
// the routing-log sum.
func (g *Guard) SpendToDate(ctx context.Context, tenantID string) (float64, error) {
	month := MonthStart(g.now())

	if g.cache != nil {
		spend, found, err := g.cache.GetMonthSpend(ctx, tenantID, month)
		if err == nil && found {
			return spend, nil
		}
		if err != nil {
			log.Printf("budget: cache read failed for %s, falling back to log: %v", tenantID, err)
		}
	}

	spend, err := g.store.SpendSince(ctx, tenantID, month)
	if err != nil {
		return 0, err
	}

	if g.cache != nil {
		if err := g.cache.SetMonthSpend(ctx, tenantID, month, spend); err != nil {
			log.Printf("budget: cache warm failed for %s: %v", tenantID, err)
		}
	}
	return spend, nil
}

// NoteSpend folds a freshly logged cost into the fast-path counter. The
// routing log remains the source of truth; a lost increment only delays
// the gate by one cache refresh.
func (g *Guard) NoteSpend(ctx context.Context, tenantID string, cost float64) {
	if g.cache == nil || cost <= 0 {
		return
	}
	if _, err := g.cache.IncrMonthSpend(ctx, tenantID, MonthStart(g.now()), cost); err != nil {
		log.Printf("budget: spend increment failed for %s: %v", tenantID, err)
	}
}

// Config returns the tenant's stored config, or defaults (balanced mode)
// when none exists yet.
func (g *Guard) Config(ctx context.Context, tenantID string) (*models.BudgetConfig, error) {
	cfg, err := g.store.GetBudgetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return &models.BudgetConfig{
			TenantID:      tenantID,
			MonthlyBudget: g.defaultBudget,
			SoftLimitPct:  g.defaultSoftPct,
			RoutingMode:   models.ModeBalanced,
		}, nil
	}
	return cfg, nil
}

// UpdateConfig validates and replaces the tenant's budget config and
// writes one audit entry.
func (g *Guard) UpdateConfig(ctx context.Context, tenantID string, monthlyBudget, softLimitPct float64, mode models.RoutingMode, actor string) (*models.BudgetConfig, error) {
	if monthlyBudget <= 0 {
		return nil, fmt.Errorf("budget: monthly_budget must be > 0, got %f", monthlyBudget)
	}
	if softLimitPct < 0 || softLimitPct > 100 {
		return nil, fmt.Errorf("budget: soft_limit_percentage must be in [0,100], got %f", softLimitPct)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("budget: unknown routing mode %q", mode)
	}

	before, err := g.store.GetBudgetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	cfg := &models.BudgetConfig{
		TenantID:      tenantID,
		MonthlyBudget: monthlyBudget,
		SoftLimitPct:  softLimitPct,
		RoutingMode:   mode,
		UpdatedAt:     g.now(),
	}
	if err := g.store.UpsertBudgetConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("budget: storing config for %s: %w", tenantID, err)
	}

	g.auditor.Record(ctx, audit.Entry{
		TenantID:   tenantID,
		Actor:      actor,
		Action:     "update_budget",
		TargetKind: "budget_config",
		TargetID:   tenantID,
		Before:     before,
		After:      cfg,
	})
	return cfg, nil
}

// SwitchMode overrides only the tenant's routing mode, preserving budget
// figures, and writes one audit entry.
func (g *Guard) SwitchMode(ctx context.Context, tenantID string, mode models.RoutingMode, actor string) (*models.BudgetConfig, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("budget: unknown routing mode %q", mode)
	}

	before, err := g.Config(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	cfg := *before
	cfg.RoutingMode = mode
	cfg.UpdatedAt = g.now()
	if err := g.store.UpsertBudgetConfig(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("budget: storing mode for %s: %w", tenantID, err)
	}

	g.auditor.Record(ctx, audit.Entry{
		TenantID:   tenantID,
		Actor:      actor,
		Action:     "switch_strategy",
		TargetKind: "budget_config",
		TargetID:   tenantID,
		Before:     before,
		After:      &cfg,
	})
	return &cfg, nil
}

// RiskLevel derives the SLA risk surfaced to dashboards from usage
// percentage and projected days until the budget is exhausted at the
// current burn rate. It is computed on read, never stored.
func RiskLevel(pct, daysToExhaustion float64) models.RiskLevel {
	switch {
	case pct >= 100:
		return models.RiskCritical
	case pct >= 85 || (daysToExhaustion > 0 && daysToExhaustion <= 3):
		return models.RiskHigh
	case pct >= 60 || (daysToExhaustion > 0 && daysToExhaustion <= 7):
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}
