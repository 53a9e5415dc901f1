// Package governance computes derived read models over the routing log,
// the arm registry, and budget configs.
//
// Every output here is a projection: nothing it produces is authoritative,
// and any row can be rebuilt from the routing log plus current arm and
// budget state. The summary is cached in Redis with last-writer-wins
// semantics because concurrent refreshes converge on the same data.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/LoayCoder/tammal-sub006/internal/budget"
	"github.com/LoayCoder/tammal-sub006/internal/registry"
	"github.com/LoayCoder/tammal-sub006/pkg/cache"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

// Store provides the routing-log aggregates the projections are built
// from. Implemented by the database layer.
type Store interface {
	CallsSince(ctx context.Context, tenantID, armID string, since time.Time) (int64, error)
	DailyCost(ctx context.Context, tenantID string, since time.Time) ([]models.CostBreakdownRow, error)
	DailyPerformance(ctx context.Context, tenantID string, since time.Time) ([]models.PerformanceTrendRow, error)
}

// Aggregator builds governance projections on demand.
type Aggregator struct {
	store    Store
	registry *registry.Registry
	guard    *budget.Guard
	cache    *cache.Cache // optional; nil disables the summary projection cache

	now func() time.Time
}

// New creates an Aggregator. cache may be nil.
func New(store Store, reg *registry.Registry, guard *budget.Guard, c *cache.Cache) *Aggregator {
	return &Aggregator{
		store:    store,
		registry: reg,
		guard:    guard,
		cache:    c,
		now:      time.Now,
	}
}

// RefreshSummary recomputes the tenant's governance summary from current
// state and replaces the cached projection. Refreshing twice with no new
// routing activity produces the same rows, so concurrent refreshes are
// harmless.
func (a *Aggregator) RefreshSummary(ctx context.Context, tenantID string) ([]models.GovernanceSummaryRow, error) {
	cfg, err := a.guard.Config(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("governance: loading config for %s: %w", tenantID, err)
	}
	spend, err := a.guard.SpendToDate(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("governance: spend for %s: %w", tenantID, err)
	}

	now := a.now().UTC()
	monthStart := budget.MonthStart(now)
	daysElapsed := now.Sub(monthStart).Hours() / 24
	if daysElapsed < 1 {
		daysElapsed = 1
	}
	daysInMonth := float64(time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day())

	burnRate := spend / daysElapsed
	projected := burnRate * daysInMonth
	usagePct := 100 * spend / cfg.MonthlyBudget

	var daysToExhaustion float64
	if burnRate > 0 && spend < cfg.MonthlyBudget {
		daysToExhaustion = (cfg.MonthlyBudget - spend) / burnRate
	}
	risk := budget.RiskLevel(usagePct, daysToExhaustion)

	dayAgo := now.Add(-24 * time.Hour)
	arms := a.registry.List("")
	rows := make([]models.GovernanceSummaryRow, 0, len(arms))
	for _, arm := range arms {
		var calls24h int64
		if a.store != nil {
			calls24h, err = a.store.CallsSince(ctx, tenantID, arm.ID, dayAgo)
			if err != nil {
				return nil, fmt.Errorf("governance: calls for arm %s: %w", arm.ID, err)
			}
		}

		rows = append(rows, models.GovernanceSummaryRow{
			TenantID:      tenantID,
			ArmID:         arm.ID,
			Provider:      arm.Provider,
			Model:         arm.Model,
			Scope:         arm.Scope,
			PosteriorMean: arm.PosteriorMean(),
			LatencyEWMA:   arm.LatencyEWMA,
			CostEWMA:      arm.CostEWMA,
			SampleCount:   arm.SampleCount,
			// Drift is the gap between the recency-weighted success rate and
			// the all-time posterior mean; a large gap means recent behavior
			// diverged from the long-run belief.
			PerformanceDrift:     math.Abs(arm.SuccessEWMA - arm.PosteriorMean()),
			CallsLast24h:         calls24h,
			SpendToDate:          spend,
			UsagePct:             usagePct,
			BurnRate:             burnRate,
			ProjectedMonthlyCost: projected,
			SLARiskLevel:         risk,
			RoutingMode:          cfg.RoutingMode,
			RefreshedAt:          now,
		})
	}

	a.cacheSummary(ctx, tenantID, rows)
	return rows, nil
}

// Summary returns the cached projection when present, recomputing it on a
// miss.
func (a *Aggregator) Summary(ctx context.Context, tenantID string) ([]models.GovernanceSummaryRow, error) {
	if a.cache != nil {
		payload, err := a.cache.GetSummary(ctx, tenantID)
		if err != nil {
			log.Printf("governance: summary cache read failed for %s: %v", tenantID, err)
		} else if payload != "" {
			var rows []models.GovernanceSummaryRow
			if err := json.Unmarshal([]byte(payload), &rows); err == nil {
				return rows, nil
			}
			log.Printf("governance: discarding malformed cached summary for %s", tenantID)
		}
	}
	return a.RefreshSummary(ctx, tenantID)
}

// CostBreakdown returns daily (date, feature, provider) cost aggregates for
// the trailing window.
func (a *Aggregator) CostBreakdown(ctx context.Context, tenantID string, days int) ([]models.CostBreakdownRow, error) {
	if a.store == nil {
		return nil, fmt.Errorf("governance: routing log store unavailable")
	}
	if days < 1 {
		days = 30
	}
	since := a.now().UTC().AddDate(0, 0, -days)
	return a.store.DailyCost(ctx, tenantID, since)
}

// PerformanceTrend returns daily per-provider latency and success aggregates
// for the trailing window.
func (a *Aggregator) PerformanceTrend(ctx context.Context, tenantID string, days int) ([]models.PerformanceTrendRow, error) {
	if a.store == nil {
		return nil, fmt.Errorf("governance: routing log store unavailable")
	}
	if days < 1 {
		days = 30
	}
	since := a.now().UTC().AddDate(0, 0, -days)
	return a.store.DailyPerformance(ctx, tenantID, since)
}

func (a *Aggregator) cacheSummary(ctx context.Context, tenantID string, rows []models.GovernanceSummaryRow) {
	if a.cache == nil {
		return
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		log.Printf("governance: summary marshal failed for %s: %v", tenantID, err)
		return
	}
	if err := a.cache.SetSummary(ctx, tenantID, string(payload)); err != nil {
		log.Printf("governance: summary cache write failed for %s: %v", tenantID, err)
	}
}
