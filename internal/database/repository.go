package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LoayCoder/tammal-sub006/pkg/models"
	"github.com/jackc/pgx/v5"
)

// AppendRoutingLog stores one completed attempt record. Rows are never
// updated or deleted afterwards.
func (db *DB) AppendRoutingLog(ctx context.Context, e *models.RoutingLogEntry) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO routing_log (
			id, tenant_id, feature, arm_id, provider, model, scope,
			routing_mode, w_quality, w_latency, w_cost, penalty_factor,
			success, used_fallback, duration_ms, input_tokens,
			output_tokens, cost_usd, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, e.ID, e.TenantID, e.Feature, e.ArmID, e.Provider, e.Model, e.Scope,
		e.RoutingMode, e.Weights.Quality, e.Weights.Latency, e.Weights.Cost,
		e.PenaltyFactor, e.Success, e.UsedFallback, e.DurationMs,
		e.InputTokens, e.OutputTokens, e.CostUSD, e.Timestamp)
	if err != nil {
		return fmt.Errorf("appending routing log: %w", err)
	}
	return nil
}

// RecentRoutingLogs returns the tenant's newest log entries, optionally
// filtered to one feature.
func (db *DB) RecentRoutingLogs(ctx context.Context, tenantID, feature string, limit int) ([]models.RoutingLogEntry, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, feature, arm_id, provider, model, scope,
		       routing_mode, w_quality, w_latency, w_cost, penalty_factor,
		       success, used_fallback, duration_ms, input_tokens,
		       output_tokens, cost_usd, timestamp
		FROM routing_log
		WHERE tenant_id = $1 AND ($2 = '' OR feature = $2)
		ORDER BY timestamp DESC
		LIMIT $3
	`
	rows, err := db.Pool.Query(ctx, query, tenantID, feature, limit)
	if err != nil {
		return nil, fmt.Errorf("querying routing logs: %w", err)
	}
	defer rows.Close()

	var out []models.RoutingLogEntry
	for rows.Next() {
		var e models.RoutingLogEntry
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.Feature, &e.ArmID, &e.Provider, &e.Model,
			&e.Scope, &e.RoutingMode, &e.Weights.Quality, &e.Weights.Latency,
			&e.Weights.Cost, &e.PenaltyFactor, &e.Success, &e.UsedFallback,
			&e.DurationMs, &e.InputTokens, &e.OutputTokens, &e.CostUSD,
			&e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning routing log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SpendSince sums routing-log cost for a tenant from the given instant.
// This is the authoritative spend figure; the Redis counter only caches it.
func (db *DB) SpendSince(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var spend float64
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM routing_log
		WHERE tenant_id = $1 AND timestamp >= $2
	`, tenantID, since).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("summing spend: %w", err)
	}
	return spend, nil
}

// CallsSince counts a tenant's attempts on one arm from the given instant.
func (db *DB) CallsSince(ctx context.Context, tenantID, armID string, since time.Time) (int64, error) {
	var calls int64
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM routing_log
		WHERE tenant_id = $1 AND arm_id = $2 AND timestamp >= $3
	`, tenantID, armID, since).Scan(&calls)
	if err != nil {
		return 0, fmt.Errorf("counting calls: %w", err)
	}
	return calls, nil
}

// DailyCost returns per-day cost aggregates grouped by feature and provider.
func (db *DB) DailyCost(ctx context.Context, tenantID string, since time.Time) ([]models.CostBreakdownRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT
			TO_CHAR(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			feature,
			provider,
			COUNT(*) AS calls,
			COALESCE(SUM(input_tokens + output_tokens), 0) AS tokens,
			COALESCE(SUM(cost_usd), 0) AS cost_usd
		FROM routing_log
		WHERE tenant_id = $1 AND timestamp >= $2
		GROUP BY day, feature, provider
		ORDER BY day, feature, provider
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("querying daily cost: %w", err)
	}
	defer rows.Close()

	var out []models.CostBreakdownRow
	for rows.Next() {
		var r models.CostBreakdownRow
		if err := rows.Scan(&r.Date, &r.Feature, &r.Provider, &r.Calls, &r.Tokens, &r.CostUSD); err != nil {
			return nil, fmt.Errorf("scanning daily cost: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DailyPerformance returns per-day latency and success aggregates grouped
// by provider.
func (db *DB) DailyPerformance(ctx context.Context, tenantID string, since time.Time) ([]models.PerformanceTrendRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT
			TO_CHAR(timestamp AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			provider,
			COUNT(*) AS calls,
			COUNT(*) FILTER (WHERE NOT success) AS errors,
			COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0) AS success_rate,
			COALESCE(AVG(duration_ms), 0) AS avg_latency_ms
		FROM routing_log
		WHERE tenant_id = $1 AND timestamp >= $2
		GROUP BY day, provider
		ORDER BY day, provider
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("querying daily performance: %w", err)
	}
	defer rows.Close()

	var out []models.PerformanceTrendRow
	for rows.Next() {
		var r models.PerformanceTrendRow
		if err := rows.Scan(&r.Date, &r.Provider, &r.Calls, &r.Errors, &r.SuccessRate, &r.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scanning daily performance: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAuditLog stores one administrative mutation record.
func (db *DB) AppendAuditLog(ctx context.Context, e *models.AuditLogEntry) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audit_log (
			id, tenant_id, actor, action, target_kind, target_id,
			before_json, after_json, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.TenantID, e.Actor, e.Action, e.TargetKind, e.TargetID,
		e.Before, e.After, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending audit log: %w", err)
	}
	return nil
}

// RecentAuditLogs returns the tenant's newest audit entries.
func (db *DB) RecentAuditLogs(ctx context.Context, tenantID string, limit int) ([]models.AuditLogEntry, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT id, tenant_id, actor, action, target_kind, target_id,
		       COALESCE(before_json, ''), COALESCE(after_json, ''), created_at
		FROM audit_log
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit logs: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.Actor, &e.Action, &e.TargetKind,
			&e.TargetID, &e.Before, &e.After, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetBudgetConfig retrieves a tenant's budget config, or nil when the
// tenant has never been configured.
func (db *DB) GetBudgetConfig(ctx context.Context, tenantID string) (*models.BudgetConfig, error) {
	var cfg models.BudgetConfig
	err := db.Pool.QueryRow(ctx, `
		SELECT tenant_id, monthly_budget, soft_limit_pct, routing_mode, created_at, updated_at
		FROM budget_configs WHERE tenant_id = $1
	`, tenantID).Scan(
		&cfg.TenantID, &cfg.MonthlyBudget, &cfg.SoftLimitPct,
		&cfg.RoutingMode, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying budget config: %w", err)
	}
	return &cfg, nil
}

// UpsertBudgetConfig creates or replaces a tenant's budget config.
func (db *DB) UpsertBudgetConfig(ctx context.Context, cfg *models.BudgetConfig) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO budget_configs (tenant_id, monthly_budget, soft_limit_pct, routing_mode)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET monthly_budget = EXCLUDED.monthly_budget,
		    soft_limit_pct = EXCLUDED.soft_limit_pct,
		    routing_mode = EXCLUDED.routing_mode,
		    updated_at = NOW()
	`, cfg.TenantID, cfg.MonthlyBudget, cfg.SoftLimitPct, cfg.RoutingMode)
	if err != nil {
		return fmt.Errorf("upserting budget config: %w", err)
	}
	return nil
}
