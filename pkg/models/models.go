// Package models defines the core data structures shared across the routing
// and governance engine.
package models

import "time"

// Provider represents a supported LLM API provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// RoutingMode is the administrator-selected weighting profile applied to the
// composite scoring function. It is stored per tenant on the BudgetConfig and
// read fresh on every route call; there is no process-wide mode.
type RoutingMode string

const (
	ModePerformance RoutingMode = "performance"
	ModeBalanced    RoutingMode = "balanced"
	ModeCostSaver   RoutingMode = "cost_saver"
)

// Valid reports whether m is one of the recognized routing modes.
func (m RoutingMode) Valid() bool {
	switch m {
	case ModePerformance, ModeBalanced, ModeCostSaver:
		return true
	}
	return false
}

// AdmissionDecision is the Budget Guard's verdict for a prospective call.
type AdmissionDecision string

const (
	AdmitAllow         AdmissionDecision = "allow"
	AdmitAllowDegraded AdmissionDecision = "allow_degraded"
	AdmitDeny          AdmissionDecision = "deny"
)

// RiskLevel classifies how close a tenant is to exhausting its budget.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ArmSnapshot is a point-in-time copy of a routing arm's state, safe to
// serialize and hand to dashboards. The live arm record (with its lock) is
// owned by the registry and never leaves it.
type ArmSnapshot struct {
	ID            string    `json:"id"`
	Provider      Provider  `json:"provider"`
	Model         string    `json:"model"`
	Scope         string    `json:"scope"`
	Alpha         float64   `json:"alpha"`
	Beta          float64   `json:"beta"`
	LatencyEWMA   float64   `json:"latency_ms_ewma"`
	QualityEWMA   float64   `json:"quality_ewma"`
	SuccessEWMA   float64   `json:"success_rate_ewma"`
	CostPer1kEWMA float64   `json:"cost_per_1k_ewma"`
	CostEWMA      float64   `json:"cost_ewma"`
	SampleCount   int64     `json:"sample_count"`
	LastCallAt    time.Time `json:"last_call_at"`
	CreatedSeq    int64     `json:"created_seq"`
}

// PosteriorMean returns the arm's believed success probability.
func (a ArmSnapshot) PosteriorMean() float64 {
	return a.Alpha / (a.Alpha + a.Beta)
}

// Penalty is a temporary multiplicative score discount on an arm.
// It never mutates the arm's posterior; a cleared or expired penalty has
// no effect on scoring.
type Penalty struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	ArmID     string     `json:"arm_id"`
	Factor    float64    `json:"factor"` // 0 < factor <= 1
	Reason    string     `json:"reason"`
	AppliedAt time.Time  `json:"applied_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the penalty has lapsed as of now.
func (p Penalty) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// BudgetConfig holds a tenant's monthly budget and routing preferences.
// Mutated only via update_budget / switch_strategy.
type BudgetConfig struct {
	TenantID      string      `json:"tenant_id" db:"tenant_id"`
	MonthlyBudget float64     `json:"monthly_budget" db:"monthly_budget"`
	SoftLimitPct  float64     `json:"soft_limit_percentage" db:"soft_limit_pct"`
	RoutingMode   RoutingMode `json:"routing_mode" db:"routing_mode"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// WeightTriple is the (quality, latency, cost) weighting selected by the
// effective routing mode for a single call.
type WeightTriple struct {
	Quality float64 `json:"w_quality"`
	Latency float64 `json:"w_latency"`
	Cost    float64 `json:"w_cost"`
}

// RoutingLogEntry is the append-only record of one completed call attempt.
// It is the sole source of truth for spend derivation and aggregation, and
// is immutable once written.
type RoutingLogEntry struct {
	ID            string       `json:"id" db:"id"`
	TenantID      string       `json:"tenant_id" db:"tenant_id"`
	Feature       string       `json:"feature" db:"feature"`
	ArmID         string       `json:"arm_id" db:"arm_id"`
	Provider      Provider     `json:"provider" db:"provider"`
	Model         string       `json:"model" db:"model"`
	Scope         string       `json:"scope" db:"scope"`
	RoutingMode   RoutingMode  `json:"routing_mode" db:"routing_mode"`
	Weights       WeightTriple `json:"weights"`
	PenaltyFactor float64      `json:"penalty_factor" db:"penalty_factor"`
	Success       bool         `json:"success" db:"success"`
	UsedFallback  bool         `json:"used_fallback" db:"used_fallback"`
	DurationMs    int64        `json:"duration_ms" db:"duration_ms"`
	InputTokens   int64        `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int64        `json:"output_tokens" db:"output_tokens"`
	CostUSD       float64      `json:"cost_usd" db:"cost_usd"`
	Timestamp     time.Time    `json:"timestamp" db:"timestamp"`
}

// GovernanceSummaryRow is the derived projection joining arm state, budget
// config, and recent routing-log aggregates. It is never authoritative and
// is always reconstructible from the routing log plus current arm and
// budget state.
type GovernanceSummaryRow struct {
	TenantID             string      `json:"tenant_id"`
	ArmID                string      `json:"arm_id"`
	Provider             Provider    `json:"provider"`
	Model                string      `json:"model"`
	Scope                string      `json:"scope"`
	PosteriorMean        float64     `json:"posterior_mean"`
	LatencyEWMA          float64     `json:"latency_ms_ewma"`
	CostEWMA             float64     `json:"cost_ewma"`
	SampleCount          int64       `json:"sample_count"`
	PerformanceDrift     float64     `json:"performance_drift_score"`
	CallsLast24h         int64       `json:"calls_last_24h"`
	SpendToDate          float64     `json:"spend_to_date"`
	UsagePct             float64     `json:"usage_percentage"`
	BurnRate             float64     `json:"burn_rate"`
	ProjectedMonthlyCost float64     `json:"projected_monthly_cost"`
	SLARiskLevel         RiskLevel   `json:"sla_risk_level"`
	RoutingMode          RoutingMode `json:"routing_mode"`
	RefreshedAt          time.Time   `json:"refreshed_at"`
}

// CostBreakdownRow is one daily cost aggregate per (date, feature, provider).
type CostBreakdownRow struct {
	Date     string   `json:"date"`
	Feature  string   `json:"feature"`
	Provider Provider `json:"provider"`
	Calls    int64    `json:"calls"`
	Tokens   int64    `json:"tokens"`
	CostUSD  float64  `json:"cost_usd"`
}

// PerformanceTrendRow is one daily latency/error/success aggregate per
// (date, provider).
type PerformanceTrendRow struct {
	Date         string   `json:"date"`
	Provider     Provider `json:"provider"`
	Calls        int64    `json:"calls"`
	Errors       int64    `json:"errors"`
	SuccessRate  float64  `json:"success_rate"`
	AvgLatencyMs float64  `json:"avg_latency_ms"`
}

// AuditLogEntry records a single administrative mutation. Append-only.
type AuditLogEntry struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	Actor      string    `json:"actor" db:"actor"`
	Action     string    `json:"action" db:"action"`
	TargetKind string    `json:"target_kind" db:"target_kind"`
	TargetID   string    `json:"target_id" db:"target_id"`
	Before     string    `json:"before,omitempty" db:"before_json"`
	After      string    `json:"after,omitempty" db:"after_json"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
