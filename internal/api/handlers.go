// Package api implements the HTTP surface of the routing engine: the
// feature-facing route endpoint and the action-dispatch governance
// endpoint used by admin consoles.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LoayCoder/tammal-sub006/internal/budget"
	"github.com/LoayCoder/tammal-sub006/internal/database"
	"github.com/LoayCoder/tammal-sub006/internal/governance"
	"github.com/LoayCoder/tammal-sub006/internal/middleware"
	"github.com/LoayCoder/tammal-sub006/internal/penalty"
	"github.com/LoayCoder/tammal-sub006/internal/provider"
	"github.com/LoayCoder/tammal-sub006/internal/registry"
	"github.com/LoayCoder/tammal-sub006/internal/router"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

// Handler holds the engine components the HTTP surface delegates to.
type Handler struct {
	Router     *router.Router
	Registry   *registry.Registry
	Guard      *budget.Guard
	Penalties  *penalty.Manager
	Aggregator *governance.Aggregator
	DB         *database.DB // nil in degraded mode; log-backed reads 503
}

// dispatchRequest is the envelope for the action-dispatch endpoint. Every
// governance operation arrives as one of these.
type dispatchRequest struct {
	Action string          `json:"action" binding:"required"`
	Params json.RawMessage `json:"params"`
}

// routeRequest is the body of the feature-facing route endpoint.
type routeRequest struct {
	Feature   string          `json:"feature" binding:"required"`
	Scope     string          `json:"scope"`
	Payload   json.RawMessage `json:"payload"`
	MaxTokens int             `json:"max_tokens"`
}

func tenantOf(c *gin.Context) string {
	return c.GetString(middleware.TenantKey)
}

func actorOf(c *gin.Context) string {
	if actor := c.GetString(middleware.ActorKey); actor != "" {
		return actor
	}
	return "admin"
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

// HandleRoute serves POST /v1/route: one admission-checked, Thompson-routed
// provider call on behalf of a product feature.
func (h *Handler) HandleRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	scope := req.Scope
	if scope == "" {
		scope = req.Feature
	}

	res, err := h.Router.Route(c.Request.Context(), tenantOf(c), req.Feature, scope, provider.Request{
		Feature:   req.Feature,
		Payload:   req.Payload,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		h.failRoute(c, err)
		return
	}

	ok(c, gin.H{
		"arm_id":        res.ArmID,
		"provider":      res.Provider,
		"model":         res.Model,
		"used_fallback": res.UsedFallback,
		"degraded":      res.Degraded,
		"attempts":      res.Attempts,
		"routing_mode":  res.Mode,
		"response":      json.RawMessage(res.Outcome.Body),
	})
}

// failRoute maps domain errors to HTTP statuses. Unknown errors are
// reported as internal without leaking detail.
func (h *Handler) failRoute(c *gin.Context, err error) {
	var (
		costErr    *models.CostLimitExceededError
		rateErr    *models.RateLimitExceededError
		timeoutErr *models.AIProviderTimeoutError
		unavailErr *models.ServiceUnavailableError
		invalidErr *models.AIResponseInvalidError
	)
	switch {
	case errors.As(err, &costErr):
		fail(c, http.StatusPaymentRequired, "cost_limit_exceeded", costErr.Error())
	case errors.As(err, &rateErr):
		fail(c, http.StatusTooManyRequests, "rate_limit_exceeded", rateErr.Error())
	case errors.As(err, &timeoutErr):
		fail(c, http.StatusGatewayTimeout, "ai_provider_timeout", timeoutErr.Error())
	case errors.As(err, &unavailErr):
		fail(c, http.StatusServiceUnavailable, "service_unavailable", unavailErr.Error())
	case errors.As(err, &invalidErr):
		fail(c, http.StatusBadGateway, "ai_response_invalid", invalidErr.Error())
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, "internal_error", "Routing failed.")
	}
}

// HandleDispatch serves POST /api/v1/engine: a single admin endpoint
// multiplexing every governance operation by action name. The tenant comes
// from the authenticated context, never from params, so cross-tenant
// requests are unrepresentable.
func (h *Handler) HandleDispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch req.Action {
	case "get_summary":
		h.getSummary(c)
	case "refresh_summary":
		h.refreshSummary(c)
	case "get_cost_breakdown":
		h.getCostBreakdown(c, req.Params)
	case "get_performance_trend":
		h.getPerformanceTrend(c, req.Params)
	case "get_routing_logs":
		h.getRoutingLogs(c, req.Params)
	case "get_budget_config":
		h.getBudgetConfig(c)
	case "update_budget":
		h.updateBudget(c, req.Params)
	case "switch_strategy":
		h.switchStrategy(c, req.Params)
	case "get_penalties":
		h.getPenalties(c)
	case "apply_penalty":
		h.applyPenalty(c, req.Params)
	case "clear_penalty":
		h.clearPenalty(c, req.Params)
	case "reset_posterior":
		h.resetPosterior(c, req.Params)
	case "get_audit_log":
		h.getAuditLog(c, req.Params)
	default:
		fail(c, http.StatusBadRequest, "unknown_action", "Unrecognized action: "+req.Action)
	}
}

func (h *Handler) getSummary(c *gin.Context) {
	rows, err := h.Aggregator.Summary(c.Request.Context(), tenantOf(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, "summary_failed", err.Error())
		return
	}
	ok(c, rows)
}

func (h *Handler) refreshSummary(c *gin.Context) {
	rows, err := h.Aggregator.RefreshSummary(c.Request.Context(), tenantOf(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, "summary_failed", err.Error())
		return
	}
	ok(c, rows)
}

func (h *Handler) getCostBreakdown(c *gin.Context, params json.RawMessage) {
	var p struct {
		Days int `json:"days"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			fail(c, http.StatusBadRequest, "invalid_params", err.Error())
			return
		}
	}
	rows, err := h.Aggregator.CostBreakdown(c.Request.Context(), tenantOf(c), p.Days)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, "breakdown_failed", err.Error())
		return
	}
	ok(c, rows)
}

func (h *Handler) getPerformanceTrend(c *gin.Context, params json.RawMessage) {
	var p struct {
		Days int `json:"days"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			fail(c, http.StatusBadRequest, "invalid_params", err.Error())
			return
		}
	}
	rows, err := h.Aggregator.PerformanceTrend(c.Request.Context(), tenantOf(c), p.Days)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, "trend_failed", err.Error())
		return
	}
	ok(c, rows)
}

func (h *Handler) getRoutingLogs(c *gin.Context, params json.RawMessage) {
	if h.DB == nil {
		fail(c, http.StatusServiceUnavailable, "storage_unavailable", "Routing log storage is not available.")
		return
	}
	var p struct {
		Feature string `json:"feature"`
		Limit   int    `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			fail(c, http.StatusBadRequest, "invalid_params", err.Error())
			return
		}
	}
	entries, err := h.DB.RecentRoutingLogs(c.Request.Context(), tenantOf(c), p.Feature, p.Limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "logs_failed", err.Error())
		return
	}
	ok(c, entries)
}

func (h *Handler) getBudgetConfig(c *gin.Context) {
	cfg, err := h.Guard.Config(c.Request.Context(), tenantOf(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, "config_failed", err.Error())
		return
	}
	ok(c, cfg)
}

func (h *Handler) updateBudget(c *gin.Context, params json.RawMessage) {
	var p struct {
		MonthlyBudget float64            `json:"monthly_budget"`
		SoftLimitPct  float64            `json:"soft_limit_percentage"`
		RoutingMode   models.RoutingMode `json:"routing_mode"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		fail(c, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if p.RoutingMode == "" {
		p.RoutingMode = models.ModeBalanced
	}
	cfg, err := h.Guard.UpdateConfig(c.Request.Context(), tenantOf(c), p.MonthlyBudget, p.SoftLimitPct, p.RoutingMode, actorOf(c))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid_budget", err.Error())
		return
	}
	ok(c, cfg)
}

func (h *Handler) switchStrategy(c *gin.Context, params json.RawMessage) {
	var p struct {
		RoutingMode models.RoutingMode `json:"routing_mode"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		fail(c, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	cfg, err := h.Guard.SwitchMode(c.Request.Context(), tenantOf(c), p.RoutingMode, actorOf(c))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}
	ok(c, cfg)
}

func (h *Handler) getPenalties(c *gin.Context) {
	ok(c, h.Penalties.List(tenantOf(c)))
}

func (h *Handler) applyPenalty(c *gin.Context, params json.RawMessage) {
	var p struct {
		ArmID      string  `json:"arm_id"`
		Factor     float64 `json:"factor"`
		Reason     string  `json:"reason"`
		TTLSeconds int64   `json:"ttl_seconds"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		fail(c, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	var ttl *time.Duration
	if p.TTLSeconds > 0 {
		d := time.Duration(p.TTLSeconds) * time.Second
		ttl = &d
	}
	pen, err := h.Penalties.Apply(c.Request.Context(), tenantOf(c), p.ArmID, p.Factor, p.Reason, ttl, actorOf(c))
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid_penalty", err.Error())
		return
	}
	ok(c, pen)
}

func (h *Handler) clearPenalty(c *gin.Context, params json.RawMessage) {
	var p struct {
		PenaltyID string `json:"penalty_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		fail(c, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if err := h.Penalties.Clear(c.Request.Context(), tenantOf(c), p.PenaltyID, actorOf(c)); err != nil {
		fail(c, http.StatusNotFound, "penalty_not_found", err.Error())
		return
	}
	ok(c, gin.H{"cleared": p.PenaltyID})
}

func (h *Handler) resetPosterior(c *gin.Context, params json.RawMessage) {
	var p struct {
		ArmID string `json:"arm_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		fail(c, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if !h.knownArm(p.ArmID) {
		fail(c, http.StatusNotFound, "arm_not_found", "No arm with id "+p.ArmID)
		return
	}
	snap := h.Registry.ResetPosterior(c.Request.Context(), tenantOf(c), p.ArmID, actorOf(c))
	ok(c, snap)
}

// knownArm guards the reset action: the registry treats an unknown id as a
// programming error, but an admin typo is a client error, not a panic.
func (h *Handler) knownArm(armID string) bool {
	for _, arm := range h.Registry.List("") {
		if arm.ID == armID {
			return true
		}
	}
	return false
}

func (h *Handler) getAuditLog(c *gin.Context, params json.RawMessage) {
	if h.DB == nil {
		fail(c, http.StatusServiceUnavailable, "storage_unavailable", "Audit log storage is not available.")
		return
	}
	var p struct {
		Limit int `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			fail(c, http.StatusBadRequest, "invalid_params", err.Error())
			return
		}
	}
	entries, err := h.DB.RecentAuditLogs(c.Request.Context(), tenantOf(c), p.Limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "audit_failed", err.Error())
		return
	}
	ok(c, entries)
}

// HandleArms serves GET /api/v1/arms: a snapshot listing of every arm,
// optionally filtered by scope.
func (h *Handler) HandleArms(c *gin.Context) {
	ok(c, h.Registry.List(c.Query("scope")))
}

// HandleHealth serves GET /health.
func (h *Handler) HandleHealth(c *gin.Context) {
	status := gin.H{"status": "ok", "storage": h.DB != nil}
	c.JSON(http.StatusOK, status)
}
