// Package router selects a provider arm for each call via Thompson
// sampling, invokes it, and falls back to the next-ranked arm on failure.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/LoayCoder/tammal-sub006/internal/budget"
	"github.com/LoayCoder/tammal-sub006/internal/penalty"
	"github.com/LoayCoder/tammal-sub006/internal/provider"
	"github.com/LoayCoder/tammal-sub006/internal/registry"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
	"github.com/google/uuid"
)

// Weight triples per routing mode, as (quality, latency, cost).
var modeWeights = map[models.RoutingMode]models.WeightTriple{
	models.ModePerformance: {Quality: 0.6, Latency: 0.3, Cost: 0.1},
	models.ModeBalanced:    {Quality: 0.4, Latency: 0.3, Cost: 0.3},
	models.ModeCostSaver:   {Quality: 0.2, Latency: 0.1, Cost: 0.7},
}

// WeightsFor returns the scoring weights for a routing mode, defaulting to
// balanced for anything unrecognized.
func WeightsFor(mode models.RoutingMode) models.WeightTriple {
	if w, ok := modeWeights[mode]; ok {
		return w
	}
	return modeWeights[models.ModeBalanced]
}

// Sink receives one event per completed attempt, successful or not. The
// telemetry recorder implements it; emission must never block routing.
type Sink interface {
	Emit(entry models.RoutingLogEntry, obs registry.Observation)
}

// Result is the outcome of a successfully routed call.
type Result struct {
	ArmID        string             `json:"arm_id"`
	Provider     models.Provider    `json:"provider"`
	Model        string             `json:"model"`
	UsedFallback bool               `json:"used_fallback"`
	Degraded     bool               `json:"degraded"`
	Attempts     int                `json:"attempts"`
	Outcome      *provider.Outcome  `json:"-"`
	Mode         models.RoutingMode `json:"routing_mode"`
}

// Router owns arm selection and the fallback loop. It holds no per-call
// state; every Route call reads tenant config fresh.
type Router struct {
	registry  *registry.Registry
	penalties *penalty.Manager
	guard     *budget.Guard
	sink      Sink

	clients map[models.Provider]provider.Client
	catalog []provider.ModelSpec

	maxAttempts    int
	attemptTimeout time.Duration
	now            func() time.Time
}

// New creates a Router. catalog entries whose provider has no registered
// client are never considered as candidates.
func New(reg *registry.Registry, pm *penalty.Manager, guard *budget.Guard, sink Sink, clients map[models.Provider]provider.Client, catalog []provider.ModelSpec, maxAttempts int, attemptTimeout time.Duration) *Router {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Router{
		registry:       reg,
		penalties:      pm,
		guard:          guard,
		sink:           sink,
		clients:        clients,
		catalog:        catalog,
		maxAttempts:    maxAttempts,
		attemptTimeout: attemptTimeout,
		now:            time.Now,
	}
}

// candidate pairs a catalog entry with the per-call sampling state used to
// rank it.
type candidate struct {
	spec    provider.ModelSpec
	snap    models.ArmSnapshot
	draw    float64
	penalty float64
	score   float64
}

// Route admits, ranks, and invokes arms for one call, falling back through
// the ranking on failure. On admission denial the budget error is returned
// untouched; after exhausting all attempts the error class reflects what
// the attempts actually saw.
func (r *Router) Route(ctx context.Context, tenantID, feature, scope string, req provider.Request) (*Result, error) {
	adm, err := r.guard.Admit(ctx, tenantID, 0)
	if err != nil {
		return nil, err
	}

	cands := r.rank(tenantID, scope, adm)
	if len(cands) == 0 {
		return nil, fmt.Errorf("router: no invocable arms for scope %q", scope)
	}

	weights := WeightsFor(adm.Mode)
	attempts := len(cands)
	if attempts > r.maxAttempts {
		attempts = r.maxAttempts
	}

	var (
		lastErr     error
		allTimeouts = true
		allInvalid  = true
	)
	for i := 0; i < attempts; i++ {
		c := cands[i]
		outcome, latencyMs, attemptErr := r.attempt(ctx, c, req)

		success := attemptErr == nil && outcome != nil && outcome.Success
		r.emit(tenantID, feature, scope, adm.Mode, weights, c, outcome, latencyMs, success, i > 0)

		if success {
			return &Result{
				ArmID:        c.snap.ID,
				Provider:     c.spec.Provider,
				Model:        c.spec.Model,
				UsedFallback: i > 0,
				Degraded:     adm.Degraded,
				Attempts:     i + 1,
				Outcome:      outcome,
				Mode:         adm.Mode,
			}, nil
		}

		if attemptErr == nil {
			attemptErr = fmt.Errorf("router: %s returned status %d", c.snap.ID, statusOf(outcome))
		}
		lastErr = attemptErr
		if !provider.IsTimeout(attemptErr) {
			allTimeouts = false
		}
		if !errors.Is(attemptErr, provider.ErrInvalidResponse) {
			allInvalid = false
		}
		log.Printf("router: attempt %d/%d on %s failed: %v", i+1, attempts, c.snap.ID, attemptErr)
	}

	switch {
	case allTimeouts:
		return nil, &models.AIProviderTimeoutError{Attempts: attempts}
	case allInvalid:
		top := cands[0]
		return nil, &models.AIResponseInvalidError{Provider: top.spec.Provider, Model: top.spec.Model}
	default:
		return nil, &models.ServiceUnavailableError{Attempts: attempts, Last: lastErr}
	}
}

// rank builds the scored, ordered candidate list for one call. A degraded
// admission restricts candidates to the economy tier.
func (r *Router) rank(tenantID, scope string, adm *budget.Admission) []candidate {
	weights := WeightsFor(adm.Mode)

	var cands []candidate
	for _, spec := range r.catalog {
		if _, ok := r.clients[spec.Provider]; !ok {
			continue
		}
		if adm.Degraded && spec.Tier != provider.TierEconomy {
			continue
		}
		snap := r.registry.Get(spec.Provider, spec.Model, scope)
		cands = append(cands, candidate{
			spec:    spec,
			snap:    snap,
			draw:    r.registry.SampleSuccess(snap.ID),
			penalty: r.penalties.ActiveFactor(tenantID, snap.ID),
		})
	}
	if len(cands) == 0 {
		return nil
	}

	scoreCandidates(cands, weights)
	sortCandidates(cands)
	return cands
}

// scoreCandidates computes each candidate's composite score in place. Speed
// and cost terms are max-normalized across this call's candidate set so the
// weights stay comparable regardless of absolute magnitudes; an arm with no
// latency samples yet contributes a zero speed term.
func scoreCandidates(cands []candidate, weights models.WeightTriple) {
	var maxSpeed, maxCost float64
	for i := range cands {
		if l := cands[i].snap.LatencyEWMA; l > 0 {
			if s := 1 / l; s > maxSpeed {
				maxSpeed = s
			}
		}
		if c := cands[i].snap.CostEWMA; c > maxCost {
			maxCost = c
		}
	}
	for i := range cands {
		c := &cands[i]
		var speed, cost float64
		if maxSpeed > 0 && c.snap.LatencyEWMA > 0 {
			speed = (1 / c.snap.LatencyEWMA) / maxSpeed
		}
		if maxCost > 0 {
			cost = c.snap.CostEWMA / maxCost
		}
		c.score = (c.draw*weights.Quality + speed*weights.Latency - cost*weights.Cost) * c.penalty
	}
}

// sortCandidates orders by score descending. Ties break to the cheaper arm
// by cost EWMA, then to the earlier-created arm, so equal-scored rankings
// are deterministic.
func sortCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		const eps = 1e-9
		si, sj := cands[i].score, cands[j].score
		if si-sj > eps {
			return true
		}
		if sj-si > eps {
			return false
		}
		if cands[i].snap.CostEWMA != cands[j].snap.CostEWMA {
			return cands[i].snap.CostEWMA < cands[j].snap.CostEWMA
		}
		return cands[i].snap.CreatedSeq < cands[j].snap.CreatedSeq
	})
}

// attempt invokes one candidate under its own timeout, measures wall-clock
// latency, and fills in cost figures from the catalog pricing.
func (r *Router) attempt(ctx context.Context, c candidate, req provider.Request) (*provider.Outcome, int64, error) {
	attemptCtx := ctx
	if r.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.attemptTimeout)
		defer cancel()
	}

	req.Model = c.spec.Model
	start := r.now()
	outcome, err := r.clients[c.spec.Provider].Invoke(attemptCtx, req)
	latencyMs := r.now().Sub(start).Milliseconds()
	if outcome != nil && outcome.CostUSD == 0 {
		outcome.CostUSD, outcome.CostPer1k = provider.Cost(c.spec, outcome.InputTokens, outcome.OutputTokens)
	}
	return outcome, latencyMs, err
}

// emit hands one attempt's log entry and observation to the telemetry sink.
func (r *Router) emit(tenantID, feature, scope string, mode models.RoutingMode, weights models.WeightTriple, c candidate, outcome *provider.Outcome, latencyMs int64, success, usedFallback bool) {
	if r.sink == nil {
		return
	}

	var inTok, outTok int64
	var costUSD, costPer1k float64
	if outcome != nil {
		inTok, outTok = outcome.InputTokens, outcome.OutputTokens
		costUSD, costPer1k = outcome.CostUSD, outcome.CostPer1k
	}

	r.sink.Emit(models.RoutingLogEntry{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		Feature:       feature,
		ArmID:         c.snap.ID,
		Provider:      c.spec.Provider,
		Model:         c.spec.Model,
		Scope:         scope,
		RoutingMode:   mode,
		Weights:       weights,
		PenaltyFactor: c.penalty,
		Success:       success,
		UsedFallback:  usedFallback,
		DurationMs:    latencyMs,
		InputTokens:   inTok,
		OutputTokens:  outTok,
		CostUSD:       costUSD,
		Timestamp:     r.now(),
	}, registry.Observation{
		Success:   success,
		LatencyMs: latencyMs,
		CostPer1k: costPer1k,
		Cost:      costUSD,
	})
}

func statusOf(o *provider.Outcome) int {
	if o == nil {
		return 0
	}
	return o.StatusCode
}
