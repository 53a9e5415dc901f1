// Package registry maintains the arena of routing arms.
//
// An arm is one selectable (provider, model, scope) combination together
// with its Beta posterior and exponentially weighted performance
// statistics. Arms are created lazily on first use, never deleted, and only
// reset by an explicit admin action. Posterior and EWMA fields are shared
// mutable state with concurrent writers; each arm carries its own lock so
// contention is bounded to one arm at a time.
package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/LoayCoder/tammal-sub006/internal/audit"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
)

// ArmID builds the canonical arm identifier for a (provider, model, scope)
// triple.
func ArmID(provider models.Provider, model, scope string) string {
	return fmt.Sprintf("%s:%s:%s", provider, model, scope)
}

// arm is the live record for one routing candidate. All statistic fields
// are guarded by mu; identity fields are immutable after creation.
type arm struct {
	mu sync.Mutex

	id       string
	provider models.Provider
	model    string
	scope    string
	seq      int64 // creation order, backs the deterministic tie-break

	alpha         float64
	beta          float64
	latencyEWMA   float64
	qualityEWMA   float64
	successEWMA   float64
	costPer1kEWMA float64
	costEWMA      float64
	sampleCount   int64
	lastCallAt    time.Time
}

// Observation is the outcome of one completed call attempt, as seen by the
// registry. Inputs are sanitized by the Router before they arrive here.
type Observation struct {
	Success    bool
	LatencyMs  int64
	CostPer1k  float64
	Cost       float64
	Quality    float64
	HasQuality bool
}

// Registry is the arena of arms, keyed by arm id.
type Registry struct {
	mu    sync.RWMutex
	arms  map[string]*arm
	seq   int64
	decay float64

	rngMu sync.Mutex
	rng   *rand.Rand

	auditor *audit.Recorder
}

// New creates a Registry with the given EWMA decay constant. The same decay
// is applied uniformly to every tracked metric.
func New(decay float64, auditor *audit.Recorder) *Registry {
	return &Registry{
		arms:    make(map[string]*arm),
		decay:   decay,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		auditor: auditor,
	}
}

// Get returns the arm for the triple, creating it with the uniform prior
// (alpha=1, beta=1) if absent.
func (r *Registry) Get(provider models.Provider, model, scope string) models.ArmSnapshot {
	return r.getOrCreate(provider, model, scope).snapshot()
}

func (r *Registry) getOrCreate(provider models.Provider, model, scope string) *arm {
	id := ArmID(provider, model, scope)

	r.mu.RLock()
	a, ok := r.arms[id]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.arms[id]; ok {
		return a
	}
	r.seq++
	a = &arm{
		id:       id,
		provider: provider,
		model:    model,
		scope:    scope,
		seq:      r.seq,
		alpha:    1,
		beta:     1,
	}
	r.arms[id] = a
	return a
}

// List returns snapshots of every arm in the given scope, ordered by
// creation sequence. An empty scope returns all arms.
func (r *Registry) List(scope string) []models.ArmSnapshot {
	r.mu.RLock()
	out := make([]models.ArmSnapshot, 0, len(r.arms))
	for _, a := range r.arms {
		if scope != "" && a.scope != scope {
			continue
		}
		out = append(out, a.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedSeq < out[j].CreatedSeq })
	return out
}

// mustGet returns the arm for id or panics. Calling RecordOutcome or
// ResetPosterior with an unknown id is a programming error, not a
// user-retriable condition: the Router only hands out ids it obtained from
// this registry.
func (r *Registry) mustGet(id string) *arm {
	r.mu.RLock()
	a, ok := r.arms[id]
	r.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("registry: unknown arm id %q", id))
	}
	return a
}

// RecordOutcome applies one observed outcome to an arm: the posterior is
// incremented, every EWMA metric is folded in with the uniform decay
// constant, and the sample count advances by exactly one. The update is
// atomic per arm, so concurrent recorders never lose updates.
func (r *Registry) RecordOutcome(armID string, obs Observation) {
	a := r.mustGet(armID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if obs.Success {
		a.alpha++
	} else {
		a.beta++
	}

	first := a.sampleCount == 0
	a.latencyEWMA = ewma(a.latencyEWMA, float64(obs.LatencyMs), r.decay, first)
	a.costPer1kEWMA = ewma(a.costPer1kEWMA, obs.CostPer1k, r.decay, first)
	a.costEWMA = ewma(a.costEWMA, obs.Cost, r.decay, first)
	a.successEWMA = ewma(a.successEWMA, boolToFloat(obs.Success), r.decay, first)
	if obs.HasQuality {
		// Quality arrives only for scored responses; its first observation
		// initializes directly like the others.
		a.qualityEWMA = ewma(a.qualityEWMA, obs.Quality, r.decay, a.qualityEWMA == 0)
	}

	a.sampleCount++
	a.lastCallAt = time.Now()
}

// ewma folds an observation into a moving average. The first observation
// initializes the average directly so a zero prior never drags it down.
func ewma(current, observed, decay float64, first bool) float64 {
	if first {
		return observed
	}
	return decay*current + (1-decay)*observed
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ResetPosterior restores an arm to its prior (alpha=1, beta=1), clears all
// EWMA fields and the sample count, and writes an audit entry. The arm's
// identity and creation order are preserved.
func (r *Registry) ResetPosterior(ctx context.Context, tenantID, armID, actor string) models.ArmSnapshot {
	a := r.mustGet(armID)

	a.mu.Lock()
	before := a.snapshotLocked()
	a.alpha = 1
	a.beta = 1
	a.latencyEWMA = 0
	a.qualityEWMA = 0
	a.successEWMA = 0
	a.costPer1kEWMA = 0
	a.costEWMA = 0
	a.sampleCount = 0
	after := a.snapshotLocked()
	a.mu.Unlock()

	r.auditor.Record(ctx, audit.Entry{
		TenantID:   tenantID,
		Actor:      actor,
		Action:     "reset_posterior",
		TargetKind: "arm",
		TargetID:   armID,
		Before:     before,
		After:      after,
	})
	return after
}

// SampleSuccess draws a fresh, independent Thompson sample from the arm's
// posterior: a random variate from Beta(alpha, beta) representing the arm's
// believed success probability. Draws are never memoized across calls.
func (r *Registry) SampleSuccess(armID string) float64 {
	a := r.mustGet(armID)

	a.mu.Lock()
	alpha, beta := a.alpha, a.beta
	a.mu.Unlock()

	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return sampleBeta(alpha, beta, r.rng.Float64, r.rng.NormFloat64)
}

func (a *arm) snapshot() models.ArmSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *arm) snapshotLocked() models.ArmSnapshot {
	return models.ArmSnapshot{
		ID:            a.id,
		Provider:      a.provider,
		Model:         a.model,
		Scope:         a.scope,
		Alpha:         a.alpha,
		Beta:          a.beta,
		LatencyEWMA:   a.latencyEWMA,
		QualityEWMA:   a.qualityEWMA,
		SuccessEWMA:   a.successEWMA,
		CostPer1kEWMA: a.costPer1kEWMA,
		CostEWMA:      a.costEWMA,
		SampleCount:   a.sampleCount,
		LastCallAt:    a.lastCallAt,
		CreatedSeq:    a.seq,
	}
}
