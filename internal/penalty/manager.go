// Package penalty manages time- or manually-bounded score penalties on
// routing arms.
//
// A penalty is a multiplicative discount (0 < factor <= 1) applied to an
// arm's composite score without touching its posterior. Expired penalties
// are excluded lazily at read time; a periodic sweep may purge rows for
// storage hygiene but correctness never depends on it.
package penalty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LoayCoder/tammal-sub006/internal/audit"
	"github.com/LoayCoder/tammal-sub006/pkg/models"
	"github.com/google/uuid"
)

// Manager owns all penalty records. It reads arm state only through arm
// ids and never mutates arms.
type Manager struct {
	mu        sync.Mutex
	penalties map[string]*models.Penalty // keyed by penalty id

	auditor *audit.Recorder
	now     func() time.Time
}

// NewManager creates an empty penalty Manager.
func NewManager(auditor *audit.Recorder) *Manager {
	return &Manager{
		penalties: make(map[string]*models.Penalty),
		auditor:   auditor,
		now:       time.Now,
	}
}

// Apply creates a penalty on an arm. The factor must be in (0, 1]: a
// penalty can never boost a score. A nil ttl makes the penalty manual-only
// (it lives until cleared).
func (m *Manager) Apply(ctx context.Context, tenantID, armID string, factor float64, reason string, ttl *time.Duration, actor string) (*models.Penalty, error) {
	if factor <= 0 || factor > 1 {
		return nil, fmt.Errorf("penalty: factor must be in (0,1], got %f", factor)
	}
	if armID == "" {
		return nil, fmt.Errorf("penalty: arm id is required")
	}

	p := &models.Penalty{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ArmID:     armID,
		Factor:    factor,
		Reason:    reason,
		AppliedAt: m.now(),
	}
	if ttl != nil {
		expires := p.AppliedAt.Add(*ttl)
		p.ExpiresAt = &expires
	}

	m.mu.Lock()
	m.penalties[p.ID] = p
	m.mu.Unlock()

	m.auditor.Record(ctx, audit.Entry{
		TenantID:   tenantID,
		Actor:      actor,
		Action:     "apply_penalty",
		TargetKind: "penalty",
		TargetID:   p.ID,
		After:      p,
	})
	return p, nil
}

// Clear destroys a penalty. Clearing an unknown or cross-tenant penalty id
// is an error so admin tooling notices stale references.
func (m *Manager) Clear(ctx context.Context, tenantID, penaltyID, actor string) error {
	m.mu.Lock()
	p, ok := m.penalties[penaltyID]
	if ok && p.TenantID == tenantID {
		delete(m.penalties, penaltyID)
	}
	m.mu.Unlock()

	if !ok || p.TenantID != tenantID {
		return fmt.Errorf("penalty: no penalty %q for tenant %q", penaltyID, tenantID)
	}

	m.auditor.Record(ctx, audit.Entry{
		TenantID:   tenantID,
		Actor:      actor,
		Action:     "clear_penalty",
		TargetKind: "penalty",
		TargetID:   penaltyID,
		Before:     p,
	})
	return nil
}

// ActiveFactor returns the product of all live penalty factors on an arm
// for the tenant, or 1.0 if none. Expired penalties are skipped here
// without being deleted.
func (m *Manager) ActiveFactor(tenantID, armID string) float64 {
	now := m.now()
	factor := 1.0

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.penalties {
		if p.TenantID != tenantID || p.ArmID != armID {
			continue
		}
		if p.Expired(now) {
			continue
		}
		factor *= p.Factor
	}
	return factor
}

// List returns the tenant's penalties that have not expired.
func (m *Manager) List(tenantID string) []models.Penalty {
	now := m.now()
	var out []models.Penalty

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.penalties {
		if p.TenantID != tenantID || p.Expired(now) {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Sweep purges expired penalty rows and returns how many were removed.
// Intended to run on a schedule for storage hygiene only.
func (m *Manager) Sweep() int {
	now := m.now()
	removed := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.penalties {
		if p.Expired(now) {
			delete(m.penalties, id)
			removed++
		}
	}
	return removed
}
