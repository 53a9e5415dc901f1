package penalty

import (
	"context"
	"testing"
	"time"

	"github.com/LoayCoder/tammal-sub006/internal/audit"
)

const (
	testTenant = "tenant-1"
	testArm    = "openai:gpt-4o:surveys"
)

func newTestManager() *Manager {
	return NewManager(audit.NewRecorder(nil))
}

func TestApply_ValidFactor(t *testing.T) {
	m := newTestManager()

	p, err := m.Apply(context.Background(), testTenant, testArm, 0.5, "degraded quality", nil, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Factor != 0.5 {
		t.Errorf("expected factor 0.5, got %f", p.Factor)
	}
	if p.ExpiresAt != nil {
		t.Error("expected no expiry without ttl")
	}
}

func TestApply_RejectsBoostingFactor(t *testing.T) {
	m := newTestManager()

	if _, err := m.Apply(context.Background(), testTenant, testArm, 1.5, "boost", nil, "admin"); err == nil {
		t.Error("expected error for factor > 1")
	}
	if _, err := m.Apply(context.Background(), testTenant, testArm, 0, "zero", nil, "admin"); err == nil {
		t.Error("expected error for factor = 0")
	}
	if _, err := m.Apply(context.Background(), testTenant, testArm, -0.2, "negative", nil, "admin"); err == nil {
		t.Error("expected error for negative factor")
	}
}

func TestActiveFactor_DefaultIsOne(t *testing.T) {
	m := newTestManager()

	if f := m.ActiveFactor(testTenant, testArm); f != 1.0 {
		t.Errorf("expected default factor 1.0, got %f", f)
	}
}

func TestActiveFactor_ProductOfPenalties(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.Apply(ctx, testTenant, testArm, 0.5, "latency", nil, "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Apply(ctx, testTenant, testArm, 0.8, "cost", nil, "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f := m.ActiveFactor(testTenant, testArm)
	if f < 0.399 || f > 0.401 {
		t.Errorf("expected product 0.4, got %f", f)
	}
}

func TestActiveFactor_TenantIsolation(t *testing.T) {
	m := newTestManager()

	if _, err := m.Apply(context.Background(), testTenant, testArm, 0.5, "quality", nil, "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f := m.ActiveFactor("other-tenant", testArm); f != 1.0 {
		t.Errorf("penalty leaked across tenants: got factor %f", f)
	}
}

func TestClear_RestoresFactor(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	p, err := m.Apply(ctx, testTenant, testArm, 0.5, "quality", nil, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f := m.ActiveFactor(testTenant, testArm); f != 0.5 {
		t.Fatalf("expected factor 0.5 while applied, got %f", f)
	}

	if err := m.Clear(ctx, testTenant, p.ID, "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f := m.ActiveFactor(testTenant, testArm); f != 1.0 {
		t.Errorf("expected factor restored to 1.0 after clear, got %f", f)
	}
}

func TestClear_UnknownID(t *testing.T) {
	m := newTestManager()

	if err := m.Clear(context.Background(), testTenant, "no-such-id", "admin"); err == nil {
		t.Error("expected error clearing unknown penalty")
	}
}

func TestClear_CrossTenantRejected(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	p, err := m.Apply(ctx, testTenant, testArm, 0.5, "quality", nil, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Clear(ctx, "other-tenant", p.ID, "admin"); err == nil {
		t.Error("expected error clearing another tenant's penalty")
	}
	if f := m.ActiveFactor(testTenant, testArm); f != 0.5 {
		t.Errorf("penalty should survive a cross-tenant clear attempt, got %f", f)
	}
}

func TestExpiry_LazyAtReadTime(t *testing.T) {
	m := newTestManager()
	ttl := 10 * time.Minute

	if _, err := m.Apply(context.Background(), testTenant, testArm, 0.5, "temporary", &ttl, "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f := m.ActiveFactor(testTenant, testArm); f != 0.5 {
		t.Fatalf("expected active penalty before expiry, got %f", f)
	}

	// Advance the manager's clock past the expiry; no sweep runs.
	m.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	if f := m.ActiveFactor(testTenant, testArm); f != 1.0 {
		t.Errorf("expected expired penalty excluded at read time, got %f", f)
	}
	if ps := m.List(testTenant); len(ps) != 0 {
		t.Errorf("expected expired penalty excluded from List, got %d", len(ps))
	}
}

func TestSweep_PurgesExpiredOnly(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	ttl := 5 * time.Minute

	if _, err := m.Apply(ctx, testTenant, testArm, 0.5, "temporary", &ttl, "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Apply(ctx, testTenant, testArm, 0.9, "permanent", nil, "admin"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	if removed := m.Sweep(); removed != 1 {
		t.Errorf("expected sweep to purge 1 penalty, purged %d", removed)
	}
	if ps := m.List(testTenant); len(ps) != 1 {
		t.Errorf("expected 1 surviving penalty, got %d", len(ps))
	}
}
