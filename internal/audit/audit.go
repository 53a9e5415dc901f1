// Package audit appends immutable records of administrative mutations.
//
// Every mutating admin action (budget updates, strategy switches, penalty
// apply/clear, posterior resets) produces exactly one audit entry with the
// actor, target, and before/after values where applicable.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/LoayCoder/tammal-sub006/pkg/models"
	"github.com/google/uuid"
)

// Store persists audit entries. Implemented by the database layer.
type Store interface {
	AppendAuditLog(ctx context.Context, e *models.AuditLogEntry) error
}

// Recorder writes audit entries. A Recorder with a nil store logs entries
// instead of persisting them, so components never need nil checks.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a Recorder backed by the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Entry captures one administrative mutation. Before and After are
// marshaled to JSON; either may be nil.
type Entry struct {
	TenantID   string
	Actor      string
	Action     string
	TargetKind string
	TargetID   string
	Before     interface{}
	After      interface{}
}

// Record appends an audit entry. Persistence failures are logged and never
// propagated: an audit write must not fail the admin action it describes.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	row := &models.AuditLogEntry{
		ID:         uuid.New().String(),
		TenantID:   e.TenantID,
		Actor:      e.Actor,
		Action:     e.Action,
		TargetKind: e.TargetKind,
		TargetID:   e.TargetID,
		Before:     marshal(e.Before),
		After:      marshal(e.After),
		CreatedAt:  r.now(),
	}

	if r.store == nil {
		log.Printf("audit: %s %s %s/%s by %s (no store configured)",
			row.TenantID, row.Action, row.TargetKind, row.TargetID, row.Actor)
		return
	}

	if err := r.store.AppendAuditLog(ctx, row); err != nil {
		log.Printf("audit: failed to append entry for action %s: %v", row.Action, err)
	}
}

func marshal(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
