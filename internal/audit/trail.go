// Package audit records compliance-relevant state changes as append-only log
// entries with a fixed retention horizon. The trail is a side-effect
// recorder: it never gates the operation it is logging, but a failed commit
// fails the enclosing operation because silently losing a compliance record
// is worse than failing the request.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"creditflow/internal/platform/config"
	"creditflow/internal/platform/metrics"
	"creditflow/internal/storage"
)

// Trail writes and queries audit-log entries.
type Trail struct {
	store     storage.Store
	sensitive []string
	retention int // years
	logger    *slog.Logger
	metrics   *metrics.Metrics

	now func() time.Time
}

// New creates a Trail over the given store.
func New(store storage.Store, cfg config.Audit, logger *slog.Logger, m *metrics.Metrics) *Trail {
	return &Trail{
		store:     store,
		sensitive: cfg.SensitiveFields,
		retention: cfg.RetentionYears,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// WithClock fixes the trail's clock. Test helper.
func (t *Trail) WithClock(now func() time.Time) *Trail {
	t.now = now
	return t
}

func (t *Trail) buildEntry(ev Event) Entry {
	now := t.now().UTC()
	previous := Sanitize(ev.PreviousState, t.sensitive)
	next := Sanitize(ev.NewState, t.sensitive)

	metadata := ev.Metadata
	if metadata.Source == "" {
		metadata.Source = "api"
	}

	return Entry{
		ID:             uuid.NewString(),
		TenantID:       ev.TenantID,
		ActorID:        ev.Actor.UserID,
		ActorEmail:     ev.Actor.Email,
		ActorRole:      ev.Actor.Role,
		ActorIP:        ev.Actor.IP,
		UserAgent:      ev.Actor.UserAgent,
		Entity:         ev.Entity,
		EntityID:       ev.EntityID,
		EntityPath:     fmt.Sprintf("%s/%s", ev.Entity, ev.EntityID),
		Action:         ev.Action,
		ActionDetail:   ev.ActionDetail,
		PreviousState:  previous,
		NewState:       next,
		DiffJSON:       Diff(previous, next),
		Metadata:       metadata,
		Timestamp:      now,
		RetentionUntil: now.AddDate(t.retention, 0, 0),
	}
}

// Record sanitizes, diffs, and persists a single entry, returning its id.
func (t *Trail) Record(ctx context.Context, ev Event) (string, error) {
	entry := t.buildEntry(ev)
	if err := t.store.Put(ctx, storage.CollectionAuditLogs, entry.ID, entry); err != nil {
		return "", fmt.Errorf("record audit entry: %w", err)
	}
	if t.metrics != nil {
		t.metrics.AuditEntries.Inc()
	}
	return entry.ID, nil
}

// RecordTx writes one entry inside an open storage transaction so the audit
// record and the mutation it describes commit or fail together.
func (t *Trail) RecordTx(ctx context.Context, tx storage.Tx, ev Event) (string, error) {
	entry := t.buildEntry(ev)
	if err := tx.Put(ctx, storage.CollectionAuditLogs, entry.ID, entry); err != nil {
		return "", fmt.Errorf("record audit entry: %w", err)
	}
	if t.metrics != nil {
		t.metrics.AuditEntries.Inc()
	}
	return entry.ID, nil
}

// Batch queues entries sharing one actor and request, committed as a unit.
type Batch struct {
	trail     *Trail
	tenantID  string
	actor     Actor
	requestID string
	events    []Event
}

// Batch starts an entry batch for one request.
func (t *Trail) Batch(tenantID string, actor Actor, requestID string) *Batch {
	return &Batch{trail: t, tenantID: tenantID, actor: actor, requestID: requestID}
}

// LogOptions carries the optional parts of a queued entry.
type LogOptions struct {
	ActionDetail  string
	PreviousState map[string]any
	NewState      map[string]any
}

// Log queues one entry.
func (b *Batch) Log(entity Entity, entityID string, action Action, opts LogOptions) {
	b.events = append(b.events, Event{
		TenantID:      b.tenantID,
		Actor:         b.actor,
		Entity:        entity,
		EntityID:      entityID,
		Action:        action,
		ActionDetail:  opts.ActionDetail,
		PreviousState: opts.PreviousState,
		NewState:      opts.NewState,
		Metadata:      Metadata{RequestID: b.requestID},
	})
}

// Count reports how many entries are queued.
func (b *Batch) Count() int { return len(b.events) }

// Commit persists every queued entry atomically. If the write fails, none of
// the entries exist and the error propagates to the caller unswallowed.
func (b *Batch) Commit(ctx context.Context) ([]string, error) {
	if len(b.events) == 0 {
		return nil, nil
	}

	ops := make([]storage.Op, len(b.events))
	ids := make([]string, len(b.events))
	for i, ev := range b.events {
		entry := b.trail.buildEntry(ev)
		ops[i] = storage.Op{Collection: storage.CollectionAuditLogs, ID: entry.ID, Doc: entry}
		ids[i] = entry.ID
	}

	if err := b.trail.store.BatchWrite(ctx, ops); err != nil {
		if b.trail.metrics != nil {
			b.trail.metrics.AuditBatchFailures.Inc()
		}
		return nil, fmt.Errorf("commit audit batch: %w", err)
	}
	if b.trail.metrics != nil {
		b.trail.metrics.AuditEntries.Add(float64(len(ops)))
	}
	b.events = nil
	return ids, nil
}

// ListByEntity returns the newest entries for one entity, capped at limit.
func (t *Trail) ListByEntity(ctx context.Context, tenantID string, entity Entity, entityID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := t.store.Query(ctx, storage.CollectionAuditLogs, storage.Query{
		Filters: []storage.Filter{
			{Field: "tenantId", Op: "==", Value: tenantID},
			{Field: "entity", Op: "==", Value: string(entity)},
			{Field: "entityId", Op: "==", Value: entityID},
		},
		OrderBy: "timestamp",
		Desc:    true,
		Limit:   limit,
	}, &entries)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s/%s: %w", entity, entityID, err)
	}
	return entries, nil
}

// ListByActor returns the newest entries by one actor within an optional
// time range. Zero start/end leave that bound open.
func (t *Trail) ListByActor(ctx context.Context, tenantID, actorID string, start, end time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	filters := []storage.Filter{
		{Field: "tenantId", Op: "==", Value: tenantID},
		{Field: "actorId", Op: "==", Value: actorID},
	}
	if !start.IsZero() {
		filters = append(filters, storage.Filter{Field: "timestamp", Op: ">=", Value: start})
	}
	if !end.IsZero() {
		filters = append(filters, storage.Filter{Field: "timestamp", Op: "<=", Value: end})
	}

	var entries []Entry
	err := t.store.Query(ctx, storage.CollectionAuditLogs, storage.Query{
		Filters: filters,
		OrderBy: "timestamp",
		Desc:    true,
		Limit:   limit,
	}, &entries)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for actor %s: %w", actorID, err)
	}
	return entries, nil
}
