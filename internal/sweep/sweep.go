// Package sweep runs the scheduled SLA pass: reminders before deadlines,
// breach notifications after them, and auto-close once the grace period is
// spent. It holds no cross-entity transaction; every dispute it closes goes
// through the same transactional path as interactive requests.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"creditflow/internal/audit"
	disputeModels "creditflow/internal/dispute/models"
	"creditflow/internal/notify"
	"creditflow/internal/platform/config"
	"creditflow/internal/platform/metrics"
	"creditflow/internal/platform/redis"
	"creditflow/internal/sla"
	"creditflow/internal/storage"
	dErrors "creditflow/pkg/domain-errors"
)

// batchSize bounds each query; the sweep reruns hourly, so leftovers are
// picked up next pass.
const batchSize = 100

// maxConcurrency bounds the per-dispute fan-out.
const maxConcurrency = 8

// dedupTTL keeps reminder keys claimed long past the dispute lifecycle.
const dedupTTL = 90 * 24 * time.Hour

// Disputes is the dispute surface the sweep needs.
type Disputes interface {
	AutoClose(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*disputeModels.Dispute, error)
}

// Stats summarizes one sweep run.
type Stats struct {
	Checked    int
	Reminders  int
	Breaches   int
	AutoClosed int
	Errors     int
}

// Service is the SLA sweep.
type Service struct {
	store    storage.Store
	disputes Disputes
	clock    *sla.Clock
	slaCfg   config.SLA
	notifier notify.Notifier
	redis    *redis.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New wires a sweep Service. A nil redis client falls back to dedup by
// notifications query alone.
func New(
	store storage.Store,
	disputes Disputes,
	clock *sla.Clock,
	slaCfg config.SLA,
	notifier notify.Notifier,
	rdb *redis.Client,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		store:    store,
		disputes: disputes,
		clock:    clock,
		slaCfg:   slaCfg,
		notifier: notifier,
		redis:    rdb,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock overrides the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// activeStatuses are the dispute states with a live SLA clock.
var activeStatuses = []string{
	string(disputeModels.StatusDraft),
	string(disputeModels.StatusSubmitted),
	string(disputeModels.StatusInReview),
}

// Run executes one sweep pass. Per-dispute failures are counted and logged,
// never fatal to the pass.
func (s *Service) Run(ctx context.Context) (*Stats, error) {
	now := s.now().UTC()
	stats := &statsCollector{}

	if err := s.sweepUpcoming(ctx, now, stats); err != nil {
		return stats.snapshot(), fmt.Errorf("sweep upcoming deadlines: %w", err)
	}
	if err := s.sweepOverdue(ctx, now, stats); err != nil {
		return stats.snapshot(), fmt.Errorf("sweep overdue disputes: %w", err)
	}

	out := stats.snapshot()
	s.logger.InfoContext(ctx, "sla sweep completed",
		"checked", out.Checked,
		"reminders", out.Reminders,
		"breaches", out.Breaches,
		"auto_closed", out.AutoClosed,
		"errors", out.Errors,
	)
	return out, nil
}

// sweepUpcoming emits deduplicated reminders for disputes inside the warning
// window.
func (s *Service) sweepUpcoming(ctx context.Context, now time.Time, stats *statsCollector) error {
	maxOffset := 0
	for _, off := range s.slaCfg.ReminderOffsets {
		if off > maxOffset {
			maxOffset = off
		}
	}

	var disputes []disputeModels.Dispute
	err := s.store.Query(ctx, storage.CollectionDisputes, storage.Query{
		Filters: []storage.Filter{
			{Field: "status", Op: "in", Value: activeStatuses},
			{Field: "dueAt", Op: ">=", Value: now},
			{Field: "dueAt", Op: "<=", Value: now.AddDate(0, 0, maxOffset)},
		},
		Limit: batchSize,
	}, &disputes)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i := range disputes {
		d := disputes[i]
		g.Go(func() error {
			stats.checked()
			if err := s.remind(gctx, now, &d, stats); err != nil {
				stats.failed()
				s.logger.ErrorContext(gctx, "reminder pass failed",
					"dispute_id", d.ID,
					"error", err.Error(),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) remind(ctx context.Context, now time.Time, d *disputeModels.Dispute, stats *statsCollector) error {
	if d.DueAt == nil {
		return nil
	}
	days, err := s.clock.DaysRemaining(*d.DueAt, now)
	if err != nil {
		return err
	}

	due := false
	for _, off := range s.slaCfg.ReminderOffsets {
		if days == off {
			due = true
			break
		}
	}
	if !due {
		return nil
	}

	key := sla.ReminderKey(days)
	claimed, err := s.claim(ctx, d.ID, notify.TemplateSLAWarning, key)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	s.action("reminder")
	stats.reminder()
	return s.emit(ctx, d.TenantID, notify.TemplateSLAWarning, map[string]any{
		"disputeId":    d.ID,
		"consumerId":   d.ConsumerID,
		"bureau":       string(d.Bureau),
		"dueAt":        d.DueAt.Format(time.RFC3339),
		"daysUntilDue": days,
		"reminderKey":  key,
	})
}

// sweepOverdue emits one breach notification per dispute and auto-closes
// disputes past their grace period.
func (s *Service) sweepOverdue(ctx context.Context, now time.Time, stats *statsCollector) error {
	var disputes []disputeModels.Dispute
	err := s.store.Query(ctx, storage.CollectionDisputes, storage.Query{
		Filters: []storage.Filter{
			{Field: "status", Op: "in", Value: activeStatuses},
			{Field: "dueAt", Op: "<", Value: now},
		},
		Limit: batchSize,
	}, &disputes)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i := range disputes {
		d := disputes[i]
		g.Go(func() error {
			stats.checked()
			if err := s.handleOverdue(gctx, now, &d, stats); err != nil {
				stats.failed()
				s.logger.ErrorContext(gctx, "overdue pass failed",
					"dispute_id", d.ID,
					"error", err.Error(),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) handleOverdue(ctx context.Context, now time.Time, d *disputeModels.Dispute, stats *statsCollector) error {
	if d.DueAt == nil {
		return nil
	}
	days, err := s.clock.DaysRemaining(*d.DueAt, now)
	if err != nil {
		return err
	}

	claimed, err := s.claim(ctx, d.ID, notify.TemplateSLABreach, "sla_breach")
	if err != nil {
		return err
	}
	if claimed {
		s.action("breach")
		stats.breach()
		if err := s.emit(ctx, d.TenantID, notify.TemplateSLABreach, map[string]any{
			"disputeId":   d.ID,
			"consumerId":  d.ConsumerID,
			"bureau":      string(d.Bureau),
			"dueAt":       d.DueAt.Format(time.RFC3339),
			"daysOverdue": -days,
			"reminderKey": "sla_breach",
		}); err != nil {
			return err
		}
	}

	// Draft disputes never auto-close; they have not been filed.
	if d.Status != disputeModels.StatusSubmitted && d.Status != disputeModels.StatusInReview {
		return nil
	}
	overdue, err := s.clock.IsOverdue(*d.DueAt, s.slaCfg.GraceDays, now)
	if err != nil {
		return err
	}
	if !overdue {
		return nil
	}

	actor := audit.Actor{UserID: "sla-sweep", Role: "system"}
	if _, err := s.disputes.AutoClose(ctx, d.TenantID, d.ID, actor); err != nil {
		// A concurrent operator resolution wins the race; that is success.
		if dErrors.HasCode(err, dErrors.CodeConflict) || dErrors.HasCode(err, dErrors.CodeNotFound) {
			s.logger.InfoContext(ctx, "auto-close skipped",
				"dispute_id", d.ID,
				"reason", err.Error(),
			)
			return nil
		}
		return err
	}
	s.action("auto_close")
	stats.autoClosed()
	return nil
}

// emit persists the notification record and hands it to the notifier.
// Delivery failure marks the record failed but does not fail the sweep.
func (s *Service) emit(ctx context.Context, tenantID, template string, data map[string]any) error {
	now := s.now().UTC()
	rec := &notify.Record{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      template,
		Data:      data,
		Status:    notify.RecordPending,
		Channels:  []string{"email"},
		CreatedAt: now,
	}
	if err := s.store.Put(ctx, storage.CollectionNotifications, rec.ID, rec); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	err := s.notifier.Send(ctx, notify.Instruction{
		TenantID: tenantID,
		Template: template,
		Data:     data,
		Channels: rec.Channels,
	})
	sentAt := s.now().UTC()
	if err != nil {
		rec.Status = notify.RecordFailed
		rec.Error = err.Error()
		s.logger.WarnContext(ctx, "notification delivery failed",
			"template", template,
			"error", err.Error(),
		)
	} else {
		rec.Status = notify.RecordSent
		rec.SentAt = &sentAt
	}
	if err := s.store.Put(ctx, storage.CollectionNotifications, rec.ID, rec); err != nil {
		return fmt.Errorf("finalize notification: %w", err)
	}
	return nil
}

// claim decides whether this dispute+key pairing still needs a notification.
// Redis SETNX is the fast path; the notifications collection is the fallback
// and the durable record.
func (s *Service) claim(ctx context.Context, disputeID, template, key string) (bool, error) {
	if s.redis != nil {
		ok, err := s.redis.SetNX(ctx, "sweep:notified:"+disputeID+":"+key, 1, dedupTTL).Result()
		if err == nil {
			if !ok {
				return false, nil
			}
			// Fall through: redis may have been flushed, the query settles it.
		} else {
			s.logger.WarnContext(ctx, "sweep dedup degraded to query", "error", err.Error())
		}
	}

	var existing []notify.Record
	err := s.store.Query(ctx, storage.CollectionNotifications, storage.Query{
		Filters: []storage.Filter{
			{Field: "data.disputeId", Op: "==", Value: disputeID},
			{Field: "type", Op: "==", Value: template},
			{Field: "data.reminderKey", Op: "==", Value: key},
		},
		Limit: 1,
	}, &existing)
	if err != nil {
		return false, fmt.Errorf("reminder dedup query: %w", err)
	}
	return len(existing) == 0, nil
}

func (s *Service) action(kind string) {
	if s.metrics != nil {
		s.metrics.SweepActions.WithLabelValues(kind).Inc()
	}
}

// statsCollector accumulates counters across the fan-out.
type statsCollector struct {
	mu sync.Mutex
	s  Stats
}

func (c *statsCollector) checked()    { c.mu.Lock(); c.s.Checked++; c.mu.Unlock() }
func (c *statsCollector) reminder()   { c.mu.Lock(); c.s.Reminders++; c.mu.Unlock() }
func (c *statsCollector) breach()     { c.mu.Lock(); c.s.Breaches++; c.mu.Unlock() }
func (c *statsCollector) autoClosed() { c.mu.Lock(); c.s.AutoClosed++; c.mu.Unlock() }
func (c *statsCollector) failed()     { c.mu.Lock(); c.s.Errors++; c.mu.Unlock() }

func (c *statsCollector) snapshot() *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.s
	return &out
}
