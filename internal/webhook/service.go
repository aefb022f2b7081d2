package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"creditflow/internal/audit"
	disputeModels "creditflow/internal/dispute/models"
	letterModels "creditflow/internal/letter/models"
	letterService "creditflow/internal/letter/service"
	"creditflow/internal/platform/metrics"
	"creditflow/internal/platform/redis"
	"creditflow/internal/storage"
	dErrors "creditflow/pkg/domain-errors"
)

// dedupTTL bounds how long a carrier delivery id is remembered. Replays past
// the window still land on the transition-legality guard, so this is a fast
// path, not the correctness mechanism.
const dedupTTL = 24 * time.Hour

// SignatureError rejects a webhook whose signature did not verify. It is
// raised before any document access.
type SignatureError struct {
	Provider Provider
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid %s webhook signature", e.Provider)
}

// Letters is the letter surface webhook processing needs.
type Letters interface {
	FindByTracking(ctx context.Context, trackingNumber string) (*letterModels.Letter, error)
	ApplyCarrierEvent(ctx context.Context, tenantID, letterID string, ev letterService.CarrierEvent) (*letterModels.Letter, bool, error)
}

// Disputes is the dispute surface webhook processing needs.
type Disputes interface {
	BeginReview(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*disputeModels.Dispute, error)
}

// Service verifies, persists, and applies carrier webhook events.
type Service struct {
	store    storage.Store
	letters  Letters
	disputes Disputes
	redis    *redis.Client
	secret   string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a webhook Service. A nil redis client disables the delivery-id
// dedup fast path; processing stays correct without it.
func New(store storage.Store, letters Letters, disputes Disputes, rdb *redis.Client, secret string, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		letters:  letters,
		disputes: disputes,
		redis:    rdb,
		secret:   secret,
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

// Result summarizes what one delivery did.
type Result struct {
	EventID   string `json:"eventId"`
	Processed bool   `json:"processed"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// HandleCarrier processes one carrier delivery. The signature is checked
// against the raw body before anything touches storage; after that the event
// is persisted unconditionally and the mapped transition is applied through
// the letter state machine, whose legality guard makes replays a no-op.
func (s *Service) HandleCarrier(ctx context.Context, rawBody []byte, signatureHeader string) (*Result, error) {
	if !VerifySignature(rawBody, signatureHeader, s.secret) {
		s.count("invalid_signature")
		s.logger.WarnContext(ctx, "carrier webhook signature rejected")
		return nil, dErrors.Wrap(&SignatureError{Provider: ProviderCarrier}, dErrors.CodeUnauthorized, "invalid webhook signature")
	}

	var env Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		s.count("malformed")
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed webhook envelope")
	}

	if s.seenBefore(ctx, env.ID) {
		s.count("duplicate")
		s.logger.InfoContext(ctx, "carrier webhook delivery replayed", "delivery_id", env.ID)
		return &Result{Duplicate: true}, nil
	}

	ev := s.storeEvent(ctx, &env)
	if ev == nil {
		// Nothing was persisted; hand the delivery id back so the carrier's
		// redelivery is not answered as a duplicate.
		s.releaseClaim(ctx, env.ID)
		return nil, dErrors.New(dErrors.CodeInternal, "failed to record webhook event")
	}

	if ev.Status != StatusPending {
		// Unmatched or unknown-event: recorded for review, not an error.
		s.count(string(ev.Status))
		return &Result{EventID: ev.ID}, nil
	}

	processed, err := s.process(ctx, ev, &env)
	if err != nil {
		return nil, err
	}
	return &Result{EventID: ev.ID, Processed: processed}, nil
}

// storeEvent persists the delivery, resolving the letter it refers to. The
// returned event carries the resolution outcome in Status.
func (s *Service) storeEvent(ctx context.Context, env *Envelope) *Event {
	ev := &Event{
		ID:             uuid.NewString(),
		TenantID:       TenantUnresolved,
		Provider:       ProviderCarrier,
		EventType:      env.EventType.ID,
		ResourceType:   env.EventType.Resource,
		ResourceID:     env.Body.ID,
		Payload:        env,
		SignatureValid: true,
		Status:         StatusPending,
		ReceivedAt:     s.now().UTC(),
	}
	if ev.EventType == "" {
		ev.EventType = "unknown"
	}
	if ev.ResourceType == "" {
		ev.ResourceType = "letter"
	}

	l, err := s.letters.FindByTracking(ctx, env.Body.TrackingNumber)
	switch {
	case err == nil:
		ev.TenantID = l.TenantID
		ev.InternalID = l.ID
	case dErrors.HasCode(err, dErrors.CodeNotFound):
		ev.Status = StatusUnmatched
		ev.Error = "no letter matches the tracking number"
		s.logger.WarnContext(ctx, "carrier webhook unmatched",
			"event_type", ev.EventType,
			"tracking_number", env.Body.TrackingNumber,
		)
	default:
		s.logger.ErrorContext(ctx, "letter lookup failed", "error", err.Error())
		return nil
	}

	if ev.Status == StatusPending {
		if _, known := MapEventToLetterStatus(ev.EventType); !known {
			ev.Status = StatusUnknownEvent
			ev.Error = "unknown carrier event type: " + ev.EventType
			s.logger.WarnContext(ctx, "unknown carrier event type", "event_type", ev.EventType)
		}
	}

	if err := s.store.Put(ctx, storage.CollectionWebhookEvents, ev.ID, ev); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist webhook event", "error", err.Error())
		return nil
	}
	return ev
}

// process applies a pending event's mapped transition and finalizes the
// stored record. Reports whether the letter status actually changed.
func (s *Service) process(ctx context.Context, ev *Event, env *Envelope) (bool, error) {
	status, _ := MapEventToLetterStatus(ev.EventType)

	carrierEv := letterService.CarrierEvent{
		EventType:  ev.EventType,
		Status:     status,
		OccurredAt: env.DateCreated,
	}
	if len(env.Body.TrackingEvents) > 0 {
		carrierEv.Location = env.Body.TrackingEvents[0].Location
		if !env.Body.TrackingEvents[0].Time.IsZero() {
			carrierEv.OccurredAt = env.Body.TrackingEvents[0].Time
		}
	}

	l, applied, err := s.letters.ApplyCarrierEvent(ctx, ev.TenantID, ev.InternalID, carrierEv)
	if err != nil {
		s.markFailed(ctx, ev, err)
		s.count("failed")
		return false, err
	}

	if applied && l.Status == letterModels.StatusDelivered {
		s.advanceDispute(ctx, l)
	}

	now := s.now().UTC()
	ev.Status = StatusProcessed
	ev.ProcessedAt = &now
	ev.Error = ""
	if err := s.store.Put(ctx, storage.CollectionWebhookEvents, ev.ID, ev); err != nil {
		return applied, fmt.Errorf("finalize webhook event: %w", err)
	}

	if applied {
		s.count("processed")
	} else {
		s.count("noop")
	}
	return applied, nil
}

// advanceDispute moves the dispute into review once its letter is delivered.
// A dispute that already left submitted makes the transition illegal; that is
// an ordinary race with operators, logged and ignored.
func (s *Service) advanceDispute(ctx context.Context, l *letterModels.Letter) {
	actor := audit.Actor{UserID: "carrier-webhook", Role: "system"}
	if _, err := s.disputes.BeginReview(ctx, l.TenantID, l.DisputeID, actor); err != nil {
		if dErrors.HasCode(err, dErrors.CodeConflict) || dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			s.logger.InfoContext(ctx, "dispute not advanced on delivery",
				"dispute_id", l.DisputeID,
				"reason", err.Error(),
			)
			return
		}
		s.logger.ErrorContext(ctx, "failed to advance dispute on delivery",
			"dispute_id", l.DisputeID,
			"error", err.Error(),
		)
	}
}

func (s *Service) markFailed(ctx context.Context, ev *Event, cause error) {
	ev.Status = StatusRetryPending
	ev.Error = cause.Error()
	if err := s.store.Put(ctx, storage.CollectionWebhookEvents, ev.ID, ev); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark webhook event for retry", "error", err.Error())
	}
}

// Retry re-processes a stored event, typically one parked in retry_pending or
// unmatched after its letter appeared.
func (s *Service) Retry(ctx context.Context, tenantID, eventID string) (*Result, error) {
	var ev Event
	if err := s.store.Get(ctx, storage.CollectionWebhookEvents, eventID, &ev); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "webhook event not found")
	}

	env, err := envelopeOf(&ev)
	if err != nil {
		return nil, err
	}

	// An unmatched event belongs to no tenant yet. Re-resolve the letter
	// before the ownership check so the tenant whose letter has since
	// appeared can claim and retry the event.
	if ev.TenantID == TenantUnresolved {
		l, err := s.letters.FindByTracking(ctx, env.Body.TrackingNumber)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeNotFound) {
				return nil, dErrors.New(dErrors.CodeNotFound, "webhook event not found")
			}
			return nil, err
		}
		ev.TenantID = l.TenantID
		ev.InternalID = l.ID
	}
	if ev.TenantID != tenantID {
		return nil, dErrors.New(dErrors.CodeNotFound, "webhook event not found")
	}
	if ev.Status == StatusProcessed {
		return nil, dErrors.New(dErrors.CodeConflict, "webhook event already processed")
	}

	now := s.now().UTC()
	ev.RetryCount++
	ev.LastRetryAt = &now

	if _, known := MapEventToLetterStatus(ev.EventType); !known {
		ev.Status = StatusUnknownEvent
		if err := s.store.Put(ctx, storage.CollectionWebhookEvents, ev.ID, &ev); err != nil {
			return nil, fmt.Errorf("update webhook event: %w", err)
		}
		return &Result{EventID: ev.ID}, nil
	}

	processed, err := s.process(ctx, &ev, env)
	if err != nil {
		return nil, err
	}
	return &Result{EventID: ev.ID, Processed: processed}, nil
}

func envelopeOf(ev *Event) (*Envelope, error) {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("re-read stored payload: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("re-read stored payload: %w", err)
	}
	return &env, nil
}

// ListOptions filter the event listing.
type ListOptions struct {
	Provider Provider
	Status   EventStatus
	Limit    int
}

// List returns a tenant's webhook events, newest first. Payloads are elided
// from the listing.
func (s *Service) List(ctx context.Context, tenantID string, opts ListOptions) ([]Event, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	filters := []storage.Filter{
		{Field: "tenantId", Op: "==", Value: tenantID},
	}
	if opts.Provider != "" {
		filters = append(filters, storage.Filter{Field: "provider", Op: "==", Value: string(opts.Provider)})
	}
	if opts.Status != "" {
		filters = append(filters, storage.Filter{Field: "status", Op: "==", Value: string(opts.Status)})
	}

	var events []Event
	err := s.store.Query(ctx, storage.CollectionWebhookEvents, storage.Query{
		Filters: filters,
		OrderBy: "receivedAt",
		Desc:    true,
		Limit:   limit,
	}, &events)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	for i := range events {
		events[i].Payload = nil
	}
	return events, nil
}

const dedupKeyPrefix = "webhook:delivery:"

// seenBefore claims the delivery id in redis. Fails open: without redis every
// delivery proceeds to the legality guard.
func (s *Service) seenBefore(ctx context.Context, deliveryID string) bool {
	if s.redis == nil || deliveryID == "" {
		return false
	}
	ok, err := s.redis.SetNX(ctx, dedupKeyPrefix+deliveryID, 1, dedupTTL).Result()
	if err != nil {
		s.logger.WarnContext(ctx, "webhook dedup unavailable", "error", err.Error())
		return false
	}
	return !ok
}

// releaseClaim drops a claimed delivery id after a failure that persisted
// nothing, so the carrier's next redelivery is processed rather than answered
// as a duplicate.
func (s *Service) releaseClaim(ctx context.Context, deliveryID string) {
	if s.redis == nil || deliveryID == "" {
		return
	}
	if err := s.redis.Del(ctx, dedupKeyPrefix+deliveryID).Err(); err != nil {
		s.logger.WarnContext(ctx, "failed to release webhook dedup claim",
			"delivery_id", deliveryID,
			"error", err.Error(),
		)
	}
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(result).Inc()
	}
}
