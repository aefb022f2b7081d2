// Package service orchestrates letter lifecycle operations. Cross-entity
// guards (dispute status, quality checks) are evaluated on reads taken
// inside the same transaction as the write so a racing dispute update cannot
// slip between guard and mutation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"creditflow/internal/audit"
	disputeModels "creditflow/internal/dispute/models"
	"creditflow/internal/letter/carrier"
	"creditflow/internal/letter/models"
	"creditflow/internal/platform/metrics"
	"creditflow/internal/platform/middleware"
	"creditflow/internal/storage"
	dErrors "creditflow/pkg/domain-errors"
	"creditflow/pkg/sentinel"
)

const maxTxRetries = 3

// Service is the letter orchestrator.
type Service struct {
	store   storage.Store
	trail   *audit.Trail
	carrier carrier.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// New wires a letter Service.
func New(store storage.Store, trail *audit.Trail, client carrier.Client, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		trail:   trail,
		carrier: client,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock fixes the service clock. Test helper.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateInput is the request to draft a letter for a dispute.
type CreateInput struct {
	TenantID         string
	DisputeID        string
	MailType         models.MailType
	Narrative        string
	RecipientAddress models.Address
	ReturnAddress    models.Address
	EvidenceIDs      []string
}

func (in CreateInput) validate() error {
	switch {
	case in.TenantID == "":
		return dErrors.New(dErrors.CodeValidation, "tenantId is required")
	case in.DisputeID == "":
		return dErrors.New(dErrors.CodeValidation, "disputeId is required")
	case in.MailType != models.MailTypeFirstClass && in.MailType != models.MailTypeCertified:
		return dErrors.Newf(dErrors.CodeValidation, "unknown mail type %q", in.MailType)
	}
	return nil
}

// Create drafts a letter, runs quality checks, and links it to its dispute
// in the same transaction.
func (s *Service) Create(ctx context.Context, in CreateInput, actor audit.Actor) (*models.Letter, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	l := &models.Letter{
		ID:               uuid.NewString(),
		TenantID:         in.TenantID,
		DisputeID:        in.DisputeID,
		Status:           models.StatusDrafted,
		MailType:         in.MailType,
		Narrative:        in.Narrative,
		RecipientAddress: in.RecipientAddress,
		ReturnAddress:    in.ReturnAddress,
		EvidenceIDs:      in.EvidenceIDs,
		StatusHistory:    []models.StatusChange{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// Rendering happens synchronously at draft time, so integrity is
	// asserted before the checks run.
	l.QualityChecks.PDFIntegrityVerified = true
	l.QualityChecks = models.EvaluateQualityChecks(l, now)

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var d disputeModels.Dispute
		if err := tx.Get(ctx, storage.CollectionDisputes, in.DisputeID, &d); err != nil {
			return wrapStoreErr(err, "dispute")
		}
		if d.TenantID != in.TenantID {
			return dErrors.New(dErrors.CodeNotFound, "dispute not found")
		}
		if !d.Open() {
			return dErrors.Newf(dErrors.CodeConflict, "dispute is %s and accepts no new letters", d.Status)
		}

		d.LetterIDs = append(d.LetterIDs, l.ID)
		d.UpdatedAt = now
		if err := tx.Put(ctx, storage.CollectionDisputes, d.ID, &d); err != nil {
			return err
		}
		if err := tx.Put(ctx, storage.CollectionLetters, l.ID, l); err != nil {
			return err
		}
		_, err := s.trail.RecordTx(ctx, tx, audit.Event{
			TenantID: l.TenantID,
			Actor:    actor,
			Entity:   audit.EntityLetter,
			EntityID: l.ID,
			Action:   audit.ActionCreate,
			NewState: l.Snapshot(),
			Metadata: audit.Metadata{RequestID: middleware.GetRequestID(ctx)},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create letter: %w", err)
	}

	s.logger.InfoContext(ctx, "letter drafted",
		"letter_id", l.ID,
		"dispute_id", l.DisputeID,
		"mail_type", l.MailType,
		"request_id", middleware.GetRequestID(ctx),
	)
	return l, nil
}

// Get returns one letter.
func (s *Service) Get(ctx context.Context, tenantID, letterID string) (*models.Letter, error) {
	var l models.Letter
	if err := s.store.Get(ctx, storage.CollectionLetters, letterID, &l); err != nil {
		return nil, wrapStoreErr(err, "letter")
	}
	if l.TenantID != tenantID {
		return nil, dErrors.New(dErrors.CodeNotFound, "letter not found")
	}
	return &l, nil
}

// FindByTracking resolves a letter from its carrier tracking number. Webhook
// payloads identify mail this way, so the lookup is tenant-blind and the
// caller inherits the letter's tenant. Returns sentinel.ErrNotFound wrapped as
// a not-found domain error when no letter carries the number.
func (s *Service) FindByTracking(ctx context.Context, trackingNumber string) (*models.Letter, error) {
	if trackingNumber == "" {
		return nil, dErrors.New(dErrors.CodeNotFound, "letter not found")
	}
	var letters []models.Letter
	err := s.store.Query(ctx, storage.CollectionLetters, storage.Query{
		Filters: []storage.Filter{
			{Field: "trackingNumber", Op: "==", Value: trackingNumber},
		},
		Limit: 1,
	}, &letters)
	if err != nil {
		return nil, fmt.Errorf("find letter by tracking: %w", err)
	}
	if len(letters) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "letter not found")
	}
	return &letters[0], nil
}

// ListByDispute returns a dispute's letters, oldest first.
func (s *Service) ListByDispute(ctx context.Context, tenantID, disputeID string) ([]models.Letter, error) {
	var letters []models.Letter
	err := s.store.Query(ctx, storage.CollectionLetters, storage.Query{
		Filters: []storage.Filter{
			{Field: "tenantId", Op: "==", Value: tenantID},
			{Field: "disputeId", Op: "==", Value: disputeID},
		},
		OrderBy: "createdAt",
	}, &letters)
	if err != nil {
		return nil, fmt.Errorf("list letters: %w", err)
	}
	return letters, nil
}

// mutate runs one transactional read-modify-write over a letter with its
// audit entry in the same commit, retrying bounded times on conflicts.
func (s *Service) mutate(
	ctx context.Context,
	tenantID, letterID string,
	action audit.Action,
	detail string,
	actor audit.Actor,
	fn func(ctx context.Context, tx storage.Tx, l *models.Letter) error,
) (*models.Letter, error) {
	var out *models.Letter

	for attempt := 0; ; attempt++ {
		err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
			var l models.Letter
			if err := tx.Get(ctx, storage.CollectionLetters, letterID, &l); err != nil {
				return wrapStoreErr(err, "letter")
			}
			if l.TenantID != tenantID {
				return dErrors.New(dErrors.CodeNotFound, "letter not found")
			}

			before := l.Snapshot()
			if err := fn(ctx, tx, &l); err != nil {
				return err
			}

			if err := tx.Put(ctx, storage.CollectionLetters, l.ID, &l); err != nil {
				return err
			}
			if _, err := s.trail.RecordTx(ctx, tx, audit.Event{
				TenantID:      l.TenantID,
				Actor:         actor,
				Entity:        audit.EntityLetter,
				EntityID:      l.ID,
				Action:        action,
				ActionDetail:  detail,
				PreviousState: before,
				NewState:      l.Snapshot(),
				Metadata:      audit.Metadata{RequestID: middleware.GetRequestID(ctx)},
			}); err != nil {
				return err
			}
			out = &l
			return nil
		})
		if err == nil {
			if s.metrics != nil {
				s.metrics.TransitionsApplied.WithLabelValues("letter", string(out.Status)).Inc()
			}
			return out, nil
		}

		var invalid *models.InvalidTransitionError
		if errors.As(err, &invalid) && s.metrics != nil {
			s.metrics.TransitionsRejected.WithLabelValues("letter").Inc()
		}
		if errors.Is(err, sentinel.ErrConflict) && attempt < maxTxRetries {
			continue
		}
		return nil, err
	}
}

// Approve marks a drafted letter ready to send. Quality checks are
// re-evaluated against current content and must all pass.
func (s *Service) Approve(ctx context.Context, tenantID, letterID string, actor audit.Actor) (*models.Letter, error) {
	return s.mutate(ctx, tenantID, letterID, audit.ActionApprove, "", actor,
		func(ctx context.Context, tx storage.Tx, l *models.Letter) error {
			now := s.now().UTC()
			l.QualityChecks = models.EvaluateQualityChecks(l, now)
			if !l.QualityChecks.Satisfied() {
				return dErrors.New(dErrors.CodeInvariantViolation, "letter fails quality checks")
			}
			if err := l.Apply(models.StatusApproved, models.SourceOperator, now); err != nil {
				return transitionErr(err)
			}
			return nil
		})
}

// Send submits the letter to the carrier and marks it sent. The dispute must
// already be submitted; both entities are read inside the transaction so the
// guard and the write see one consistent snapshot. The carrier call happens
// first so a failed submission never leaves a letter marked sent.
func (s *Service) Send(ctx context.Context, tenantID, letterID string, actor audit.Actor) (*models.Letter, error) {
	l, err := s.Get(ctx, tenantID, letterID)
	if err != nil {
		return nil, err
	}
	if !models.IsValidStatusTransition(l.Status, models.StatusSent) {
		return nil, transitionErr(&models.InvalidTransitionError{From: l.Status, To: models.StatusSent})
	}

	tracking, err := s.submitToCarrier(ctx, l)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "carrier submission failed")
	}

	return s.mutate(ctx, tenantID, letterID, audit.ActionSend, string(l.MailType), actor,
		func(ctx context.Context, tx storage.Tx, l *models.Letter) error {
			var d disputeModels.Dispute
			if err := tx.Get(ctx, storage.CollectionDisputes, l.DisputeID, &d); err != nil {
				return wrapStoreErr(err, "dispute")
			}
			if d.Status == disputeModels.StatusDraft {
				return dErrors.New(dErrors.CodeInvariantViolation, "dispute must be submitted before letters go out")
			}
			if !d.Open() && d.Status != disputeModels.StatusResolved {
				return dErrors.Newf(dErrors.CodeConflict, "dispute is %s; letter can no longer be sent", d.Status)
			}
			if !l.QualityChecks.Satisfied() {
				return dErrors.New(dErrors.CodeInvariantViolation, "letter fails quality checks")
			}

			if err := l.Apply(models.StatusSent, models.SourceOperator, s.now().UTC()); err != nil {
				return transitionErr(err)
			}
			if l.TrackingNumber == "" {
				l.TrackingNumber = tracking
			}
			return nil
		})
}

// submitToCarrier retries transient carrier failures with bounded
// exponential backoff. Application errors surface immediately.
func (s *Service) submitToCarrier(ctx context.Context, l *models.Letter) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 3 * time.Second
	policy.MaxElapsedTime = 15 * time.Second

	var tracking string
	err := backoff.Retry(func() error {
		number, err := s.carrier.Send(ctx, carrier.Submission{
			LetterID:         l.ID,
			MailType:         l.MailType,
			RecipientAddress: l.RecipientAddress,
			ReturnAddress:    l.ReturnAddress,
		})
		if err != nil {
			if transient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		tracking = number
		return nil
	}, backoff.WithContext(policy, ctx))
	return tracking, err
}

func transient(err error) bool {
	if errors.Is(err, sentinel.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CarrierEvent is a mapped, normalized carrier notification.
type CarrierEvent struct {
	EventType  string
	Status     models.Status // empty for tracking-only events
	OccurredAt time.Time
	Location   string
}

// ApplyCarrierEvent appends the raw tracking event and, when the event maps
// to a status, applies the transition. An illegal mapped transition is an
// at-least-once replay or an out-of-order duplicate: it is recorded as a
// no-op, not an error. Reports whether the status changed.
func (s *Service) ApplyCarrierEvent(ctx context.Context, tenantID, letterID string, ev CarrierEvent) (*models.Letter, bool, error) {
	applied := false
	l, err := s.mutate(ctx, tenantID, letterID, audit.ActionStatusChange, ev.EventType,
		audit.Actor{UserID: "carrier-webhook", Role: "system"},
		func(ctx context.Context, tx storage.Tx, l *models.Letter) error {
			now := s.now().UTC()
			occurredAt := ev.OccurredAt
			if occurredAt.IsZero() {
				occurredAt = now
			}
			l.TrackingEvents = append(l.TrackingEvents, models.TrackingEvent{
				EventType:  ev.EventType,
				OccurredAt: occurredAt,
				Location:   ev.Location,
			})
			l.UpdatedAt = now

			if ev.Status == "" {
				return nil
			}
			if !models.IsValidStatusTransition(l.Status, ev.Status) {
				s.logger.InfoContext(ctx, "carrier event replay ignored",
					"letter_id", l.ID,
					"event_type", ev.EventType,
					"current_status", l.Status,
					"mapped_status", ev.Status,
				)
				return nil
			}
			if err := l.Apply(ev.Status, models.SourceWebhook, now); err != nil {
				return transitionErr(err)
			}
			applied = true
			return nil
		})
	if err != nil {
		return nil, false, err
	}
	return l, applied, nil
}

func transitionErr(err error) error {
	return dErrors.Wrap(err, dErrors.CodeConflict, "illegal letter status transition")
}

func wrapStoreErr(err error, entity string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, entity+" not found")
	}
	return err
}
