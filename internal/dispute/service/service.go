// Package service orchestrates dispute lifecycle operations. Every mutation
// runs a single-entity transactional read-modify-write: the state-machine
// guard, the write, and the audit entry commit together, and conflicting
// writers are retried a bounded number of times before the conflict
// surfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"creditflow/internal/audit"
	"creditflow/internal/dispute/models"
	letterModels "creditflow/internal/letter/models"
	"creditflow/internal/piicrypto"
	"creditflow/internal/platform/config"
	"creditflow/internal/platform/metrics"
	"creditflow/internal/platform/middleware"
	"creditflow/internal/sla"
	"creditflow/internal/storage"
	dErrors "creditflow/pkg/domain-errors"
	"creditflow/pkg/sentinel"
)

// maxTxRetries bounds transparent retries of conflicted transactions.
const maxTxRetries = 3

// Service is the dispute orchestrator.
type Service struct {
	store   storage.Store
	trail   *audit.Trail
	cipher  *piicrypto.Cipher
	clock   *sla.Clock
	slaCfg  config.SLA
	logger  *slog.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// New wires a dispute Service.
func New(
	store storage.Store,
	trail *audit.Trail,
	cipher *piicrypto.Cipher,
	clock *sla.Clock,
	slaCfg config.SLA,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		store:   store,
		trail:   trail,
		cipher:  cipher,
		clock:   clock,
		slaCfg:  slaCfg,
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

// CreateInput is the request to open a new dispute.
type CreateInput struct {
	TenantID    string
	ConsumerID  string
	TradelineID string
	Bureau      models.Bureau
	Type        string
	Consumer    models.Consumer
}

func (in CreateInput) validate() error {
	switch {
	case in.TenantID == "":
		return dErrors.New(dErrors.CodeValidation, "tenantId is required")
	case in.ConsumerID == "":
		return dErrors.New(dErrors.CodeValidation, "consumerId is required")
	case in.TradelineID == "":
		return dErrors.New(dErrors.CodeValidation, "tradelineId is required")
	case !models.ValidBureau(in.Bureau):
		return dErrors.Newf(dErrors.CodeValidation, "unknown bureau %q", in.Bureau)
	case in.Type == "":
		return dErrors.New(dErrors.CodeValidation, "dispute type is required")
	}
	return nil
}

// Create opens a draft dispute with encrypted consumer PII. A second open
// dispute on the same tradeline and bureau is rejected as a duplicate.
func (s *Service) Create(ctx context.Context, in CreateInput, actor audit.Actor) (*models.Dispute, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	dup, err := s.openDuplicateExists(ctx, in)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, dErrors.New(dErrors.CodeConflict, "an open dispute already exists for this tradeline and bureau")
	}

	now := s.now().UTC()
	dueAt, err := s.clock.DueDate(now, s.slaCfg.BaseDays, 0)
	if err != nil {
		return nil, err
	}

	consumer, err := s.encryptConsumer(ctx, in.Consumer)
	if err != nil {
		return nil, err
	}

	d := &models.Dispute{
		ID:          uuid.NewString(),
		TenantID:    in.TenantID,
		ConsumerID:  in.ConsumerID,
		TradelineID: in.TradelineID,
		Bureau:      in.Bureau,
		Type:        in.Type,
		Status:      models.StatusDraft,
		Consumer:    consumer,
		SLA:         models.SLAWindow{BaseDays: s.slaCfg.BaseDays},
		CreatedAt:   now,
		DueAt:       &dueAt,
		UpdatedAt:   now,
		LetterIDs:   []string{},
		EvidenceIDs: []string{},
	}

	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Put(ctx, storage.CollectionDisputes, d.ID, d); err != nil {
			return err
		}
		_, err := s.trail.RecordTx(ctx, tx, audit.Event{
			TenantID: d.TenantID,
			Actor:    actor,
			Entity:   audit.EntityDispute,
			EntityID: d.ID,
			Action:   audit.ActionCreate,
			NewState: d.Snapshot(),
			Metadata: audit.Metadata{RequestID: middleware.GetRequestID(ctx)},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create dispute: %w", err)
	}

	s.logger.InfoContext(ctx, "dispute created",
		"dispute_id", d.ID,
		"tenant_id", d.TenantID,
		"bureau", d.Bureau,
		"request_id", middleware.GetRequestID(ctx),
	)
	return d, nil
}

func (s *Service) openDuplicateExists(ctx context.Context, in CreateInput) (bool, error) {
	var existing []models.Dispute
	err := s.store.Query(ctx, storage.CollectionDisputes, storage.Query{
		Filters: []storage.Filter{
			{Field: "tenantId", Op: "==", Value: in.TenantID},
			{Field: "consumerId", Op: "==", Value: in.ConsumerID},
			{Field: "tradelineId", Op: "==", Value: in.TradelineID},
			{Field: "bureau", Op: "==", Value: string(in.Bureau)},
			{Field: "status", Op: "in", Value: []string{
				string(models.StatusDraft),
				string(models.StatusSubmitted),
				string(models.StatusInReview),
			}},
		},
		Limit: 1,
	}, &existing)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return len(existing) > 0, nil
}

func (s *Service) encryptConsumer(ctx context.Context, c models.Consumer) (models.Consumer, error) {
	var err error
	if c.FirstName, err = s.cipher.Encrypt(ctx, c.FirstName); err != nil {
		return c, err
	}
	if c.LastName, err = s.cipher.Encrypt(ctx, c.LastName); err != nil {
		return c, err
	}
	if c.SSNLast4, err = s.cipher.Encrypt(ctx, c.SSNLast4); err != nil {
		return c, err
	}
	if c.DOB, err = s.cipher.Encrypt(ctx, c.DOB); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Service) decryptConsumer(ctx context.Context, c models.Consumer) (models.Consumer, error) {
	var err error
	if c.FirstName, err = s.cipher.Decrypt(ctx, c.FirstName); err != nil {
		return c, err
	}
	if c.LastName, err = s.cipher.Decrypt(ctx, c.LastName); err != nil {
		return c, err
	}
	if c.SSNLast4, err = s.cipher.Decrypt(ctx, c.SSNLast4); err != nil {
		return c, err
	}
	if c.DOB, err = s.cipher.Decrypt(ctx, c.DOB); err != nil {
		return c, err
	}
	return c, nil
}

// Get returns one dispute with consumer PII decrypted.
func (s *Service) Get(ctx context.Context, tenantID, disputeID string) (*models.Dispute, error) {
	var d models.Dispute
	if err := s.store.Get(ctx, storage.CollectionDisputes, disputeID, &d); err != nil {
		return nil, wrapStoreErr(err, "dispute")
	}
	if d.TenantID != tenantID {
		return nil, dErrors.New(dErrors.CodeNotFound, "dispute not found")
	}
	consumer, err := s.decryptConsumer(ctx, d.Consumer)
	if err != nil {
		return nil, err
	}
	d.Consumer = consumer
	return &d, nil
}

// ListOptions narrows a dispute listing.
type ListOptions struct {
	Status models.Status
	Limit  int
}

// List returns a tenant's disputes, newest first. Consumer PII stays
// encrypted; list views use masked display fields only.
func (s *Service) List(ctx context.Context, tenantID string, opts ListOptions) ([]models.Dispute, error) {
	filters := []storage.Filter{{Field: "tenantId", Op: "==", Value: tenantID}}
	if opts.Status != "" {
		filters = append(filters, storage.Filter{Field: "status", Op: "==", Value: string(opts.Status)})
	}
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var disputes []models.Dispute
	err := s.store.Query(ctx, storage.CollectionDisputes, storage.Query{
		Filters: filters,
		OrderBy: "createdAt",
		Desc:    true,
		Limit:   limit,
	}, &disputes)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	return disputes, nil
}

// mutate runs one transactional read-modify-write with an audit entry in the
// same commit, retrying bounded times on write conflicts.
func (s *Service) mutate(
	ctx context.Context,
	tenantID, disputeID string,
	action audit.Action,
	detail string,
	actor audit.Actor,
	fn func(ctx context.Context, tx storage.Tx, d *models.Dispute) error,
) (*models.Dispute, error) {
	var out *models.Dispute

	for attempt := 0; ; attempt++ {
		err := s.store.RunTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
			var d models.Dispute
			if err := tx.Get(ctx, storage.CollectionDisputes, disputeID, &d); err != nil {
				return wrapStoreErr(err, "dispute")
			}
			if d.TenantID != tenantID {
				return dErrors.New(dErrors.CodeNotFound, "dispute not found")
			}

			before := d.Snapshot()
			if err := fn(ctx, tx, &d); err != nil {
				return err
			}

			if err := tx.Put(ctx, storage.CollectionDisputes, d.ID, &d); err != nil {
				return err
			}
			if _, err := s.trail.RecordTx(ctx, tx, audit.Event{
				TenantID:      d.TenantID,
				Actor:         actor,
				Entity:        audit.EntityDispute,
				EntityID:      d.ID,
				Action:        action,
				ActionDetail:  detail,
				PreviousState: before,
				NewState:      d.Snapshot(),
				Metadata:      audit.Metadata{RequestID: middleware.GetRequestID(ctx)},
			}); err != nil {
				return err
			}
			out = &d
			return nil
		})
		if err == nil {
			if s.metrics != nil {
				s.metrics.TransitionsApplied.WithLabelValues("dispute", string(out.Status)).Inc()
			}
			return out, nil
		}

		var invalid *models.InvalidTransitionError
		if errors.As(err, &invalid) && s.metrics != nil {
			s.metrics.TransitionsRejected.WithLabelValues("dispute").Inc()
		}
		if errors.Is(err, sentinel.ErrConflict) && attempt < maxTxRetries {
			continue
		}
		return nil, err
	}
}

// Submit moves a draft to submitted. At least one linked letter must already
// be approved; the deadline is re-anchored at submission time.
func (s *Service) Submit(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error) {
	return s.mutate(ctx, tenantID, disputeID, audit.ActionStatusChange, "submit", actor,
		func(ctx context.Context, tx storage.Tx, d *models.Dispute) error {
			approved, err := s.anyLetterInStatus(ctx, tx, d, letterModels.StatusApproved,
				letterModels.StatusSent, letterModels.StatusInTransit, letterModels.StatusDelivered)
			if err != nil {
				return err
			}
			if !approved {
				return dErrors.New(dErrors.CodeInvariantViolation, "dispute needs at least one approved letter before submission")
			}

			now := s.now().UTC()
			if err := d.Apply(models.StatusSubmitted, now); err != nil {
				return transitionErr(err)
			}
			due, err := s.clock.DueDate(now, d.SLA.BaseDays, d.SLA.ExtendedDays)
			if err != nil {
				return err
			}
			d.DueAt = &due
			return nil
		})
}

// BeginReview moves a submitted dispute into review once the carrier has
// confirmed delivery of a linked letter.
func (s *Service) BeginReview(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error) {
	return s.mutate(ctx, tenantID, disputeID, audit.ActionStatusChange, "begin_review", actor,
		func(ctx context.Context, tx storage.Tx, d *models.Dispute) error {
			delivered, err := s.anyLetterInStatus(ctx, tx, d, letterModels.StatusDelivered)
			if err != nil {
				return err
			}
			if !delivered {
				return dErrors.New(dErrors.CodeInvariantViolation, "no delivered letter confirms the bureau received this dispute")
			}
			if err := d.Apply(models.StatusInReview, s.now().UTC()); err != nil {
				return transitionErr(err)
			}
			return nil
		})
}

// Resolve records the outcome and closes the review.
func (s *Service) Resolve(ctx context.Context, tenantID, disputeID, outcome string, actor audit.Actor) (*models.Dispute, error) {
	if outcome == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "outcome is required to resolve a dispute")
	}
	return s.mutate(ctx, tenantID, disputeID, audit.ActionStatusChange, "resolve", actor,
		func(ctx context.Context, tx storage.Tx, d *models.Dispute) error {
			if err := d.Apply(models.StatusResolved, s.now().UTC()); err != nil {
				return transitionErr(err)
			}
			d.Outcome = outcome
			return nil
		})
}

// Close ends an open dispute without an outcome. Callers enforce the role
// gate before invoking.
func (s *Service) Close(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error) {
	return s.mutate(ctx, tenantID, disputeID, audit.ActionStatusChange, "close", actor,
		func(ctx context.Context, tx storage.Tx, d *models.Dispute) error {
			if err := d.Apply(models.StatusClosed, s.now().UTC()); err != nil {
				return transitionErr(err)
			}
			return nil
		})
}

// Extend applies the single permitted deadline extension and recomputes the
// due date from the dispute's anchor.
func (s *Service) Extend(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error) {
	return s.mutate(ctx, tenantID, disputeID, audit.ActionUpdate, "sla_extension", actor,
		func(ctx context.Context, tx storage.Tx, d *models.Dispute) error {
			if !d.Open() {
				return dErrors.Newf(dErrors.CodeConflict, "dispute is %s and can no longer be extended", d.Status)
			}
			if err := d.ApplyExtension(s.slaCfg.ExtensionDays); err != nil {
				return err
			}
			due, err := s.clock.DueDate(d.Anchor(), d.SLA.BaseDays, d.SLA.ExtendedDays)
			if err != nil {
				return err
			}
			d.DueAt = &due
			d.UpdatedAt = s.now().UTC()
			return nil
		})
}

// AutoClose terminates a dispute whose grace window has fully elapsed with
// no outcome. The sweep drives this; the guard re-checks under the
// transaction so a racing resolution wins.
func (s *Service) AutoClose(ctx context.Context, tenantID, disputeID string, actor audit.Actor) (*models.Dispute, error) {
	return s.mutate(ctx, tenantID, disputeID, audit.ActionAutoClose, "sla_expired", actor,
		func(ctx context.Context, tx storage.Tx, d *models.Dispute) error {
			if d.DueAt == nil {
				return dErrors.New(dErrors.CodeInvariantViolation, "dispute has no due date")
			}
			overdue, err := s.clock.IsOverdue(*d.DueAt, s.slaCfg.GraceDays, s.now())
			if err != nil {
				return err
			}
			if !overdue {
				return dErrors.New(dErrors.CodeConflict, "dispute is not past its grace window")
			}
			if err := d.Apply(models.StatusAutoClosed, s.now().UTC()); err != nil {
				return transitionErr(err)
			}
			return nil
		})
}

// LinkLetter attaches a letter id to the dispute's ordered letter list.
func (s *Service) LinkLetter(ctx context.Context, tenantID, disputeID, letterID string, actor audit.Actor) (*models.Dispute, error) {
	return s.mutate(ctx, tenantID, disputeID, audit.ActionUpdate, "link_letter", actor,
		func(ctx context.Context, tx storage.Tx, d *models.Dispute) error {
			if !d.Open() {
				return dErrors.Newf(dErrors.CodeConflict, "dispute is %s and can no longer change", d.Status)
			}
			for _, id := range d.LetterIDs {
				if id == letterID {
					return nil
				}
			}
			d.LetterIDs = append(d.LetterIDs, letterID)
			d.UpdatedAt = s.now().UTC()
			return nil
		})
}

func (s *Service) anyLetterInStatus(ctx context.Context, tx storage.Tx, d *models.Dispute, statuses ...letterModels.Status) (bool, error) {
	for _, letterID := range d.LetterIDs {
		var l letterModels.Letter
		if err := tx.Get(ctx, storage.CollectionLetters, letterID, &l); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			return false, err
		}
		for _, status := range statuses {
			if l.Status == status {
				return true, nil
			}
		}
	}
	return false, nil
}

func transitionErr(err error) error {
	return dErrors.Wrap(err, dErrors.CodeConflict, "illegal dispute status transition")
}

func wrapStoreErr(err error, entity string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, entity+" not found")
	}
	return err
}
