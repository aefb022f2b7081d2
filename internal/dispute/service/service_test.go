package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"creditflow/internal/audit"
	"creditflow/internal/dispute/models"
	letterModels "creditflow/internal/letter/models"
	"creditflow/internal/piicrypto"
	"creditflow/internal/platform/config"
	"creditflow/internal/sla"
	"creditflow/internal/storage"
	dErrors "creditflow/pkg/domain-errors"
)

type DisputeServiceSuite struct {
	suite.Suite
	ctx     context.Context
	store   *storage.MemoryStore
	trail   *audit.Trail
	service *Service
	now     time.Time
	actor   audit.Actor
}

func (s *DisputeServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = storage.NewMemory()
	s.now = time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditCfg := config.Audit{
		RetentionYears:  7,
		SensitiveFields: []string{"ssnLast4", "dob", "firstName", "lastName", "accessToken", "refreshToken"},
	}
	s.trail = audit.New(s.store, auditCfg, logger, nil)

	cipher, err := piicrypto.NewLocal("dispute-service-test")
	s.Require().NoError(err)
	clock, err := sla.New("America/New_York")
	s.Require().NoError(err)

	slaCfg := config.SLA{BaseDays: 30, ExtensionDays: 15, ReminderOffsets: []int{5, 3, 1}, GraceDays: 5}
	s.service = New(s.store, s.trail, cipher, clock, slaCfg, logger, nil).
		WithClock(func() time.Time { return s.now })
	s.actor = audit.Actor{UserID: "user-1", Email: "op@example.com", Role: "operator"}
}

func TestDisputeServiceSuite(t *testing.T) {
	suite.Run(t, new(DisputeServiceSuite))
}

func (s *DisputeServiceSuite) createInput() CreateInput {
	return CreateInput{
		TenantID:    "tenant-1",
		ConsumerID:  "consumer-1",
		TradelineID: "tradeline-1",
		Bureau:      models.BureauEquifax,
		Type:        "611_dispute",
		Consumer: models.Consumer{
			FirstName: "Ada",
			LastName:  "Lovelace",
			SSNLast4:  "6789",
			DOB:       "1990-04-17",
		},
	}
}

func (s *DisputeServiceSuite) create() *models.Dispute {
	d, err := s.service.Create(s.ctx, s.createInput(), s.actor)
	s.Require().NoError(err)
	return d
}

// seedLetter stores an approved-or-later letter and links it to the dispute.
func (s *DisputeServiceSuite) seedLetter(d *models.Dispute, status letterModels.Status) string {
	l := letterModels.Letter{
		ID:        uuid.NewString(),
		TenantID:  d.TenantID,
		DisputeID: d.ID,
		Status:    status,
		MailType:  letterModels.MailTypeCertified,
		CreatedAt: s.now,
		UpdatedAt: s.now,
	}
	s.Require().NoError(s.store.Put(s.ctx, storage.CollectionLetters, l.ID, l))
	updated, err := s.service.LinkLetter(s.ctx, d.TenantID, d.ID, l.ID, s.actor)
	s.Require().NoError(err)
	*d = *updated
	return l.ID
}

// TestCreate covers PII encryption at rest, deadline anchoring, audit
// capture, and the duplicate guard.
func (s *DisputeServiceSuite) TestCreate() {
	s.Run("persists encrypted PII and a due date", func() {
		d := s.create()

		var stored models.Dispute
		s.Require().NoError(s.store.Get(s.ctx, storage.CollectionDisputes, d.ID, &stored))
		s.True(piicrypto.IsEncrypted(stored.Consumer.SSNLast4), "ssn must be encrypted at rest")
		s.True(piicrypto.IsEncrypted(stored.Consumer.FirstName))
		s.Equal(models.StatusDraft, stored.Status)
		s.Require().NotNil(stored.DueAt)
		s.Equal(30, stored.SLA.BaseDays)

		entries, err := s.trail.ListByEntity(s.ctx, "tenant-1", audit.EntityDispute, d.ID, 10)
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal(audit.ActionCreate, entries[0].Action)
		s.Equal(audit.RedactionMarker, entries[0].NewState["consumer"].(map[string]any)["ssnLast4"])
	})

	s.Run("rejects a duplicate open dispute", func() {
		_, err := s.service.Create(s.ctx, s.createInput(), s.actor)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("allows a new dispute after the first closes", func() {
		disputes, err := s.service.List(s.ctx, "tenant-1", ListOptions{Status: models.StatusDraft})
		s.Require().NoError(err)
		s.Require().Len(disputes, 1)
		d := disputes[0]

		s.seedLetter(&d, letterModels.StatusApproved)
		_, err = s.service.Submit(s.ctx, d.TenantID, d.ID, s.actor)
		s.Require().NoError(err)
		_, err = s.service.Close(s.ctx, d.TenantID, d.ID, s.actor)
		s.Require().NoError(err)

		_, err = s.service.Create(s.ctx, s.createInput(), s.actor)
		s.NoError(err)
	})

	s.Run("validates input", func() {
		in := s.createInput()
		in.Bureau = "innovis"
		_, err := s.service.Create(s.ctx, in, s.actor)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

// TestGet covers decryption and tenant isolation.
func (s *DisputeServiceSuite) TestGet() {
	d := s.create()

	s.Run("decrypts consumer PII", func() {
		got, err := s.service.Get(s.ctx, "tenant-1", d.ID)
		s.Require().NoError(err)
		s.Equal("6789", got.Consumer.SSNLast4)
		s.Equal("Ada", got.Consumer.FirstName)
	})

	s.Run("hides other tenants' disputes", func() {
		_, err := s.service.Get(s.ctx, "tenant-2", d.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

// TestSubmit covers the approved-letter guard and deadline re-anchoring.
func (s *DisputeServiceSuite) TestSubmit() {
	s.Run("rejected without an approved letter", func() {
		d := s.create()
		_, err := s.service.Submit(s.ctx, d.TenantID, d.ID, s.actor)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		got, err := s.service.Get(s.ctx, d.TenantID, d.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusDraft, got.Status, "failed guard must not mutate the dispute")
	})

	s.Run("re-anchors the deadline at submission", func() {
		in := s.createInput()
		in.TradelineID = "tradeline-2"
		d, err := s.service.Create(s.ctx, in, s.actor)
		s.Require().NoError(err)
		s.seedLetter(d, letterModels.StatusApproved)

		s.now = s.now.AddDate(0, 0, 3) // letters took three days to approve
		got, err := s.service.Submit(s.ctx, d.TenantID, d.ID, s.actor)
		s.Require().NoError(err)
		s.Equal(models.StatusSubmitted, got.Status)
		s.Require().NotNil(got.SubmittedAt)

		loc, _ := time.LoadLocation("America/New_York")
		want := time.Date(2024, 2, 3, 0, 0, 0, 0, loc) // Jan 4 + 30 days
		s.True(got.DueAt.Equal(want), "dueAt = %v, want %v", got.DueAt, want)
	})
}

// TestTransitions covers illegal edges, terminal finality, and review flow.
func (s *DisputeServiceSuite) TestTransitions() {
	d := s.create()
	s.seedLetter(d, letterModels.StatusApproved)

	s.Run("draft cannot resolve", func() {
		_, err := s.service.Resolve(s.ctx, d.TenantID, d.ID, "deleted", s.actor)
		s.Require().Error(err)
		var invalid *models.InvalidTransitionError
		s.Require().True(errors.As(err, &invalid))
		s.Equal(models.StatusDraft, invalid.From)
		s.Equal(models.StatusResolved, invalid.To)
	})

	s.Run("review requires a delivered letter", func() {
		_, err := s.service.Submit(s.ctx, d.TenantID, d.ID, s.actor)
		s.Require().NoError(err)

		_, err = s.service.BeginReview(s.ctx, d.TenantID, d.ID, s.actor)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		s.seedLetter(d, letterModels.StatusDelivered)
		got, err := s.service.BeginReview(s.ctx, d.TenantID, d.ID, s.actor)
		s.Require().NoError(err)
		s.Equal(models.StatusInReview, got.Status)
	})

	s.Run("resolve records the outcome", func() {
		_, err := s.service.Resolve(s.ctx, d.TenantID, d.ID, "", s.actor)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		got, err := s.service.Resolve(s.ctx, d.TenantID, d.ID, "tradeline_deleted", s.actor)
		s.Require().NoError(err)
		s.Equal("tradeline_deleted", got.Outcome)
		s.NotNil(got.ResolvedAt)
	})

	s.Run("terminal states are final", func() {
		_, err := s.service.Close(s.ctx, d.TenantID, d.ID, s.actor)
		s.Require().Error(err)
		var invalid *models.InvalidTransitionError
		s.True(errors.As(err, &invalid))

		got, err := s.service.Get(s.ctx, d.TenantID, d.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusResolved, got.Status)
	})
}

// TestExtend covers the one-shot extension and deadline recomputation.
func (s *DisputeServiceSuite) TestExtend() {
	d := s.create()
	s.seedLetter(d, letterModels.StatusApproved)
	_, err := s.service.Submit(s.ctx, d.TenantID, d.ID, s.actor)
	s.Require().NoError(err)

	s.Run("first extension moves the deadline", func() {
		got, err := s.service.Extend(s.ctx, d.TenantID, d.ID, s.actor)
		s.Require().NoError(err)
		s.True(got.SLA.IsExtended)
		s.Equal(15, got.SLA.ExtendedDays)

		loc, _ := time.LoadLocation("America/New_York")
		want := time.Date(2024, 2, 15, 0, 0, 0, 0, loc) // Jan 1 + 45 days
		s.True(got.DueAt.Equal(want), "dueAt = %v, want %v", got.DueAt, want)
	})

	s.Run("second extension is rejected, not ignored", func() {
		_, err := s.service.Extend(s.ctx, d.TenantID, d.ID, s.actor)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))

		got, err := s.service.Get(s.ctx, d.TenantID, d.ID)
		s.Require().NoError(err)
		s.Equal(15, got.SLA.ExtendedDays)
	})
}

// TestAutoClose covers the grace-window guard.
func (s *DisputeServiceSuite) TestAutoClose() {
	d := s.create()
	s.seedLetter(d, letterModels.StatusApproved)
	_, err := s.service.Submit(s.ctx, d.TenantID, d.ID, s.actor)
	s.Require().NoError(err)

	system := audit.Actor{UserID: "system", Role: "system"}

	s.Run("rejected inside the grace window", func() {
		s.now = s.now.AddDate(0, 0, 35) // due+grace boundary, not yet elapsed
		_, err := s.service.AutoClose(s.ctx, d.TenantID, d.ID, system)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("closes once the grace window has fully elapsed", func() {
		s.now = s.now.AddDate(0, 0, 1)
		got, err := s.service.AutoClose(s.ctx, d.TenantID, d.ID, system)
		s.Require().NoError(err)
		s.Equal(models.StatusAutoClosed, got.Status)

		entries, err := s.trail.ListByEntity(s.ctx, d.TenantID, audit.EntityDispute, d.ID, 10)
		s.Require().NoError(err)
		s.Equal(audit.ActionAutoClose, entries[0].Action)
	})
}
