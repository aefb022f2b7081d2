package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"creditflow/internal/audit"
	disputeModels "creditflow/internal/dispute/models"
	"creditflow/internal/letter/carrier"
	"creditflow/internal/letter/models"
	"creditflow/internal/platform/config"
	"creditflow/internal/storage"
	dErrors "creditflow/pkg/domain-errors"
	"creditflow/pkg/sentinel"
)

type LetterServiceSuite struct {
	suite.Suite
	ctx     context.Context
	store   *storage.MemoryStore
	trail   *audit.Trail
	carrier *carrier.Memory
	service *Service
	now     time.Time
	actor   audit.Actor
}

func (s *LetterServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = storage.NewMemory()
	s.now = time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
	s.carrier = carrier.NewMemory()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditCfg := config.Audit{RetentionYears: 7, SensitiveFields: []string{"ssnLast4", "dob", "firstName", "lastName"}}
	s.trail = audit.New(s.store, auditCfg, logger, nil)
	s.service = New(s.store, s.trail, s.carrier, logger, nil).
		WithClock(func() time.Time { return s.now })
	s.actor = audit.Actor{UserID: "user-1", Role: "operator"}
}

// SetupSubTest gives every s.Run block a fresh store and carrier so
// submission counts never see a sibling's sends.
func (s *LetterServiceSuite) SetupSubTest() {
	s.SetupTest()
}

func TestLetterServiceSuite(t *testing.T) {
	suite.Run(t, new(LetterServiceSuite))
}

func (s *LetterServiceSuite) seedDispute(status disputeModels.Status) *disputeModels.Dispute {
	d := &disputeModels.Dispute{
		ID:        "d-1",
		TenantID:  "tenant-1",
		Status:    status,
		Bureau:    disputeModels.BureauEquifax,
		CreatedAt: s.now,
		UpdatedAt: s.now,
	}
	s.Require().NoError(s.store.Put(s.ctx, storage.CollectionDisputes, d.ID, d))
	return d
}

func (s *LetterServiceSuite) goodAddress() models.Address {
	return models.Address{Name: "Equifax", Line1: "PO Box 740256", City: "Atlanta", State: "GA", ZipCode: "30374"}
}

func (s *LetterServiceSuite) createLetter(d *disputeModels.Dispute) *models.Letter {
	l, err := s.service.Create(s.ctx, CreateInput{
		TenantID:         d.TenantID,
		DisputeID:        d.ID,
		MailType:         models.MailTypeCertified,
		Narrative:        strings.Repeat("the reported balance is inaccurate. ", 6),
		RecipientAddress: s.goodAddress(),
		ReturnAddress:    s.goodAddress(),
	}, s.actor)
	s.Require().NoError(err)
	return l
}

// TestCreate covers drafting, dispute linking, and guard failures.
func (s *LetterServiceSuite) TestCreate() {
	s.Run("drafts and links to the dispute atomically", func() {
		d := s.seedDispute(disputeModels.StatusDraft)
		l := s.createLetter(d)

		s.Equal(models.StatusDrafted, l.Status)
		s.True(l.QualityChecks.Satisfied())

		var stored disputeModels.Dispute
		s.Require().NoError(s.store.Get(s.ctx, storage.CollectionDisputes, d.ID, &stored))
		s.Contains(stored.LetterIDs, l.ID)

		entries, err := s.trail.ListByEntity(s.ctx, "tenant-1", audit.EntityLetter, l.ID, 10)
		s.Require().NoError(err)
		s.Len(entries, 1)
	})

	s.Run("rejects letters on closed disputes", func() {
		d := s.seedDispute(disputeModels.StatusClosed)
		_, err := s.service.Create(s.ctx, CreateInput{
			TenantID:  d.TenantID,
			DisputeID: d.ID,
			MailType:  models.MailTypeFirstClass,
		}, s.actor)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("rejects unknown dispute", func() {
		_, err := s.service.Create(s.ctx, CreateInput{
			TenantID:  "tenant-1",
			DisputeID: "missing",
			MailType:  models.MailTypeFirstClass,
		}, s.actor)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

// TestApprove covers the quality-check gate.
func (s *LetterServiceSuite) TestApprove() {
	s.Run("approves a clean letter", func() {
		d := s.seedDispute(disputeModels.StatusDraft)
		l := s.createLetter(d)

		got, err := s.service.Approve(s.ctx, l.TenantID, l.ID, s.actor)
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, got.Status)
		s.Require().Len(got.StatusHistory, 1)
		s.Equal(models.SourceOperator, got.StatusHistory[0].Source)
	})

	s.Run("blocks a letter failing quality checks", func() {
		d := s.seedDispute(disputeModels.StatusDraft)
		l, err := s.service.Create(s.ctx, CreateInput{
			TenantID:         d.TenantID,
			DisputeID:        d.ID,
			MailType:         models.MailTypeCertified,
			Narrative:        "too short",
			RecipientAddress: s.goodAddress(),
			ReturnAddress:    s.goodAddress(),
		}, s.actor)
		s.Require().NoError(err)

		_, err = s.service.Approve(s.ctx, l.TenantID, l.ID, s.actor)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

// TestSend covers the cross-entity guard, carrier retry, and tracking
// assignment.
func (s *LetterServiceSuite) TestSend() {
	approved := func(disputeStatus disputeModels.Status) *models.Letter {
		d := s.seedDispute(disputeModels.StatusDraft)
		l := s.createLetter(d)
		l, err := s.service.Approve(s.ctx, l.TenantID, l.ID, s.actor)
		s.Require().NoError(err)
		d.Status = disputeStatus
		s.Require().NoError(s.store.Put(s.ctx, storage.CollectionDisputes, d.ID, d))
		return l
	}

	s.Run("sends once the dispute is submitted", func() {
		l := approved(disputeModels.StatusSubmitted)

		got, err := s.service.Send(s.ctx, l.TenantID, l.ID, s.actor)
		s.Require().NoError(err)
		s.Equal(models.StatusSent, got.Status)
		s.NotEmpty(got.TrackingNumber)
		s.NotNil(got.SentAt)
		s.Len(s.carrier.Submissions(), 1)
	})

	s.Run("blocks sending while the dispute is a draft", func() {
		l := approved(disputeModels.StatusDraft)

		_, err := s.service.Send(s.ctx, l.TenantID, l.ID, s.actor)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		got, err := s.service.Get(s.ctx, l.TenantID, l.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, got.Status, "failed guard must not mutate the letter")
		s.Empty(s.carrier.Submissions(), "carrier must not receive a blocked letter")
	})

	s.Run("retries transient carrier failures", func() {
		l := approved(disputeModels.StatusSubmitted)
		s.carrier.FailWith = sentinel.ErrUnavailable
		s.carrier.FailCount = 2

		got, err := s.service.Send(s.ctx, l.TenantID, l.ID, s.actor)
		s.Require().NoError(err)
		s.Equal(models.StatusSent, got.Status)
	})

	s.Run("does not retry application errors", func() {
		l := approved(disputeModels.StatusSubmitted)
		s.carrier.FailWith = errors.New("address rejected")
		s.carrier.FailCount = 1

		_, err := s.service.Send(s.ctx, l.TenantID, l.ID, s.actor)
		s.Require().Error(err)
		s.Equal(0, s.carrier.FailCount, "exactly one attempt expected")

		got, err := s.service.Get(s.ctx, l.TenantID, l.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, got.Status)
	})

	s.Run("cannot send an unapproved letter", func() {
		d := s.seedDispute(disputeModels.StatusSubmitted)
		l := s.createLetter(d)

		_, err := s.service.Send(s.ctx, l.TenantID, l.ID, s.actor)
		s.Require().Error(err)
		var invalid *models.InvalidTransitionError
		s.True(errors.As(err, &invalid))
	})
}

// TestApplyCarrierEvent covers webhook-driven transitions and replay
// tolerance.
func (s *LetterServiceSuite) TestApplyCarrierEvent() {
	sent := func() *models.Letter {
		d := s.seedDispute(disputeModels.StatusDraft)
		l := s.createLetter(d)
		l, err := s.service.Approve(s.ctx, l.TenantID, l.ID, s.actor)
		s.Require().NoError(err)
		d.Status = disputeModels.StatusSubmitted
		s.Require().NoError(s.store.Put(s.ctx, storage.CollectionDisputes, d.ID, d))
		l, err = s.service.Send(s.ctx, l.TenantID, l.ID, s.actor)
		s.Require().NoError(err)
		return l
	}

	s.Run("applies mapped transitions and records history source", func() {
		l := sent()

		got, applied, err := s.service.ApplyCarrierEvent(s.ctx, l.TenantID, l.ID, CarrierEvent{
			EventType:  "letter.certified.in_transit",
			Status:     models.StatusInTransit,
			OccurredAt: s.now.Add(time.Hour),
		})
		s.Require().NoError(err)
		s.True(applied)
		s.Equal(models.StatusInTransit, got.Status)
		s.Equal(models.SourceWebhook, got.StatusHistory[len(got.StatusHistory)-1].Source)
		s.Len(got.TrackingEvents, 1)
	})

	s.Run("replayed event is a no-op, not an error", func() {
		l := sent()

		_, applied, err := s.service.ApplyCarrierEvent(s.ctx, l.TenantID, l.ID, CarrierEvent{
			EventType: "letter.certified.delivered",
			Status:    models.StatusDelivered,
		})
		s.Require().NoError(err)
		s.True(applied)

		got, applied, err := s.service.ApplyCarrierEvent(s.ctx, l.TenantID, l.ID, CarrierEvent{
			EventType: "letter.certified.delivered",
			Status:    models.StatusDelivered,
		})
		s.Require().NoError(err)
		s.False(applied, "replay must not re-apply the transition")
		s.Equal(models.StatusDelivered, got.Status)
		s.Len(got.TrackingEvents, 2, "raw events stay append-only even on replay")
	})

	s.Run("tracking-only event changes no status", func() {
		l := sent()

		got, applied, err := s.service.ApplyCarrierEvent(s.ctx, l.TenantID, l.ID, CarrierEvent{
			EventType: "letter.certified.re-routed",
		})
		s.Require().NoError(err)
		s.False(applied)
		s.Equal(models.StatusSent, got.Status)
		s.Len(got.TrackingEvents, 1)
	})

	s.Run("post-delivery return is accepted", func() {
		l := sent()
		_, _, err := s.service.ApplyCarrierEvent(s.ctx, l.TenantID, l.ID, CarrierEvent{
			EventType: "letter.certified.delivered",
			Status:    models.StatusDelivered,
		})
		s.Require().NoError(err)

		got, applied, err := s.service.ApplyCarrierEvent(s.ctx, l.TenantID, l.ID, CarrierEvent{
			EventType: "letter.certified.returned_to_sender",
			Status:    models.StatusReturned,
		})
		s.Require().NoError(err)
		s.True(applied)
		s.Equal(models.StatusReturned, got.Status)
	})
}
