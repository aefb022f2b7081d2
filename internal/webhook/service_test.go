package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"creditflow/internal/audit"
	disputeModels "creditflow/internal/dispute/models"
	disputeService "creditflow/internal/dispute/service"
	"creditflow/internal/letter/carrier"
	letterModels "creditflow/internal/letter/models"
	letterService "creditflow/internal/letter/service"
	"creditflow/internal/piicrypto"
	"creditflow/internal/platform/config"
	"creditflow/internal/sla"
	"creditflow/internal/storage"
	dErrors "creditflow/pkg/domain-errors"
)

const testSecret = "whsec_test"

// spyLetters counts lookups so tests can prove a rejected delivery never
// touched the document store.
type spyLetters struct {
	inner *letterService.Service
	finds int
}

func (s *spyLetters) FindByTracking(ctx context.Context, trackingNumber string) (*letterModels.Letter, error) {
	s.finds++
	return s.inner.FindByTracking(ctx, trackingNumber)
}

func (s *spyLetters) ApplyCarrierEvent(ctx context.Context, tenantID, letterID string, ev letterService.CarrierEvent) (*letterModels.Letter, bool, error) {
	return s.inner.ApplyCarrierEvent(ctx, tenantID, letterID, ev)
}

type WebhookServiceSuite struct {
	suite.Suite
	ctx      context.Context
	store    *storage.MemoryStore
	letters  *letterService.Service
	disputes *disputeService.Service
	spy      *spyLetters
	service  *Service
	now      time.Time
	actor    audit.Actor
	seq      int
}

func (s *WebhookServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = storage.NewMemory()
	s.now = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	s.actor = audit.Actor{UserID: "op-1", Role: "operator"}
	s.seq = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditCfg := config.Audit{RetentionYears: 7, SensitiveFields: []string{"ssnLast4", "dob", "firstName", "lastName"}}
	trail := audit.New(s.store, auditCfg, logger, nil)

	cipher, err := piicrypto.NewLocal("unit-test-secret")
	s.Require().NoError(err)
	clock, err := sla.New("America/New_York")
	s.Require().NoError(err)

	slaCfg := config.SLA{BaseDays: 30, ExtensionDays: 15, ReminderOffsets: []int{5, 3, 1}, GraceDays: 5}
	s.disputes = disputeService.New(s.store, trail, cipher, clock, slaCfg, logger, nil).
		WithClock(func() time.Time { return s.now })
	s.letters = letterService.New(s.store, trail, carrier.NewMemory(), logger, nil).
		WithClock(func() time.Time { return s.now })

	s.spy = &spyLetters{inner: s.letters}
	s.service = New(s.store, s.spy, s.disputes, nil, testSecret, logger, nil).
		WithClock(func() time.Time { return s.now })
}

// SetupSubTest gives every s.Run block a fresh store so event and letter
// assertions never see a sibling's writes.
func (s *WebhookServiceSuite) SetupSubTest() {
	s.SetupTest()
}

func TestWebhookServiceSuite(t *testing.T) {
	suite.Run(t, new(WebhookServiceSuite))
}

// sentLetter drives a dispute and its letter through to sent, returning the
// letter with its carrier tracking number assigned.
func (s *WebhookServiceSuite) sentLetter() *letterModels.Letter {
	s.seq++
	d, err := s.disputes.Create(s.ctx, disputeService.CreateInput{
		TenantID:    "tenant-1",
		ConsumerID:  "consumer-1",
		TradelineID: fmt.Sprintf("tradeline-%d", s.seq),
		Bureau:      disputeModels.BureauEquifax,
		Type:        "not_mine",
		Consumer:    disputeModels.Consumer{FirstName: "Ada", LastName: "L", SSNLast4: "1234", DOB: "1990-01-01"},
	}, s.actor)
	s.Require().NoError(err)

	addr := letterModels.Address{Name: "Equifax", Line1: "PO Box 740256", City: "Atlanta", State: "GA", ZipCode: "30374"}
	l, err := s.letters.Create(s.ctx, letterService.CreateInput{
		TenantID:         d.TenantID,
		DisputeID:        d.ID,
		MailType:         letterModels.MailTypeCertified,
		Narrative:        strings.Repeat("the reported balance is inaccurate. ", 6),
		RecipientAddress: addr,
		ReturnAddress:    addr,
	}, s.actor)
	s.Require().NoError(err)

	_, err = s.letters.Approve(s.ctx, l.TenantID, l.ID, s.actor)
	s.Require().NoError(err)
	_, err = s.disputes.Submit(s.ctx, d.TenantID, d.ID, s.actor)
	s.Require().NoError(err)
	l, err = s.letters.Send(s.ctx, l.TenantID, l.ID, s.actor)
	s.Require().NoError(err)
	s.Require().NotEmpty(l.TrackingNumber)
	return l
}

func (s *WebhookServiceSuite) envelope(eventType, trackingNumber string) []byte {
	s.seq++
	raw, err := json.Marshal(map[string]any{
		"id": fmt.Sprintf("evt_%d", s.seq),
		"event_type": map[string]any{
			"id":       eventType,
			"resource": "letter",
		},
		"date_created": s.now.Format(time.RFC3339),
		"body": map[string]any{
			"id":              "ltr_carrier_1",
			"tracking_number": trackingNumber,
		},
	})
	s.Require().NoError(err)
	return raw
}

func (s *WebhookServiceSuite) deliver(body []byte) (*Result, error) {
	return s.service.HandleCarrier(s.ctx, body, sign(body, testSecret))
}

func (s *WebhookServiceSuite) storedEvents() []Event {
	var events []Event
	s.Require().NoError(s.store.Query(s.ctx, storage.CollectionWebhookEvents, storage.Query{}, &events))
	return events
}

func (s *WebhookServiceSuite) TestHandleCarrier() {
	s.Run("applies a mapped transition", func() {
		l := s.sentLetter()

		res, err := s.deliver(s.envelope("letter.certified.in_transit", l.TrackingNumber))
		s.Require().NoError(err)
		s.True(res.Processed)

		got, err := s.letters.Get(s.ctx, l.TenantID, l.ID)
		s.Require().NoError(err)
		s.Equal(letterModels.StatusInTransit, got.Status)
		s.Equal(letterModels.SourceWebhook, got.StatusHistory[len(got.StatusHistory)-1].Source)

		events := s.storedEvents()
		s.Require().Len(events, 1)
		s.Equal(StatusProcessed, events[0].Status)
		s.Equal(l.ID, events[0].InternalID)
		s.Equal("tenant-1", events[0].TenantID)
		s.NotNil(events[0].ProcessedAt)
	})

	s.Run("replayed delivery is a no-op, not an error", func() {
		l := s.sentLetter()

		res, err := s.deliver(s.envelope("letter.certified.delivered", l.TrackingNumber))
		s.Require().NoError(err)
		s.True(res.Processed)

		got, err := s.letters.Get(s.ctx, l.TenantID, l.ID)
		s.Require().NoError(err)
		historyLen := len(got.StatusHistory)

		res, err = s.deliver(s.envelope("letter.certified.delivered", l.TrackingNumber))
		s.Require().NoError(err)
		s.False(res.Processed)

		got, err = s.letters.Get(s.ctx, l.TenantID, l.ID)
		s.Require().NoError(err)
		s.Equal(letterModels.StatusDelivered, got.Status)
		s.Len(got.StatusHistory, historyLen, "replay must not append history")
	})

	s.Run("invalid signature is rejected before any document access", func() {
		l := s.sentLetter()
		s.spy.finds = 0
		body := s.envelope("letter.certified.delivered", l.TrackingNumber)

		_, err := s.service.HandleCarrier(s.ctx, body, sign(body, "wrong-secret"))
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

		var sigErr *SignatureError
		s.ErrorAs(err, &sigErr)
		s.Equal(0, s.spy.finds, "no letter lookup may happen before verification")
		s.Empty(s.storedEvents(), "rejected deliveries are not persisted")

		got, err := s.letters.Get(s.ctx, l.TenantID, l.ID)
		s.Require().NoError(err)
		s.Equal(letterModels.StatusSent, got.Status)
	})

	s.Run("unknown event type is recorded, not an error", func() {
		l := s.sentLetter()

		res, err := s.deliver(s.envelope("letter.rendered_thumbnails", l.TrackingNumber))
		s.Require().NoError(err)
		s.False(res.Processed)

		events := s.storedEvents()
		s.Require().Len(events, 1)
		s.Equal(StatusUnknownEvent, events[0].Status)

		got, err := s.letters.Get(s.ctx, l.TenantID, l.ID)
		s.Require().NoError(err)
		s.Equal(letterModels.StatusSent, got.Status)
	})

	s.Run("unmatched tracking number is parked for review", func() {
		res, err := s.deliver(s.envelope("letter.certified.delivered", "9400nosuchtracking"))
		s.Require().NoError(err)
		s.False(res.Processed)

		events := s.storedEvents()
		s.Require().Len(events, 1)
		s.Equal(StatusUnmatched, events[0].Status)
		s.Equal(TenantUnresolved, events[0].TenantID)
	})

	s.Run("tracking-only event is recorded without a transition", func() {
		l := s.sentLetter()

		res, err := s.deliver(s.envelope("letter.certified.re-routed", l.TrackingNumber))
		s.Require().NoError(err)
		s.False(res.Processed)

		got, err := s.letters.Get(s.ctx, l.TenantID, l.ID)
		s.Require().NoError(err)
		s.Equal(letterModels.StatusSent, got.Status)
		s.Len(got.TrackingEvents, 1)

		events := s.storedEvents()
		s.Require().Len(events, 1)
		s.Equal(StatusProcessed, events[0].Status)
	})

	s.Run("delivery moves the dispute into review", func() {
		l := s.sentLetter()

		_, err := s.deliver(s.envelope("letter.certified.delivered", l.TrackingNumber))
		s.Require().NoError(err)

		d, err := s.disputes.Get(s.ctx, l.TenantID, l.DisputeID)
		s.Require().NoError(err)
		s.Equal(disputeModels.StatusInReview, d.Status)
	})

	s.Run("malformed envelope is a bad request", func() {
		body := []byte("{not json")
		_, err := s.service.HandleCarrier(s.ctx, body, sign(body, testSecret))
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *WebhookServiceSuite) TestRetry() {
	s.Run("still-unmatched event is invisible to every tenant", func() {
		_, err := s.deliver(s.envelope("letter.certified.delivered", "9400nosuchtracking"))
		s.Require().NoError(err)
		ev := s.storedEvents()[0]

		_, err = s.service.Retry(s.ctx, "tenant-1", ev.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		events := s.storedEvents()
		s.Equal(StatusUnmatched, events[0].Status)
		s.Equal(0, events[0].RetryCount)
	})

	s.Run("unmatched event is adopted once its letter appears", func() {
		tracking := "9400111899223197428490"
		_, err := s.deliver(s.envelope("letter.certified.delivered", tracking))
		s.Require().NoError(err)
		ev := s.storedEvents()[0]
		s.Require().Equal(StatusUnmatched, ev.Status)

		l := s.sentLetter()
		l.TrackingNumber = tracking
		s.Require().NoError(s.store.Put(s.ctx, storage.CollectionLetters, l.ID, l))

		res, err := s.service.Retry(s.ctx, l.TenantID, ev.ID)
		s.Require().NoError(err)
		s.True(res.Processed)

		events := s.storedEvents()
		s.Require().Len(events, 1)
		s.Equal(StatusProcessed, events[0].Status)
		s.Equal(l.TenantID, events[0].TenantID)
		s.Equal(l.ID, events[0].InternalID)
		s.Equal(1, events[0].RetryCount)
		s.NotNil(events[0].LastRetryAt)

		got, err := s.letters.Get(s.ctx, l.TenantID, l.ID)
		s.Require().NoError(err)
		s.Equal(letterModels.StatusDelivered, got.Status)
	})

	s.Run("processed event cannot be retried", func() {
		l := s.sentLetter()
		_, err := s.deliver(s.envelope("letter.certified.delivered", l.TrackingNumber))
		s.Require().NoError(err)
		ev := s.storedEvents()[0]

		_, err = s.service.Retry(s.ctx, "tenant-1", ev.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("tenant mismatch reads as not found", func() {
		l := s.sentLetter()
		_, err := s.deliver(s.envelope("letter.certified.in_transit", l.TrackingNumber))
		s.Require().NoError(err)
		ev := s.storedEvents()[0]

		_, err = s.service.Retry(s.ctx, "tenant-2", ev.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("unknown event id", func() {
		_, err := s.service.Retry(s.ctx, "tenant-1", "missing")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *WebhookServiceSuite) TestList() {
	l := s.sentLetter()
	_, err := s.deliver(s.envelope("letter.certified.in_transit", l.TrackingNumber))
	s.Require().NoError(err)
	_, err = s.deliver(s.envelope("letter.rendered_thumbnails", l.TrackingNumber))
	s.Require().NoError(err)
	_, err = s.deliver(s.envelope("letter.certified.delivered", "9400nosuchtracking"))
	s.Require().NoError(err)

	// Scoped to the tenant, payloads elided; the unmatched event stays out.
	events, err := s.service.List(s.ctx, "tenant-1", ListOptions{})
	s.Require().NoError(err)
	s.Len(events, 2)
	for _, ev := range events {
		s.Nil(ev.Payload)
	}

	events, err = s.service.List(s.ctx, "tenant-1", ListOptions{Status: StatusUnknownEvent})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("letter.rendered_thumbnails", events[0].EventType)
}
