package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"creditflow/pkg/sentinel"
)

type fixtureDoc struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Status    string    `json:"status"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"createdAt"`
	Nested    struct {
		DueDate time.Time `json:"dueDate"`
	} `json:"sla"`
}

type MemoryStoreSuite struct {
	suite.Suite
	store *MemoryStore
	ctx   context.Context
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = NewMemory()
	s.ctx = context.Background()
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) put(id string, mutate func(*fixtureDoc)) fixtureDoc {
	doc := fixtureDoc{
		ID:        id,
		TenantID:  "tenant-1",
		Status:    "submitted",
		CreatedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&doc)
	}
	s.Require().NoError(s.store.Put(s.ctx, CollectionDisputes, id, doc))
	return doc
}

// TestGetPut verifies round-trips and the not-found contract.
func (s *MemoryStoreSuite) TestGetPut() {
	s.Run("stores and retrieves a document", func() {
		s.put("d-1", nil)

		var got fixtureDoc
		s.Require().NoError(s.store.Get(s.ctx, CollectionDisputes, "d-1", &got))
		s.Equal("submitted", got.Status)
		s.Equal("tenant-1", got.TenantID)
	})

	s.Run("returns ErrNotFound for unknown ID", func() {
		var got fixtureDoc
		err := s.store.Get(s.ctx, CollectionDisputes, "missing", &got)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("overwrite replaces the document", func() {
		s.put("d-2", nil)
		s.put("d-2", func(d *fixtureDoc) { d.Status = "resolved" })

		var got fixtureDoc
		s.Require().NoError(s.store.Get(s.ctx, CollectionDisputes, "d-2", &got))
		s.Equal("resolved", got.Status)
	})
}

// TestQuery verifies filtering, ordering, and limits over JSON documents.
func (s *MemoryStoreSuite) TestQuery() {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.put("d-1", func(d *fixtureDoc) { d.Status = "submitted"; d.CreatedAt = base; d.Count = 1 })
	s.put("d-2", func(d *fixtureDoc) { d.Status = "in_review"; d.CreatedAt = base.AddDate(0, 0, 1); d.Count = 2 })
	s.put("d-3", func(d *fixtureDoc) {
		d.Status = "resolved"
		d.TenantID = "tenant-2"
		d.CreatedAt = base.AddDate(0, 0, 2)
		d.Count = 3
	})

	s.Run("equality filter", func() {
		var got []fixtureDoc
		q := Query{Filters: []Filter{{Field: "status", Op: "==", Value: "in_review"}}}
		s.Require().NoError(s.store.Query(s.ctx, CollectionDisputes, q, &got))
		s.Require().Len(got, 1)
		s.Equal("d-2", got[0].ID)
	})

	s.Run("time range filter on dotted path", func() {
		for _, id := range []string{"d-1", "d-2", "d-3"} {
			s.put(id+"-sla", func(d *fixtureDoc) { d.Nested.DueDate = base.AddDate(0, 0, 30) })
		}
		var got []fixtureDoc
		q := Query{Filters: []Filter{{Field: "sla.dueDate", Op: "<=", Value: base.AddDate(0, 0, 30)}}}
		s.Require().NoError(s.store.Query(s.ctx, CollectionDisputes, q, &got))
		s.Len(got, 3)
	})

	s.Run("in filter", func() {
		var got []fixtureDoc
		q := Query{Filters: []Filter{{Field: "status", Op: "in", Value: []string{"submitted", "in_review"}}}}
		s.Require().NoError(s.store.Query(s.ctx, CollectionDisputes, q, &got))
		s.Len(got, 2)
	})

	s.Run("ordering and limit", func() {
		var got []fixtureDoc
		q := Query{
			Filters: []Filter{{Field: "tenantId", Op: "==", Value: "tenant-1"}},
			OrderBy: "createdAt",
			Desc:    true,
			Limit:   1,
		}
		s.Require().NoError(s.store.Query(s.ctx, CollectionDisputes, q, &got))
		s.Require().Len(got, 1)
		s.Equal("d-2", got[0].ID)
	})

	s.Run("numeric comparison", func() {
		var got []fixtureDoc
		q := Query{Filters: []Filter{{Field: "count", Op: ">", Value: 1}}}
		s.Require().NoError(s.store.Query(s.ctx, CollectionDisputes, q, &got))
		s.Len(got, 2)
	})
}

// TestTransactions verifies the optimistic-concurrency commit check.
func (s *MemoryStoreSuite) TestTransactions() {
	s.Run("commits reads and writes atomically", func() {
		s.put("d-1", nil)

		err := s.store.RunTransaction(s.ctx, func(ctx context.Context, tx Tx) error {
			var doc fixtureDoc
			if err := tx.Get(ctx, CollectionDisputes, "d-1", &doc); err != nil {
				return err
			}
			doc.Status = "in_review"
			return tx.Put(ctx, CollectionDisputes, "d-1", doc)
		})
		s.Require().NoError(err)

		var got fixtureDoc
		s.Require().NoError(s.store.Get(s.ctx, CollectionDisputes, "d-1", &got))
		s.Equal("in_review", got.Status)
	})

	s.Run("conflicting concurrent write fails the commit", func() {
		s.put("d-2", nil)

		err := s.store.RunTransaction(s.ctx, func(ctx context.Context, tx Tx) error {
			var doc fixtureDoc
			if err := tx.Get(ctx, CollectionDisputes, "d-2", &doc); err != nil {
				return err
			}
			// A second writer lands between the read and the commit.
			s.put("d-2", func(d *fixtureDoc) { d.Status = "resolved" })
			doc.Status = "in_review"
			return tx.Put(ctx, CollectionDisputes, "d-2", doc)
		})
		s.Require().ErrorIs(err, sentinel.ErrConflict)

		var got fixtureDoc
		s.Require().NoError(s.store.Get(s.ctx, CollectionDisputes, "d-2", &got))
		s.Equal("resolved", got.Status, "losing transaction must not clobber the winner")
	})

	s.Run("callback error aborts without writing", func() {
		s.put("d-3", nil)

		boom := errors.New("boom")
		err := s.store.RunTransaction(s.ctx, func(ctx context.Context, tx Tx) error {
			var doc fixtureDoc
			if err := tx.Get(ctx, CollectionDisputes, "d-3", &doc); err != nil {
				return err
			}
			doc.Status = "closed"
			if err := tx.Put(ctx, CollectionDisputes, "d-3", doc); err != nil {
				return err
			}
			return boom
		})
		s.Require().ErrorIs(err, boom)

		var got fixtureDoc
		s.Require().NoError(s.store.Get(s.ctx, CollectionDisputes, "d-3", &got))
		s.Equal("submitted", got.Status)
	})
}

// TestBatchWrite verifies all-or-nothing batch semantics.
func (s *MemoryStoreSuite) TestBatchWrite() {
	s.Run("writes all ops", func() {
		ops := []Op{
			{Collection: CollectionDisputes, ID: "d-1", Doc: fixtureDoc{ID: "d-1"}},
			{Collection: CollectionAuditLogs, ID: "a-1", Doc: map[string]any{"action": "created"}},
		}
		s.Require().NoError(s.store.BatchWrite(s.ctx, ops))
		s.Equal(1, s.store.Count(CollectionDisputes))
		s.Equal(1, s.store.Count(CollectionAuditLogs))
	})

	s.Run("injected failure writes nothing", func() {
		s.store.FailBatchWrite = errors.New("unavailable")
		ops := []Op{
			{Collection: CollectionDisputes, ID: "d-9", Doc: fixtureDoc{ID: "d-9"}},
		}
		s.Require().Error(s.store.BatchWrite(s.ctx, ops))

		var got fixtureDoc
		err := s.store.Get(s.ctx, CollectionDisputes, "d-9", &got)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}
