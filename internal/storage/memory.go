package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"creditflow/pkg/sentinel"
)

type memoryDoc struct {
	revision int64
	data     json.RawMessage
}

// MemoryStore is an in-memory Store used by unit tests and local development.
// Transactions use optimistic concurrency: reads pin the document revision
// and commit fails with sentinel.ErrConflict if any read document changed.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]memoryDoc

	// FailBatchWrite forces the next BatchWrite to fail; tests use it to
	// verify all-or-nothing semantics.
	FailBatchWrite error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]memoryDoc)}
}

func (s *MemoryStore) Get(_ context.Context, collection, id string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	return json.Unmarshal(doc.data, out)
}

func (s *MemoryStore) Put(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(collection, id, raw)
	return nil
}

func (s *MemoryStore) putLocked(collection, id string, raw json.RawMessage) {
	col, ok := s.collections[collection]
	if !ok {
		col = make(map[string]memoryDoc)
		s.collections[collection] = col
	}
	prev := col[id]
	col[id] = memoryDoc{revision: prev.revision + 1, data: raw}
}

func (s *MemoryStore) Query(_ context.Context, collection string, q Query, out any) error {
	s.mu.RLock()
	var matched []map[string]any
	for _, doc := range s.collections[collection] {
		var m map[string]any
		if err := json.Unmarshal(doc.data, &m); err != nil {
			s.mu.RUnlock()
			return err
		}
		ok, err := matches(m, q.Filters)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		if ok {
			matched = append(matched, m)
		}
	}
	s.mu.RUnlock()

	if q.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			less := compareValues(fieldValue(matched[i], q.OrderBy), fieldValue(matched[j], q.OrderBy)) < 0
			if q.Desc {
				return !less
			}
			return less
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	raw, err := json.Marshal(matched)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type memoryTx struct {
	store  *MemoryStore
	reads  map[string]int64 // "collection/id" -> revision at read time
	writes []Op
}

func (t *memoryTx) Get(_ context.Context, collection, id string, out any) error {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	doc, ok := t.store.collections[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	t.reads[collection+"/"+id] = doc.revision
	return json.Unmarshal(doc.data, out)
}

func (t *memoryTx) Put(_ context.Context, collection, id string, doc any) error {
	t.writes = append(t.writes, Op{Collection: collection, ID: id, Doc: doc})
	return nil
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{store: s, reads: make(map[string]int64)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	// Marshal outside the lock; commit verifies read revisions are intact.
	raws := make([]json.RawMessage, len(tx.writes))
	for i, op := range tx.writes {
		raw, err := json.Marshal(op.Doc)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", op.Collection, op.ID, err)
		}
		raws[i] = raw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rev := range tx.reads {
		collection, id, _ := strings.Cut(key, "/")
		if cur := s.collections[collection][id].revision; cur != rev {
			return fmt.Errorf("%s: %w", key, sentinel.ErrConflict)
		}
	}
	for i, op := range tx.writes {
		s.putLocked(op.Collection, op.ID, raws[i])
	}
	return nil
}

func (s *MemoryStore) BatchWrite(_ context.Context, ops []Op) error {
	if s.FailBatchWrite != nil {
		err := s.FailBatchWrite
		s.FailBatchWrite = nil
		return err
	}
	raws := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		raw, err := json.Marshal(op.Doc)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", op.Collection, op.ID, err)
		}
		raws[i] = raw
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, op := range ops {
		s.putLocked(op.Collection, op.ID, raws[i])
	}
	return nil
}

// Count returns the number of documents in a collection. Test helper.
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func matches(doc map[string]any, filters []Filter) (bool, error) {
	for _, f := range filters {
		got := fieldValue(doc, f.Field)
		switch f.Op {
		case "==":
			if compareValues(got, f.Value) != 0 {
				return false, nil
			}
		case "<", "<=", ">", ">=":
			if got == nil {
				return false, nil
			}
			c := compareValues(got, f.Value)
			switch f.Op {
			case "<":
				if c >= 0 {
					return false, nil
				}
			case "<=":
				if c > 0 {
					return false, nil
				}
			case ">":
				if c <= 0 {
					return false, nil
				}
			case ">=":
				if c < 0 {
					return false, nil
				}
			}
		case "in":
			if !valueIn(got, f.Value) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}
	return true, nil
}

func fieldValue(doc map[string]any, path string) any {
	cur := any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// compareValues orders JSON scalar values. Times compare chronologically
// whether they arrive as time.Time or RFC3339 strings.
func compareValues(a, b any) int {
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	return strings.Compare(sa, sb)
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func valueIn(got, want any) bool {
	switch list := want.(type) {
	case []string:
		for _, w := range list {
			if compareValues(got, w) == 0 {
				return true
			}
		}
	case []any:
		for _, w := range list {
			if compareValues(got, w) == 0 {
				return true
			}
		}
	}
	return false
}
