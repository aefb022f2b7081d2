// Package storage provides a minimal transactional document store used by the
// workflow engine. Entities are JSON documents in named collections; the two
// implementations (postgres, memory) are interchangeable so services and
// tests stay storage-engine-agnostic.
package storage

import (
	"context"
)

// Collection names used by the engine.
const (
	CollectionDisputes      = "disputes"
	CollectionLetters       = "letters"
	CollectionAuditLogs     = "auditLogs"
	CollectionWebhookEvents = "webhookEvents"
	CollectionNotifications = "notifications"
)

// Filter restricts a query to documents whose field matches the value.
// Field supports dotted paths into nested objects. Op is one of
// "==", "<", "<=", ">", ">=", "in".
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query describes an attribute-filtered, ordered, limited scan of a
// collection.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Op is a single write in a batch. Doc is marshaled to JSON.
type Op struct {
	Collection string
	ID         string
	Doc        any
}

// Tx exposes reads and buffered writes inside a transaction. Reads within a
// transaction lock (or version-pin) the document so the guard evaluated on it
// and the subsequent write are atomic with respect to concurrent writers.
type Tx interface {
	Get(ctx context.Context, collection, id string, out any) error
	Put(ctx context.Context, collection, id string, doc any) error
}

// Store is the document-store collaborator surface. Get returns
// sentinel.ErrNotFound for missing documents; RunTransaction returns
// sentinel.ErrConflict when a concurrent writer invalidated the transaction,
// in which case the caller may retry a bounded number of times.
type Store interface {
	Get(ctx context.Context, collection, id string, out any) error
	Put(ctx context.Context, collection, id string, doc any) error
	Query(ctx context.Context, collection string, q Query, out any) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	BatchWrite(ctx context.Context, ops []Op) error
}
