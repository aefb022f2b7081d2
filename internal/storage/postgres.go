package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"creditflow/pkg/sentinel"
)

// PostgresStore implements Store over a single jsonb documents table.
// Transactional reads take row locks so the state-machine guard and the
// subsequent write are atomic with respect to concurrent writers.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a store backed by the given connection pool.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the documents table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection text NOT NULL,
			id text NOT NULL,
			revision bigint NOT NULL DEFAULT 1,
			data jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`)
	if err != nil {
		return fmt.Errorf("migrate documents table: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func getDoc(ctx context.Context, q querier, collection, id string, forUpdate bool, out any) error {
	sql := `SELECT data FROM documents WHERE collection = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var raw []byte
	if err := q.QueryRow(ctx, sql, collection, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s/%s: %w", collection, id, sentinel.ErrNotFound)
		}
		return fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return json.Unmarshal(raw, out)
}

func putDoc(ctx context.Context, q querier, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data, revision = documents.revision + 1, updated_at = now()`,
		collection, id, raw)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string, out any) error {
	return getDoc(ctx, s.pool, collection, id, false, out)
}

func (s *PostgresStore) Put(ctx context.Context, collection, id string, doc any) error {
	return putDoc(ctx, s.pool, collection, id, doc)
}

func (s *PostgresStore) Query(ctx context.Context, collection string, q Query, out any) error {
	sql, args, err := buildQuery(collection, q)
	if err != nil {
		return err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan %s: %w", collection, err)
		}
		docs = append(docs, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query %s: %w", collection, err)
	}

	joined, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	return json.Unmarshal(joined, out)
}

func buildQuery(collection string, q Query) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT data FROM documents WHERE collection = $1`)
	args := []any{collection}

	for _, f := range q.Filters {
		path := strings.Split(f.Field, ".")
		switch f.Op {
		case "==", "<", "<=", ">", ">=":
			args = append(args, path)
			expr := fmt.Sprintf("(data #>> $%d)", len(args))
			if t, ok := f.Value.(time.Time); ok {
				args = append(args, t)
				fmt.Fprintf(&b, " AND %s::timestamptz %s $%d", expr, sqlOp(f.Op), len(args))
			} else {
				args = append(args, fmt.Sprintf("%v", f.Value))
				fmt.Fprintf(&b, " AND %s %s $%d", expr, sqlOp(f.Op), len(args))
			}
		case "in":
			values, ok := toStringSlice(f.Value)
			if !ok {
				return "", nil, fmt.Errorf("filter %q: 'in' requires a string slice", f.Field)
			}
			args = append(args, path)
			expr := fmt.Sprintf("(data #>> $%d)", len(args))
			args = append(args, values)
			fmt.Fprintf(&b, " AND %s = ANY($%d)", expr, len(args))
		default:
			return "", nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}

	if q.OrderBy != "" {
		args = append(args, strings.Split(q.OrderBy, "."))
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY (data #>> $%d) %s", len(args), dir)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

func sqlOp(op string) string {
	if op == "==" {
		return "="
	}
	return op
}

func toStringSlice(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, true
	}
	return nil, false
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Get(ctx context.Context, collection, id string, out any) error {
	return getDoc(ctx, t.tx, collection, id, true, out)
}

func (t *pgTx) Put(ctx context.Context, collection, id string, doc any) error {
	return putDoc(ctx, t.tx, collection, id, doc)
}

func (s *PostgresStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return translateConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translateConflict(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (s *PostgresStore) BatchWrite(ctx context.Context, ops []Op) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		if err := putDoc(ctx, tx, op.Collection, op.ID, op.Doc); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// translateConflict maps serialization and deadlock failures onto the
// sentinel conflict error so callers can apply their bounded retry policy.
func translateConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%v: %w", err, sentinel.ErrConflict)
		}
	}
	return err
}
