package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tidwall/gjson"
)

// pgConn is the subset of pgxpool.Pool the store uses.
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps each collection in a table of (id, user_id, updated_at,
// data jsonb). It is used for self-hosted setups that point the daemon
// straight at Postgres instead of a REST gateway.
type PGStore struct {
	db    pgConn
	close func()
}

var _ Store = (*PGStore)(nil)

// OpenPGStore connects to databaseURL and ensures the tables exist.
func OpenPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &PGStore{db: pool, close: pool.Close}

	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	if s.close != nil {
		s.close()
	}
}

// EnsureSchema creates the collection tables if they are missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	for _, c := range []string{CollectionConversations, CollectionMessages} {
		_, err := s.db.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				data       JSONB NOT NULL
			)`, pgx.Identifier{c}.Sanitize()))
		if err != nil {
			return fmt.Errorf("creating table %s: %w", c, err)
		}

		_, err = s.db.Exec(ctx, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s (user_id, updated_at)`,
			pgx.Identifier{c + "_user_updated_idx"}.Sanitize(),
			pgx.Identifier{c}.Sanitize(),
		))
		if err != nil {
			return fmt.Errorf("creating index on %s: %w", c, err)
		}
	}

	return nil
}

// rowMeta pulls the indexed columns out of a JSON row.
func rowMeta(row json.RawMessage) (id, userID string, updatedAt time.Time) {
	res := gjson.GetManyBytes(row, "id", "user_id", "updated_at")
	id = res[0].String()
	userID = res[1].String()

	updatedAt, err := time.Parse(time.RFC3339Nano, res[2].String())
	if err != nil {
		updatedAt = time.Now().UTC()
	}

	return id, userID, updatedAt
}

func (s *PGStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	var data []byte

	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, pgx.Identifier{collection}.Sanitize()),
		id,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", collection, id, ErrNotFound)
	}

	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading %s %s: %w", collection, id, err)}
	}

	return data, nil
}

func (s *PGStore) Insert(ctx context.Context, collection string, row json.RawMessage) (json.RawMessage, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	id, userID, updatedAt := rowMeta(row)
	if id == "" {
		return nil, fmt.Errorf("insert into %s: row has no id", collection)
	}

	var data []byte

	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, updated_at, data) VALUES ($1, $2, $3, $4::jsonb) RETURNING data`,
			pgx.Identifier{collection}.Sanitize()),
		id, userID, updatedAt, string(row),
	).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", collection, err)
	}

	return data, nil
}

// Update merges patch into the stored document (jsonb ||) and refreshes
// the indexed columns from the result.
func (s *PGStore) Update(ctx context.Context, collection, id string, patch json.RawMessage) (json.RawMessage, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	_, _, updatedAt := rowMeta(patch)

	var data []byte

	err := s.db.QueryRow(ctx,
		fmt.Sprintf(`
			UPDATE %s
			SET data = data || $2::jsonb,
			    user_id = COALESCE((data || $2::jsonb)->>'user_id', user_id),
			    updated_at = $3
			WHERE id = $1
			RETURNING data`, pgx.Identifier{collection}.Sanitize()),
		id, string(patch), updatedAt,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", collection, id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("updating %s %s: %w", collection, id, err)
	}

	return data, nil
}

func (s *PGStore) QueryUpdatedAfter(ctx context.Context, collection, userID string, since time.Time) ([]json.RawMessage, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE user_id = $1 AND updated_at > $2 ORDER BY updated_at`,
			pgx.Identifier{collection}.Sanitize()),
		userID, since,
	)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("querying %s: %w", collection, err)}
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (json.RawMessage, error) {
		var data []byte
		err := row.Scan(&data)

		return data, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", collection, err)
	}

	return out, nil
}
