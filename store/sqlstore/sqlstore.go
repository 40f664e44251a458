// Package sqlstore provides a sqlite-backed implementation of [store.Store]
// for single-node deployments that need registrations to survive restarts.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"braces.dev/errtrace"
	_ "github.com/mattn/go-sqlite3"

	"github.com/telscale/edgecore/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	ns      TEXT    NOT NULL,
	key     TEXT    NOT NULL,
	value   BLOB    NOT NULL,
	cas     INTEGER NOT NULL,
	expires INTEGER NOT NULL,
	PRIMARY KEY (ns, key)
);`

// SQLStore is a [store.Store] backed by a sqlite database.
// CAS tokens are per-record version counters maintained in the table.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// Options contains options for a [SQLStore].
type Options struct {
	// Clock overrides the time source, used by tests.
	Clock func() time.Time
}

func (o *Options) clock() func() time.Time {
	if o == nil || o.Clock == nil {
		return time.Now
	}
	return o.Clock
}

// Open opens (creating if necessary) the sqlite database at path.
// Options are optional, default options are used if nil.
func Open(path string, opts *Options) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errtrace.Wrap(store.NewUnavailableError(err))
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errtrace.Wrap(store.NewUnavailableError(err))
	}
	return &SQLStore{db: db, now: opts.clock()}, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return errtrace.Wrap(s.db.Close()) }

// Get implements [store.Store].
func (s *SQLStore) Get(ctx context.Context, namespace, key string) ([]byte, uint64, error) {
	var (
		value []byte
		cas   uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, cas FROM records WHERE ns = ? AND key = ? AND expires > ?`,
		namespace, key, s.now().UnixNano(),
	).Scan(&value, &cas)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, 0, store.ErrNotFound //errtrace:skip
	case err != nil:
		return nil, 0, errtrace.Wrap(store.NewUnavailableError(err))
	}
	return value, cas, nil
}

// Set implements [store.Store].
func (s *SQLStore) Set(ctx context.Context, namespace, key string, value []byte, cas uint64, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errtrace.Wrap(store.NewUnavailableError(err))
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()

	var curCAS uint64
	err = tx.QueryRowContext(ctx,
		`SELECT cas FROM records WHERE ns = ? AND key = ? AND expires > ?`,
		namespace, key, now.UnixNano(),
	).Scan(&curCAS)
	exists := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return errtrace.Wrap(store.NewUnavailableError(err))
	}

	if cas == 0 {
		if exists {
			return store.ErrContention //errtrace:skip
		}
	} else if !exists || curCAS != cas {
		return store.ErrContention //errtrace:skip
	}

	if value == nil {
		// A nil slice binds as SQL NULL; store the empty value as an empty blob.
		value = []byte{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (ns, key, value, cas, expires) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (ns, key) DO UPDATE SET value = excluded.value, cas = excluded.cas, expires = excluded.expires`,
		namespace, key, value, curCAS+1, now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return errtrace.Wrap(store.NewUnavailableError(err))
	}
	return errtrace.Wrap(tx.Commit())
}
