package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/wirechat-rooms/internal/store"
	"github.com/vovakirdan/wirechat-rooms/internal/store/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	room       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (room, kind, key)
);

CREATE INDEX IF NOT EXISTS idx_records_table ON records(room, kind, seq DESC);
`

// SQLiteStore implements store.Store for SQLite.
// Change notifications are fanned out in process, so subscribers only see
// writes made through the same SQLiteStore.
type SQLiteStore struct {
	db     *sql.DB
	broker *memory.Broker
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file, or ":memory:".
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with single connection; it also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, broker: memory.NewBroker()}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert inserts or overwrites key.
func (s *SQLiteStore) Upsert(ctx context.Context, table store.Table, key string, data []byte) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE room = ? AND kind = ? AND key = ?)`,
		table.Room, string(table.Kind), key,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check record: %w", err)
	}

	query := `
		INSERT INTO records (room, kind, key, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room, kind, key) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := tx.ExecContext(ctx, query, table.Room, string(table.Kind), key, string(data)); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}

	op := store.OpInsert
	if exists {
		op = store.OpUpdate
	}
	s.broker.Publish(store.Change{Table: table, Op: op, Key: key, Data: data})
	return nil
}

// Insert adds key or returns store.ErrConflict.
func (s *SQLiteStore) Insert(ctx context.Context, table store.Table, key string, data []byte) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}

	query := `
		INSERT INTO records (room, kind, key, data)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, table.Room, string(table.Kind), key, string(data)); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return store.ErrConflict
		}
		return fmt.Errorf("insert record: %w", err)
	}

	s.broker.Publish(store.Change{Table: table, Op: store.OpInsert, Key: key, Data: data})
	return nil
}

// Delete removes key. Deleting a missing key publishes nothing.
func (s *SQLiteStore) Delete(ctx context.Context, table store.Table, key string) error {
	if err := store.Validate(table, key); err != nil {
		return err
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM records WHERE room = ? AND kind = ? AND key = ? RETURNING data`,
		table.Room, string(table.Kind), key,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("delete record: %w", err)
	}

	s.broker.Publish(store.Change{Table: table, Op: store.OpDelete, Key: key, Data: []byte(data)})
	return nil
}

// Query returns matching records oldest first.
func (s *SQLiteStore) Query(ctx context.Context, table store.Table, opts store.QueryOptions) ([]store.Record, error) {
	query := `
		SELECT key, data
		FROM records
		WHERE room = ? AND kind = ?
		ORDER BY seq DESC
	`
	rows, err := s.db.QueryContext(ctx, query, table.Room, string(table.Kind))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	// Walk newest first so Limit can stop early, then flip.
	var newest []store.Record
	for rows.Next() {
		var (
			key  string
			data string
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if !opts.Match.Matches([]byte(data)) {
			continue
		}
		newest = append(newest, store.Record{Key: key, Data: []byte(data)})
		if opts.Limit > 0 && len(newest) == opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	records := make([]store.Record, len(newest))
	for i, r := range newest {
		records[len(newest)-1-i] = r
	}
	return records, nil
}

// Subscribe registers handler for changes written through this store.
func (s *SQLiteStore) Subscribe(_ context.Context, table store.Table, handler store.Handler) (store.Unsubscribe, error) {
	return s.broker.Subscribe(table, handler), nil
}
