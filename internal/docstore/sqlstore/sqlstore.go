// Package sqlstore persists documents in a single SQLite table. Watches are
// served in-process, so one Store should own the database file.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"roomcall/native/internal/docstore"
	"roomcall/native/internal/domain"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	hub *docstore.Hub

	// mu serializes writes so watchers observe them in commit order.
	mu sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (collection, id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	log.Named("sqlstore").Info("database ready", zap.String("path", path))
	return &Store{db: db, log: log.Named("sqlstore"), hub: docstore.NewHub()}, nil
}

// Close stops every watch and closes the database.
func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

func (s *Store) get(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, collection, id string) (domain.Document, error) {
	doc := domain.Document{Collection: collection, ID: id}
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("select document: %w", err)
	}
	doc.Exists = true
	doc.Data = json.RawMessage(data)
	return doc, nil
}

// write runs fn inside a transaction holding s.mu and publishes what fn
// returns after commit.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) (*domain.Document, bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	changed, added, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if changed != nil {
		s.hub.Changed(*changed, added)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, collection, id string, body json.RawMessage) (*domain.Document, bool, error) {
	cur, err := s.get(ctx, tx, collection, id)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		collection, id, string(body)); err != nil {
		return nil, false, fmt.Errorf("upsert document: %w", err)
	}
	return &domain.Document{Collection: collection, ID: id, Exists: true, Data: body}, !cur.Exists, nil
}

func (s *Store) Add(ctx context.Context, collection string, data any) (string, error) {
	body, err := docstore.Marshal(data)
	if err != nil {
		return "", err
	}
	id := docstore.NewID()
	err = s.write(ctx, func(tx *sql.Tx) (*domain.Document, bool, error) {
		return s.upsert(ctx, tx, collection, id, body)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data any) error {
	body, err := docstore.Marshal(data)
	if err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) (*domain.Document, bool, error) {
		return s.upsert(ctx, tx, collection, id, body)
	})
}

func (s *Store) Get(ctx context.Context, collection, id string) (domain.Document, error) {
	return s.get(ctx, s.db, collection, id)
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.update(ctx, collection, id, "", fields)
}

func (s *Store) UpdateOnce(ctx context.Context, collection, id, guard string, fields map[string]any) error {
	return s.update(ctx, collection, id, guard, fields)
}

func (s *Store) update(ctx context.Context, collection, id, guard string, fields map[string]any) error {
	return s.write(ctx, func(tx *sql.Tx) (*domain.Document, bool, error) {
		cur, err := s.get(ctx, tx, collection, id)
		if err != nil {
			return nil, false, err
		}
		if !cur.Exists {
			return nil, false, domain.ErrNotFound
		}
		if guard != "" && docstore.FieldSet(cur.Data, guard) {
			return nil, false, domain.ErrConflict
		}
		body, err := docstore.Merge(cur.Data, fields)
		if err != nil {
			return nil, false, err
		}
		return s.upsert(ctx, tx, collection, id, body)
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.write(ctx, func(tx *sql.Tx) (*domain.Document, bool, error) {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
		if err != nil {
			return nil, false, fmt.Errorf("delete document: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, false, nil
		}
		return &domain.Document{Collection: collection, ID: id}, false, nil
	})
}

func (s *Store) List(ctx context.Context, collection string) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []domain.Document
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, domain.Document{Collection: collection, ID: id, Exists: true, Data: json.RawMessage(data)})
	}
	return out, rows.Err()
}

func (s *Store) WatchDocument(ctx context.Context, collection, id string) (<-chan domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, stop := s.hub.Subscribe(docstore.DocKey(collection, id))
	snap, err := s.get(ctx, s.db, collection, id)
	if err != nil {
		stop()
		return nil, err
	}
	return docstore.Stream(ctx, []domain.Document{snap}, live, stop, false), nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string) (<-chan domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, stop := s.hub.Subscribe(docstore.CollectionKey(collection))
	snap, err := s.List(ctx, collection)
	if err != nil {
		stop()
		return nil, err
	}
	return docstore.Stream(ctx, snap, live, stop, true), nil
}

var _ domain.DocumentStore = (*Store)(nil)
