package out

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chorus/internal/modules/acl/domain"
	aclout "chorus/internal/modules/acl/port/out"
)

type SQLiteEntryStore struct {
	db *sql.DB
}

func NewSQLiteEntryStore(db *sql.DB) (aclout.EntryStore, error) {
	store := &SQLiteEntryStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteEntryStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS acl_entries (
  peer_id TEXT PRIMARY KEY,
  decision TEXT NOT NULL CHECK (decision IN ('allow', 'deny')),
  updated_at TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create acl_entries table: %w", err)
	}
	return nil
}

func (s *SQLiteEntryStore) Get(ctx context.Context, peerID string) (domain.Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT peer_id, decision, updated_at FROM acl_entries WHERE peer_id = ?`, peerID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entry{}, false, nil
	}
	if err != nil {
		return domain.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *SQLiteEntryStore) Put(ctx context.Context, entry domain.Entry) error {
	entry.Scope = domain.ScopePersistent
	if err := entry.Validate(); err != nil {
		return err
	}
	const stmt = `
INSERT INTO acl_entries (peer_id, decision, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(peer_id) DO UPDATE SET
  decision=excluded.decision,
  updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, stmt, entry.PeerID, string(entry.Decision), entry.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("upsert acl entry %s: %w", entry.PeerID, err)
	}
	return nil
}

func (s *SQLiteEntryStore) Delete(ctx context.Context, peerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM acl_entries WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("delete acl entry %s: %w", peerID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrEntryNotFound, peerID)
	}
	return nil
}

func (s *SQLiteEntryStore) List(ctx context.Context) ([]domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, decision, updated_at FROM acl_entries ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("list acl entries: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (domain.Entry, error) {
	var peerID, decision, updatedAt string
	if err := row.Scan(&peerID, &decision, &updatedAt); err != nil {
		return domain.Entry{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return domain.Entry{}, fmt.Errorf("decode acl entry timestamp: %w", err)
	}
	return domain.Entry{
		PeerID:    peerID,
		Decision:  domain.Decision(decision),
		Scope:     domain.ScopePersistent,
		UpdatedAt: ts,
	}, nil
}
