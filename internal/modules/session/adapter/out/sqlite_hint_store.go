package out

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sessionout "chorus/internal/modules/session/port/out"
)

// SQLiteHintStore keeps the last known addresses of each peer.
type SQLiteHintStore struct {
	db *sql.DB
}

var _ sessionout.HintStore = (*SQLiteHintStore)(nil)

func NewSQLiteHintStore(db *sql.DB) (*SQLiteHintStore, error) {
	store := &SQLiteHintStore{db: db}
	const ddl = `
CREATE TABLE IF NOT EXISTS peer_hints (
  transport TEXT NOT NULL,
  peer_id TEXT NOT NULL,
  addrs TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (transport, peer_id)
);
`
	if _, err := db.ExecContext(context.Background(), ddl); err != nil {
		return nil, fmt.Errorf("create peer_hints table: %w", err)
	}
	return store, nil
}

func (s *SQLiteHintStore) Load(ctx context.Context, transport string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, addrs FROM peer_hints WHERE transport = ?`, transport)
	if err != nil {
		return nil, fmt.Errorf("query peer hints: %w", err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var peerID, raw string
		if err := rows.Scan(&peerID, &raw); err != nil {
			return nil, err
		}
		addrs := []string{}
		if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
			return nil, fmt.Errorf("decode hints for %s: %w", peerID, err)
		}
		out[peerID] = addrs
	}
	return out, rows.Err()
}

func (s *SQLiteHintStore) Save(ctx context.Context, transport, peerID string, addrs []string) error {
	raw, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	const stmt = `
INSERT INTO peer_hints (transport, peer_id, addrs, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(transport, peer_id) DO UPDATE SET
  addrs = excluded.addrs,
  updated_at = excluded.updated_at
`
	if _, err := s.db.ExecContext(ctx, stmt, transport, peerID, string(raw), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save peer hints: %w", err)
	}
	return nil
}
