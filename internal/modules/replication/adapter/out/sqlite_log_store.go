package out

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"chorus/internal/modules/replication/domain"
	replout "chorus/internal/modules/replication/port/out"
	"chorus/internal/platform/tx"
)

type SQLiteLogStore struct {
	db *sql.DB
	tx tx.Manager
}

func NewSQLiteLogStore(db *sql.DB) (replout.LogStore, error) {
	store := &SQLiteLogStore{db: db, tx: tx.SQLManager{DB: db}}
	if err := store.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteLogStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS commands (
  origin TEXT NOT NULL,
  seq INTEGER NOT NULL,
  clock TEXT NOT NULL,
  kind TEXT NOT NULL,
  entity TEXT NOT NULL,
  tombstone INTEGER NOT NULL DEFAULT 0,
  payload TEXT,
  checksum TEXT NOT NULL,
  pruned INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (origin, seq)
);
CREATE TABLE IF NOT EXISTS origins (
  origin TEXT PRIMARY KEY,
  partial INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS log_holes (
  origin TEXT NOT NULL,
  seq INTEGER NOT NULL,
  PRIMARY KEY (origin, seq)
);
CREATE TABLE IF NOT EXISTS peer_tips (
  peer_id TEXT NOT NULL,
  origin TEXT NOT NULL,
  seq INTEGER NOT NULL,
  PRIMARY KEY (peer_id, origin)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create command log tables: %w", err)
	}
	return nil
}

func (s *SQLiteLogStore) Load(ctx context.Context) (domain.Snapshot, error) {
	snap := domain.Snapshot{Holes: map[string][]uint64{}, Partial: map[string]bool{}}
	rows, err := s.db.QueryContext(ctx, `SELECT origin, seq, clock, kind, entity, tombstone, COALESCE(payload, ''), checksum, pruned FROM commands ORDER BY origin, seq`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cmd       domain.Command
			clock     string
			payload   string
			tombstone int
			pruned    int
		)
		if err := rows.Scan(&cmd.Origin, &cmd.Seq, &clock, &cmd.Kind, &cmd.Entity, &tombstone, &payload, &cmd.Checksum, &pruned); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan command: %w", err)
		}
		stamp, err := domain.ParseHLC(clock)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("command %s#%d: %w", cmd.Origin, cmd.Seq, err)
		}
		cmd.Clock = stamp
		cmd.Tombstone = tombstone == 1
		if payload != "" {
			cmd.Payload = json.RawMessage(payload)
		}
		snap.Records = append(snap.Records, domain.Record{Command: cmd, Pruned: pruned == 1})
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("iterate commands: %w", err)
	}

	holeRows, err := s.db.QueryContext(ctx, `SELECT origin, seq FROM log_holes ORDER BY origin, seq`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("query holes: %w", err)
	}
	defer holeRows.Close()
	for holeRows.Next() {
		var origin string
		var seq uint64
		if err := holeRows.Scan(&origin, &seq); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan hole: %w", err)
		}
		snap.Holes[origin] = append(snap.Holes[origin], seq)
	}
	if err := holeRows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("iterate holes: %w", err)
	}

	originRows, err := s.db.QueryContext(ctx, `SELECT origin, partial FROM origins`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("query origins: %w", err)
	}
	defer originRows.Close()
	for originRows.Next() {
		var origin string
		var partial int
		if err := originRows.Scan(&origin, &partial); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan origin: %w", err)
		}
		snap.Partial[origin] = partial == 1
	}
	if err := originRows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("iterate origins: %w", err)
	}
	return snap, nil
}

func (s *SQLiteLogStore) Append(ctx context.Context, cmds []domain.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	return s.tx.Within(ctx, func(ctx context.Context) error {
		exec := tx.From(ctx, s.db)
		for _, cmd := range cmds {
			tombstone := 0
			if cmd.Tombstone {
				tombstone = 1
			}
			if _, err := exec.ExecContext(ctx, `
INSERT INTO commands (origin, seq, clock, kind, entity, tombstone, payload, checksum, pruned)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(origin, seq) DO NOTHING`,
				cmd.Origin, cmd.Seq, cmd.Clock.String(), cmd.Kind, cmd.Entity, tombstone, string(cmd.Payload), cmd.Checksum); err != nil {
				return fmt.Errorf("insert command %s: %w", cmd.Ref(), err)
			}
			if _, err := exec.ExecContext(ctx, `INSERT INTO origins (origin, partial) VALUES (?, 0) ON CONFLICT(origin) DO NOTHING`, cmd.Origin); err != nil {
				return fmt.Errorf("insert origin %s: %w", cmd.Origin, err)
			}
		}
		return nil
	})
}

// MarkPruned keeps the row so the position stays settled, but drops the
// payload.
func (s *SQLiteLogStore) MarkPruned(ctx context.Context, refs []domain.Ref) error {
	return s.tx.Within(ctx, func(ctx context.Context) error {
		exec := tx.From(ctx, s.db)
		for _, ref := range refs {
			if _, err := exec.ExecContext(ctx, `UPDATE commands SET pruned = 1, payload = NULL WHERE origin = ? AND seq = ?`, ref.Origin, ref.Seq); err != nil {
				return fmt.Errorf("prune %s: %w", ref, err)
			}
		}
		return nil
	})
}

func (s *SQLiteLogStore) MarkHoles(ctx context.Context, origin string, seqs []uint64) error {
	return s.tx.Within(ctx, func(ctx context.Context) error {
		exec := tx.From(ctx, s.db)
		for _, seq := range seqs {
			if _, err := exec.ExecContext(ctx, `INSERT INTO log_holes (origin, seq) VALUES (?, ?) ON CONFLICT(origin, seq) DO NOTHING`, origin, seq); err != nil {
				return fmt.Errorf("insert hole %s#%d: %w", origin, seq, err)
			}
		}
		if _, err := exec.ExecContext(ctx, `
INSERT INTO origins (origin, partial) VALUES (?, 1)
ON CONFLICT(origin) DO UPDATE SET partial = 1`, origin); err != nil {
			return fmt.Errorf("mark origin %s partial: %w", origin, err)
		}
		return nil
	})
}

func (s *SQLiteLogStore) PeerTips(ctx context.Context) (map[string]map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, origin, seq FROM peer_tips`)
	if err != nil {
		return nil, fmt.Errorf("query peer tips: %w", err)
	}
	defer rows.Close()
	out := map[string]map[string]uint64{}
	for rows.Next() {
		var peerID, origin string
		var seq uint64
		if err := rows.Scan(&peerID, &origin, &seq); err != nil {
			return nil, fmt.Errorf("scan peer tip: %w", err)
		}
		if out[peerID] == nil {
			out[peerID] = map[string]uint64{}
		}
		out[peerID][origin] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer tips: %w", err)
	}
	return out, nil
}

func (s *SQLiteLogStore) SavePeerTips(ctx context.Context, peerID string, tips map[string]uint64) error {
	return s.tx.Within(ctx, func(ctx context.Context) error {
		exec := tx.From(ctx, s.db)
		for origin, seq := range tips {
			if _, err := exec.ExecContext(ctx, `
INSERT INTO peer_tips (peer_id, origin, seq) VALUES (?, ?, ?)
ON CONFLICT(peer_id, origin) DO UPDATE SET seq = MAX(seq, excluded.seq)`, peerID, origin, seq); err != nil {
				return fmt.Errorf("save tip %s for %s: %w", origin, peerID, err)
			}
		}
		return nil
	})
}
