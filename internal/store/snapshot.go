package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CommitBlock inserts an encoded block record and the state snapshot
// it attests in one transaction. The snapshot row is what a restart
// restores the merged document from, so it must never lag behind the
// chain tip: either both land or neither does.
func (s *Store) CommitBlock(ctx context.Context, timestamp int64, record, snapshot []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit block: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (key, record) VALUES (?, ?)
	`, BlockKey(timestamp), record); err != nil {
		return fmt.Errorf("commit block: insert block: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_snapshot (id, snapshot, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`, snapshot, timestamp); err != nil {
		return fmt.Errorf("commit block: save snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit block: commit: %w", err)
	}

	return nil
}

// LoadSnapshot returns the last committed state snapshot.
// Returns found=false if no block has ever been committed.
func (s *Store) LoadSnapshot(ctx context.Context) (snapshot []byte, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM state_snapshot WHERE id = 1
	`).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot: %w", err)
	}
	return snapshot, true, nil
}
