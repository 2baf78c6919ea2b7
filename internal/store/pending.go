package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PendingRow is the persisted form of a pending change: one
// serialized application event awaiting a batch flush.
type PendingRow struct {
	ID         string
	ChangeType string
	Payload    []byte
	Priority   int
	CreatedAt  int64
}

// InsertPending enqueues a pending change durably.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - re-enqueueing the
// same change ID is silently ignored.
func (s *Store) InsertPending(ctx context.Context, row PendingRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_changes (id, change_type, payload, priority, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, row.ID, row.ChangeType, row.Payload, row.Priority, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pending: %w", err)
	}
	return nil
}

// SelectPending returns up to limit pending changes of the given
// priority, oldest first. Rows are not removed; call DeletePending
// after a successful flush.
func (s *Store) SelectPending(ctx context.Context, priority, limit int) ([]PendingRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, change_type, payload, priority, created_at
		FROM pending_changes
		WHERE priority = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, priority, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var out []PendingRow
	for rows.Next() {
		var r PendingRow
		if err := rows.Scan(&r.ID, &r.ChangeType, &r.Payload, &r.Priority, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("select pending: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select pending: iterate: %w", err)
	}

	if out == nil {
		out = []PendingRow{}
	}
	return out, nil
}

// DeletePending removes flushed rows by ID.
func (s *Store) DeletePending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM pending_changes WHERE id IN (%s)`, placeholders),
		args...)
	if err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

// HasPendingType reports whether any unflushed change of the given
// type exists. Used to avoid duplicate enqueue storms.
func (s *Store) HasPendingType(ctx context.Context, changeType string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM pending_changes WHERE change_type = ? LIMIT 1
	`, changeType).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has pending type: %w", err)
	}
	return true, nil
}

// CountPending returns the number of pending changes at the given
// priority, or all pending changes if priority is negative.
func (s *Store) CountPending(ctx context.Context, priority int) (int, error) {
	var count int
	var err error
	if priority < 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_changes`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_changes WHERE priority = ?`, priority).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// OldestPending returns the created_at of the oldest change at the
// given priority. Returns found=false when the tier is empty.
func (s *Store) OldestPending(ctx context.Context, priority int) (createdAt int64, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT created_at FROM pending_changes
		WHERE priority = ?
		ORDER BY created_at ASC LIMIT 1
	`, priority).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("oldest pending: %w", err)
	}
	return createdAt, true, nil
}
