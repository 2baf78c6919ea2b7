package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
)

// BlockKey is the 8-byte big-endian encoding of a block timestamp.
// Big-endian keys sort bytewise in timestamp order, so the blocks
// table doubles as the chain index: MAX(key) is the chain tip and
// range scans walk the chain in creation order.
func BlockKey(timestamp int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(timestamp))
	return key
}

// BlockKeyTimestamp decodes a block key back to its timestamp.
func BlockKeyTimestamp(key []byte) (int64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("block key must be 8 bytes, got %d", len(key))
	}
	return int64(binary.BigEndian.Uint64(key)), nil
}

// AppendBlock inserts an encoded block record keyed by timestamp.
// The insert is atomic: it either commits fully or leaves the table
// untouched. A duplicate key is an error - block timestamps are
// issued monotonically by the ledger, so a collision means a caller
// bypassed it.
func (s *Store) AppendBlock(ctx context.Context, timestamp int64, record []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append block: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (key, record) VALUES (?, ?)
	`, BlockKey(timestamp), record); err != nil {
		return fmt.Errorf("append block: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append block: commit: %w", err)
	}

	return nil
}

// LastBlock returns the record at the chain tip.
// Returns found=false on an empty ledger.
func (s *Store) LastBlock(ctx context.Context) (record []byte, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT record FROM blocks ORDER BY key DESC LIMIT 1
	`).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("last block: %w", err)
	}
	return record, true, nil
}

// ScanBlocks walks all block records in chain order, calling fn for
// each. Iteration stops at the first error returned by fn.
func (s *Store) ScanBlocks(ctx context.Context, fn func(timestamp int64, record []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, record FROM blocks ORDER BY key ASC
	`)
	if err != nil {
		return fmt.Errorf("scan blocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, record []byte
		if err := rows.Scan(&key, &record); err != nil {
			return fmt.Errorf("scan blocks: scan row: %w", err)
		}
		ts, err := BlockKeyTimestamp(key)
		if err != nil {
			return fmt.Errorf("scan blocks: %w", err)
		}
		if err := fn(ts, record); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan blocks: iterate: %w", err)
	}

	return nil
}

// CountBlocks returns the number of blocks in the ledger.
func (s *Store) CountBlocks(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return count, nil
}

// LastBlockTimestamp returns the timestamp at the chain tip, or 0 on
// an empty ledger.
func (s *Store) LastBlockTimestamp(ctx context.Context) (int64, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT key FROM blocks ORDER BY key DESC LIMIT 1
	`).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last block timestamp: %w", err)
	}
	return BlockKeyTimestamp(key)
}
