package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DeviceEntry is one row of the per-device append log.
type DeviceEntry struct {
	DeviceID  string
	Seq       int64
	Entry     []byte
	CreatedAt int64
}

// AppendDeviceEntry inserts a device-log entry and reports whether a
// new row was written. (device_id, seq) is the entry identity, so
// replaying the same entry - which log joins do freely - is a no-op.
func (s *Store) AppendDeviceEntry(ctx context.Context, e DeviceEntry) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_log (device_id, seq, entry, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, seq) DO NOTHING
	`, e.DeviceID, e.Seq, e.Entry, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("append device entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append device entry: rows affected: %w", err)
	}
	return affected > 0, nil
}

// DeviceEntries returns all log entries, ordered by device then seq.
// The ordering is deterministic so a rebuild from the log always
// replays entries in the same sequence.
func (s *Store) DeviceEntries(ctx context.Context) ([]DeviceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, seq, entry, created_at
		FROM device_log
		ORDER BY device_id ASC, seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("device entries: %w", err)
	}
	defer rows.Close()

	var out []DeviceEntry
	for rows.Next() {
		var e DeviceEntry
		if err := rows.Scan(&e.DeviceID, &e.Seq, &e.Entry, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("device entries: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device entries: iterate: %w", err)
	}

	if out == nil {
		out = []DeviceEntry{}
	}
	return out, nil
}

// MaxDeviceSeq returns the highest seq recorded for a device, or 0 if
// the device has no entries.
func (s *Store) MaxDeviceSeq(ctx context.Context, deviceID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM device_log WHERE device_id = ?
	`, deviceID).Scan(&seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("max device seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// PruneDeviceLogBefore removes log entries created strictly before
// the cutoff. Irreversible: the fine-grained history is gone, only
// the merged state (and the anchored blocks) remain.
func (s *Store) PruneDeviceLogBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM device_log WHERE created_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune device log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune device log: rows affected: %w", err)
	}
	return n, nil
}
