package transfer

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/harvest/errors"
)

// ErrStoreUnavailable marks failures of the persistent progress store. They are
// fatal to the whole job rather than to one unit.
var ErrStoreUnavailable = errors.New("progress store unavailable")

// ChunkProgress records the contiguous prefix [0, Offset) already written for a unit,
// together with the serialized SHA-256 state after hashing that prefix.
type ChunkProgress struct {
	UnitID    string
	URL       string
	Offset    int64
	HashState []byte
	// TotalSize is the full length when the server announced it, else 0.
	TotalSize int64
	UpdatedAt time.Time
}

// ProgressStore persists ChunkProgress. A unit is owned by one worker at a time,
// so implementations need no per-unit locking.
type ProgressStore interface {
	// Load returns nil, nil when no progress is recorded.
	Load(ctx context.Context, unitID string) (*ChunkProgress, error)
	Save(ctx context.Context, p ChunkProgress) error
	Clear(ctx context.Context, unitID string) error
}

// SQLProgressStore keeps progress in the chunk_progress table.
type SQLProgressStore struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewProgressStore creates a store on an already-migrated database.
func NewProgressStore(db *sql.DB) *SQLProgressStore {
	return &SQLProgressStore{db: db, timeNow: time.Now}
}

// Load returns the recorded progress for unitID.
func (s *SQLProgressStore) Load(ctx context.Context, unitID string) (*ChunkProgress, error) {
	var p ChunkProgress
	err := s.db.QueryRowContext(ctx, `
		SELECT unit_id, url, byte_offset, hash_state, total_size, updated_at
		FROM chunk_progress WHERE unit_id = ?`, unitID).
		Scan(&p.UnitID, &p.URL, &p.Offset, &p.HashState, &p.TotalSize, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to load progress for %s", unitID), ErrStoreUnavailable)
	}
	return &p, nil
}

// Save upserts progress for p.UnitID.
func (s *SQLProgressStore) Save(ctx context.Context, p ChunkProgress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.timeNow().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunk_progress (unit_id, url, byte_offset, hash_state, total_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET
			url = excluded.url,
			byte_offset = excluded.byte_offset,
			hash_state = excluded.hash_state,
			total_size = excluded.total_size,
			updated_at = excluded.updated_at`,
		p.UnitID, p.URL, p.Offset, p.HashState, p.TotalSize, p.UpdatedAt)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to save progress for %s", p.UnitID), ErrStoreUnavailable)
	}
	return nil
}

// Clear removes progress for unitID.
func (s *SQLProgressStore) Clear(ctx context.Context, unitID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_progress WHERE unit_id = ?`, unitID); err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to clear progress for %s", unitID), ErrStoreUnavailable)
	}
	return nil
}

// Pending lists every unit with recorded progress, oldest first.
func (s *SQLProgressStore) Pending(ctx context.Context) ([]ChunkProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, url, byte_offset, total_size, updated_at
		FROM chunk_progress ORDER BY updated_at`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending progress")
	}
	defer rows.Close()

	var out []ChunkProgress
	for rows.Next() {
		var p ChunkProgress
		if err := rows.Scan(&p.UnitID, &p.URL, &p.Offset, &p.TotalSize, &p.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan progress")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate progress")
}
