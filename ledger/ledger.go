// Package ledger is the durable dedup index of everything harvest has fetched.
//
// Entries are keyed by the SHA-256 of the asset URL. A URL hit is authoritative
// and lets the orchestrator skip a candidate before any network call. The
// content hash (SHA-256 of the raw bytes) catches the same asset served under a
// different URL; such entries are recorded with status duplicate so the new URL
// short-circuits next time too.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/harvest/errors"
	"github.com/teranos/harvest/sym"
)

// Status is the outcome an entry was recorded with.
type Status string

const (
	StatusSaved     Status = "saved"
	StatusDuplicate Status = "duplicate"
)

// Entry is one fetched URL.
type Entry struct {
	URLHash     string    `json:"url_hash"`
	ContentHash string    `json:"content_hash"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	Theme       string    `json:"theme,omitempty"`
	Path        string    `json:"path,omitempty"`
	Size        int64     `json:"size"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// HashURL returns the ledger key for a URL. Surrounding whitespace is ignored;
// everything else, including the query string, is significant.
func HashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])
}

// HashContent returns the hex SHA-256 of b.
func HashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Store persists ledger entries in SQLite.
type Store struct {
	db      *sql.DB
	logger  *zap.SugaredLogger
	timeNow func() time.Time

	// claimMu serializes Claim so check-then-insert on content_hash is atomic
	// even across connections in the pool.
	claimMu sync.Mutex
}

// NewStore creates a ledger store on an already-migrated database.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger, timeNow: time.Now}
}

// SeenByURL reports whether urlHash has been recorded.
func (s *Store) SeenByURL(ctx context.Context, urlHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE url_hash = ?)`, urlHash).Scan(&exists)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to check ledger by URL"),
			fmt.Sprintf("URL hash: %s", urlHash))
	}
	return exists, nil
}

// SeenByContent reports whether any entry carries contentHash.
func (s *Store) SeenByContent(ctx context.Context, contentHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE content_hash = ?)`, contentHash).Scan(&exists)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to check ledger by content"),
			fmt.Sprintf("Content hash: %s", contentHash))
	}
	return exists, nil
}

// Get returns the entry for urlHash, or an error wrapping errors.ErrNotFound.
func (s *Store) Get(ctx context.Context, urlHash string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT url_hash, content_hash, source, url, theme, path, size, status, created_at
		FROM ledger_entries WHERE url_hash = ?`, urlHash)

	var e Entry
	err := row.Scan(&e.URLHash, &e.ContentHash, &e.Source, &e.URL, &e.Theme, &e.Path, &e.Size, &e.Status, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("ledger entry %s", urlHash)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get ledger entry")
	}
	return &e, nil
}

func (s *Store) prepare(e *Entry) error {
	if e.URLHash == "" {
		if e.URL == "" {
			return errors.NewInvalidRequestError("ledger entry needs a URL or URL hash")
		}
		e.URLHash = HashURL(e.URL)
	}
	if e.ContentHash == "" {
		return errors.NewInvalidRequestError("ledger entry %s has no content hash", e.URLHash)
	}
	if e.Status == "" {
		e.Status = StatusSaved
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.timeNow().UTC()
	}
	return nil
}

const insertEntry = `
	INSERT INTO ledger_entries (url_hash, content_hash, source, url, theme, path, size, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(url_hash) DO NOTHING`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// insert reports whether a row was written; false means the URL hash already existed.
func insert(ctx context.Context, x execer, e *Entry) (bool, error) {
	res, err := x.ExecContext(ctx, insertEntry,
		e.URLHash, e.ContentHash, e.Source, e.URL, e.Theme, e.Path, e.Size, string(e.Status), e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Record writes an entry. Recording a URL hash that already exists is a no-op.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if err := s.prepare(&e); err != nil {
		return err
	}
	if _, err := insert(ctx, s.db, &e); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to record ledger entry"),
			fmt.Sprintf("URL hash: %s", e.URLHash))
	}
	return nil
}

// Claim records a freshly validated download and reports whether its content was
// already known, either under another URL or because this URL was recorded
// before. The content check and the insert run in one transaction under a
// mutex, so two concurrent downloads of identical bytes produce exactly one saved
// entry; the loser is recorded as a duplicate.
func (s *Store) Claim(ctx context.Context, e Entry) (duplicate bool, err error) {
	if err := s.prepare(&e); err != nil {
		return false, err
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin ledger claim")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT url_hash FROM ledger_entries WHERE content_hash = ? AND url_hash != ? LIMIT 1`,
		e.ContentHash, e.URLHash).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e.Status = StatusSaved
		err = nil
	case err != nil:
		return false, errors.WithDetail(errors.Wrap(err, "failed to check content hash"),
			fmt.Sprintf("Content hash: %s", e.ContentHash))
	default:
		e.Status = StatusDuplicate
		duplicate = true
	}

	inserted, err := insert(ctx, tx, &e)
	if err != nil {
		return false, errors.WithDetail(errors.Wrap(err, "failed to record ledger entry"),
			fmt.Sprintf("URL hash: %s", e.URLHash))
	}
	if !inserted {
		duplicate = true
	}

	if err = tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit ledger claim")
	}

	if duplicate {
		s.logger.Debugw("Content already in ledger",
			"symbol", sym.Ledger,
			"url_hash", e.URLHash,
			"content_hash", e.ContentHash,
			"original_url_hash", existing,
		)
	}
	return duplicate, nil
}

// Forget removes the entry for urlHash. Used to roll back a claim whose file could not be committed.
func (s *Store) Forget(ctx context.Context, urlHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE url_hash = ?`, urlHash); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to forget ledger entry"),
			fmt.Sprintf("URL hash: %s", urlHash))
	}
	return nil
}

// Sweep deletes entries created before olderThan and returns how many were removed.
// This is the only path that deletes recorded history.
func (s *Store) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep ledger")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count swept ledger entries")
	}
	if n > 0 {
		s.logger.Infow("Ledger swept",
			"symbol", sym.Ledger,
			"removed", n,
			"older_than", olderThan.Format(time.RFC3339),
		)
	}
	return n, nil
}
