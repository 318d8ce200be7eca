package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/harvest/errors"
)

// SourceStats aggregates ledger entries for one source.
type SourceStats struct {
	Source    string `json:"source"`
	Saved     int64  `json:"saved"`
	Duplicate int64  `json:"duplicate"`
	Bytes     int64  `json:"bytes"`
}

// Stats summarises the whole ledger.
type Stats struct {
	Total     int64         `json:"total"`
	Saved     int64         `json:"saved"`
	Duplicate int64         `json:"duplicate"`
	Bytes     int64         `json:"bytes"`
	BySource  []SourceStats `json:"by_source"`
}

// Stats returns totals and per-source counts. Duplicate entries contribute no bytes.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source,
		       SUM(CASE WHEN status = 'saved' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'duplicate' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'saved' THEN size ELSE 0 END)
		FROM ledger_entries
		GROUP BY source
		ORDER BY source`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query ledger stats")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var ss SourceStats
		if err := rows.Scan(&ss.Source, &ss.Saved, &ss.Duplicate, &ss.Bytes); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger stats")
		}
		stats.Saved += ss.Saved
		stats.Duplicate += ss.Duplicate
		stats.Bytes += ss.Bytes
		stats.BySource = append(stats.BySource, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate ledger stats")
	}
	stats.Total = stats.Saved + stats.Duplicate
	return stats, nil
}

// SearchRecord is one search issued on behalf of a job.
type SearchRecord struct {
	Theme     string
	Category  string
	Sources   []string
	Results   int
	CreatedAt time.Time
}

// ThemeCount is a theme and how often it was searched.
type ThemeCount struct {
	Theme string `json:"theme"`
	Count int    `json:"count"`
}

// RecordSearch appends to the search history.
func (s *Store) RecordSearch(ctx context.Context, r SearchRecord) error {
	if strings.TrimSpace(r.Theme) == "" {
		return errors.NewInvalidRequestError("search record needs a theme")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.timeNow().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_history (theme, category, sources, results, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.Theme, r.Category, strings.Join(r.Sources, ","), r.Results, r.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to record search")
	}
	return nil
}

// PopularThemes returns the most searched themes, most frequent first.
func (s *Store) PopularThemes(ctx context.Context, limit int) ([]ThemeCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT theme, COUNT(*) AS n
		FROM search_history
		GROUP BY theme
		ORDER BY n DESC, theme ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query popular themes")
	}
	defer rows.Close()

	var themes []ThemeCount
	for rows.Next() {
		var tc ThemeCount
		if err := rows.Scan(&tc.Theme, &tc.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan theme count")
		}
		themes = append(themes, tc)
	}
	return themes, errors.Wrap(rows.Err(), "failed to iterate popular themes")
}
