package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	out "mailarchive/core/port/out"
)

// QueryAdapter implements out.QueryRepository using PostgreSQL.
type QueryAdapter struct {
	db *sqlx.DB
}

func NewQueryAdapter(db *sqlx.DB) *QueryAdapter {
	return &QueryAdapter{db: db}
}

// GetStats aggregates the whole-archive counters get_database_stats and
// get_enhanced_stats report, plus the top-contributor and daily-activity
// breakdowns the enhanced view adds.
func (q *QueryAdapter) GetStats(ctx context.Context) (out.Stats, error) {
	var stats out.Stats

	err := q.db.GetContext(ctx, &stats.TotalAuthors, "SELECT COUNT(*) FROM authors")
	if err != nil {
		return stats, fmt.Errorf("count authors: %w", err)
	}
	if err := q.db.GetContext(ctx, &stats.TotalPatches, "SELECT COUNT(*) FROM patches"); err != nil {
		return stats, fmt.Errorf("count patches: %w", err)
	}
	if err := q.db.GetContext(ctx, &stats.TotalThreads, "SELECT COUNT(*) FROM patch_threads"); err != nil {
		return stats, fmt.Errorf("count threads: %w", err)
	}
	if err := q.db.GetContext(ctx, &stats.TotalSeries, "SELECT COUNT(*) FROM patches WHERE is_series"); err != nil {
		return stats, fmt.Errorf("count series: %w", err)
	}
	if err := q.db.GetContext(ctx, &stats.TotalMerges, "SELECT COUNT(*) FROM patches WHERE is_merge_notification"); err != nil {
		return stats, fmt.Errorf("count merges: %w", err)
	}

	var contributors []struct {
		AuthorID    int64  `db:"author_id"`
		DisplayName string `db:"display_name"`
		PatchCount  int64  `db:"patch_count"`
	}
	err = q.db.SelectContext(ctx, &contributors, `
		SELECT author_id, display_name, patch_count
		FROM authors
		ORDER BY patch_count DESC, author_id ASC
		LIMIT 10`)
	if err != nil {
		return stats, fmt.Errorf("top contributors: %w", err)
	}
	stats.TopContributors = make([]out.ContributorCount, len(contributors))
	for i, c := range contributors {
		stats.TopContributors[i] = out.ContributorCount{
			AuthorID:    c.AuthorID,
			DisplayName: c.DisplayName,
			PatchCount:  c.PatchCount,
		}
	}

	var daily []struct {
		Day   time.Time `db:"day"`
		Count int64     `db:"count"`
	}
	err = q.db.SelectContext(ctx, &daily, `
		SELECT date_trunc('day', sent_at) AS day, COUNT(*) AS count
		FROM patches
		WHERE sent_at > now() - interval '30 days'
		GROUP BY day
		ORDER BY day ASC`)
	if err != nil {
		return stats, fmt.Errorf("daily activity: %w", err)
	}
	stats.DailyActivity = make([]out.DailyCount, len(daily))
	for i, d := range daily {
		stats.DailyActivity[i] = out.DailyCount{Day: d.Day, Count: d.Count}
	}

	return stats, nil
}

var _ out.QueryRepository = (*QueryAdapter)(nil)
