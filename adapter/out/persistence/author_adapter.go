// Package persistence provides the PostgreSQL-backed repositories for
// authors, patches, and threads, built on sqlx.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mailarchive/core/domain"
	out "mailarchive/core/port/out"
)

// AuthorAdapter implements out.AuthorRepository using PostgreSQL.
type AuthorAdapter struct {
	db *sqlx.DB
}

func NewAuthorAdapter(db *sqlx.DB) *AuthorAdapter {
	return &AuthorAdapter{db: db}
}

type authorRow struct {
	AuthorID    int64          `db:"author_id"`
	FirstName   string         `db:"first_name"`
	LastName    sql.NullString `db:"last_name"`
	DisplayName string         `db:"display_name"`
	FirstSeen   time.Time      `db:"first_seen"`
	PatchCount  int            `db:"patch_count"`
}

func (r authorRow) toDomain() domain.Author {
	return domain.Author{
		AuthorID:    r.AuthorID,
		FirstName:   r.FirstName,
		LastName:    r.LastName.String,
		DisplayName: r.DisplayName,
		FirstSeen:   r.FirstSeen,
		PatchCount:  r.PatchCount,
	}
}

// UpsertAuthors inserts any (first, last) pair not already present, doing
// nothing on conflict, then reads back every requested pair's id. last_name
// is always written as an empty string rather than NULL so the
// (first_name, last_name) unique constraint behaves as a true identity key
// — Postgres otherwise treats every NULL as distinct from every other NULL.
func (a *AuthorAdapter) UpsertAuthors(ctx context.Context, keys []domain.AuthorKey, displayNames map[domain.AuthorKey]string) (map[domain.AuthorKey]int64, error) {
	result := make(map[domain.AuthorKey]int64, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	unique := dedupeKeys(keys)

	valueStrings := make([]string, 0, len(unique))
	args := make([]interface{}, 0, len(unique)*3)
	for i, k := range unique {
		base := i * 3
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, k.First, k.Last, displayNames[k])
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO authors (first_name, last_name, display_name)
		VALUES %s
		ON CONFLICT (first_name, last_name) DO NOTHING`, strings.Join(valueStrings, ", "))
	if _, err := a.db.ExecContext(ctx, insertQuery, args...); err != nil {
		return nil, fmt.Errorf("upsert authors: %w", err)
	}

	return a.lookupAuthorIDs(ctx, unique)
}

func (a *AuthorAdapter) lookupAuthorIDs(ctx context.Context, keys []domain.AuthorKey) (map[domain.AuthorKey]int64, error) {
	valueStrings := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys)*2)
	for i, k := range keys {
		base := i * 2
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d)", base+1, base+2))
		args = append(args, k.First, k.Last)
	}

	query := fmt.Sprintf(`
		SELECT a.author_id, a.first_name, a.last_name
		FROM authors a
		JOIN (VALUES %s) AS k(first_name, last_name)
			ON a.first_name = k.first_name AND a.last_name = k.last_name`,
		strings.Join(valueStrings, ", "))

	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup author ids: %w", err)
	}
	defer rows.Close()

	result := make(map[domain.AuthorKey]int64, len(keys))
	for rows.Next() {
		var id int64
		var first string
		var last sql.NullString
		if err := rows.Scan(&id, &first, &last); err != nil {
			return nil, err
		}
		result[domain.AuthorKey{First: first, Last: last.String}] = id
	}
	return result, rows.Err()
}

// UpsertEmails inserts any email not already present for its author, doing
// nothing on conflict, then returns every requested email's id.
func (a *AuthorAdapter) UpsertEmails(ctx context.Context, authorByEmail map[string]int64) (map[string]int64, error) {
	result := make(map[string]int64, len(authorByEmail))
	if len(authorByEmail) == 0 {
		return result, nil
	}

	emails := make([]string, 0, len(authorByEmail))
	valueStrings := make([]string, 0, len(authorByEmail))
	args := make([]interface{}, 0, len(authorByEmail)*2)
	i := 0
	for email, authorID := range authorByEmail {
		emails = append(emails, email)
		base := i * 2
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d)", base+1, base+2))
		args = append(args, authorID, email)
		i++
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO author_emails (author_id, email)
		VALUES %s
		ON CONFLICT (email) DO NOTHING`, strings.Join(valueStrings, ", "))
	if _, err := a.db.ExecContext(ctx, insertQuery, args...); err != nil {
		return nil, fmt.Errorf("upsert emails: %w", err)
	}

	rows, err := a.db.QueryxContext(ctx, "SELECT email_id, email FROM author_emails WHERE email = ANY($1)", pq.Array(emails))
	if err != nil {
		return nil, fmt.Errorf("lookup email ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var email string
		if err := rows.Scan(&id, &email); err != nil {
			return nil, err
		}
		result[email] = id
	}
	return result, rows.Err()
}

// LookupEmails resolves author_id/email_id for already-stored emails.
func (a *AuthorAdapter) LookupEmails(ctx context.Context, emails []string) (map[string]out.EmailIdentity, error) {
	result := make(map[string]out.EmailIdentity, len(emails))
	if len(emails) == 0 {
		return result, nil
	}

	rows, err := a.db.QueryxContext(ctx, "SELECT email, author_id, email_id FROM author_emails WHERE email = ANY($1)", pq.Array(emails))
	if err != nil {
		return nil, fmt.Errorf("lookup emails: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var email string
		var identity out.EmailIdentity
		if err := rows.Scan(&email, &identity.AuthorID, &identity.EmailID); err != nil {
			return nil, err
		}
		result[email] = identity
	}
	return result, rows.Err()
}

// RefreshPatchCounts recomputes every author's patch_count in one set-based
// statement, run once per ingestion pass rather than per row.
func (a *AuthorAdapter) RefreshPatchCounts(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE authors a SET patch_count = (
			SELECT COUNT(*) FROM patches p WHERE p.author_id = a.author_id
		)`)
	return err
}

func (a *AuthorAdapter) GetAuthors(ctx context.Context, limit, offset int) ([]domain.Author, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var rows []authorRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT author_id, first_name, last_name, display_name, first_seen, patch_count
		FROM authors
		ORDER BY patch_count DESC, author_id ASC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get authors: %w", err)
	}

	authors := make([]domain.Author, len(rows))
	for i, r := range rows {
		authors[i] = r.toDomain()
	}
	return authors, nil
}

func dedupeKeys(keys []domain.AuthorKey) []domain.AuthorKey {
	seen := make(map[domain.AuthorKey]bool, len(keys))
	unique := make([]domain.AuthorKey, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, k)
	}
	return unique
}

var _ out.AuthorRepository = (*AuthorAdapter)(nil)
