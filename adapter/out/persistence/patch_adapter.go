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

// patchColumns is the single source of truth for the INSERT column list this
// adapter builds; patchParamsPerRow below mirrors patchwriter.columnsPerRow.
const patchColumns = `author_id, email_id, message_id, subject, sent_at, commit_hash, body_text,
	is_series, series_number, series_total, in_reply_to, thread_references, is_reply,
	is_merge_notification, merge_repository, merge_branch, merge_applied_by, merge_commit_links`

const patchParamsPerRow = 18

// PatchAdapter implements out.PatchRepository using PostgreSQL.
type PatchAdapter struct {
	db *sqlx.DB
}

func NewPatchAdapter(db *sqlx.DB) *PatchAdapter {
	return &PatchAdapter{db: db}
}

type patchRow struct {
	PatchID    int64          `db:"patch_id"`
	AuthorID   sql.NullInt64  `db:"author_id"`
	EmailID    sql.NullInt64  `db:"email_id"`
	MessageID  string         `db:"message_id"`
	Subject    string         `db:"subject"`
	SentAt     time.Time      `db:"sent_at"`
	CommitHash sql.NullString `db:"commit_hash"`
	BodyText   sql.NullString `db:"body_text"`

	IsSeries    bool          `db:"is_series"`
	SeriesNum   sql.NullInt32 `db:"series_number"`
	SeriesTotal sql.NullInt32 `db:"series_total"`

	InReplyTo        sql.NullString `db:"in_reply_to"`
	ThreadReferences pq.StringArray `db:"thread_references"`
	IsReply          bool           `db:"is_reply"`

	IsMergeNotification bool           `db:"is_merge_notification"`
	MergeRepository     sql.NullString `db:"merge_repository"`
	MergeBranch         sql.NullString `db:"merge_branch"`
	MergeAppliedBy      sql.NullString `db:"merge_applied_by"`
	MergeCommitLinks    pq.StringArray `db:"merge_commit_links"`

	CreatedAt time.Time `db:"created_at"`
}

func (r patchRow) toDomain() domain.Patch {
	return domain.Patch{
		PatchID:             r.PatchID,
		AuthorID:            r.AuthorID.Int64,
		EmailID:             r.EmailID.Int64,
		MessageID:           r.MessageID,
		Subject:             r.Subject,
		SentAt:              r.SentAt,
		CommitHash:          r.CommitHash.String,
		BodyText:            r.BodyText.String,
		IsSeries:            r.IsSeries,
		SeriesNum:           int(r.SeriesNum.Int32),
		SeriesTotal:         int(r.SeriesTotal.Int32),
		InReplyTo:           r.InReplyTo.String,
		ThreadReferences:    []string(r.ThreadReferences),
		IsReply:             r.IsReply,
		IsMergeNotification: r.IsMergeNotification,
		MergeRepository:     r.MergeRepository.String,
		MergeBranch:         r.MergeBranch.String,
		MergeAppliedBy:      r.MergeAppliedBy.String,
		MergeCommitLinks:    []string(r.MergeCommitLinks),
		CreatedAt:           r.CreatedAt,
	}
}

// existingHashChunkSize bounds how many placeholders a single
// "commit_hash = ANY($1)" query binds; ANY() takes one array parameter
// regardless of element count, so this mainly keeps individual round trips
// from growing unbounded on very large archives.
const existingHashChunkSize = 5000

// ExistingCommitHashes returns the subset of the given hashes already
// present in the store, checked in chunks internally.
func (p *PatchAdapter) ExistingCommitHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	result := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return result, nil
	}

	for start := 0; start < len(hashes); start += existingHashChunkSize {
		end := start + existingHashChunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[start:end]

		var found []string
		err := p.db.SelectContext(ctx, &found,
			"SELECT commit_hash FROM patches WHERE commit_hash = ANY($1)", pq.Array(chunk))
		if err != nil {
			return nil, fmt.Errorf("existing commit hashes: %w", err)
		}
		for _, h := range found {
			result[h] = true
		}
	}
	return result, nil
}

// InsertPatches inserts rows in one statement, ON CONFLICT (message_id) DO
// NOTHING, and returns the number of rows actually inserted. Callers are
// expected to have already chunked rows to the parameter-count ceiling.
func (p *PatchAdapter) InsertPatches(ctx context.Context, rows []out.PatchRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	valueStrings := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*patchParamsPerRow)
	for i, row := range rows {
		base := i * patchParamsPerRow
		ph := make([]string, patchParamsPerRow)
		for j := 0; j < patchParamsPerRow; j++ {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			row.AuthorID, row.EmailID, row.MessageID, row.Subject, row.SentAt,
			nullStr(row.CommitHash), nullStr(row.BodyText),
			row.IsSeries, nullInt(row.SeriesNum), nullInt(row.SeriesTotal),
			nullStr(row.InReplyTo), pq.Array(row.ThreadReferences), row.IsReply,
			row.IsMergeNotification, nullStr(row.MergeRepository), nullStr(row.MergeBranch),
			nullStr(row.MergeAppliedBy), pq.Array(row.MergeCommitLinks),
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO patches (%s)
		VALUES %s
		ON CONFLICT (message_id) DO NOTHING
		RETURNING patch_id`, patchColumns, strings.Join(valueStrings, ", "))

	var inserted []int64
	if err := p.db.SelectContext(ctx, &inserted, query, args...); err != nil {
		return 0, fmt.Errorf("insert patches: %w", err)
	}
	return int64(len(inserted)), nil
}

func (p *PatchAdapter) CountPatches(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM patches")
	return count, err
}

func (p *PatchAdapter) GetPatchesByAuthor(ctx context.Context, authorID int64, limit, offset int) ([]domain.Patch, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []patchRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT patch_id, author_id, email_id, message_id, subject, sent_at, commit_hash, body_text,
			is_series, series_number, series_total, in_reply_to, thread_references, is_reply,
			is_merge_notification, merge_repository, merge_branch, merge_applied_by, merge_commit_links, created_at
		FROM patches
		WHERE author_id = $1
		ORDER BY sent_at DESC
		LIMIT $2 OFFSET $3`, authorID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get patches by author: %w", err)
	}
	return toPatches(rows), nil
}

func (p *PatchAdapter) SearchPatchesByAuthor(ctx context.Context, authorQuery, subjectQuery string, limit, offset int) ([]domain.Patch, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []patchRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT p.patch_id, p.author_id, p.email_id, p.message_id, p.subject, p.sent_at, p.commit_hash, p.body_text,
			p.is_series, p.series_number, p.series_total, p.in_reply_to, p.thread_references, p.is_reply,
			p.is_merge_notification, p.merge_repository, p.merge_branch, p.merge_applied_by, p.merge_commit_links, p.created_at
		FROM patches p
		JOIN authors a ON a.author_id = p.author_id
		WHERE a.display_name ILIKE $1 AND p.subject ILIKE $2
		ORDER BY p.sent_at DESC
		LIMIT $3 OFFSET $4`,
		"%"+authorQuery+"%", "%"+subjectQuery+"%", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search patches by author: %w", err)
	}
	return toPatches(rows), nil
}

func (p *PatchAdapter) GetPatchBody(ctx context.Context, patchID int64) (string, error) {
	var body sql.NullString
	err := p.db.GetContext(ctx, &body, "SELECT body_text FROM patches WHERE patch_id = $1", patchID)
	if err != nil {
		return "", fmt.Errorf("get patch body: %w", err)
	}
	return body.String, nil
}

// UnreprocessedMergeCandidates returns patches from trusted sender addresses
// not yet flagged as merge notifications.
func (p *PatchAdapter) UnreprocessedMergeCandidates(ctx context.Context, trustedPattern string) ([]domain.Patch, error) {
	var rows []patchRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT p.patch_id, p.author_id, p.email_id, p.message_id, p.subject, p.sent_at, p.commit_hash, p.body_text,
			p.is_series, p.series_number, p.series_total, p.in_reply_to, p.thread_references, p.is_reply,
			p.is_merge_notification, p.merge_repository, p.merge_branch, p.merge_applied_by, p.merge_commit_links, p.created_at
		FROM patches p
		JOIN author_emails ae ON ae.email_id = p.email_id
		WHERE ae.email ILIKE $1 AND p.is_merge_notification = false`, "%"+trustedPattern+"%")
	if err != nil {
		return nil, fmt.Errorf("unreprocessed merge candidates: %w", err)
	}
	return toPatches(rows), nil
}

// BackAnnotateMerge writes merge fields onto an already-stored patch.
func (p *PatchAdapter) BackAnnotateMerge(ctx context.Context, patchID int64, repository, branch, appliedBy string, commitLinks []string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE patches SET
			is_merge_notification = true,
			merge_repository = $1,
			merge_branch = $2,
			merge_applied_by = $3,
			merge_commit_links = $4
		WHERE patch_id = $5`,
		repository, branch, appliedBy, pq.Array(commitLinks), patchID)
	return err
}

// AllForThreading loads every patch ordered by sent_at ascending,
// projecting only the fields the Thread Builder's parent-discovery
// algorithm needs.
func (p *PatchAdapter) AllForThreading(ctx context.Context) ([]out.ThreadSource, error) {
	type threadSourceRow struct {
		PatchID     int64          `db:"patch_id"`
		MessageID   string         `db:"message_id"`
		Subject     string         `db:"subject"`
		SentAt      time.Time      `db:"sent_at"`
		InReplyTo   sql.NullString `db:"in_reply_to"`
		References  pq.StringArray `db:"thread_references"`
		IsSeries    bool           `db:"is_series"`
		SeriesNum   sql.NullInt32  `db:"series_number"`
		SeriesTotal sql.NullInt32  `db:"series_total"`
		AuthorID    sql.NullInt64  `db:"author_id"`
	}

	var rows []threadSourceRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT patch_id, message_id, subject, sent_at, in_reply_to, thread_references,
			is_series, series_number, series_total, author_id
		FROM patches
		ORDER BY sent_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load patches for threading: %w", err)
	}

	sources := make([]out.ThreadSource, len(rows))
	for i, r := range rows {
		sources[i] = out.ThreadSource{
			PatchID:     r.PatchID,
			MessageID:   r.MessageID,
			Subject:     r.Subject,
			SentAt:      r.SentAt,
			InReplyTo:   r.InReplyTo.String,
			References:  []string(r.References),
			IsSeries:    r.IsSeries,
			SeriesNum:   int(r.SeriesNum.Int32),
			SeriesTotal: int(r.SeriesTotal.Int32),
			AuthorID:    r.AuthorID.Int64,
		}
	}
	return sources, nil
}

func toPatches(rows []patchRow) []domain.Patch {
	patches := make([]domain.Patch, len(rows))
	for i, r := range rows {
		patches[i] = r.toDomain()
	}
	return patches
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(i int) sql.NullInt32 {
	if i == 0 {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(i), Valid: true}
}

var _ out.PatchRepository = (*PatchAdapter)(nil)
