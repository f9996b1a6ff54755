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

// memberChunkSize bounds how many ThreadMemberRow values a single INSERT
// statement binds, keeping each round trip's placeholder count well under
// Postgres's parameter ceiling.
const memberChunkSize = 5000

// ThreadAdapter implements out.ThreadRepository using PostgreSQL.
type ThreadAdapter struct {
	db *sqlx.DB
}

func NewThreadAdapter(db *sqlx.DB) *ThreadAdapter {
	return &ThreadAdapter{db: db}
}

// RebuildMembership tears down every membership row, upserts one thread row
// per root, bulk-inserts the new membership rows in chunks, and refreshes
// per-thread reply/participant statistics in one set-based pass.
func (t *ThreadAdapter) RebuildMembership(ctx context.Context, roots []out.ThreadRoot, members []out.ThreadMemberRow) (map[int64]int64, error) {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM patch_replies"); err != nil {
		return nil, fmt.Errorf("clear membership: %w", err)
	}

	threadIDs, err := upsertRoots(ctx, tx, roots)
	if err != nil {
		return nil, err
	}

	// The builder hands members over without thread ids (they only exist
	// after the root upsert); thread_path[0] is always the root patch id.
	for i := range members {
		members[i].ThreadID = threadIDs[members[i].ThreadPath[0]]
	}

	for start := 0; start < len(members); start += memberChunkSize {
		end := start + memberChunkSize
		if end > len(members) {
			end = len(members)
		}
		if err := insertMemberChunk(ctx, tx, members[start:end]); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE patch_threads pt SET
			reply_count = COALESCE(stats.reply_count, 0),
			participant_count = COALESCE(stats.participant_count, 0),
			last_activity_at = stats.last_activity_at
		FROM (
			SELECT
				r.thread_id,
				COUNT(*) FILTER (WHERE r.parent_patch_id IS NOT NULL) AS reply_count,
				COUNT(DISTINCT p.author_id) AS participant_count,
				MAX(p.sent_at) AS last_activity_at
			FROM patch_replies r
			JOIN patches p ON p.patch_id = r.patch_id
			GROUP BY r.thread_id
		) stats
		WHERE stats.thread_id = pt.thread_id`); err != nil {
		return nil, fmt.Errorf("refresh thread statistics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rebuild: %w", err)
	}
	return threadIDs, nil
}

func upsertRoots(ctx context.Context, tx *sqlx.Tx, roots []out.ThreadRoot) (map[int64]int64, error) {
	result := make(map[int64]int64, len(roots))
	if len(roots) == 0 {
		return result, nil
	}

	valueStrings := make([]string, 0, len(roots))
	args := make([]interface{}, 0, len(roots)*3)
	for i, r := range roots {
		base := i * 3
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, r.RootPatchID, r.RootMessageID, r.SubjectBase)
	}

	query := fmt.Sprintf(`
		INSERT INTO patch_threads (root_patch_id, root_message_id, subject_base)
		VALUES %s
		ON CONFLICT (root_patch_id) DO UPDATE SET
			root_message_id = EXCLUDED.root_message_id,
			subject_base = EXCLUDED.subject_base
		RETURNING thread_id, root_patch_id`, strings.Join(valueStrings, ", "))

	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("upsert thread roots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var threadID, rootPatchID int64
		if err := rows.Scan(&threadID, &rootPatchID); err != nil {
			return nil, err
		}
		result[rootPatchID] = threadID
	}
	return result, rows.Err()
}

func insertMemberChunk(ctx context.Context, tx *sqlx.Tx, members []out.ThreadMemberRow) error {
	if len(members) == 0 {
		return nil
	}

	const paramsPerRow = 6
	valueStrings := make([]string, 0, len(members))
	args := make([]interface{}, 0, len(members)*paramsPerRow)
	for i, m := range members {
		base := i * paramsPerRow
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, m.ThreadID, m.PatchID, m.ParentPatchID, m.Depth, m.PositionInThread, pq.Array(m.ThreadPath))
	}

	query := fmt.Sprintf(`
		INSERT INTO patch_replies (thread_id, patch_id, parent_patch_id, depth_level, position_in_thread, thread_path)
		VALUES %s`, strings.Join(valueStrings, ", "))

	_, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert thread members: %w", err)
	}
	return nil
}

type threadRow struct {
	ThreadID         int64        `db:"thread_id"`
	RootPatchID      int64        `db:"root_patch_id"`
	RootMessageID    string       `db:"root_message_id"`
	SubjectBase      string       `db:"subject_base"`
	ReplyCount       int          `db:"reply_count"`
	ParticipantCount int          `db:"participant_count"`
	LastActivityAt   sql.NullTime `db:"last_activity_at"`
	CreatedAt        time.Time    `db:"created_at"`
}

func (r threadRow) toDomain() domain.Thread {
	return domain.Thread{
		ThreadID:         r.ThreadID,
		RootPatchID:      r.RootPatchID,
		RootMessageID:    r.RootMessageID,
		SubjectBase:      r.SubjectBase,
		ReplyCount:       r.ReplyCount,
		ParticipantCount: r.ParticipantCount,
		LastActivityAt:   r.LastActivityAt.Time,
		CreatedAt:        r.CreatedAt,
	}
}

func (t *ThreadAdapter) GetThreads(ctx context.Context, limit, offset int) ([]domain.Thread, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []threadRow
	err := t.db.SelectContext(ctx, &rows, `
		SELECT thread_id, root_patch_id, root_message_id, subject_base, reply_count,
			participant_count, last_activity_at, created_at
		FROM patch_threads
		ORDER BY last_activity_at DESC NULLS LAST
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get threads: %w", err)
	}

	threads := make([]domain.Thread, len(rows))
	for i, r := range rows {
		threads[i] = r.toDomain()
	}
	return threads, nil
}

// GetThreadTree loads every member of a thread in position_in_thread order
// (breadth-first from the root, so a parent precedes its children), and carries the fields the
// reply-content/diff-detection transform (query.Service) needs.
func (t *ThreadAdapter) GetThreadTree(ctx context.Context, threadID int64) ([]out.ThreadTreeNode, error) {
	type nodeRow struct {
		ThreadID            int64          `db:"thread_id"`
		PatchID             int64          `db:"patch_id"`
		ParentPatchID       sql.NullInt64  `db:"parent_patch_id"`
		Depth               int            `db:"depth_level"`
		PositionInThread    int            `db:"position_in_thread"`
		ThreadPath          pq.Int64Array  `db:"thread_path"`
		MessageID           string         `db:"message_id"`
		Subject             string         `db:"subject"`
		AuthorDisplayName   sql.NullString `db:"author_display_name"`
		SentAt              time.Time      `db:"sent_at"`
		BodyPreview         sql.NullString `db:"body_preview"`
		IsReply             bool           `db:"is_reply"`
		IsMergeNotification bool           `db:"is_merge_notification"`
	}

	var rows []nodeRow
	err := t.db.SelectContext(ctx, &rows, `
		SELECT
			r.thread_id, r.patch_id, r.parent_patch_id, r.depth_level, r.position_in_thread, r.thread_path,
			p.message_id, p.subject, a.display_name AS author_display_name, p.sent_at,
			LEFT(p.body_text, 500) AS body_preview, p.is_reply, p.is_merge_notification
		FROM patch_replies r
		JOIN patches p ON p.patch_id = r.patch_id
		LEFT JOIN authors a ON a.author_id = p.author_id
		WHERE r.thread_id = $1
		ORDER BY r.position_in_thread ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread tree: %w", err)
	}

	nodes := make([]out.ThreadTreeNode, len(rows))
	for i, r := range rows {
		var parentID *int64
		if r.ParentPatchID.Valid {
			v := r.ParentPatchID.Int64
			parentID = &v
		}
		nodes[i] = out.ThreadTreeNode{
			ThreadMember: domain.ThreadMember{
				ThreadID:         r.ThreadID,
				PatchID:          r.PatchID,
				ParentPatchID:    parentID,
				Depth:            r.Depth,
				PositionInThread: r.PositionInThread,
				ThreadPath:       []int64(r.ThreadPath),
			},
			MessageID:           r.MessageID,
			Subject:             r.Subject,
			AuthorDisplayName:   r.AuthorDisplayName.String,
			SentAt:              r.SentAt,
			BodyPreview:         r.BodyPreview.String,
			IsReply:             r.IsReply,
			IsMergeNotification: r.IsMergeNotification,
		}
	}
	return nodes, nil
}

func (t *ThreadAdapter) GetThreadForPatch(ctx context.Context, patchID int64) (*domain.Thread, error) {
	var r threadRow
	err := t.db.GetContext(ctx, &r, `
		SELECT t.thread_id, t.root_patch_id, t.root_message_id, t.subject_base, t.reply_count,
			t.participant_count, t.last_activity_at, t.created_at
		FROM patch_threads t
		JOIN patch_replies m ON m.thread_id = t.thread_id
		WHERE m.patch_id = $1`, patchID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread for patch: %w", err)
	}
	thread := r.toDomain()
	return &thread, nil
}

func (t *ThreadAdapter) SearchThreads(ctx context.Context, subjectQuery string, limit, offset int) ([]domain.Thread, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []threadRow
	err := t.db.SelectContext(ctx, &rows, `
		SELECT thread_id, root_patch_id, root_message_id, subject_base, reply_count,
			participant_count, last_activity_at, created_at
		FROM patch_threads
		WHERE subject_base ILIKE $1
		ORDER BY last_activity_at DESC NULLS LAST
		LIMIT $2 OFFSET $3`, "%"+subjectQuery+"%", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search threads: %w", err)
	}

	threads := make([]domain.Thread, len(rows))
	for i, r := range rows {
		threads[i] = r.toDomain()
	}
	return threads, nil
}

var _ out.ThreadRepository = (*ThreadAdapter)(nil)
