// Package patchwriter resolves each parsed record's author/email identity,
// builds PatchRows, and inserts them in parameter-count-bounded chunks with
// idempotent conflict resolution on message_id.
package patchwriter

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mailarchive/core/domain"
	out "mailarchive/core/port/out"
	"mailarchive/pkg/apperr"
)

// columnsPerRow is the number of bind parameters PatchRow occupies in the
// insert statement; kept in sync with the adapter's column list.
const columnsPerRow = 18

// maxParams is comfortably below Postgres's 65535 bind-parameter ceiling.
const maxParams = 60_000

// ChunkSize is the resulting row count per insert statement.
const ChunkSize = maxParams / columnsPerRow

// sentAtLayouts are tried in order: RFC-2822, RFC-3339, then the original
// implementation's plain "%Y-%m-%d %H:%M:%S" (UTC) fallback.
var sentAtLayouts = []string{
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

type Writer struct {
	authors out.AuthorRepository
	patches out.PatchRepository
	log     zerolog.Logger
}

func New(authors out.AuthorRepository, patches out.PatchRepository, log zerolog.Logger) *Writer {
	return &Writer{authors: authors, patches: patches, log: log.With().Str("component", "patch_writer").Logger()}
}

// Write resolves identities from the consolidator's lookups (falling back
// to a direct SELECT for emails a peer batch inserted concurrently), builds
// PatchRows, and inserts them in ChunkSize chunks. It returns the number
// of rows newly inserted.
func (w *Writer) Write(ctx context.Context, records []domain.EmailRecord, lookups identityLookups) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([]out.PatchRow, 0, len(records))
	var unresolved []string
	for _, rec := range records {
		email := rec.AuthorEmail
		authorID, aok := lookups.AuthorByEmail[email]
		emailID, eok := lookups.EmailByEmail[email]
		if !aok || !eok {
			unresolved = append(unresolved, email)
			continue
		}
		rows = append(rows, toPatchRow(rec, authorID, emailID))
	}

	if len(unresolved) > 0 {
		resolved, err := w.authors.LookupEmails(ctx, unresolved)
		if err != nil {
			return 0, apperr.StoreUnavailable("fallback identity lookup failed", err)
		}
		for _, rec := range records {
			if _, aok := lookups.AuthorByEmail[rec.AuthorEmail]; aok {
				if _, eok := lookups.EmailByEmail[rec.AuthorEmail]; eok {
					continue
				}
			}
			identity, ok := resolved[rec.AuthorEmail]
			if !ok {
				return 0, apperr.MissingIdentity(rec.AuthorEmail)
			}
			rows = append(rows, toPatchRow(rec, identity.AuthorID, identity.EmailID))
		}
	}

	var inserted int64
	for start := 0; start < len(rows); start += ChunkSize {
		end := start + ChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		n, err := w.patches.InsertPatches(ctx, rows[start:end])
		if err != nil {
			return inserted, apperr.StoreIntegrity("patch chunk insert failed", err)
		}
		inserted += n
	}

	return inserted, nil
}

// identityLookups mirrors identity.Lookups without importing that package,
// avoiding a dependency cycle risk between sibling service packages; the
// orchestrator adapts identity.Lookups into this shape at the call site.
type identityLookups struct {
	AuthorByEmail map[string]int64
	EmailByEmail  map[string]int64
}

// NewLookups adapts any (authorByEmail, emailByEmail) pair into the shape
// Write expects.
func NewLookups(authorByEmail, emailByEmail map[string]int64) identityLookups {
	return identityLookups{AuthorByEmail: authorByEmail, EmailByEmail: emailByEmail}
}

func toPatchRow(rec domain.EmailRecord, authorID, emailID int64) out.PatchRow {
	return out.PatchRow{
		AuthorID:            authorID,
		EmailID:             emailID,
		MessageID:           rec.MessageID,
		Subject:             rec.Subject,
		SentAt:              parseSentAt(rec.SentAtRaw),
		CommitHash:          rec.CommitHash,
		BodyText:            rec.BodyText,
		IsSeries:            rec.IsSeries,
		SeriesNum:           rec.SeriesNum,
		SeriesTotal:         rec.SeriesTotal,
		InReplyTo:           rec.InReplyTo,
		ThreadReferences:    rec.References,
		IsReply:             rec.IsReply,
		IsMergeNotification: rec.IsMergeNotification,
		MergeRepository:     rec.MergeRepository,
		MergeBranch:         rec.MergeBranch,
		MergeAppliedBy:      rec.MergeAppliedBy,
		MergeCommitLinks:    rec.MergeCommitLinks,
	}
}

// parseSentAt tries each layout in turn; an unparseable or empty date
// falls back to the current time so the row is never rejected for a
// malformed Date header.
func parseSentAt(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	for _, layout := range sentAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
