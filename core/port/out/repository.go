package out

import (
	"context"
	"time"

	"mailarchive/core/domain"
)

// AuthorRepository consolidates author identities and their email aliases.
type AuthorRepository interface {
	// UpsertAuthors inserts any (first, last) pair not already present,
	// doing nothing on conflict, then returns every requested pair's id.
	UpsertAuthors(ctx context.Context, keys []domain.AuthorKey, displayNames map[domain.AuthorKey]string) (map[domain.AuthorKey]int64, error)

	// UpsertEmails inserts any email not already present for its author,
	// doing nothing on conflict, then returns every requested email's id.
	UpsertEmails(ctx context.Context, authorByEmail map[string]int64) (map[string]int64, error)

	// LookupEmails resolves author_id/email_id for already-stored emails,
	// used as the Patch Writer's fallback when a peer batch raced the
	// insert.
	LookupEmails(ctx context.Context, emails []string) (map[string]EmailIdentity, error)

	// RefreshPatchCounts recomputes every author's patch_count in one
	// set-based statement.
	RefreshPatchCounts(ctx context.Context) error

	GetAuthors(ctx context.Context, limit, offset int) ([]domain.Author, error)
}

// EmailIdentity is the pair resolved for one email address.
type EmailIdentity struct {
	AuthorID int64
	EmailID  int64
}

// PatchRow is a fully-resolved patch ready for insertion.
type PatchRow struct {
	AuthorID   int64
	EmailID    int64
	MessageID  string
	Subject    string
	SentAt     time.Time
	CommitHash string
	BodyText   string

	IsSeries    bool
	SeriesNum   int
	SeriesTotal int

	InReplyTo        string
	ThreadReferences []string
	IsReply          bool

	IsMergeNotification bool
	MergeRepository     string
	MergeBranch         string
	MergeAppliedBy      string
	MergeCommitLinks    []string
}

// PatchRepository persists patch rows and answers the patch-oriented query
// accessors.
type PatchRepository interface {
	// ExistingCommitHashes returns the subset of the given hashes already
	// present in the store, checked in chunks internally.
	ExistingCommitHashes(ctx context.Context, hashes []string) (map[string]bool, error)

	// InsertPatches inserts rows in one statement, ON CONFLICT (message_id) DO
	// NOTHING, and returns the number of rows actually inserted. Callers
	// split the rows into chunks that fit the bind-parameter ceiling.
	InsertPatches(ctx context.Context, rows []PatchRow) (int64, error)

	// CountPatches returns the current total row count, used by the
	// Progress Reporter and get_database_stats.
	CountPatches(ctx context.Context) (int64, error)

	GetPatchesByAuthor(ctx context.Context, authorID int64, limit, offset int) ([]domain.Patch, error)
	SearchPatchesByAuthor(ctx context.Context, authorQuery, subjectQuery string, limit, offset int) ([]domain.Patch, error)
	GetPatchBody(ctx context.Context, patchID int64) (string, error)

	// UnreprocessedMergeCandidates returns patches from trusted sender
	// addresses not yet flagged as merge notifications.
	UnreprocessedMergeCandidates(ctx context.Context, trustedPattern string) ([]domain.Patch, error)

	// BackAnnotateMerge writes merge fields onto an already-stored patch.
	BackAnnotateMerge(ctx context.Context, patchID int64, repository, branch, appliedBy string, commitLinks []string) error

	// AllForThreading loads every patch ordered by sent_at ascending,
	// projecting only the fields the Thread Builder's parent-discovery
	// algorithm needs.
	AllForThreading(ctx context.Context) ([]ThreadSource, error)
}

// ThreadSource is one patch's threading-relevant projection, ordered by
// sent_at ascending when loaded.
type ThreadSource struct {
	PatchID     int64
	MessageID   string
	Subject     string
	SentAt      time.Time
	InReplyTo   string
	References  []string
	IsSeries    bool
	SeriesNum   int
	SeriesTotal int
	AuthorID    int64
}

// ThreadMemberRow is one row of the rebuilt thread-membership table.
type ThreadMemberRow struct {
	ThreadID         int64
	PatchID          int64
	ParentPatchID    *int64
	Depth            int
	PositionInThread int
	ThreadPath       []int64
}

// ThreadRoot is one root patch the Thread Builder resolved, ready to be
// upserted as a Thread row.
type ThreadRoot struct {
	RootPatchID   int64
	RootMessageID string
	SubjectBase   string
}

// ThreadRepository owns the destructive rebuild of Thread/ThreadMember and
// the thread-oriented query accessors.
type ThreadRepository interface {
	// RebuildMembership tears down every ThreadMember row, upserts one
	// Thread row per root, bulk-inserts the new membership rows, and
	// refreshes per-thread statistics in one set-based statement.
	RebuildMembership(ctx context.Context, roots []ThreadRoot, members []ThreadMemberRow) (threadIDs map[int64]int64, err error)

	GetThreads(ctx context.Context, limit, offset int) ([]domain.Thread, error)
	GetThreadTree(ctx context.Context, threadID int64) ([]ThreadTreeNode, error)
	GetThreadForPatch(ctx context.Context, patchID int64) (*domain.Thread, error)
	SearchThreads(ctx context.Context, subjectQuery string, limit, offset int) ([]domain.Thread, error)
}

// ThreadTreeNode is one patch within a rendered thread tree, with the
// presentation fields the original reference computes on read.
type ThreadTreeNode struct {
	domain.ThreadMember
	MessageID           string
	Subject             string
	AuthorDisplayName   string
	SentAt              time.Time
	BodyPreview         string
	IsReply             bool
	HasDiff             bool
	IsMergeNotification bool
}

// Stats is the richer statistics payload get_database_stats/get_enhanced_stats
// returns.
type Stats struct {
	TotalAuthors    int64
	TotalPatches    int64
	TotalThreads    int64
	TotalSeries     int64
	TotalMerges     int64
	TopContributors []ContributorCount
	DailyActivity   []DailyCount
}

type ContributorCount struct {
	AuthorID    int64
	DisplayName string
	PatchCount  int64
}

type DailyCount struct {
	Day   time.Time
	Count int64
}

// QueryRepository answers the read-only accessors that don't fit neatly
// under Author/Patch/Thread (aggregate stats spanning several tables).
type QueryRepository interface {
	GetStats(ctx context.Context) (Stats, error)
}
