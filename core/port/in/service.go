// Package in declares the inbound ports: the use cases an external UI/IPC
// shell drives, one interface method per exposed operation.
package in

import (
	"context"
	"time"

	"mailarchive/core/domain"
	out "mailarchive/core/port/out"
)

// ProgressEvent is emitted during populate; current is monotonically
// non-decreasing within one run.
type ProgressEvent struct {
	Current int64
	Total   int64
	Message string
}

// ProgressFunc is the populate progress callback.
type ProgressFunc func(ProgressEvent)

// PopulateResult is the outcome of one populate invocation.
type PopulateResult struct {
	CommitsSeen     int
	CommitsSkipped  int // already present, deduped
	PatchesInserted int64
	Errors          []error
	Duration        time.Duration
}

// BuildThreadsResult is the outcome of one build_threads invocation.
type BuildThreadsResult struct {
	ThreadsBuilt   int
	MembersLinked  int
	RootsOrphaned  int
	Duration       time.Duration
}

// IngestService is the populate_database use case.
type IngestService interface {
	Populate(ctx context.Context, limit int, progress ProgressFunc) (PopulateResult, error)
}

// ThreadService is the build_threads use case.
type ThreadService interface {
	BuildThreads(ctx context.Context) (BuildThreadsResult, error)
}

// MergeReprocessService is the reprocess_merge_notifications use case.
type MergeReprocessService interface {
	ReprocessMergeNotifications(ctx context.Context) (int, error)
}

// AdminService covers setup/reset/liveness.
type AdminService interface {
	SetupDatabase(ctx context.Context) error
	ResetDatabase(ctx context.Context) error
	TestConnection(ctx context.Context) error
}

// QueryService answers the read-only browse/search accessors.
type QueryService interface {
	GetDatabaseStats(ctx context.Context) (out.Stats, error)
	GetAuthors(ctx context.Context, limit, offset int) ([]domain.Author, error)
	GetPatchesByAuthor(ctx context.Context, authorID int64, limit, offset int) ([]domain.Patch, error)
	SearchPatchesByAuthor(ctx context.Context, authorQuery, subjectQuery string, limit, offset int) ([]domain.Patch, error)
	GetThreads(ctx context.Context, limit, offset int) ([]domain.Thread, error)
	GetThreadTree(ctx context.Context, threadID int64) ([]out.ThreadTreeNode, error)
	GetThreadForPatch(ctx context.Context, patchID int64) (*domain.Thread, error)
	SearchThreads(ctx context.Context, subjectQuery string, limit, offset int) ([]domain.Thread, error)
	GetPatchBody(ctx context.Context, patchID int64) (string, error)
}
