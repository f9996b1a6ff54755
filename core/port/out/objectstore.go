// Package out declares the outbound ports the core depends on: the object
// store behind commit identifiers, and the repositories behind the
// relational store.
package out

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested commit has no entry at all.
var ErrNotFound = errors.New("object store: not found")

// ErrStoreUnavailable wraps an I/O-level object store failure distinct from
// a missing entry.
type ErrStoreUnavailable struct {
	CommitID string
	Err      error
}

func (e *ErrStoreUnavailable) Error() string {
	return "object store: " + e.CommitID + ": " + e.Err.Error()
}

func (e *ErrStoreUnavailable) Unwrap() error { return e.Err }

// RawEmail is one commit's stored blob.
type RawEmail struct {
	CommitID string
	Body     []byte
	Err      error // set when this individual entry failed; Body is empty
}

// CommitMeta is one commit's author/subject metadata.
type CommitMeta struct {
	CommitID    string
	AuthorName  string
	AuthorEmail string
	Subject     string
	Err         error
}

// ObjectStore reads raw email blobs and commit metadata by commit
// identifier from the underlying object repository. Every read takes a
// slice of identifiers; a single commit is read as a one-element batch.
type ObjectStore interface {
	// ListCommits returns up to limit commit identifiers, oldest first.
	// limit <= 0 means no limit.
	ListCommits(ctx context.Context, limit int) ([]string, error)

	// ReadBlobs fetches the raw "m" blob for each commit. Individual
	// failures are reported per-entry via RawEmail.Err and never abort
	// the batch.
	ReadBlobs(ctx context.Context, commitIDs []string) ([]RawEmail, error)

	// ReadMetadata fetches author/subject metadata for each commit.
	// Individual failures are reported per-entry via CommitMeta.Err.
	ReadMetadata(ctx context.Context, commitIDs []string) ([]CommitMeta, error)
}
