package patchwriter

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailarchive/core/domain"
	out "mailarchive/core/port/out"
)

type fakeAuthorRepo struct {
	byEmail map[string]out.EmailIdentity
}

func (f *fakeAuthorRepo) UpsertAuthors(ctx context.Context, keys []domain.AuthorKey, displayNames map[domain.AuthorKey]string) (map[domain.AuthorKey]int64, error) {
	return nil, nil
}
func (f *fakeAuthorRepo) UpsertEmails(ctx context.Context, authorByEmail map[string]int64) (map[string]int64, error) {
	return nil, nil
}
func (f *fakeAuthorRepo) LookupEmails(ctx context.Context, emails []string) (map[string]out.EmailIdentity, error) {
	result := make(map[string]out.EmailIdentity)
	for _, e := range emails {
		if id, ok := f.byEmail[e]; ok {
			result[e] = id
		}
	}
	return result, nil
}
func (f *fakeAuthorRepo) RefreshPatchCounts(ctx context.Context) error { return nil }
func (f *fakeAuthorRepo) GetAuthors(ctx context.Context, limit, offset int) ([]domain.Author, error) {
	return nil, nil
}

type fakePatchRepo struct {
	inserted []out.PatchRow
	maxChunk int
}

func (f *fakePatchRepo) ExistingCommitHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	return nil, nil
}
func (f *fakePatchRepo) InsertPatches(ctx context.Context, rows []out.PatchRow) (int64, error) {
	if len(rows) > f.maxChunk {
		f.maxChunk = len(rows)
	}
	f.inserted = append(f.inserted, rows...)
	return int64(len(rows)), nil
}
func (f *fakePatchRepo) CountPatches(ctx context.Context) (int64, error) { return int64(len(f.inserted)), nil }
func (f *fakePatchRepo) GetPatchesByAuthor(ctx context.Context, authorID int64, limit, offset int) ([]domain.Patch, error) {
	return nil, nil
}
func (f *fakePatchRepo) SearchPatchesByAuthor(ctx context.Context, authorQuery, subjectQuery string, limit, offset int) ([]domain.Patch, error) {
	return nil, nil
}
func (f *fakePatchRepo) GetPatchBody(ctx context.Context, patchID int64) (string, error) {
	return "", nil
}
func (f *fakePatchRepo) UnreprocessedMergeCandidates(ctx context.Context, trustedPattern string) ([]domain.Patch, error) {
	return nil, nil
}
func (f *fakePatchRepo) BackAnnotateMerge(ctx context.Context, patchID int64, repository, branch, appliedBy string, commitLinks []string) error {
	return nil
}
func (f *fakePatchRepo) AllForThreading(ctx context.Context) ([]out.ThreadSource, error) {
	return nil, nil
}

func TestWrite_ResolvesFromLookups(t *testing.T) {
	patches := &fakePatchRepo{}
	w := New(&fakeAuthorRepo{}, patches, zerolog.Nop())

	records := []domain.EmailRecord{
		{AuthorEmail: "jane@example.org", MessageID: "m1", Subject: "s", CommitHash: "c1"},
	}
	lookups := NewLookups(map[string]int64{"jane@example.org": 1}, map[string]int64{"jane@example.org": 2})

	n, err := w.Write(context.Background(), records, lookups)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), patches.inserted[0].AuthorID)
	assert.Equal(t, int64(2), patches.inserted[0].EmailID)
}

func TestWrite_FallsBackToDirectSelect(t *testing.T) {
	authors := &fakeAuthorRepo{byEmail: map[string]out.EmailIdentity{
		"jane@example.org": {AuthorID: 9, EmailID: 10},
	}}
	patches := &fakePatchRepo{}
	w := New(authors, patches, zerolog.Nop())

	records := []domain.EmailRecord{
		{AuthorEmail: "jane@example.org", MessageID: "m1", Subject: "s", CommitHash: "c1"},
	}
	lookups := NewLookups(map[string]int64{}, map[string]int64{})

	n, err := w.Write(context.Background(), records, lookups)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(9), patches.inserted[0].AuthorID)
}

func TestWrite_MissingIdentityFailsBatch(t *testing.T) {
	authors := &fakeAuthorRepo{byEmail: map[string]out.EmailIdentity{}}
	patches := &fakePatchRepo{}
	w := New(authors, patches, zerolog.Nop())

	records := []domain.EmailRecord{
		{AuthorEmail: "ghost@example.org", MessageID: "m1", Subject: "s", CommitHash: "c1"},
	}
	lookups := NewLookups(map[string]int64{}, map[string]int64{})

	_, err := w.Write(context.Background(), records, lookups)
	assert.Error(t, err)
}

func TestWrite_ChunksAtParameterCeiling(t *testing.T) {
	patches := &fakePatchRepo{}
	authorByEmail := map[string]int64{}
	emailByEmail := map[string]int64{}
	var records []domain.EmailRecord
	for i := 0; i < ChunkSize+500; i++ {
		email := "a@example.org"
		records = append(records, domain.EmailRecord{AuthorEmail: email, MessageID: email, Subject: "s", CommitHash: "c"})
	}
	authorByEmail["a@example.org"] = 1
	emailByEmail["a@example.org"] = 1

	w := New(&fakeAuthorRepo{}, patches, zerolog.Nop())
	n, err := w.Write(context.Background(), records, NewLookups(authorByEmail, emailByEmail))
	require.NoError(t, err)
	assert.Equal(t, int64(len(records)), n)
	assert.LessOrEqual(t, patches.maxChunk, ChunkSize)
}

func TestWrite_EmptyInput(t *testing.T) {
	w := New(&fakeAuthorRepo{}, &fakePatchRepo{}, zerolog.Nop())
	n, err := w.Write(context.Background(), nil, NewLookups(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
