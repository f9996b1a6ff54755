package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailarchive/core/domain"
	out "mailarchive/core/port/out"
)

type fakeAuthorRepo struct {
	authors []domain.Author
	calls   int
}

func (f *fakeAuthorRepo) UpsertAuthors(ctx context.Context, keys []domain.AuthorKey, displayNames map[domain.AuthorKey]string) (map[domain.AuthorKey]int64, error) {
	return nil, nil
}
func (f *fakeAuthorRepo) UpsertEmails(ctx context.Context, authorByEmail map[string]int64) (map[string]int64, error) {
	return nil, nil
}
func (f *fakeAuthorRepo) LookupEmails(ctx context.Context, emails []string) (map[string]out.EmailIdentity, error) {
	return nil, nil
}
func (f *fakeAuthorRepo) RefreshPatchCounts(ctx context.Context) error { return nil }
func (f *fakeAuthorRepo) GetAuthors(ctx context.Context, limit, offset int) ([]domain.Author, error) {
	f.calls++
	return f.authors, nil
}

type fakePatchRepo struct {
	body string
}

func (f *fakePatchRepo) ExistingCommitHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	return nil, nil
}
func (f *fakePatchRepo) InsertPatches(ctx context.Context, rows []out.PatchRow) (int64, error) {
	return 0, nil
}
func (f *fakePatchRepo) CountPatches(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakePatchRepo) GetPatchesByAuthor(ctx context.Context, authorID int64, limit, offset int) ([]domain.Patch, error) {
	return []domain.Patch{{PatchID: authorID}}, nil
}
func (f *fakePatchRepo) SearchPatchesByAuthor(ctx context.Context, authorQuery, subjectQuery string, limit, offset int) ([]domain.Patch, error) {
	return nil, nil
}
func (f *fakePatchRepo) GetPatchBody(ctx context.Context, patchID int64) (string, error) {
	return f.body, nil
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

type fakeThreadRepo struct {
	threads []domain.Thread
	tree    []out.ThreadTreeNode
	calls   int
}

func (f *fakeThreadRepo) RebuildMembership(ctx context.Context, roots []out.ThreadRoot, members []out.ThreadMemberRow) (map[int64]int64, error) {
	return nil, nil
}
func (f *fakeThreadRepo) GetThreads(ctx context.Context, limit, offset int) ([]domain.Thread, error) {
	f.calls++
	return f.threads, nil
}
func (f *fakeThreadRepo) GetThreadTree(ctx context.Context, threadID int64) ([]out.ThreadTreeNode, error) {
	return f.tree, nil
}
func (f *fakeThreadRepo) GetThreadForPatch(ctx context.Context, patchID int64) (*domain.Thread, error) {
	return nil, nil
}
func (f *fakeThreadRepo) SearchThreads(ctx context.Context, subjectQuery string, limit, offset int) ([]domain.Thread, error) {
	return nil, nil
}

type fakeQueryRepo struct {
	stats out.Stats
	calls int
	err   error
}

func (f *fakeQueryRepo) GetStats(ctx context.Context) (out.Stats, error) {
	f.calls++
	return f.stats, f.err
}

type fakeCache struct {
	store map[string]interface{}
	fail  bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: map[string]interface{}{}}
}

func (c *fakeCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c.fail {
		return false, errors.New("cache unavailable")
	}
	v, ok := c.store[key]
	if !ok {
		return false, nil
	}
	switch d := dest.(type) {
	case *out.Stats:
		*d = v.(out.Stats)
	case *[]domain.Author:
		*d = v.([]domain.Author)
	case *[]domain.Thread:
		*d = v.([]domain.Thread)
	}
	return true, nil
}

func (c *fakeCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.fail {
		return errors.New("cache unavailable")
	}
	c.store[key] = value
	return nil
}

func (c *fakeCache) DeletePrefix(ctx context.Context, prefix string) error {
	if c.fail {
		return errors.New("cache unavailable")
	}
	for k := range c.store {
		delete(c.store, k)
	}
	return nil
}

func TestGetDatabaseStats_NilCacheFallsThroughToStore(t *testing.T) {
	stats := &fakeQueryRepo{stats: out.Stats{TotalPatches: 42}}
	svc := New(&fakeAuthorRepo{}, &fakePatchRepo{}, &fakeThreadRepo{}, stats, nil, time.Minute, zerolog.Nop())

	got, err := svc.GetDatabaseStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.TotalPatches)
	assert.Equal(t, 1, stats.calls)
}

func TestGetDatabaseStats_CacheMissThenPopulates(t *testing.T) {
	stats := &fakeQueryRepo{stats: out.Stats{TotalPatches: 7}}
	cache := newFakeCache()
	svc := New(&fakeAuthorRepo{}, &fakePatchRepo{}, &fakeThreadRepo{}, stats, cache, time.Minute, zerolog.Nop())

	got, err := svc.GetDatabaseStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.TotalPatches)
	assert.Equal(t, 1, stats.calls)
	assert.Contains(t, cache.store, "query:stats")
}

func TestGetDatabaseStats_CacheHitSkipsStore(t *testing.T) {
	stats := &fakeQueryRepo{stats: out.Stats{TotalPatches: 99}}
	cache := newFakeCache()
	cache.store["query:stats"] = out.Stats{TotalPatches: 1}
	svc := New(&fakeAuthorRepo{}, &fakePatchRepo{}, &fakeThreadRepo{}, stats, cache, time.Minute, zerolog.Nop())

	got, err := svc.GetDatabaseStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalPatches)
	assert.Equal(t, 0, stats.calls)
}

func TestGetAuthors_CacheReadErrorFallsThroughToStore(t *testing.T) {
	authors := &fakeAuthorRepo{authors: []domain.Author{{AuthorID: 1, DisplayName: "Jane Dev"}}}
	cache := newFakeCache()
	cache.fail = true
	svc := New(authors, &fakePatchRepo{}, &fakeThreadRepo{}, &fakeQueryRepo{}, cache, time.Minute, zerolog.Nop())

	got, err := svc.GetAuthors(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, authors.calls)
}

func TestGetThreads_CachedByLimitOffset(t *testing.T) {
	threads := &fakeThreadRepo{threads: []domain.Thread{{ThreadID: 1}}}
	cache := newFakeCache()
	svc := New(&fakeAuthorRepo{}, &fakePatchRepo{}, threads, &fakeQueryRepo{}, cache, time.Minute, zerolog.Nop())

	_, err := svc.GetThreads(context.Background(), 20, 0)
	require.NoError(t, err)
	_, err = svc.GetThreads(context.Background(), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, threads.calls, "second call with identical limit/offset should hit the cache")

	_, err = svc.GetThreads(context.Background(), 20, 20)
	require.NoError(t, err)
	assert.Equal(t, 2, threads.calls, "different offset is a distinct cache key")
}

func TestGetPatchesByAuthor_NeverCached(t *testing.T) {
	svc := New(&fakeAuthorRepo{}, &fakePatchRepo{}, &fakeThreadRepo{}, &fakeQueryRepo{}, newFakeCache(), time.Minute, zerolog.Nop())

	got, err := svc.GetPatchesByAuthor(context.Background(), 5, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].PatchID)
}

func TestInvalidateCache_ClearsEntries(t *testing.T) {
	cache := newFakeCache()
	cache.store["query:stats"] = out.Stats{TotalPatches: 3}
	svc := New(&fakeAuthorRepo{}, &fakePatchRepo{}, &fakeThreadRepo{}, &fakeQueryRepo{}, cache, time.Minute, zerolog.Nop())

	svc.InvalidateCache(context.Background())
	assert.Empty(t, cache.store)
}

func TestGetThreadTree_AppliesReplyContentAndDiffTransform(t *testing.T) {
	tree := []out.ThreadTreeNode{
		{
			ThreadMember: domain.ThreadMember{PatchID: 1},
			IsReply:      false,
			BodyPreview:  "diff --git a/x.c b/x.c\n--- a/x.c\n+++ b/x.c\n@@ -1 +1 @@\n-old\n+new\n-- \nSigned-off-by: Jane Dev\n",
		},
		{
			ThreadMember: domain.ThreadMember{PatchID: 2, ParentPatchID: int64Ptr(1)},
			IsReply:      true,
			BodyPreview: "On Mon, Jan 1, 2024, Jane Dev wrote:\n" +
				"> diff --git a/x.c b/x.c\n> old content\n" +
				"Looks good to me.\n" +
				"-- \nSigned-off-by: John Reviewer\n",
		},
	}
	repo := &fakeThreadRepo{tree: tree}
	svc := New(&fakeAuthorRepo{}, &fakePatchRepo{}, repo, &fakeQueryRepo{}, nil, time.Minute, zerolog.Nop())

	got, err := svc.GetThreadTree(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 2)

	root := got[0]
	assert.True(t, root.HasDiff, "root patch contains real diff content and is not a reply")
	assert.Contains(t, root.BodyPreview, "diff --git")
	assert.NotContains(t, root.BodyPreview, "Signed-off-by: Jane Dev")

	reply := got[1]
	assert.False(t, reply.HasDiff, "reply quoting a diff must not be flagged, per the non-reply-only rule")
	assert.NotContains(t, reply.BodyPreview, "wrote:")
	assert.NotContains(t, reply.BodyPreview, "> diff --git")
	assert.Contains(t, reply.BodyPreview, "Looks good to me.")
}

func TestGetThreadTree_NotCached(t *testing.T) {
	repo := &fakeThreadRepo{tree: []out.ThreadTreeNode{{ThreadMember: domain.ThreadMember{PatchID: 1}}}}
	cache := newFakeCache()
	svc := New(&fakeAuthorRepo{}, &fakePatchRepo{}, repo, &fakeQueryRepo{}, cache, time.Minute, zerolog.Nop())

	_, err := svc.GetThreadTree(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, cache.store, "thread tree rendering depends on per-request transforms and is never cached")
}

func TestExtractReplyContent_StripsAttributionQuotesAndSignature(t *testing.T) {
	body := "On Tue, Feb 2, 2024 at 10:00 AM Jane Dev wrote:\n" +
		"> previous line one\n" +
		"> previous line two\n" +
		"This is my actual reply.\n" +
		"It spans two lines.\n" +
		"-- \n" +
		"Jane Dev\n" +
		"Example Corp\n"

	got := extractReplyContent(body)
	assert.Equal(t, "This is my actual reply.\nIt spans two lines.", got)
}

func TestExtractReplyContent_NoSignatureOrQuotesIsUnchanged(t *testing.T) {
	body := "Just a plain message with no quoting."
	assert.Equal(t, body, extractReplyContent(body))
}

func TestLooksLikeDiff_DetectsUnifiedDiffMarkers(t *testing.T) {
	assert.True(t, looksLikeDiff("diff --git a/f b/f\nindex 123..456\n"))
	assert.True(t, looksLikeDiff("--- a/f\n+++ b/f\n@@ -1,2 +1,2 @@\n"))
	assert.False(t, looksLikeDiff("just a plain sentence about diffs in general"))
}

func int64Ptr(v int64) *int64 { return &v }
