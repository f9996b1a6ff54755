package threadbuilder

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailarchive/core/domain"
	out "mailarchive/core/port/out"
)

type fakePatchSource struct {
	sources []out.ThreadSource
}

func (f *fakePatchSource) ExistingCommitHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	return nil, nil
}
func (f *fakePatchSource) InsertPatches(ctx context.Context, rows []out.PatchRow) (int64, error) {
	return 0, nil
}
func (f *fakePatchSource) CountPatches(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakePatchSource) GetPatchesByAuthor(ctx context.Context, authorID int64, limit, offset int) (
	[]domain.Patch, error) {
	return nil, nil
}
func (f *fakePatchSource) SearchPatchesByAuthor(ctx context.Context, authorQuery, subjectQuery string, limit, offset int) ([]domain.Patch, error) {
	return nil, nil
}
func (f *fakePatchSource) GetPatchBody(ctx context.Context, patchID int64) (string, error) {
	return "", nil
}
func (f *fakePatchSource) UnreprocessedMergeCandidates(ctx context.Context, trustedPattern string) ([]domain.Patch, error) {
	return nil, nil
}
func (f *fakePatchSource) BackAnnotateMerge(ctx context.Context, patchID int64, repository, branch, appliedBy string, commitLinks []string) error {
	return nil
}
func (f *fakePatchSource) AllForThreading(ctx context.Context) ([]out.ThreadSource, error) {
	return f.sources, nil
}

type fakeThreadRepo struct {
	roots   []out.ThreadRoot
	members []out.ThreadMemberRow
}

func (f *fakeThreadRepo) RebuildMembership(ctx context.Context, roots []out.ThreadRoot, members []out.ThreadMemberRow) (map[int64]int64, error) {
	f.roots = roots
	f.members = members
	ids := make(map[int64]int64, len(roots))
	for i, r := range roots {
		ids[r.RootPatchID] = int64(i + 1)
	}
	return ids, nil
}

func (f *fakeThreadRepo) GetThreads(ctx context.Context, limit, offset int) ([]domain.Thread, error) {
	return nil, nil
}
func (f *fakeThreadRepo) GetThreadTree(ctx context.Context, threadID int64) ([]out.ThreadTreeNode, error) {
	return nil, nil
}
func (f *fakeThreadRepo) GetThreadForPatch(ctx context.Context, patchID int64) (*domain.Thread, error) {
	return nil, nil
}
func (f *fakeThreadRepo) SearchThreads(ctx context.Context, subjectQuery string, limit, offset int) ([]domain.Thread, error) {
	return nil, nil
}

func memberByPatch(members []out.ThreadMemberRow, patchID int64) *out.ThreadMemberRow {
	for i := range members {
		if members[i].PatchID == patchID {
			return &members[i]
		}
	}
	return nil
}

func TestBuildThreads_SinglePatch(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakePatchSource{sources: []out.ThreadSource{
		{PatchID: 1, MessageID: "commit-deadbeef01", Subject: "[PATCH] fix leak", SentAt: base},
	}}
	repo := &fakeThreadRepo{}
	b := New(src, repo, nil, zerolog.Nop())

	result, err := b.BuildThreads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ThreadsBuilt)
	assert.Equal(t, 1, result.MembersLinked)

	m := memberByPatch(repo.members, 1)
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Depth)
	assert.Nil(t, m.ParentPatchID)
	assert.Equal(t, []int64{1}, m.ThreadPath)
}

func TestBuildThreads_SeriesWithoutCoverLetter(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakePatchSource{sources: []out.ThreadSource{
		{PatchID: 1, MessageID: "m1", Subject: "[PATCH v2 net-next 01/03] a", SentAt: base, IsSeries: true, SeriesNum: 1, SeriesTotal: 3},
		{PatchID: 2, MessageID: "m2", Subject: "[PATCH v2 net-next 02/03] b", SentAt: base.Add(time.Minute), IsSeries: true, SeriesNum: 2, SeriesTotal: 3},
		{PatchID: 3, MessageID: "m3", Subject: "[PATCH v2 net-next 03/03] c", SentAt: base.Add(2 * time.Minute), IsSeries: true, SeriesNum: 3, SeriesTotal: 3},
	}}
	repo := &fakeThreadRepo{}
	b := New(src, repo, nil, zerolog.Nop())

	result, err := b.BuildThreads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ThreadsBuilt)
	assert.Equal(t, 3, result.MembersLinked)

	root := memberByPatch(repo.members, 1)
	require.NotNil(t, root)
	assert.Nil(t, root.ParentPatchID)

	second := memberByPatch(repo.members, 2)
	require.NotNil(t, second)
	require.NotNil(t, second.ParentPatchID)
	assert.Equal(t, int64(1), *second.ParentPatchID)

	third := memberByPatch(repo.members, 3)
	require.NotNil(t, third)
	require.NotNil(t, third.ParentPatchID)
	assert.Equal(t, int64(1), *third.ParentPatchID)
}

func TestBuildThreads_ReplyWithBothHeaders(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakePatchSource{sources: []out.ThreadSource{
		{PatchID: 1, MessageID: "m1", Subject: "original", SentAt: base},
		{PatchID: 2, MessageID: "m2", Subject: "Re: original", SentAt: base.Add(time.Minute), InReplyTo: "m1"},
		{PatchID: 3, MessageID: "m3", Subject: "Re: original", SentAt: base.Add(2 * time.Minute), InReplyTo: "missing-m2", References: []string{"m1", "missing-m2"}},
	}}
	repo := &fakeThreadRepo{}
	b := New(src, repo, nil, zerolog.Nop())

	result, err := b.BuildThreads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ThreadsBuilt)
	assert.Equal(t, 3, result.MembersLinked)

	b2 := memberByPatch(repo.members, 2)
	require.NotNil(t, b2)
	require.NotNil(t, b2.ParentPatchID)
	assert.Equal(t, int64(1), *b2.ParentPatchID)

	c := memberByPatch(repo.members, 3)
	require.NotNil(t, c)
	require.NotNil(t, c.ParentPatchID)
	assert.Equal(t, int64(1), *c.ParentPatchID)
}

func TestBuildThreads_UnrelatedSameSubjectPatchesStayApart(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakePatchSource{sources: []out.ThreadSource{
		{PatchID: 1, MessageID: "m1", Subject: "[PATCH] fix leak", SentAt: base},
		{PatchID: 2, MessageID: "m2", Subject: "[PATCH] fix leak", SentAt: base.Add(time.Hour)},
	}}
	repo := &fakeThreadRepo{}
	b := New(src, repo, nil, zerolog.Nop())

	result, err := b.BuildThreads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.ThreadsBuilt, "patches with no threading hint never subject-match each other")
}

func TestBuildThreads_SubjectFallbackCycleIsBroken(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Two replies to a message not in the store: each subject-matches the
	// other, forming a two-node cycle the rebuild must break.
	src := &fakePatchSource{sources: []out.ThreadSource{
		{PatchID: 1, MessageID: "m1", Subject: "Re: lost root", SentAt: base, InReplyTo: "gone"},
		{PatchID: 2, MessageID: "m2", Subject: "Re: lost root", SentAt: base.Add(time.Minute), InReplyTo: "gone"},
	}}
	repo := &fakeThreadRepo{}
	b := New(src, repo, nil, zerolog.Nop())

	result, err := b.BuildThreads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ThreadsBuilt)
	assert.Equal(t, 2, result.MembersLinked)

	root := memberByPatch(repo.members, 1)
	require.NotNil(t, root)
	assert.Nil(t, root.ParentPatchID, "cycle is broken at the lowest patch id")

	child := memberByPatch(repo.members, 2)
	require.NotNil(t, child)
	require.NotNil(t, child.ParentPatchID)
	assert.Equal(t, int64(1), *child.ParentPatchID)
}

func TestBuildThreads_BreadthFirstPositionsAndPaths(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakePatchSource{sources: []out.ThreadSource{
		{PatchID: 1, MessageID: "m1", Subject: "topic", SentAt: base},
		{PatchID: 2, MessageID: "m2", Subject: "Re: topic", SentAt: base.Add(time.Minute), InReplyTo: "m1"},
		{PatchID: 3, MessageID: "m3", Subject: "Re: topic", SentAt: base.Add(2 * time.Minute), InReplyTo: "m2"},
	}}
	repo := &fakeThreadRepo{}
	b := New(src, repo, nil, zerolog.Nop())

	_, err := b.BuildThreads(context.Background())
	require.NoError(t, err)

	deepest := memberByPatch(repo.members, 3)
	require.NotNil(t, deepest)
	assert.Equal(t, 2, deepest.Depth)
	assert.Equal(t, []int64{1, 2, 3}, deepest.ThreadPath)
	assert.Equal(t, 2, deepest.PositionInThread)
}

func TestBuildThreads_EmptyStoreIsNoop(t *testing.T) {
	src := &fakePatchSource{}
	repo := &fakeThreadRepo{}
	b := New(src, repo, nil, zerolog.Nop())

	result, err := b.BuildThreads(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ThreadsBuilt)
	assert.Equal(t, 0, result.MembersLinked)
}
