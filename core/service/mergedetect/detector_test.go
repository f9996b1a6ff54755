package mergedetect

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailarchive/core/domain"
	out "mailarchive/core/port/out"
)

func TestDetect_PositiveMergeNotification(t *testing.T) {
	d := New(zerolog.Nop())

	rec := &domain.EmailRecord{
		AuthorEmail: "patchwork@kernel.org",
		BodyText: "Hello,\n\n" +
			"This series was applied to net-next branch of git://example.org/net-next.git by David Miller:\n\n" +
			"Applied to net-next branch of git://example.org/net-next.git by David Miller\n\n" +
			"On branch master\nLink: https://patchwork.example.org/patch/1/\nLink: https://patchwork.example.org/patch/2/\n",
	}

	ok := d.Detect(rec)
	assert.True(t, ok)
	assert.True(t, rec.IsMergeNotification)
	assert.Equal(t, "net-next", rec.MergeBranch)
	assert.Equal(t, "git://example.org/net-next.git", rec.MergeRepository)
	assert.Equal(t, "David Miller", rec.MergeAppliedBy)
	assert.Len(t, rec.MergeCommitLinks, 2)
}

func TestDetect_UntrustedSenderNegative(t *testing.T) {
	d := New(zerolog.Nop())
	rec := &domain.EmailRecord{
		AuthorEmail: "jane@example.org",
		BodyText:    "Applied to net-next branch of repo by Someone\nLink: http://x\n",
	}
	ok := d.Detect(rec)
	assert.False(t, ok)
	assert.False(t, rec.IsMergeNotification)
}

func TestDetect_TrustedSenderNoApplyLineNegative(t *testing.T) {
	d := New(zerolog.Nop())
	rec := &domain.EmailRecord{
		AuthorEmail: "patchwork@kernel.org",
		BodyText:    "Thanks for the patch series, still under review.\n",
	}
	ok := d.Detect(rec)
	assert.False(t, ok)
	assert.False(t, rec.IsMergeNotification)
}

func TestDetect_EmptyBodyNegative(t *testing.T) {
	d := New(zerolog.Nop())
	rec := &domain.EmailRecord{AuthorEmail: "patchwork@kernel.org", BodyText: "   "}
	assert.False(t, d.Detect(rec))
}

type fakeMergePatchRepo struct {
	candidates []domain.Patch
	annotated  map[int64]bool
}

func (f *fakeMergePatchRepo) ExistingCommitHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	return nil, nil
}
func (f *fakeMergePatchRepo) InsertPatches(ctx context.Context, rows []out.PatchRow) (int64, error) {
	return 0, nil
}
func (f *fakeMergePatchRepo) CountPatches(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeMergePatchRepo) GetPatchesByAuthor(ctx context.Context, authorID int64, limit, offset int) ([]domain.Patch, error) {
	return nil, nil
}
func (f *fakeMergePatchRepo) SearchPatchesByAuthor(ctx context.Context, authorQuery, subjectQuery string, limit, offset int) ([]domain.Patch, error) {
	return nil, nil
}
func (f *fakeMergePatchRepo) GetPatchBody(ctx context.Context, patchID int64) (string, error) {
	return "", nil
}
func (f *fakeMergePatchRepo) UnreprocessedMergeCandidates(ctx context.Context, trustedPattern string) ([]domain.Patch, error) {
	return f.candidates, nil
}
func (f *fakeMergePatchRepo) BackAnnotateMerge(ctx context.Context, patchID int64, repository, branch, appliedBy string, commitLinks []string) error {
	if f.annotated == nil {
		f.annotated = map[int64]bool{}
	}
	f.annotated[patchID] = true
	return nil
}
func (f *fakeMergePatchRepo) AllForThreading(ctx context.Context) ([]out.ThreadSource, error) {
	return nil, nil
}

func TestReprocess_AnnotatesMatchingCandidates(t *testing.T) {
	d := New(zerolog.Nop())
	repo := &fakeMergePatchRepo{candidates: []domain.Patch{
		{PatchID: 1, BodyText: "Applied to net-next branch of git://example.org/net-next.git by David Miller\nLink: https://patchwork.example.org/patch/1/\n"},
		{PatchID: 2, BodyText: "no merge structure here"},
	}}

	n, err := d.Reprocess(context.Background(), repo)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, repo.annotated[1])
	assert.False(t, repo.annotated[2])
}
