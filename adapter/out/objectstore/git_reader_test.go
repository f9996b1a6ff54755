package objectstore

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mailarchive/core/port/out"
	"mailarchive/pkg/resilience"
)

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH")
	}
}

// setupMessageRepo creates a temp git repo where each commit stores one raw
// email at path "m", mirroring the archive layout this reader targets.
func setupMessageRepo(t *testing.T, messages []string) (string, []string) {
	t.Helper()
	skipIfNoGit(t)

	dir, err := os.MkdirTemp("", "objectstore-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		output, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, output)
		return string(output)
	}

	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	var commits []string
	for i, msg := range messages {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "m"), []byte(msg), 0644))
		run("add", "m")
		run("commit", "-m", "message "+string(rune('a'+i)))
		commits = append(commits, strings.TrimSpace(run("rev-parse", "HEAD")))
	}

	return dir, commits
}

func newTestReader(gitDir string) *GitReader {
	breaker := resilience.New(resilience.DefaultConfig("test-object-reader"))
	return NewGitReader(gitDir, breaker, zerolog.Nop())
}

func TestListCommits_ReturnsOldestFirst(t *testing.T) {
	dir, commits := setupMessageRepo(t, []string{"first", "second", "third"})
	reader := newTestReader(dir)

	got, err := reader.ListCommits(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, commits, got)
}

func TestListCommits_RespectsLimit(t *testing.T) {
	dir, _ := setupMessageRepo(t, []string{"first", "second", "third"})
	reader := newTestReader(dir)

	got, err := reader.ListCommits(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestReadBlobs_ReturnsBodyPerCommit(t *testing.T) {
	dir, commits := setupMessageRepo(t, []string{"From: a@example.com\nSubject: x\n\nhello", "second body"})
	reader := newTestReader(dir)

	results, err := reader.ReadBlobs(context.Background(), commits)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NoError(t, results[0].Err)
	require.Contains(t, string(results[0].Body), "hello")
	require.NoError(t, results[1].Err)
	require.Equal(t, "second body", string(results[1].Body))
}

func TestReadBlobs_MissingCommitReportsNotFound(t *testing.T) {
	dir, commits := setupMessageRepo(t, []string{"only message"})
	reader := newTestReader(dir)

	fakeCommit := strings.Repeat("0", 40)
	results, err := reader.ReadBlobs(context.Background(), []string{commits[0], fakeCommit})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, out.ErrNotFound)
}

func TestReadBlobs_StripsNullBytesAndFixesUTF8(t *testing.T) {
	body := "hello\x00world\xff\xfe"
	dir, commits := setupMessageRepo(t, []string{body})
	reader := newTestReader(dir)

	results, err := reader.ReadBlobs(context.Background(), commits)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.NotContains(t, string(results[0].Body), "\x00")
	require.True(t, utf8.Valid(results[0].Body))
}

func TestReadMetadata_ReturnsAuthorAndSubject(t *testing.T) {
	dir, commits := setupMessageRepo(t, []string{"body one"})
	reader := newTestReader(dir)

	results, err := reader.ReadMetadata(context.Background(), commits)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, "Test User", results[0].AuthorName)
	require.Equal(t, "test@example.com", results[0].AuthorEmail)
	require.Equal(t, "message a", results[0].Subject)
}

func TestNormalizeMetaEmail_SynthesizesPlaceholders(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		commitID string
		want     string
	}{
		{"empty", "", "abcdef1234567890", "unknown-abcdef12@placeholder.local"},
		{"no-at-sign", "not-an-email", "abcdef1234567890", "invalid-abcdef12@placeholder.local"},
		{"valid", "Alice@Example.com", "abcdef1234567890", "alice@example.com"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, normalizeMetaEmail(tc.email, tc.commitID))
		})
	}
}

func TestParseBatchOutput_MalformedHeaderReportsError(t *testing.T) {
	results := parseBatchOutput([]string{"deadbeef"}, []byte("garbage\n"))
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}
