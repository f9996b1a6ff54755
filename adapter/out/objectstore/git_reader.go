// Package objectstore implements the Object Reader against a real git
// object database: the archive this engine ingests is one commit per
// mailing-list message, with the raw RFC 5322 text stored at path "m".
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"mailarchive/core/port/out"
	"mailarchive/pkg/resilience"
)

// DefaultTimeout bounds a single git subprocess invocation.
const DefaultTimeout = 30 * time.Second

// GitReader shells out to the git CLI to read blobs and commit metadata by
// commit identifier, matching the corpus's own "cat-file is a batch API"
// folk wisdom: one process per batch, not one process per commit.
type GitReader struct {
	gitDir  string
	timeout time.Duration
	breaker *resilience.Breaker
	log     zerolog.Logger
}

func NewGitReader(gitDir string, breaker *resilience.Breaker, log zerolog.Logger) *GitReader {
	return &GitReader{
		gitDir:  gitDir,
		timeout: DefaultTimeout,
		breaker: breaker,
		log:     log.With().Str("component", "object_reader").Logger(),
	}
}

func (g *GitReader) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = g.gitDir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var runErr error
	breakErr := g.breaker.Execute(func() error {
		runErr = cmd.Run()
		return runErr
	})
	if breakErr != nil {
		return nil, &out.ErrStoreUnavailable{CommitID: strings.Join(args, " "), Err: fmt.Errorf("%w: %s", breakErr, stderr.String())}
	}
	return stdout.Bytes(), nil
}

// ListCommits returns up to limit commit identifiers in log order, oldest
// first. limit <= 0 means no limit. The limit is applied after reversing;
// `git log -N --reverse` would keep the newest N instead.
func (g *GitReader) ListCommits(ctx context.Context, limit int) ([]string, error) {
	output, err := g.run(ctx, nil, "log", "--format=%H", "--reverse")
	if err != nil {
		return nil, err
	}

	var commits []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			commits = append(commits, line)
		}
	}
	if limit > 0 && len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

// ReadBlobs fetches the "m" blob for each commit via one git cat-file
// --batch invocation. Individual misses or I/O failures are reported
// per-entry and never abort the batch.
func (g *GitReader) ReadBlobs(ctx context.Context, commitIDs []string) ([]out.RawEmail, error) {
	if len(commitIDs) == 0 {
		return nil, nil
	}

	var stdin strings.Builder
	for _, id := range commitIDs {
		stdin.WriteString(id)
		stdin.WriteString(":m\n")
	}

	output, err := g.run(ctx, []byte(stdin.String()), "cat-file", "--batch")
	if err != nil {
		results := make([]out.RawEmail, len(commitIDs))
		for i, id := range commitIDs {
			results[i] = out.RawEmail{CommitID: id, Err: err}
		}
		return results, nil
	}

	return parseBatchOutput(commitIDs, output), nil
}

// parseBatchOutput demultiplexes `git cat-file --batch` output, whose
// records are either "<hash> missing\n" or "<hash> blob <size>\n<size bytes
// of content>\n".
func parseBatchOutput(commitIDs []string, output []byte) []out.RawEmail {
	results := make([]out.RawEmail, 0, len(commitIDs))
	remaining := output
	idx := 0

	for idx < len(commitIDs) && len(remaining) > 0 {
		newline := bytes.IndexByte(remaining, '\n')
		if newline < 0 {
			break
		}
		header := string(remaining[:newline])
		remaining = remaining[newline+1:]
		commitID := commitIDs[idx]
		idx++

		fields := strings.Fields(header)
		if len(fields) >= 2 && fields[1] == "missing" {
			results = append(results, out.RawEmail{CommitID: commitID, Err: out.ErrNotFound})
			continue
		}
		if len(fields) < 3 {
			results = append(results, out.RawEmail{CommitID: commitID, Err: fmt.Errorf("object store: malformed batch header %q", header)})
			continue
		}

		var size int
		if _, err := fmt.Sscanf(fields[2], "%d", &size); err != nil {
			results = append(results, out.RawEmail{CommitID: commitID, Err: fmt.Errorf("object store: bad size in %q", header)})
			continue
		}
		if size > len(remaining) {
			results = append(results, out.RawEmail{CommitID: commitID, Err: fmt.Errorf("object store: truncated batch output for %s", commitID)})
			break
		}

		body := sanitizeBlob(remaining[:size])
		remaining = remaining[size:]
		if len(remaining) > 0 && remaining[0] == '\n' {
			remaining = remaining[1:]
		}

		results = append(results, out.RawEmail{CommitID: commitID, Body: body})
	}

	for ; idx < len(commitIDs); idx++ {
		results = append(results, out.RawEmail{CommitID: commitIDs[idx], Err: fmt.Errorf("object store: no batch output for %s", commitIDs[idx])})
	}
	return results
}

// sanitizeBlob strips null bytes and repairs invalid UTF-8, since the
// downstream relational store rejects both.
func sanitizeBlob(b []byte) []byte {
	clean := bytes.ReplaceAll(b, []byte{0}, nil)
	if utf8.Valid(clean) {
		return clean
	}
	return bytes.ToValidUTF8(clean, []byte("�"))
}

// ReadMetadata fetches author/subject commit metadata for each commit with
// one `git log --format` invocation per unique commit set.
func (g *GitReader) ReadMetadata(ctx context.Context, commitIDs []string) ([]out.CommitMeta, error) {
	if len(commitIDs) == 0 {
		return nil, nil
	}

	const sep = "\x1f"
	const recordSep = "\x1e"
	format := strings.Join([]string{"%H", "%an", "%ae", "%s"}, sep) + recordSep

	args := append([]string{"log", "--format=" + format, "--no-walk"}, commitIDs...)
	output, err := g.run(ctx, nil, args...)
	if err != nil {
		results := make([]out.CommitMeta, len(commitIDs))
		for i, id := range commitIDs {
			results[i] = out.CommitMeta{CommitID: id, Err: err}
		}
		return results, nil
	}

	byCommit := make(map[string]out.CommitMeta, len(commitIDs))
	for _, record := range strings.Split(string(output), recordSep) {
		record = strings.Trim(record, "\n")
		if record == "" {
			continue
		}
		fields := strings.Split(record, sep)
		if len(fields) != 4 {
			continue
		}
		byCommit[fields[0]] = out.CommitMeta{
			CommitID:    fields[0],
			AuthorName:  fields[1],
			AuthorEmail: normalizeMetaEmail(fields[2], fields[0]),
			Subject:     fields[3],
		}
	}

	results := make([]out.CommitMeta, len(commitIDs))
	for i, id := range commitIDs {
		if meta, ok := byCommit[id]; ok {
			results[i] = meta
			continue
		}
		results[i] = out.CommitMeta{CommitID: id, Err: out.ErrNotFound}
	}
	return results, nil
}

// normalizeMetaEmail lower-cases a valid-looking address, or synthesizes a
// deterministic placeholder for an empty/invalid one so downstream identity
// consolidation always has something to key on.
func normalizeMetaEmail(email, commitID string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return placeholderEmail("unknown", commitID)
	}
	if !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return placeholderEmail("invalid", commitID)
	}
	return strings.ToLower(email)
}

func placeholderEmail(reason, commitID string) string {
	prefix := commitID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-%s@placeholder.local", reason, prefix)
}

var _ out.ObjectStore = (*GitReader)(nil)
