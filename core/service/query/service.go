// Package query implements the read-only browse/search accessors, layering
// an optional Redis read-through cache and the reply-content presentation
// transform over the repository ports.
package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mailarchive/core/domain"
	in "mailarchive/core/port/in"
	out "mailarchive/core/port/out"
)

// Cache is the narrow read-through cache interface the service depends on;
// satisfied by *pkg/cache.RedisCache. A nil Cache degrades every accessor
// to a direct repository call.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

type Service struct {
	authors out.AuthorRepository
	patches out.PatchRepository
	threads out.ThreadRepository
	stats   out.QueryRepository

	cache Cache
	ttl   time.Duration

	log zerolog.Logger
}

func New(authors out.AuthorRepository, patches out.PatchRepository, threads out.ThreadRepository, stats out.QueryRepository, cache Cache, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{
		authors: authors,
		patches: patches,
		threads: threads,
		stats:   stats,
		cache:   cache,
		ttl:     ttl,
		log:     log.With().Str("component", "query_service").Logger(),
	}
}

// InvalidateCache drops every cached accessor result; called after a
// populate/build_threads run since the underlying tables just changed.
func (s *Service) InvalidateCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeletePrefix(ctx, "query:"); err != nil {
		s.log.Warn().Err(err).Msg("cache invalidation failed")
	}
}

func (s *Service) GetDatabaseStats(ctx context.Context) (out.Stats, error) {
	var stats out.Stats
	key := "query:stats"
	if s.readCached(ctx, key, &stats) {
		return stats, nil
	}
	stats, err := s.stats.GetStats(ctx)
	if err != nil {
		return out.Stats{}, err
	}
	s.writeCached(ctx, key, stats)
	return stats, nil
}

func (s *Service) GetAuthors(ctx context.Context, limit, offset int) ([]domain.Author, error) {
	var authors []domain.Author
	key := fmt.Sprintf("query:authors:%d:%d", limit, offset)
	if s.readCached(ctx, key, &authors) {
		return authors, nil
	}
	authors, err := s.authors.GetAuthors(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	s.writeCached(ctx, key, authors)
	return authors, nil
}

func (s *Service) GetPatchesByAuthor(ctx context.Context, authorID int64, limit, offset int) ([]domain.Patch, error) {
	return s.patches.GetPatchesByAuthor(ctx, authorID, limit, offset)
}

func (s *Service) SearchPatchesByAuthor(ctx context.Context, authorQuery, subjectQuery string, limit, offset int) ([]domain.Patch, error) {
	return s.patches.SearchPatchesByAuthor(ctx, authorQuery, subjectQuery, limit, offset)
}

func (s *Service) GetThreads(ctx context.Context, limit, offset int) ([]domain.Thread, error) {
	var threads []domain.Thread
	key := fmt.Sprintf("query:threads:%d:%d", limit, offset)
	if s.readCached(ctx, key, &threads) {
		return threads, nil
	}
	threads, err := s.threads.GetThreads(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	s.writeCached(ctx, key, threads)
	return threads, nil
}

// GetThreadTree returns one thread's full reply tree with the reply-content
// presentation transform applied to every node's BodyPreview.
func (s *Service) GetThreadTree(ctx context.Context, threadID int64) ([]out.ThreadTreeNode, error) {
	nodes, err := s.threads.GetThreadTree(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		nodes[i].BodyPreview = extractReplyContent(nodes[i].BodyPreview)
		nodes[i].HasDiff = !nodes[i].IsReply && looksLikeDiff(nodes[i].BodyPreview)
	}
	return nodes, nil
}

func (s *Service) GetThreadForPatch(ctx context.Context, patchID int64) (*domain.Thread, error) {
	return s.threads.GetThreadForPatch(ctx, patchID)
}

func (s *Service) SearchThreads(ctx context.Context, subjectQuery string, limit, offset int) ([]domain.Thread, error) {
	return s.threads.SearchThreads(ctx, subjectQuery, limit, offset)
}

func (s *Service) GetPatchBody(ctx context.Context, patchID int64) (string, error) {
	return s.patches.GetPatchBody(ctx, patchID)
}

var _ in.QueryService = (*Service)(nil)

func (s *Service) readCached(ctx context.Context, key string, dest interface{}) bool {
	if s.cache == nil {
		return false
	}
	ok, err := s.cache.GetJSON(ctx, key, dest)
	if err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("cache read failed, falling through to store")
		return false
	}
	return ok
}

func (s *Service) writeCached(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, key, value, s.ttl); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// attributionLineRe matches an "On ... wrote:" attribution line preceding
// quoted content.
var attributionLineRe = regexp.MustCompile(`(?i)^On .+ wrote:\s*$`)

// diffMarkerRe matches the start of unified-diff or git-diff content.
var diffMarkerRe = regexp.MustCompile(`(?m)^(diff --git|---\s+\S|\+\+\+\s+\S|@@\s)`)

// signatureRe matches the conventional "-- " signature delimiter (RFC 3676).
var signatureRe = regexp.MustCompile(`(?m)^-- \s*$`)

// extractReplyContent strips attribution lines, quoted ("> ") lines, and
// any trailing signature block from a patch body before it is sent to a
// UI.
func extractReplyContent(body string) string {
	if sigLoc := signatureRe.FindStringIndex(body); sigLoc != nil {
		body = body[:sigLoc[0]]
	}

	lines := strings.Split(body, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if attributionLineRe.MatchString(strings.TrimSpace(line)) {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// looksLikeDiff reports whether body contains recognisable diff/patch
// content.
func looksLikeDiff(body string) bool {
	return diffMarkerRe.MatchString(body)
}
