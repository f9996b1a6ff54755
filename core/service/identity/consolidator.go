// Package identity consolidates author identities: given a batch of parsed
// records, it computes the unique (first, last) author set and the
// many-to-one email->author relation, upserts both, and returns lookup maps
// the patch writer resolves rows against.
package identity

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"mailarchive/core/domain"
	out "mailarchive/core/port/out"
)

type Consolidator struct {
	authors out.AuthorRepository
	log     zerolog.Logger
}

func New(authors out.AuthorRepository, log zerolog.Logger) *Consolidator {
	return &Consolidator{authors: authors, log: log.With().Str("component", "identity_consolidator").Logger()}
}

// Lookups resolves a lower-cased email to its author and email row ids.
type Lookups struct {
	AuthorByEmail map[string]int64
	EmailByEmail  map[string]int64
}

// Consolidate groups one batch's records by (first, last), upserts authors
// then their emails, and reads back both id sets. Malformed records are
// discarded with a diagnostic, never failing the batch.
func (c *Consolidator) Consolidate(ctx context.Context, records []domain.EmailRecord) (Lookups, error) {
	type group struct {
		key    domain.AuthorKey
		emails map[string]struct{}
	}
	groups := make(map[domain.AuthorKey]*group)

	for _, rec := range records {
		email := strings.ToLower(strings.TrimSpace(rec.AuthorEmail))
		if !ValidIdentity(rec) {
			c.log.Debug().Str("email", rec.AuthorEmail).Str("commit_hash", rec.CommitHash).Msg("discarding record with malformed identity")
			continue
		}

		key := domain.AuthorKey{First: rec.AuthorFirst, Last: rec.AuthorLast}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, emails: make(map[string]struct{})}
			groups[key] = g
		}
		g.emails[email] = struct{}{}
	}

	if len(groups) == 0 {
		return Lookups{AuthorByEmail: map[string]int64{}, EmailByEmail: map[string]int64{}}, nil
	}

	keys := make([]domain.AuthorKey, 0, len(groups))
	displayNames := make(map[domain.AuthorKey]string, len(groups))
	for key := range groups {
		keys = append(keys, key)
		displayNames[key] = domain.DisplayName(key.First, key.Last)
	}

	authorIDs, err := c.authors.UpsertAuthors(ctx, keys, displayNames)
	if err != nil {
		return Lookups{}, err
	}

	authorByEmail := make(map[string]int64)
	emailToAuthorID := make(map[string]int64)
	for key, g := range groups {
		authorID, ok := authorIDs[key]
		if !ok {
			continue
		}
		sortedEmails := make([]string, 0, len(g.emails))
		for e := range g.emails {
			sortedEmails = append(sortedEmails, e)
		}
		sort.Strings(sortedEmails)
		for _, e := range sortedEmails {
			authorByEmail[e] = authorID
			emailToAuthorID[e] = authorID
		}
	}

	emailIDs, err := c.authors.UpsertEmails(ctx, emailToAuthorID)
	if err != nil {
		return Lookups{}, err
	}

	return Lookups{AuthorByEmail: authorByEmail, EmailByEmail: emailIDs}, nil
}

// ValidIdentity applies the record discard rule: email non-empty,
// contains "@", doesn't start or end with it, and first name non-empty.
// The Ingestion Orchestrator uses this to keep records it hands to the
// Patch Writer in lockstep with the ones the consolidator actually
// resolved identities for.
func ValidIdentity(rec domain.EmailRecord) bool {
	email := strings.ToLower(strings.TrimSpace(rec.AuthorEmail))
	if rec.AuthorFirst == "" {
		return false
	}
	if email == "" {
		return false
	}
	if !strings.Contains(email, "@") {
		return false
	}
	if strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return false
	}
	return true
}
