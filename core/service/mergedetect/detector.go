// Package mergedetect scans parsed emails from trusted mailer-bot
// addresses for the merge-notification structure patchwork's own bot
// emits.
package mergedetect

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"mailarchive/core/domain"
	in "mailarchive/core/port/in"
	out "mailarchive/core/port/out"
	"mailarchive/pkg/apperr"
)

// trustedSenderRe matches the sender addresses this engine considers
// capable of emitting merge notifications. Patchwork's own notification
// bot is the only one seen in this corpus.
var trustedSenderRe = regexp.MustCompile(`(?i)patchwork`)

// appliedLineRe matches patchwork's "Applied to <branch> branch of
// <repository> by <applied_by>" notification line.
var appliedLineRe = regexp.MustCompile(`(?i)Applied\s+to\s+(\S+)\s+branch\s+of\s+(\S+)\s+by\s+(.+?)\s*[\r\n]`)

// linkLineRe matches a patchwork "Link: <url>" line, one per applied commit.
var linkLineRe = regexp.MustCompile(`(?im)^Link:\s*(\S+)\s*$`)

type Detector struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Detector {
	return &Detector{log: log.With().Str("component", "merge_detector").Logger()}
}

// IsTrustedSender reports whether an author email matches the trusted
// mailer-bot pattern.
func (d *Detector) IsTrustedSender(email string) bool {
	return trustedSenderRe.MatchString(email)
}

// TrustedSenderPattern is the SQL LIKE-style fragment the reprocessing
// sweep's repository query filters candidate senders by; kept in sync with
// trustedSenderRe by hand since one is a Go regexp and the other runs
// inside the store.
func (d *Detector) TrustedSenderPattern() string {
	return "patchwork"
}

// Detect scans a parsed record for merge-notification structure. A
// positive detection mutates rec in place, setting IsMergeNotification and
// the merge_* fields; a negative detection leaves rec untouched.
func (d *Detector) Detect(rec *domain.EmailRecord) bool {
	if !d.IsTrustedSender(rec.AuthorEmail) {
		return false
	}
	branch, repository, appliedBy, links, ok := d.detectBody(rec.BodyText)
	if !ok {
		return false
	}
	rec.IsMergeNotification = true
	rec.MergeBranch = branch
	rec.MergeRepository = repository
	rec.MergeAppliedBy = appliedBy
	rec.MergeCommitLinks = links
	return true
}

// DetectStored re-runs detection against an already-stored patch's body,
// used by the reprocessing sweep. The caller is expected to have already
// restricted candidates to trusted senders via TrustedSenderPattern.
func (d *Detector) DetectStored(bodyText string) (branch, repository, appliedBy string, links []string, ok bool) {
	return d.detectBody(bodyText)
}

func (d *Detector) detectBody(bodyText string) (branch, repository, appliedBy string, links []string, ok bool) {
	if strings.TrimSpace(bodyText) == "" {
		return "", "", "", nil, false
	}

	body := bodyText + "\n" // ensure the trailing-line anchor in appliedLineRe can match a body with no final newline
	m := appliedLineRe.FindStringSubmatch(body)
	if m == nil {
		return "", "", "", nil, false
	}

	// The notification template often ends the applied-by clause with a
	// colon introducing the commit list.
	appliedBy = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[3]), ":"))

	return strings.TrimSpace(m[1]), strings.TrimSpace(m[2]), appliedBy, extractLinks(body), true
}

func extractLinks(body string) []string {
	matches := linkLineRe.FindAllStringSubmatch(body, -1)
	links := make([]string, 0, len(matches))
	for _, m := range matches {
		links = append(links, m[1])
	}
	return links
}

// Reprocess implements the reprocess_merge_notifications sweep: it loads
// patches from trusted senders not yet flagged as merges and
// back-annotates any that now match the notification structure.
func (d *Detector) Reprocess(ctx context.Context, patches out.PatchRepository) (int, error) {
	candidates, err := patches.UnreprocessedMergeCandidates(ctx, d.TrustedSenderPattern())
	if err != nil {
		return 0, apperr.StoreUnavailable("load merge-reprocess candidates failed", err)
	}

	var annotated int
	for _, p := range candidates {
		branch, repository, appliedBy, links, ok := d.DetectStored(p.BodyText)
		if !ok {
			continue
		}
		if err := patches.BackAnnotateMerge(ctx, p.PatchID, repository, branch, appliedBy, links); err != nil {
			d.log.Warn().Int64("patch_id", p.PatchID).Err(err).Msg("back-annotate failed, continuing sweep")
			continue
		}
		annotated++
	}

	return annotated, nil
}

// ReprocessService adapts Detector.Reprocess to in.MergeReprocessService,
// binding it to a fixed PatchRepository so main only needs to wire the
// use-case interface.
type ReprocessService struct {
	detector *Detector
	patches  out.PatchRepository
}

func NewReprocessService(detector *Detector, patches out.PatchRepository) *ReprocessService {
	return &ReprocessService{detector: detector, patches: patches}
}

func (s *ReprocessService) ReprocessMergeNotifications(ctx context.Context) (int, error) {
	return s.detector.Reprocess(ctx, s.patches)
}

var _ in.MergeReprocessService = (*ReprocessService)(nil)
