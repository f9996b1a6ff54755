package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// replyPrefixRe strips one leading reply/forward marker per iteration;
// NormalizeSubject applies it repeatedly since archives commonly carry
// "Re: Re: Fwd:" chains.
var replyPrefixRe = regexp.MustCompile(`(?i)^(re|fwd|fw|aw)\s*:\s*`)

// bracketPrefixRe strips a leading [PATCH]/[RFC]-style tag.
var bracketPrefixRe = regexp.MustCompile(`(?i)^\[(patch|rfc)[^\]]*\]\s*`)

var collapseWhitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeSubject lower-cases, iteratively strips reply/forward and
// patch/rfc tag prefixes, and collapses whitespace. Used only for heuristic
// thread matching, never stored or shown to a user.
func NormalizeSubject(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		stripped = bracketPrefixRe.ReplaceAllString(stripped, "")
		stripped = strings.TrimSpace(stripped)
		if stripped == s {
			break
		}
		s = stripped
	}
	return collapseWhitespaceRe.ReplaceAllString(s, " ")
}

var subjectIsReplyRe = regexp.MustCompile(`(?i)^\s*re\s*:`)

// IsReplySubject reports whether the raw (non-normalized) subject carries a
// leading "Re:" marker. This is the sole signal for Patch.IsReply — a
// patch-series member commonly carries In-Reply-To without being a reply.
func IsReplySubject(raw string) bool {
	return subjectIsReplyRe.MatchString(raw)
}

// seriesRe matches "[... N/M]" anywhere in a raw subject, e.g. "[PATCH v2 3/7]".
var seriesRe = regexp.MustCompile(`\[.*?(\d+)/(\d+)\]`)

// ExtractSeriesInfo reports the series position/total encoded in a raw
// subject, if any.
func ExtractSeriesInfo(raw string) (isSeries bool, number, total int) {
	m := seriesRe.FindStringSubmatch(raw)
	if m == nil {
		return false, 0, 0
	}
	n, _ := strconv.Atoi(m[1])
	t, _ := strconv.Atoi(m[2])
	return true, n, t
}

// seriesKeyRe extracts the free-form series identifier from a "[PATCH ... N/M]"
// subject, e.g. "[PATCH v2 net-next 01/03]" -> "v2 net-next".
var seriesKeyRe = regexp.MustCompile(`(?i)\[patch\s+([^\]]*?)\s+\d+/\d+\]`)

// ExtractSeriesKey returns a key identifying the series a subject belongs to,
// combined with its series total so that two unrelated series sharing a
// revision tag don't collide.
func ExtractSeriesKey(raw string, seriesTotal int) (string, bool) {
	m := seriesKeyRe.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	key := strings.TrimSpace(m[1])
	return key + "/" + strconv.Itoa(seriesTotal), true
}

// NormalizeName strips quoting/punctuation from a raw display name and
// splits it into (first, last). A single token yields an empty last name;
// an entirely empty result falls back to "Unknown".
func NormalizeName(raw string) (first, last string) {
	s := raw
	s = strings.NewReplacer(`"`, "", "'", "", "`", "", "(", "", ")", "", "<", "", ">", "", "[", "", "]", "").Replace(s)
	s = collapseWhitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")

	if s == "" {
		return "Unknown", ""
	}

	parts := strings.SplitN(s, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

// DisplayName joins a first/last name pair for presentation.
func DisplayName(first, last string) string {
	if last == "" {
		return first
	}
	return first + " " + last
}
