package domain

import "time"

// Patch is one email message in the archive: a patch submission, a reply,
// a cover letter, or a merge notification.
type Patch struct {
	PatchID    int64
	AuthorID   int64
	EmailID    int64
	MessageID  string
	Subject    string
	SentAt     time.Time
	CommitHash string
	BodyText   string

	IsSeries    bool
	SeriesNum   int // series number as written in the subject (0 for a 00/N cover letter); 0 when not a series member
	SeriesTotal int

	InReplyTo        string
	ThreadReferences []string
	IsReply          bool

	IsMergeNotification bool
	MergeRepository     string
	MergeBranch         string
	MergeAppliedBy      string
	MergeCommitLinks    []string

	CreatedAt time.Time
}

// NormalizedSubject strips reply/forward prefixes and series markers for
// heuristic subject-based thread matching. Computed on demand rather than
// stored, since it is a pure function of Subject.
func (p Patch) NormalizedSubject() string {
	return NormalizeSubject(p.Subject)
}
