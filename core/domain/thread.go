package domain

import "time"

// Thread is a reconstructed conversation rooted at one Patch.
type Thread struct {
	ThreadID         int64
	RootPatchID      int64
	RootMessageID    string
	SubjectBase      string
	ReplyCount       int
	ParticipantCount int
	LastActivityAt   time.Time
	CreatedAt        time.Time
}

// ThreadMember is one patch's position within a Thread, including the path
// from the root used to render a nested reply tree without recursive
// queries.
type ThreadMember struct {
	ThreadID         int64
	PatchID          int64
	ParentPatchID    *int64 // nil for the root
	Depth            int
	PositionInThread int
	ThreadPath       []int64 // root-to-self chain of patch IDs
}

// IsRoot reports whether this member is the thread's root patch.
func (m ThreadMember) IsRoot() bool {
	return m.ParentPatchID == nil
}
