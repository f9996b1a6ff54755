package domain

import "time"

// Author is a consolidated identity keyed by (first, last) name, since the
// same person appears under many email addresses across a long-lived
// mailing list archive.
type Author struct {
	AuthorID    int64
	FirstName   string
	LastName    string // empty when the name carried no surname token
	DisplayName string
	FirstSeen   time.Time
	PatchCount  int
}

// AuthorEmail is one address attributed to an Author. Addresses are never
// reassigned or deleted once seen.
type AuthorEmail struct {
	EmailID   int64
	AuthorID  int64
	Email     string // always lower-cased
	IsPrimary bool
	FirstSeen time.Time
}

// Key returns the (first, last) pair used as the author's natural key.
func (a Author) Key() AuthorKey {
	return AuthorKey{First: a.FirstName, Last: a.LastName}
}

// AuthorKey is the (first, last) identity key authors are consolidated on.
type AuthorKey struct {
	First string
	Last  string
}
