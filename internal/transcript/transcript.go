// Package transcript implements the per-date utterance log: an append/replace
// store over human-readable line files, one file per calendar date.
//
// Every spoken turn becomes exactly one visible line. The fast recognition
// pass appends the line; the final pass later replaces it in place, matched
// by entry id, preserving the original timestamp and line position. Store
// mutations are published as ordered change events so viewers can follow
// the log live.
package transcript

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of an utterance.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleCustomer || r == RoleStaff
}

// Stage marks which recognition pass produced the stored text.
type Stage string

const (
	StageFast  Stage = "fast"
	StageFinal Stage = "final"
)

// Utterance is one recognised spoken turn. The same EntryID is carried
// across its fast and final revisions; at most one revision is visible in
// the store at a time.
type Utterance struct {
	// EntryID is the stable identifier correlating the fast and final
	// revisions of one turn. Generated once at segment creation, never
	// reused.
	EntryID string

	// Role is the speaker.
	Role Role

	// Timestamp is the creation time of the turn. Immutable: a replace
	// keeps the timestamp of the original fast line.
	Timestamp time.Time

	// Stage is the recognition pass that produced Text.
	Stage Stage

	// Text is the recognised text.
	Text string

	// Hits are the matched keywords, in match order, possibly empty.
	Hits []string

	// Severity is the maximum keyword tier among Hits, 0 when none.
	Severity int
}

// NewEntryID returns a fresh 8-character entry identifier. Short enough to
// stay readable inside a log line, random enough (32 bits of a UUID) to
// never collide within a date partition.
func NewEntryID() string {
	return uuid.New().String()[:8]
}

// DateKey formats t as the partition key used for file names and
// subscriptions (2006-01-02, local time).
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
