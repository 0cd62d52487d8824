// Package incident implements the durable summarization job queue and the
// per-date incident record output.
//
// Jobs are keyed by the anchor utterance's entry id. Enqueue is idempotent:
// a job that is already pending on disk, or whose record already exists in
// the output, is a no-op. The worker processes jobs in arrival order with
// bounded retries and jittered backoff; permanent failures land in a
// separate error log and never block the queue. Pending job files plus a
// check-before-write against the output give crash/restart safety without
// a database — though records can additionally be archived to Postgres.
package incident

import (
	"time"

	"github.com/mimamori-dev/mimamori/pkg/provider/summarize"
)

// Record is one summarized incident, stored as a single JSON line in the
// date's output file.
type Record struct {
	// Date is the calendar date of the incident (2006-01-02).
	Date string `json:"date"`

	// AnchorID is the entry id of the flagged utterance. Records are
	// idempotent by this key.
	AnchorID string `json:"anchor_id"`

	// AnchorTime is when the flagged utterance was spoken.
	AnchorTime time.Time `json:"anchor_time"`

	// NGWord is the matched keyword that triggered the incident.
	NGWord string `json:"ng_word"`

	// Turns is the summarized excerpt, in chronological order.
	Turns []summarize.Turn `json:"turns"`

	// Summary is the model-produced description of the incident.
	Summary string `json:"summary"`

	// Severity is the keyword tier. Authoritative from configuration; any
	// severity the summarization service guessed is ignored.
	Severity int `json:"severity"`

	// Action is the recommended follow-up action.
	Action string `json:"action"`

	// Meta carries provenance for review tooling.
	Meta Meta `json:"meta"`
}

// Meta is the provenance block of a Record.
type Meta struct {
	// Model identifies the summarization model used.
	Model string `json:"model"`

	// LineRange is the [first, last] transcript line span the summary was
	// built from.
	LineRange [2]int `json:"line_range"`
}

// Job is one queued summarization task, persisted as a JSON file under the
// pending directory until it completes or permanently fails.
type Job struct {
	// AnchorID keys the job; one record per anchor, ever.
	AnchorID string `json:"anchor_id"`

	// Date is the transcript partition the anchor lives in.
	Date string `json:"date"`

	// AnchorTime is when the flagged utterance was spoken.
	AnchorTime time.Time `json:"anchor_time"`

	// NGWord is the keyword that flagged the anchor.
	NGWord string `json:"ng_word"`

	// Severity is the keyword tier at flag time, copied into the record
	// verbatim.
	Severity int `json:"severity"`

	// Turns is the excerpt selected by the window builder.
	Turns []summarize.Turn `json:"turns"`

	// LineRange is the excerpt's transcript line span.
	LineRange [2]int `json:"line_range"`

	// EnqueuedAt is when the job was first enqueued.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts summarization attempts so far.
	Attempts int `json:"attempts"`
}
