// Package summarize defines the Provider interface for incident
// summarization backends.
//
// A provider receives the conversational excerpt around a flagged
// utterance and returns a structured verdict: a short factual summary and a
// recommended follow-up action. Providers may also guess a severity; the
// pipeline ignores that guess, since severity is authoritative from the
// keyword configuration.
//
// Providers must fail distinguishably: quota exhaustion unwraps to
// ErrQuota, an unparseable response unwraps to a *MalformedError, and
// timeouts surface as the context error. The job queue relies on these
// distinctions for its retry policy.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrQuota indicates the backend rejected the request due to rate or quota
// limits. Retryable after backoff.
var ErrQuota = errors.New("summarize: quota exhausted")

// MalformedError indicates the backend answered but the response could not
// be parsed into a structured result. Counted against the retry budget.
type MalformedError struct {
	// Raw is the unparseable response body, possibly truncated.
	Raw string

	// Err is the underlying parse error, if any.
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("summarize: malformed response: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Turn is one conversational turn inside a summarization request.
type Turn struct {
	// Role identifies the speaker ("customer" or "staff").
	Role string `json:"role"`

	// Text is the recognised text of the turn.
	Text string `json:"text"`

	// Time is when the turn was spoken.
	Time time.Time `json:"time"`
}

// Request is the input to one summarization call.
type Request struct {
	// Date is the calendar date of the incident, formatted 2006-01-02.
	Date string

	// NGWord is the matched keyword that anchored the incident.
	NGWord string

	// Turns is the conversational excerpt, in chronological order.
	Turns []Turn
}

// Response is the structured result of one summarization call.
type Response struct {
	// Summary is a short factual description of what happened.
	Summary string

	// Action is the backend's recommended follow-up action.
	Action string

	// SeverityGuess is the backend's severity estimate. Informational only;
	// the stored record's severity comes from the keyword configuration.
	SeverityGuess int

	// Model identifies the backend model that produced the response.
	Model string
}

// Provider produces a structured incident summary from a conversation
// excerpt. Implementations must be safe for concurrent use.
type Provider interface {
	Summarize(ctx context.Context, req Request) (*Response, error)
}
