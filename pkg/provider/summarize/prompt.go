package summarize

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SystemPrompt instructs the model to judge a flagged customer-service
// exchange and answer with a single JSON object. All backends share it so
// that switching providers does not change the output contract.
const SystemPrompt = `You review transcripts of customer-service conversations flagged for abusive language directed at staff.
Given the transcript excerpt and the flagged keyword, respond with ONLY a JSON object, no prose, no code fences:
{"summary": "<2-3 factual sentences describing what happened>", "severity": <integer 1-3, your estimate>, "action": "<one concrete recommended follow-up action for the staff member or their manager>"}
Base the summary strictly on the transcript. Do not invent events.`

// verdict is the JSON shape all backends are asked to produce.
type verdict struct {
	Summary  string `json:"summary"`
	Severity int    `json:"severity"`
	Action   string `json:"action"`
}

// UserPrompt renders req as the user-side message for a summarization call.
func UserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Date: %s\nFlagged keyword: %s\n\nTranscript:\n", req.Date, req.NGWord)
	for _, t := range req.Turns {
		fmt.Fprintf(&b, "[%s] %s: %s\n", t.Time.Format("15:04:05"), t.Role, t.Text)
	}
	return b.String()
}

// ParseVerdict extracts the structured verdict from a raw model response.
// It tolerates surrounding whitespace and Markdown code fences; anything
// else unparseable yields a *MalformedError.
func ParseVerdict(raw string) (*Response, error) {
	s := strings.TrimSpace(raw)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	s = strings.TrimSpace(s)

	var v verdict
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, &MalformedError{Raw: truncate(raw, 512), Err: err}
	}
	if v.Summary == "" {
		return nil, &MalformedError{Raw: truncate(raw, 512), Err: fmt.Errorf("missing summary field")}
	}
	return &Response{
		Summary:       v.Summary,
		Action:        v.Action,
		SeverityGuess: v.Severity,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
