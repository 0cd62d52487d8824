package transcript

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// lineTimeLayout is the timestamp format used in transcript lines.
const lineTimeLayout = "2006-01-02 15:04:05"

// linePattern matches one serialized transcript line:
//
//	[2006-01-02 15:04:05] customer: [FAST] [ID:ab12cd34] text [NG: a, b]
//
// The NG annotation is optional and is not escaped: text that itself ends
// in a literal " [NG: ...]" tail re-parses with that tail as the hit list,
// so such text does not round-trip. Recognition output never contains the
// tail, and hit words are re-derived from the keyword configuration on
// load, so the ambiguity is accepted rather than escaped.
var linePattern = regexp.MustCompile(
	`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\] (customer|staff): \[(FAST|FINAL)\] \[ID:([0-9a-f]{8})\] (.*?)( \[NG: (.+)\])?$`,
)

// FormatLine serializes u as one transcript line.
func FormatLine(u Utterance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: [%s] [ID:%s] %s",
		u.Timestamp.Format(lineTimeLayout),
		u.Role,
		strings.ToUpper(string(u.Stage)),
		u.EntryID,
		u.Text,
	)
	if len(u.Hits) > 0 {
		fmt.Fprintf(&b, " [NG: %s]", strings.Join(u.Hits, ", "))
	}
	return b.String()
}

// ParseLine parses one serialized transcript line. Severity is not encoded
// in the line and is left 0; callers that need it re-derive it from the
// keyword configuration.
func ParseLine(line string) (Utterance, error) {
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Utterance{}, fmt.Errorf("transcript: malformed line %q", line)
	}
	ts, err := time.ParseInLocation(lineTimeLayout, m[1], time.Local)
	if err != nil {
		return Utterance{}, fmt.Errorf("transcript: parse timestamp in %q: %w", line, err)
	}
	u := Utterance{
		EntryID:   m[4],
		Role:      Role(m[2]),
		Timestamp: ts,
		Stage:     Stage(strings.ToLower(m[3])),
		Text:      m[5],
	}
	if m[7] != "" {
		for _, h := range strings.Split(m[7], ",") {
			if h = strings.TrimSpace(h); h != "" {
				u.Hits = append(u.Hits, h)
			}
		}
	}
	return u, nil
}
