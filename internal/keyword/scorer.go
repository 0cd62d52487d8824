package keyword

import "github.com/antzucaro/matchr"

// Scorer rates how well a keyword matches somewhere inside a text. Scores
// are 0–100; 100 is a perfect (sub-string) match. Implementations receive
// already-normalized input.
//
// The scorer is an interface so the matching strategy (edit distance,
// phonetic fold, a learned model) can be swapped without touching the
// tiering and suppression logic in Matcher.
type Scorer interface {
	Score(keyword, text string) int
}

// JaroWinklerScorer scores a keyword by its best Jaro-Winkler similarity
// against every keyword-length window of the text, approximating a partial
// ratio: a short abusive phrase embedded in a long polite sentence still
// scores near 100.
type JaroWinklerScorer struct{}

// Score implements Scorer.
func (JaroWinklerScorer) Score(keyword, text string) int {
	kw := []rune(keyword)
	tx := []rune(text)
	if len(kw) == 0 || len(tx) == 0 {
		return 0
	}
	if len(tx) <= len(kw) {
		return jwPercent(keyword, string(tx))
	}

	best := 0
	for i := 0; i+len(kw) <= len(tx); i++ {
		if s := jwPercent(keyword, string(tx[i:i+len(kw)])); s > best {
			best = s
			if best == 100 {
				break
			}
		}
	}
	return best
}

func jwPercent(a, b string) int {
	return int(matchr.JaroWinkler(a, b, false) * 100)
}

var _ Scorer = JaroWinklerScorer{}
