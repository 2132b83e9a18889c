// Package match computes similarity between spreadsheet headers and
// known destination field names. It is read-only and side-effect-free:
// template-authoring tooling calls it on demand to suggest column
// mappings, it is never consulted during row ingestion.
package match

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/sells-group/servicing-import/internal/ident"
)

// Scores are 0-100 confidences.
const (
	ScoreExact  = 100
	ScorePlural = 95

	// Containment scores occupy the 75-90 band, weighted by length
	// ratio and whether the match sits at a prefix/suffix boundary.
	containmentBase = 75
	containmentTop  = 90

	// DefaultThreshold is the minimum score considered a usable
	// suggestion. Below it the matcher reports "no suggestion".
	DefaultThreshold = 40
)

// Best is the winning candidate for one header.
type Best struct {
	Field string `json:"field"`
	Score int    `json:"score"`
}

// Result holds the full similarity matrix plus the per-header best match.
type Result struct {
	// Matrix maps header -> field -> score.
	Matrix map[string]map[string]int `json:"matrix"`
	// BestMatches maps header -> best candidate, ties broken by earliest
	// occurrence in the supplied field list.
	BestMatches map[string]Best `json:"best_matches"`
}

// Suggestions returns the best matches scoring at or above threshold.
// Pass 0 to use DefaultThreshold.
func (r Result) Suggestions(threshold int) map[string]Best {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	out := make(map[string]Best)
	for h, b := range r.BestMatches {
		if b.Score >= threshold {
			out[h] = b
		}
	}
	return out
}

// Match scores every source header against every target field.
func Match(headers, fields []string) Result {
	res := Result{
		Matrix:      make(map[string]map[string]int, len(headers)),
		BestMatches: make(map[string]Best, len(headers)),
	}

	normFields := make([]normForms, len(fields))
	for i, f := range fields {
		normFields[i] = newForms(f)
	}

	for _, h := range headers {
		hf := newForms(h)
		row := make(map[string]int, len(fields))

		best := Best{Score: -1}
		for i, f := range fields {
			s := score(hf, normFields[i])
			row[f] = s
			if s > best.Score {
				best = Best{Field: f, Score: s}
			}
			if s == ScoreExact {
				// Exact hit short-circuits further comparison.
				for _, rest := range fields[i+1:] {
					if _, ok := row[rest]; !ok {
						row[rest] = 0
					}
				}
				break
			}
		}

		res.Matrix[h] = row
		if best.Score >= 0 {
			res.BestMatches[h] = best
		}
	}

	return res
}

// normForms caches the canonical forms of one string.
type normForms struct {
	raw      string
	lower    string
	stripped string // lowercase, non-alphanumerics removed
	norm     string // storage-identifier normalization
}

func newForms(s string) normForms {
	lower := strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return normForms{
		raw:      s,
		lower:    lower,
		stripped: b.String(),
		norm:     ident.Normalize(s),
	}
}

func score(a, b normForms) int {
	// Exact fast path: case-insensitive, stripped, then normalized.
	if a.lower == b.lower || a.stripped == b.stripped || a.norm == b.norm {
		return ScoreExact
	}

	if plural(a.stripped, b.stripped) {
		return ScorePlural
	}

	if s := containment(a.stripped, b.stripped); s > 0 {
		return s
	}

	return fallback(a.stripped, b.stripped)
}

// plural reports whether one string equals the other with a trailing
// "s" added or removed.
func plural(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return a+"s" == b || b+"s" == a
}

// containment scores substring matches in the 75-90 band. Longer
// relative overlap and boundary (prefix/suffix) position score higher.
func containment(a, b string) int {
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if short == "" || !strings.Contains(long, short) {
		return 0
	}

	ratio := float64(len(short)) / float64(len(long))
	s := containmentBase + int(ratio*10)

	if strings.HasPrefix(long, short) || strings.HasSuffix(long, short) {
		s += 5
	}
	if s > containmentTop {
		s = containmentTop
	}
	return s
}

// fallback blends edit-distance and trigram similarity, scaled 0-100
// and capped below the containment band.
func fallback(a, b string) int {
	if a == "" || b == "" {
		return 0
	}

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	dist := fuzzy.LevenshteinDistance(a, b)
	levSim := 1 - float64(dist)/float64(maxLen)
	if levSim < 0 {
		levSim = 0
	}

	triSim := trigramSimilarity(a, b)

	s := int((levSim*0.6 + triSim*0.4) * 100)
	if s >= containmentBase {
		s = containmentBase - 1
	}
	return s
}

// trigramSimilarity computes the Dice coefficient over character
// trigrams with boundary padding.
func trigramSimilarity(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var shared int
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ta)+len(tb))
}

func trigrams(s string) map[string]bool {
	padded := "  " + s + " "
	out := make(map[string]bool, len(padded))
	for i := 0; i+3 <= len(padded); i++ {
		out[padded[i:i+3]] = true
	}
	return out
}
