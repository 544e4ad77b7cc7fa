package fuji

import (
	"regexp"
	"sort"

	"github.com/ashita-ai/veritas/internal/model"
)

// PIIMatch is one detected piece of personally identifiable information.
type PIIMatch struct {
	Type       string
	Value      string
	Confidence float64
	Field      string
}

type piiPattern struct {
	kind       string
	re         *regexp.Regexp
	confidence float64
}

// Detection patterns with per-type base confidence. Phone numbers sit below
// the default confidence floor on purpose: the pattern is too loose to act
// on without corroboration. Credit cards are Luhn-checked, and failing the
// checksum drops the match to low confidence instead of discarding it.
var piiPatterns = []piiPattern{
	{kind: "email", re: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), confidence: 0.95},
	{kind: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), confidence: 0.90},
	{kind: "credit_card", re: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), confidence: 0.90},
	{kind: "phone", re: regexp.MustCompile(`\b\+?\d{1,3}[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`), confidence: 0.70},
	{kind: "api_key", re: regexp.MustCompile(`\bsk-[a-zA-Z0-9]{20,}\b`), confidence: 0.90},
}

const luhnFailConfidence = 0.5

// DetectPII scans text and returns all matches, labelled with field. Matches
// of the same type in the same field are reported once.
func DetectPII(field, text string) []PIIMatch {
	if text == "" {
		return nil
	}
	var out []PIIMatch
	seen := map[string]bool{}
	for _, p := range piiPatterns {
		for _, val := range p.re.FindAllString(text, -1) {
			conf := p.confidence
			if p.kind == "credit_card" && !luhnValid(val) {
				conf = luhnFailConfidence
			}
			key := field + "\x00" + p.kind
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, PIIMatch{Type: p.kind, Value: val, Confidence: conf, Field: field})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// RedactionPatches converts matches into proposed patches. Replacements
// never re-match their own pattern, so applying a patch twice is a no-op.
func RedactionPatches(matches []PIIMatch) []model.Patch {
	var out []model.Patch
	seen := map[string]bool{}
	for _, m := range matches {
		key := m.Field + "\x00" + m.Type
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, model.Patch{
			Field:       m.Field,
			Pattern:     patternFor(m.Type),
			Replacement: "[redacted:" + m.Type + "]",
		})
	}
	return out
}

// ApplyPatches runs every patch whose Field matches field over text.
// Patches with unknown patterns are skipped.
func ApplyPatches(field, text string, patches []model.Patch) string {
	for _, p := range patches {
		if p.Field != field {
			continue
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			continue
		}
		text = re.ReplaceAllString(text, p.Replacement)
	}
	return text
}

func patternFor(kind string) string {
	for _, p := range piiPatterns {
		if p.kind == kind {
			return p.re.String()
		}
	}
	return ""
}

// luhnValid checks a candidate card number's checksum digit.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
