package sandbox

import (
	"fmt"
	"regexp"
)

// piiPattern pairs a detector regexp with the token family it produces
// ("EMAIL" -> "[EMAIL_1]", "[EMAIL_2]", ...).
type piiPattern struct {
	label string
	re    *regexp.Regexp
}

// piiPatterns are evaluated in order; email and API-key-prefix must run
// before the looser digit-run patterns so a key embedded in a longer
// string isn't partially consumed by the credit-card/SSN/phone matchers.
var piiPatterns = []piiPattern{
	{"EMAIL", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"API_KEY", regexp.MustCompile(`\b(?:sk|pk|ghp|gho|ghs|xox[abp])-[A-Za-z0-9_\-]{10,}\b`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{"PHONE", regexp.MustCompile(`\b(?:\+?1[ \-.]?)?\(?\d{3}\)?[ \-.]?\d{3}[ \-.]?\d{4}\b`)},
}

// TokenMap records the original value behind each token minted during a
// Scrub, so Restore can reverse it on the way out.
type TokenMap map[string]string

// Scrubber detects PII in strings and replaces it with stable,
// reversible tokens. Disabled per-request via config or an explicit
// execution option (spec §4.5, scenario S5).
type Scrubber struct{}

// NewScrubber constructs a Scrubber. It holds no state beyond the static
// detector patterns, so a single instance is safe to share.
func NewScrubber() *Scrubber { return &Scrubber{} }

// ScrubValue walks v (the shape produced by decoding JSON: maps, slices,
// strings, and scalars) replacing detected PII in every string with a
// token, recording the mapping in the returned TokenMap.
func (s *Scrubber) ScrubValue(v any) (any, TokenMap) {
	tokens := make(TokenMap)
	counts := make(map[string]int)
	scrubbed := s.scrubAny(v, tokens, counts)
	return scrubbed, tokens
}

func (s *Scrubber) scrubAny(v any, tokens TokenMap, counts map[string]int) any {
	switch t := v.(type) {
	case string:
		return s.scrubString(t, tokens, counts)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.scrubAny(val, tokens, counts)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.scrubAny(val, tokens, counts)
		}
		return out
	default:
		return v
	}
}

func (s *Scrubber) scrubString(str string, tokens TokenMap, counts map[string]int) string {
	for _, p := range piiPatterns {
		str = p.re.ReplaceAllStringFunc(str, func(match string) string {
			counts[p.label]++
			token := fmt.Sprintf("[%s_%d]", p.label, counts[p.label])
			tokens[token] = match
			return token
		})
	}
	return str
}

// Restore reverses the tokens minted by ScrubValue, walking the same value
// shape a worker result can take.
func (s *Scrubber) Restore(v any, tokens TokenMap) any {
	if len(tokens) == 0 {
		return v
	}
	switch t := v.(type) {
	case string:
		return restoreString(t, tokens)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = s.Restore(val, tokens)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.Restore(val, tokens)
		}
		return out
	default:
		return v
	}
}

var tokenPattern = regexp.MustCompile(`\[[A-Z_]+_\d+\]`)

func restoreString(str string, tokens TokenMap) string {
	return tokenPattern.ReplaceAllStringFunc(str, func(token string) string {
		if original, ok := tokens[token]; ok {
			return original
		}
		return token
	})
}
