package dag

import "regexp"

// refIdentPattern matches a reference body: "tid" or "tid.a.b". Used both
// for the whole-string reference grammar ($tid) and the embedded
// template-substitution grammar (${tid}) (spec §6 "Output references").
const refIdentPattern = `[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*`

// wholeRefRe matches a string that is, in its entirety, a "$tid[.path]"
// reference (no braces).
var wholeRefRe = regexp.MustCompile(`^\$(` + refIdentPattern + `)$`)

// embeddedRefRe finds every "${tid[.path]}" occurrence inside a larger
// string for template substitution.
var embeddedRefRe = regexp.MustCompile(`\$\{(` + refIdentPattern + `)\}`)

// refTaskID returns the leading task id of a reference body ("tid" out of
// "tid.a.b").
func refTaskID(ref string) string {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i]
		}
	}
	return ref
}

// referencedIDsIn returns every task id a string's whole- or embedded-form
// references name, for validation purposes (spec §4.4.1 step 1).
func referencedIDsIn(s string) []string {
	if m := wholeRefRe.FindStringSubmatch(s); m != nil {
		return []string{refTaskID(m[1])}
	}
	matches := embeddedRefRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, refTaskID(m[1]))
	}
	return ids
}
