package dag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mcpgate/gateway/errorkind"
)

// resolveArgs walks args, substituting every "$tid" or "$tid.a.b" whole
// reference with the corresponding (typed) entry from outputs, and every
// "${tid}"/"${tid.a.b}" embedded reference inside a larger string with its
// stringified value (spec §4.4.2 step 1, spec §6 "Output references"). A
// reference to a task with no recorded output, or a path that doesn't
// exist in that output, is a VALIDATION error that fails the task.
func resolveArgs(args map[string]any, outputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		rv, err := resolveValue(v, outputs)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

func resolveValue(v any, outputs map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		if m := wholeRefRe.FindStringSubmatch(x); m != nil {
			return resolveRef(m[1], outputs)
		}
		if embeddedRefRe.MatchString(x) {
			return substituteEmbedded(x, outputs)
		}
		return x, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			rv, err := resolveValue(vv, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			rv, err := resolveValue(vv, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return x, nil
	}
}

// resolveRef resolves "tid" or "tid.a.b" against outputs, walking path
// segments through nested maps/slices.
func resolveRef(ref string, outputs map[string]any) (any, error) {
	parts := strings.Split(ref, ".")
	tid := parts[0]
	out, ok := outputs[tid]
	if !ok {
		return nil, errorkind.New(errorkind.Validation, "reference to task with no recorded output: "+tid)
	}
	cur := out
	for _, seg := range parts[1:] {
		next, err := descend(cur, seg)
		if err != nil {
			return nil, errorkind.New(errorkind.Validation, "reference $"+ref+": "+err.Error())
		}
		cur = next
	}
	return cur, nil
}

func descend(v any, seg string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		next, ok := x[seg]
		if !ok {
			return nil, errOf("path segment not found: " + seg)
		}
		return next, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(x) {
			return nil, errOf("path segment not a valid index: " + seg)
		}
		return x[idx], nil
	default:
		return nil, errOf("cannot descend into scalar at segment: " + seg)
	}
}

type pathError string

func (e pathError) Error() string { return string(e) }

func errOf(msg string) error { return pathError(msg) }

// substituteEmbedded replaces every "${tid[.path]}" occurrence in s with
// the stringified resolved value, leaving the rest of s untouched (spec §6:
// "embedded references within larger strings follow template substitution
// ${...}").
func substituteEmbedded(s string, outputs map[string]any) (string, error) {
	var resolveErr error
	out := embeddedRefRe.ReplaceAllStringFunc(s, func(match string) string {
		if resolveErr != nil {
			return match
		}
		ref := embeddedRefRe.FindStringSubmatch(match)[1]
		v, err := resolveRef(ref, outputs)
		if err != nil {
			resolveErr = err
			return match
		}
		return stringify(v)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return out, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
