package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveArgsSubstitutesTopLevelReference(t *testing.T) {
	outputs := map[string]any{"a": map[string]any{"value": 42}}
	resolved, err := resolveArgs(map[string]any{"x": "$a.value"}, outputs)
	require.NoError(t, err)
	assert.Equal(t, 42, resolved["x"])
}

func TestResolveArgsSubstitutesArrayIndex(t *testing.T) {
	outputs := map[string]any{"a": map[string]any{"items": []any{"first", "second"}}}
	resolved, err := resolveArgs(map[string]any{"x": "$a.items.1"}, outputs)
	require.NoError(t, err)
	assert.Equal(t, "second", resolved["x"])
}

func TestResolveArgsLeavesPlainStringsAlone(t *testing.T) {
	resolved, err := resolveArgs(map[string]any{"x": "literal"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "literal", resolved["x"])
}

func TestResolveArgsErrorsOnMissingTask(t *testing.T) {
	_, err := resolveArgs(map[string]any{"x": "$missing"}, map[string]any{})
	assert.Error(t, err)
}

func TestResolveArgsErrorsOnBadPathSegment(t *testing.T) {
	outputs := map[string]any{"a": map[string]any{"value": 42}}
	_, err := resolveArgs(map[string]any{"x": "$a.nope"}, outputs)
	assert.Error(t, err)
}

func TestResolveArgsSubstitutesEmbeddedReferenceInLargerString(t *testing.T) {
	outputs := map[string]any{"t1": map[string]any{"value": 42}}
	resolved, err := resolveArgs(map[string]any{"x": "path/${t1.value}/x"}, outputs)
	require.NoError(t, err)
	assert.Equal(t, "path/42/x", resolved["x"])
}

func TestResolveArgsSubstitutesMultipleEmbeddedReferences(t *testing.T) {
	outputs := map[string]any{"a": "left", "b": "right"}
	resolved, err := resolveArgs(map[string]any{"x": "${a}-${b}"}, outputs)
	require.NoError(t, err)
	assert.Equal(t, "left-right", resolved["x"])
}

func TestResolveArgsEmbeddedReferenceErrorsOnMissingTask(t *testing.T) {
	_, err := resolveArgs(map[string]any{"x": "prefix-${missing}"}, map[string]any{})
	assert.Error(t, err)
}

func TestResolveArgsWholeReferenceWithBracesIsNotAWholeReference(t *testing.T) {
	outputs := map[string]any{"t1": "value"}
	resolved, err := resolveArgs(map[string]any{"x": "${t1}"}, outputs)
	require.NoError(t, err)
	assert.Equal(t, "value", resolved["x"])
}

func TestResolveArgsRecursesIntoNestedStructures(t *testing.T) {
	outputs := map[string]any{"a": "resolved"}
	resolved, err := resolveArgs(map[string]any{
		"nested": map[string]any{"list": []any{"$a", "literal"}},
	}, outputs)
	require.NoError(t, err)
	nested := resolved["nested"].(map[string]any)
	list := nested["list"].([]any)
	assert.Equal(t, "resolved", list[0])
	assert.Equal(t, "literal", list[1])
}
