package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubValueTokenizesAndRestores(t *testing.T) {
	s := NewScrubber()
	input := map[string]any{
		"user": map[string]any{
			"email": "alice@example.com",
			"notes": "call 415-555-0100 re: ticket",
		},
	}

	scrubbed, tokens := s.ScrubValue(input)
	scrubbedMap, ok := scrubbed.(map[string]any)
	assert.True(t, ok)
	user := scrubbedMap["user"].(map[string]any)
	assert.Equal(t, "[EMAIL_1]", user["email"])
	assert.NotContains(t, user["notes"], "415-555-0100")

	restored := s.Restore(scrubbed, tokens)
	restoredMap := restored.(map[string]any)
	restoredUser := restoredMap["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", restoredUser["email"])
	assert.Contains(t, restoredUser["notes"], "415-555-0100")
}

func TestScrubValueLeavesNonPIIUntouched(t *testing.T) {
	s := NewScrubber()
	scrubbed, tokens := s.ScrubValue(map[string]any{"x": "no pii here"})
	assert.Empty(t, tokens)
	assert.Equal(t, "no pii here", scrubbed.(map[string]any)["x"])
}

func TestRestoreStringValue(t *testing.T) {
	s := NewScrubber()
	scrubbed, tokens := s.ScrubValue("contact alice@example.com")
	assert.Equal(t, "contact [EMAIL_1]", scrubbed)
	assert.Equal(t, "contact alice@example.com", s.Restore(scrubbed, tokens))
}
