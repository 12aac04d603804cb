package errorkind_test

import (
	"errors"
	"testing"

	"github.com/mcpgate/gateway/errorkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryability(t *testing.T) {
	assert.True(t, errorkind.New(errorkind.UpstreamTransport, "eof").Retryable)
	assert.True(t, errorkind.New(errorkind.Cache, "redis down").Retryable)
	assert.False(t, errorkind.New(errorkind.Validation, "bad schema").Retryable)
	assert.False(t, errorkind.New(errorkind.Internal, "invariant broken").Retryable)
}

func TestTimeoutRetryabilityIsExplicit(t *testing.T) {
	assert.True(t, errorkind.NewTimeout("slow upstream", true).Retryable)
	assert.False(t, errorkind.NewTimeout("slow sandbox", false).Retryable)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := errorkind.Wrap(errorkind.UpstreamTransport, cause, "")
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsMatchesByKind(t *testing.T) {
	a := errorkind.New(errorkind.Dependency, "missing tool foo")
	b := errorkind.New(errorkind.Dependency, "missing tool bar")
	assert.True(t, errors.Is(a, b))

	c := errorkind.New(errorkind.Validation, "missing tool bar")
	assert.False(t, errors.Is(a, c))
}
