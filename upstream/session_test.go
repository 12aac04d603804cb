package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/config"
	"github.com/mcpgate/gateway/errorkind"
	"github.com/mcpgate/gateway/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() config.UpstreamServer { return config.UpstreamServer{ID: "test-server", Command: "noop"} }

func TestSessionCallRoundTrip(t *testing.T) {
	transport := newFakeTransport(func(req rpcRequest, push func(json.RawMessage)) {
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		data, _ := json.Marshal(resp)
		push(data)
	})
	s := newSessionWithTransport(transport, testSpec(), telemetry.New(nil, nil, nil))
	defer func() { _ = s.close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := s.call(ctx, "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestSessionCallTimesOutWhenNoResponse(t *testing.T) {
	transport := newFakeTransport(nil) // never responds
	s := newSessionWithTransport(transport, testSpec(), telemetry.New(nil, nil, nil))
	defer func() { _ = s.close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.call(ctx, "tools/list", nil)
	require.Error(t, err)
	var kindErr *errorkind.Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, errorkind.Timeout, kindErr.Kind)
}

// TestSessionRestartRecoversAfterTransportFailure covers scenario S6: a
// mid-call transport failure surfaces as a retryable UPSTREAM_TRANSPORT
// error, the session goes unhealthy with an emptied pending-request table,
// and a replaced transport lets subsequent calls succeed again.
func TestSessionRestartRecoversAfterTransportFailure(t *testing.T) {
	transport := newFakeTransport(nil) // the in-flight call gets no response
	s := newSessionWithTransport(transport, testSpec(), telemetry.New(nil, nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	callErr := make(chan error, 1)
	go func() {
		_, err := s.call(ctx, "tools/call", map[string]any{"name": "x"})
		callErr <- err
	}()

	// Give the call a moment to register itself as pending before we sever
	// the connection out from under it.
	time.Sleep(10 * time.Millisecond)
	transport.setReadError(errors.New("connection reset by peer"))

	err := <-callErr
	require.Error(t, err)
	var kindErr *errorkind.Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, errorkind.UpstreamTransport, kindErr.Kind)
	assert.True(t, kindErr.Retryable)

	require.Eventually(t, func() bool { return s.Health() == api.SessionUnhealthy }, time.Second, time.Millisecond)

	s.pendingMu.Lock()
	pendingCount := len(s.pending)
	s.pendingMu.Unlock()
	assert.Zero(t, pendingCount)

	recovered := newFakeTransport(func(req rpcRequest, push func(json.RawMessage)) {
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"restarted":true}`)}
		data, _ := json.Marshal(resp)
		push(data)
	})
	s.replaceTransport(recovered)
	require.Eventually(t, func() bool { return s.Health() == api.SessionStarting }, time.Second, time.Millisecond)

	result, err := s.call(ctx, "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"restarted":true}`, string(result))

	_ = s.close(context.Background())
}

func TestSessionRoutesNotifications(t *testing.T) {
	transport := newFakeTransport(nil)
	s := newSessionWithTransport(transport, testSpec(), telemetry.New(nil, nil, nil))
	defer func() { _ = s.close(context.Background()) }()

	notif := rpcResponse{JSONRPC: "2.0", Method: "notifications/progress", Params: json.RawMessage(`{"pct":50}`)}
	data, _ := json.Marshal(notif)
	transport.frames <- data

	select {
	case n := <-s.Notifications():
		assert.Equal(t, "notifications/progress", n.Method)
		assert.JSONEq(t, `{"pct":50}`, string(n.Params))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestSessionToolErrorSurfacesAsUpstreamToolError(t *testing.T) {
	transport := newFakeTransport(func(req rpcRequest, push func(json.RawMessage)) {
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: -32000, Message: "tool exploded"}}
		data, _ := json.Marshal(resp)
		push(data)
	})
	s := newSessionWithTransport(transport, testSpec(), telemetry.New(nil, nil, nil))
	defer func() { _ = s.close(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.call(ctx, "tools/call", nil)
	require.Error(t, err)
	var kindErr *errorkind.Error
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, errorkind.UpstreamToolError, kindErr.Kind)
}
