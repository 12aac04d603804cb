package sandbox

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileBodySingleExpressionAutoReturns(t *testing.T) {
	prog, err := compileBody("1 + 1")
	require.NoError(t, err)

	vm := goja.New()
	v, err := vm.RunProgram(prog)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Export())
}

func TestCompileBodyMultiStatementNeedsExplicitReturn(t *testing.T) {
	prog, err := compileBody("var x = 1; return x + 1;")
	require.NoError(t, err)

	vm := goja.New()
	v, err := vm.RunProgram(prog)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Export())
}

func TestCompileBodyMultiStatementWithoutReturnYieldsUndefined(t *testing.T) {
	prog, err := compileBody("var x = 1;")
	require.NoError(t, err)

	vm := goja.New()
	v, err := vm.RunProgram(prog)
	require.NoError(t, err)
	assert.True(t, goja.IsUndefined(v))
}

// RunWorker drives the full worker-side protocol end to end over an
// in-memory pipe: a fake host answers the one call_tool request the code
// issues.
func TestRunWorkerRoundTripsToolCall(t *testing.T) {
	hostRead, workerWrite := io.Pipe()
	workerRead, hostWrite := io.Pipe()

	done := make(chan error, 1)
	go func() { done <- RunWorker(workerRead, workerWrite) }()

	hostW := newFrameWriter(hostWrite)
	hostR := newFrameReader(hostRead)

	init := workerInit{
		Code:    `weather_forecast({city:"nyc"})`,
		Context: map[string]any{},
		Tools:   map[string]workerToolEntry{"weather_forecast": {Server: "weather", Tool: "forecast"}},
	}
	payload, err := json.Marshal(init)
	require.NoError(t, err)
	require.NoError(t, hostW.write(frame{Kind: frameRequest, Request: &rpcRequest{ID: "init", Method: methodInit, Payload: payload}}))

	toolCallFrame, err := hostR.read()
	require.NoError(t, err)
	require.Equal(t, frameRequest, toolCallFrame.Kind)
	require.Equal(t, methodCallTool, toolCallFrame.Request.Method)

	result, _ := json.Marshal(map[string]any{"sunny": true})
	require.NoError(t, hostW.write(frame{Kind: frameResponse, Response: &rpcResponse{ID: toolCallFrame.Request.ID, Success: true, Result: result}}))

	doneFrame, err := hostR.read()
	require.NoError(t, err)
	require.Equal(t, frameResponse, doneFrame.Kind)
	require.Equal(t, "done", doneFrame.Response.ID)

	var wd workerDone
	require.NoError(t, json.Unmarshal(doneFrame.Response.Result, &wd))
	assert.True(t, wd.Success)
	value, ok := wd.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, value["sunny"])

	require.NoError(t, <-done)
}
