package metatool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/config"
	"github.com/mcpgate/gateway/dag"
	"github.com/mcpgate/gateway/graph"
	"github.com/mcpgate/gateway/registry"
	"github.com/mcpgate/gateway/sandbox"
)

type fakeDescriptorSource struct {
	descriptors []api.Descriptor
}

func (f *fakeDescriptorSource) ListTools() []api.Descriptor { return f.descriptors }

type fakeCaller struct {
	calls []string
}

func (f *fakeCaller) Call(_ context.Context, server, tool string, _ map[string]any) (json.RawMessage, error) {
	f.calls = append(f.calls, server+":"+tool)
	return json.RawMessage(`{"ok":true}`), nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeCaller) {
	t.Helper()
	g := graph.New()
	source := &fakeDescriptorSource{descriptors: []api.Descriptor{
		{ServerID: "weather", Name: "forecast", Description: "fetch a weather forecast", ContentHash: "h1"},
	}}
	catalog := registry.NewCatalog(source, nil, registry.NewMemoryVectorStore(), g)
	require.NoError(t, catalog.Refresh(context.Background()))
	searcher := registry.NewHybridSearcher(catalog, nil, registry.NewMemoryVectorStore(), g, config.Default().Search)
	capabilities := registry.NewCapabilityStore(nil, registry.NewMemoryVectorStore(), g)

	caller := &fakeCaller{}
	pending := dag.NewPendingStore()
	engine := dag.NewEngine(dag.EngineOptions{ToolCaller: caller, CapabilityExpander: capabilities, Pending: pending})
	sb := sandbox.New(caller, searcher, config.Default().Sandbox, config.CacheConfig{}, nil)

	h := New(caller, searcher, capabilities, engine, nil, sb, pending)
	return h, caller
}

func TestHandlerSearchToolsReturnsRankedResults(t *testing.T) {
	h, _ := newTestHandler(t)
	resp, err := h.SearchTools(context.Background(), SearchToolsRequest{Query: "weather forecast"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "weather:forecast", resp.Results[0].ID)
}

func TestHandlerSearchCapabilitiesReturnsSavedCapability(t *testing.T) {
	h, _ := newTestHandler(t)
	require.NoError(t, h.capabilities.Save(context.Background(), api.Capability{
		ID: "cap:brief", Intent: "brief the weather", ContentHash: "h1",
	}))
	resp, err := h.SearchCapabilities(context.Background(), SearchCapabilitiesRequest{Intent: "weather"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "cap:brief", resp.Results[0].ID)
}

func TestHandlerExecuteDAGWithExplicitWorkflowCompletes(t *testing.T) {
	h, caller := newTestHandler(t)
	resp, err := h.ExecuteDAG(context.Background(), ExecuteDAGRequest{
		Workflow: []api.TaskSpec{{ID: "t1", Kind: api.TaskToolCall, Target: "weather:forecast"}},
	})
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowCompleted, resp.Mode)
	assert.Nil(t, resp.ApprovalRequired)
	assert.Contains(t, caller.calls, "weather:forecast")
}

func TestHandlerExecuteDAGRequiresIntentOrWorkflow(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.ExecuteDAG(context.Background(), ExecuteDAGRequest{})
	require.Error(t, err)
}

func TestHandlerExecuteCodeRunsSandboxedExpression(t *testing.T) {
	h, _ := newTestHandler(t)
	resp, err := h.ExecuteCode(context.Background(), ExecuteCodeRequest{Code: "2 + 2"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), resp.Value)
}

func TestHandlerContinueResumesPerLayerValidationPause(t *testing.T) {
	h, caller := newTestHandler(t)
	resp, err := h.ExecuteDAG(context.Background(), ExecuteDAGRequest{
		Workflow: []api.TaskSpec{
			{ID: "t1", Kind: api.TaskToolCall, Target: "weather:forecast"},
			{ID: "t2", Kind: api.TaskToolCall, Target: "weather:forecast", DependsOn: []string{"t1"}},
		},
		PerLayerValidation: true,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ApprovalRequired)
	assert.Equal(t, 1, len(caller.calls))

	final, err := h.Continue(context.Background(), ContinueRequest{WorkflowID: resp.ApprovalRequired.WorkflowID})
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowCompleted, final.Mode)
	assert.Equal(t, 2, len(caller.calls))
}

func TestHandlerAbortTerminatesPendingWorkflow(t *testing.T) {
	h, _ := newTestHandler(t)
	resp, err := h.ExecuteDAG(context.Background(), ExecuteDAGRequest{
		Workflow:           []api.TaskSpec{{ID: "t1", Kind: api.TaskToolCall, Target: "weather:forecast"}},
		PerLayerValidation: true,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ApprovalRequired)

	final, err := h.Abort(context.Background(), AbortRequest{WorkflowID: resp.ApprovalRequired.WorkflowID, Reason: "no longer needed"})
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowAborted, final.Mode)

	_, err = h.Abort(context.Background(), AbortRequest{WorkflowID: resp.ApprovalRequired.WorkflowID})
	require.Error(t, err)
}

func TestHandlerApprovalResponseRejectsMismatchedCheckpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	workflow := []api.TaskSpec{
		{ID: "a", Kind: api.TaskToolCall, Target: "weather:forecast"},
		{ID: "gate", Kind: api.TaskCheckpoint, DependsOn: []string{"a"}},
		{ID: "b", Kind: api.TaskToolCall, Target: "weather:forecast", DependsOn: []string{"gate"}},
	}

	resp, err := h.ExecuteDAG(context.Background(), ExecuteDAGRequest{Workflow: workflow})
	require.NoError(t, err)
	require.NotNil(t, resp.ApprovalRequired)
	require.Equal(t, api.PauseHumanCheckpoint, resp.ApprovalRequired.PauseKind)
	require.Equal(t, "gate", resp.ApprovalRequired.CheckpointID)

	_, err = h.ApprovalResponse(context.Background(), ApprovalResponseRequest{
		WorkflowID:   resp.ApprovalRequired.WorkflowID,
		CheckpointID: "wrong",
		Approved:     true,
	})
	require.Error(t, err)
}

func TestHandlerApprovalResponseResumesOnApproval(t *testing.T) {
	h, caller := newTestHandler(t)
	workflow := []api.TaskSpec{
		{ID: "a", Kind: api.TaskToolCall, Target: "weather:forecast"},
		{ID: "gate", Kind: api.TaskCheckpoint, DependsOn: []string{"a"}},
		{ID: "b", Kind: api.TaskToolCall, Target: "weather:forecast", DependsOn: []string{"gate"}},
	}

	resp, err := h.ExecuteDAG(context.Background(), ExecuteDAGRequest{Workflow: workflow})
	require.NoError(t, err)
	require.NotNil(t, resp.ApprovalRequired)
	assert.Equal(t, 1, len(caller.calls))

	final, err := h.ApprovalResponse(context.Background(), ApprovalResponseRequest{
		WorkflowID:   resp.ApprovalRequired.WorkflowID,
		CheckpointID: resp.ApprovalRequired.CheckpointID,
		Approved:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowCompleted, final.Mode)
	assert.Equal(t, 2, len(caller.calls))
}

func TestHandlerApprovalResponseAbortsOnDenial(t *testing.T) {
	h, _ := newTestHandler(t)
	workflow := []api.TaskSpec{
		{ID: "a", Kind: api.TaskToolCall, Target: "weather:forecast"},
		{ID: "gate", Kind: api.TaskCheckpoint, DependsOn: []string{"a"}},
	}

	resp, err := h.ExecuteDAG(context.Background(), ExecuteDAGRequest{Workflow: workflow})
	require.NoError(t, err)
	require.NotNil(t, resp.ApprovalRequired)

	final, err := h.ApprovalResponse(context.Background(), ApprovalResponseRequest{
		WorkflowID:   resp.ApprovalRequired.WorkflowID,
		CheckpointID: resp.ApprovalRequired.CheckpointID,
		Approved:     false,
		Feedback:     "not now",
	})
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowAborted, final.Mode)
}

func TestHandlerCallToolProxiesToUpstream(t *testing.T) {
	h, caller := newTestHandler(t)
	_, err := h.CallTool(context.Background(), "weather:forecast", map[string]any{"city": "nyc"})
	require.NoError(t, err)
	assert.Contains(t, caller.calls, "weather:forecast")
}

func TestHandlerCallToolRejectsMalformedID(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.CallTool(context.Background(), "not-a-valid-id", nil)
	require.Error(t, err)
}
