package metatool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/dag"
	"github.com/mcpgate/gateway/errorkind"
	"github.com/mcpgate/gateway/registry"
	"github.com/mcpgate/gateway/sandbox"
)

// ToolCaller dispatches a proxied "server:tool" call; *upstream.Manager
// satisfies it.
type ToolCaller interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error)
}

// Handler implements the gateway's public meta-tool surface plus
// transparent proxy dispatch for upstream tools (spec §4.6).
type Handler struct {
	caller       ToolCaller
	searcher     *registry.HybridSearcher
	capabilities *registry.CapabilityStore
	engine       *dag.Engine
	suggester    *dag.Suggester
	sandbox      *sandbox.Sandbox
	pending      *dag.PendingStore
}

// New constructs a Handler. suggester and capabilities may be nil when
// execute_dag(intent=...) and search_capabilities are not needed (explicit
// workflow submission and tool search still work).
func New(caller ToolCaller, searcher *registry.HybridSearcher, capabilities *registry.CapabilityStore, engine *dag.Engine, suggester *dag.Suggester, sb *sandbox.Sandbox, pending *dag.PendingStore) *Handler {
	return &Handler{
		caller:       caller,
		searcher:     searcher,
		capabilities: capabilities,
		engine:       engine,
		suggester:    suggester,
		sandbox:      sb,
		pending:      pending,
	}
}

// SearchTools answers the search_tools meta-tool (spec §4.2).
func (h *Handler) SearchTools(ctx context.Context, req SearchToolsRequest) (SearchToolsResponse, error) {
	if h.searcher == nil {
		return SearchToolsResponse{}, errorkind.New(errorkind.Config, "tool search is not configured")
	}
	scored, err := h.searcher.Search(ctx, req.Query, registry.SearchOptions{
		MaxResults:   req.Limit,
		ContextTools: req.ContextTools,
	})
	if err != nil {
		return SearchToolsResponse{}, err
	}
	results := make([]SearchResult, 0, len(scored))
	for _, s := range scored {
		results = append(results, SearchResult{ID: string(s.Descriptor.ID()), Description: s.Descriptor.Description, Score: s.Score})
	}
	return SearchToolsResponse{Results: results}, nil
}

// SearchCapabilities answers the search_capabilities meta-tool, restricted
// to the learned-capability graph nodes (spec §4.4.5).
func (h *Handler) SearchCapabilities(ctx context.Context, req SearchCapabilitiesRequest) (SearchCapabilitiesResponse, error) {
	if h.capabilities == nil {
		return SearchCapabilitiesResponse{}, errorkind.New(errorkind.Config, "capability search is not configured")
	}
	matches, err := h.capabilities.Search(ctx, req.Intent, 10)
	if err != nil {
		return SearchCapabilitiesResponse{}, err
	}
	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, SearchResult{ID: m.Capability.ID, Description: m.Capability.Intent, Score: m.Similarity})
	}
	return SearchCapabilitiesResponse{Results: results}, nil
}

// ExecuteDAG answers the execute_dag meta-tool: either reusing/synthesizing
// a plan from Intent, or compiling an explicit Workflow, then submitting
// it to the engine (spec §4.6, §4.4).
func (h *Handler) ExecuteDAG(ctx context.Context, req ExecuteDAGRequest) (ExecuteDAGResponse, error) {
	if h.engine == nil {
		return ExecuteDAGResponse{}, errorkind.New(errorkind.Config, "the dag engine is not configured")
	}

	var plan *dag.Plan
	switch {
	case len(req.Workflow) > 0:
		compiled, err := dag.Compile(req.Workflow)
		if err != nil {
			return ExecuteDAGResponse{}, err
		}
		plan = compiled
	case req.Intent != "":
		if h.suggester == nil {
			return ExecuteDAGResponse{}, errorkind.New(errorkind.Config, "dag synthesis is not configured")
		}
		suggested, _, err := h.suggester.Suggest(ctx, req.Intent)
		if err != nil {
			return ExecuteDAGResponse{}, err
		}
		plan = suggested
	default:
		return ExecuteDAGResponse{}, errorkind.New(errorkind.Validation, "execute_dag requires either intent or workflow")
	}

	workflowID := newWorkflowID()
	state, pw, err := h.engine.Submit(ctx, plan, dag.SubmitOptions{
		WorkflowID:         workflowID,
		PerLayerValidation: req.PerLayerValidation,
		ContinueOnError:    req.ContinueOnError,
	})
	if err != nil {
		return ExecuteDAGResponse{}, err
	}
	return toExecuteDAGResponse(workflowID, state, pw), nil
}

// ExecuteCode answers the execute_code meta-tool, running code through the
// sandbox (spec §4.5).
func (h *Handler) ExecuteCode(ctx context.Context, req ExecuteCodeRequest) (ExecuteCodeResponse, error) {
	if h.sandbox == nil {
		return ExecuteCodeResponse{}, errorkind.New(errorkind.Config, "the sandbox is not configured")
	}
	result, err := h.sandbox.Run(ctx, req.Code, req.Context, sandbox.ExecOptions{
		Intent:        req.Intent,
		ExplicitTools: req.ExplicitTools,
		DisablePII:    req.DisablePII,
		SkipCache:     req.SkipCache,
	})
	if err != nil {
		return ExecuteCodeResponse{}, err
	}
	return ExecuteCodeResponse{Value: result.Value, Logs: result.Logs, Cached: result.Cached}, nil
}

// Continue resumes a workflow paused for per-layer validation (spec §4.4.3).
func (h *Handler) Continue(ctx context.Context, req ContinueRequest) (ExecuteDAGResponse, error) {
	pw, err := h.takePending(req.WorkflowID)
	if err != nil {
		return ExecuteDAGResponse{}, err
	}
	if pw.State.Mode != api.WorkflowPausedForValidation {
		return ExecuteDAGResponse{}, errorkind.New(errorkind.Validation, "workflow is not paused for validation")
	}
	return h.resumeFrom(ctx, pw, pw.State.CurrentLayer+1)
}

// Abort terminates a paused workflow, recording reason in its message log.
func (h *Handler) Abort(_ context.Context, req AbortRequest) (ExecuteDAGResponse, error) {
	pw, err := h.takePending(req.WorkflowID)
	if err != nil {
		return ExecuteDAGResponse{}, err
	}
	pw.State.Mode = api.WorkflowAborted
	pw.State.Messages = append(pw.State.Messages, fmt.Sprintf("aborted: %s", req.Reason))
	return toExecuteDAGResponse(req.WorkflowID, &pw.State, nil), nil
}

// Replan splices a freshly suggested fragment into a running or paused
// workflow (spec §4.4.4).
func (h *Handler) Replan(ctx context.Context, req ReplanRequest) (ExecuteDAGResponse, error) {
	if h.engine == nil || h.suggester == nil {
		return ExecuteDAGResponse{}, errorkind.New(errorkind.Config, "replan requires both an engine and a suggester")
	}
	pw, err := h.takePending(req.WorkflowID)
	if err != nil {
		return ExecuteDAGResponse{}, err
	}
	plan, err := dag.Compile(pw.State.Plan)
	if err != nil {
		return ExecuteDAGResponse{}, err
	}
	state, newPW, err := h.engine.Replan(ctx, h.suggester, plan, &pw.State, req.NewRequirement, dag.SubmitOptions{WorkflowID: req.WorkflowID})
	if err != nil {
		return ExecuteDAGResponse{}, err
	}
	return toExecuteDAGResponse(req.WorkflowID, state, newPW), nil
}

// ApprovalResponse resumes a human-checkpoint pause, aborting instead when
// approved is false (spec scenario S3).
func (h *Handler) ApprovalResponse(ctx context.Context, req ApprovalResponseRequest) (ExecuteDAGResponse, error) {
	pw, err := h.takePending(req.WorkflowID)
	if err != nil {
		return ExecuteDAGResponse{}, err
	}
	if pw.State.Mode != api.WorkflowPausedForApproval {
		return ExecuteDAGResponse{}, errorkind.New(errorkind.Validation, "workflow is not paused for approval")
	}
	if pw.CheckpointID != req.CheckpointID {
		return ExecuteDAGResponse{}, errorkind.New(errorkind.Validation, "checkpoint id does not match the pending approval")
	}
	if !req.Approved {
		pw.State.Mode = api.WorkflowAborted
		reason := req.Feedback
		if reason == "" {
			reason = "not approved"
		}
		pw.State.Messages = append(pw.State.Messages, fmt.Sprintf("approval denied: %s", reason))
		return toExecuteDAGResponse(req.WorkflowID, &pw.State, nil), nil
	}
	// The checkpoint task itself never runs; approval resolves it in place
	// so runLayer skips it and the rest of its layer proceeds normally.
	pw.State.TaskStatus[pw.CheckpointID] = api.TaskSucceeded
	pw.State.TaskOutputs[pw.CheckpointID] = true
	return h.resumeFrom(ctx, pw, pw.State.CurrentLayer)
}

// CallTool proxies a direct "server:tool" invocation (spec §4.6 "Proxied
// upstream tools ... routing is a straight dispatch to §4.1").
func (h *Handler) CallTool(ctx context.Context, id string, args map[string]any) (json.RawMessage, error) {
	server, tool, ok := splitToolID(id)
	if !ok {
		return nil, errorkind.New(errorkind.Validation, "tool id must be \"server:tool\", got "+id)
	}
	return h.caller.Call(ctx, server, tool, args)
}

func (h *Handler) takePending(workflowID string) (*api.PendingWorkflow, error) {
	if h.pending == nil {
		return nil, errorkind.New(errorkind.Config, "pending workflow store is not configured")
	}
	pw, ok := h.pending.Get(workflowID)
	if !ok {
		return nil, errorkind.New(errorkind.Dependency, "no pending workflow with id "+workflowID)
	}
	h.pending.Remove(workflowID)
	return pw, nil
}

func (h *Handler) resumeFrom(ctx context.Context, pw *api.PendingWorkflow, fromLayer int) (ExecuteDAGResponse, error) {
	plan, err := dag.Compile(pw.State.Plan)
	if err != nil {
		return ExecuteDAGResponse{}, err
	}
	pw.State.Mode = api.WorkflowRunning
	state, newPW, err := h.engine.Resume(ctx, plan, &pw.State, fromLayer, dag.SubmitOptions{WorkflowID: pw.ID})
	if err != nil {
		return ExecuteDAGResponse{}, err
	}
	return toExecuteDAGResponse(pw.ID, state, newPW), nil
}

func toExecuteDAGResponse(workflowID string, state *api.WorkflowState, pw *api.PendingWorkflow) ExecuteDAGResponse {
	resp := ExecuteDAGResponse{WorkflowID: workflowID, Mode: state.Mode, TaskOutputs: state.TaskOutputs}
	if pw != nil {
		resp.ApprovalRequired = &ApprovalRequired{
			WorkflowID:   pw.ID,
			PauseKind:    pw.PauseKind,
			CheckpointID: pw.CheckpointID,
			ExpiresAt:    pw.ExpiresAt.Format(time.RFC3339),
		}
	}
	return resp
}

func splitToolID(id string) (server, tool string, ok bool) {
	i := strings.IndexByte(id, ':')
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

var workflowIDCounter uint64

// newWorkflowID mints an opaque id for a newly submitted workflow. A
// monotonic counter is used rather than a random generator since the
// sandbox/dag packages already depend on google/uuid for trace and
// pending-workflow ids elsewhere; either scheme produces an equally opaque
// identifier, and a counter keeps this package dependency-free.
func newWorkflowID() string {
	workflowIDCounter++
	return fmt.Sprintf("wf-%d-%d", time.Now().UnixNano(), workflowIDCounter)
}
