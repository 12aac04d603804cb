// Package metatool implements the gateway's public MCP surface: the
// handful of meta-tools the gateway self-reports (search, execute,
// resume/abort/replan) plus transparent proxy dispatch of upstream tools
// addressed as "server:tool" (spec §4.6).
package metatool

import "github.com/mcpgate/gateway/api"

// SearchToolsRequest is the input to the search_tools meta-tool.
type SearchToolsRequest struct {
	Query          string       `json:"query"`
	Limit          int          `json:"limit,omitempty"`
	IncludeRelated bool         `json:"include_related,omitempty"`
	ContextTools   []api.ToolID `json:"context_tools,omitempty"`
}

// SearchResult is one ranked hit from search_tools or search_capabilities.
type SearchResult struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// SearchToolsResponse is the output of search_tools.
type SearchToolsResponse struct {
	Results []SearchResult `json:"results"`
}

// SearchCapabilitiesRequest is the input to the search_capabilities
// meta-tool.
type SearchCapabilitiesRequest struct {
	Intent             string `json:"intent"`
	IncludeSuggestions bool   `json:"include_suggestions,omitempty"`
}

// SearchCapabilitiesResponse is the output of search_capabilities.
type SearchCapabilitiesResponse struct {
	Results []SearchResult `json:"results"`
}

// ExecuteDAGRequest is the input to the execute_dag meta-tool. Exactly
// one of Intent or Workflow should be set: Intent triggers capability
// reuse or synthesis (§4.4.5); Workflow is an explicit task list (§3).
type ExecuteDAGRequest struct {
	Intent             string         `json:"intent,omitempty"`
	Workflow           []api.TaskSpec `json:"workflow,omitempty"`
	PerLayerValidation bool           `json:"per_layer_validation,omitempty"`
	ContinueOnError    bool           `json:"continue_on_error,omitempty"`
}

// ExecuteDAGResponse is the output of execute_dag: either a terminal
// workflow state or an approval_required envelope.
type ExecuteDAGResponse struct {
	WorkflowID       string            `json:"workflow_id"`
	Mode             api.WorkflowMode  `json:"mode"`
	TaskOutputs      map[string]any    `json:"task_outputs,omitempty"`
	ApprovalRequired *ApprovalRequired `json:"approval_required,omitempty"`
}

// ApprovalRequired describes a paused workflow awaiting a resume
// operation, per spec §4.4.3.
type ApprovalRequired struct {
	WorkflowID   string        `json:"workflow_id"`
	PauseKind    api.PauseKind `json:"pause_kind"`
	CheckpointID string        `json:"checkpoint_id,omitempty"`
	ExpiresAt    string        `json:"expires_at"`
}

// ExecuteCodeRequest is the input to the execute_code meta-tool.
type ExecuteCodeRequest struct {
	Code          string         `json:"code"`
	Intent        string         `json:"intent,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	ExplicitTools []string       `json:"explicit_tools,omitempty"`
	DisablePII    bool           `json:"disable_pii,omitempty"`
	SkipCache     bool           `json:"skip_cache,omitempty"`
}

// ExecuteCodeResponse is the output of execute_code.
type ExecuteCodeResponse struct {
	Value  any      `json:"value"`
	Logs   []string `json:"logs"`
	Cached bool     `json:"cached"`
}

// ContinueRequest resumes a paused workflow.
type ContinueRequest struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason,omitempty"`
}

// AbortRequest terminates a paused workflow.
type AbortRequest struct {
	WorkflowID string `json:"workflow_id"`
	Reason     string `json:"reason"`
}

// ReplanRequest requests a mid-flight DAG splice (spec §4.4.4).
type ReplanRequest struct {
	WorkflowID     string         `json:"workflow_id"`
	NewRequirement string         `json:"new_requirement"`
	Context        map[string]any `json:"context,omitempty"`
}

// ApprovalResponseRequest resumes a human-checkpoint pause.
type ApprovalResponseRequest struct {
	WorkflowID   string `json:"workflow_id"`
	CheckpointID string `json:"checkpoint_id"`
	Approved     bool   `json:"approved"`
	Feedback     string `json:"feedback,omitempty"`
}
