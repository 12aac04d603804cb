// Package api defines the data model shared across every gateway subsystem:
// tool descriptors, capabilities, graph node/edge kinds, DAG task and
// workflow state, pending-workflow records, upstream session metadata, and
// trace events. Every subsystem imports this package rather than defining
// its own copy, so wire and in-process representations never drift.
package api

import "time"

// ToolID is the canonical identity of a tool: "server:tool".
type ToolID string

// Descriptor describes a single upstream tool. Identity is the pair
// (ServerID, Name) rendered as ToolID "server:name". Immutable while the
// owning upstream connection exists.
type Descriptor struct {
	ServerID    string
	Name        string
	Description string
	InputSchema map[string]any
	ContentHash string
	// ServerOrigin names the gateway (local, or a federated peer's id)
	// that owns this descriptor.
	ServerOrigin string
	// Federated is true when the descriptor was imported from a peer
	// gateway's registry rather than discovered locally.
	Federated bool
}

// ID returns the descriptor's canonical "server:tool" identity.
func (d Descriptor) ID() ToolID {
	return ToolID(d.ServerID + ":" + d.Name)
}

// Capability is a learned, reusable plan: an intent description plus a
// sequence or sub-DAG of tool invocations, with usage statistics.
type Capability struct {
	ID          string
	Intent      string
	Plan        []TaskSpec
	SuccessRate float64
	ReuseCount  int64
	ContentHash string
}

// NodeKind distinguishes the two kinds of graph nodes.
type NodeKind string

const (
	NodeTool       NodeKind = "tool"
	NodeCapability NodeKind = "capability"
)

// EdgeKind distinguishes the four graph edge kinds, each with its own
// weight-update semantics (see the graph package).
type EdgeKind string

const (
	EdgeSequence   EdgeKind = "sequence"
	EdgeContains   EdgeKind = "contains"
	EdgeDependency EdgeKind = "dependency"
	EdgeRelated    EdgeKind = "related"
)

// TaskKind is the closed tagged-variant of DAG task kinds. Adding a new
// kind requires an explicit case everywhere tasks are dispatched.
type TaskKind string

const (
	TaskToolCall         TaskKind = "tool-call"
	TaskCodeExecution    TaskKind = "code-execution"
	TaskCapabilityInvoke TaskKind = "capability-invoke"
	TaskSubDAG           TaskKind = "sub-dag"
	// TaskCheckpoint is an explicit human-approval checkpoint (spec
	// §4.4.3): the engine pauses here regardless of per-layer validation
	// settings and resumes via approval_response.
	TaskCheckpoint TaskKind = "checkpoint"
)

// TaskStatus is the lifecycle state of a single DAG task within a running
// workflow.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// WorkflowMode is the overall lifecycle state of a workflow instance.
type WorkflowMode string

const (
	WorkflowRunning               WorkflowMode = "running"
	WorkflowPausedForValidation   WorkflowMode = "paused-for-validation"
	WorkflowPausedForApproval     WorkflowMode = "paused-for-approval"
	WorkflowCompleted             WorkflowMode = "completed"
	WorkflowAborted               WorkflowMode = "aborted"
	WorkflowFailed                WorkflowMode = "failed"
)

// TaskSpec is a declared task within a plan, as submitted by a caller or
// expanded from a capability. InputArgs may contain output references of
// the form "$tid" or "$tid.path".
type TaskSpec struct {
	ID         string
	Kind       TaskKind
	Target     string
	InputArgs  map[string]any
	DependsOn  []string
	Guard      string
	Metadata   map[string]any
}

// TaskResult is the recorded outcome of one task execution.
type TaskResult struct {
	TaskID   string
	Status   TaskStatus
	Output   any
	Err      error
	Duration time.Duration
}

// PauseKind enumerates the three ways a workflow can pause, matching the
// table in the engine's design.
type PauseKind string

const (
	PausePerLayerValidation PauseKind = "per_layer"
	PauseDependencyApproval PauseKind = "dependency"
	PauseHumanCheckpoint    PauseKind = "checkpoint"
)

// WorkflowState is the full state of a workflow instance: its immutable
// plan, per-task status/output, current layer, and mode.
type WorkflowState struct {
	ID            string
	Plan          []TaskSpec
	TaskStatus    map[string]TaskStatus
	TaskOutputs   map[string]any
	TaskErrors    map[string]error
	CurrentLayer  int
	Messages      []string
	CreatedAt     time.Time
	LastActivity  time.Time
	Mode          WorkflowMode
	ExecutedPath  []string
}

// PendingWorkflow is a paused workflow addressable by an opaque id.
type PendingWorkflow struct {
	ID               string
	State            WorkflowState
	PauseKind        PauseKind
	OriginRequestID  string
	CheckpointID     string
	ExpiresAt        time.Time
}

// SessionHealth is the health state of an upstream session.
type SessionHealth string

const (
	SessionStarting  SessionHealth = "starting"
	SessionHealthy   SessionHealth = "healthy"
	SessionUnhealthy SessionHealth = "unhealthy"
	SessionClosed    SessionHealth = "closed"
)

// TraceEventKind enumerates the kinds of observable actions recorded in
// the trace stream.
type TraceEventKind string

const (
	TraceExecStart        TraceEventKind = "exec-start"
	TraceToolCall          TraceEventKind = "tool-call"
	TraceCapabilityInvoke  TraceEventKind = "capability-invoke"
	TraceError             TraceEventKind = "error"
	TraceExecEnd           TraceEventKind = "exec-end"
)

// TraceEvent is a single append-only record of an observable action.
type TraceEvent struct {
	ID         string
	ParentID   string
	RootID     string
	Timestamp  time.Time
	Duration   time.Duration
	Kind       TraceEventKind
	Target     string
	InputFP    string
	OutputFP   string
	Status     string
}
