package sandbox

import "time"

// Result is the envelope returned by a sandbox execution (spec §4.5
// "Result envelope"): the evaluated value, any log lines the worker
// emitted, and basic resource metrics. Populated only on success; a
// failed execution instead returns an *errorkind.Error of kind
// SandboxPermission, SandboxRuntime, SandboxMemory, Timeout, or
// Cancelled.
type Result struct {
	Value   any            `json:"value"`
	Logs    []string       `json:"logs"`
	Metrics Metrics        `json:"metrics"`
	Cached  bool           `json:"-"`
}

// Metrics reports wall-clock usage the host enriches the worker's
// envelope with.
type Metrics struct {
	WallClock time.Duration `json:"wall_clock"`
}

// ExecOptions configures a single sandbox execution.
type ExecOptions struct {
	// Intent, when non-empty, discovers additional allow-listed tools via
	// intent search (spec §4.5 "Tool injection").
	Intent string
	// ExplicitTools are tool ids ("server:tool") allow-listed regardless
	// of intent-search results.
	ExplicitTools []string
	// MaxIntentTools caps how many intent-discovered tools are
	// allow-listed; zero uses the package default.
	MaxIntentTools int
	// DisablePII turns off PII scrubbing for this execution only; PII
	// protection is otherwise on by default (config.SandboxConfig.PIIProtection).
	DisablePII bool
	// SkipCache bypasses both cache lookup and cache population.
	SkipCache bool
}
