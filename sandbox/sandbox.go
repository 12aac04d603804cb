package sandbox

import (
	"context"
	"time"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/config"
	"github.com/mcpgate/gateway/errorkind"
	"github.com/mcpgate/gateway/trace"
)

// Sandbox executes user-supplied code against a fresh worker subprocess
// per call, satisfying dag.CodeExecutor. It owns the result cache and PII
// scrubber; callers configure the tool allow-list per execution via
// ExecOptions.
type Sandbox struct {
	caller   ToolCaller
	searcher ToolSearcher
	cfg      config.SandboxConfig
	cache    *ResultCache
	scrubber *Scrubber
	sink     trace.Sink
}

// New constructs a Sandbox. searcher may be nil if intent-based tool
// discovery is never used (explicit allow-lists only).
func New(caller ToolCaller, searcher ToolSearcher, cfg config.SandboxConfig, cacheCfg config.CacheConfig, sink trace.Sink) *Sandbox {
	var cache *ResultCache
	if cacheCfg.Enabled {
		cache = NewResultCache(cacheCfg.Capacity, cacheCfg.TTL)
	}
	if sink == nil {
		sink = trace.NewMemorySink(0)
	}
	return &Sandbox{caller: caller, searcher: searcher, cfg: cfg, cache: cache, scrubber: NewScrubber(), sink: sink}
}

// Execute runs code against taskContext and returns its result value,
// implementing dag.CodeExecutor with default options (no tool allow-list,
// PII protection per configuration).
func (s *Sandbox) Execute(ctx context.Context, code string, taskContext map[string]any) (any, error) {
	res, err := s.Run(ctx, code, taskContext, ExecOptions{})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Run is Sandbox's full entry point: it resolves the tool allow-list,
// applies PII scrubbing, checks the result cache, spawns a worker, and
// restores PII on the way out.
func (s *Sandbox) Run(ctx context.Context, code string, taskContext map[string]any, opts ExecOptions) (Result, error) {
	allowList, err := s.resolveAllowList(ctx, opts)
	if err != nil {
		return Result{}, err
	}

	piiOn := s.cfg.PIIProtection && !opts.DisablePII
	var tokens TokenMap
	effectiveContext := taskContext
	if piiOn {
		scrubbed, tm := s.scrubber.ScrubValue(toAny(taskContext))
		if m, ok := scrubbed.(map[string]any); ok {
			effectiveContext = m
		}
		tokens = tm
	}

	var cacheKey CacheKey
	if s.cache != nil && !opts.SkipCache {
		cacheKey = HashKey(code, effectiveContext, toolVersions(allowList))
		if cached, ok := s.cache.Get(cacheKey); ok {
			cached.Cached = true
			s.emitCacheHit(ctx, cacheKey)
			if piiOn {
				cached.Value = s.scrubber.Restore(cached.Value, tokens)
			}
			return cached, nil
		}
	}

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	w, err := spawnWorker(runCtx, s.cfg.MemoryLimitBytes)
	if err != nil {
		return Result{}, err
	}
	defer w.close()

	init := workerInit{Code: code, Context: effectiveContext, Tools: toolEntries(allowList)}
	done, err := w.runExecution(runCtx, s.caller, init)
	if err != nil {
		return Result{}, err
	}
	if !done.Success {
		return Result{}, sandboxErrorFromKind(done.ErrKind, done.ErrMsg)
	}

	value := done.Value
	if piiOn {
		value = s.scrubber.Restore(value, tokens)
	}
	result := Result{Value: value, Logs: done.Logs, Metrics: Metrics{WallClock: time.Since(start)}}

	if s.cache != nil && !opts.SkipCache {
		s.cache.Set(cacheKey, result)
	}
	return result, nil
}

func (s *Sandbox) resolveAllowList(ctx context.Context, opts ExecOptions) (*ToolAllowList, error) {
	explicit := make([]api.ToolID, 0, len(opts.ExplicitTools))
	for _, t := range opts.ExplicitTools {
		explicit = append(explicit, api.ToolID(t))
	}
	return BuildAllowList(ctx, s.searcher, explicit, opts.Intent, opts.MaxIntentTools)
}

func (s *Sandbox) emitCacheHit(ctx context.Context, key CacheKey) {
	_ = s.sink.Publish(ctx, api.TraceEvent{
		ID:        trace.NewEventID(),
		Timestamp: time.Now(),
		Kind:      api.TraceToolCall,
		Target:    "sandbox:cache-hit",
		Status:    "cached",
		OutputFP:  string(key),
	})
}

func toolEntries(allowList *ToolAllowList) map[string]workerToolEntry {
	out := make(map[string]workerToolEntry)
	for _, d := range allowList.Descriptors() {
		name := sanitizeIdent(d.ServerID) + "_" + sanitizeIdent(d.Name)
		out[name] = workerToolEntry{Server: d.ServerID, Tool: d.Name}
	}
	return out
}

func toolVersions(allowList *ToolAllowList) map[string]string {
	out := make(map[string]string)
	for _, d := range allowList.Descriptors() {
		out[string(d.ID())] = d.ContentHash
	}
	return out
}

func sanitizeIdent(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func toAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func sandboxErrorFromKind(kind, msg string) error {
	switch kind {
	case "timeout":
		return errorkind.NewTimeout(msg, false)
	case "memory":
		return errorkind.New(errorkind.SandboxMemory, msg)
	case "permission":
		return errorkind.New(errorkind.SandboxPermission, msg)
	case "cancelled":
		return errorkind.New(errorkind.Cancelled, msg)
	default:
		return errorkind.New(errorkind.SandboxRuntime, msg)
	}
}
