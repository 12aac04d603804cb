package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/backoff"
	"github.com/mcpgate/gateway/config"
	"github.com/mcpgate/gateway/errorkind"
	"github.com/mcpgate/gateway/telemetry"
)

// Option configures a Manager.
type Option func(*Manager)

// WithObservability wires logging/metrics/tracing into the manager and
// every session it creates.
func WithObservability(obs telemetry.Observability) Option {
	return func(m *Manager) { m.obs = obs }
}

// Manager owns every configured upstream's Session and exposes the
// uniform call/listTools/shutdown surface described in spec §4.1.
type Manager struct {
	obs telemetry.Observability

	mu          sync.RWMutex
	sessions    map[string]*Session
	descriptors map[api.ToolID]api.Descriptor

	stopHeartbeats chan struct{}
}

// NewManager constructs an empty Manager. Call Start to spawn/connect
// configured upstreams.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		obs:            telemetry.New(nil, nil, nil),
		sessions:       make(map[string]*Session),
		descriptors:    make(map[api.ToolID]api.Descriptor),
		stopHeartbeats: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartResult reports the outcome of starting one configured upstream.
type StartResult struct {
	ServerID string
	Err      error
}

// Start spawns or connects every configured upstream, performs the MCP
// handshake, and lists its tools. A failure on one server is reported in
// the returned slice but never prevents the others from starting (spec
// §4.1: "Failures on any one server are reported but do not prevent
// others from starting").
func (m *Manager) Start(ctx context.Context, cfg config.Config) []StartResult {
	results := make([]StartResult, 0, len(cfg.UpstreamServers))
	for _, spec := range cfg.UpstreamServers {
		err := m.startOne(ctx, spec)
		results = append(results, StartResult{ServerID: spec.ID, Err: err})
		m.obs.LogOperation(ctx, "upstream start", err, "server", spec.ID)
	}
	return results
}

func (m *Manager) startOne(ctx context.Context, spec config.UpstreamServer) error {
	session, err := newSession(ctx, spec, m.obs)
	if err != nil {
		return errorkind.Wrap(errorkind.UpstreamTransport, err, "starting "+spec.ID)
	}

	if err := m.handshake(ctx, session); err != nil {
		_ = session.close(ctx)
		return err
	}

	m.mu.Lock()
	m.sessions[spec.ID] = session
	m.mu.Unlock()

	go session.heartbeatLoop(m.stopHeartbeats)
	go m.superviseRestarts(spec, session)
	return nil
}

// handshake performs MCP initialize then tools/list, merging the result
// into the manager's descriptor set with server attribution.
func (m *Manager) handshake(ctx context.Context, session *Session) error {
	if _, err := session.call(ctx, "initialize", map[string]any{"protocolVersion": "2024-11-05"}); err != nil {
		return errorkind.Wrap(errorkind.UpstreamProtocol, err, "initialize handshake failed for "+session.spec.ID)
	}
	session.setHealth(api.SessionHealthy)
	return m.refreshTools(ctx, session)
}

func (m *Manager) refreshTools(ctx context.Context, session *Session) error {
	raw, err := session.call(ctx, "tools/list", nil)
	if err != nil {
		return errorkind.Wrap(errorkind.UpstreamTransport, err, "tools/list failed for "+session.spec.ID)
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return errorkind.Wrap(errorkind.UpstreamProtocol, err, "malformed tools/list response from "+session.spec.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, td := range list.Tools {
		d := api.Descriptor{
			ServerID:     session.spec.ID,
			Name:         td.Name,
			Description:  td.Description,
			InputSchema:  td.InputSchema,
			ContentHash:  contentHash(td),
			ServerOrigin: session.spec.ID,
		}
		m.descriptors[d.ID()] = d
	}
	return nil
}

func contentHash(td toolDescriptor) string {
	schema, _ := json.Marshal(td.InputSchema)
	return fmt.Sprintf("%x", fnv1a(td.Name+td.Description+string(schema)))
}

// fnv1a is a small non-cryptographic hash used only for change detection
// on tool descriptors, never for security purposes.
func fnv1a(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// ListTools returns the current merged descriptor set with server
// attribution.
func (m *Manager) ListTools() []api.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]api.Descriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		out = append(out, d)
	}
	return out
}

// Call looks up server's session, invokes tool via tools/call, and
// returns the structured result or a typed error (spec §4.1 call
// operation). Concurrent calls to the same session are multiplexed by
// request id inside Session.call.
func (m *Manager) Call(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	m.mu.RLock()
	session, ok := m.sessions[server]
	m.mu.RUnlock()
	if !ok {
		return nil, errorkind.New(errorkind.Dependency, "unknown upstream server: "+server)
	}
	if session.Health() == api.SessionClosed {
		return nil, errorkind.New(errorkind.UpstreamTransport, "session closed: "+server)
	}

	raw, err := session.call(ctx, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		return nil, err
	}
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errorkind.Wrap(errorkind.UpstreamProtocol, err, "malformed tools/call response")
	}
	if result.IsError {
		return nil, errorkind.New(errorkind.UpstreamToolError, tool+" reported failure").
			WithDetails(map[string]any{"content": string(result.Content)})
	}
	if result.Structured != nil {
		return result.Structured, nil
	}
	return result.Content, nil
}

// superviseRestarts watches session for the unhealthy transition and
// restarts it with the spec's exponential backoff, retrying tools/list
// on each successful reconnect.
func (m *Manager) superviseRestarts(spec config.UpstreamServer, session *Session) {
	cfg := restartConfig()
	for {
		<-waitUnhealthy(session, m.stopHeartbeats)
		if session.Health() == api.SessionClosed {
			return
		}

		err := backoff.Do(context.Background(), cfg, func(error) bool { return true }, func(ctx context.Context, attempt int) error {
			t, err := newTransport(ctx, spec)
			if err != nil {
				return err
			}
			session.replaceTransport(t)
			return m.handshake(ctx, session)
		})
		m.obs.LogOperation(context.Background(), "upstream restart", err, "server", spec.ID)
		if err != nil {
			return // attempt budget exhausted; leave session unhealthy
		}
	}
}

// waitUnhealthy returns a channel that closes once session transitions to
// unhealthy, or immediately if it already is.
func waitUnhealthy(session *Session, stop <-chan struct{}) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			if session.Health() == api.SessionUnhealthy || session.Health() == api.SessionClosed {
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

// Shutdown issues MCP shutdown to every session, terminates child
// processes with a grace period, then hard-kills (spec §4.1).
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopHeartbeats)

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var firstErr error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.close(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return firstErr
}
