package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/backoff"
	"github.com/mcpgate/gateway/config"
	"github.com/mcpgate/gateway/errorkind"
	"github.com/mcpgate/gateway/telemetry"
)

// pendingOutcome is what the reader loop delivers to a waiting call: either
// the matching rpcResponse, or a transportErr when the connection itself
// failed before a response ever arrived. Keeping these distinct lets call
// report UPSTREAM_TRANSPORT (retryable) rather than mislabeling a dropped
// connection as the remote tool's own failure.
type pendingOutcome struct {
	resp         rpcResponse
	transportErr error
}

// pendingRequest is a single in-flight request awaiting its matching
// response, completed exactly once by the reader loop.
type pendingRequest struct {
	done chan pendingOutcome
}

// Session owns one upstream MCP server's connection: a single writer, a
// single reader demuxing by request id, and the health/restart state
// machine described in spec §4.1.
type Session struct {
	spec config.UpstreamServer
	obs  telemetry.Observability

	transportMu sync.Mutex
	transport   frameTransport

	sendMu sync.Mutex // serializes writeFrame calls, per spec's "per-session send mutex"

	nextID int64 // atomic

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest

	healthMu sync.RWMutex
	health   api.SessionHealth

	lastSeenMu sync.RWMutex
	lastSeen   time.Time

	notifications chan Notification

	closeOnce sync.Once
	closed    chan struct{}

	restartAttempts int
}

// newSession connects or spawns spec's upstream and starts its reader
// loop. The caller must run Manager.handshake afterward to complete MCP
// initialize and tools/list.
func newSession(ctx context.Context, spec config.UpstreamServer, obs telemetry.Observability) (*Session, error) {
	t, err := newTransport(ctx, spec)
	if err != nil {
		return nil, err
	}
	return newSessionWithTransport(t, spec, obs), nil
}

// newSessionWithTransport builds a session around an already-connected
// transport, factored out so tests can inject a fake transport without
// spawning a real subprocess or HTTP server.
func newSessionWithTransport(t frameTransport, spec config.UpstreamServer, obs telemetry.Observability) *Session {
	s := &Session{
		spec:          spec,
		obs:           obs,
		transport:     t,
		pending:       make(map[int64]*pendingRequest),
		health:        api.SessionStarting,
		notifications: make(chan Notification, 32),
		closed:        make(chan struct{}),
	}
	s.touch()
	go s.readLoop()
	return s
}

func (s *Session) touch() {
	s.lastSeenMu.Lock()
	s.lastSeen = time.Now()
	s.lastSeenMu.Unlock()
}

// LastSeen returns the instant of the last successfully processed frame.
func (s *Session) LastSeen() time.Time {
	s.lastSeenMu.RLock()
	defer s.lastSeenMu.RUnlock()
	return s.lastSeen
}

// Health returns the session's current health state.
func (s *Session) Health() api.SessionHealth {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.health
}

func (s *Session) setHealth(h api.SessionHealth) {
	s.healthMu.Lock()
	s.health = h
	s.healthMu.Unlock()
}

// Notifications exposes the per-session notification sink (spec §4.1:
// "notifications... are routed to a per-session notification sink").
func (s *Session) Notifications() <-chan Notification { return s.notifications }

// send writes req over the transport, serialized by sendMu so concurrent
// callers on the same session never interleave partial frames.
func (s *Session) send(req rpcRequest) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.transportMu.Lock()
	t := s.transport
	s.transportMu.Unlock()
	return t.writeFrame(req)
}

// call allocates a request id, writes method/params, and awaits the
// matching response up to ctx's deadline (spec §4.1 call operation).
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&s.nextID, 1)
	pr := &pendingRequest{done: make(chan pendingOutcome, 1)}

	s.pendingMu.Lock()
	s.pending[id] = pr
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.send(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, errorkind.Wrap(errorkind.UpstreamTransport, err, "writing request")
	}

	select {
	case <-ctx.Done():
		return nil, errorkind.NewTimeout(fmt.Sprintf("%s: %v", method, ctx.Err()), true)
	case <-s.closed:
		return nil, errorkind.New(errorkind.UpstreamTransport, "session closed while awaiting response")
	case outcome := <-pr.done:
		if outcome.transportErr != nil {
			return nil, outcome.transportErr
		}
		resp := outcome.resp
		if resp.Error != nil {
			return nil, errorkind.New(errorkind.UpstreamToolError, resp.Error.Message).
				WithDetails(map[string]any{"code": resp.Error.Code})
		}
		return resp.Result, nil
	}
}

// readLoop demultiplexes inbound frames by id (spec §4.1: "The reader
// demuxes by id into per-request completion signals; notifications (no
// id) are routed to a per-session notification sink"). On any read error
// it marks the session unhealthy and fails every pending request, then
// returns; a supervised caller restarts the session.
func (s *Session) readLoop() {
	for {
		s.transportMu.Lock()
		t := s.transport
		s.transportMu.Unlock()

		raw, err := t.readFrame()
		if err != nil {
			s.failAllPending(errorkind.Wrap(errorkind.UpstreamTransport, err, "read error"))
			s.setHealth(api.SessionUnhealthy)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			s.obs.Logger.Warn(context.Background(), "upstream: malformed frame", "server", s.spec.ID, "error", err.Error())
			continue
		}
		s.touch()

		if resp.isNotification() {
			select {
			case s.notifications <- Notification{Method: resp.Method, Params: resp.Params}:
			default:
			}
			continue
		}

		s.pendingMu.Lock()
		pr, ok := s.pending[resp.ID]
		s.pendingMu.Unlock()
		if !ok {
			continue // response to a request we've already given up on (timeout)
		}
		select {
		case pr.done <- pendingOutcome{resp: resp}:
		default:
		}
	}
}

func (s *Session) failAllPending(cause error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for _, pr := range s.pending {
		select {
		case pr.done <- pendingOutcome{transportErr: cause}:
		default:
		}
	}
}

// replaceTransport swaps in a freshly (re)connected transport after a
// restart, resetting health to starting.
func (s *Session) replaceTransport(t frameTransport) {
	s.transportMu.Lock()
	s.transport = t
	s.transportMu.Unlock()
	s.setHealth(api.SessionStarting)
	go s.readLoop()
}

// close shuts the session down: issues MCP shutdown best-effort, then
// closes the transport. The shutdown call is bounded by its own deadline
// so an unresponsive upstream can never wedge close itself.
func (s *Session) close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, _ = s.call(shutdownCtx, "shutdown", nil)
		cancel()
		close(s.closed)
		s.transportMu.Lock()
		t := s.transport
		s.transportMu.Unlock()
		err = t.close()
		s.setHealth(api.SessionClosed)
	})
	return err
}

// restartConfig bounds restart attempts with spec's 250ms/30s/jittered
// backoff (spec §4.1 Health & restart).
func restartConfig() backoff.Config {
	return backoff.SessionRestartConfig(10)
}
