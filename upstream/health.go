package upstream

import (
	"context"
	"time"

	"github.com/mcpgate/gateway/api"
)

// defaultHeartbeatInterval and defaultHeartbeatMisses bound the local
// ping-style health check added on top of the spec's base design: a
// session with a heartbeat method goes unhealthy after missing
// defaultHeartbeatMisses consecutive beats, faster than waiting for a
// per-call deadline to expire.
const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatMisses   = 3
)

// heartbeatLoop periodically issues a lightweight MCP request (tools/list
// with no side effects) to confirm the session is still responsive, and
// marks it unhealthy after consecutive misses. It exits when stop fires.
func (s *Session) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(defaultHeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-s.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), defaultHeartbeatInterval/2)
			_, err := s.call(ctx, "tools/list", nil)
			cancel()
			if err != nil {
				misses++
				if misses >= defaultHeartbeatMisses {
					s.setHealth(api.SessionUnhealthy)
				}
				continue
			}
			misses = 0
		}
	}
}
