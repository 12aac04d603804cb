package dag

import (
	"sync"
	"time"

	"github.com/mcpgate/gateway/api"
)

// PendingStore holds paused workflows by opaque id and sweeps expired ones
// to aborted (spec §4.4.3 Expiry).
type PendingStore struct {
	mu      sync.Mutex
	byID    map[string]*api.PendingWorkflow
	stop    chan struct{}
	stopped bool
}

// NewPendingStore constructs an empty PendingStore. Call StartSweeper to
// begin expiring stale entries.
func NewPendingStore() *PendingStore {
	return &PendingStore{byID: make(map[string]*api.PendingWorkflow)}
}

// Put records pw, replacing any prior entry with the same id.
func (s *PendingStore) Put(pw *api.PendingWorkflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[pw.ID] = pw
}

// Get returns the pending workflow for id, if any.
func (s *PendingStore) Get(id string) (*api.PendingWorkflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.byID[id]
	return pw, ok
}

// Remove deletes id from the store, typically once it has resumed.
func (s *PendingStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// StartSweeper runs a background goroutine that transitions expired
// pending workflows to aborted every interval, until Stop is called.
func (s *PendingStore) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop ends the sweeper goroutine, if running.
func (s *PendingStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil && !s.stopped {
		close(s.stop)
		s.stopped = true
	}
}

func (s *PendingStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pw := range s.byID {
		if now.After(pw.ExpiresAt) {
			pw.State.Mode = api.WorkflowAborted
			pw.State.Messages = append(pw.State.Messages, "expired")
			delete(s.byID, id)
		}
	}
}
