package lifecycle

import "sync"

// signals wakes workers blocked in Checkpoint when their job changes state
// in this process. Changes made elsewhere are picked up by polling.
type signals struct {
	mu sync.Mutex
	ch map[string]chan struct{}
}

func newSignals() *signals {
	return &signals{ch: make(map[string]chan struct{})}
}

// wait returns a channel closed on the next notify for jobID.
func (s *signals) wait(jobID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.ch[jobID]
	if !ok {
		c = make(chan struct{})
		s.ch[jobID] = c
	}
	return c
}

func (s *signals) notify(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.ch[jobID]; ok {
		close(c)
		delete(s.ch, jobID)
	}
}

func (s *signals) forget(jobID string) {
	s.notify(jobID)
}
