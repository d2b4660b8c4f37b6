package sipas

import (
	"sync"
	"time"
)

// Instance is one application-server endpoint.
type Instance struct {
	Name      string
	Host      string
	Port      int
	Transport string
}

// Chain is an ordered list of application-server candidates for one
// routing rule. Position 0 is tried first; failover walks forward.
type Chain struct {
	Name      string
	Instances []Instance
}

// Selector tracks application-server availability across calls. An
// instance marked unavailable is skipped until the cooldown elapses.
// Selector is shared by every call and is internally locked.
type Selector struct {
	mu          sync.Mutex
	unavailable map[string]time.Time
	cooldown    time.Duration
	nowFunc     func() time.Time
}

// NewSelector creates a selector with the given unavailability cooldown.
func NewSelector(cooldown time.Duration) *Selector {
	return &Selector{
		unavailable: make(map[string]time.Time),
		cooldown:    cooldown,
		nowFunc:     time.Now,
	}
}

// MarkUnavailable records that the instance failed to answer; it is
// skipped by Next until the cooldown expires.
func (s *Selector) MarkUnavailable(inst Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable[inst.Name] = s.nowFunc().Add(s.cooldown)
}

// Available reports whether the instance may currently be tried.
func (s *Selector) Available(inst Instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, marked := s.unavailable[inst.Name]
	if !marked {
		return true
	}
	if s.nowFunc().After(until) {
		delete(s.unavailable, inst.Name)
		return true
	}
	return false
}

// Next returns the first available instance of the chain at or after pos,
// together with its position. ok is false when no candidate remains.
func (s *Selector) Next(chain *Chain, pos int) (Instance, int, bool) {
	for i := pos; i < len(chain.Instances); i++ {
		if s.Available(chain.Instances[i]) {
			return chain.Instances[i], i, true
		}
	}
	return Instance{}, 0, false
}
