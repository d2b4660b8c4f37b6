package sipas

import "log/slog"

// Scenario is one SIP-side expectation: a match predicate over an incoming
// message and a handler run on match. A scenario stays registered until its
// handler marks it finished. Scenarios carry no cross-call state; each call
// registers its own instances.
type Scenario struct {
	Name   string
	Match  func(msg *Message) bool
	Handle func(msg *Message) error

	finished bool
}

// Finish marks the scenario for removal after the current dispatch pass.
func (s *Scenario) Finish() {
	s.finished = true
}

// Finished reports whether the scenario has completed.
func (s *Scenario) Finished() bool {
	return s.finished
}

// Registry is the ordered per-call scenario list. Dispatch order is
// registration order and every matching scenario runs, not just the first;
// both properties are correctness dependencies for the conversion core.
//
// The registry is not internally locked: it is owned by one call and
// accessed under that call's lock only.
type Registry struct {
	scenarios []*Scenario
	logger    *slog.Logger
}

// NewRegistry creates an empty scenario registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Add appends a scenario to the end of the dispatch order.
func (r *Registry) Add(s *Scenario) {
	r.scenarios = append(r.scenarios, s)
}

// Remove drops a scenario by identity.
func (r *Registry) Remove(s *Scenario) {
	for i, cur := range r.scenarios {
		if cur == s {
			r.scenarios = append(r.scenarios[:i], r.scenarios[i+1:]...)
			return
		}
	}
}

// RemoveByName drops every scenario with the given name.
func (r *Registry) RemoveByName(name string) {
	kept := r.scenarios[:0]
	for _, s := range r.scenarios {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	r.scenarios = kept
}

// RetainOnly drops every scenario whose name is not in keep. Used by the
// dialog-failure hook, which discards everything except the disconnect
// handler.
func (r *Registry) RetainOnly(keep ...string) {
	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}
	kept := r.scenarios[:0]
	for _, s := range r.scenarios {
		if keepSet[s.Name] {
			kept = append(kept, s)
		}
	}
	r.scenarios = kept
}

// Len returns the number of registered scenarios.
func (r *Registry) Len() int {
	return len(r.scenarios)
}

// Names returns the registered scenario names in dispatch order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.scenarios))
	for i, s := range r.scenarios {
		out[i] = s.Name
	}
	return out
}

// Dispatch matches msg against a snapshot of the registered scenarios in
// order, running every match. Handlers may add or remove scenarios and may
// mark themselves or others finished; finished scenarios are removed after
// the pass. Dispatch reports whether at least one scenario matched.
func (r *Registry) Dispatch(msg *Message) bool {
	snapshot := make([]*Scenario, len(r.scenarios))
	copy(snapshot, r.scenarios)

	matched := false
	for _, s := range snapshot {
		if s.finished || !r.registered(s) {
			continue
		}
		if !s.Match(msg) {
			continue
		}
		matched = true
		if err := s.Handle(msg); err != nil {
			r.logger.Warn("sip scenario handler failed",
				"scenario", s.Name,
				"call_id", msg.CallID,
				"error", err,
			)
		}
	}

	// Sweep finished scenarios after the full pass.
	kept := r.scenarios[:0]
	for _, s := range r.scenarios {
		if !s.finished {
			kept = append(kept, s)
		}
	}
	r.scenarios = kept
	return matched
}

func (r *Registry) registered(s *Scenario) bool {
	for _, cur := range r.scenarios {
		if cur == s {
			return true
		}
	}
	return false
}
