package workflow

import (
	"fmt"
)

type (
	// Graph is the derived transition structure of a machine's top level. It
	// is the shape the control plane persists in workflow metadata.
	Graph struct {
		// States lists all state names in machine order.
		States []string
		// Deps maps each state to its direct neighbors.
		Deps map[string]Dep
		// Source lists states with no upstream, in machine order.
		Source []string
		// Terminal lists states that end the machine, in machine order.
		Terminal []string
	}

	// Dep lists a state's direct neighbors in the transition graph.
	Dep struct {
		Upstream   []string `json:"upstream"`
		Downstream []string `json:"downstream"`
	}
)

// NewGraph derives the transition graph of the machine's top level. Targets
// naming unknown states are ignored here; the validator reports them.
func NewGraph(m Machine) (*Graph, error) {
	if len(m.States) == 0 {
		return nil, ErrNoStates
	}
	if m.StartAt == "" {
		return nil, ErrNoStart
	}
	if _, ok := m.States[m.StartAt]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoStart, m.StartAt)
	}

	names := m.StateNames()
	deps := make(map[string]Dep, len(names))
	for _, n := range names {
		deps[n] = Dep{Upstream: []string{}, Downstream: []string{}}
	}
	for _, n := range names {
		for _, target := range m.States[n].Targets() {
			if _, ok := deps[target]; !ok {
				continue
			}
			from := deps[n]
			from.Downstream = append(from.Downstream, target)
			deps[n] = from
			to := deps[target]
			to.Upstream = append(to.Upstream, n)
			deps[target] = to
		}
	}

	g := &Graph{States: names, Deps: deps}
	for _, n := range names {
		if len(deps[n].Upstream) == 0 {
			g.Source = append(g.Source, n)
		}
		if m.States[n].IsTerminal() {
			g.Terminal = append(g.Terminal, n)
		}
	}
	return g, nil
}

// Unreferenced returns the states no other state transitions to, excluding
// StartAt, in machine order. On a validated machine these are unreachable.
func (m Machine) Unreferenced() []string {
	referenced := make(map[string]bool)
	for _, s := range m.States {
		for _, t := range s.Targets() {
			referenced[t] = true
		}
	}
	var out []string
	for _, n := range m.StateNames() {
		if n == m.StartAt || referenced[n] {
			continue
		}
		out = append(out, n)
	}
	return out
}
