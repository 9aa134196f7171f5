// Package service describes the public surface of an engine component so
// that transports and tooling can discover it without reflection.
package service

import "slices"

// Kind separates operations that change state from read-only queries.
type Kind string

const (
	KindCommand Kind = "command"
	KindQuery   Kind = "query"
)

// Operation is one entry point of a component.
type Operation struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Descriptor advertises a component and its operations.
type Descriptor struct {
	Name       string      `json:"name"`
	Domain     string      `json:"domain"`
	Operations []Operation `json:"operations"`
}

// WithOperations returns a copy of the descriptor with ops appended.
func (d Descriptor) WithOperations(ops ...Operation) Descriptor {
	if len(ops) == 0 {
		return d
	}
	d.Operations = append(slices.Clone(d.Operations), ops...)
	return d
}

// Commands returns the names of the state-changing operations.
func (d Descriptor) Commands() []string {
	var out []string
	for _, op := range d.Operations {
		if op.Kind == KindCommand {
			out = append(out, op.Name)
		}
	}
	return out
}

// Has reports whether name is one of the advertised operations.
func (d Descriptor) Has(name string) bool {
	return slices.ContainsFunc(d.Operations, func(op Operation) bool { return op.Name == name })
}
