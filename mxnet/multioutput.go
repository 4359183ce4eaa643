package mxnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// MultiOutputRegistry records the graph nodes of each output of the lowered multi-output operators,
// so every consumer of the same output gets the same node.
//
// It is not safe for concurrent use.
type MultiOutputRegistry struct {
	outputs map[NodeID][]*Node
}

// NewMultiOutputRegistry creates an empty registry.
func NewMultiOutputRegistry() *MultiOutputRegistry {
	return &MultiOutputRegistry{outputs: make(map[NodeID][]*Node)}
}

// Register the outputs of the operator id. An operator can only be registered once.
func (r *MultiOutputRegistry) Register(id NodeID, outputs []*Node) error {
	if _, found := r.outputs[id]; found {
		return invalidGraphf("outputs of node #%d already registered", id)
	}
	if len(outputs) == 0 {
		return invalidGraphf("no outputs given to register for node #%d", id)
	}
	for ii, output := range outputs {
		if output == nil {
			return invalidGraphf("output #%d of node #%d is nil", ii, id)
		}
	}
	r.outputs[id] = append([]*Node(nil), outputs...)
	return nil
}

// Has returns whether id has been registered.
func (r *MultiOutputRegistry) Has(id NodeID) bool {
	_, found := r.outputs[id]
	return found
}

// Len returns the number of outputs registered for id, or 0 if it was not registered.
func (r *MultiOutputRegistry) Len(id NodeID) int {
	return len(r.outputs[id])
}

// Get returns the output index of the operator id.
// It fails with ErrInvalidGraph if id was never registered or if index is out of range.
func (r *MultiOutputRegistry) Get(id NodeID, index int) (*Node, error) {
	outputs, found := r.outputs[id]
	if !found {
		return nil, invalidGraphf("node #%d has no registered outputs", id)
	}
	if index < 0 || index >= len(outputs) {
		return nil, invalidGraphf("output index %d out of range for node #%d with %d outputs", index, id, len(outputs))
	}
	return outputs[index], nil
}
