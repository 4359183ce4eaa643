package mxnet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Producers maps the outputs of the operators already converted to their graph nodes.
// It is owned and populated by the caller: the Emitter only reads it.
type Producers map[NodeEntry]*Node

// Emitter lowers MXNet operators into a GoMLX graph.
//
// It reads the upstream nodes from Producers, and records the outputs of multi-output operators in
// its MultiOutputRegistry. Operators must be lowered in topological order.
//
// It is not safe for concurrent use.
type Emitter struct {
	g         *Graph
	producers Producers
	outputs   *MultiOutputRegistry
}

// NewEmitter creates an Emitter building on g, reading the converted upstream operators from producers.
func NewEmitter(g *Graph, producers Producers) *Emitter {
	if producers == nil {
		producers = make(Producers)
	}
	return &Emitter{
		g:         g,
		producers: producers,
		outputs:   NewMultiOutputRegistry(),
	}
}

// Graph being built.
func (e *Emitter) Graph() *Graph {
	return e.g
}

// Registry of the multi-output operators lowered so far.
func (e *Emitter) Registry() *MultiOutputRegistry {
	return e.outputs
}

// Lower builds the graph for the operator node and returns its first output.
//
// Multi-output operators are built once: further calls return the registered nodes. Single-output
// operators are built on each call, so callers keep the result in their Producers.
//
// Errors wrap one of ErrInvalidGraph, ErrInvalidParam or ErrNotImplemented, annotated with the
// operator name and kind. No partial result is returned.
func (e *Emitter) Lower(node *OpNode) (*Node, error) {
	if e.outputs.Has(node.ID) {
		return e.outputs.Get(node.ID, 0)
	}
	klog.V(1).Infof("lowering %s with %d inputs", node, len(node.Inputs))
	warnIgnoredAttributes(node)
	var (
		out *Node
		err error
	)
	switch node.Op {
	case OpConvolution:
		out, err = lowerConvolution(e, node)
	case OpFusedConvolution:
		var flags ConvFusionFlags
		flags, err = ParseConvFusionFlags(node.Attrs)
		if err != nil {
			break
		}
		if flags.Quantized {
			out, err = lowerQuantizedFusedConvolution(e, node, flags)
		} else {
			out, err = lowerFusedConvolution(e, node, flags)
		}
	case OpQuantizedConvolution:
		out, err = lowerQuantizedConvolution(e, node)
	default:
		err = notImplementedf("lowering of op %q", node.Op)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "lowering node %q (op %s)", node.Name, node.Op)
	}
	klog.V(1).Infof("lowered %s: %s", node, out.Shape())
	return out, nil
}

// Output returns the output index of node, lowering it first if needed.
// Multi-output operators are looked up in the registry, and never rebuilt.
func (e *Emitter) Output(node *OpNode, index int) (*Node, error) {
	numOutputs := node.NumOutputs()
	if index < 0 || index >= numOutputs {
		return nil, invalidGraphf("output index %d out of range for %s with %d outputs", index, node, numOutputs)
	}
	if numOutputs == 1 {
		return e.Lower(node)
	}
	if !e.outputs.Has(node.ID) {
		if _, err := e.Lower(node); err != nil {
			return nil, err
		}
	}
	return e.outputs.Get(node.ID, index)
}

// input returns the producer of the input slot of node.
// It fails with ErrInvalidGraph if slot is beyond the declared inputs, or if the producer is unknown.
func (e *Emitter) input(node *OpNode, slot int) (*Node, error) {
	if slot < 0 || slot >= len(node.Inputs) {
		return nil, invalidGraphf("input slot %d of %s is beyond its %d declared inputs", slot, node, len(node.Inputs))
	}
	entry := node.Inputs[slot]
	if n, found := e.producers[entry]; found && n != nil {
		return n, nil
	}
	if e.outputs.Has(entry.Node) {
		return e.outputs.Get(entry.Node, entry.Index)
	}
	return nil, invalidGraphf("input slot %d of %s: producer %s not converted", slot, node, entry)
}

// tryGraph runs the graph building function fn, converting its panics to errors.
func tryGraph(fn func() *Node) (out *Node, err error) {
	err = exceptions.TryCatch[error](func() { out = fn() })
	if err != nil {
		return nil, asLoweringError(err)
	}
	return out, nil
}

// tryGraphN is like tryGraph, for multiple outputs.
func tryGraphN(fn func() []*Node) (outs []*Node, err error) {
	err = exceptions.TryCatch[error](func() { outs = fn() })
	if err != nil {
		return nil, asLoweringError(err)
	}
	return outs, nil
}

// asLoweringError classifies errors that are not one of the lowering kinds as ErrInvalidGraph:
// graph building only fails for incompatible shapes.
func asLoweringError(err error) error {
	for _, kind := range []error{ErrInvalidGraph, ErrInvalidParam, ErrNotImplemented} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return invalidGraphf("%v", err)
}
