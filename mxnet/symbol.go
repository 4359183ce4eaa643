package mxnet

import (
	"fmt"
	"io"
	"os"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Symbol is an MXNet symbol graph: a list of operator nodes in topological order, where
// variables (inputs and parameters) are the nodes with op "null".
type Symbol struct {
	Nodes    []*OpNode   `yaml:"nodes"`
	ArgNodes []int       `yaml:"arg_nodes,omitempty"`
	Heads    []NodeEntry `yaml:"heads"`
}

// ReadSymbol reads an MXNet symbol, as saved by MXNet in JSON (`model-symbol.json`), or the
// same structure written in YAML.
func ReadSymbol(r io.Reader) (*Symbol, error) {
	s := &Symbol{}
	if err := yaml.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.Wrap(err, "failed to parse MXNet symbol")
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// ReadSymbolFile reads an MXNet symbol from a JSON or YAML file. See ReadSymbol.
func ReadSymbolFile(path string) (*Symbol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read MXNet symbol file %q", path)
	}
	defer func() { _ = f.Close() }()
	s, err := ReadSymbol(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "MXNet symbol file %q", path)
	}
	return s, nil
}

// init assigns the node IDs and checks that all references are valid.
func (s *Symbol) init() error {
	if len(s.Nodes) == 0 {
		return invalidGraphf("symbol has no nodes")
	}
	for ii, node := range s.Nodes {
		if node == nil {
			return invalidGraphf("symbol node #%d is empty", ii)
		}
		node.ID = NodeID(ii)
		if len(node.LegacyAttrs) > 0 {
			if node.Attrs == nil {
				node.Attrs = make(Attributes, len(node.LegacyAttrs))
			}
			for key, value := range node.LegacyAttrs {
				if _, found := node.Attrs[key]; !found {
					node.Attrs[key] = value
				}
			}
		}
		for _, entry := range node.Inputs {
			if err := s.checkEntry(entry); err != nil {
				return errors.WithMessagef(err, "input of %s", node)
			}
		}
	}
	if len(s.Heads) == 0 {
		// Default to the last node.
		s.Heads = []NodeEntry{{Node: NodeID(len(s.Nodes) - 1)}}
	}
	for _, entry := range s.Heads {
		if err := s.checkEntry(entry); err != nil {
			return errors.WithMessage(err, "symbol heads")
		}
	}
	return nil
}

func (s *Symbol) checkEntry(entry NodeEntry) error {
	if entry.Node < 0 || int(entry.Node) >= len(s.Nodes) {
		return invalidGraphf("reference to node %s, but symbol has %d nodes", entry, len(s.Nodes))
	}
	node := s.Nodes[entry.Node]
	if entry.Index < 0 || entry.Index >= node.NumOutputs() {
		return invalidGraphf("reference to output %s, but %s has %d outputs", entry, node, node.NumOutputs())
	}
	return nil
}

// Node returns the node with the given name, or nil if not found.
func (s *Symbol) Node(name string) *OpNode {
	for _, node := range s.Nodes {
		if node.Name == name {
			return node
		}
	}
	return nil
}

// InputsNames returns the names of the variables ("null" nodes) of the symbol, in order.
// They include the data inputs and the parameters.
func (s *Symbol) InputsNames() []string {
	var names []string
	for _, node := range s.Nodes {
		if node.Op == OpVariable {
			names = append(names, node.Name)
		}
	}
	return names
}

// InputsShapes returns the declared shapes of the variables, in the order of InputsNames.
func (s *Symbol) InputsShapes() ([]DynamicShape, error) {
	var dshapes []DynamicShape
	for _, node := range s.Nodes {
		if node.Op != OpVariable {
			continue
		}
		dshape, err := makeDynamicShape(node.Attrs)
		if err != nil {
			return nil, errors.WithMessagef(err, "variable %q", node.Name)
		}
		dshapes = append(dshapes, dshape)
	}
	return dshapes, nil
}

// HeadsNames returns the EntryName of each of the symbol heads.
func (s *Symbol) HeadsNames() []string {
	return sliceMap(s.Heads, func(entry NodeEntry) string { return s.EntryName(entry) })
}

// EntryName returns the name of the node output: the node name, suffixed with "_output<index>" for
// multi-output nodes.
func (s *Symbol) EntryName(entry NodeEntry) string {
	node := s.Nodes[entry.Node]
	if node.NumOutputs() == 1 {
		return node.Name
	}
	return fmt.Sprintf("%s_output%d", node.Name, entry.Index)
}

// OperatorOutputs lists the outputs of all the operators (non-variable nodes), in node order.
func (s *Symbol) OperatorOutputs() []NodeEntry {
	var entries []NodeEntry
	for _, node := range s.Nodes {
		if node.Op == OpVariable {
			continue
		}
		for index := range node.NumOutputs() {
			entries = append(entries, node.Output(index))
		}
	}
	return entries
}

// callGraphState holds the state of one Symbol.CallGraph call.
type callGraphState struct {
	ctx       *context.Context
	g         *Graph
	inputs    map[string]*Node
	producers Producers
	emitter   *Emitter
	dimValues map[string]int
	visiting  sets.Set[NodeID]
}

// CallGraph builds the symbol on g and returns the nodes for the given outputs, or for the symbol heads
// if no outputs are given.
//
// Variables are taken from inputs (by name) or, if not given, from the variables in ctx (in scope ModelScope),
// see VariablesToContext. The ctx may be nil if all variables are given as inputs. Inputs with a declared
// shape ("__shape__" attribute) are validated.
//
// Operators are lowered in topological order, and only those needed for the outputs.
func (s *Symbol) CallGraph(ctx *context.Context, g *Graph, inputs map[string]*Node, outputs ...NodeEntry) ([]*Node, error) {
	if ctx != nil {
		ctx = ctx.In(ModelScope).Checked(false)
	}
	if len(outputs) == 0 {
		outputs = s.Heads
	}

	unknownInputs := sets.Make[string]()
	variables := sets.Make[string]()
	for _, name := range s.InputsNames() {
		variables.Insert(name)
	}
	for name := range inputs {
		if !variables.Has(name) {
			unknownInputs.Insert(name)
		}
	}
	if len(unknownInputs) > 0 {
		return nil, invalidGraphf("symbol called with unknown inputs %q", unknownInputs)
	}

	producers := make(Producers)
	state := &callGraphState{
		ctx:       ctx,
		g:         g,
		inputs:    inputs,
		producers: producers,
		emitter:   NewEmitter(g, producers),
		dimValues: make(map[string]int),
		visiting:  sets.Make[NodeID](),
	}
	results := make([]*Node, len(outputs))
	for ii, entry := range outputs {
		if err := s.checkEntry(entry); err != nil {
			return nil, err
		}
		if err := s.recursiveCallGraph(state, entry.Node); err != nil {
			return nil, err
		}
		results[ii] = producers[entry]
		if results[ii] == nil {
			return nil, invalidGraphf("output %s (%q) was not built", entry, s.EntryName(entry))
		}
	}
	return results, nil
}

// recursiveCallGraph converts the node id after its inputs, storing the results in state.producers.
func (s *Symbol) recursiveCallGraph(state *callGraphState, id NodeID) error {
	node := s.Nodes[id]
	if _, found := state.producers[node.Output(0)]; found {
		// Already converted.
		return nil
	}
	if node.Op == OpVariable {
		return s.bindVariable(state, node)
	}
	if state.visiting.Has(id) {
		return invalidGraphf("cycle in symbol graph through %s", node)
	}
	state.visiting.Insert(id)
	for _, entry := range node.Inputs {
		if err := s.recursiveCallGraph(state, entry.Node); err != nil {
			return err
		}
	}

	out, err := state.emitter.Lower(node)
	if err != nil {
		return err
	}
	state.producers[node.Output(0)] = out
	for index := 1; index < node.NumOutputs(); index++ {
		if state.producers[node.Output(index)], err = state.emitter.Output(node, index); err != nil {
			return err
		}
	}
	delete(state.visiting, id)
	return nil
}

// bindVariable sets the producer of the variable node from the inputs or from the context.
func (s *Symbol) bindVariable(state *callGraphState, node *OpNode) error {
	dshape, err := makeDynamicShape(node.Attrs)
	if err != nil {
		return errors.WithMessagef(err, "variable %q", node.Name)
	}
	if n, found := state.inputs[node.Name]; found {
		if err = dshape.check(n.Shape(), state.dimValues); err != nil {
			return invalidGraphf("input %q: %v", node.Name, err)
		}
		state.producers[node.Output(0)] = n
		return nil
	}
	if state.ctx == nil {
		return invalidGraphf("symbol variable %q not given as input, and no context was given", node.Name)
	}
	varName := SafeVarName(node.Name)
	v := state.ctx.GetVariable(varName)
	if v == nil {
		return invalidGraphf("symbol variable %q not given as input, and not found in context scope %q -- did you forget to call mxnet.VariablesToContext ?",
			node.Name, state.ctx.Scope())
	}
	klog.V(2).Infof("variable %q read from context as %q", node.Name, varName)
	state.producers[node.Output(0)] = v.ValueGraph(state.g)
	return nil
}
