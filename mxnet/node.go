package mxnet

import (
	"fmt"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Operator kinds lowered by this package, plus the MXNet variable kind.
const (
	OpVariable             = "null"
	OpConvolution          = "Convolution"
	OpFusedConvolution     = "_sg_mkldnn_conv"
	OpQuantizedConvolution = "_contrib_quantized_conv"
)

// NodeID is the index of an operator node within its Symbol.
type NodeID int

// NodeEntry refers to one output of one operator node.
type NodeEntry struct {
	Node  NodeID
	Index int
}

// String implements fmt.Stringer.
func (e NodeEntry) String() string {
	return fmt.Sprintf("#%d[%d]", e.Node, e.Index)
}

// UnmarshalYAML decodes the MXNet form `[node_id, output_index, version]`; the version is ignored.
func (e *NodeEntry) UnmarshalYAML(value *yaml.Node) error {
	var ints []int
	if err := value.Decode(&ints); err != nil {
		return errors.Wrapf(err, "node entry at line %d", value.Line)
	}
	if len(ints) < 2 || len(ints) > 3 {
		return errors.Errorf("node entry at line %d must have 2 or 3 values, got %v", value.Line, ints)
	}
	e.Node = NodeID(ints[0])
	e.Index = ints[1]
	return nil
}

// OpNode is one operator of an MXNet symbol graph.
type OpNode struct {
	// ID is the position of the node in Symbol.Nodes. Not part of the serialized form.
	ID     NodeID      `yaml:"-"`
	Op     string      `yaml:"op"`
	Name   string      `yaml:"name"`
	Attrs  Attributes  `yaml:"attrs,omitempty"`
	Inputs []NodeEntry `yaml:"inputs"`

	// LegacyAttrs holds attributes written by MXNet versions older than 1.0, which used "attr".
	LegacyAttrs Attributes `yaml:"attr,omitempty"`
}

// String implements fmt.Stringer.
func (n *OpNode) String() string {
	return fmt.Sprintf("%s(%q, #%d)", n.Op, n.Name, n.ID)
}

// IsQuantized returns whether the node is a quantized operator.
func (n *OpNode) IsQuantized() bool {
	switch n.Op {
	case OpQuantizedConvolution:
		return true
	case OpFusedConvolution:
		quantized, err := n.Attrs.BoolOr("quantized", false)
		return err == nil && quantized
	}
	return false
}

// NumOutputs returns the number of outputs of the node: a quantized fused convolution
// yields its result plus a min and a max.
func (n *OpNode) NumOutputs() int {
	if n.Op == OpFusedConvolution && n.IsQuantized() {
		return 3
	}
	return 1
}

// Output returns the entry for the output index of the node.
func (n *OpNode) Output(index int) NodeEntry {
	return NodeEntry{Node: n.ID, Index: index}
}
