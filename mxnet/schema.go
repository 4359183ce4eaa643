package mxnet

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConvFusionFlags are the features fused into a `_sg_mkldnn_conv` operator. They alone
// define the position of each of its inputs.
type ConvFusionFlags struct {
	NoBias          bool
	WithBN          bool
	WithRelu        bool
	WithSum         bool
	WithPostSumRelu bool
	Quantized       bool
}

// ParseConvFusionFlags parses the fusion flags from the operator attributes.
func ParseConvFusionFlags(attrs Attributes) (flags ConvFusionFlags, err error) {
	if flags.NoBias, err = attrs.BoolOr("no_bias", false); err != nil {
		return
	}
	if flags.WithBN, err = attrs.BoolOr("with_bn", false); err != nil {
		return
	}
	if flags.WithRelu, err = attrs.BoolOr("with_relu", false); err != nil {
		return
	}
	if flags.WithSum, err = attrs.BoolOr("with_sum", false); err != nil {
		return
	}
	if flags.WithPostSumRelu, err = attrs.BoolOr("with_postsum_relu", false); err != nil {
		return
	}
	flags.Quantized, err = attrs.BoolOr("quantized", false)
	return
}

// InputSchema names the input slot of each logical input of a convolution operator.
// Absent inputs have a None slot.
type InputSchema struct {
	Flags ConvFusionFlags

	Data, Filter                             int
	Bias, Gamma, Beta, MovingMean, MovingVar Optional[int]
	Sum                                      Optional[int]
	DataMin, DataMax, FilterMin, FilterMax   Optional[int]
	SumMin, SumMax                           Optional[int]

	// NumInputs is the number of inputs the operator is expected to declare.
	NumInputs int
}

// slotCounter hands out consecutive input slots.
type slotCounter int

func (c *slotCounter) next() int {
	slot := int(*c)
	*c++
	return slot
}

func (c *slotCounter) nextIf(present bool) Optional[int] {
	if !present {
		return None[int]()
	}
	return Some(c.next())
}

// FixedSchema is the schema of the plain Convolution: data, filter and, unless noBias, bias.
func FixedSchema(noBias bool) InputSchema {
	var c slotCounter
	s := InputSchema{Flags: ConvFusionFlags{NoBias: noBias}}
	s.Data = c.next()
	s.Filter = c.next()
	s.Bias = c.nextIf(!noBias)
	s.NumInputs = int(c)
	return s
}

// FusionSchema is the schema of `_sg_mkldnn_conv`, computed from its flags. Inputs are ordered
// data, weight, bias, gamma, beta, moving mean, moving var, sum; the quantized operator
// follows with the data min and max, and the sum min and max.
func FusionSchema(flags ConvFusionFlags) InputSchema {
	var c slotCounter
	s := InputSchema{Flags: flags}
	s.Data = c.next()
	s.Filter = c.next()
	s.Bias = c.nextIf(!flags.NoBias)
	s.Gamma = c.nextIf(flags.WithBN)
	s.Beta = c.nextIf(flags.WithBN)
	s.MovingMean = c.nextIf(flags.WithBN)
	s.MovingVar = c.nextIf(flags.WithBN)
	s.Sum = c.nextIf(flags.WithSum)
	s.DataMin = c.nextIf(flags.Quantized)
	s.DataMax = c.nextIf(flags.Quantized)
	s.SumMin = c.nextIf(flags.Quantized && flags.WithSum)
	s.SumMax = c.nextIf(flags.Quantized && flags.WithSum)
	s.NumInputs = int(c)
	return s
}

// QuantizedConvSchema is the schema of `_contrib_quantized_conv`: data, filter, bias, data min,
// data max, filter min and filter max.
func QuantizedConvSchema() InputSchema {
	var c slotCounter
	s := InputSchema{Flags: ConvFusionFlags{Quantized: true}}
	s.Data = c.next()
	s.Filter = c.next()
	s.Bias = Some(c.next())
	s.DataMin = Some(c.next())
	s.DataMax = Some(c.next())
	s.FilterMin = Some(c.next())
	s.FilterMax = Some(c.next())
	s.NumInputs = int(c)
	return s
}

// String implements fmt.Stringer, listing the present slots.
func (s InputSchema) String() string {
	parts := []string{fmt.Sprintf("data=%d", s.Data), fmt.Sprintf("filter=%d", s.Filter)}
	for _, named := range s.optionalSlots() {
		if slot, ok := named.slot.Get(); ok {
			parts = append(parts, fmt.Sprintf("%s=%d", named.name, slot))
		}
	}
	return fmt.Sprintf("InputSchema{%s}", strings.Join(parts, ", "))
}

type namedSlot struct {
	name string
	slot Optional[int]
	node *Optional[*Node]
}

// optionalSlots lists the optional slots with where to store them in operands, if given.
func (s InputSchema) optionalSlots(operands ...*ConvOperands) []namedSlot {
	var ops ConvOperands
	o := &ops
	if len(operands) > 0 {
		o = operands[0]
	}
	return []namedSlot{
		{"bias", s.Bias, &o.Bias},
		{"gamma", s.Gamma, &o.Gamma},
		{"beta", s.Beta, &o.Beta},
		{"moving_mean", s.MovingMean, &o.MovingMean},
		{"moving_var", s.MovingVar, &o.MovingVar},
		{"sum", s.Sum, &o.Sum},
		{"data_min", s.DataMin, &o.DataMin},
		{"data_max", s.DataMax, &o.DataMax},
		{"filter_min", s.FilterMin, &o.FilterMin},
		{"filter_max", s.FilterMax, &o.FilterMax},
		{"sum_min", s.SumMin, &o.SumMin},
		{"sum_max", s.SumMax, &o.SumMax},
	}
}

// ConvOperands holds the resolved inputs of a convolution operator.
type ConvOperands struct {
	Data, Filter                             *Node
	Bias, Gamma, Beta, MovingMean, MovingVar Optional[*Node]
	Sum                                      Optional[*Node]
	DataMin, DataMax, FilterMin, FilterMax   Optional[*Node]
	SumMin, SumMax                           Optional[*Node]
}

// Resolve fetches the producer of every slot of the schema for node.
// It fails with ErrInvalidGraph if a slot is beyond the inputs declared by node, or if its producer is unknown.
func (s InputSchema) Resolve(e *Emitter, node *OpNode) (ops ConvOperands, err error) {
	if ops.Data, err = e.input(node, s.Data); err != nil {
		return
	}
	if ops.Filter, err = e.input(node, s.Filter); err != nil {
		return
	}
	for _, named := range s.optionalSlots(&ops) {
		slot, ok := named.slot.Get()
		if !ok {
			continue
		}
		var n *Node
		if n, err = e.input(node, slot); err != nil {
			err = errors.WithMessagef(err, "resolving %s", named.name)
			return
		}
		*named.node = Some(n)
	}
	if len(node.Inputs) > s.NumInputs {
		klog.V(2).Infof("%s: ignoring %d inputs beyond %s", node, len(node.Inputs)-s.NumInputs, s)
	}
	return
}
